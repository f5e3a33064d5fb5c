package starschema

import (
	"fmt"
	"sort"

	"github.com/dvloznov/finance-warehouse/internal/domain"
)

// PlaceholderAccountType is the AccountType given to accounts without master data.
const PlaceholderAccountType = "Unknown"

// Enricher supplies the display attributes of dimension rows.
type Enricher interface {
	DepartmentName(departmentID string) string
	Account(accountID string) (name, accountType string)
}

// PlaceholderEnricher uses the natural key as display name and
// PlaceholderAccountType as account type.
type PlaceholderEnricher struct{}

func (PlaceholderEnricher) DepartmentName(departmentID string) string { return departmentID }

func (PlaceholderEnricher) Account(accountID string) (string, string) {
	return accountID, PlaceholderAccountType
}

// AccountInfo is master data for one account.
type AccountInfo struct {
	Name string
	Type string
}

// StaticEnricher serves master data from maps and falls back to
// PlaceholderEnricher for anything missing.
type StaticEnricher struct {
	Departments map[string]string
	Accounts    map[string]AccountInfo
}

func (e StaticEnricher) DepartmentName(departmentID string) string {
	if name, ok := e.Departments[departmentID]; ok && name != "" {
		return name
	}
	return PlaceholderEnricher{}.DepartmentName(departmentID)
}

func (e StaticEnricher) Account(accountID string) (string, string) {
	name, typ := PlaceholderEnricher{}.Account(accountID)
	if info, ok := e.Accounts[accountID]; ok {
		if info.Name != "" {
			name = info.Name
		}
		if info.Type != "" {
			typ = info.Type
		}
	}
	return name, typ
}

// KeyLookup resolves natural keys to surrogate keys.
type KeyLookup interface {
	Resolve(dim domain.Dimension, naturalKey string) (int64, bool)
}

// ResolverOptions controls DimensionResolver.
type ResolverOptions struct {
	// IncludeBudgetKeys adds natural keys seen only in budget lines to the
	// dimensions. When false only transactions are scanned.
	IncludeBudgetKeys bool

	// Enricher defaults to PlaceholderEnricher.
	Enricher Enricher
}

// DimensionResolver owns DimDepartment and DimAccount for one run.
// It is read-only once built and safe for concurrent Resolve calls.
type DimensionResolver struct {
	keys        map[domain.Dimension]map[string]int64
	departments []domain.DepartmentRow
	accounts    []domain.AccountRow
	pending     []domain.KeyMapping
}

// NewDimensionResolver extracts the distinct department and account natural
// keys of the batch and assigns their surrogate keys.
func NewDimensionResolver(txs []domain.RawTransaction, budget []domain.RawBudgetLine, assigner KeyAssigner, opts ResolverOptions) (*DimensionResolver, error) {
	enricher := opts.Enricher
	if enricher == nil {
		enricher = PlaceholderEnricher{}
	}

	deptIDs, acctIDs := distinctNaturalKeys(txs, budget, opts.IncludeBudgetKeys)

	deptAssignment, err := assigner.Assign(domain.DimensionDepartment, deptIDs)
	if err != nil {
		return nil, fmt.Errorf("NewDimensionResolver: departments: %w", err)
	}
	acctAssignment, err := assigner.Assign(domain.DimensionAccount, acctIDs)
	if err != nil {
		return nil, fmt.Errorf("NewDimensionResolver: accounts: %w", err)
	}

	r := &DimensionResolver{
		keys: map[domain.Dimension]map[string]int64{
			domain.DimensionDepartment: deptAssignment.Keys,
			domain.DimensionAccount:    acctAssignment.Keys,
		},
		departments: make([]domain.DepartmentRow, 0, len(deptIDs)),
		accounts:    make([]domain.AccountRow, 0, len(acctIDs)),
	}
	r.pending = append(r.pending, deptAssignment.New...)
	r.pending = append(r.pending, acctAssignment.New...)

	for _, id := range deptIDs {
		r.departments = append(r.departments, domain.DepartmentRow{
			DepartmentKey:  deptAssignment.Keys[id],
			DepartmentID:   id,
			DepartmentName: enricher.DepartmentName(id),
		})
	}
	for _, id := range acctIDs {
		name, typ := enricher.Account(id)
		r.accounts = append(r.accounts, domain.AccountRow{
			AccountKey:  acctAssignment.Keys[id],
			AccountID:   id,
			AccountName: name,
			AccountType: typ,
		})
	}

	sort.Slice(r.departments, func(i, j int) bool { return r.departments[i].DepartmentKey < r.departments[j].DepartmentKey })
	sort.Slice(r.accounts, func(i, j int) bool { return r.accounts[i].AccountKey < r.accounts[j].AccountKey })

	return r, nil
}

// distinctNaturalKeys returns the sorted distinct non-empty department and
// account IDs of the batch.
func distinctNaturalKeys(txs []domain.RawTransaction, budget []domain.RawBudgetLine, includeBudget bool) (depts, accts []string) {
	deptSet := make(map[string]struct{})
	acctSet := make(map[string]struct{})

	add := func(set map[string]struct{}, id string) {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	for _, tx := range txs {
		add(deptSet, tx.DepartmentID)
		add(acctSet, tx.AccountID)
	}
	if includeBudget {
		for _, b := range budget {
			add(deptSet, b.DepartmentID)
			add(acctSet, b.AccountID)
		}
	}
	return sortedKeys(deptSet), sortedKeys(acctSet)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the surrogate key of naturalKey, or false when the
// dimension has no row for it.
func (r *DimensionResolver) Resolve(dim domain.Dimension, naturalKey string) (int64, bool) {
	k, ok := r.keys[dim][naturalKey]
	return k, ok
}

// Departments returns DimDepartment ordered by surrogate key.
func (r *DimensionResolver) Departments() []domain.DepartmentRow { return r.departments }

// Accounts returns DimAccount ordered by surrogate key.
func (r *DimensionResolver) Accounts() []domain.AccountRow { return r.accounts }

// Scenarios returns the static DimScenario rows.
func (r *DimensionResolver) Scenarios() []domain.ScenarioRow { return domain.ScenarioRows() }

// PendingMappings returns key assignments made by this run that must be
// persisted before the tables are loaded.
func (r *DimensionResolver) PendingMappings() []domain.KeyMapping { return r.pending }
