package ingest

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/gcs"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

// Object names under the raw prefix.
const (
	TransactionsFile = "transactions.csv"
	BudgetFile       = "budget.csv"
)

// Provider reads the raw transactions and budget files of one run from a
// local directory or a gs:// prefix.
type Provider struct {
	storage gcs.StorageService
	rawURI  string
}

// NewProvider creates a Provider reading rawURI/transactions.csv and
// rawURI/budget.csv through storage.
func NewProvider(storage gcs.StorageService, rawURI string) *Provider {
	return &Provider{storage: storage, rawURI: rawURI}
}

// TransactionsURI is the location of the transactions file.
func (p *Provider) TransactionsURI() string { return gcs.Join(p.rawURI, TransactionsFile) }

// BudgetURI is the location of the budget file.
func (p *Provider) BudgetURI() string { return gcs.Join(p.rawURI, BudgetFile) }

// Read decodes both sources concurrently into a RawBatch.
func (p *Provider) Read(ctx context.Context) (domain.RawBatch, error) {
	log := logger.FromContext(ctx)

	var (
		txs    Result[domain.RawTransaction]
		budget Result[domain.RawBudgetLine]
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rc, err := p.storage.Open(gctx, p.TransactionsURI())
		if err != nil {
			return fmt.Errorf("open transactions: %w", err)
		}
		defer rc.Close()

		txs, err = ReadTransactions(rc)
		return err
	})
	g.Go(func() error {
		rc, err := p.storage.Open(gctx, p.BudgetURI())
		if err != nil {
			return fmt.Errorf("open budget: %w", err)
		}
		defer rc.Close()

		budget, err = ReadBudget(rc)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.RawBatch{}, fmt.Errorf("Read: %w", err)
	}

	batch := domain.RawBatch{
		Transactions:     txs.Records,
		Budget:           budget.Records,
		Rejected:         append(txs.Rejected, budget.Rejected...),
		TransactionsRead: txs.Read,
		BudgetLinesRead:  budget.Read,
	}

	log.Info().
		Str("transactions_uri", p.TransactionsURI()).
		Str("budget_uri", p.BudgetURI()).
		Int("transactions_read", batch.TransactionsRead).
		Int("budget_lines_read", batch.BudgetLinesRead).
		Int("rejected_records", len(batch.Rejected)).
		Msg("Raw data read")

	for _, rej := range batch.Rejected {
		log.Debug().Err(rej).Str("source", rej.Source).Int("line", rej.Line).Msg("Record rejected")
	}

	return batch, nil
}
