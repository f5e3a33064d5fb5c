package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

func TestObserveRun(t *testing.T) {
	m := New()
	finished := time.Unix(1_700_000_000, 0)

	m.ObserveRun(OutcomeSuccess, 3*time.Second, finished)
	m.ObserveRun(OutcomeFailure, time.Second, finished.Add(time.Hour))

	if got := testutil.ToFloat64(m.runs.WithLabelValues(OutcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 successful run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues(OutcomeFailure)); got != 1 {
		t.Fatalf("expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got != float64(finished.Unix()) {
		t.Fatalf("last success = %v, failures must not move it", got)
	}
	if got := testutil.CollectAndCount(m.runDuration); got != 1 {
		t.Fatalf("expected one duration series, got %d", got)
	}
}

func TestObserveReport(t *testing.T) {
	m := New()
	r := starschema.NewReport(1)
	r.TransactionsRead = 10
	r.BudgetLinesRead = 4
	r.AddRejected(&domain.MalformedRecordError{Source: domain.SourceTransactions})
	r.AddRejected(&domain.MalformedRecordError{Source: domain.SourceTransactions})
	r.AddRejected(&domain.MalformedRecordError{Source: domain.SourceBudget})
	r.AddUnresolved(&domain.UnresolvedDimensionKey{Dimension: domain.DimensionAccount})
	r.AddUncoveredBudget("B9")

	m.ObserveReport(r)

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"transactions read", testutil.ToFloat64(m.recordsRead.WithLabelValues(domain.SourceTransactions)), 10},
		{"budget read", testutil.ToFloat64(m.recordsRead.WithLabelValues(domain.SourceBudget)), 4},
		{"transactions rejected", testutil.ToFloat64(m.rejectedRecords.WithLabelValues(domain.SourceTransactions)), 2},
		{"budget rejected", testutil.ToFloat64(m.rejectedRecords.WithLabelValues(domain.SourceBudget)), 1},
		{"account unresolved", testutil.ToFloat64(m.unresolvedKeys.WithLabelValues(string(domain.DimensionAccount))), 1},
		{"department unresolved", testutil.ToFloat64(m.unresolvedKeys.WithLabelValues(string(domain.DimensionDepartment))), 0},
		{"uncovered budget", testutil.ToFloat64(m.uncoveredBudget), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, tc.got)
			}
		})
	}
}

func TestObserveTable(t *testing.T) {
	m := New()

	m.ObserveTable(domain.TableFactFinancials, domain.StageEncode, 5, time.Millisecond)
	if got := testutil.CollectAndCount(m.tableRows); got != 0 {
		t.Fatalf("rows are only recorded after load, got %d series", got)
	}

	m.ObserveTable(domain.TableFactFinancials, domain.StageLoad, 5, time.Second)
	if got := testutil.ToFloat64(m.tableRows.WithLabelValues(domain.TableFactFinancials)); got != 5 {
		t.Fatalf("expected 5 rows, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRun(OutcomeSuccess, time.Second, time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `finwh_runs_total{outcome="success"} 1`) {
		t.Fatalf("unexpected exposition:\n%s", body)
	}
}

func TestPusher(t *testing.T) {
	if NewPusher("  ", "job", nil) != nil {
		t.Fatal("expected nil pusher without endpoint")
	}
	var nilPusher *Pusher
	if err := nilPusher.Push(context.Background(), New()); err != nil {
		t.Fatalf("nil pusher should be a no-op, got %v", err)
	}

	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.ObserveRun(OutcomeSuccess, time.Second, time.Now())

	p := NewPusher(srv.URL, "", map[string]string{"env": "test", "": "skipped"})
	if err := p.Push(context.Background(), m); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", gotMethod)
	}
	if want := "/metrics/job/" + DefaultJob + "/env/test"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}
