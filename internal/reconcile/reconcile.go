// Package reconcile checks that balances agree with the ledger. It only reads.
//
// Figures are point-in-time: a transfer in flight during a run can make an
// account look drifted, so a mismatch is re-read once before it is reported.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	accountmodels "remit/internal/account/models"
	ledgermodels "remit/internal/ledger/models"
	"remit/internal/transfer/metrics"
	id "remit/pkg/domain"
	"remit/pkg/money"
)

// Accounts is the account side of the check.
type Accounts interface {
	ListAll(ctx context.Context) ([]*accountmodels.Account, error)
	Get(ctx context.Context, accountID id.AccountID) (*accountmodels.Account, error)
}

// Ledger is the ledger side of the check.
type Ledger interface {
	NetFlow(ctx context.Context, accountID id.AccountID) (int64, error)
	ListReconciliation(ctx context.Context) ([]*ledgermodels.Transaction, error)
}

// Drift is an account whose balance disagrees with its opening balance plus
// its completed ledger flow.
type Drift struct {
	AccountID id.AccountID
	Balance   int64
	Expected  int64
}

// Report is the result of one run.
type Report struct {
	Accounts     int
	TotalBalance int64
	TotalOpening int64
	// SupplyDelta is TotalBalance - TotalOpening; transfers never create money.
	SupplyDelta int64
	Drifted     []Drift
	Flagged     []*ledgermodels.Transaction
	CheckedAt   time.Time
}

// OK reports whether nothing needs attention.
func (r *Report) OK() bool {
	return r.SupplyDelta == 0 && len(r.Drifted) == 0 && len(r.Flagged) == 0
}

var errOverflow = errors.New("balance total overflows int64")

const defaultConcurrency = 8

type Job struct {
	accounts    Accounts
	ledger      Ledger
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time
}

type Option func(*Job)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(j *Job) {
		j.metrics = m
	}
}

// WithConcurrency bounds the number of accounts checked in parallel.
func WithConcurrency(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

func New(accounts Accounts, ledger Ledger, opts ...Option) *Job {
	j := &Job{
		accounts:    accounts,
		ledger:      ledger,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	return j
}

// Run performs one reconciliation pass.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	report, err := j.run(ctx)
	if err != nil {
		j.metrics.IncReconcileError()
		j.logger.ErrorContext(ctx, "reconciliation failed", "error", err)
		return nil, err
	}

	j.metrics.RecordReconcile(report.OK(), len(report.Drifted), len(report.Flagged), report.SupplyDelta)
	if report.OK() {
		j.logger.InfoContext(ctx, "reconciliation ok",
			"accounts", report.Accounts,
			"total_balance", report.TotalBalance,
		)
		return report, nil
	}

	j.logger.WarnContext(ctx, "reconciliation found discrepancies",
		"accounts", report.Accounts,
		"supply_delta", report.SupplyDelta,
		"drifted", len(report.Drifted),
		"flagged", len(report.Flagged),
	)
	for _, d := range report.Drifted {
		j.logger.WarnContext(ctx, "account balance drift",
			"account_id", d.AccountID.String(),
			"balance", d.Balance,
			"expected", d.Expected,
		)
	}
	for _, tx := range report.Flagged {
		j.logger.WarnContext(ctx, "ledger entry awaiting reconciliation",
			"transaction_id", tx.ID.String(),
			"sender_id", tx.SenderID.String(),
			"recipient_id", tx.RecipientID.String(),
			"amount", tx.Amount,
		)
	}
	return report, nil
}

func (j *Job) run(ctx context.Context) (*Report, error) {
	accounts, err := j.accounts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	report := &Report{Accounts: len(accounts), CheckedAt: j.now()}
	var ok bool
	for _, acc := range accounts {
		if report.TotalBalance, ok = money.Add(report.TotalBalance, acc.Balance); !ok {
			return nil, errOverflow
		}
		if report.TotalOpening, ok = money.Add(report.TotalOpening, acc.OpeningBalance); !ok {
			return nil, errOverflow
		}
	}
	report.SupplyDelta = report.TotalBalance - report.TotalOpening

	drift := make([]*Drift, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i, acc := range accounts {
		g.Go(func() error {
			d, err := j.check(gctx, acc)
			if err != nil {
				return fmt.Errorf("checking account %s: %w", acc.ID, err)
			}
			drift[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, d := range drift {
		if d != nil {
			report.Drifted = append(report.Drifted, *d)
		}
	}

	report.Flagged, err = j.ledger.ListReconciliation(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing flagged entries: %w", err)
	}
	return report, nil
}

// check returns a Drift when the account still disagrees with the ledger
// after one re-read.
func (j *Job) check(ctx context.Context, acc *accountmodels.Account) (*Drift, error) {
	net, err := j.ledger.NetFlow(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	if acc.Balance == acc.OpeningBalance+net {
		return nil, nil
	}

	fresh, err := j.accounts.Get(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	net, err = j.ledger.NetFlow(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	expected := fresh.OpeningBalance + net
	if fresh.Balance == expected {
		return nil, nil
	}
	return &Drift{AccountID: acc.ID, Balance: fresh.Balance, Expected: expected}, nil
}

// Schedule runs the job on a robfig/cron expression (e.g. "@every 5m") until
// ctx is done. Overlapping runs are skipped.
func (j *Job) Schedule(ctx context.Context, spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		_, _ = j.Run(ctx)
	}); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}

	j.logger.InfoContext(ctx, "reconciliation scheduled", "schedule", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
