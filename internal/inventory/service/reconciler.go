package service

import (
	"context"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// Discrepancy is a product/branch whose ledger does not match its batches.
type Discrepancy struct {
	Key            domain.StockKey `json:"key"`
	LedgerBalance  int             `json:"ledger_balance"`
	HeadBalance    int             `json:"head_balance"`
	OnHand         int             `json:"on_hand"`
	TotalAvailable int             `json:"total_available"`
	Problem        string          `json:"problem"`
}

// ReconcileReport is the outcome of one audit.
type ReconcileReport struct {
	CheckedAt     time.Time             `json:"checked_at"`
	Keys          int                   `json:"keys"`
	Discrepancies []Discrepancy         `json:"discrepancies"`
	OpenTransfers []domain.OpenTransfer `json:"open_transfers"`
}

// Consistent reports whether the audit found nothing to follow up.
func (r *ReconcileReport) Consistent() bool {
	return len(r.Discrepancies) == 0 && len(r.OpenTransfers) == 0
}

// Reconciler audits the ledger against batch quantities and lists
// transfers whose destination half never arrived.
type Reconciler struct {
	snap    SnapshotRunner
	batches BatchStore
	ledgers LedgerStore
	ledger  *LedgerRecorder
	now     func() time.Time
	logger  *logger.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(snap SnapshotRunner, batches BatchStore, ledgers LedgerStore, ledger *LedgerRecorder, log *logger.Logger) *Reconciler {
	return &Reconciler{
		snap:    snap,
		batches: batches,
		ledgers: ledgers,
		ledger:  ledger,
		now:     time.Now,
		logger:  log.WithComponent("reconciler"),
	}
}

// SetClock replaces the wall clock used to age open transfers.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Reconcile replays every ledger and compares it with the head row and the
// stock held in batches. Transfers dispatched more than grace ago without
// an inbound entry are reported as open.
func (r *Reconciler) Reconcile(ctx context.Context, grace time.Duration) (*ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "reconciler.reconcile")
	defer span.End()

	report := &ReconcileReport{CheckedAt: r.now().UTC()}

	keys, err := r.keys(ctx)
	if err != nil {
		return nil, err
	}
	report.Keys = len(keys)

	for _, key := range keys {
		d, err := r.check(ctx, key)
		if err != nil {
			return nil, err
		}
		if d != nil {
			r.logger.Warn().
				Str("product_id", key.ProductID).
				Str("branch_id", key.BranchID).
				Int("ledger_balance", d.LedgerBalance).
				Int("on_hand", d.OnHand).
				Str("problem", d.Problem).
				Msg("ledger discrepancy")
			report.Discrepancies = append(report.Discrepancies, *d)
		}
	}

	open, err := r.ledgers.OpenTransfers(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := report.CheckedAt.Add(-grace)
	for _, t := range open {
		if t.DispatchedAt.After(cutoff) {
			continue
		}
		r.logger.Warn().
			Str("transfer_id", t.TransferID).
			Str("product_id", t.ProductID).
			Str("from_branch_id", t.FromBranchID).
			Int("quantity", t.Quantity).
			Time("dispatched_at", t.DispatchedAt).
			Msg("transfer not received")
		report.OpenTransfers = append(report.OpenTransfers, t)
	}

	r.logger.Info().
		Int("keys", report.Keys).
		Int("discrepancies", len(report.Discrepancies)).
		Int("open_transfers", len(report.OpenTransfers)).
		Msg("reconciliation completed")

	return report, nil
}

func (r *Reconciler) keys(ctx context.Context) ([]domain.StockKey, error) {
	stockKeys, err := r.batches.StockKeys(ctx)
	if err != nil {
		return nil, err
	}
	ledgerKeys, err := r.ledgers.Keys(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[domain.StockKey]bool, len(stockKeys))
	var keys []domain.StockKey
	for _, k := range append(stockKeys, ledgerKeys...) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// check compares one key's head, replay and batches as of a single
// snapshot, so a movement committing mid-check cannot show up as drift.
func (r *Reconciler) check(ctx context.Context, key domain.StockKey) (*Discrepancy, error) {
	var d *Discrepancy
	err := r.snap.WithinSnapshot(ctx, func(ctx context.Context) error {
		var err error
		d, err = r.compare(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Reconciler) compare(ctx context.Context, key domain.StockKey) (*Discrepancy, error) {
	d := &Discrepancy{Key: key}

	head, err := r.ledgers.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if head != nil {
		d.HeadBalance = head.Balance
	}
	if d.OnHand, err = r.batches.OnHand(ctx, key.ProductID, key.BranchID); err != nil {
		return nil, err
	}
	if d.TotalAvailable, err = r.batches.TotalAvailable(ctx, key.ProductID, key.BranchID); err != nil {
		return nil, err
	}

	balance, err := r.ledger.Verify(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrLedgerInconsistency) {
			return nil, err
		}
		d.LedgerBalance = d.HeadBalance
		d.Problem = err.Error()
		return d, nil
	}
	d.LedgerBalance = balance

	if balance != d.OnHand {
		d.Problem = "ledger balance differs from stock held in batches"
		return d, nil
	}
	return nil, nil
}
