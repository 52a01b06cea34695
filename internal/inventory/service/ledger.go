package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultPageSize = 200

// AppendParams describes one ledger line. Exactly one of QuantityIn and
// QuantityOut must be positive.
type AppendParams struct {
	ProductID     string
	BranchID      string
	BatchID       *string
	Movement      domain.MovementType
	QuantityIn    int
	QuantityOut   int
	ReferenceType string
	ReferenceID   string
	Actor         string
	Notes         string
}

// LedgerRecorder maintains the bin card of every product at every branch.
type LedgerRecorder struct {
	tx       TxRunner
	store    LedgerStore
	pageSize int
	now      func() time.Time
	logger   *logger.Logger
}

// NewLedgerRecorder creates a new ledger recorder
func NewLedgerRecorder(tx TxRunner, store LedgerStore, pageSize int, log *logger.Logger) *LedgerRecorder {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &LedgerRecorder{
		tx:       tx,
		store:    store,
		pageSize: pageSize,
		now:      time.Now,
		logger:   log.WithComponent("ledger"),
	}
}

// SetClock replaces the wall clock used for occurred_at.
func (r *LedgerRecorder) SetClock(now func() time.Time) {
	r.now = now
}

func (p AppendParams) validate() error {
	if p.ProductID == "" || p.BranchID == "" {
		return errors.BadRequest("product and branch are required")
	}
	if !p.Movement.Valid() {
		return errors.BadRequest(fmt.Sprintf("unknown movement type %q", p.Movement))
	}
	if p.QuantityIn < 0 || p.QuantityOut < 0 {
		return errors.BadRequest("ledger quantities cannot be negative")
	}
	if (p.QuantityIn > 0) == (p.QuantityOut > 0) {
		return errors.BadRequest("exactly one of quantity in and quantity out must be positive")
	}
	switch p.Movement.Direction() {
	case domain.Inbound:
		if p.QuantityOut > 0 {
			return errors.BadRequest(fmt.Sprintf("%s cannot record stock out", p.Movement))
		}
	case domain.Outbound:
		if p.QuantityIn > 0 {
			return errors.BadRequest(fmt.Sprintf("%s cannot record stock in", p.Movement))
		}
	}
	return nil
}

// Append writes the next entry for the product/branch of p. It joins the
// unit of work carried by ctx so the entry commits with the batch change
// that caused it.
func (r *LedgerRecorder) Append(ctx context.Context, p AppendParams) (entry *domain.LedgerEntry, err error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	key := domain.StockKey{ProductID: p.ProductID, BranchID: p.BranchID}
	ctx, span := startSpan(ctx, "ledger.append", key, movementAttr(p.Movement))
	defer func() { endSpan(span, err) }()

	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		head, err := r.store.LockHead(ctx, key)
		if err != nil {
			return err
		}
		last, err := r.store.LastEntry(ctx, key)
		if err != nil {
			return err
		}

		balance := 0
		if last != nil {
			balance = last.RunningBalance
		}
		if head.Balance != balance {
			return domain.LedgerInconsistency(key, fmt.Sprintf("head balance %d differs from last entry balance %d", head.Balance, balance))
		}

		next := balance + p.QuantityIn - p.QuantityOut
		if next < 0 {
			return domain.LedgerInconsistency(key, fmt.Sprintf("balance %d cannot cover %d out", balance, p.QuantityOut))
		}

		occurredAt := r.now().UTC().Truncate(time.Microsecond)
		if last != nil && occurredAt.Before(last.OccurredAt) {
			occurredAt = last.OccurredAt
		}

		entry = &domain.LedgerEntry{
			ID:             uuid.NewString(),
			ProductID:      p.ProductID,
			BranchID:       p.BranchID,
			BatchID:        p.BatchID,
			OccurredAt:     occurredAt,
			MovementType:   p.Movement,
			QuantityIn:     p.QuantityIn,
			QuantityOut:    p.QuantityOut,
			RunningBalance: next,
			ReferenceType:  p.ReferenceType,
			ReferenceID:    p.ReferenceID,
			Actor:          actor.Resolve(ctx, p.Actor),
			Notes:          p.Notes,
		}
		return r.store.Insert(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistency) {
			r.logger.Error().Err(err).
				Str("product_id", key.ProductID).
				Str("branch_id", key.BranchID).
				Msg("ledger append rejected")
		}
		return nil, err
	}

	meters().ledgerAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("movement_type", string(p.Movement))))
	return entry, nil
}

// Balance returns the current balance of key, zero when it has no entries.
func (r *LedgerRecorder) Balance(ctx context.Context, key domain.StockKey) (int, error) {
	head, err := r.store.Head(ctx, key)
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 0, nil
	}
	return head.Balance, nil
}

// RunningBalanceAt returns the balance of key as of at.
func (r *LedgerRecorder) RunningBalanceAt(ctx context.Context, key domain.StockKey, at time.Time) (int, error) {
	return r.store.BalanceAt(ctx, key, at)
}

// History returns an iterator over the entries of key with occurred_at in
// [from, to], oldest first. Zero bounds are open.
func (r *LedgerRecorder) History(key domain.StockKey, from, to time.Time) *HistoryIterator {
	return &HistoryIterator{store: r.store, pageSize: r.pageSize, key: key, from: from, to: to}
}

// Verify replays the whole history of key and returns its final balance.
// Any break in the running balance, or a head that disagrees with the last
// entry, is reported as a ledger inconsistency.
func (r *LedgerRecorder) Verify(ctx context.Context, key domain.StockKey) (int, error) {
	balance := 0
	it := r.History(key, time.Time{}, time.Time{})
	for it.Next(ctx) {
		e := it.Entry()
		if (e.QuantityIn > 0) == (e.QuantityOut > 0) {
			return 0, domain.LedgerInconsistency(key, fmt.Sprintf("entry %d is not one-sided", e.Sequence))
		}
		if e.RunningBalance != balance+e.Delta() {
			return 0, domain.LedgerInconsistency(key, fmt.Sprintf("entry %d has balance %d, expected %d", e.Sequence, e.RunningBalance, balance+e.Delta()))
		}
		balance = e.RunningBalance
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	head, err := r.store.Head(ctx, key)
	if err != nil {
		return 0, err
	}
	if head != nil && head.Balance != balance {
		return 0, domain.LedgerInconsistency(key, fmt.Sprintf("head balance %d, replayed balance %d", head.Balance, balance))
	}
	return balance, nil
}

// HistoryIterator pages through ledger entries with a keyset cursor. It is
// not safe for concurrent use.
type HistoryIterator struct {
	store    LedgerStore
	pageSize int
	key      domain.StockKey
	from, to time.Time

	page    []domain.LedgerEntry
	pos     int
	cursor  *domain.LedgerCursor
	current domain.LedgerEntry
	done    bool
	err     error
}

// Next advances to the next entry, fetching a page when needed.
func (it *HistoryIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		page, err := it.store.Page(ctx, it.key, it.from, it.to, it.cursor, it.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < it.pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.page = page
		it.pos = 0
		c := page[len(page)-1].Cursor()
		it.cursor = &c
	}

	it.current = it.page[it.pos]
	it.pos++
	return true
}

// Entry returns the entry Next advanced to.
func (it *HistoryIterator) Entry() domain.LedgerEntry {
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *HistoryIterator) Err() error {
	return it.err
}

// Reset rewinds the iterator to the start of the range.
func (it *HistoryIterator) Reset() {
	it.page = nil
	it.pos = 0
	it.cursor = nil
	it.current = domain.LedgerEntry{}
	it.done = false
	it.err = nil
}

// Collect drains the iterator.
func (it *HistoryIterator) Collect(ctx context.Context) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for it.Next(ctx) {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}
