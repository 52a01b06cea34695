package service

import (
	"context"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
)

// TxRunner runs fn as one unit of work. Stores used with the context passed
// to fn join it; a context that already carries a unit of work is reused.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SnapshotRunner runs fn against one consistent view of committed state.
// fn must only read.
type SnapshotRunner interface {
	WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
}

// BatchStore owns batch quantities. Reserve, WriteOff, Restore and
// MarkExpired lock the batch until the enclosing unit of work ends.
type BatchStore interface {
	Receive(ctx context.Context, p domain.ReceiveParams) (*domain.Batch, error)
	Reserve(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error)
	WriteOff(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error)
	Restore(ctx context.Context, batchID string, qty int, m domain.MovementType) (int, *domain.Batch, error)
	MarkExpired(ctx context.Context, batchID string) (bool, error)

	Get(ctx context.Context, id string) (*domain.Batch, error)
	GetByNumber(ctx context.Context, productID, branchID, batchNumber string) (*domain.Batch, error)
	AvailableBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error)
	TotalAvailable(ctx context.Context, productID, branchID string) (int, error)
	OnHand(ctx context.Context, productID, branchID string) (int, error)
	// RecentBatches lists every batch of a product at a branch, expired
	// ones included, most recently received first.
	RecentBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error)
	ExpiryCandidates(ctx context.Context, onOrBefore time.Time) ([]domain.Batch, error)
	StockKeys(ctx context.Context) ([]domain.StockKey, error)
}

// LedgerStore persists bin card entries and the per-key head row.
type LedgerStore interface {
	// LockHead returns the head of key, creating it at balance zero, and
	// holds it until the unit of work ends.
	LockHead(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error)
	// LastEntry returns the latest entry of key or nil.
	LastEntry(ctx context.Context, key domain.StockKey) (*domain.LedgerEntry, error)
	// Insert writes entry, assigning Sequence and CreatedAt, and advances
	// the head to its running balance.
	Insert(ctx context.Context, entry *domain.LedgerEntry) error
	// Page returns up to limit entries of key strictly after the cursor,
	// within [from, to]. Zero bounds are open.
	Page(ctx context.Context, key domain.StockKey, from, to time.Time, after *domain.LedgerCursor, limit int) ([]domain.LedgerEntry, error)
	BalanceAt(ctx context.Context, key domain.StockKey, at time.Time) (int, error)
	// Head returns the head of key without locking it, or nil.
	Head(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error)
	Keys(ctx context.Context) ([]domain.StockKey, error)
	OpenTransfers(ctx context.Context) ([]domain.OpenTransfer, error)
}

// AlertStore persists alert records.
type AlertStore interface {
	// CreateIfAbsent stores alert unless an unacknowledged alert with the
	// same dedup key exists. It reports whether a record was written.
	CreateIfAbsent(ctx context.Context, alert *domain.Alert) (bool, error)
	Acknowledge(ctx context.Context, id, by string, at time.Time) error
	ListActive(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
}

// CatalogReader exposes the products and branches the sweep iterates.
type CatalogReader interface {
	ActiveBranches(ctx context.Context) ([]domain.Branch, error)
	ActiveProducts(ctx context.Context) ([]domain.ProductThreshold, error)
}

// EventPublisher emits integration events after a unit of work commits.
// Implementations log delivery failures instead of returning them.
type EventPublisher interface {
	PublishStockAllocated(ctx context.Context, res *MovementResult)
	PublishStockReceived(ctx context.Context, res *ReceiptResult)
	PublishStockReturned(ctx context.Context, res *MovementResult)
	PublishTransferDispatched(ctx context.Context, res *TransferResult)
	PublishBatchExpired(ctx context.Context, batch *domain.Batch)
	PublishAlertGenerated(ctx context.Context, alert *domain.Alert)
}

type nopPublisher struct{}

func (nopPublisher) PublishStockAllocated(context.Context, *MovementResult)     {}
func (nopPublisher) PublishStockReceived(context.Context, *ReceiptResult)       {}
func (nopPublisher) PublishStockReturned(context.Context, *MovementResult)      {}
func (nopPublisher) PublishTransferDispatched(context.Context, *TransferResult) {}
func (nopPublisher) PublishBatchExpired(context.Context, *domain.Batch)         {}
func (nopPublisher) PublishAlertGenerated(context.Context, *domain.Alert)       {}

func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
