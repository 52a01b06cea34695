// Package memstore is an in-process implementation of the inventory stores.
// Units of work hold per-batch and per-ledger-key locks until they end;
// other readers keep seeing the last committed state until then.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps batches, ledger entries, alerts and catalog data in memory.
type Store struct {
	mu sync.Mutex
	// gate orders commits against snapshot readers.
	gate sync.RWMutex
	now  func() time.Time
	seq int64

	batches  map[string]*batchRow
	byNumber map[string]*batchRow
	byKey    map[domain.StockKey][]*batchRow

	ledgers map[domain.StockKey]*ledgerLog

	alerts     []*domain.Alert
	openAlerts map[string]*domain.Alert

	branches map[string]domain.Branch
	products map[string]domain.ProductThreshold
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		batches:    make(map[string]*batchRow),
		byNumber:   make(map[string]*batchRow),
		byKey:      make(map[domain.StockKey][]*batchRow),
		ledgers:    make(map[domain.StockKey]*ledgerLog),
		openAlerts: make(map[string]*domain.Alert),
		branches:   make(map[string]domain.Branch),
		products:   make(map[string]domain.ProductThreshold),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type batchRow struct {
	lock      chan struct{}
	owner     *tx
	committed *domain.Batch
	pending   *domain.Batch
	dead      bool
}

type ledgerLog struct {
	lock           chan struct{}
	owner          *tx
	entries        []domain.LedgerEntry
	head           *domain.LedgerHead
	pendingEntries []domain.LedgerEntry
	pendingHead    *domain.LedgerHead
}

type tx struct {
	rows     []*batchRow
	inserted []*batchRow
	logs     []*ledgerLog
}

type txKey struct{}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// WithinTx runs fn as one unit of work. Every lock taken inside fn is held
// until fn returns; an error or panic discards all of its writes.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{}
	defer func() {
		if p := recover(); p != nil {
			s.rollback(t)
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		s.rollback(t)
		return err
	}
	s.commit(t)
	return nil
}

// WithinSnapshot runs fn against a frozen view of committed state. Commits
// wait until fn returns, so fn must only read. A context already carrying
// a unit of work is reused as is.
func (s *Store) WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	s.gate.RLock()
	defer s.gate.RUnlock()
	return fn(ctx)
}

// run executes fn in the caller's unit of work, or in a fresh one.
func (s *Store) run(ctx context.Context, fn func(ctx context.Context, t *tx) error) error {
	if t := txFrom(ctx); t != nil {
		return fn(ctx, t)
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, txFrom(ctx))
	})
}

func (s *Store) commit(t *tx) {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range t.rows {
		if row.pending != nil {
			row.committed = row.pending
			row.pending = nil
		}
		row.owner = nil
		<-row.lock
	}
	for _, l := range t.logs {
		l.entries = append(l.entries, l.pendingEntries...)
		if l.pendingHead != nil {
			l.head = l.pendingHead
		}
		l.pendingEntries = nil
		l.pendingHead = nil
		l.owner = nil
		<-l.lock
	}
}

func (s *Store) rollback(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range t.inserted {
		b := row.pending
		row.dead = true
		delete(s.batches, b.ID)
		delete(s.byNumber, identity(b.ProductID, b.BranchID, b.BatchNumber))
		rows := s.byKey[b.Key()]
		for i, r := range rows {
			if r == row {
				s.byKey[b.Key()] = append(rows[:i:i], rows[i+1:]...)
				break
			}
		}
	}
	for _, row := range t.rows {
		row.pending = nil
		row.owner = nil
		<-row.lock
	}
	for _, l := range t.logs {
		l.pendingEntries = nil
		l.pendingHead = nil
		l.owner = nil
		<-l.lock
	}
}

// lockRow blocks until t holds row or ctx ends.
func (s *Store) lockRow(ctx context.Context, t *tx, row *batchRow) error {
	s.mu.Lock()
	owned := row.owner == t
	s.mu.Unlock()
	if owned {
		return nil
	}

	select {
	case row.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	row.owner = t
	s.mu.Unlock()
	t.rows = append(t.rows, row)
	return nil
}

func (s *Store) lockLog(ctx context.Context, t *tx, l *ledgerLog) error {
	s.mu.Lock()
	owned := l.owner == t
	s.mu.Unlock()
	if owned {
		return nil
	}

	select {
	case l.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	l.owner = t
	s.mu.Unlock()
	t.logs = append(t.logs, l)
	return nil
}

// visible returns the image of row that t may read, or nil. Callers hold s.mu.
func (row *batchRow) visible(t *tx) *domain.Batch {
	if t != nil && row.owner == t && row.pending != nil {
		return row.pending
	}
	return row.committed
}

func (l *ledgerLog) visibleEntries(t *tx) []domain.LedgerEntry {
	if t != nil && l.owner == t && len(l.pendingEntries) > 0 {
		out := make([]domain.LedgerEntry, 0, len(l.entries)+len(l.pendingEntries))
		out = append(out, l.entries...)
		return append(out, l.pendingEntries...)
	}
	return l.entries
}

func (l *ledgerLog) visibleHead(t *tx) *domain.LedgerHead {
	if t != nil && l.owner == t && l.pendingHead != nil {
		return l.pendingHead
	}
	return l.head
}

func identity(productID, branchID, batchNumber string) string {
	return productID + "\x00" + branchID + "\x00" + batchNumber
}

func cloneBatch(b *domain.Batch) *domain.Batch {
	c := *b
	if b.ManufacturingDate != nil {
		d := *b.ManufacturingDate
		c.ManufacturingDate = &d
	}
	return &c
}

func newID() string {
	return uuid.NewString()
}

func sortKeys(keys []domain.StockKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ProductID != keys[j].ProductID {
			return keys[i].ProductID < keys[j].ProductID
		}
		return keys[i].BranchID < keys[j].BranchID
	})
}
