package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

func (s *Store) ledgerFor(key domain.StockKey) *ledgerLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgers[key]
	if l == nil {
		l = &ledgerLog{lock: make(chan struct{}, 1)}
		s.ledgers[key] = l
	}
	return l
}

// LockHead returns the head of key and holds it until the unit of work ends.
func (s *Store) LockHead(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error) {
	t := txFrom(ctx)
	if t == nil {
		return nil, errors.Internal("ledger head can only be locked inside a transaction")
	}

	l := s.ledgerFor(key)
	if err := s.lockLog(ctx, t, l); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l.pendingHead == nil {
		h := domain.LedgerHead{ProductID: key.ProductID, BranchID: key.BranchID}
		if l.head != nil {
			h = *l.head
		}
		l.pendingHead = &h
	}
	h := *l.pendingHead
	return &h, nil
}

// LastEntry returns the latest entry of key visible to ctx, or nil.
func (s *Store) LastEntry(ctx context.Context, key domain.StockKey) (*domain.LedgerEntry, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgers[key]
	if l == nil {
		return nil, nil
	}
	entries := l.visibleEntries(t)
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

// Insert appends entry to the pending log of its key and advances the head.
func (s *Store) Insert(ctx context.Context, entry *domain.LedgerEntry) error {
	return s.run(ctx, func(ctx context.Context, t *tx) error {
		key := entry.Key()
		l := s.ledgerFor(key)
		if err := s.lockLog(ctx, t, l); err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.seq++
		entry.Sequence = s.seq
		entry.CreatedAt = s.now().UTC()
		l.pendingEntries = append(l.pendingEntries, *entry)

		seq := entry.Sequence
		at := entry.OccurredAt
		l.pendingHead = &domain.LedgerHead{
			ProductID:      key.ProductID,
			BranchID:       key.BranchID,
			Balance:        entry.RunningBalance,
			LastSequence:   &seq,
			LastOccurredAt: &at,
		}
		return nil
	})
}

func after(e *domain.LedgerEntry, c *domain.LedgerCursor) bool {
	if c == nil {
		return true
	}
	if !e.OccurredAt.Equal(c.OccurredAt) {
		return e.OccurredAt.After(c.OccurredAt)
	}
	return e.Sequence > c.Sequence
}

// Page returns up to limit entries of key after the cursor within [from, to].
func (s *Store) Page(ctx context.Context, key domain.StockKey, from, to time.Time, cursor *domain.LedgerCursor, limit int) ([]domain.LedgerEntry, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgers[key]
	if l == nil {
		return nil, nil
	}

	var out []domain.LedgerEntry
	entries := l.visibleEntries(t)
	for i := range entries {
		e := entries[i]
		if !from.IsZero() && e.OccurredAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.OccurredAt.After(to) {
			break
		}
		if !after(&e, cursor) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// BalanceAt returns the running balance of the last entry at or before at.
func (s *Store) BalanceAt(ctx context.Context, key domain.StockKey, at time.Time) (int, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgers[key]
	if l == nil {
		return 0, nil
	}
	entries := l.visibleEntries(t)
	i := sort.Search(len(entries), func(i int) bool { return entries[i].OccurredAt.After(at) })
	if i == 0 {
		return 0, nil
	}
	return entries[i-1].RunningBalance, nil
}

// Head returns the head of key without locking it, or nil.
func (s *Store) Head(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgers[key]
	if l == nil {
		return nil, nil
	}
	h := l.visibleHead(t)
	if h == nil {
		return nil, nil
	}
	c := *h
	return &c, nil
}

// Keys lists every product/branch pair with a ledger head.
func (s *Store) Keys(ctx context.Context) ([]domain.StockKey, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	var keys []domain.StockKey
	for key, l := range s.ledgers {
		if l.visibleHead(t) != nil {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	sortKeys(keys)
	return keys, nil
}

type transferKey struct {
	reference string
	product   string
	branch    string
}

// OpenTransfers returns dispatched transfers with no inbound entry for the
// same transfer and product at any branch.
func (s *Store) OpenTransfers(ctx context.Context) ([]domain.OpenTransfer, error) {
	s.mu.Lock()
	open := make(map[transferKey]*domain.OpenTransfer)
	received := make(map[[2]string]bool)
	for _, l := range s.ledgers {
		for _, e := range l.entries {
			switch e.MovementType {
			case domain.MovementTransferOut:
				k := transferKey{e.ReferenceID, e.ProductID, e.BranchID}
				ot := open[k]
				if ot == nil {
					ot = &domain.OpenTransfer{
						TransferID:   e.ReferenceID,
						ProductID:    e.ProductID,
						FromBranchID: e.BranchID,
						DispatchedAt: e.OccurredAt,
					}
					open[k] = ot
				}
				ot.Quantity += e.QuantityOut
				if e.OccurredAt.Before(ot.DispatchedAt) {
					ot.DispatchedAt = e.OccurredAt
				}
			case domain.MovementTransferIn:
				received[[2]string{e.ReferenceID, e.ProductID}] = true
			}
		}
	}
	s.mu.Unlock()

	var out []domain.OpenTransfer
	for k, ot := range open {
		if !received[[2]string{k.reference, k.product}] {
			out = append(out, *ot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].DispatchedAt.Before(out[j].DispatchedAt)
		}
		return out[i].TransferID < out[j].TransferID
	})
	return out, nil
}
