package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// Receive creates a batch with its full quantity available.
func (s *Store) Receive(ctx context.Context, p domain.ReceiveParams) (*domain.Batch, error) {
	if p.Quantity <= 0 {
		return nil, errors.BadRequest("quantity must be greater than 0")
	}
	if p.ExpiryDate.IsZero() {
		return nil, errors.BadRequest("expiry date is required")
	}
	if p.BatchNumber == "" {
		return nil, errors.BadRequest("batch number is required")
	}

	var out *domain.Batch
	err := s.run(ctx, func(ctx context.Context, t *tx) error {
		key := identity(p.ProductID, p.BranchID, p.BatchNumber)
		for {
			s.mu.Lock()
			existing := s.byNumber[key]
			if existing == nil {
				break
			}
			s.mu.Unlock()

			// Wait for a concurrent insert of the same identity to settle.
			if err := s.lockRow(ctx, t, existing); err != nil {
				return err
			}
			s.mu.Lock()
			dead := existing.dead
			s.mu.Unlock()
			if !dead {
				return domain.DuplicateBatch(domain.StockKey{ProductID: p.ProductID, BranchID: p.BranchID}, p.BatchNumber)
			}
		}
		defer s.mu.Unlock()

		now := s.now().UTC()
		receivedAt := p.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}
		b := &domain.Batch{
			ID:                newID(),
			ProductID:         p.ProductID,
			BranchID:          p.BranchID,
			BatchNumber:       p.BatchNumber,
			QuantityReceived:  p.Quantity,
			QuantityAvailable: p.Quantity,
			CostPrice:         p.CostPrice,
			SellingPrice:      p.SellingPrice,
			ExpiryDate:        domain.DateOnly(p.ExpiryDate),
			IsActive:          true,
			ReceivedAt:        receivedAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if p.ManufacturingDate != nil {
			d := domain.DateOnly(*p.ManufacturingDate)
			b.ManufacturingDate = &d
		}

		row := &batchRow{lock: make(chan struct{}, 1), owner: t, pending: b}
		row.lock <- struct{}{}
		t.rows = append(t.rows, row)
		t.inserted = append(t.inserted, row)

		s.batches[b.ID] = row
		s.byNumber[key] = row
		s.byKey[b.Key()] = append(s.byKey[b.Key()], row)

		out = cloneBatch(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mutate locks the batch and applies fn to a private working copy, which
// becomes the pending image when fn succeeds.
func (s *Store) mutate(ctx context.Context, batchID string, fn func(b *domain.Batch) error) (*domain.Batch, error) {
	var out *domain.Batch
	err := s.run(ctx, func(ctx context.Context, t *tx) error {
		s.mu.Lock()
		row := s.batches[batchID]
		s.mu.Unlock()
		if row == nil {
			return errors.NotFound("batch")
		}
		if err := s.lockRow(ctx, t, row); err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if row.dead {
			return errors.NotFound("batch")
		}

		work := cloneBatch(row.visible(t))
		if err := fn(work); err != nil {
			return err
		}
		work.UpdatedAt = s.now().UTC()
		row.pending = work
		out = cloneBatch(work)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve takes qty from an active, unexpired batch that holds at least qty.
func (s *Store) Reserve(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error) {
	if qty <= 0 {
		return nil, errors.BadRequest("quantity must be greater than 0")
	}
	return s.mutate(ctx, batchID, func(b *domain.Batch) error {
		if !b.Allocatable() {
			return domain.BatchIneligible(b.ID)
		}
		if b.QuantityAvailable < qty {
			return domain.InsufficientBatchStock(b.ID, qty, b.QuantityAvailable)
		}
		b.Withdraw(qty, m)
		return nil
	})
}

// WriteOff takes qty from a batch regardless of its eligibility.
func (s *Store) WriteOff(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error) {
	if qty <= 0 {
		return nil, errors.BadRequest("quantity must be greater than 0")
	}
	return s.mutate(ctx, batchID, func(b *domain.Batch) error {
		if b.QuantityAvailable < qty {
			return domain.InsufficientBatchStock(b.ID, qty, b.QuantityAvailable)
		}
		b.Withdraw(qty, m)
		return nil
	})
}

// Restore puts up to qty back and returns the amount restored.
func (s *Store) Restore(ctx context.Context, batchID string, qty int, m domain.MovementType) (int, *domain.Batch, error) {
	if qty <= 0 {
		return 0, nil, errors.BadRequest("quantity must be greater than 0")
	}
	var restored int
	b, err := s.mutate(ctx, batchID, func(b *domain.Batch) error {
		restored = b.Restore(qty, m)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return restored, b, nil
}

// MarkExpired retires the batch for good. It reports whether the flag changed.
func (s *Store) MarkExpired(ctx context.Context, batchID string) (bool, error) {
	var changed bool
	_, err := s.mutate(ctx, batchID, func(b *domain.Batch) error {
		if b.IsExpired {
			return nil
		}
		b.IsExpired = true
		b.IsActive = false
		changed = true
		return nil
	})
	return changed, err
}

// Get returns the batch with id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Batch, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if row := s.batches[id]; row != nil {
		if b := row.visible(t); b != nil {
			return cloneBatch(b), nil
		}
	}
	return nil, errors.NotFound("batch")
}

// GetByNumber returns the batch with the given identity.
func (s *Store) GetByNumber(ctx context.Context, productID, branchID, batchNumber string) (*domain.Batch, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if row := s.byNumber[identity(productID, branchID, batchNumber)]; row != nil {
		if b := row.visible(t); b != nil {
			return cloneBatch(b), nil
		}
	}
	return nil, errors.NotFound("batch")
}

// snapshot copies the batches of a key visible to ctx that satisfy keep.
func (s *Store) snapshot(ctx context.Context, productID, branchID string, keep func(b *domain.Batch) bool) []domain.Batch {
	t := txFrom(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Batch
	for _, row := range s.byKey[domain.StockKey{ProductID: productID, BranchID: branchID}] {
		if b := row.visible(t); b != nil && keep(b) {
			out = append(out, *cloneBatch(b))
		}
	}
	return out
}

func sortFEFO(batches []domain.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].ID < batches[j].ID
	})
}

// AvailableBatches returns allocatable batches with stock in FEFO order.
func (s *Store) AvailableBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error) {
	out := s.snapshot(ctx, productID, branchID, func(b *domain.Batch) bool {
		return b.Allocatable() && b.QuantityAvailable > 0
	})
	sortFEFO(out)
	return out, nil
}

// TotalAvailable sums available stock over allocatable batches.
func (s *Store) TotalAvailable(ctx context.Context, productID, branchID string) (int, error) {
	total := 0
	for _, b := range s.snapshot(ctx, productID, branchID, (*domain.Batch).Allocatable) {
		total += b.QuantityAvailable
	}
	return total, nil
}

// OnHand sums available stock over every batch, expired ones included.
func (s *Store) OnHand(ctx context.Context, productID, branchID string) (int, error) {
	total := 0
	for _, b := range s.snapshot(ctx, productID, branchID, func(*domain.Batch) bool { return true }) {
		total += b.QuantityAvailable
	}
	return total, nil
}

// RecentBatches returns every batch of the key, newest receipt first.
func (s *Store) RecentBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error) {
	out := s.snapshot(ctx, productID, branchID, func(*domain.Batch) bool { return true })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// ExpiryCandidates returns active, unexpired batches expiring on or before
// the given date, in FEFO order.
func (s *Store) ExpiryCandidates(ctx context.Context, onOrBefore time.Time) ([]domain.Batch, error) {
	t := txFrom(ctx)
	limit := domain.DateOnly(onOrBefore)

	s.mu.Lock()
	var out []domain.Batch
	for _, row := range s.batches {
		b := row.visible(t)
		if b == nil || !b.Allocatable() || b.ExpiryDate.After(limit) {
			continue
		}
		out = append(out, *cloneBatch(b))
	}
	s.mu.Unlock()

	sortFEFO(out)
	return out, nil
}

// StockKeys lists every product/branch pair that has batches.
func (s *Store) StockKeys(ctx context.Context) ([]domain.StockKey, error) {
	t := txFrom(ctx)
	s.mu.Lock()
	var keys []domain.StockKey
	for key, rows := range s.byKey {
		for _, row := range rows {
			if row.visible(t) != nil {
				keys = append(keys, key)
				break
			}
		}
	}
	s.mu.Unlock()

	sortKeys(keys)
	return keys, nil
}
