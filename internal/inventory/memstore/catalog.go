package memstore

import (
	"context"
	"sort"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
)

// SeedBranch registers a branch for the catalog reads.
func (s *Store) SeedBranch(b domain.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.ID] = b
}

// SeedProduct registers product thresholds for the catalog reads.
func (s *Store) SeedProduct(p domain.ProductThreshold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ProductID] = p
}

// ActiveBranches returns active branches ordered by id.
func (s *Store) ActiveBranches(ctx context.Context) ([]domain.Branch, error) {
	s.mu.Lock()
	var out []domain.Branch
	for _, b := range s.branches {
		if b.IsActive {
			out = append(out, b)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveProducts returns active products ordered by id.
func (s *Store) ActiveProducts(ctx context.Context) ([]domain.ProductThreshold, error) {
	s.mu.Lock()
	var out []domain.ProductThreshold
	for _, p := range s.products {
		if p.IsActive {
			out = append(out, p)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
