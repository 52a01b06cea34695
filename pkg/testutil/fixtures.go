package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/shopspring/decimal"
)

// FixtureFactory creates test data with unique identifiers
type FixtureFactory struct {
	mu      sync.Mutex
	counter int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{}
}

func (f *FixtureFactory) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return f.counter
}

// Branch creates an active branch fixture
func (f *FixtureFactory) Branch(opts ...func(*domain.Branch)) domain.Branch {
	seq := f.nextSeq()
	b := domain.Branch{
		ID:       fmt.Sprintf("branch-%d", seq),
		Name:     fmt.Sprintf("Branch %d", seq),
		IsActive: true,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Product creates an active product fixture with reorder level 20 and
// minimum stock 5.
func (f *FixtureFactory) Product(opts ...func(*domain.ProductThreshold)) domain.ProductThreshold {
	seq := f.nextSeq()
	p := domain.ProductThreshold{
		ProductID:    fmt.Sprintf("product-%d", seq),
		Name:         fmt.Sprintf("Product %d", seq),
		ReorderLevel: 20,
		MinimumStock: 5,
		IsActive:     true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithThresholds sets the stock limits of a product fixture
func WithThresholds(reorderLevel, minimumStock int) func(*domain.ProductThreshold) {
	return func(p *domain.ProductThreshold) {
		p.ReorderLevel = reorderLevel
		p.MinimumStock = minimumStock
	}
}

// Receipt creates receive parameters for a fresh batch expiring in 180
// days.
func (f *FixtureFactory) Receipt(productID, branchID string, opts ...func(*domain.ReceiveParams)) domain.ReceiveParams {
	seq := f.nextSeq()
	p := domain.ReceiveParams{
		ProductID:    productID,
		BranchID:     branchID,
		BatchNumber:  fmt.Sprintf("LOT-%04d", seq),
		Quantity:     100,
		CostPrice:    decimal.RequireFromString("2.50"),
		SellingPrice: decimal.RequireFromString("4.00"),
		ExpiryDate:   domain.DateOnly(time.Now().UTC().AddDate(0, 0, 180)),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithQuantity sets the received quantity
func WithQuantity(qty int) func(*domain.ReceiveParams) {
	return func(p *domain.ReceiveParams) {
		p.Quantity = qty
	}
}

// WithExpiryIn sets the expiry date days from today
func WithExpiryIn(days int) func(*domain.ReceiveParams) {
	return func(p *domain.ReceiveParams) {
		p.ExpiryDate = domain.DateOnly(time.Now().UTC().AddDate(0, 0, days))
	}
}

// WithBatchNumber sets the supplier batch number
func WithBatchNumber(number string) func(*domain.ReceiveParams) {
	return func(p *domain.ReceiveParams) {
		p.BatchNumber = number
	}
}
