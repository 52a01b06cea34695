package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StockKey identifies one product at one branch, the unit of stock totals
// and of ledger ordering.
type StockKey struct {
	ProductID string `db:"product_id" json:"product_id"`
	BranchID  string `db:"branch_id" json:"branch_id"`
}

func (k StockKey) String() string {
	return k.ProductID + "@" + k.BranchID
}

// Batch is one supplier lot of a product held at a branch.
type Batch struct {
	ID                string          `db:"id" json:"id"`
	ProductID         string          `db:"product_id" json:"product_id"`
	BranchID          string          `db:"branch_id" json:"branch_id"`
	BatchNumber       string          `db:"batch_number" json:"batch_number"`
	QuantityReceived  int             `db:"quantity_received" json:"quantity_received"`
	QuantityAvailable int             `db:"quantity_available" json:"quantity_available"`
	QuantitySold      int             `db:"quantity_sold" json:"quantity_sold"`
	QuantityWithdrawn int             `db:"quantity_withdrawn" json:"quantity_withdrawn"`
	CostPrice         decimal.Decimal `db:"cost_price" json:"cost_price"`
	SellingPrice      decimal.Decimal `db:"selling_price" json:"selling_price"`
	ManufacturingDate *time.Time      `db:"manufacturing_date" json:"manufacturing_date,omitempty"`
	ExpiryDate        time.Time       `db:"expiry_date" json:"expiry_date"`
	IsActive          bool            `db:"is_active" json:"is_active"`
	IsExpired         bool            `db:"is_expired" json:"is_expired"`
	ReceivedAt        time.Time       `db:"received_at" json:"received_at"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Key returns the product/branch pair the batch belongs to.
func (b *Batch) Key() StockKey {
	return StockKey{ProductID: b.ProductID, BranchID: b.BranchID}
}

// Allocatable reports whether FEFO may draw from the batch.
func (b *Batch) Allocatable() bool {
	return b.IsActive && !b.IsExpired
}

// Headroom is how much can be restored before available reaches received.
func (b *Batch) Headroom() int {
	return b.QuantityReceived - b.QuantityAvailable
}

// Withdraw takes qty out of the batch, booking it as sold or withdrawn.
// Callers check availability and eligibility first.
func (b *Batch) Withdraw(qty int, m MovementType) {
	b.QuantityAvailable -= qty
	if m.CountsAsSale() {
		b.QuantitySold += qty
	} else {
		b.QuantityWithdrawn += qty
	}
}

// Restore puts up to qty back, capped at the headroom, and returns the
// amount actually restored. Sale returns undo sold quantity first, every
// other inbound movement undoes withdrawn quantity first.
func (b *Batch) Restore(qty int, m MovementType) int {
	n := qty
	if h := b.Headroom(); n > h {
		n = h
	}
	if n <= 0 {
		return 0
	}

	primary, secondary := &b.QuantityWithdrawn, &b.QuantitySold
	if m == MovementSaleReturn {
		primary, secondary = &b.QuantitySold, &b.QuantityWithdrawn
	}

	fromPrimary := n
	if fromPrimary > *primary {
		fromPrimary = *primary
	}
	*primary -= fromPrimary
	*secondary -= n - fromPrimary
	b.QuantityAvailable += n

	return n
}

// CheckInvariants verifies the quantity bookkeeping of the batch.
func (b *Batch) CheckInvariants() error {
	if b.QuantityAvailable < 0 || b.QuantityAvailable > b.QuantityReceived {
		return fmt.Errorf("batch %s: available %d outside [0, %d]", b.ID, b.QuantityAvailable, b.QuantityReceived)
	}
	if b.QuantitySold < 0 || b.QuantityWithdrawn < 0 {
		return fmt.Errorf("batch %s: negative sold %d or withdrawn %d", b.ID, b.QuantitySold, b.QuantityWithdrawn)
	}
	if sum := b.QuantityAvailable + b.QuantitySold + b.QuantityWithdrawn; sum != b.QuantityReceived {
		return fmt.Errorf("batch %s: available+sold+withdrawn = %d, received = %d", b.ID, sum, b.QuantityReceived)
	}
	if b.IsExpired && b.IsActive {
		return fmt.Errorf("batch %s: expired batch is still active", b.ID)
	}
	return nil
}

// ReceiveParams describes a new batch arriving at a branch.
type ReceiveParams struct {
	ProductID         string
	BranchID          string
	BatchNumber       string
	Quantity          int
	CostPrice         decimal.Decimal
	SellingPrice      decimal.Decimal
	ManufacturingDate *time.Time
	ExpiryDate        time.Time
	ReceivedAt        time.Time
}

// DateOnly truncates t to midnight UTC of its calendar date, the form in
// which expiry and manufacturing dates are stored.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
