package domain

import "time"

// LedgerEntry is one immutable bin card line. Exactly one of QuantityIn and
// QuantityOut is positive; RunningBalance is the product/branch balance
// after the entry.
type LedgerEntry struct {
	ID             string       `db:"id" json:"id"`
	Sequence       int64        `db:"sequence" json:"sequence"`
	ProductID      string       `db:"product_id" json:"product_id"`
	BranchID       string       `db:"branch_id" json:"branch_id"`
	BatchID        *string      `db:"batch_id" json:"batch_id,omitempty"`
	OccurredAt     time.Time    `db:"occurred_at" json:"occurred_at"`
	MovementType   MovementType `db:"movement_type" json:"movement_type"`
	QuantityIn     int          `db:"quantity_in" json:"quantity_in"`
	QuantityOut    int          `db:"quantity_out" json:"quantity_out"`
	RunningBalance int          `db:"running_balance" json:"running_balance"`
	ReferenceType  string       `db:"reference_type" json:"reference_type"`
	ReferenceID    string       `db:"reference_id" json:"reference_id"`
	Actor          string       `db:"actor" json:"actor"`
	Notes          string       `db:"notes" json:"notes,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// Key returns the product/branch pair of the entry.
func (e *LedgerEntry) Key() StockKey {
	return StockKey{ProductID: e.ProductID, BranchID: e.BranchID}
}

// Delta is the signed quantity change of the entry.
func (e *LedgerEntry) Delta() int {
	return e.QuantityIn - e.QuantityOut
}

// Cursor returns the keyset position of the entry.
func (e *LedgerEntry) Cursor() LedgerCursor {
	return LedgerCursor{OccurredAt: e.OccurredAt, Sequence: e.Sequence}
}

// LedgerHead is the per product/branch row appends serialize on.
type LedgerHead struct {
	ProductID      string     `db:"product_id"`
	BranchID       string     `db:"branch_id"`
	Balance        int        `db:"balance"`
	LastSequence   *int64     `db:"last_sequence"`
	LastOccurredAt *time.Time `db:"last_occurred_at"`
}

// LedgerCursor is a position in the (occurred_at, sequence) order.
type LedgerCursor struct {
	OccurredAt time.Time
	Sequence   int64
}

// OpenTransfer is a dispatched transfer whose destination half has not
// been recorded yet.
type OpenTransfer struct {
	TransferID   string    `db:"reference_id" json:"transfer_id"`
	ProductID    string    `db:"product_id" json:"product_id"`
	FromBranchID string    `db:"branch_id" json:"from_branch_id"`
	Quantity     int       `db:"quantity" json:"quantity"`
	DispatchedAt time.Time `db:"dispatched_at" json:"dispatched_at"`
}
