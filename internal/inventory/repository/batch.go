package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
)

const batchIdentityConstraint = "batches_identity_key"

// BatchRepository handles batch persistence
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Receive inserts a new batch with all of its quantity available.
func (r *BatchRepository) Receive(ctx context.Context, p domain.ReceiveParams) (*domain.Batch, error) {
	switch {
	case p.Quantity <= 0:
		return nil, errors.BadRequest("quantity must be greater than 0")
	case p.ExpiryDate.IsZero():
		return nil, errors.BadRequest("expiry date is required")
	case p.BatchNumber == "":
		return nil, errors.BadRequest("batch number is required")
	}

	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	var mfg *time.Time
	if p.ManufacturingDate != nil {
		d := domain.DateOnly(*p.ManufacturingDate)
		mfg = &d
	}

	query := `
		INSERT INTO batches (
			id, product_id, branch_id, batch_number, quantity_received, quantity_available,
			cost_price, selling_price, manufacturing_date, expiry_date, received_at
		) VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8, $9, $10)
		RETURNING *
	`

	var b domain.Batch
	err := sqlx.GetContext(ctx, r.db.Conn(ctx), &b, query,
		uuid.New().String(), p.ProductID, p.BranchID, p.BatchNumber, p.Quantity,
		p.CostPrice, p.SellingPrice, mfg, domain.DateOnly(p.ExpiryDate), receivedAt,
	)
	if err != nil {
		if constraint, ok := database.UniqueViolation(err); ok && constraint == batchIdentityConstraint {
			return nil, domain.DuplicateBatch(domain.StockKey{ProductID: p.ProductID, BranchID: p.BranchID}, p.BatchNumber)
		}
		return nil, mapError(err)
	}
	return &b, nil
}

// Reserve takes qty out of an allocatable batch. The conditional update
// locks the row until the enclosing transaction ends.
func (r *BatchRepository) Reserve(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error) {
	return r.withdraw(ctx, batchID, qty, m, true)
}

// WriteOff takes qty out of a batch regardless of its expiry or active flag.
func (r *BatchRepository) WriteOff(ctx context.Context, batchID string, qty int, m domain.MovementType) (*domain.Batch, error) {
	return r.withdraw(ctx, batchID, qty, m, false)
}

func (r *BatchRepository) withdraw(ctx context.Context, batchID string, qty int, m domain.MovementType, eligibleOnly bool) (*domain.Batch, error) {
	if qty <= 0 {
		return nil, errors.BadRequest("quantity must be greater than 0")
	}
	if !validID(batchID) {
		return nil, errors.NotFound("batch")
	}

	sold, withdrawn := 0, qty
	if m.CountsAsSale() {
		sold, withdrawn = qty, 0
	}

	query := `
		UPDATE batches SET
			quantity_available = quantity_available - $2,
			quantity_sold = quantity_sold + $3,
			quantity_withdrawn = quantity_withdrawn + $4,
			updated_at = NOW()
		WHERE id = $1 AND quantity_available >= $2
	`
	if eligibleOnly {
		query += ` AND is_active AND NOT is_expired`
	}
	query += ` RETURNING *`

	var b domain.Batch
	err := sqlx.GetContext(ctx, r.db.Conn(ctx), &b, query, batchID, qty, sold, withdrawn)
	if err == nil {
		return &b, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return nil, mapError(err)
	}

	// Nothing matched: tell a missing batch from an ineligible or short one.
	current, err := r.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if eligibleOnly && !current.Allocatable() {
		return nil, domain.BatchIneligible(batchID)
	}
	return nil, domain.InsufficientBatchStock(batchID, qty, current.QuantityAvailable)
}

// Restore puts up to qty back into the batch and returns the amount restored.
func (r *BatchRepository) Restore(ctx context.Context, batchID string, qty int, m domain.MovementType) (int, *domain.Batch, error) {
	if qty <= 0 {
		return 0, nil, errors.BadRequest("quantity must be greater than 0")
	}
	if !validID(batchID) {
		return 0, nil, errors.NotFound("batch")
	}

	var (
		restored int
		out      *domain.Batch
	)
	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		var b domain.Batch
		if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &b, `SELECT * FROM batches WHERE id = $1 FOR UPDATE`, batchID); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("batch")
			}
			return err
		}

		restored = b.Restore(qty, m)
		if restored == 0 {
			out = &b
			return nil
		}

		query := `
			UPDATE batches SET
				quantity_available = $2, quantity_sold = $3, quantity_withdrawn = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING *
		`
		var updated domain.Batch
		if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &updated, query,
			b.ID, b.QuantityAvailable, b.QuantitySold, b.QuantityWithdrawn,
		); err != nil {
			return mapError(err)
		}
		out = &updated
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return restored, out, nil
}

// MarkExpired retires the batch for good. It reports whether the flag changed.
func (r *BatchRepository) MarkExpired(ctx context.Context, batchID string) (bool, error) {
	if !validID(batchID) {
		return false, errors.NotFound("batch")
	}

	query := `
		UPDATE batches SET is_expired = TRUE, is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND NOT is_expired
	`
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, batchID)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

// Get gets a batch by ID
func (r *BatchRepository) Get(ctx context.Context, id string) (*domain.Batch, error) {
	if !validID(id) {
		return nil, errors.NotFound("batch")
	}
	var b domain.Batch
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &b, `SELECT * FROM batches WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &b, nil
}

// GetByNumber gets a batch by its supplier number at a branch.
func (r *BatchRepository) GetByNumber(ctx context.Context, productID, branchID, batchNumber string) (*domain.Batch, error) {
	var b domain.Batch
	query := `SELECT * FROM batches WHERE product_id = $1 AND branch_id = $2 AND batch_number = $3`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &b, query, productID, branchID, batchNumber); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &b, nil
}

// AvailableBatches lists allocatable batches with stock in FEFO order.
func (r *BatchRepository) AvailableBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error) {
	var batches []domain.Batch
	query := `
		SELECT * FROM batches
		WHERE product_id = $1 AND branch_id = $2
		AND is_active AND NOT is_expired AND quantity_available > 0
		ORDER BY expiry_date, id
	`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &batches, query, productID, branchID); err != nil {
		return nil, err
	}
	return batches, nil
}

// TotalAvailable sums the allocatable stock of a product at a branch.
func (r *BatchRepository) TotalAvailable(ctx context.Context, productID, branchID string) (int, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM(quantity_available), 0) FROM batches
		WHERE product_id = $1 AND branch_id = $2 AND is_active AND NOT is_expired
	`, productID, branchID)
}

// OnHand sums every unit physically held, expired batches included.
func (r *BatchRepository) OnHand(ctx context.Context, productID, branchID string) (int, error) {
	return r.sum(ctx, `
		SELECT COALESCE(SUM(quantity_available), 0) FROM batches
		WHERE product_id = $1 AND branch_id = $2
	`, productID, branchID)
}

func (r *BatchRepository) sum(ctx context.Context, query string, args ...interface{}) (int, error) {
	var total int64
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &total, query, args...); err != nil {
		return 0, err
	}
	return int(total), nil
}

// RecentBatches lists every batch of a product at a branch, newest
// receipt first.
func (r *BatchRepository) RecentBatches(ctx context.Context, productID, branchID string) ([]domain.Batch, error) {
	var batches []domain.Batch
	query := `
		SELECT * FROM batches
		WHERE product_id = $1 AND branch_id = $2
		ORDER BY received_at DESC, id DESC
	`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &batches, query, productID, branchID); err != nil {
		return nil, err
	}
	return batches, nil
}

// ExpiryCandidates lists allocatable batches expiring on or before the
// given date, in FEFO order.
func (r *BatchRepository) ExpiryCandidates(ctx context.Context, onOrBefore time.Time) ([]domain.Batch, error) {
	var batches []domain.Batch
	query := `
		SELECT * FROM batches
		WHERE is_active AND NOT is_expired AND expiry_date <= $1
		ORDER BY expiry_date, id
	`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &batches, query, domain.DateOnly(onOrBefore)); err != nil {
		return nil, err
	}
	return batches, nil
}

// StockKeys lists every product/branch pair holding a batch.
func (r *BatchRepository) StockKeys(ctx context.Context) ([]domain.StockKey, error) {
	var keys []domain.StockKey
	query := `SELECT DISTINCT product_id, branch_id FROM batches ORDER BY product_id, branch_id`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &keys, query); err != nil {
		return nil, err
	}
	return keys, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func mapError(err error) error {
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}
