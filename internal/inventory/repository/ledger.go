package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
)

const headColumns = `product_id, branch_id, balance, last_sequence, last_occurred_at`

// LedgerRepository persists bin card entries and their per-key head rows.
type LedgerRepository struct {
	db *database.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// LockHead returns the head of key, creating it at balance zero, and holds
// its row lock until the transaction ends.
func (r *LedgerRepository) LockHead(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error) {
	if database.TxFromContext(ctx) == nil {
		return nil, errors.Internal("ledger head can only be locked inside a transaction")
	}
	conn := r.db.Conn(ctx)

	insert := `INSERT INTO ledger_heads (product_id, branch_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := conn.ExecContext(ctx, insert, key.ProductID, key.BranchID); err != nil {
		return nil, err
	}

	var head domain.LedgerHead
	query := `SELECT ` + headColumns + ` FROM ledger_heads WHERE product_id = $1 AND branch_id = $2 FOR UPDATE`
	if err := sqlx.GetContext(ctx, conn, &head, query, key.ProductID, key.BranchID); err != nil {
		return nil, err
	}
	return &head, nil
}

// LastEntry returns the latest entry of key, or nil.
func (r *LedgerRepository) LastEntry(ctx context.Context, key domain.StockKey) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	query := `
		SELECT * FROM ledger_entries
		WHERE product_id = $1 AND branch_id = $2
		ORDER BY occurred_at DESC, sequence DESC
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &e, query, key.ProductID, key.BranchID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Insert writes entry and advances the head of its key in one transaction.
func (r *LedgerRepository) Insert(ctx context.Context, entry *domain.LedgerEntry) error {
	return r.db.WithinTx(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		query := `
			INSERT INTO ledger_entries (
				id, product_id, branch_id, batch_id, occurred_at, movement_type,
				quantity_in, quantity_out, running_balance, reference_type, reference_id, actor, notes
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING sequence, created_at
		`
		err := conn.QueryRowxContext(ctx, query,
			entry.ID, entry.ProductID, entry.BranchID, entry.BatchID, entry.OccurredAt, entry.MovementType,
			entry.QuantityIn, entry.QuantityOut, entry.RunningBalance, entry.ReferenceType, entry.ReferenceID,
			entry.Actor, entry.Notes,
		).Scan(&entry.Sequence, &entry.CreatedAt)
		if err != nil {
			return mapError(err)
		}

		head := `
			INSERT INTO ledger_heads (product_id, branch_id, balance, last_sequence, last_occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (product_id, branch_id) DO UPDATE SET
				balance = EXCLUDED.balance,
				last_sequence = EXCLUDED.last_sequence,
				last_occurred_at = EXCLUDED.last_occurred_at,
				updated_at = NOW()
		`
		_, err = conn.ExecContext(ctx, head,
			entry.ProductID, entry.BranchID, entry.RunningBalance, entry.Sequence, entry.OccurredAt,
		)
		return err
	})
}

// Page returns up to limit entries of key strictly after the cursor,
// within [from, to]. Zero bounds are open.
func (r *LedgerRepository) Page(ctx context.Context, key domain.StockKey, from, to time.Time, after *domain.LedgerCursor, limit int) ([]domain.LedgerEntry, error) {
	conditions := []string{"product_id = $1", "branch_id = $2"}
	args := []interface{}{key.ProductID, key.BranchID}

	if !from.IsZero() {
		args = append(args, from)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conditions = append(conditions, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.OccurredAt, after.Sequence)
		conditions = append(conditions, fmt.Sprintf("(occurred_at, sequence) > ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT * FROM ledger_entries
		WHERE %s
		ORDER BY occurred_at, sequence
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))

	var entries []domain.LedgerEntry
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// BalanceAt returns the running balance of key as of at.
func (r *LedgerRepository) BalanceAt(ctx context.Context, key domain.StockKey, at time.Time) (int, error) {
	var balance int64
	query := `
		SELECT running_balance FROM ledger_entries
		WHERE product_id = $1 AND branch_id = $2 AND occurred_at <= $3
		ORDER BY occurred_at DESC, sequence DESC
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &balance, query, key.ProductID, key.BranchID, at); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return int(balance), nil
}

// Head returns the head of key without locking it, or nil.
func (r *LedgerRepository) Head(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error) {
	var head domain.LedgerHead
	query := `SELECT ` + headColumns + ` FROM ledger_heads WHERE product_id = $1 AND branch_id = $2`
	if err := sqlx.GetContext(ctx, r.db.Conn(ctx), &head, query, key.ProductID, key.BranchID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &head, nil
}

// Keys lists every product/branch pair with a ledger.
func (r *LedgerRepository) Keys(ctx context.Context) ([]domain.StockKey, error) {
	var keys []domain.StockKey
	query := `SELECT product_id, branch_id FROM ledger_heads ORDER BY product_id, branch_id`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &keys, query); err != nil {
		return nil, err
	}
	return keys, nil
}

// OpenTransfers lists dispatched transfers with no destination entry yet.
func (r *LedgerRepository) OpenTransfers(ctx context.Context) ([]domain.OpenTransfer, error) {
	var open []domain.OpenTransfer
	query := `
		SELECT o.reference_id, o.product_id, o.branch_id,
			SUM(o.quantity_out) AS quantity, MIN(o.occurred_at) AS dispatched_at
		FROM ledger_entries o
		WHERE o.movement_type = $1
		AND NOT EXISTS (
			SELECT 1 FROM ledger_entries i
			WHERE i.movement_type = $2
			AND i.reference_id = o.reference_id
			AND i.product_id = o.product_id
		)
		GROUP BY o.reference_id, o.product_id, o.branch_id
		ORDER BY dispatched_at, o.reference_id
	`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &open, query,
		domain.MovementTransferOut, domain.MovementTransferIn,
	); err != nil {
		return nil, err
	}
	return open, nil
}
