package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// AlertRepository handles alert persistence
type AlertRepository struct {
	db *database.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *database.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfAbsent inserts alert unless an unacknowledged alert with the same
// condition and level exists. The partial unique index decides.
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, alert *domain.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.GeneratedAt.IsZero() {
		alert.GeneratedAt = time.Now().UTC()
	}
	alert.Acknowledged = false

	query := `
		INSERT INTO alerts (
			id, kind, product_id, branch_id, batch_id, batch_number, level,
			current_stock, threshold, days_to_expiry, message, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (kind, product_id, branch_id, (COALESCE(batch_id::text, '')), level)
			WHERE NOT acknowledged
		DO NOTHING
		RETURNING generated_at
	`

	err := r.db.Conn(ctx).QueryRowxContext(ctx, query,
		alert.ID, alert.Kind, alert.ProductID, alert.BranchID, alert.BatchID, alert.BatchNumber,
		alert.Level, alert.CurrentStock, alert.Threshold, alert.DaysToExpiry, alert.Message,
		alert.GeneratedAt,
	).Scan(&alert.GeneratedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, mapError(err)
	}
	return true, nil
}

// Acknowledge closes an alert so the same condition may raise a new one.
func (r *AlertRepository) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	if !validID(id) {
		return errors.NotFound("alert")
	}
	conn := r.db.Conn(ctx)

	query := `
		UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND NOT acknowledged
	`
	result, err := conn.ExecContext(ctx, query, id, by, at)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := sqlx.GetContext(ctx, conn, &exists, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id); err != nil {
		return err
	}
	if !exists {
		return errors.NotFound("alert")
	}
	return nil
}

// ListActive lists unacknowledged alerts, oldest first.
func (r *AlertRepository) ListActive(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	conditions := []string{"NOT acknowledged"}
	args := []interface{}{}
	argNum := 1

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argNum))
		args = append(args, filter.Kind)
		argNum++
	}
	if filter.ProductID != "" {
		conditions = append(conditions, fmt.Sprintf("product_id = $%d", argNum))
		args = append(args, filter.ProductID)
		argNum++
	}
	if filter.BranchID != "" {
		conditions = append(conditions, fmt.Sprintf("branch_id = $%d", argNum))
		args = append(args, filter.BranchID)
		argNum++
	}

	query := `SELECT * FROM alerts WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY generated_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	var alerts []domain.Alert
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &alerts, query, args...); err != nil {
		return nil, err
	}
	return alerts, nil
}
