package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/database"
)

// CatalogRepository reads the branch and product reference data the alert
// sweep iterates. The rows are owned by the catalog services and mirrored here.
type CatalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository(db *database.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// ActiveBranches lists active branches by id.
func (r *CatalogRepository) ActiveBranches(ctx context.Context) ([]domain.Branch, error) {
	var branches []domain.Branch
	query := `SELECT id, name, is_active FROM branches WHERE is_active ORDER BY id`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &branches, query); err != nil {
		return nil, err
	}
	return branches, nil
}

// ActiveProducts lists active products and their stock limits by id.
func (r *CatalogRepository) ActiveProducts(ctx context.Context) ([]domain.ProductThreshold, error) {
	var products []domain.ProductThreshold
	query := `
		SELECT id, name, reorder_level, minimum_stock, is_active
		FROM products
		WHERE is_active
		ORDER BY id
	`
	if err := sqlx.SelectContext(ctx, r.db.Conn(ctx), &products, query); err != nil {
		return nil, err
	}
	return products, nil
}

// UpsertBranch mirrors a branch record.
func (r *CatalogRepository) UpsertBranch(ctx context.Context, b domain.Branch) error {
	query := `
		INSERT INTO branches (id, name, is_active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_active = EXCLUDED.is_active
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query, b.ID, b.Name, b.IsActive)
	return err
}

// UpsertProduct mirrors a product record and its stock limits.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, p domain.ProductThreshold) error {
	query := `
		INSERT INTO products (id, name, reorder_level, minimum_stock, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			reorder_level = EXCLUDED.reorder_level,
			minimum_stock = EXCLUDED.minimum_stock,
			is_active = EXCLUDED.is_active
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query, p.ProductID, p.Name, p.ReorderLevel, p.MinimumStock, p.IsActive)
	return err
}
