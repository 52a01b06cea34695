package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(f *fixture, catalog service.CatalogReader, batches service.BatchStore) *service.AlertScanner {
	if catalog == nil {
		catalog = f.store
	}
	if batches == nil {
		batches = f.store
	}
	s := service.NewAlertScanner(batches, f.store, catalog, f.events, service.ScannerOptions{
		Thresholds: domain.DefaultExpiryThresholds,
		Location:   time.UTC,
	}, logger.Nop())
	s.SetClock(f.clock)
	return s
}

func seedCatalog(f *fixture) {
	f.store.SeedBranch(domain.Branch{ID: branchA, Name: "Colombo", IsActive: true})
	f.store.SeedBranch(domain.Branch{ID: "branch-closed", Name: "Closed", IsActive: false})
	f.store.SeedProduct(domain.ProductThreshold{ProductID: productA, Name: "Paracetamol 500mg", ReorderLevel: 20, MinimumStock: 5, IsActive: true})
	f.store.SeedProduct(domain.ProductThreshold{ProductID: productB, Name: "Amoxicillin 250mg", ReorderLevel: 20, MinimumStock: 5, IsActive: true})
}

func activeAlerts(t *testing.T, f *fixture, kind domain.AlertKind) []domain.Alert {
	t.Helper()
	alerts, err := f.store.ListActive(context.Background(), domain.AlertFilter{Kind: kind})
	require.NoError(t, err)
	return alerts
}

// ============================================================================
// LOW STOCK
// ============================================================================

func TestScanLowStock_ClassifiesEveryProduct(t *testing.T) {
	tests := []struct {
		name  string
		stock int
		level domain.StockLevel
	}{
		{"out of stock", 0, domain.StockOutOfStock},
		{"critical", 4, domain.StockCritical},
		{"low", 15, domain.StockLow},
		{"in stock", 50, domain.StockInStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.SeedBranch(domain.Branch{ID: branchA, IsActive: true})
			f.store.SeedProduct(domain.ProductThreshold{ProductID: productA, ReorderLevel: 20, MinimumStock: 5, IsActive: true})
			if tt.stock > 0 {
				f.receive(t, productA, branchA, "B1", tt.stock, 365)
			}

			report, err := newScanner(f, nil, nil).ScanLowStock(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Checked)

			alerts := activeAlerts(t, f, domain.AlertLowStock)
			if tt.level == domain.StockInStock {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, string(tt.level), alerts[0].Level)
			assert.Equal(t, tt.stock, alerts[0].CurrentStock)
			assert.Nil(t, alerts[0].BatchID)
			require.Len(t, f.events.alerts, 1)
		})
	}
}

func TestScanLowStock_Deduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedCatalog(f)
	scanner := newScanner(f, nil, nil)

	first, err := scanner.ScanLowStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.RaisedTotal())

	second, err := scanner.ScanLowStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.RaisedTotal())
	assert.Equal(t, 2, second.Deduplicated)
	assert.Len(t, activeAlerts(t, f, domain.AlertLowStock), 2)

	// A level change is a new condition.
	f.receive(t, productA, branchA, "B1", 10, 365)
	third, err := scanner.ScanLowStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Raised["low_stock:LOW"])

	// Acknowledging lets the same condition raise again.
	alerts, err := f.store.ListActive(ctx, domain.AlertFilter{Kind: domain.AlertLowStock, ProductID: productB})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.NoError(t, f.store.Acknowledge(ctx, alerts[0].ID, "pharmacist", f.clock()))

	fourth, err := scanner.ScanLowStock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fourth.Raised["low_stock:OUT_OF_STOCK"])
	assert.Len(t, f.events.alerts, 4)
}

// ============================================================================
// EXPIRY
// ============================================================================

func TestScanExpiry_Tiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.receive(t, productA, branchA, "D20", 10, 20)
	f.receive(t, productA, branchA, "D45", 10, 45)
	f.receive(t, productA, branchA, "D80", 10, 80)
	f.receive(t, productA, branchA, "D120", 10, 120)

	report, err := newScanner(f, nil, nil).ScanExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 0, report.Expired)

	levels := map[string]string{}
	for _, a := range activeAlerts(t, f, domain.AlertExpiry) {
		levels[a.BatchNumber] = a.Level
		require.NotNil(t, a.DaysToExpiry)
	}
	assert.Equal(t, map[string]string{
		"D20": string(domain.ExpiryCritical),
		"D45": string(domain.ExpiryUrgent),
		"D80": string(domain.ExpiryWarning),
	}, levels)
}

func TestScanExpiry_RetiresExpiredBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.receive(t, productA, branchA, "OLD", 10, 2)
	empty := f.receive(t, productA, branchA, "EMPTY", 5, 2)
	_, err := f.allocator.Allocate(ctx, service.AllocateRequest{
		ProductID: productA,
		BranchID:  branchA,
		Quantity:  5,
		Movement:  domain.MovementPurchaseReturn,
		BatchID:   empty.ID,
	})
	require.NoError(t, err)

	f.advance(3 * 24 * time.Hour)
	scanner := newScanner(f, nil, nil)

	report, err := scanner.ScanExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Raised["expiry:EXPIRED"])

	got := f.batch(t, b.ID)
	assert.True(t, got.IsExpired)
	assert.False(t, got.IsActive)
	assert.Len(t, f.events.expired, 2)

	available, err := f.store.AvailableBatches(ctx, productA, branchA)
	require.NoError(t, err)
	assert.Empty(t, available)

	// Retired batches are no longer candidates.
	again, err := scanner.ScanExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Checked)
	assert.Len(t, f.events.expired, 2)
}

func TestScanExpiry_UsesConfiguredTimezone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	colombo, err := time.LoadLocation("Asia/Colombo")
	require.NoError(t, err)

	// 20:00 UTC on 1 March is already 2 March in Colombo.
	f.now = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	f.receive(t, productA, branchA, "EDGE", 10, 1)

	scanner := service.NewAlertScanner(f.store, f.store, f.store, f.events, service.ScannerOptions{
		Thresholds: domain.DefaultExpiryThresholds,
		Location:   colombo,
	}, logger.Nop())
	scanner.SetClock(f.clock)

	_, err = scanner.ScanExpiry(ctx)
	require.NoError(t, err)

	alerts := activeAlerts(t, f, domain.AlertExpiry)
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].DaysToExpiry)
	assert.Equal(t, 0, *alerts[0].DaysToExpiry)
	assert.Equal(t, string(domain.ExpiryCritical), alerts[0].Level)
}

// ============================================================================
// ERROR ISOLATION
// ============================================================================

type brokenCatalog struct{}

func (brokenCatalog) ActiveBranches(context.Context) ([]domain.Branch, error) {
	return nil, errors.Internal("catalog unavailable")
}

func (brokenCatalog) ActiveProducts(context.Context) ([]domain.ProductThreshold, error) {
	return nil, errors.Internal("catalog unavailable")
}

type flakyStock struct {
	service.BatchStore
	failProduct string
}

func (s flakyStock) TotalAvailable(ctx context.Context, productID, branchID string) (int, error) {
	if productID == s.failProduct {
		return 0, errors.Internal("stock read failed")
	}
	return s.BatchStore.TotalAvailable(ctx, productID, branchID)
}

func TestScanAll_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.receive(t, productA, branchA, "D10", 10, 10)

	report, err := newScanner(f, brokenCatalog{}, nil).ScanAll(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInternal))
	assert.Equal(t, 1, report.Raised["expiry:CRITICAL"])
}

func TestScanLowStock_SkipsFailingItems(t *testing.T) {
	f := newFixture(t)
	seedCatalog(f)

	report, err := newScanner(f, nil, flakyStock{BatchStore: f.store, failProduct: productA}).ScanLowStock(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.RaisedTotal())

	alerts := activeAlerts(t, f, domain.AlertLowStock)
	require.Len(t, alerts, 1)
	assert.Equal(t, productB, alerts[0].ProductID)
}
