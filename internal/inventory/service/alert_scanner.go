package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScannerOptions configures the alert sweeps.
type ScannerOptions struct {
	Thresholds domain.ExpiryThresholds
	Location   *time.Location
}

// ScanReport summarises one sweep.
type ScanReport struct {
	StartedAt    time.Time
	Duration     time.Duration
	Checked      int
	Raised       map[string]int
	Deduplicated int
	Expired      int
	Errors       []error
}

func newScanReport(now time.Time) *ScanReport {
	return &ScanReport{StartedAt: now, Raised: make(map[string]int)}
}

// RaisedTotal is the number of alert records created.
func (r *ScanReport) RaisedTotal() int {
	total := 0
	for _, n := range r.Raised {
		total += n
	}
	return total
}

// AlertScanner classifies stock and batch expiry and records alerts.
// A failure on one product or batch is logged and the sweep goes on.
type AlertScanner struct {
	batches BatchStore
	alerts  AlertStore
	catalog CatalogReader
	events  EventPublisher
	opts    ScannerOptions
	now     func() time.Time
	logger  *logger.Logger
}

// NewAlertScanner creates a new alert scanner
func NewAlertScanner(batches BatchStore, alerts AlertStore, catalog CatalogReader, events EventPublisher, opts ScannerOptions, log *logger.Logger) *AlertScanner {
	if opts.Thresholds == (domain.ExpiryThresholds{}) {
		opts.Thresholds = domain.DefaultExpiryThresholds
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &AlertScanner{
		batches: batches,
		alerts:  alerts,
		catalog: catalog,
		events:  publisherOrNop(events),
		opts:    opts,
		now:     time.Now,
		logger:  log.WithComponent("alert_scanner"),
	}
}

// SetClock replaces the wall clock that defines "today".
func (s *AlertScanner) SetClock(now func() time.Time) {
	s.now = now
}

// ScanAll runs the expiry sweep, then the low-stock sweep so retired
// batches no longer count as stock.
func (s *AlertScanner) ScanAll(ctx context.Context) (*ScanReport, error) {
	ctx, span := tracer.Start(ctx, "alert_scanner.scan_all")
	defer span.End()

	report := newScanReport(s.now())
	scanners := []struct {
		name string
		fn   func(context.Context, *ScanReport) error
	}{
		{"expiry", s.scanExpiry},
		{"low_stock", s.scanLowStock},
	}

	var errs []error
	for _, scanner := range scanners {
		if err := scanner.fn(ctx, report); err != nil {
			s.logger.WithError(err).Error().Str("scanner", scanner.name).Msg("alert scan failed")
			errs = append(errs, err)
		}
	}
	report.Duration = time.Since(report.StartedAt)

	return report, stderrors.Join(errs...)
}

// ScanLowStock classifies every active product at every active branch.
func (s *AlertScanner) ScanLowStock(ctx context.Context) (*ScanReport, error) {
	report := newScanReport(s.now())
	err := s.scanLowStock(ctx, report)
	report.Duration = time.Since(report.StartedAt)
	return report, err
}

// ScanExpiry classifies every active batch inside the warning window and
// retires the ones past their expiry date.
func (s *AlertScanner) ScanExpiry(ctx context.Context) (*ScanReport, error) {
	report := newScanReport(s.now())
	err := s.scanExpiry(ctx, report)
	report.Duration = time.Since(report.StartedAt)
	return report, err
}

func (s *AlertScanner) scanLowStock(ctx context.Context, report *ScanReport) error {
	branches, err := s.catalog.ActiveBranches(ctx)
	if err != nil {
		return fmt.Errorf("scanLowStock: get active branches: %w", err)
	}
	products, err := s.catalog.ActiveProducts(ctx)
	if err != nil {
		return fmt.Errorf("scanLowStock: get active products: %w", err)
	}

	for _, branch := range branches {
		for _, product := range products {
			report.Checked++

			qty, err := s.batches.TotalAvailable(ctx, product.ProductID, branch.ID)
			if err != nil {
				s.logger.Error().Err(err).
					Str("product_id", product.ProductID).
					Str("branch_id", branch.ID).
					Msg("scanLowStock: failed to get total available")
				report.Errors = append(report.Errors, err)
				continue
			}

			level := domain.ClassifyStock(qty, product.ReorderLevel, product.MinimumStock)
			if level == domain.StockInStock {
				continue
			}

			threshold := product.ReorderLevel
			if level != domain.StockLow {
				threshold = product.MinimumStock
			}

			name := product.Name
			if name == "" {
				name = product.ProductID
			}
			branchName := branch.Name
			if branchName == "" {
				branchName = branch.ID
			}

			s.raise(ctx, report, &domain.Alert{
				Kind:         domain.AlertLowStock,
				ProductID:    product.ProductID,
				BranchID:     branch.ID,
				Level:        string(level),
				CurrentStock: qty,
				Threshold:    threshold,
				Message:      fmt.Sprintf("%s at %s is %s (%d on hand, threshold %d)", name, branchName, level, qty, threshold),
			})
		}
	}

	return nil
}

func (s *AlertScanner) scanExpiry(ctx context.Context, report *ScanReport) error {
	now := s.now()
	today := domain.DateOnly(now.In(s.opts.Location))
	horizon := today.AddDate(0, 0, s.opts.Thresholds.WarningDays)

	batches, err := s.batches.ExpiryCandidates(ctx, horizon)
	if err != nil {
		return fmt.Errorf("scanExpiry: get expiry candidates: %w", err)
	}

	for i := range batches {
		batch := &batches[i]
		report.Checked++

		days := domain.DaysUntil(now, batch.ExpiryDate, s.opts.Location)
		level := s.opts.Thresholds.Classify(days)
		if level == domain.ExpiryFresh {
			continue
		}

		if level == domain.ExpiryExpired {
			changed, err := s.batches.MarkExpired(ctx, batch.ID)
			if err != nil {
				s.logger.WithBatch(batch.ID).WithError(err).Error().Msg("scanExpiry: failed to mark batch expired")
				report.Errors = append(report.Errors, err)
				continue
			}
			if changed {
				batch.IsExpired = true
				batch.IsActive = false
				report.Expired++
				meters().batchesExpired.Add(ctx, 1)
				s.logger.Info().
					Str("batch_id", batch.ID).
					Str("batch_number", batch.BatchNumber).
					Int("quantity", batch.QuantityAvailable).
					Msg("batch marked expired")
				s.events.PublishBatchExpired(ctx, batch)
			}
		}

		if batch.QuantityAvailable <= 0 {
			continue
		}

		batchID := batch.ID
		daysToExpiry := days
		s.raise(ctx, report, &domain.Alert{
			Kind:         domain.AlertExpiry,
			ProductID:    batch.ProductID,
			BranchID:     batch.BranchID,
			BatchID:      &batchID,
			BatchNumber:  batch.BatchNumber,
			Level:        string(level),
			CurrentStock: batch.QuantityAvailable,
			Threshold:    s.expiryThreshold(level),
			DaysToExpiry: &daysToExpiry,
			Message:      expiryMessage(batch, level, days),
		})
	}

	return nil
}

func (s *AlertScanner) expiryThreshold(level domain.ExpiryLevel) int {
	switch level {
	case domain.ExpiryCritical:
		return s.opts.Thresholds.CriticalDays
	case domain.ExpiryUrgent:
		return s.opts.Thresholds.UrgentDays
	case domain.ExpiryWarning:
		return s.opts.Thresholds.WarningDays
	default:
		return 0
	}
}

func expiryMessage(b *domain.Batch, level domain.ExpiryLevel, days int) string {
	if level == domain.ExpiryExpired {
		return fmt.Sprintf("batch %s expired %d day(s) ago with %d units left", b.BatchNumber, -days, b.QuantityAvailable)
	}
	return fmt.Sprintf("batch %s expires in %d day(s) with %d units left (%s)", b.BatchNumber, days, b.QuantityAvailable, level)
}

func (s *AlertScanner) raise(ctx context.Context, report *ScanReport, alert *domain.Alert) {
	if alert.GeneratedAt.IsZero() {
		alert.GeneratedAt = s.now().UTC()
	}

	created, err := s.alerts.CreateIfAbsent(ctx, alert)
	if err != nil {
		s.logger.Error().Err(err).
			Str("kind", string(alert.Kind)).
			Str("product_id", alert.ProductID).
			Str("branch_id", alert.BranchID).
			Msg("failed to create alert")
		report.Errors = append(report.Errors, err)
		return
	}
	if !created {
		report.Deduplicated++
		return
	}

	report.Raised[string(alert.Kind)+":"+alert.Level]++
	meters().alertsRaised.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(alert.Kind)),
		attribute.String("level", alert.Level),
	))
	s.events.PublishAlertGenerated(ctx, alert)
}
