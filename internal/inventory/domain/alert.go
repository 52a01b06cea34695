package domain

import (
	"fmt"
	"time"
)

// AlertKind separates low-stock from expiry alerts.
type AlertKind string

const (
	AlertLowStock AlertKind = "low_stock"
	AlertExpiry   AlertKind = "expiry"
)

// StockLevel classifies on-hand quantity against product thresholds.
type StockLevel string

const (
	StockInStock    StockLevel = "IN_STOCK"
	StockLow        StockLevel = "LOW"
	StockCritical   StockLevel = "CRITICAL"
	StockOutOfStock StockLevel = "OUT_OF_STOCK"
)

// ClassifyStock maps qty to exactly one level. The most severe matching
// condition wins.
func ClassifyStock(qty, reorderLevel, minimumStock int) StockLevel {
	switch {
	case qty <= 0:
		return StockOutOfStock
	case qty <= minimumStock:
		return StockCritical
	case qty <= reorderLevel:
		return StockLow
	default:
		return StockInStock
	}
}

// ExpiryLevel classifies a batch by days left until expiry.
type ExpiryLevel string

const (
	ExpiryFresh    ExpiryLevel = "FRESH"
	ExpiryWarning  ExpiryLevel = "WARNING"
	ExpiryUrgent   ExpiryLevel = "URGENT"
	ExpiryCritical ExpiryLevel = "CRITICAL"
	ExpiryExpired  ExpiryLevel = "EXPIRED"
)

// ExpiryThresholds are the inclusive day limits of each tier.
type ExpiryThresholds struct {
	WarningDays  int
	UrgentDays   int
	CriticalDays int
}

// DefaultExpiryThresholds are 90/60/30 days.
var DefaultExpiryThresholds = ExpiryThresholds{WarningDays: 90, UrgentDays: 60, CriticalDays: 30}

// Classify maps days to exactly one level.
func (t ExpiryThresholds) Classify(days int) ExpiryLevel {
	switch {
	case days < 0:
		return ExpiryExpired
	case days <= t.CriticalDays:
		return ExpiryCritical
	case days <= t.UrgentDays:
		return ExpiryUrgent
	case days <= t.WarningDays:
		return ExpiryWarning
	default:
		return ExpiryFresh
	}
}

// ClassifyExpiry classifies days with the default thresholds.
func ClassifyExpiry(days int) ExpiryLevel {
	return DefaultExpiryThresholds.Classify(days)
}

// DaysUntil counts whole calendar days from the date of now in loc to the
// calendar date of expiry. Negative once the expiry date has passed.
func DaysUntil(now, expiry time.Time, loc *time.Location) int {
	today := DateOnly(now.In(loc))
	return int(DateOnly(expiry).Sub(today).Hours() / 24)
}

// Alert is a persisted low-stock or expiry condition.
type Alert struct {
	ID             string     `db:"id" json:"id"`
	Kind           AlertKind  `db:"kind" json:"kind"`
	ProductID      string     `db:"product_id" json:"product_id"`
	BranchID       string     `db:"branch_id" json:"branch_id"`
	BatchID        *string    `db:"batch_id" json:"batch_id,omitempty"`
	BatchNumber    string     `db:"batch_number" json:"batch_number,omitempty"`
	Level          string     `db:"level" json:"level"`
	CurrentStock   int        `db:"current_stock" json:"current_stock"`
	Threshold      int        `db:"threshold" json:"threshold"`
	DaysToExpiry   *int       `db:"days_to_expiry" json:"days_to_expiry,omitempty"`
	Message        string     `db:"message" json:"message"`
	GeneratedAt    time.Time  `db:"generated_at" json:"generated_at"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
}

// DedupKey identifies the condition an open alert stands for. Two
// unacknowledged alerts never share a key.
func (a *Alert) DedupKey() string {
	batch := ""
	if a.BatchID != nil {
		batch = *a.BatchID
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s", a.Kind, a.ProductID, a.BranchID, batch, a.Level)
}

// AlertFilter narrows ListActive. Zero fields match everything.
type AlertFilter struct {
	Kind      AlertKind
	ProductID string
	BranchID  string
	Limit     int
}

// Matches reports whether a satisfies the filter.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.ProductID != "" && a.ProductID != f.ProductID {
		return false
	}
	if f.BranchID != "" && a.BranchID != f.BranchID {
		return false
	}
	return true
}

// ProductThreshold carries the stock limits of an active product.
type ProductThreshold struct {
	ProductID    string `db:"id"`
	Name         string `db:"name"`
	ReorderLevel int    `db:"reorder_level"`
	MinimumStock int    `db:"minimum_stock"`
	IsActive     bool   `db:"is_active"`
}

// Branch is a pharmacy location.
type Branch struct {
	ID       string `db:"id"`
	Name     string `db:"name"`
	IsActive bool   `db:"is_active"`
}
