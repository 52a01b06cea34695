package service

import (
	"context"
	"sync"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/medflow/stock-ledger/internal/inventory/service"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	ledgerAppends      metric.Int64Counter
	allocations        metric.Int64Counter
	allocatedUnits     metric.Int64Counter
	allocationFailures metric.Int64Counter
	receipts           metric.Int64Counter
	alertsRaised       metric.Int64Counter
	batchesExpired     metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     *instruments
)

func meters() *instruments {
	metricsOnce.Do(func() {
		m := otel.Meter(instrumentationName)
		metrics = &instruments{
			ledgerAppends:      counter(m, "stockledger.ledger.appends", "Ledger entries written"),
			allocations:        counter(m, "stockledger.allocations", "Outbound movements committed"),
			allocatedUnits:     counter(m, "stockledger.allocated_units", "Units drawn by outbound movements"),
			allocationFailures: counter(m, "stockledger.allocation_failures", "Outbound movements rejected"),
			receipts:           counter(m, "stockledger.receipts", "Batches received"),
			alertsRaised:       counter(m, "stockledger.alerts_raised", "Alert records created"),
			batchesExpired:     counter(m, "stockledger.batches_expired", "Batches retired by the expiry sweep"),
		}
	})
	return metrics
}

func counter(m metric.Meter, name, description string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func startSpan(ctx context.Context, name string, key domain.StockKey, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("stock.product_id", key.ProductID),
		attribute.String("stock.branch_id", key.BranchID),
	)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func movementAttr(m domain.MovementType) attribute.KeyValue {
	return attribute.String("stock.movement_type", string(m))
}
