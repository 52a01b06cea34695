package events

import (
	"context"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
)

// Source is the event source stamped on every envelope.
const Source = "inventory-service"

// Sender is the transport the publisher hands payloads to.
type Sender interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// InventoryEventPublisher maps committed stock movements to integration
// events. Delivery failures are logged, never returned: the movement has
// already committed.
type InventoryEventPublisher struct {
	sender Sender
	logger *logger.Logger
}

var _ service.EventPublisher = (*InventoryEventPublisher)(nil)

// NewInventoryEventPublisher creates a publisher on the inventory exchange.
func NewInventoryEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*InventoryEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeInventoryEvents, Source, log)
	if err != nil {
		return nil, err
	}
	return NewWithSender(publisher, log), nil
}

// NewWithSender creates a publisher over any Sender.
func NewWithSender(sender Sender, log *logger.Logger) *InventoryEventPublisher {
	return &InventoryEventPublisher{
		sender: sender,
		logger: log.WithComponent("events"),
	}
}

func (p *InventoryEventPublisher) publish(ctx context.Context, eventType string, data interface{}, key domain.StockKey) {
	if err := p.sender.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Str("product_id", key.ProductID).
			Str("branch_id", key.BranchID).
			Msg("failed to publish event")
	}
}

// PublishStockAllocated publishes a stock allocated event
func (p *InventoryEventPublisher) PublishStockAllocated(ctx context.Context, res *service.MovementResult) {
	if p == nil || res == nil {
		return
	}
	data := messaging.StockAllocatedEvent{
		ProductID:     res.ProductID,
		BranchID:      res.BranchID,
		MovementType:  string(res.Movement),
		Quantity:      res.Quantity,
		TotalCost:     res.TotalCost,
		ReferenceType: res.ReferenceType,
		ReferenceID:   res.ReferenceID,
		Actor:         res.Actor,
		Lines:         lines(res.Lines),
		Balance:       res.Balance(),
	}
	p.publish(ctx, messaging.EventStockAllocated, data, domain.StockKey{ProductID: res.ProductID, BranchID: res.BranchID})
}

// PublishStockReceived publishes a stock received event
func (p *InventoryEventPublisher) PublishStockReceived(ctx context.Context, res *service.ReceiptResult) {
	if p == nil || res == nil || res.Batch == nil {
		return
	}
	b := res.Batch
	data := messaging.StockReceivedEvent{
		ProductID:     b.ProductID,
		BranchID:      b.BranchID,
		MovementType:  string(res.Movement),
		ReferenceType: res.ReferenceType,
		ReferenceID:   res.ReferenceID,
		Actor:         res.Actor,
		Line: messaging.BatchLine{
			BatchID:           b.ID,
			BatchNumber:       b.BatchNumber,
			Quantity:          b.QuantityReceived,
			ExpiryDate:        b.ExpiryDate,
			ManufacturingDate: b.ManufacturingDate,
			CostPrice:         b.CostPrice,
			SellingPrice:      b.SellingPrice,
		},
	}
	if res.Entry != nil {
		data.Balance = res.Entry.RunningBalance
	}
	p.publish(ctx, messaging.EventStockReceived, data, b.Key())
}

// PublishStockReturned publishes one event per batch the return went into.
func (p *InventoryEventPublisher) PublishStockReturned(ctx context.Context, res *service.MovementResult) {
	if p == nil || res == nil {
		return
	}
	key := domain.StockKey{ProductID: res.ProductID, BranchID: res.BranchID}
	for _, l := range res.Lines {
		data := messaging.StockReturnedEvent{
			ProductID:     res.ProductID,
			BranchID:      res.BranchID,
			BatchID:       l.BatchID,
			BatchNumber:   l.BatchNumber,
			MovementType:  string(res.Movement),
			Quantity:      l.Quantity,
			ReferenceType: res.ReferenceType,
			ReferenceID:   res.ReferenceID,
			Actor:         res.Actor,
			Balance:       res.Balance(),
		}
		p.publish(ctx, messaging.EventStockReturned, data, key)
	}
}

// PublishTransferDispatched publishes the source half of a transfer for the
// destination branch to apply.
func (p *InventoryEventPublisher) PublishTransferDispatched(ctx context.Context, res *service.TransferResult) {
	if p == nil || res == nil {
		return
	}
	data := messaging.TransferDispatchedEvent{
		TransferID:   res.TransferID,
		ProductID:    res.ProductID,
		FromBranchID: res.FromBranchID,
		ToBranchID:   res.ToBranchID,
		Quantity:     res.Quantity,
		Actor:        res.Actor,
	}
	if res.Source != nil {
		data.Lines = lines(res.Source.Lines)
	}
	p.publish(ctx, messaging.EventTransferDispatched, data, domain.StockKey{ProductID: res.ProductID, BranchID: res.FromBranchID})
}

// PublishBatchExpired publishes a batch expired event
func (p *InventoryEventPublisher) PublishBatchExpired(ctx context.Context, b *domain.Batch) {
	if p == nil || b == nil {
		return
	}
	data := messaging.BatchExpiredEvent{
		BatchID:     b.ID,
		BatchNumber: b.BatchNumber,
		ProductID:   b.ProductID,
		BranchID:    b.BranchID,
		ExpiryDate:  b.ExpiryDate,
		Quantity:    b.QuantityAvailable,
	}
	p.publish(ctx, messaging.EventBatchExpired, data, b.Key())
}

// PublishAlertGenerated publishes an alert generated event
func (p *InventoryEventPublisher) PublishAlertGenerated(ctx context.Context, alert *domain.Alert) {
	if p == nil || alert == nil {
		return
	}
	batchID := ""
	if alert.BatchID != nil {
		batchID = *alert.BatchID
	}

	data := messaging.AlertGeneratedEvent{
		AlertID:      alert.ID,
		Kind:         string(alert.Kind),
		Level:        alert.Level,
		Message:      alert.Message,
		ProductID:    alert.ProductID,
		BranchID:     alert.BranchID,
		BatchID:      batchID,
		BatchNumber:  alert.BatchNumber,
		CurrentStock: alert.CurrentStock,
		Threshold:    alert.Threshold,
		DaysToExpiry: alert.DaysToExpiry,
		GeneratedAt:  alert.GeneratedAt,
	}
	p.publish(ctx, messaging.EventAlertGenerated, data, domain.StockKey{ProductID: alert.ProductID, BranchID: alert.BranchID})
}

func lines(in []service.AllocationLine) []messaging.BatchLine {
	out := make([]messaging.BatchLine, 0, len(in))
	for _, l := range in {
		out = append(out, messaging.BatchLine{
			BatchID:           l.BatchID,
			BatchNumber:       l.BatchNumber,
			Quantity:          l.Quantity,
			ExpiryDate:        l.ExpiryDate,
			ManufacturingDate: l.ManufacturingDate,
			CostPrice:         l.CostPrice,
			SellingPrice:      l.SellingPrice,
		})
	}
	return out
}
