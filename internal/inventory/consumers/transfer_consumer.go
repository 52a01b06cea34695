package consumers

import (
	"context"
	"fmt"

	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
)

// TransferQueue is the durable queue the destination half of transfers is
// delivered on.
const TransferQueue = "inventory-service.transfer-events"

// InboundApplier books the destination half of a transfer.
type InboundApplier interface {
	ApplyInbound(ctx context.Context, in service.TransferInbound) (*service.InboundResult, error)
}

// TransferEventConsumer applies dispatched transfers at their destination
// branch.
type TransferEventConsumer struct {
	consumer *messaging.Consumer
	handler  *TransferHandler
}

// NewTransferEventConsumer creates a new transfer event consumer
func NewTransferEventConsumer(rmq *messaging.RabbitMQ, transfers InboundApplier, log *logger.Logger) (*TransferEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, TransferQueue, log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeInventoryEvents, messaging.EventTransferDispatched); err != nil {
		return nil, err
	}

	c := &TransferEventConsumer{
		consumer: consumer,
		handler:  NewTransferHandler(transfers, log),
	}
	consumer.RegisterHandler(messaging.EventTransferDispatched, c.handler.HandleTransferDispatched)

	return c, nil
}

// Start starts consuming messages
func (c *TransferEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// TransferHandler turns transfer events into inbound bookings.
type TransferHandler struct {
	transfers InboundApplier
	logger    *logger.Logger
}

// NewTransferHandler creates a handler over transfers.
func NewTransferHandler(transfers InboundApplier, log *logger.Logger) *TransferHandler {
	return &TransferHandler{
		transfers: transfers,
		logger:    log.WithComponent("transfer-consumer"),
	}
}

// HandleTransferDispatched books a dispatched transfer at the destination.
// Malformed or invalid transfers are dead-lettered; anything else is
// retried, and redelivery of an applied transfer is a no-op.
func (h *TransferHandler) HandleTransferDispatched(ctx context.Context, event *messaging.Event) error {
	var data messaging.TransferDispatchedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return messaging.Permanent(fmt.Errorf("decode transfer %s: %w", event.ID, err))
	}

	res, err := h.transfers.ApplyInbound(ctx, Inbound(data))
	if err != nil {
		if errors.Is(err, errors.ErrBadRequest) || errors.Is(err, errors.ErrValidation) {
			return messaging.Permanent(err)
		}
		return err
	}

	h.logger.Info().
		Str("transfer_id", data.TransferID).
		Str("to_branch_id", data.ToBranchID).
		Int("received", len(res.Receipts)).
		Int("skipped", res.Skipped).
		Msg("applied inbound transfer")
	return nil
}

// Inbound maps a transfer event to the destination booking it requests.
func Inbound(data messaging.TransferDispatchedEvent) service.TransferInbound {
	in := service.TransferInbound{
		TransferID:   data.TransferID,
		ProductID:    data.ProductID,
		FromBranchID: data.FromBranchID,
		ToBranchID:   data.ToBranchID,
		Actor:        data.Actor,
		Lines:        make([]service.TransferLine, 0, len(data.Lines)),
	}
	for _, l := range data.Lines {
		in.Lines = append(in.Lines, service.TransferLine{
			BatchNumber:       l.BatchNumber,
			Quantity:          l.Quantity,
			ExpiryDate:        l.ExpiryDate,
			ManufacturingDate: l.ManufacturingDate,
			CostPrice:         l.CostPrice,
			SellingPrice:      l.SellingPrice,
		})
	}
	return in
}
