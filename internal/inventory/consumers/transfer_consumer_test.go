package consumers_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/consumers"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/memstore"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *memstore.Store
	transfers *service.TransferService
	receiver  *service.Receiver
	handler   *consumers.TransferHandler
}

func newHarness() *harness {
	log := logger.Nop()
	store := memstore.New()
	ledger := service.NewLedgerRecorder(store, store, 50, log)
	allocator := service.NewAllocator(store, store, ledger, nil, log)
	receiver := service.NewReceiver(store, store, ledger, nil, log)
	transfers := service.NewTransferService(store, store, allocator, receiver, nil, log)
	return &harness{
		store:     store,
		transfers: transfers,
		receiver:  receiver,
		handler:   consumers.NewTransferHandler(transfers, log),
	}
}

func transferEvent(t *testing.T, data interface{}) *messaging.Event {
	t.Helper()
	event, err := messaging.NewEvent(messaging.EventTransferDispatched, "inventory-service", "corr-1", data)
	require.NoError(t, err)
	return event
}

func (h *harness) dispatch(t *testing.T) messaging.TransferDispatchedEvent {
	t.Helper()
	ctx := context.Background()
	_, err := h.receiver.ReceiveGRN(ctx, service.ReceiveRequest{
		ProductID:    "p1",
		BranchID:     "b1",
		BatchNumber:  "LOT-1",
		Quantity:     10,
		CostPrice:    decimal.RequireFromString("2.50"),
		SellingPrice: decimal.RequireFromString("4.00"),
		ExpiryDate:   time.Now().UTC().AddDate(0, 6, 0),
	})
	require.NoError(t, err)

	res, err := h.transfers.Dispatch(ctx, service.TransferRequest{
		TransferID:   "TRF-1",
		ProductID:    "p1",
		FromBranchID: "b1",
		ToBranchID:   "b2",
		Quantity:     4,
	})
	require.NoError(t, err)

	data := messaging.TransferDispatchedEvent{
		TransferID:   res.TransferID,
		ProductID:    res.ProductID,
		FromBranchID: res.FromBranchID,
		ToBranchID:   res.ToBranchID,
		Quantity:     res.Quantity,
	}
	for _, l := range res.Source.Lines {
		data.Lines = append(data.Lines, messaging.BatchLine{
			BatchID:      l.BatchID,
			BatchNumber:  l.BatchNumber,
			Quantity:     l.Quantity,
			ExpiryDate:   l.ExpiryDate,
			CostPrice:    l.CostPrice,
			SellingPrice: l.SellingPrice,
		})
	}
	return data
}

// =============================================================================
// HandleTransferDispatched
// =============================================================================

func TestHandleTransferDispatched_BooksDestination(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	data := h.dispatch(t)

	require.NoError(t, h.handler.HandleTransferDispatched(ctx, transferEvent(t, data)))

	mirrored, err := h.store.GetByNumber(ctx, "p1", "b2", service.TransferBatchNumber("TRF-1", "LOT-1"))
	require.NoError(t, err)
	assert.Equal(t, 4, mirrored.QuantityAvailable)
	assert.True(t, decimal.RequireFromString("2.50").Equal(mirrored.CostPrice))

	head, err := h.store.Head(ctx, domain.StockKey{ProductID: "p1", BranchID: "b2"})
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, 4, head.Balance)
}

func TestHandleTransferDispatched_RedeliveryIsNoop(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	event := transferEvent(t, h.dispatch(t))

	require.NoError(t, h.handler.HandleTransferDispatched(ctx, event))
	require.NoError(t, h.handler.HandleTransferDispatched(ctx, event))

	total, err := h.store.TotalAvailable(ctx, "p1", "b2")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestHandleTransferDispatched_PermanentFailures(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tests := []struct {
		name  string
		event *messaging.Event
	}{
		{
			name:  "undecodable payload",
			event: &messaging.Event{ID: "e1", Type: messaging.EventTransferDispatched, Data: []byte(`"nope"`)},
		},
		{
			name: "same source and destination",
			event: transferEvent(t, messaging.TransferDispatchedEvent{
				TransferID: "TRF-2", ProductID: "p1", FromBranchID: "b1", ToBranchID: "b1",
			}),
		},
		{
			name:  "missing destination",
			event: transferEvent(t, messaging.TransferDispatchedEvent{TransferID: "TRF-3", ProductID: "p1"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.handler.HandleTransferDispatched(ctx, tt.event)
			require.Error(t, err)
			var permanent *messaging.PermanentError
			assert.True(t, stderrors.As(err, &permanent))
		})
	}
}

type failingApplier struct{ err error }

func (f failingApplier) ApplyInbound(context.Context, service.TransferInbound) (*service.InboundResult, error) {
	return nil, f.err
}

func TestHandleTransferDispatched_TransientFailureRetries(t *testing.T) {
	handler := consumers.NewTransferHandler(failingApplier{err: stderrors.New("connection reset")}, logger.Nop())

	err := handler.HandleTransferDispatched(context.Background(), transferEvent(t, messaging.TransferDispatchedEvent{
		TransferID: "TRF-4", ProductID: "p1", FromBranchID: "b1", ToBranchID: "b2",
	}))
	require.Error(t, err)
	var permanent *messaging.PermanentError
	assert.False(t, stderrors.As(err, &permanent))
}

// =============================================================================
// Inbound
// =============================================================================

func TestInbound_MapsLines(t *testing.T) {
	mfg := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	in := consumers.Inbound(messaging.TransferDispatchedEvent{
		TransferID:   "TRF-5",
		ProductID:    "p1",
		FromBranchID: "b1",
		ToBranchID:   "b2",
		Actor:        "storekeeper",
		Lines: []messaging.BatchLine{
			{BatchNumber: "LOT-A", Quantity: 3, ManufacturingDate: &mfg},
		},
	})

	assert.Equal(t, "storekeeper", in.Actor)
	require.Len(t, in.Lines, 1)
	assert.Equal(t, "LOT-A", in.Lines[0].BatchNumber)
	assert.Equal(t, 3, in.Lines[0].Quantity)
	assert.Equal(t, &mfg, in.Lines[0].ManufacturingDate)
}
