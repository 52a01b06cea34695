package service

import (
	"context"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reference types written by the arrival paths when the caller gives none.
const (
	ReferenceGRN      = "GRN"
	ReferenceTransfer = "STOCK_TRANSFER"
)

// ReceiveRequest describes a new batch arriving at a branch.
type ReceiveRequest struct {
	ProductID         string `validate:"required"`
	BranchID          string `validate:"required"`
	BatchNumber       string `validate:"required"`
	Quantity          int    `validate:"gt=0"`
	CostPrice         decimal.Decimal
	SellingPrice      decimal.Decimal
	ManufacturingDate *time.Time
	ExpiryDate        time.Time
	ReceivedAt        time.Time
	ReferenceType     string
	ReferenceID       string
	Actor             string
	Notes             string
}

func (r ReceiveRequest) validate() error {
	if err := httputil.Validate(r); err != nil {
		return err
	}

	details := make(map[string]string)
	if r.ExpiryDate.IsZero() {
		details["ExpiryDate"] = "this field is required"
	}
	if r.CostPrice.IsNegative() {
		details["CostPrice"] = "must be at least 0"
	}
	if r.SellingPrice.IsNegative() {
		details["SellingPrice"] = "must be at least 0"
	}
	if r.ManufacturingDate != nil && !r.ExpiryDate.IsZero() && !domain.DateOnly(r.ExpiryDate).After(domain.DateOnly(*r.ManufacturingDate)) {
		details["ExpiryDate"] = "must be after the manufacturing date"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// ReceiptResult is a committed batch arrival and its ledger line.
type ReceiptResult struct {
	Batch         *domain.Batch       `json:"batch"`
	Entry         *domain.LedgerEntry `json:"entry"`
	Movement      domain.MovementType `json:"movement_type"`
	ReferenceType string              `json:"reference_type"`
	ReferenceID   string              `json:"reference_id"`
	Actor         string              `json:"actor"`
}

// Receiver creates batches and records their arrival on the ledger.
type Receiver struct {
	tx      TxRunner
	batches BatchStore
	ledger  *LedgerRecorder
	events  EventPublisher
	logger  *logger.Logger
}

// NewReceiver creates a new receiver
func NewReceiver(tx TxRunner, batches BatchStore, ledger *LedgerRecorder, events EventPublisher, log *logger.Logger) *Receiver {
	return &Receiver{
		tx:      tx,
		batches: batches,
		ledger:  ledger,
		events:  publisherOrNop(events),
		logger:  log.WithComponent("receiver"),
	}
}

// ReceiveGRN books a supplier delivery as a new batch.
func (r *Receiver) ReceiveGRN(ctx context.Context, req ReceiveRequest) (*ReceiptResult, error) {
	if req.ReferenceType == "" {
		req.ReferenceType = ReferenceGRN
	}
	return r.receive(ctx, req, domain.MovementGRNReceived)
}

// ReceiveTransfer books the destination half of a branch transfer.
func (r *Receiver) ReceiveTransfer(ctx context.Context, req ReceiveRequest) (*ReceiptResult, error) {
	if req.ReferenceType == "" {
		req.ReferenceType = ReferenceTransfer
	}
	return r.receive(ctx, req, domain.MovementTransferIn)
}

func (r *Receiver) receive(ctx context.Context, req ReceiveRequest, m domain.MovementType) (res *ReceiptResult, err error) {
	key := domain.StockKey{ProductID: req.ProductID, BranchID: req.BranchID}
	ctx, span := startSpan(ctx, "receiver.receive", key, movementAttr(m), attribute.Int("stock.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()

	err = r.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.receiveInTx(ctx, req, m)
		return err
	})
	if err != nil {
		return nil, err
	}

	meters().receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("movement_type", string(m))))
	r.events.PublishStockReceived(ctx, res)
	return res, nil
}

// receiveInTx joins the unit of work in ctx and does not publish.
func (r *Receiver) receiveInTx(ctx context.Context, req ReceiveRequest, m domain.MovementType) (*ReceiptResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	b, err := r.batches.Receive(ctx, domain.ReceiveParams{
		ProductID:         req.ProductID,
		BranchID:          req.BranchID,
		BatchNumber:       req.BatchNumber,
		Quantity:          req.Quantity,
		CostPrice:         req.CostPrice,
		SellingPrice:      req.SellingPrice,
		ManufacturingDate: req.ManufacturingDate,
		ExpiryDate:        req.ExpiryDate,
		ReceivedAt:        req.ReceivedAt,
	})
	if err != nil {
		return nil, err
	}

	who := actor.Resolve(ctx, req.Actor)
	entry, err := r.ledger.Append(ctx, AppendParams{
		ProductID:     req.ProductID,
		BranchID:      req.BranchID,
		BatchID:       &b.ID,
		Movement:      m,
		QuantityIn:    req.Quantity,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Actor:         who,
		Notes:         req.Notes,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("product_id", b.ProductID).
		Str("branch_id", b.BranchID).
		Str("batch_id", b.ID).
		Str("batch_number", b.BatchNumber).
		Int("quantity", b.QuantityReceived).
		Str("movement_type", string(m)).
		Msg("batch received")

	return &ReceiptResult{
		Batch:         b,
		Entry:         entry,
		Movement:      m,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Actor:         who,
	}, nil
}
