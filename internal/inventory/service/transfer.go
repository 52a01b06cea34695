package service

import (
	"context"
	"fmt"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/shopspring/decimal"
)

// TransferRequest moves stock of one product between two branches.
type TransferRequest struct {
	TransferID   string `validate:"required"`
	ProductID    string `validate:"required"`
	FromBranchID string `validate:"required"`
	ToBranchID   string `validate:"required,nefield=FromBranchID"`
	Quantity     int    `validate:"gt=0"`
	Actor        string
	Notes        string
}

// TransferResult is the committed source half of a transfer.
type TransferResult struct {
	TransferID   string          `json:"transfer_id"`
	ProductID    string          `json:"product_id"`
	FromBranchID string          `json:"from_branch_id"`
	ToBranchID   string          `json:"to_branch_id"`
	Quantity     int             `json:"quantity"`
	Actor        string          `json:"actor"`
	Source       *MovementResult `json:"source"`
}

// TransferLine is one source batch arriving at the destination.
type TransferLine struct {
	BatchNumber       string
	Quantity          int
	ExpiryDate        time.Time
	ManufacturingDate *time.Time
	CostPrice         decimal.Decimal
	SellingPrice      decimal.Decimal
}

// TransferInbound is the destination half of a dispatched transfer.
type TransferInbound struct {
	TransferID   string
	ProductID    string
	FromBranchID string
	ToBranchID   string
	Actor        string
	Lines        []TransferLine
}

// InboundResult reports what ApplyInbound booked. Lines already booked by
// an earlier delivery are counted in Skipped.
type InboundResult struct {
	Receipts []ReceiptResult
	Skipped  int
}

// TransferBatchNumber is the batch number a transferred lot gets at the
// destination. It is stable so redelivered transfers are recognised.
func TransferBatchNumber(transferID, sourceBatchNumber string) string {
	return fmt.Sprintf("%s/TR-%s", sourceBatchNumber, transferID)
}

// TransferService runs the two halves of a branch transfer. The source half
// commits on its own and hands off to the destination through an event.
type TransferService struct {
	tx        TxRunner
	batches   BatchStore
	allocator *Allocator
	receiver  *Receiver
	events    EventPublisher
	logger    *logger.Logger
}

// NewTransferService creates a new transfer service
func NewTransferService(tx TxRunner, batches BatchStore, allocator *Allocator, receiver *Receiver, events EventPublisher, log *logger.Logger) *TransferService {
	return &TransferService{
		tx:        tx,
		batches:   batches,
		allocator: allocator,
		receiver:  receiver,
		events:    publisherOrNop(events),
		logger:    log.WithComponent("transfer"),
	}
}

// Dispatch draws the stock FEFO at the source branch.
func (s *TransferService) Dispatch(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}

	notes := req.Notes
	if notes == "" {
		notes = "transfer to " + req.ToBranchID
	}

	var source *MovementResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		source, err = s.allocator.allocate(ctx, AllocateRequest{
			ProductID:     req.ProductID,
			BranchID:      req.FromBranchID,
			Quantity:      req.Quantity,
			Movement:      domain.MovementTransferOut,
			ReferenceType: ReferenceTransfer,
			ReferenceID:   req.TransferID,
			Actor:         req.Actor,
			Notes:         notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &TransferResult{
		TransferID:   req.TransferID,
		ProductID:    req.ProductID,
		FromBranchID: req.FromBranchID,
		ToBranchID:   req.ToBranchID,
		Quantity:     source.Quantity,
		Actor:        source.Actor,
		Source:       source,
	}

	s.logger.Info().
		Str("transfer_id", req.TransferID).
		Str("product_id", req.ProductID).
		Str("from_branch_id", req.FromBranchID).
		Str("to_branch_id", req.ToBranchID).
		Int("quantity", res.Quantity).
		Msg("transfer dispatched")

	s.events.PublishStockAllocated(ctx, source)
	s.events.PublishTransferDispatched(ctx, res)
	return res, nil
}

// ApplyInbound books every line of a dispatched transfer at the destination
// in one unit of work. Lines whose batch already exists are skipped, which
// makes redelivery harmless.
func (s *TransferService) ApplyInbound(ctx context.Context, in TransferInbound) (*InboundResult, error) {
	if in.TransferID == "" || in.ProductID == "" || in.ToBranchID == "" {
		return nil, errors.BadRequest("transfer, product and destination branch are required")
	}
	if in.FromBranchID == in.ToBranchID {
		return nil, errors.BadRequest("source and destination branch must differ")
	}

	notes := "transfer from " + in.FromBranchID
	res := &InboundResult{}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		res.Receipts = res.Receipts[:0]
		res.Skipped = 0
		for _, line := range in.Lines {
			number := TransferBatchNumber(in.TransferID, line.BatchNumber)
			_, err := s.batches.GetByNumber(ctx, in.ProductID, in.ToBranchID, number)
			if err == nil {
				res.Skipped++
				continue
			}
			if !errors.Is(err, errors.ErrNotFound) {
				return err
			}

			receipt, err := s.receiver.receiveInTx(ctx, ReceiveRequest{
				ProductID:         in.ProductID,
				BranchID:          in.ToBranchID,
				BatchNumber:       number,
				Quantity:          line.Quantity,
				CostPrice:         line.CostPrice,
				SellingPrice:      line.SellingPrice,
				ManufacturingDate: line.ManufacturingDate,
				ExpiryDate:        line.ExpiryDate,
				ReferenceType:     ReferenceTransfer,
				ReferenceID:       in.TransferID,
				Actor:             actor.Resolve(ctx, in.Actor),
				Notes:             notes,
			}, domain.MovementTransferIn)
			if err != nil {
				return err
			}
			res.Receipts = append(res.Receipts, *receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("transfer_id", in.TransferID).
		Str("product_id", in.ProductID).
		Str("to_branch_id", in.ToBranchID).
		Int("received", len(res.Receipts)).
		Int("skipped", res.Skipped).
		Msg("transfer received")

	for i := range res.Receipts {
		s.events.PublishStockReceived(ctx, &res.Receipts[i])
	}
	return res, nil
}
