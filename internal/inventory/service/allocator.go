package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AllocateRequest asks for Quantity units of a product at a branch to leave
// stock. BatchID pins the draw to one batch instead of FEFO.
type AllocateRequest struct {
	ProductID     string              `validate:"required"`
	BranchID      string              `validate:"required"`
	Quantity      int                 `validate:"gt=0"`
	Movement      domain.MovementType `validate:"required,movement"`
	ReferenceType string
	ReferenceID   string
	Actor         string
	BatchID       string
	Notes         string
}

// ReturnRequest puts sold stock back. BatchID names the batch the sale drew
// from when it is known.
type ReturnRequest struct {
	ProductID     string `validate:"required"`
	BranchID      string `validate:"required"`
	Quantity      int    `validate:"gt=0"`
	BatchID       string
	ReferenceType string
	ReferenceID   string
	Actor         string
	Notes         string
}

// AdjustRequest corrects stock by Delta units. Positive deltas need a batch.
type AdjustRequest struct {
	ProductID     string `validate:"required"`
	BranchID      string `validate:"required"`
	Delta         int    `validate:"ne=0"`
	BatchID       string
	ReferenceType string
	ReferenceID   string
	Actor         string
	Notes         string
}

// AllocationLine is the part of a movement that touched one batch.
type AllocationLine struct {
	BatchID           string          `json:"batch_id"`
	BatchNumber       string          `json:"batch_number"`
	Quantity          int             `json:"quantity"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	LineCost          decimal.Decimal `json:"line_cost"`
}

// MovementResult is the committed outcome of an outbound movement or a
// restore. Lines are in the order the batches were touched.
type MovementResult struct {
	ProductID     string               `json:"product_id"`
	BranchID      string               `json:"branch_id"`
	Movement      domain.MovementType  `json:"movement_type"`
	Requested     int                  `json:"requested"`
	Quantity      int                  `json:"quantity"`
	Lines         []AllocationLine     `json:"lines"`
	TotalCost     decimal.Decimal      `json:"total_cost"`
	Entries       []domain.LedgerEntry `json:"entries"`
	ReferenceType string               `json:"reference_type"`
	ReferenceID   string               `json:"reference_id"`
	Actor         string               `json:"actor"`
	// Restocked is the batch created for returned units no existing batch
	// could hold.
	Restocked *domain.Batch `json:"restocked_batch,omitempty"`
}

// Balance is the ledger balance after the movement.
func (r *MovementResult) Balance() int {
	if len(r.Entries) == 0 {
		return 0
	}
	return r.Entries[len(r.Entries)-1].RunningBalance
}

func (r *MovementResult) addLine(b *domain.Batch, qty int) {
	cost := b.CostPrice.Mul(decimal.NewFromInt(int64(qty)))
	r.Lines = append(r.Lines, AllocationLine{
		BatchID:           b.ID,
		BatchNumber:       b.BatchNumber,
		Quantity:          qty,
		ExpiryDate:        b.ExpiryDate,
		ManufacturingDate: b.ManufacturingDate,
		CostPrice:         b.CostPrice,
		SellingPrice:      b.SellingPrice,
		LineCost:          cost,
	})
	r.Quantity += qty
	r.TotalCost = r.TotalCost.Add(cost)
}

// Allocator draws stock from batches and records every draw on the ledger
// in the same unit of work.
type Allocator struct {
	tx      TxRunner
	batches BatchStore
	ledger  *LedgerRecorder
	restock *Receiver
	events  EventPublisher
	logger  *logger.Logger
}

// NewAllocator creates a new allocator
func NewAllocator(tx TxRunner, batches BatchStore, ledger *LedgerRecorder, events EventPublisher, log *logger.Logger) *Allocator {
	return &Allocator{
		tx:      tx,
		batches: batches,
		ledger:  ledger,
		restock: NewReceiver(tx, batches, ledger, events, log),
		events:  publisherOrNop(events),
		logger:  log.WithComponent("allocator"),
	}
}

// Allocate removes req.Quantity units as one unit of work. Either every
// unit is drawn and recorded or nothing changes.
func (a *Allocator) Allocate(ctx context.Context, req AllocateRequest) (res *MovementResult, err error) {
	key := domain.StockKey{ProductID: req.ProductID, BranchID: req.BranchID}
	ctx, span := startSpan(ctx, "allocator.allocate", key, movementAttr(req.Movement), attribute.Int("stock.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()

	err = a.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = a.allocate(ctx, req)
		return err
	})
	attrs := metric.WithAttributes(attribute.String("movement_type", string(req.Movement)))
	if err != nil {
		meters().allocationFailures.Add(ctx, 1, attrs)
		return nil, err
	}
	meters().allocations.Add(ctx, 1, attrs)
	meters().allocatedUnits.Add(ctx, int64(res.Quantity), attrs)

	a.events.PublishStockAllocated(ctx, res)
	return res, nil
}

// allocate joins the unit of work in ctx and does not publish.
func (a *Allocator) allocate(ctx context.Context, req AllocateRequest) (*MovementResult, error) {
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}
	if req.Movement.Direction() == domain.Inbound {
		return nil, errors.BadRequest(fmt.Sprintf("%s adds stock and cannot be allocated", req.Movement))
	}
	if req.Movement.IsWriteOff() && req.BatchID == "" {
		return nil, errors.BadRequest(fmt.Sprintf("%s must name the batch to write off", req.Movement))
	}

	key := domain.StockKey{ProductID: req.ProductID, BranchID: req.BranchID}
	log := a.logger.WithStockKey(key.ProductID, key.BranchID)
	res := &MovementResult{
		ProductID:     req.ProductID,
		BranchID:      req.BranchID,
		Movement:      req.Movement,
		Requested:     req.Quantity,
		TotalCost:     decimal.Zero,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Actor:         actor.Resolve(ctx, req.Actor),
	}

	if req.BatchID != "" {
		if err := a.drawFromBatch(ctx, key, req, res); err != nil {
			return nil, err
		}
	} else {
		if err := a.drawFEFO(ctx, key, req, res, log); err != nil {
			return nil, err
		}
	}

	for _, line := range res.Lines {
		batchID := line.BatchID
		entry, err := a.ledger.Append(ctx, AppendParams{
			ProductID:     req.ProductID,
			BranchID:      req.BranchID,
			BatchID:       &batchID,
			Movement:      req.Movement,
			QuantityOut:   line.Quantity,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			Actor:         res.Actor,
			Notes:         req.Notes,
		})
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, *entry)
	}

	log.Debug().
		Str("movement_type", string(req.Movement)).
		Int("quantity", res.Quantity).
		Int("batches", len(res.Lines)).
		Msg("stock allocated")

	return res, nil
}

func (a *Allocator) drawFromBatch(ctx context.Context, key domain.StockKey, req AllocateRequest, res *MovementResult) error {
	b, err := a.batches.Get(ctx, req.BatchID)
	if err != nil {
		return err
	}
	if b.Key() != key {
		return errors.BadRequest(fmt.Sprintf("batch %s does not hold product %s at branch %s", b.ID, key.ProductID, key.BranchID))
	}

	var updated *domain.Batch
	if req.Movement.IsWriteOff() {
		updated, err = a.batches.WriteOff(ctx, b.ID, req.Quantity, req.Movement)
	} else {
		updated, err = a.batches.Reserve(ctx, b.ID, req.Quantity, req.Movement)
	}
	if err != nil {
		return err
	}

	res.addLine(updated, req.Quantity)
	return nil
}

// drawFEFO walks candidates in expiry order. A batch that lost a race is
// re-read once and drawn for whatever it still holds.
func (a *Allocator) drawFEFO(ctx context.Context, key domain.StockKey, req AllocateRequest, res *MovementResult, log *logger.Logger) error {
	if !req.Movement.UsesFEFO() {
		return errors.BadRequest(fmt.Sprintf("%s must name a batch", req.Movement))
	}

	candidates, err := a.batches.AvailableBatches(ctx, key.ProductID, key.BranchID)
	if err != nil {
		return err
	}

	remaining := req.Quantity
	for _, c := range candidates {
		if remaining == 0 {
			break
		}

		take := min(remaining, c.QuantityAvailable)
		updated, err := a.batches.Reserve(ctx, c.ID, take, req.Movement)
		if err != nil {
			if !errors.Is(err, domain.ErrInsufficientStock) {
				return err
			}
			if errors.Is(err, domain.ErrBatchIneligible) {
				log.WithBatch(c.ID).Debug().Msg("skipping ineligible batch")
				continue
			}

			fresh, gerr := a.batches.Get(ctx, c.ID)
			if gerr != nil {
				return gerr
			}
			if !fresh.Allocatable() || fresh.QuantityAvailable == 0 {
				log.WithBatch(c.ID).Debug().Msg("batch drained by a concurrent allocation")
				continue
			}
			log.WithBatch(c.ID).Debug().
				Int("wanted", take).
				Int("available", fresh.QuantityAvailable).
				Msg("retrying batch after concurrent allocation")
			take = min(remaining, fresh.QuantityAvailable)
			updated, err = a.batches.Reserve(ctx, c.ID, take, req.Movement)
			if err != nil {
				if errors.Is(err, domain.ErrInsufficientStock) {
					continue
				}
				return err
			}
		}

		res.addLine(updated, take)
		remaining -= take
	}

	if remaining > 0 {
		return domain.InsufficientStock(key, req.Quantity, req.Quantity-remaining)
	}
	return nil
}

// Return puts sold stock back. The named batch is refilled first, then
// every unexpired batch with headroom, most recent receipt first. Units no
// batch can hold are booked as a restock batch mirroring the newest batch,
// so the whole quantity lands in one unit of work or nothing changes.
func (a *Allocator) Return(ctx context.Context, req ReturnRequest) (res *MovementResult, err error) {
	key := domain.StockKey{ProductID: req.ProductID, BranchID: req.BranchID}
	ctx, span := startSpan(ctx, "allocator.return", key, attribute.Int("stock.quantity", req.Quantity))
	defer func() { endSpan(span, err) }()

	if err := httputil.Validate(req); err != nil {
		return nil, err
	}

	err = a.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = a.returnInTx(ctx, key, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Restocked != nil {
		a.logger.WithBatch(res.Restocked.ID).Info().
			Str("batch_number", res.Restocked.BatchNumber).
			Int("quantity", res.Restocked.QuantityReceived).
			Int("requested", res.Requested).
			Msg("sale return booked as restock batch")
	}

	a.events.PublishStockReturned(ctx, res)
	return res, nil
}

func (a *Allocator) returnInTx(ctx context.Context, key domain.StockKey, req ReturnRequest) (*MovementResult, error) {
	targets, template, err := a.returnTargets(ctx, key, req.BatchID)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return nil, domain.NoRestockTarget(key, req.Quantity)
	}

	res := &MovementResult{
		ProductID:     key.ProductID,
		BranchID:      key.BranchID,
		Movement:      domain.MovementSaleReturn,
		Requested:     req.Quantity,
		TotalCost:     decimal.Zero,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Actor:         actor.Resolve(ctx, req.Actor),
	}

	// Shares are planned in priority order but batches are locked in FEFO
	// order like allocations, and always before the ledger head.
	plan := make(map[string]int, len(targets))
	planned := 0
	for _, b := range targets {
		if planned == req.Quantity {
			break
		}
		share := min(req.Quantity-planned, b.Headroom())
		if share <= 0 {
			continue
		}
		plan[b.ID] = share
		planned += share
	}
	sortFEFO(targets)

	remaining := req.Quantity
	for _, b := range targets {
		share := plan[b.ID]
		if share == 0 {
			continue
		}
		n, updated, err := a.batches.Restore(ctx, b.ID, share, domain.MovementSaleReturn)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		res.addLine(updated, n)
		remaining -= n
	}

	for _, line := range res.Lines {
		batchID := line.BatchID
		entry, err := a.ledger.Append(ctx, AppendParams{
			ProductID:     key.ProductID,
			BranchID:      key.BranchID,
			BatchID:       &batchID,
			Movement:      domain.MovementSaleReturn,
			QuantityIn:    line.Quantity,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			Actor:         res.Actor,
			Notes:         req.Notes,
		})
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, *entry)
	}

	if remaining > 0 {
		number, err := a.restockBatchNumber(ctx, template, req.ReferenceID)
		if err != nil {
			return nil, err
		}
		receipt, err := a.restock.receiveInTx(ctx, ReceiveRequest{
			ProductID:         key.ProductID,
			BranchID:          key.BranchID,
			BatchNumber:       number,
			Quantity:          remaining,
			CostPrice:         template.CostPrice,
			SellingPrice:      template.SellingPrice,
			ManufacturingDate: template.ManufacturingDate,
			ExpiryDate:        template.ExpiryDate,
			ReferenceType:     req.ReferenceType,
			ReferenceID:       req.ReferenceID,
			Actor:             res.Actor,
			Notes:             req.Notes,
		}, domain.MovementSaleReturn)
		if err != nil {
			return nil, err
		}
		res.addLine(receipt.Batch, remaining)
		res.Entries = append(res.Entries, *receipt.Entry)
		res.Restocked = receipt.Batch
	}

	return res, nil
}

// returnTargets lists the batches a return may refill, in order, and the
// batch a restock batch would mirror. The template is nil only when the
// product has never been stocked at the branch.
func (a *Allocator) returnTargets(ctx context.Context, key domain.StockKey, batchID string) ([]domain.Batch, *domain.Batch, error) {
	var targets []domain.Batch
	var template *domain.Batch

	if batchID != "" {
		named, err := a.batches.Get(ctx, batchID)
		if err != nil {
			return nil, nil, err
		}
		if named.Key() != key {
			return nil, nil, errors.BadRequest(fmt.Sprintf("batch %s does not hold product %s at branch %s", named.ID, key.ProductID, key.BranchID))
		}
		targets = append(targets, *named)
		template = named
	}

	recent, err := a.batches.RecentBatches(ctx, key.ProductID, key.BranchID)
	if err != nil {
		return nil, nil, err
	}
	for i := range recent {
		b := &recent[i]
		if !b.Allocatable() {
			continue
		}
		if template == nil {
			template = b
		}
		if b.ID != batchID && b.Headroom() > 0 {
			targets = append(targets, *b)
		}
	}
	if template == nil && len(recent) > 0 {
		template = &recent[0]
	}
	return targets, template, nil
}

// restockBatchNumber derives a batch number for returned units from the
// batch they mirror, falling back to a random suffix when the reference is
// empty or already used.
func (a *Allocator) restockBatchNumber(ctx context.Context, template *domain.Batch, referenceID string) (string, error) {
	if referenceID != "" {
		number := RestockBatchNumber(template.BatchNumber, referenceID)
		_, err := a.batches.GetByNumber(ctx, template.ProductID, template.BranchID, number)
		if errors.Is(err, errors.ErrNotFound) {
			return number, nil
		}
		if err != nil {
			return "", err
		}
		referenceID += "-"
	}
	return RestockBatchNumber(template.BatchNumber, referenceID+uuid.NewString()[:8]), nil
}

func sortFEFO(batches []domain.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].ExpiryDate.Equal(batches[j].ExpiryDate) {
			return batches[i].ExpiryDate.Before(batches[j].ExpiryDate)
		}
		return batches[i].ID < batches[j].ID
	})
}

// RestockBatchNumber is the batch number returned units are booked under
// when no existing batch can take them.
func RestockBatchNumber(sourceBatch, referenceID string) string {
	return sourceBatch + "/RET-" + referenceID
}

// Adjust applies a manual correction. Negative deltas draw through the
// allocator; positive deltas restore the named batch in full or fail.
func (a *Allocator) Adjust(ctx context.Context, req AdjustRequest) (*MovementResult, error) {
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}

	if req.Delta < 0 {
		return a.Allocate(ctx, AllocateRequest{
			ProductID:     req.ProductID,
			BranchID:      req.BranchID,
			Quantity:      -req.Delta,
			Movement:      domain.MovementAdjustment,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			Actor:         req.Actor,
			BatchID:       req.BatchID,
			Notes:         req.Notes,
		})
	}

	if req.BatchID == "" {
		return nil, errors.Validation(map[string]string{"BatchID": "positive adjustments must name a batch"})
	}

	key := domain.StockKey{ProductID: req.ProductID, BranchID: req.BranchID}
	var res *MovementResult
	err := a.tx.WithinTx(ctx, func(ctx context.Context) error {
		b, err := a.batches.Get(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if b.Key() != key {
			return errors.BadRequest(fmt.Sprintf("batch %s does not hold product %s at branch %s", b.ID, key.ProductID, key.BranchID))
		}

		res, err = a.restore(ctx, key, b.ID, req.Delta, domain.MovementAdjustment, req.ReferenceType, req.ReferenceID, req.Actor, req.Notes)
		if err != nil {
			return err
		}
		if res.Quantity != req.Delta {
			return errors.Validation(map[string]string{
				"Delta": fmt.Sprintf("batch %s can take at most %d more units", b.ID, res.Quantity),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.events.PublishStockReturned(ctx, res)
	return res, nil
}

// restore puts qty back into one batch and records what was restored.
func (a *Allocator) restore(ctx context.Context, key domain.StockKey, batchID string, qty int, m domain.MovementType, refType, refID, who, notes string) (*MovementResult, error) {
	n, updated, err := a.batches.Restore(ctx, batchID, qty, m)
	if err != nil {
		return nil, err
	}

	res := &MovementResult{
		ProductID:     key.ProductID,
		BranchID:      key.BranchID,
		Movement:      m,
		Requested:     qty,
		TotalCost:     decimal.Zero,
		ReferenceType: refType,
		ReferenceID:   refID,
		Actor:         actor.Resolve(ctx, who),
	}
	if n == 0 {
		return res, nil
	}
	res.addLine(updated, n)

	entry, err := a.ledger.Append(ctx, AppendParams{
		ProductID:     key.ProductID,
		BranchID:      key.BranchID,
		BatchID:       &updated.ID,
		Movement:      m,
		QuantityIn:    n,
		ReferenceType: refType,
		ReferenceID:   refID,
		Actor:         res.Actor,
		Notes:         notes,
	})
	if err != nil {
		return nil, err
	}
	res.Entries = append(res.Entries, *entry)
	return res, nil
}
