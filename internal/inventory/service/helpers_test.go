package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/memstore"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	productA = "prod-paracetamol"
	productB = "prod-amoxicillin"
	branchA  = "branch-colombo"
	branchB  = "branch-kandy"
)

type recordingPublisher struct {
	mu         sync.Mutex
	allocated  []*service.MovementResult
	received   []*service.ReceiptResult
	returned   []*service.MovementResult
	dispatched []*service.TransferResult
	expired    []*domain.Batch
	alerts     []*domain.Alert
}

func (p *recordingPublisher) PublishStockAllocated(_ context.Context, res *service.MovementResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocated = append(p.allocated, res)
}

func (p *recordingPublisher) PublishStockReceived(_ context.Context, res *service.ReceiptResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, res)
}

func (p *recordingPublisher) PublishStockReturned(_ context.Context, res *service.MovementResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, res)
}

func (p *recordingPublisher) PublishTransferDispatched(_ context.Context, res *service.TransferResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatched = append(p.dispatched, res)
}

func (p *recordingPublisher) PublishBatchExpired(_ context.Context, b *domain.Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expired = append(p.expired, b)
}

func (p *recordingPublisher) PublishAlertGenerated(_ context.Context, a *domain.Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

type fixture struct {
	mu        sync.Mutex
	now       time.Time
	store     *memstore.Store
	ledger    *service.LedgerRecorder
	allocator *service.Allocator
	receiver  *service.Receiver
	transfers *service.TransferService
	events    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		events: &recordingPublisher{},
	}
	log := logger.Nop()

	f.store = memstore.New(memstore.WithClock(f.clock))
	// A small page size makes history reads cross page boundaries.
	f.ledger = service.NewLedgerRecorder(f.store, f.store, 2, log)
	f.ledger.SetClock(f.clock)
	f.allocator = service.NewAllocator(f.store, f.store, f.ledger, f.events, log)
	f.receiver = service.NewReceiver(f.store, f.store, f.ledger, f.events, log)
	f.transfers = service.NewTransferService(f.store, f.store, f.allocator, f.receiver, f.events, log)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) today() time.Time {
	return domain.DateOnly(f.clock())
}

// receive books a GRN batch expiring expiryDays from today.
func (f *fixture) receive(t *testing.T, product, branch, number string, qty, expiryDays int) *domain.Batch {
	t.Helper()

	res, err := f.receiver.ReceiveGRN(context.Background(), service.ReceiveRequest{
		ProductID:    product,
		BranchID:     branch,
		BatchNumber:  number,
		Quantity:     qty,
		CostPrice:    decimal.RequireFromString("2.50"),
		SellingPrice: decimal.RequireFromString("4.00"),
		ExpiryDate:   f.today().AddDate(0, 0, expiryDays),
		ReferenceID:  "GRN-" + number,
	})
	require.NoError(t, err)
	return res.Batch
}

func (f *fixture) batch(t *testing.T, id string) *domain.Batch {
	t.Helper()
	b, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) history(t *testing.T, product, branch string) []domain.LedgerEntry {
	t.Helper()
	entries, err := f.ledger.History(domain.StockKey{ProductID: product, BranchID: branch}, time.Time{}, time.Time{}).Collect(context.Background())
	require.NoError(t, err)
	return entries
}

func (f *fixture) totalAvailable(t *testing.T, product, branch string) int {
	t.Helper()
	n, err := f.store.TotalAvailable(context.Background(), product, branch)
	require.NoError(t, err)
	return n
}

// requireLedgerMatchesStock replays the ledger of key and checks it against
// the live batches. The ledger tracks stock on hand: an expired or
// deactivated batch keeps counting until it is written off, even though
// TotalAvailable no longer offers it.
func (f *fixture) requireLedgerMatchesStock(t *testing.T, product, branch string) {
	t.Helper()
	ctx := context.Background()

	key := domain.StockKey{ProductID: product, BranchID: branch}
	replayed, err := f.ledger.Verify(ctx, key)
	require.NoError(t, err)

	sum := 0
	for _, e := range f.history(t, product, branch) {
		sum += e.QuantityIn - e.QuantityOut
	}
	require.Equal(t, replayed, sum)

	onHand, err := f.store.OnHand(ctx, product, branch)
	require.NoError(t, err)
	require.Equal(t, onHand, replayed)

	batches, err := f.store.RecentBatches(ctx, product, branch)
	require.NoError(t, err)
	retired := 0
	for _, b := range batches {
		if !b.Allocatable() {
			retired += b.QuantityAvailable
		}
	}
	require.Equal(t, f.totalAvailable(t, product, branch)+retired, replayed)
}
