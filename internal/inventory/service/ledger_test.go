package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/domain"
	"github.com/medflow/stock-ledger/internal/inventory/memstore"
	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendParams(m domain.MovementType, in, out int) service.AppendParams {
	return service.AppendParams{
		ProductID:     productA,
		BranchID:      branchA,
		Movement:      m,
		QuantityIn:    in,
		QuantityOut:   out,
		ReferenceType: "TEST",
		ReferenceID:   "REF-1",
	}
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params service.AppendParams
	}{
		{"both zero", appendParams(domain.MovementAdjustment, 0, 0)},
		{"both positive", appendParams(domain.MovementAdjustment, 2, 3)},
		{"negative", appendParams(domain.MovementAdjustment, -1, 0)},
		{"inbound movement with out", appendParams(domain.MovementGRNReceived, 0, 3)},
		{"outbound movement with in", appendParams(domain.MovementSale, 3, 0)},
		{"unknown movement", appendParams(domain.MovementType("GIFT"), 1, 0)},
		{"missing branch", service.AppendParams{ProductID: productA, Movement: domain.MovementGRNReceived, QuantityIn: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Append(ctx, tt.params)
			assert.True(t, errors.Is(err, errors.ErrBadRequest), "got %v", err)
		})
	}

	assert.Empty(t, f.history(t, productA, branchA))
}

func TestAppend_RunningBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		params  service.AppendParams
		balance int
	}{
		{appendParams(domain.MovementGRNReceived, 10, 0), 10},
		{appendParams(domain.MovementSale, 0, 4), 6},
		{appendParams(domain.MovementSaleReturn, 1, 0), 7},
		{appendParams(domain.MovementAdjustment, 0, 7), 0},
	}

	var lastSeq int64
	for _, step := range steps {
		entry, err := f.ledger.Append(ctx, step.params)
		require.NoError(t, err)
		assert.Equal(t, step.balance, entry.RunningBalance)
		assert.Greater(t, entry.Sequence, lastSeq)
		assert.NotEmpty(t, entry.ID)
		lastSeq = entry.Sequence
	}

	_, err := f.ledger.Append(ctx, appendParams(domain.MovementSale, 0, 1))
	assert.True(t, errors.Is(err, domain.ErrLedgerInconsistency))
	assert.Len(t, f.history(t, productA, branchA), 4)
}

func TestAppend_RecordsActor(t *testing.T) {
	f := newFixture(t)

	ctx := actor.WithActor(context.Background(), &actor.Actor{ID: "u-7", Name: "Nimal"})
	entry, err := f.ledger.Append(ctx, appendParams(domain.MovementGRNReceived, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, "Nimal <u-7>", entry.Actor)

	entry, err = f.ledger.Append(context.Background(), appendParams(domain.MovementGRNReceived, 5, 0))
	require.NoError(t, err)
	assert.Equal(t, actor.SystemID, entry.Actor)
}

func TestAppend_OccurredAtNeverGoesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.Append(ctx, appendParams(domain.MovementGRNReceived, 5, 0))
	require.NoError(t, err)

	f.advance(-time.Hour)
	second, err := f.ledger.Append(ctx, appendParams(domain.MovementSale, 0, 1))
	require.NoError(t, err)

	assert.False(t, second.OccurredAt.Before(first.OccurredAt))
	assert.Greater(t, second.Sequence, first.Sequence)
}

// skewedHeadStore reports a head balance that disagrees with the entries.
type skewedHeadStore struct {
	*memstore.Store
}

func (s skewedHeadStore) LockHead(ctx context.Context, key domain.StockKey) (*domain.LedgerHead, error) {
	h, err := s.Store.LockHead(ctx, key)
	if err != nil {
		return nil, err
	}
	h.Balance += 3
	return h, nil
}

func TestAppend_DetectsHeadMismatch(t *testing.T) {
	store := memstore.New()
	ledger := service.NewLedgerRecorder(store, skewedHeadStore{store}, 10, logger.Nop())

	_, err := ledger.Append(context.Background(), appendParams(domain.MovementGRNReceived, 5, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLedgerInconsistency))
	assert.Equal(t, "LEDGER_INCONSISTENCY", errors.CodeOf(err))

	head, err := store.Head(context.Background(), domain.StockKey{ProductID: productA, BranchID: branchA})
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestHistory_PagesAndRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.ledger.Append(ctx, appendParams(domain.MovementGRNReceived, i+1, 0))
		require.NoError(t, err)
	}

	it := f.ledger.History(domain.StockKey{ProductID: productA, BranchID: branchA}, time.Time{}, time.Time{})
	first, err := it.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, first, 5)
	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i].Sequence, first[i-1].Sequence)
		assert.Equal(t, first[i-1].RunningBalance+first[i].QuantityIn, first[i].RunningBalance)
	}

	assert.False(t, it.Next(ctx))
	it.Reset()
	again, err := it.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestHistory_TimeWindowAndBalanceAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.StockKey{ProductID: productA, BranchID: branchA}

	var times []time.Time
	for i := 0; i < 4; i++ {
		e, err := f.ledger.Append(ctx, appendParams(domain.MovementGRNReceived, 10, 0))
		require.NoError(t, err)
		times = append(times, e.OccurredAt)
		f.advance(time.Hour)
	}

	window, err := f.ledger.History(key, times[1], times[2]).Collect(ctx)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, 20, window[0].RunningBalance)
	assert.Equal(t, 30, window[1].RunningBalance)

	balance, err := f.ledger.RunningBalanceAt(ctx, key, times[0].Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, balance)

	balance, err = f.ledger.RunningBalanceAt(ctx, key, times[2].Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 30, balance)

	balance, err = f.ledger.RunningBalanceAt(ctx, key, times[3])
	require.NoError(t, err)
	assert.Equal(t, 40, balance)
}

func TestAppend_JoinsEnclosingUnitOfWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.StockKey{ProductID: productA, BranchID: branchA}

	boom := errors.Internal("boom")
	err := f.store.WithinTx(ctx, func(ctx context.Context) error {
		_, err := f.ledger.Append(ctx, appendParams(domain.MovementGRNReceived, 10, 0))
		require.NoError(t, err)
		return boom
	})
	assert.Equal(t, boom, err)

	balance, err := f.ledger.Balance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
	assert.Empty(t, f.history(t, productA, branchA))
}
