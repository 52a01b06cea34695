package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/inventory/service"
	"github.com/medflow/stock-ledger/pkg/lock"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	runs  atomic.Int32
	ran   chan struct{}
	block chan struct{}
}

func newCountingSweeper() *countingSweeper {
	return &countingSweeper{ran: make(chan struct{}, 16)}
}

func (s *countingSweeper) ScanAll(ctx context.Context) (*service.ScanReport, error) {
	s.runs.Add(1)
	select {
	case s.ran <- struct{}{}:
	default:
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return &service.ScanReport{Raised: map[string]int{}}, nil
}

func TestAlertScheduler_RunsInitialSweepAndStops(t *testing.T) {
	sweeper := newCountingSweeper()
	scheduler := service.NewAlertScheduler(sweeper, lock.NewLocal(), "scan", time.Minute, time.Hour, logger.Nop())

	scheduler.Start(context.Background())
	select {
	case <-sweeper.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}

	scheduler.Stop()
	scheduler.Stop()
	assert.Equal(t, int32(1), sweeper.runs.Load())
}

func TestAlertScheduler_TicksOnInterval(t *testing.T) {
	sweeper := newCountingSweeper()
	scheduler := service.NewAlertScheduler(sweeper, nil, "scan", time.Minute, 10*time.Millisecond, logger.Nop())

	scheduler.Start(context.Background())
	defer scheduler.Stop()

	for i := 0; i < 3; i++ {
		select {
		case <-sweeper.ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("sweep %d did not run", i+1)
		}
	}
}

func TestAlertScheduler_SkipsWhenLockHeld(t *testing.T) {
	locker := lock.NewLocal()
	holder := newCountingSweeper()
	holder.block = make(chan struct{})
	first := service.NewAlertScheduler(holder, locker, "scan", time.Minute, time.Hour, logger.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		ran, err := first.RunOnce(context.Background())
		assert.NoError(t, err)
		assert.True(t, ran)
	}()
	<-holder.ran

	other := newCountingSweeper()
	second := service.NewAlertScheduler(other, locker, "scan", time.Minute, time.Hour, logger.Nop())
	ran, err := second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(0), other.runs.Load())

	close(holder.block)
	<-done

	ran, err = second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}
