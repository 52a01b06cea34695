package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestLocal_TryRun(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	ran, err := l.TryRun(ctx, "scan", time.Minute, func(ctx context.Context) error {
		innerRan, innerErr := l.TryRun(ctx, "scan", time.Minute, func(context.Context) error {
			t.Fatal("nested run must not execute while the key is held")
			return nil
		})
		assert.False(t, innerRan)
		assert.NoError(t, innerErr)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// released afterwards
	ran, err = l.TryRun(ctx, "scan", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestLocal_TryRunPropagatesError(t *testing.T) {
	l := NewLocal()
	boom := errors.New("boom")

	ran, err := l.TryRun(context.Background(), "scan", time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ran, _ = l.TryRun(context.Background(), "scan", time.Minute, func(context.Context) error { return nil })
	assert.True(t, ran, "key must be released after a failing run")
}

func startRedis(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	r, err := NewRedis(ctx, config.RedisConfig{Addr: endpoint}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedis_HoldsKeyForTTLAfterSuccess(t *testing.T) {
	r := startRedis(t)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	ran, err := r.TryRun(ctx, "scan", 2*time.Second, noop)
	require.NoError(t, err)
	assert.True(t, ran)

	// a second replica in the same tick
	ran, err = r.TryRun(ctx, "scan", 2*time.Second, noop)
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Eventually(t, func() bool {
		ran, err := r.TryRun(ctx, "scan", 2*time.Second, noop)
		return err == nil && ran
	}, 5*time.Second, 100*time.Millisecond)
}

func TestRedis_ReleasesKeyAfterFailure(t *testing.T) {
	r := startRedis(t)
	ctx := context.Background()
	boom := errors.New("boom")

	ran, err := r.TryRun(ctx, "scan", time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	ran, err = r.TryRun(ctx, "scan", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
