package messaging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startBroker(t *testing.T) *config.RabbitMQConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return &config.RabbitMQConfig{
		URL:            fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		ReconnectDelay: 200 * time.Millisecond,
		MaxRetries:     5,
		PrefetchCount:  10,
	}
}

func TestConsumer_ResumesAfterChannelLoss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}

	cfg := startBroker(t)
	rmq, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer rmq.Close()

	consumer, err := NewConsumer(rmq, "inventory.test.transfers", logger.Nop())
	require.NoError(t, err)
	require.NoError(t, consumer.Subscribe(ExchangeInventoryEvents, EventTransferDispatched))

	received := make(chan string, 4)
	consumer.RegisterHandler(EventTransferDispatched, func(ctx context.Context, event *Event) error {
		received <- event.ID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, consumer.Start(ctx))

	publisher, err := NewPublisher(rmq, ExchangeInventoryEvents, "test", logger.Nop())
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, EventTransferDispatched, map[string]string{"n": "1"}))
	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("first event not delivered")
	}

	// Drop the channel underneath the consumer.
	require.NoError(t, rmq.Channel().Close())

	assert.Eventually(t, func() bool {
		return rmq.Health()["status"] == "up"
	}, 10*time.Second, 100*time.Millisecond)

	assert.Eventually(t, func() bool {
		if err := publisher.Publish(ctx, EventTransferDispatched, map[string]string{"n": "2"}); err != nil {
			return false
		}
		select {
		case <-received:
			return true
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 15*time.Second, 200*time.Millisecond)
}

func TestReconnect_FailsAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}

	rmq, err := New(startBroker(t), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, rmq.Close())

	assert.Error(t, rmq.Reconnect(context.Background()))
}
