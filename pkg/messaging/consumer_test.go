package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/stock-ledger/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer() *Consumer {
	return &Consumer{
		queueName: "test.queue",
		handlers:  make(map[string]MessageHandler),
		logger:    logger.Nop(),
	}
}

func body(t *testing.T, eventType string) []byte {
	t.Helper()
	event, err := NewEvent(eventType, "test", "corr-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return b
}

func TestHandle_Outcomes(t *testing.T) {
	transient := errors.New("db unavailable")

	tests := []struct {
		name    string
		handler MessageHandler
		retries int
		want    Outcome
	}{
		{name: "success acks", handler: func(context.Context, *Event) error { return nil }, want: OutcomeAck},
		{name: "transient error requeues", handler: func(context.Context, *Event) error { return transient }, want: OutcomeRequeue},
		{name: "retries exhausted dead-letters", handler: func(context.Context, *Event) error { return transient }, retries: maxRetries, want: OutcomeDeadLetter},
		{name: "permanent error dead-letters", handler: func(context.Context, *Event) error { return Permanent(transient) }, want: OutcomeDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer()
			c.RegisterHandler(EventTransferDispatched, tt.handler)

			assert.Equal(t, tt.want, c.Handle(context.Background(), body(t, EventTransferDispatched), tt.retries))
		})
	}
}

func TestHandle_CorrelationIDReachesHandler(t *testing.T) {
	c := newTestConsumer()
	var got string
	c.RegisterHandler(EventStockAllocated, func(ctx context.Context, e *Event) error {
		got = CorrelationID(ctx)
		return nil
	})

	c.Handle(context.Background(), body(t, EventStockAllocated), 0)
	assert.Equal(t, "corr-1", got)
}

func TestHandle_UnknownTypeAcks(t *testing.T) {
	c := newTestConsumer()
	assert.Equal(t, OutcomeAck, c.Handle(context.Background(), body(t, "some.other.event"), 0))
}

func TestHandle_GarbageDeadLetters(t *testing.T) {
	c := newTestConsumer()
	assert.Equal(t, OutcomeDeadLetter, c.Handle(context.Background(), []byte("{not json"), 0))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	cause := errors.New("bad payload")
	err := Permanent(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "permanent: bad payload", err.Error())
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{
		"x-death": []interface{}{amqp.Table{"count": int64(2)}},
	}))
}
