package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var fields map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &fields))
	return fields
}

func TestNewWithWriter_ScopedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "inventory-service").
		WithComponent("allocator").
		WithStockKey("p-1", "b-1").
		WithBatch("batch-9").
		WithRequestID("req-7")

	log.WithError(fmt.Errorf("lock timeout")).Warn().Msg("allocation retried")

	fields := lastLine(t, &buf)
	assert.Equal(t, "inventory-service", fields["service"])
	assert.Equal(t, "allocator", fields["component"])
	assert.Equal(t, "p-1", fields["product_id"])
	assert.Equal(t, "b-1", fields["branch_id"])
	assert.Equal(t, "batch-9", fields["batch_id"])
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, "lock timeout", fields["error"])
	assert.Equal(t, "warn", fields["level"])
	assert.Equal(t, "allocation retried", fields["message"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "inventory-service").SetLevel("warn")

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Equal(t, "shown", lastLine(t, &buf)["message"])

	unchanged := log.SetLevel("shouting")
	unchanged.Warn().Msg("still shown")
	assert.Equal(t, "still shown", lastLine(t, &buf)["message"])
}
