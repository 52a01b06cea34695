package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/stock-ledger/internal/inventory/handler"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) map[string]string { return map[string]string{"status": "up"} }

func down(context.Context) map[string]string {
	return map[string]string{"status": "down", "error": "connection refused"}
}

func router(h *handler.HealthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(httputil.RequestID)
	r.Get("/health", h.Get)
	return r
}

func TestHealth_AllUp(t *testing.T) {
	h := handler.NewHealthHandler("inventory-service", logger.Nop()).
		Register("database", up).
		Register("rabbitmq", up)

	rr := testutil.ExecuteRequest(router(h), testutil.NewHTTPRequest(http.MethodGet, "/health", nil))

	testutil.AssertStatus(t, rr, http.StatusOK)
	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	testutil.ParseJSONBody(t, rr, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "healthy", resp.Data["status"])
	require.Contains(t, resp.Data, "database")
	assert.Equal(t, "up", resp.Data["database"].(map[string]interface{})["status"])
}

func TestHealth_DependencyDown(t *testing.T) {
	h := handler.NewHealthHandler("inventory-service", logger.Nop()).
		Register("database", up).
		Register("redis", down)

	rr := testutil.ExecuteRequest(router(h), testutil.NewHTTPRequest(http.MethodGet, "/health", nil))

	testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
	testutil.AssertBodyContains(t, rr, `"status":"degraded"`)
	testutil.AssertBodyContains(t, rr, "connection refused")
}
