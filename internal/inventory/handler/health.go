package handler

import (
	"context"
	"net/http"

	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// HealthCheck reports the status of one dependency. A "status" of "up"
// means healthy.
type HealthCheck func(ctx context.Context) map[string]string

// HealthHandler serves the service health endpoint
type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	logger  *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service string, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		checks:  make(map[string]HealthCheck),
		logger:  log,
	}
}

// Register adds a named dependency check.
func (h *HealthHandler) Register(name string, check HealthCheck) *HealthHandler {
	h.checks[name] = check
	return h
}

// Get reports every registered dependency and answers 503 when any is down.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": h.service,
	}
	code := http.StatusOK

	for name, check := range h.checks {
		status := check(r.Context())
		body[name] = status
		if status["status"] != "up" {
			body["status"] = "degraded"
			code = http.StatusServiceUnavailable
			h.logger.Warn().
				Str("dependency", name).
				Str("error", status["error"]).
				Msg("health check failed")
		}
	}

	httputil.JSON(w, code, body)
}
