package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/medflow/stock-ledger/pkg/errors"
)

// Response is a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody represents an error in the response
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(Response{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	})
}

// Error sends an error response. Errors that are not AppErrors are hidden
// behind a generic 500.
func Error(w http.ResponseWriter, err error) {
	body := &ErrorBody{
		Code:    "INTERNAL_ERROR",
		Message: "an unexpected error occurred",
	}
	status := http.StatusInternalServerError

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		body = &ErrorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}
		status = appErr.StatusCode
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: body})
}
