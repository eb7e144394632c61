package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/hlameta/hlameta/internal/errors"
	"go.uber.org/zap"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler maps errors onto HTTP responses
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err with the status its code maps to
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	var le *errors.LookupError
	if stderrors.As(err, &le) {
		h.WriteErrorResponse(w, le.HTTPStatus(), ErrorResponse{
			ErrorCode: le.Code.String(),
			Message:   err.Error(),
			RequestID: requestID,
			Details:   le.Details,
		})
		return
	}

	status := http.StatusInternalServerError
	code := errors.ErrCodeInternal.String()
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "TIMEOUT"
	case stderrors.Is(err, context.Canceled):
		status = 499
		code = "CANCELLED"
	}

	h.WriteErrorResponse(w, status, ErrorResponse{
		ErrorCode: code,
		Message:   err.Error(),
		RequestID: requestID,
	})
}

// WriteErrorResponse writes a formatted error response
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	resp.Status = "error"

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response",
			zap.Int("status_code", statusCode),
			zap.String("error_code", resp.ErrorCode),
			zap.String("message", resp.Message),
			zap.String("request_id", resp.RequestID))
	} else {
		h.logger.Debug("HTTP error response",
			zap.Int("status_code", statusCode),
			zap.String("error_code", resp.ErrorCode),
			zap.String("request_id", resp.RequestID))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
