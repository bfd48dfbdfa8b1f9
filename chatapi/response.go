package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/martinemde/itinerary/agentloop"
)

const defaultMaxBodyBytes = 1 << 20

const (
	errorCodeIdentityMissing = "session_identity_missing"
	errorCodeInvalidRequest  = "invalid_request"
	errorCodeTooLarge        = "request_too_large"
	errorCodeNotFound        = "not_found"
	errorCodeRateLimited     = "rate_limited"
	errorCodeRecursionLimit  = "recursion_limit_exceeded"
	errorCodeStepTimeout     = "step_timeout"
	errorCodeModelFailed     = "model_invocation_failed"
	errorCodeNotReady        = "not_ready"
	errorCodeInternal        = "internal_error"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var errBodyTooLarge = errors.New("request body is too large")

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

// mapLoopError maps a Controller.Run failure onto a status and error code.
func mapLoopError(err error) (int, string) {
	var timeout *agentloop.StepTimeoutError
	var invocation *agentloop.ModelInvocationError
	switch {
	case errors.Is(err, agentloop.ErrSessionIdentityMissing):
		return http.StatusUnprocessableEntity, errorCodeIdentityMissing
	case errors.Is(err, agentloop.ErrRecursionLimitExceeded):
		return http.StatusLoopDetected, errorCodeRecursionLimit
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, errorCodeStepTimeout
	case errors.As(err, &invocation):
		return http.StatusBadGateway, errorCodeModelFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorCodeStepTimeout
	default:
		return http.StatusInternalServerError, errorCodeInternal
	}
}
