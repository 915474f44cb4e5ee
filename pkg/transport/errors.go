package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhuss/weiche/pkg/api"
)

// ErrorResponse is the OpenAI-style JSON error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message and a machine-readable type.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// StatusFromError maps a routing error onto an HTTP status code and
// error type string. Exhaustion of every deployment is 503; a request
// the backends rejected as malformed stays 400; capacity denials are
// 429; upstream failures are 502.
func StatusFromError(err error) (int, string) {
	var ex *api.ExhaustedError
	if errors.As(err, &ex) {
		return http.StatusServiceUnavailable, "exhausted_error"
	}

	switch api.ClassOf(err) {
	case api.ClassRequestTerminal:
		return http.StatusBadRequest, "invalid_request_error"
	case api.ClassCapacity:
		return http.StatusTooManyRequests, "rate_limit_error"
	case api.ClassTransient, api.ClassDeploymentTerminal:
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteRouteError writes a routing error as a JSON error response,
// deriving the HTTP status from the error's class.
func WriteRouteError(w http.ResponseWriter, err error) {
	status, errType := StatusFromError(err)
	WriteError(w, status, errType, err.Error())
}

// WriteError writes a JSON error response. It sets the Content-Type
// header and writes the HTTP status code.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}})
}
