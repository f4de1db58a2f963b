package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/taskrelay/taskrelay/internal/domain"
)

const maxBodyBytes = 1 << 20

// APIError is a structured error response.
type APIError struct {
	Code    int              `json:"code"`
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindCancelled:
		return http.StatusConflict
	case domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// toAPIError converts err to its wire form. Errors that are not engine
// errors, or are internal, are logged and replaced by a generic message.
func toAPIError(logger *slog.Logger, err error) (int, APIError) {
	engErr, ok := domain.AsEngineError(err)
	if !ok || engErr.Kind == domain.KindInternal {
		logger.Error("internal error", "err", err)
		return http.StatusInternalServerError, APIError{Code: -32603, Kind: domain.KindInternal, Message: "internal error"}
	}
	return statusFor(engErr.Kind), APIError{Code: engErr.Code, Kind: engErr.Kind, Message: engErr.Message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, apiErr := toAPIError(h.logger(), err)
	writeJSON(w, status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes a request body into v. An empty body leaves v
// untouched when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Errorf(domain.ErrInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}
