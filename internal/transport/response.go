// Package transport contains the HTTP router, middleware chain, and request
// handlers for the testing workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrBatchNotEligible:    http.StatusForbidden,
	model.ErrEmptyInput:          http.StatusUnprocessableEntity,
	model.ErrStepLocked:          http.StatusUnprocessableEntity,
	model.ErrLastStep:            http.StatusUnprocessableEntity,
	model.ErrStepNotFound:        http.StatusNotFound,
	model.ErrStepNotCurrent:      http.StatusUnprocessableEntity,
	model.ErrLocationRequired:    http.StatusUnprocessableEntity,
	model.ErrNoResults:           http.StatusUnprocessableEntity,
	model.ErrLocationUnavailable: http.StatusUnprocessableEntity,
	model.ErrSessionNotFound:     http.StatusUnauthorized,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error response with the matching HTTP
// status. Errors that do not wrap an *ErrorEnvelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeFailure logs infrastructure failures before writing the response.
// Workflow rejections are already logged by the engine.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if model.CodeOf(err) == model.ErrInternalError {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
