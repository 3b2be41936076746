package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/qualitrace/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestWriteJSON_nilBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{model.NewBadRequestError("x"), http.StatusBadRequest},
		{model.NewUnauthorizedError("x"), http.StatusUnauthorized},
		{model.NewConflictError("x"), http.StatusConflict},
		{model.NewBatchNotEligibleError("CB404"), http.StatusForbidden},
		{model.NewEmptyInputError("name"), http.StatusUnprocessableEntity},
		{model.NewStepLockedError("step1"), http.StatusUnprocessableEntity},
		{model.NewLastStepError(), http.StatusUnprocessableEntity},
		{model.NewStepNotFoundError("step9"), http.StatusNotFound},
		{model.NewStepNotCurrentError("step2"), http.StatusUnprocessableEntity},
		{model.NewLocationRequiredError(), http.StatusUnprocessableEntity},
		{model.NewNoResultsError(), http.StatusUnprocessableEntity},
		{model.NewLocationUnavailableError("denied"), http.StatusUnprocessableEntity},
		{model.NewSessionNotFoundError("abc"), http.StatusUnauthorized},
		{fmt.Errorf("save: %w", model.NewConflictError("stale")), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)
		if w.Code != tt.status {
			t.Errorf("WriteError(%v) status = %d, want %d", tt.err, w.Code, tt.status)
		}
	}
}

func TestWriteError_envelopeBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewEmptyInputError("batch_id", "tester_name"))

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != model.ErrEmptyInput {
		t.Errorf("code = %q, want %q", resp.Error.Code, model.ErrEmptyInput)
	}
	if len(resp.Error.Details) != 2 {
		t.Errorf("details = %d, want 2", len(resp.Error.Details))
	}
}

func TestWriteError_internalHidesMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("pq: password authentication failed"))
	if strings.Contains(w.Body.String(), "password") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"name":"pH"}`, true},
		{"empty", ``, false},
		{"malformed", `{"name":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v struct {
				Name string `json:"name"`
			}
			err := decodeJSON(r, &v)
			if (err == nil) != tt.ok {
				t.Fatalf("decodeJSON err = %v, want ok=%v", err, tt.ok)
			}
			if !tt.ok && !model.IsCode(err, model.ErrBadRequest) {
				t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
			}
		})
	}
}
