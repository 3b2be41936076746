package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/qualitrace/internal/location"
	"github.com/pitabwire/qualitrace/internal/session"
	"github.com/pitabwire/qualitrace/internal/workflow"
	"github.com/pitabwire/qualitrace/model"
)

type loginRequest struct {
	BatchID    string `json:"batch_id"`
	TesterID   string `json:"tester_id"`
	TesterName string `json:"tester_name"`
}

type loginResponse struct {
	SessionID string             `json:"session_id"`
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	View      model.WorkflowView `json:"view"`
}

type completeResponse struct {
	Result model.StepAdvanceResult `json:"result"`
	View   model.WorkflowView      `json:"view"`
}

func handleLogin(sessions *session.Manager, tokens *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body loginRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		id, view, err := sessions.Login(r.Context(), body.BatchID, body.TesterID, body.TesterName)
		if err != nil {
			writeFailure(w, r, err)
			return
		}

		token, expires, err := tokens.Issue(id, view.Session.TesterID, view.Session.BatchID)
		if err != nil {
			_ = sessions.Logout(id)
			writeFailure(w, r, err)
			return
		}

		WriteJSON(w, http.StatusCreated, loginResponse{
			SessionID: id,
			Token:     token,
			ExpiresAt: expires,
			View:      view,
		})
	}
}

func handleLogout(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if err := sessions.Logout(rctx.SessionID); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}

// handleSessionOp runs op against the caller's session and responds with the
// resulting view.
func handleSessionOp(sessions *session.Manager, status int, op func(r *http.Request, s *workflow.Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var view model.WorkflowView
		err := sessions.Do(r.Context(), rctx.SessionID, func(s *workflow.Session) error {
			if err := op(r, s); err != nil {
				return err
			}
			view = s.View()
			return nil
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, status, view)
	}
}

func handleGetSession(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(*http.Request, *workflow.Session) error {
		return nil
	})
}

func handleAddStep(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusCreated, func(_ *http.Request, s *workflow.Session) error {
		s.AddStep()
		return nil
	})
}

func handleUpdateStep(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(r *http.Request, s *workflow.Session) error {
		var body struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return err
		}
		return s.UpdateStep(chi.URLParam(r, "stepId"), body.Title, body.Description)
	})
}

func handleRemoveStep(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(r *http.Request, s *workflow.Session) error {
		return s.RemoveStep(chi.URLParam(r, "stepId"))
	})
}

func handleRecordResult(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(r *http.Request, s *workflow.Session) error {
		var body struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return err
		}
		return s.RecordResult(chi.URLParam(r, "stepId"), body.Name, body.Value)
	})
}

func handleRemoveResult(sessions *session.Manager) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(r *http.Request, s *workflow.Session) error {
		return s.RemoveResult(chi.URLParam(r, "stepId"), chi.URLParam(r, "name"))
	})
}

// handleCaptureLocation uses the configured provider, or the position the
// client device reported in the body when none is configured.
func handleCaptureLocation(sessions *session.Manager, provider location.Provider) http.HandlerFunc {
	return handleSessionOp(sessions, http.StatusOK, func(r *http.Request, s *workflow.Session) error {
		p := provider
		if p == nil {
			var reported location.Reported
			if err := decodeJSON(r, &reported); err != nil {
				return err
			}
			p = reported
		}
		_, err := s.CaptureLocation(r.Context(), p)
		return err
	})
}

func handleCompleteStep(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var resp completeResponse
		err := sessions.Do(r.Context(), rctx.SessionID, func(s *workflow.Session) error {
			result, err := s.CompleteCurrentStep(r.Context())
			if err != nil {
				return err
			}
			resp = completeResponse{Result: result, View: s.View()}
			return nil
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
