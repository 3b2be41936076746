package integration

import (
	"net/http"
	"strings"
	"testing"
)

func TestHarness_StartsAndServesHealth(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_Ready(t *testing.T) {
	h := NewTestHarness(t)

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
	if body.Status != "ready" {
		t.Errorf("status = %q, want ready", body.Status)
	}
}

func TestHarness_ListsConfiguredBatches(t *testing.T) {
	h := NewTestHarness(t, WithBatches("LOT-7", "LOT-9"))

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		TotalCount int `json:"total_count"`
	}
	h.AssertJSON(t, h.GET("/testing/batches", ""), http.StatusOK, &body)
	if body.TotalCount != 2 {
		t.Fatalf("total_count = %d, want 2", body.TotalCount)
	}
	if body.Data[0].ID != "LOT-7" || body.Data[1].ID != "LOT-9" {
		t.Errorf("batches = %+v", body.Data)
	}
}

func TestHarness_LoginReturnsUsableToken(t *testing.T) {
	h := NewTestHarness(t)

	login := h.Login("CB001", "T-100", "Amina")
	if login.SessionID == "" || login.Token == "" {
		t.Fatalf("login = %+v", login)
	}
	if login.View.Session.BatchID != "CB001" {
		t.Errorf("batch = %q", login.View.Session.BatchID)
	}

	h.AssertStatus(t, h.GET("/testing/session", login.Token), http.StatusOK)
}

func TestHarness_MetricsExposed(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/health", ""), http.StatusOK)

	body := string(h.ReadBody(h.GET("/metrics", "")))
	if !strings.Contains(body, "qualitrace_http_requests_total") {
		t.Error("metrics output missing qualitrace_http_requests_total")
	}
}
