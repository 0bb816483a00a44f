package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxgate/voxgate/pkg/gateway/conversations"
)

func postCorrection(h InjectCorrectionHandler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/inject-correction", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("x-supervisor-secret", secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCorrectionAuth(t *testing.T) {
	h := InjectCorrectionHandler{Secret: "sup_secret", Registry: conversations.NewRegistry()}

	if rec := postCorrection(h, "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret: status=%d, want 401", rec.Code)
	}
	if rec := postCorrection(h, "wrong", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status=%d, want 401", rec.Code)
	}
}

func TestCorrectionValidation(t *testing.T) {
	h := InjectCorrectionHandler{Secret: "sup_secret", Registry: conversations.NewRegistry()}

	if rec := postCorrection(h, "sup_secret", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status=%d, want 400", rec.Code)
	}
	if rec := postCorrection(h, "sup_secret", `{"conversationId":"c1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing message: status=%d, want 400", rec.Code)
	}
}

func TestCorrectionNotLive(t *testing.T) {
	h := InjectCorrectionHandler{Secret: "sup_secret", Registry: conversations.NewRegistry()}
	rec := postCorrection(h, "sup_secret", `{"conversationId":"c1","correctionMessage":"fix"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestCorrectionDelivered(t *testing.T) {
	reg := conversations.NewRegistry()
	var got string
	unregister := reg.Register("c1", conversations.Handle{
		ApplyCorrection: func(message string) error {
			got = message
			return nil
		},
	})
	defer unregister()

	h := InjectCorrectionHandler{Secret: "sup_secret", Registry: reg}
	rec := postCorrection(h, "sup_secret", `{"conversationId":"c1","correctionMessage":"the price is 20"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if got != "the price is 20" {
		t.Fatalf("delivered message=%q", got)
	}
}

func TestCorrectionHandlerError(t *testing.T) {
	reg := conversations.NewRegistry()
	unregister := reg.Register("c1", conversations.Handle{
		ApplyCorrection: func(string) error { return errors.New("session gone") },
	})
	defer unregister()

	h := InjectCorrectionHandler{Secret: "sup_secret", Registry: reg}
	rec := postCorrection(h, "sup_secret", `{"conversationId":"c1","correctionMessage":"fix"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestPing(t *testing.T) {
	rec := httptest.NewRecorder()
	PingHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Fatalf("status=%d body=%q, want 200 pong", rec.Code, rec.Body.String())
	}
}
