package supervise

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestReporter_PostsReport(t *testing.T) {
	received := make(chan TurnReport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var report TurnReport
		if err := json.Unmarshal(body, &report); err != nil {
			t.Errorf("bad report body: %v", err)
		}
		received <- report
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rep := &Reporter{DefaultURL: srv.URL, Timeout: 2 * time.Second}
	rep.ReportAsync(TurnReport{
		ConversationID: "c1",
		BotID:          "b1",
		Turn:           TurnDetail{Text: "hello"},
	}, "")

	select {
	case report := <-received:
		if report.ConversationID != "c1" || report.Turn.Text != "hello" {
			t.Fatalf("report=%+v", report)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("report never delivered")
	}
}

func TestReporter_OverrideURLWins(t *testing.T) {
	var defaultHits, overrideHits atomic.Int64
	defSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defaultHits.Add(1)
	}))
	defer defSrv.Close()
	done := make(chan struct{}, 1)
	ovrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overrideHits.Add(1)
		done <- struct{}{}
	}))
	defer ovrSrv.Close()

	rep := &Reporter{DefaultURL: defSrv.URL, Timeout: 2 * time.Second}
	rep.ReportAsync(TurnReport{ConversationID: "c1"}, ovrSrv.URL)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("override endpoint never hit")
	}
	if defaultHits.Load() != 0 {
		t.Fatalf("default endpoint hit %d times, want 0", defaultHits.Load())
	}
	if overrideHits.Load() != 1 {
		t.Fatalf("override hits=%d, want 1", overrideHits.Load())
	}
}

func TestReporter_FailureInvokesHookOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	failed := make(chan struct{}, 1)
	rep := &Reporter{
		DefaultURL: srv.URL,
		Timeout:    2 * time.Second,
		OnFailure:  func() { failed <- struct{}{} },
	}
	rep.ReportAsync(TurnReport{ConversationID: "c1"}, "")

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatalf("failure hook never invoked")
	}
}

func TestReporter_NoURLSkips(t *testing.T) {
	rep := &Reporter{}
	// Must not panic or block.
	rep.ReportAsync(TurnReport{ConversationID: "c1"}, "")
}
