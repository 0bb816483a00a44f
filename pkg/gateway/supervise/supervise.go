// Package supervise reports conversation turns to an external reviewer.
// Delivery is fire-and-forget: failures are logged and counted, never
// retried, never surfaced to the user.
package supervise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/store"
)

// TurnReport is the structured record posted after each supervised turn.
// Closed marks the final report sent when the conversation ends; it
// carries the whole transcript and no turn detail.
type TurnReport struct {
	ConversationID string       `json:"conversationId"`
	BotID          string       `json:"botId"`
	Transcript     []store.Turn `json:"transcript"`
	Turn           TurnDetail   `json:"turn"`
	Closed         bool         `json:"closed,omitempty"`
}

// TurnDetail describes the turn being reported: either assistant text or
// a tool call with its result.
type TurnDetail struct {
	Text       string `json:"text,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	ToolArgs   any    `json:"toolArgs,omitempty"`
	ToolResult any    `json:"toolResult,omitempty"`
	ToolError  bool   `json:"toolError,omitempty"`
}

type Reporter struct {
	DefaultURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
	OnFailure  func() // metrics hook, optional
}

// ReportAsync posts the report in the background. url overrides the
// default endpoint when non-empty; when both are empty the report is
// silently skipped.
func (r *Reporter) ReportAsync(report TurnReport, url string) {
	if r == nil {
		return
	}
	target := strings.TrimSpace(url)
	if target == "" {
		target = strings.TrimSpace(r.DefaultURL)
	}
	if target == "" {
		return
	}

	go func() {
		if err := r.post(target, report); err != nil {
			if r.Logger != nil {
				r.Logger.Warn("supervision report failed",
					"conversation_id", report.ConversationID,
					"error", err,
				)
			}
			if r.OnFailure != nil {
				r.OnFailure()
			}
		}
	}()
}

func (r *Reporter) post(url string, report TurnReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("report endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
