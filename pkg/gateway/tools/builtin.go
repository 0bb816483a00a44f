package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/core"
)

// Claimer guards an external side effect against duplicate execution.
// The key is checked and written transactionally before the external
// call is made.
type Claimer interface {
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
}

// NewScheduleAppointment opens the external scheduling widget on the
// client and pauses the session until the flow completes or is
// abandoned.
func NewScheduleAppointment(baseURL string) Tool {
	return Tool{
		Declaration: core.Declaration{
			Name:        "schedule_appointment",
			Description: "Open the appointment scheduling widget so the user can pick a slot. Use when the user wants to book, schedule, or arrange a meeting or appointment.",
			Params: map[string]core.Param{
				"reason": {Type: "string", Description: "Short reason for the appointment."},
			},
		},
		Behavior:   BehaviorSilentPartial,
		ActionType: "schedule_appointment",
		Handler: func(ctx context.Context, call Call) (Result, error) {
			widget := strings.TrimSpace(baseURL)
			if widget == "" {
				return Result{Status: StatusError, Payload: map[string]any{"error": "scheduling is not configured"}}, nil
			}
			u, err := url.Parse(widget)
			if err != nil {
				return Result{Status: StatusError, Payload: map[string]any{"error": "invalid scheduler url"}}, nil
			}
			q := u.Query()
			q.Set("conversationId", call.ConversationID)
			u.RawQuery = q.Encode()

			return Result{
				Status:  StatusSuccess,
				Payload: map[string]any{"status": "widget_opened"},
				Pause:   true,
				ClientAction: &ClientAction{
					Type: "schedule_appointment_action",
					URL:  u.String(),
				},
			}, nil
		},
	}
}

// NewNavigateTo asks the client UI to navigate to a named view. Purely
// client-visible, so no confirmation from the model is needed when it
// already spoke.
func NewNavigateTo() Tool {
	return Tool{
		Declaration: core.Declaration{
			Name:        "navigate_to",
			Description: "Navigate the user's interface to a named page or section.",
			Params: map[string]core.Param{
				"target": {Type: "string", Description: "Page or section identifier to show."},
			},
			Required: []string{"target"},
		},
		Behavior:   BehaviorSilentComplete,
		ActionType: "navigation",
		Handler: func(ctx context.Context, call Call) (Result, error) {
			target, _ := call.Args["target"].(string)
			if strings.TrimSpace(target) == "" {
				return Result{Status: StatusError, Payload: map[string]any{"error": "target is required"}}, nil
			}
			return Result{
				Status:  StatusSuccess,
				Payload: map[string]any{"navigatedTo": target},
			}, nil
		},
	}
}

// Searcher answers knowledge-base queries with snippet strings.
type Searcher func(query string) []string

// NewKnowledgeSearch returns search results to the model so it can
// narrate them conversationally.
func NewKnowledgeSearch(search Searcher) Tool {
	return Tool{
		Declaration: core.Declaration{
			Name:        "search_knowledge_base",
			Description: "Search the knowledge base for facts about products, opening hours, policies, and services.",
			Params: map[string]core.Param{
				"query": {Type: "string", Description: "What to look up."},
			},
			Required: []string{"query"},
		},
		Behavior:   BehaviorDataReturning,
		ActionType: "search",
		Handler: func(ctx context.Context, call Call) (Result, error) {
			query, _ := call.Args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return Result{Status: StatusError, Payload: map[string]any{"error": "query is required"}}, nil
			}
			var snippets []string
			if search != nil {
				snippets = search(query)
			}
			if len(snippets) == 0 {
				return Result{
					Status:  StatusSuccess,
					Payload: map[string]any{"results": []string{}, "note": "no matching entries"},
				}, nil
			}
			return Result{
				Status:  StatusSuccess,
				Payload: map[string]any{"results": snippets},
			}, nil
		},
	}
}

// NewDispatchOrder forwards an order instruction to an external
// fulfillment system. The external call is guarded by a transactional
// idempotency claim; a replayed call short-circuits with a duplicate
// marker and does not re-invoke the external system.
func NewDispatchOrder(endpoint string, client *http.Client, claims Claimer) Tool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return Tool{
		Declaration: core.Declaration{
			Name:        "dispatch_order",
			Description: "Dispatch an order or request to the back office, e.g. sending an email, forwarding a callback request, or placing a product order.",
			Params: map[string]core.Param{
				"order": {Type: "string", Description: "Plain-language description of what to execute."},
			},
			Required: []string{"order"},
		},
		Behavior:   BehaviorConfirm,
		ActionType: "order",
		Handler: func(ctx context.Context, call Call) (Result, error) {
			order, _ := call.Args["order"].(string)
			if strings.TrimSpace(order) == "" {
				return Result{Status: StatusError, Payload: map[string]any{"error": "order is required"}}, nil
			}

			if claims != nil {
				claimed, err := claims.ClaimIdempotencyKey(ctx, call.IdempotencyKey())
				if err != nil {
					// A failed guard write is non-blocking: proceed and
					// accept the small duplicate-risk window.
					claimed = true
				}
				if !claimed {
					return Result{
						Status:  StatusSuccess,
						Payload: map[string]any{"status": "duplicate_suppressed", "order": order},
					}, nil
				}
			}

			if strings.TrimSpace(endpoint) == "" {
				return Result{
					Status:  StatusSuccess,
					Payload: map[string]any{"status": "accepted", "order": order},
				}, nil
			}

			body, _ := json.Marshal(map[string]any{
				"conversationId": call.ConversationID,
				"botId":          call.BotID,
				"order":          order,
			})
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return Result{Status: StatusError, Payload: map[string]any{"error": "could not build order request"}}, nil
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return Result{Status: StatusError, Payload: map[string]any{"error": "order system unreachable"}}, nil
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return Result{Status: StatusError, Payload: map[string]any{"error": fmt.Sprintf("order system returned status %d", resp.StatusCode)}}, nil
			}
			return Result{
				Status:  StatusSuccess,
				Payload: map[string]any{"status": "dispatched", "order": order},
			}, nil
		},
	}
}

// ConfirmationFor returns a deterministic one-sentence confirmation for
// recognized order patterns. Detection is string matching on the order
// text, a best-effort UX nicety rather than a classifier.
func ConfirmationFor(call Call) (string, bool) {
	order, _ := call.Args["order"].(string)
	lowered := strings.ToLower(order)
	if strings.Contains(lowered, "email") || strings.Contains(lowered, "e-mail") {
		return "Done, I have sent the email for you.", true
	}
	return "", false
}
