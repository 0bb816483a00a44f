// Package tools maps tool names to handlers and classifies their
// results so the dialogue engine knows how to continue the turn after
// an execution.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/voxgate/voxgate/pkg/core"
)

// Behavior categorizes how the conversation continues after a tool runs.
type Behavior string

const (
	// BehaviorDataReturning feeds the payload back to the model so it
	// can narrate the data conversationally.
	BehaviorDataReturning Behavior = "data_returning"
	// BehaviorSilentComplete needs no spoken follow-up when the model
	// already produced preamble text.
	BehaviorSilentComplete Behavior = "silent_complete"
	// BehaviorSilentPartial defers the follow-up; an external event will
	// pick the conversation back up later.
	BehaviorSilentPartial Behavior = "silent_partial"
	// BehaviorConfirm produces a one-sentence confirmation. Default.
	BehaviorConfirm Behavior = "confirmation_needed"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ClientAction is a UI instruction carried on a tool result, emitted to
// the client verbatim by the session.
type ClientAction struct {
	Type    string
	URL     string
	Details any
}

// Result is a tool handler's outcome.
type Result struct {
	Status  Status
	Payload map[string]any
	// Pause arms the session's paused-for-external-action flag.
	Pause        bool
	ClientAction *ClientAction
}

// Call carries one model-requested invocation plus the identifiers the
// idempotency key is derived from.
type Call struct {
	ConversationID string
	BotID          string
	ResponseID     string
	CallID         string
	Name           string
	Args           map[string]any
}

type Handler func(ctx context.Context, call Call) (Result, error)

// Tool bundles a declaration surfaced to the model with its handler and
// classification.
type Tool struct {
	Declaration core.Declaration
	Behavior    Behavior
	// ActionType classifies the execution for client UI purposes; some
	// types suppress a redundant auto-message on the client.
	ActionType string
	Handler    Handler
}

type Registry struct {
	byName map[string]Tool
}

func NewRegistry(list ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(list))}
	for _, t := range list {
		if strings.TrimSpace(t.Declaration.Name) == "" {
			continue
		}
		r.byName[t.Declaration.Name] = t
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.byName[strings.TrimSpace(name)]
	return t, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the declarations for the named tools, skipping
// unknown names. An empty filter returns every registered tool.
func (r *Registry) Declarations(enabled []string) []core.Declaration {
	if r == nil {
		return nil
	}
	if len(enabled) == 0 {
		enabled = r.Names()
	}
	out := make([]core.Declaration, 0, len(enabled))
	for _, name := range enabled {
		if t, ok := r.byName[strings.TrimSpace(name)]; ok {
			out = append(out, t.Declaration)
		}
	}
	return out
}

// ParseArgs normalizes model-emitted arguments. Structured args win;
// otherwise raw is decoded as JSON. Malformed JSON degrades to empty
// arguments rather than failing the turn.
func ParseArgs(args map[string]any, raw string) map[string]any {
	if len(args) > 0 {
		return args
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}

// DedupeKey identifies a call within one turn by tool name and
// canonically serialized arguments.
func DedupeKey(name string, args map[string]any) string {
	// encoding/json sorts map keys, so equal argument sets serialize
	// identically.
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), raw...))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey identifies an external side effect across retries and
// restarts.
func (c Call) IdempotencyKey() string {
	return strings.Join([]string{c.ConversationID, c.BotID, c.ResponseID, c.CallID}, ":")
}
