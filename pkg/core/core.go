// Package core defines the provider-neutral model surface used by the
// gateway: streaming chat sessions, function calling, and tool
// declarations. Concrete providers live under pkg/core/providers.
package core

import (
	"context"
	"strings"
)

// FunctionCall is a model-requested invocation of a named tool.
type FunctionCall struct {
	ID   string
	Name string
	// Args holds the structured arguments when the model emitted an
	// object. RawArgs holds the original text when the arguments arrived
	// as a JSON-encoded string instead.
	Args    map[string]any
	RawArgs string
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one unit of a message sent to the model.
type Part struct {
	Text             string
	FunctionResponse *FunctionResponse
	// ThoughtSignature is an opaque token carried from a model stream to
	// the function response when the model's reasoning spans a tool call.
	ThoughtSignature []byte
}

// Chunk is one unit of a streamed model response. ResponseID identifies
// the model response the chunk belongs to; replayed responses carry the
// same id, which is what side-effect deduplication keys on.
type Chunk struct {
	ResponseID       string
	Text             string
	FunctionCall     *FunctionCall
	ThoughtSignature []byte
}

// Stream yields chunks of a model response. Next returns io.EOF when the
// stream is exhausted.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Param describes one parameter of a tool declaration.
type Param struct {
	Type        string
	Description string
	Enum        []string
}

// Declaration is a tool signature surfaced to the model.
type Declaration struct {
	Name        string
	Description string
	Params      map[string]Param
	Required    []string
}

// ChatConfig configures a chat session.
type ChatConfig struct {
	Model        string
	SystemPrompt string
	Tools        []Declaration
}

// ChatSession is one ordered model conversation. Implementations keep the
// turn history; callers only append.
type ChatSession interface {
	SendMessageStream(ctx context.Context, parts []Part) (Stream, error)
}

// Provider creates chat sessions against one model backend.
type Provider interface {
	NewChat(ctx context.Context, cfg ChatConfig) (ChatSession, error)
}

// TextOf concatenates the text parts of a slice, used for logging and
// transcript persistence.
func TextOf(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
