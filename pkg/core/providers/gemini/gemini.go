// Package gemini implements the core.Provider interface over the Google
// Gen AI SDK. Chat history is owned by the SDK's chat session; the
// gateway only appends parts and consumes the stream.
package gemini

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"

	"github.com/voxgate/voxgate/pkg/core"
)

const defaultModel = "gemini-2.5-flash"

type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Gemini provider. An empty model falls back to the
// package default.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) NewChat(ctx context.Context, cfg core.ChatConfig) (core.ChatSession, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = p.model
	}

	genCfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemPrompt}},
		}
	}
	if len(cfg.Tools) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: toFunctionDeclarations(cfg.Tools)}}
	}

	chat, err := p.client.Chats.Create(ctx, model, genCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}
	return &chatSession{chat: chat}, nil
}

type chatSession struct {
	chat *genai.Chat
}

func (s *chatSession) SendMessageStream(ctx context.Context, parts []core.Part) (core.Stream, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one part is required")
	}

	genParts := make([]genai.Part, 0, len(parts))
	for _, p := range parts {
		gp := genai.Part{Text: p.Text}
		if p.FunctionResponse != nil {
			gp = genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       p.FunctionResponse.ID,
				Name:     p.FunctionResponse.Name,
				Response: p.FunctionResponse.Response,
			}}
		}
		if len(p.ThoughtSignature) > 0 {
			gp.ThoughtSignature = p.ThoughtSignature
		}
		genParts = append(genParts, gp)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := &stream{
		chunks: make(chan chunkOrErr, 16),
		cancel: cancel,
	}
	go func() {
		defer close(st.chunks)
		for resp, err := range s.chat.SendMessageStream(streamCtx, genParts...) {
			if err != nil {
				st.deliver(streamCtx, chunkOrErr{err: err})
				return
			}
			for _, chunk := range chunksOf(resp) {
				if !st.deliver(streamCtx, chunkOrErr{chunk: chunk}) {
					return
				}
			}
		}
	}()
	return st, nil
}

type chunkOrErr struct {
	chunk core.Chunk
	err   error
}

type stream struct {
	chunks chan chunkOrErr
	cancel context.CancelFunc
}

func (s *stream) deliver(ctx context.Context, c chunkOrErr) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) Next() (core.Chunk, error) {
	c, ok := <-s.chunks
	if !ok {
		return core.Chunk{}, io.EOF
	}
	if c.err != nil {
		return core.Chunk{}, c.err
	}
	return c.chunk, nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

// chunksOf flattens one streamed response into gateway chunks. Thought
// parts are skipped; their signatures are carried on the chunk so the
// session can echo them back on the function response.
func chunksOf(resp *genai.GenerateContentResponse) []core.Chunk {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []core.Chunk
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		chunk := core.Chunk{
			ResponseID:       resp.ResponseID,
			ThoughtSignature: part.ThoughtSignature,
		}
		if part.FunctionCall != nil {
			chunk.FunctionCall = &core.FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			}
		} else if part.Thought {
			if len(part.ThoughtSignature) == 0 {
				continue
			}
		} else {
			chunk.Text = part.Text
		}
		if chunk.Text == "" && chunk.FunctionCall == nil && len(chunk.ThoughtSignature) == 0 {
			continue
		}
		out = append(out, chunk)
	}
	return out
}

func toFunctionDeclarations(decls []core.Declaration) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fd := &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
		}
		if len(d.Params) > 0 {
			props := make(map[string]*genai.Schema, len(d.Params))
			for name, p := range d.Params {
				props[name] = &genai.Schema{
					Type:        schemaType(p.Type),
					Description: p.Description,
					Enum:        p.Enum,
				}
			}
			fd.Parameters = &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   d.Required,
			}
		}
		out = append(out, fd)
	}
	return out
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
