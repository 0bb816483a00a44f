// Package bots holds persona configuration: system prompt, language,
// enabled tools, and supervision settings per bot.
package bots

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type Bot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	Language     string   `json:"language"`
	Tools        []string `json:"tools"`
	Supervised   bool     `json:"supervised"`
	// ReportURL overrides the gateway-wide supervision report endpoint.
	ReportURL string `json:"reportUrl,omitempty"`
}

type Registry struct {
	byID map[string]Bot
}

const defaultSystemPrompt = "You are a friendly, concise voice assistant. " +
	"Answer in short spoken sentences. Use the available tools when the user " +
	"asks for something a tool can do, and never invent tool results."

// DefaultBot is available even without a bots file.
func DefaultBot() Bot {
	return Bot{
		ID:           "default",
		Name:         "Assistant",
		SystemPrompt: defaultSystemPrompt,
		Language:     "en",
		Tools:        []string{"schedule_appointment", "navigate_to", "search_knowledge_base", "dispatch_order"},
	}
}

// Load reads bot definitions from a JSON file ([]Bot). An empty path
// yields a registry with only the default bot.
func Load(path string) (*Registry, error) {
	r := &Registry{byID: map[string]Bot{}}
	def := DefaultBot()
	r.byID[def.ID] = def

	if strings.TrimSpace(path) == "" {
		return r, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file %q: %w", path, err)
	}
	var list []Bot
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode bots file %q: %w", path, err)
	}
	for i, b := range list {
		if strings.TrimSpace(b.ID) == "" {
			return nil, fmt.Errorf("bots file %q: entry %d has no id", path, i)
		}
		if b.SystemPrompt == "" {
			b.SystemPrompt = defaultSystemPrompt
		}
		if b.Language == "" {
			b.Language = "en"
		}
		r.byID[b.ID] = b
	}
	return r, nil
}

func (r *Registry) Get(id string) (Bot, bool) {
	b, ok := r.byID[strings.TrimSpace(id)]
	return b, ok
}
