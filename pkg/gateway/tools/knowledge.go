package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// KnowledgeEntry is one fact in the static lookup corpus.
type KnowledgeEntry struct {
	Title    string   `json:"title"`
	Text     string   `json:"text"`
	Keywords []string `json:"keywords,omitempty"`
}

// LoadKnowledge reads a JSON corpus ([]KnowledgeEntry) and returns a
// Searcher over it. An empty path yields a Searcher with no entries.
func LoadKnowledge(path string) (Searcher, error) {
	if strings.TrimSpace(path) == "" {
		return NewCorpusSearcher(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file %q: %w", path, err)
	}
	var entries []KnowledgeEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode knowledge file %q: %w", path, err)
	}
	return NewCorpusSearcher(entries), nil
}

// NewCorpusSearcher matches query terms against entry titles, keywords,
// and text. Scoring is term overlap; it is a lookup table, not a search
// engine.
func NewCorpusSearcher(entries []KnowledgeEntry) Searcher {
	return func(query string) []string {
		terms := strings.Fields(strings.ToLower(query))
		if len(terms) == 0 {
			return nil
		}
		type scored struct {
			text  string
			score int
		}
		var hits []scored
		for _, e := range entries {
			haystack := strings.ToLower(e.Title + " " + strings.Join(e.Keywords, " ") + " " + e.Text)
			score := 0
			for _, term := range terms {
				if strings.Contains(haystack, term) {
					score++
				}
			}
			if score > 0 {
				snippet := e.Text
				if e.Title != "" {
					snippet = e.Title + ": " + e.Text
				}
				hits = append(hits, scored{text: snippet, score: score})
			}
		}
		// Stable selection sort; corpora are small.
		var out []string
		for len(hits) > 0 && len(out) < 5 {
			best := 0
			for i, h := range hits {
				if h.score > hits[best].score {
					best = i
				}
			}
			out = append(out, hits[best].text)
			hits = append(hits[:best], hits[best+1:]...)
		}
		return out
	}
}
