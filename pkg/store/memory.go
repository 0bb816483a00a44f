package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. Update serializes writers per store,
// which gives the same no-clobber guarantee the Postgres row lock does.
type Memory struct {
	mu     sync.Mutex
	docs   map[string][]byte
	claims map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string][]byte),
		claims: make(map[string]struct{}),
	}
}

func (m *Memory) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id string) (*Conversation, error) {
	raw, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	var doc Conversation
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &doc, nil
}

func (m *Memory) Put(ctx context.Context, doc *Conversation) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	doc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", doc.ID, err)
	}
	m.mu.Lock()
	m.docs[doc.ID] = raw
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*Conversation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", id, err)
	}
	m.docs[id] = raw
	return nil
}

func (m *Memory) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.claims[key]; seen {
		return false, nil
	}
	m.claims[key] = struct{}{}
	return true, nil
}

func (m *Memory) Close() {}
