// Package store persists conversation documents. The gateway treats it
// as an opaque key-document store with transactional read-modify-write;
// implementations are Postgres (production) and in-memory (tests, dev
// mode without a database).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no document exists for a conversation id.
var ErrNotFound = errors.New("store: conversation not found")

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUserVoice  Speaker = "user-voice"
	SpeakerUserText   Speaker = "user-text"
	SpeakerAssistant  Speaker = "assistant"
	SpeakerSupervisor Speaker = "supervisor"
	SpeakerTool       Speaker = "tool"
)

// Turn is one entry in a conversation transcript. Transcripts are
// append-only; the persisted copy is overwritten whole.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// BookingEvent is an external scheduling completion, delivered by
// webhook or reported by the client.
type BookingEvent struct {
	BookingID    string `json:"bookingId,omitempty"`
	StartTime    string `json:"startTime,omitempty"` // ISO8601
	Title        string `json:"title,omitempty"`
	InviteeName  string `json:"inviteeName,omitempty"`
	InviteeEmail string `json:"inviteeEmail,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// Conversation is the persisted document for one conversation.
type Conversation struct {
	ID             string        `json:"id"`
	BotID          string        `json:"botId"`
	UserID         string        `json:"userId,omitempty"`
	UserName       string        `json:"userName,omitempty"`
	UserEmail      string        `json:"userEmail,omitempty"`
	Language       string        `json:"language,omitempty"`
	Transcript     []Turn        `json:"transcript"`
	PendingBooking *BookingEvent `json:"pendingBooking,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Store is the conversation document store.
type Store interface {
	// Get returns the document for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Conversation, error)
	// Put writes the whole document, creating or overwriting it.
	Put(ctx context.Context, doc *Conversation) error
	// Update runs fn inside a transactional read-modify-write: the
	// current document is re-read under a row lock, mutated by fn, and
	// written back, so concurrent writers cannot clobber each other.
	Update(ctx context.Context, id string, fn func(*Conversation) error) error
	// ClaimIdempotencyKey atomically records key if unseen. It returns
	// true when this caller claimed the key, false when the key already
	// existed (the side effect must then be suppressed).
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
	Close()
}
