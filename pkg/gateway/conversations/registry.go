// Package conversations is the process-wide directory mapping
// conversation identifiers to a live session's control hooks. It is the
// only channel by which out-of-band HTTP requests (booking webhook,
// correction endpoint) reach an in-progress WebSocket session.
package conversations

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/store"
)

// Handle is the capability pair (plus shutdown close) bound to one live
// session.
type Handle struct {
	ApplyCorrection func(message string) error
	ResumeBooking   func(ev store.BookingEvent) error
	Close           func()
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register binds a handle to a conversation id and returns its
// unregister function. Registering the same id again replaces the old
// entry.
func (r *Registry) Register(conversationID string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{handle: h}

	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	old := r.entries[conversationID]
	r.entries[conversationID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(conversationID, old)
	}

	return func() { r.unregister(conversationID, e) }
}

func (r *Registry) unregister(conversationID string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries != nil && r.entries[conversationID] == e {
			delete(r.entries, conversationID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the handle for a conversation id, if one is live.
func (r *Registry) Get(conversationID string) (Handle, bool) {
	if r == nil {
		return Handle{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[conversationID]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll invokes every live session's Close hook, used on shutdown to
// close sockets with a server-restart code.
func (r *Registry) CloseAll() (closed int) {
	if r == nil {
		return 0
	}

	var closers []func()
	r.mu.Lock()
	for _, e := range r.entries {
		if e == nil || e.handle.Close == nil {
			continue
		}
		closers = append(closers, e.handle.Close)
	}
	r.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
		closed++
	}
	return closed
}

// Wait blocks until every registered session has unregistered, or ctx
// expires. It reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
