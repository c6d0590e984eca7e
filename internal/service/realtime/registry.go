package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	// ErrSessionBusy is returned when a session already has a live bridge.
	ErrSessionBusy = errors.New("session already has a live connection")
	// ErrShuttingDown is returned once CloseAll has been called.
	ErrShuttingDown = errors.New("server is shutting down")
)

// Registry tracks live bridges by session id. At most one bridge may own a
// session at a time.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
	closing bool
	// changed 在每次注销时关闭并替换，用于唤醒 Wait
	changed chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge), changed: make(chan struct{})}
}

// Register claims sessionID for b.
func (r *Registry) Register(sessionID string, b *Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrShuttingDown
	}
	if _, exists := r.bridges[sessionID]; exists {
		return ErrSessionBusy
	}
	r.bridges[sessionID] = b
	log.Printf("[registry] session=%s registered, live=%d", sessionID, len(r.bridges))
	return nil
}

// Unregister releases sessionID if it is still held by b.
func (r *Registry) Unregister(sessionID string, b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.bridges[sessionID]; ok && current == b {
		delete(r.bridges, sessionID)
		close(r.changed)
		r.changed = make(chan struct{})
		log.Printf("[registry] session=%s unregistered, live=%d", sessionID, len(r.bridges))
	}
}

// Get returns the live bridge for sessionID.
func (r *Registry) Get(sessionID string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[sessionID]
	return b, ok
}

// Active reports whether sessionID has a live bridge.
func (r *Registry) Active(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

// Count returns the number of live bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// CloseAll asks every live bridge to end and refuses new registrations. It
// does not wait; use Wait.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closing = true
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
	log.Printf("[registry] closing %d live bridges", len(bridges))
	return len(bridges)
}

// Wait blocks until no bridge is registered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	for {
		r.mu.RLock()
		live, changed := len(r.bridges), r.changed
		r.mu.RUnlock()
		if live == 0 {
			return true
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
