package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sessions hands out one Controller per visitor and expires idle ones.
// The feed window and optimistic state are per-visitor; nothing is shared
// between sessions except the upstream clients and the stat mirror.
type Sessions struct {
	mu      sync.Mutex
	byID    map[string]*sessionEntry
	ttl     time.Duration
	factory func(visitor string) *Controller

	stopCh   chan struct{}
	stopOnce sync.Once
}

type sessionEntry struct {
	controller *Controller
	lastSeen   time.Time
}

// NewSessions creates a session registry. The factory builds a fresh
// controller for an unseen session ID.
func NewSessions(ttl time.Duration, factory func(visitor string) *Controller) *Sessions {
	s := &Sessions{
		byID:    make(map[string]*sessionEntry),
		ttl:     ttl,
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go s.expireLoop()
	return s
}

// Get returns the controller for a session, creating and initializing one
// on first sight.
func (s *Sessions) Get(ctx context.Context, sessionID string) *Controller {
	s.mu.Lock()
	if e, ok := s.byID[sessionID]; ok {
		e.lastSeen = time.Now()
		s.mu.Unlock()
		return e.controller
	}
	s.mu.Unlock()

	// Build outside the lock; Init does network I/O.
	c := s.factory(sessionID)
	if err := c.Init(ctx); err != nil {
		slog.Warn("session init failed", "session", sessionID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent request may have won the race; keep the first one.
	if e, ok := s.byID[sessionID]; ok {
		e.lastSeen = time.Now()
		return e.controller
	}
	s.byID[sessionID] = &sessionEntry{controller: c, lastSeen: time.Now()}
	return c
}

// ForEach runs fn over a snapshot of live controllers. Used by the
// background stat-refresh loop.
func (s *Sessions) ForEach(fn func(sessionID string, c *Controller)) {
	s.mu.Lock()
	snapshot := make(map[string]*Controller, len(s.byID))
	for id, e := range s.byID {
		snapshot[id] = e.controller
	}
	s.mu.Unlock()
	for id, c := range snapshot {
		fn(id, c)
	}
}

// Count returns the number of live sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Stop halts the expiry loop.
func (s *Sessions) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sessions) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Sessions) expire() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.byID {
		if e.lastSeen.Before(cutoff) {
			delete(s.byID, id)
		}
	}
}
