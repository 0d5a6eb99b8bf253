// Package session provides the process-wide table of active generation
// sessions and enforces per-session round exclusivity.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avelsh/specdec/internal/domain"
)

// Store owns every active Session record. The table lock is held only for
// map operations and the in-flight flag flip; round work (backend calls,
// acceptance) happens outside it, so unrelated sessions never serialize on
// each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint64]*entry
}

type entry struct {
	sess     *domain.Session
	inFlight bool
}

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[uint64]*entry)}
}

// Start registers a new session. The id must not belong to an active
// session.
func (s *Store) Start(id uint64, prompt string, ctxTokens []int32, maxNewTokens, gamma uint32) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; ok {
		return nil, domain.ErrSessionExists
	}
	now := time.Now()
	sess := &domain.Session{
		ID:           id,
		Prompt:       prompt,
		MaxNewTokens: maxNewTokens,
		Gamma:        gamma,
		Context:      ctxTokens,
		CreatedAt:    now,
		LastActive:   now,
	}
	s.sessions[id] = &entry{sess: sess}
	slog.Info("Session started", "session_id", id, "max_new_tokens", maxNewTokens, "gamma", gamma)
	return sess, nil
}

// Handle is exclusive, time-bounded access to one session's mutable fields.
// It must be released (or the session evicted) before the next round.
type Handle struct {
	store *Store
	sess  *domain.Session
}

// Session returns the held record. The caller may mutate it until Release.
func (h *Handle) Session() *domain.Session { return h.sess }

// Acquire takes the per-session exclusive guard. A session may have at most
// one outstanding verify/finalize round, so a second acquire fails with
// ErrSessionBusy until the first is released.
func (s *Store) Acquire(id uint64) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if e.inFlight {
		return nil, domain.ErrSessionBusy
	}
	e.inFlight = true
	return &Handle{store: s, sess: e.sess}, nil
}

// Release clears the in-flight guard after the caller has applied its
// mutation. Releasing an evicted session is a no-op.
func (h *Handle) Release() {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	if e, ok := h.store.sessions[h.sess.ID]; ok && e.sess == h.sess {
		e.inFlight = false
		e.sess.LastActive = time.Now()
	}
}

// Evict removes a finished or aborted session. Subsequent operations on the
// id behave as session-not-found.
func (s *Store) Evict(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	slog.Info("Session evicted", "session_id", id)
	return nil
}

// Len reports the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Info is a read-only snapshot of one active session.
type Info struct {
	ID           uint64       `json:"session_id"`
	Cursor       uint32       `json:"cursor"`
	MaxNewTokens uint32       `json:"max_new_tokens"`
	Gamma        uint32       `json:"gamma"`
	Round        uint64       `json:"round"`
	Finished     bool         `json:"finished"`
	InFlight     bool         `json:"in_flight"`
	Stats        domain.Stats `json:"stats"`
	LastActive   time.Time    `json:"last_active"`
}

// Snapshot lists active sessions ordered by id.
func (s *Store) Snapshot() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, Info{
			ID:           e.sess.ID,
			Cursor:       e.sess.Cursor,
			MaxNewTokens: e.sess.MaxNewTokens,
			Gamma:        e.sess.Gamma,
			Round:        e.sess.Round,
			Finished:     e.sess.Finished,
			InFlight:     e.inFlight,
			Stats:        e.sess.Stats,
			LastActive:   e.sess.LastActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sweepIdle evicts sessions with no round activity for ttl. In-flight
// sessions are skipped; their round will release or fail on its own.
func (s *Store) sweepIdle(ttl time.Duration, onEvict func(*domain.Session)) int {
	threshold := time.Now().Add(-ttl)

	s.mu.Lock()
	var expired []*domain.Session
	for id, e := range s.sessions {
		if !e.inFlight && e.sess.LastActive.Before(threshold) {
			expired = append(expired, e.sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		slog.Info("Idle session evicted", "session_id", sess.ID, "cursor", sess.Cursor, "ttl", ttl)
		if onEvict != nil {
			onEvict(sess)
		}
	}
	return len(expired)
}

// StartSweeper runs a background goroutine that periodically evicts idle
// sessions until ctx is canceled. onEvict, if non-nil, is called for each
// evicted session outside the table lock.
func (s *Store) StartSweeper(ctx context.Context, ttl, interval time.Duration, onEvict func(*domain.Session)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)
		for {
			select {
			case <-ticker.C:
				if n := s.sweepIdle(ttl, onEvict); n > 0 {
					slog.Info("Session sweep completed", "evicted", n)
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
