package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avelsh/specdec/internal/domain"
)

func TestStore_StartAndAcquire(t *testing.T) {
	s := New()

	sess, err := s.Start(1, "prompt", []int32{104, 105}, 32, 4)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if sess.ID != 1 || sess.MaxNewTokens != 32 || sess.Gamma != 4 {
		t.Errorf("Unexpected session fields: %+v", sess)
	}

	h, err := s.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if h.Session() != sess {
		t.Error("Acquire returned a different session record")
	}
	h.Release()
}

func TestStore_DuplicateStart(t *testing.T) {
	s := New()
	if _, err := s.Start(1, "p", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, err := s.Start(1, "p", nil, 8, 2); !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
}

func TestStore_AcquireUnknown(t *testing.T) {
	s := New()
	if _, err := s.Acquire(99); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestStore_AcquireWhileInFlight(t *testing.T) {
	s := New()
	if _, err := s.Start(1, "p", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	h, err := s.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if _, err := s.Acquire(1); !errors.Is(err, domain.ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy, got %v", err)
	}

	h.Release()
	h2, err := s.Acquire(1)
	if err != nil {
		t.Errorf("Acquire after release returned error: %v", err)
	}
	h2.Release()
}

func TestStore_EvictedSessionNotFound(t *testing.T) {
	s := New()
	if _, err := s.Start(1, "p", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := s.Evict(1); err != nil {
		t.Fatalf("Evict returned error: %v", err)
	}
	if _, err := s.Acquire(1); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after evict, got %v", err)
	}
	if err := s.Evict(1); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound on double evict, got %v", err)
	}
}

func TestStore_ReleaseAfterEvict(t *testing.T) {
	s := New()
	if _, err := s.Start(1, "p", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	h, err := s.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if err := s.Evict(1); err != nil {
		t.Fatalf("Evict returned error: %v", err)
	}

	// Must not panic or resurrect the entry.
	h.Release()
	if s.Len() != 0 {
		t.Errorf("Expected empty store, got %d sessions", s.Len())
	}
}

func TestStore_SnapshotOrdering(t *testing.T) {
	s := New()
	for _, id := range []uint64{3, 1, 2} {
		if _, err := s.Start(id, "p", nil, 8, 2); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	}

	infos := s.Snapshot()
	if len(infos) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(infos))
	}
	for i, want := range []uint64{1, 2, 3} {
		if infos[i].ID != want {
			t.Errorf("Snapshot[%d].ID = %d, want %d", i, infos[i].ID, want)
		}
	}
}

func TestStore_ConcurrentRounds(t *testing.T) {
	s := New()
	const sessions = 8
	for id := uint64(0); id < sessions; id++ {
		if _, err := s.Start(id, "p", nil, 1000, 4); err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	}

	var wg sync.WaitGroup
	for id := uint64(0); id < sessions; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h, err := s.Acquire(id)
				if err != nil {
					t.Errorf("Acquire(%d) returned error: %v", id, err)
					return
				}
				h.Session().Cursor++
				h.Release()
			}
		}(id)
	}
	wg.Wait()

	for _, info := range s.Snapshot() {
		if info.Cursor != 100 {
			t.Errorf("Session %d cursor = %d, want 100", info.ID, info.Cursor)
		}
	}
}

func TestStore_SweepIdle(t *testing.T) {
	s := New()
	if _, err := s.Start(1, "idle", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, err := s.Start(2, "busy", nil, 8, 2); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// Make both sessions look old, then put session 2 in flight.
	s.mu.Lock()
	for _, e := range s.sessions {
		e.sess.LastActive = time.Now().Add(-time.Hour)
	}
	s.mu.Unlock()

	h, err := s.Acquire(2)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	defer h.Release()

	var evicted []uint64
	n := s.sweepIdle(time.Minute, func(sess *domain.Session) {
		evicted = append(evicted, sess.ID)
	})
	if n != 1 {
		t.Fatalf("Expected 1 evicted session, got %d", n)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("Expected session 1 evicted, got %v", evicted)
	}
	if _, err := s.Acquire(1); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected swept session gone, got %v", err)
	}
}
