package cooldown

import (
	"context"
	"sync"
	"time"
)

const defaultPruneEvery = 256

// MemoryStore keeps records in a process-local map. Every pruneEvery accepted
// requests it drops records whose cooldown has fully elapsed, since such a
// record can no longer reject anyone.
type MemoryStore struct {
	mu         sync.Mutex
	last       map[string]time.Time
	pruneEvery int
	accepts    int
}

func NewMemoryStore(pruneEvery int) *MemoryStore {
	if pruneEvery <= 0 {
		pruneEvery = defaultPruneEvery
	}
	return &MemoryStore{
		last:       make(map[string]time.Time),
		pruneEvery: pruneEvery,
	}
}

func (s *MemoryStore) Acquire(_ context.Context, userID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.last[userID]; ok {
		if elapsed := now.Sub(t); elapsed < cooldown {
			return false, cooldown - elapsed, nil
		}
	}

	s.last[userID] = now
	s.accepts++
	if s.accepts%s.pruneEvery == 0 {
		s.prune(now, cooldown)
	}
	return true, 0, nil
}

func (s *MemoryStore) prune(now time.Time, cooldown time.Duration) {
	for id, t := range s.last {
		if now.Sub(t) >= cooldown {
			delete(s.last, id)
		}
	}
}

// Last returns the stored timestamp for userID.
func (s *MemoryStore) Last(userID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[userID]
	return t, ok
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
