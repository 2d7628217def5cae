package ratelimit

import (
	"context"
	"sync"
)

// MemoryStore keeps windows in process. Each key has its own lock.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	pruned  string
}

type window struct {
	mu       sync.Mutex
	day      string
	requests int
	active   int
	// dropped is set once the window has left the map
	dropped bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) window(keyID string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[keyID]
	if !ok {
		w = &window{}
		s.windows[keyID] = w
	}
	return w
}

// lock returns the live window for a key with its lock held
func (s *MemoryStore) lock(keyID string) *window {
	for {
		w := s.window(keyID)
		w.mu.Lock()
		if !w.dropped {
			return w
		}
		w.mu.Unlock()
	}
}

// prune drops idle windows left over from earlier days. It sweeps once per day.
func (s *MemoryStore) prune(day string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruned == day {
		return
	}
	s.pruned = day
	for id, w := range s.windows {
		w.mu.Lock()
		if w.active == 0 && w.day != day {
			w.dropped = true
			delete(s.windows, id)
		}
		w.mu.Unlock()
	}
}

// roll starts a new day lazily; in-flight streams carry over
func (w *window) roll(day string) {
	if w.day != day {
		w.day = day
		w.requests = 0
	}
}

func (s *MemoryStore) Admit(_ context.Context, keyID, day string, limits Limits) (bool, Reason, int, error) {
	s.prune(day)
	w := s.lock(keyID)
	defer w.mu.Unlock()

	w.roll(day)
	if w.requests >= limits.DailyRequests {
		return false, ReasonDaily, w.requests, nil
	}
	if w.active >= limits.ConcurrentStreams {
		return false, ReasonConcurrent, w.requests, nil
	}
	w.requests++
	w.active++
	return true, "", w.requests, nil
}

func (s *MemoryStore) Release(_ context.Context, keyID string) error {
	w := s.lock(keyID)
	defer w.mu.Unlock()
	if w.active > 0 {
		w.active--
	}
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, keyID, day string) (int, int, error) {
	w := s.lock(keyID)
	defer w.mu.Unlock()
	w.roll(day)
	return w.requests, w.active, nil
}

func (s *MemoryStore) Reset(_ context.Context, keyID, day string) error {
	w := s.lock(keyID)
	defer w.mu.Unlock()
	w.day = day
	w.requests = 0
	return nil
}

func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
