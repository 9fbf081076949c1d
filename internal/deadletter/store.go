// Package deadletter captures unrecoverable failures in a fixed-capacity
// ring buffer for offline inspection and replay. This is the only path
// guaranteed not to lose a failure record.
package deadletter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tahmidr/request-dispatcher/internal/domain"
	"github.com/tahmidr/request-dispatcher/internal/errors"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

// Entry is an immutable snapshot of a terminally failed operation.
type Entry struct {
	ID          string                    `json:"id"`
	RequestID   string                    `json:"request_id,omitempty"`
	Backend     string                    `json:"backend,omitempty"`
	Kind        errors.Kind               `json:"kind"`
	Error       string                    `json:"error"`
	RetryCount  int                       `json:"retry_count"`
	MaxRetries  int                       `json:"max_retries"`
	Resolutions []domain.ResolutionRecord `json:"resolutions,omitempty"`
	FailedAt    time.Time                 `json:"failed_at"`
}

// Store is the bounded ring buffer of dead letters. Eviction is
// oldest-first; per-kind counters are monotone and survive eviction.
type Store struct {
	mu       sync.Mutex
	entries  []*Entry
	head     int // index of oldest entry
	size     int
	capacity int
	counts   map[errors.Kind]int64
	logger   *logger.Logger
}

// New creates a Store holding at most capacity entries.
func New(capacity int, log *logger.Logger) *Store {
	if capacity <= 0 {
		capacity = 256
	}
	return &Store{
		entries:  make([]*Entry, capacity),
		capacity: capacity,
		counts:   make(map[errors.Kind]int64),
		logger:   log.DeadLetterLogger(),
	}
}

// Add records a terminal failure, evicting the oldest entry when full.
// O(1) amortized.
func (s *Store) Add(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now()
	}
	if entry.Kind == "" {
		entry.Kind = errors.KindUnclassified
	}

	s.mu.Lock()
	tail := (s.head + s.size) % s.capacity
	if s.size == s.capacity {
		// Full: overwrite the oldest slot.
		s.entries[s.head] = entry
		s.head = (s.head + 1) % s.capacity
	} else {
		s.entries[tail] = entry
		s.size++
	}
	s.counts[entry.Kind]++
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"kind":        string(entry.Kind),
		"request_id":  entry.RequestID,
		"backend":     entry.Backend,
		"retry_count": entry.RetryCount,
	}).Warn("Failure dead-lettered")
}

// DrainBatch pops up to n oldest entries for offline reprocessing.
func (s *Store) DrainBatch(n int) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.entries[s.head])
		s.entries[s.head] = nil
		s.head = (s.head + 1) % s.capacity
		s.size--
	}
	return out
}

// Len returns the number of buffered entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Capacity returns the buffer bound.
func (s *Store) Capacity() int { return s.capacity }

// Stats returns per-kind counts accumulated since start. Counts are
// monotone even as entries are evicted or drained.
func (s *Store) Stats() map[errors.Kind]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[errors.Kind]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
