package limiter

import (
	"sync"
	"time"

	"github.com/unclebandit/alert-relay/internal/model"
)

// SkippedTTL bounds how long a skipped message stays visible.
const SkippedTTL = 5 * time.Minute

// SkippedEntry is a message rejected by the intake limiter.
type SkippedEntry struct {
	Message   model.RawInboundMessage `json:"message"`
	SkippedAt time.Time               `json:"skipped_at"`
}

// SkipLog keeps messages rejected by the intake limiter for inspection or requeue.
// Expiry is passive: old entries are filtered on read and dropped on Drain.
type SkipLog struct {
	mu      sync.Mutex
	entries []SkippedEntry
	now     Clock
}

// NewSkipLog creates an empty log.
func NewSkipLog(now Clock) *SkipLog {
	if now == nil {
		now = time.Now
	}
	return &SkipLog{now: now}
}

// Add records a skipped message.
func (s *SkipLog) Add(msg model.RawInboundMessage) {
	s.mu.Lock()
	s.entries = append(s.entries, SkippedEntry{Message: msg, SkippedAt: s.now()})
	s.mu.Unlock()
}

// Live returns entries younger than SkippedTTL, oldest first.
func (s *SkipLog) Live() []SkippedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live()
}

// Drain returns the live entries and empties the log.
func (s *SkipLog) Drain() []SkippedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.live()
	s.entries = nil
	return out
}

func (s *SkipLog) live() []SkippedEntry {
	now := s.now()
	out := make([]SkippedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if now.Sub(e.SkippedAt) < SkippedTTL {
			out = append(out, e)
		}
	}
	return out
}
