package limiter

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DedupWindow is how long a fingerprint is remembered.
const DedupWindow = 60 * time.Second

// Fingerprint hashes message content for dedup and already-sent checks.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Deduplicator remembers recently seen fingerprints. Entries older than the
// retention window are swept on every insert, not by a background timer.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    Clock
}

// NewDeduplicator creates a deduplicator with the given retention window.
func NewDeduplicator(window time.Duration, now Clock) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	if window <= 0 {
		window = DedupWindow
	}
	return &Deduplicator{seen: make(map[string]time.Time), window: window, now: now}
}

// Seen reports whether fp was recorded within the window.
func (d *Deduplicator) Seen(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live(fp)
}

// Record remembers fp and evicts expired entries.
func (d *Deduplicator) Record(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(fp)
}

// CheckAndRecord records fp and reports whether it was already recorded
// within the window.
func (d *Deduplicator) CheckAndRecord(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.live(fp) {
		return true
	}
	d.record(fp)
	return false
}

// Forget drops fp so the same content is accepted again.
func (d *Deduplicator) Forget(fp string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fp)
}

// Len returns the number of remembered fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator) live(fp string) bool {
	t, ok := d.seen[fp]
	return ok && d.now().Sub(t) < d.window
}

func (d *Deduplicator) record(fp string) {
	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) >= d.window {
			delete(d.seen, k)
		}
	}
	if !d.live(fp) {
		d.seen[fp] = now
	}
}
