package reliability

import (
	"sync"
	"time"
)

// DefaultDuplicateWindow is how long accepted ids are remembered by default
const DefaultDuplicateWindow = 24 * time.Hour

// DuplicateDetector remembers received ids for a sliding window. It is safe
// for concurrent use.
type DuplicateDetector struct {
	mu        sync.Mutex
	window    time.Duration
	received  map[string]time.Time
	lastPrune time.Time

	now func() time.Time
}

// NewDuplicateDetector creates a detector. A window of zero or less uses
// DefaultDuplicateWindow.
func NewDuplicateDetector(window time.Duration) *DuplicateDetector {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateDetector{
		window:   window,
		received: make(map[string]time.Time),
		now:      time.Now,
	}
}

// IsDuplicate reports whether id was received within the window
func (d *DuplicateDetector) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	receivedAt, exists := d.received[id]
	if !exists {
		return false
	}
	return d.now().Sub(receivedAt) < d.window
}

// MarkReceived records id as received now
func (d *DuplicateDetector) MarkReceived(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mark(id, d.now())
}

// Reserve marks id as received unless it was received within the window.
// It returns false for a duplicate. The check and the mark happen under one
// lock, so of several concurrent callers with the same id exactly one wins.
func (d *DuplicateDetector) Reserve(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if receivedAt, exists := d.received[id]; exists && now.Sub(receivedAt) < d.window {
		return false
	}
	d.mark(id, now)
	return true
}

// Release forgets a reserved id so that a later copy is accepted again
func (d *DuplicateDetector) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.received, id)
}

func (d *DuplicateDetector) mark(id string, now time.Time) {
	d.received[id] = now

	// prune at most once per window fraction
	if now.Sub(d.lastPrune) >= d.window/8 {
		d.prune(now)
		d.lastPrune = now
	}
}

// Len returns the number of remembered ids
func (d *DuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func (d *DuplicateDetector) prune(now time.Time) {
	for id, receivedAt := range d.received {
		if now.Sub(receivedAt) >= d.window {
			delete(d.received, id)
		}
	}
}
