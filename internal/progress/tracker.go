package progress

import "sync"

// Tracker holds the furthest fully-extracted position per book. It is the
// sole signal used to bound assistant context; callers only advance it after
// extraction up to that position has completed.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]int)}
}

// Position returns the current position for the book, or 0 if none is known.
func (t *Tracker) Position(bookID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[bookID]
}

// SetPosition records a position. Negative values are ignored; monotonicity
// is a caller contract, not enforced here.
func (t *Tracker) SetPosition(bookID string, position int) {
	if position < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[bookID] = position
}

// Forget drops the tracked position for the book. Used on book close.
func (t *Tracker) Forget(bookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, bookID)
}
