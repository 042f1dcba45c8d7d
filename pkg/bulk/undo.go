package bulk

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
)

// UndoEntry is one applied sub-item that can be reverted.
type UndoEntry struct {
	ItemID    string            `json:"itemId"`
	Label     string            `json:"label,omitempty"`
	Revert    scheduler.Request `json:"-"`
	AppliedAt time.Time         `json:"appliedAt"`
}

// UndoLog records successfully applied sub-items keyed by their unique id.
// Reverting removes entries one by one, so a failed undo can be retried
// for whatever is still outstanding. It is safe for concurrent use.
type UndoLog struct {
	mu      sync.Mutex
	order   []string
	entries map[string]UndoEntry
}

// NewUndoLog creates an empty undo log.
func NewUndoLog() *UndoLog {
	return &UndoLog{entries: make(map[string]UndoEntry)}
}

// Record adds an entry. Sub-item ids must be unique within a log.
func (l *UndoLog) Record(e UndoEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[e.ItemID]; exists {
		return fmt.Errorf("sub-item %q already recorded", e.ItemID)
	}
	l.entries[e.ItemID] = e
	l.order = append(l.order, e.ItemID)
	return nil
}

// Remove drops the entry for id. It reports whether an entry existed.
func (l *UndoLog) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[id]; !exists {
		return false
	}
	delete(l.entries, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the entry for id.
func (l *UndoLog) Get(id string) (UndoEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return e, ok
}

// Len returns the number of outstanding entries.
func (l *UndoLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns the outstanding entries in the order they were applied.
func (l *UndoLog) Entries() []UndoEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]UndoEntry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entries[id])
	}
	return out
}
