package snapshot

import (
	"sort"
	"sync"

	"github.com/deltaflow/deltaflow/internal/delta"
)

// Tracker remembers which tables have had their CREATE_TABLE event emitted in
// the current session. ShouldEmitDDL is called only from the normalizer's
// goroutine; Len and Tables may be read from any goroutine.
type Tracker struct {
	mu   sync.RWMutex
	seen map[delta.SourceTable]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{seen: make(map[delta.SourceTable]struct{})}
}

// ShouldEmitDDL reports true exactly once per table: the first time a record
// for it arrives with the snapshot marker set. Records without the marker
// leave the tracker untouched.
func (t *Tracker) ShouldEmitDDL(table delta.SourceTable, snapshot bool) bool {
	if !snapshot {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[table]; ok {
		return false
	}
	t.seen[table] = struct{}{}
	return true
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

// Tables returns the tracked tables sorted by name.
func (t *Tracker) Tables() []delta.SourceTable {
	t.mu.RLock()
	tables := make([]delta.SourceTable, 0, len(t.seen))
	for table := range t.seen {
		tables = append(tables, table)
	}
	t.mu.RUnlock()

	sort.Slice(tables, func(i, j int) bool {
		return tables[i].String() < tables[j].String()
	})
	return tables
}
