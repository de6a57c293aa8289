package retry

import (
	"sort"
	"sync"

	"stemdl/pkg/models"
)

// Ledger holds one FailureRecord per WorkItem key. Records are values and
// are only ever replaced as a whole.
type Ledger struct {
	items map[string]models.FailureRecord
	mutex sync.RWMutex
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		items: make(map[string]models.FailureRecord),
	}
}

// Get returns the record for key
func (l *Ledger) Get(key string) (models.FailureRecord, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	rec, exists := l.items[key]
	return rec, exists
}

// Replace stores rec unless it would move the entry's attempt backwards.
// It reports whether the record was stored.
func (l *Ledger) Replace(rec models.FailureRecord) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := rec.Item.Key()
	if old, exists := l.items[key]; exists && rec.Attempt < old.Attempt {
		return false
	}
	l.items[key] = rec
	return true
}

// Delete removes the record for key and reports whether one was present
func (l *Ledger) Delete(key string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, exists := l.items[key]
	delete(l.items, key)
	return exists
}

// Size returns the number of records in the ledger
func (l *Ledger) Size() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.items)
}

// Select returns the records keep accepts, ordered by song then track index
func (l *Ledger) Select(keep func(models.FailureRecord) bool) []models.FailureRecord {
	l.mutex.RLock()
	var out []models.FailureRecord
	for _, rec := range l.items {
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	l.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Item.SongURL != out[j].Item.SongURL {
			return out[i].Item.SongURL < out[j].Item.SongURL
		}
		return out[i].Item.TrackIndex < out[j].Item.TrackIndex
	})
	return out
}
