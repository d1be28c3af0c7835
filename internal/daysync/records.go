package daysync

import (
	"encoding/json"
	"sync"
)

// WriteOutcome reports whether Records.Put stored a record.
type WriteOutcome int

const (
	// WriteApplied means the record was written through the store.
	WriteApplied WriteOutcome = iota
	// WriteDiscarded means a record that wins the (updatedAt, sourceId) order
	// was already stored. This is the expected result of losing a race, not an error.
	WriteDiscarded
)

func (o WriteOutcome) String() string {
	switch o {
	case WriteApplied:
		return "applied"
	case WriteDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Records stores day records in a Store and keeps every key monotonic:
// a record is only written if it wins against the stored one.
type Records struct {
	store *Store
	mu    sync.Mutex
}

func NewRecords(store *Store) *Records {
	return &Records{store: store}
}

// Store returns the underlying store.
func (r *Records) Store() *Store { return r.store }

// Tenant returns the store's active tenant.
func (r *Records) Tenant() string { return r.store.Tenant() }

// Load returns the stored record for date, serving from the cache when possible.
func (r *Records) Load(date string) (DayRecord, bool, error) {
	var rec DayRecord
	found, err := r.store.Get(DayKey(date), &rec)
	if err != nil || !found {
		return DayRecord{}, false, err
	}
	if rec.Date == "" {
		rec.Date = date
	}
	return rec, true, nil
}

// Reload drops the cached copy first so writes by other processes are seen.
func (r *Records) Reload(date string) (DayRecord, bool, error) {
	r.store.Invalidate(DayKey(date))
	return r.Load(date)
}

// Put writes rec unless the stored record wins against it. The returned error, if any, wraps
// ErrDurability: the record is cached but did not reach the backend.
//
// Store watchers of day keys run while Put holds its lock and must not call Put.
func (r *Records) Put(rec DayRecord) (WriteOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// An unreadable stored value reports not found and is overwritten.
	stored, found, _ := r.Load(rec.Date)
	if dur, raw, ok := r.durable(rec.Date); ok && (!found || Compare(dur, stored) > 0) {
		r.store.adopt(DayKey(rec.Date), raw)
		stored, found = dur, true
	}
	if found && !Wins(rec, stored) {
		return WriteDiscarded, nil
	}

	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = DefaultSchemaVersion
	}
	return WriteApplied, r.store.Set(DayKey(rec.Date), rec)
}

// durable reads date's record from the backend, skipping the cache. A cached
// copy pinned by a failed write can hide a newer record another process wrote.
func (r *Records) durable(date string) (DayRecord, []byte, bool) {
	raw, err := r.store.durable(DayKey(date))
	if err != nil {
		return DayRecord{}, nil, false
	}
	var rec DayRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DayRecord{}, nil, false
	}
	if rec.Date == "" {
		rec.Date = date
	}
	return rec, raw, true
}
