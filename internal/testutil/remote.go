package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"daysync/internal/daysync"
)

// ForwardedKey is one call to StubRemote.ForwardKey.
type ForwardedKey struct {
	Tenant string
	Key    string
	Value  json.RawMessage
}

// StubRemote serves day records from memory. Setting Gate makes FetchDay
// block until a value is sent on it (or the context ends), which lets tests
// hold a response back while the active date changes.
type StubRemote struct {
	mu        sync.Mutex
	days      map[string]daysync.DayRecord // tenant/date -> record
	forwarded []ForwardedKey
	fetches   int

	FetchErr   error
	ForwardErr error
	Gate       chan struct{}
}

var _ daysync.Remote = (*StubRemote)(nil)

func NewStubRemote() *StubRemote {
	return &StubRemote{days: make(map[string]daysync.DayRecord)}
}

// SetDay stores the remote copy of a day.
func (r *StubRemote) SetDay(tenant string, rec daysync.DayRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.days[tenant+"/"+rec.Date] = rec.Clone()
}

func (r *StubRemote) FetchDay(ctx context.Context, tenant, date string) (daysync.DayRecord, error) {
	r.mu.Lock()
	r.fetches++
	gate := r.Gate
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return daysync.DayRecord{}, fmt.Errorf("%w: %v", daysync.ErrRemoteUnavailable, ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FetchErr != nil {
		return daysync.DayRecord{}, r.FetchErr
	}
	rec, ok := r.days[tenant+"/"+date]
	if !ok {
		return daysync.DayRecord{}, daysync.ErrRemoteNotFound
	}
	return rec.Clone(), nil
}

func (r *StubRemote) ForwardKey(ctx context.Context, tenant, key string, value json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ForwardErr != nil {
		return r.ForwardErr
	}
	r.forwarded = append(r.forwarded, ForwardedKey{Tenant: tenant, Key: key, Value: append(json.RawMessage(nil), value...)})
	return nil
}

// Fetches returns the number of FetchDay calls so far.
func (r *StubRemote) Fetches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

// Forwarded returns a copy of the forwarded writes.
func (r *StubRemote) Forwarded() []ForwardedKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ForwardedKey(nil), r.forwarded...)
}
