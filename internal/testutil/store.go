package testutil

import (
	"errors"
	"sync"
	"testing"

	"daysync/internal/backend"
	"daysync/internal/codec"
	"daysync/internal/daysync"
)

// NewTestStore creates a Store over a fresh in-memory backend with the
// compact codec. forwarder may be nil.
func NewTestStore(t *testing.T, be daysync.Backend, forwarder daysync.KeyForwarder, clock daysync.Clock, opts daysync.StoreOptions) *daysync.Store {
	t.Helper()
	if be == nil {
		be = backend.NewMemoryBackend("test", 0)
	}
	s := daysync.NewStore(be, codec.CompactCodec{}, forwarder, daysync.NewNopLogger(), clock, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

// FlakyBackend wraps a Backend and fails writes on demand.
type FlakyBackend struct {
	daysync.Backend

	mu      sync.Mutex
	putErr  error
	puts    int
	deletes []string
}

var _ daysync.Backend = (*FlakyBackend)(nil)

// ErrInjected is the default failure of FlakyBackend.
var ErrInjected = errors.New("injected backend failure")

func NewFlakyBackend(inner daysync.Backend) *FlakyBackend {
	return &FlakyBackend{Backend: inner}
}

// FailPuts makes every later Put return err; nil restores normal writes.
func (b *FlakyBackend) FailPuts(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putErr = err
}

func (b *FlakyBackend) Put(key string, value []byte) error {
	b.mu.Lock()
	b.puts++
	err := b.putErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Backend.Put(key, value)
}

func (b *FlakyBackend) Delete(key string) error {
	b.mu.Lock()
	b.deletes = append(b.deletes, key)
	b.mu.Unlock()
	return b.Backend.Delete(key)
}

// Puts returns the number of Put calls, failed ones included.
func (b *FlakyBackend) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

// Deletes returns the keys deleted so far.
func (b *FlakyBackend) Deletes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deletes...)
}
