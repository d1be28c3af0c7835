package daysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// unscopedKeys are tenant-invariant logical keys that are never namespaced.
var unscopedKeys = map[string]bool{
	"clients":        true,
	"client_current": true,
}

const (
	defaultRetentionDays  = 60
	defaultForwardTimeout = 10 * time.Second
)

// StoreOptions tunes a Store. Zero values select the defaults.
type StoreOptions struct {
	// KeyPrefix is an application prefix (e.g. "heys") placed in front of
	// every physical key. Callers may pass keys with or without it.
	KeyPrefix string

	// Tenant is the initial active tenant. Empty disables scoping.
	Tenant string

	// RetentionDays bounds how old a day key may be before quota recovery deletes it.
	RetentionDays int

	// ForwardTimeout bounds each remote write-forward.
	ForwardTimeout time.Duration

	Metrics Metrics
}

// KeyStats describes one stored entry for CompressionStats.
type KeyStats struct {
	Key         string
	RawBytes    int
	StoredBytes int
	Encoded     bool
}

// Store is a tenant-scoped key-value store with a write-through in-memory
// cache over a durable Backend. Values are JSON-serializable; the cache holds
// their canonical JSON and is authoritative for the lifetime of the Store.
type Store struct {
	backend   Backend
	codec     Codec
	forwarder KeyForwarder
	logger    Logger
	clock     Clock
	metrics   Metrics

	prefix         string
	retentionDays  int
	forwardTimeout time.Duration

	mu     sync.RWMutex
	tenant string
	cache  map[string][]byte // scoped key -> canonical JSON
	pinned map[string]bool   // scoped keys whose last durable write failed

	watchMu   sync.Mutex
	watchers  map[string]map[uint64]func(json.RawMessage) // scoped key -> id -> fn
	nextWatch uint64

	forwards sync.WaitGroup
}

// NewStore creates a Store. forwarder may be nil when no remote is configured.
func NewStore(backend Backend, codec Codec, forwarder KeyForwarder, logger Logger, clock Clock, opts StoreOptions) *Store {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = defaultRetentionDays
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = defaultForwardTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	return &Store{
		backend:        backend,
		codec:          codec,
		forwarder:      forwarder,
		logger:         logger,
		clock:          clock,
		metrics:        opts.Metrics,
		prefix:         opts.KeyPrefix,
		retentionDays:  opts.RetentionDays,
		forwardTimeout: opts.ForwardTimeout,
		tenant:         opts.Tenant,
		cache:          make(map[string][]byte),
		pinned:         make(map[string]bool),
		watchers:       make(map[string]map[uint64]func(json.RawMessage)),
	}
}

// Tenant returns the active tenant.
func (s *Store) Tenant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenant
}

// SetTenant switches the active tenant. Cached entries of other tenants stay
// cached under their own scoped keys.
func (s *Store) SetTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = tenant
}

// ScopeKey returns the physical key for a logical key under the active tenant.
func (s *Store) ScopeKey(key string) string {
	return scopeKey(s.prefix, s.Tenant(), key)
}

func scopeKey(prefix, tenant, key string) string {
	logical := stripPrefix(prefix, key)
	if tenant == "" || unscopedKeys[logical] || strings.HasPrefix(logical, tenant+"_") {
		return withPrefix(prefix, logical)
	}
	return withPrefix(prefix, tenant+"_"+logical)
}

// logicalKey strips the application prefix and the tenant segment.
func logicalKey(prefix, tenant, key string) string {
	logical := stripPrefix(prefix, key)
	if tenant != "" {
		logical = strings.TrimPrefix(logical, tenant+"_")
	}
	return logical
}

func stripPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"_")
}

func withPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

// Get decodes the value stored under key into dst and reports whether one was found.
// dst may be nil to test for presence only.
//
// A miss on the scoped key falls back to the unscoped legacy key; a legacy hit
// is written back under the scoped key. A non-nil error means the value could
// not be read or decoded; the value must then be treated as absent.
func (s *Store) Get(key string, dst any) (bool, error) {
	tenant := s.Tenant()
	sk := scopeKey(s.prefix, tenant, key)

	raw, ok := s.cached(sk)
	if !ok {
		var err error
		raw, err = s.load(sk)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			legacy := withPrefix(s.prefix, logicalKey(s.prefix, tenant, key))
			if legacy == sk {
				return false, nil
			}
			raw, err = s.load(legacy)
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			s.migrate(legacy, sk, raw)
		default:
			return false, err
		}

		s.mu.Lock()
		if cur, ok := s.cache[sk]; ok {
			// A Set landed while the backend was being read.
			raw = cur
		} else {
			s.cache[sk] = raw
		}
		s.mu.Unlock()
	}

	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.metrics.Inc("store", "decode_failed")
		return false, fmt.Errorf("%w: %s: %w", ErrDecode, sk, err)
	}
	return true, nil
}

// GetValue returns the value stored under key, or def when it is absent or unreadable.
func GetValue[T any](s *Store, key string, def T) T {
	var v T
	ok, err := s.Get(key, &v)
	if err != nil {
		s.logger.Warn("store read failed", "key", key, "error", err)
		return def
	}
	if !ok {
		return def
	}
	return v
}

// Set writes value through the cache to the backend, then invokes the key's
// watchers and forwards the value to the remote layer. The cache is updated
// even when the durable write fails; that failure is returned wrapped in
// ErrDurability for the caller to log.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}

	tenant := s.Tenant()
	sk := scopeKey(s.prefix, tenant, key)
	logical := logicalKey(s.prefix, tenant, key)

	s.mu.Lock()
	s.cache[sk] = raw
	s.mu.Unlock()

	perr := s.persist(sk, raw)
	if perr == nil {
		s.metrics.Inc("store", "write")
	} else {
		s.metrics.Inc("store", "write_failed")
	}

	s.notify(sk, raw)
	s.forward(tenant, logical, raw)

	if perr != nil {
		return fmt.Errorf("%w: %s: %w", ErrDurability, sk, perr)
	}
	return nil
}

// Watch registers fn to run synchronously after every local Set of key.
// The key is scoped to the tenant active at registration, so writes made
// under another tenant do not reach fn. It returns a function that removes
// the registration.
func (s *Store) Watch(key string, fn func(json.RawMessage)) func() {
	sk := s.ScopeKey(key)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.nextWatch++
	id := s.nextWatch
	if s.watchers[sk] == nil {
		s.watchers[sk] = make(map[uint64]func(json.RawMessage))
	}
	s.watchers[sk][id] = fn

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers[sk], id)
		if len(s.watchers[sk]) == 0 {
			delete(s.watchers, sk)
		}
	}
}

// Invalidate drops key from the cache so the next Get reads the backend.
// A key whose last durable write failed stays cached.
func (s *Store) Invalidate(key string) {
	sk := s.ScopeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pinned[sk] {
		delete(s.cache, sk)
	}
}

// FlushMemory drops every cached entry except those pinned by a failed write.
func (s *Store) FlushMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if !s.pinned[k] {
			delete(s.cache, k)
		}
	}
}

// durable reads key straight from the backend, bypassing the cache.
func (s *Store) durable(key string) ([]byte, error) {
	return s.load(s.ScopeKey(key))
}

// adopt replaces the cached value of key with raw read from the backend and
// drops the pin left by an earlier failed write.
func (s *Store) adopt(key string, raw []byte) {
	sk := s.ScopeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[sk] = raw
	delete(s.pinned, sk)
}

// CompressionStats reports raw and stored sizes for every key in the backend.
func (s *Store) CompressionStats() ([]KeyStats, error) {
	keys, err := s.backend.Keys()
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	stats := make([]KeyStats, 0, len(keys))
	for _, k := range keys {
		stored, err := s.backend.Get(k)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", k, err)
		}
		raw, err := s.decode(k, stored)
		if err != nil {
			s.logger.Warn("skipping undecodable key", "key", k, "error", err)
			continue
		}
		stats = append(stats, KeyStats{
			Key:         k,
			RawBytes:    len(raw),
			StoredBytes: len(stored),
			Encoded:     string(raw) != string(stored),
		})
	}
	return stats, nil
}

// Close waits for in-flight remote forwards to finish.
func (s *Store) Close() error {
	s.forwards.Wait()
	return nil
}

func (s *Store) cached(sk string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.cache[sk]
	return raw, ok
}

// load reads and decodes a physical key.
func (s *Store) load(sk string) ([]byte, error) {
	stored, err := s.backend.Get(sk)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", sk, err)
	}
	raw, err := s.decode(sk, stored)
	if err != nil {
		s.metrics.Inc("store", "decode_failed")
		return nil, err
	}
	return raw, nil
}

// decode runs the codec and falls back to the stored bytes when they are plain JSON.
func (s *Store) decode(sk string, stored []byte) ([]byte, error) {
	raw, err := s.codec.Decode(stored)
	if err == nil && json.Valid(raw) {
		return raw, nil
	}
	if json.Valid(stored) {
		return stored, nil
	}
	if err == nil {
		err = errors.New("decoded value is not JSON")
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrDecode, sk, err)
}

func (s *Store) migrate(legacy, sk string, raw []byte) {
	s.metrics.Inc("store", "legacy_migrated")
	if err := s.persist(sk, raw); err != nil {
		s.logger.Warn("legacy key migration not persisted", "from", legacy, "to", sk, "error", err)
		return
	}
	s.logger.Debug("legacy key migrated", "from", legacy, "to", sk)
}

// persist encodes raw and writes it to the backend. A quota failure triggers
// one cleanup of old day records followed by a single retry.
func (s *Store) persist(sk string, raw []byte) error {
	enc, err := s.codec.Encode(raw)
	if err != nil {
		s.pin(sk, true)
		return fmt.Errorf("encoding %s: %w", sk, err)
	}

	err = s.backend.Put(sk, enc)
	if errors.Is(err, ErrQuotaExceeded) {
		if removed := s.pruneOldDays(); removed > 0 {
			err = s.backend.Put(sk, enc)
		}
	}
	s.pin(sk, err != nil)
	return err
}

func (s *Store) pin(sk string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.pinned[sk] = true
	} else {
		delete(s.pinned, sk)
	}
}

// pruneOldDays deletes day records older than the retention window and
// returns how many were removed.
func (s *Store) pruneOldDays() int {
	keys, err := s.backend.Keys()
	if err != nil {
		s.logger.Warn("quota cleanup could not list keys", "error", err)
		return 0
	}

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays).Format(time.DateOnly)
	var stale []string
	for _, k := range keys {
		i := strings.LastIndex(k, dayKeyPrefix)
		if i < 0 {
			continue
		}
		date := k[i+len(dayKeyPrefix):]
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			continue
		}
		if date < cutoff {
			stale = append(stale, k)
		}
	}
	sort.Strings(stale)

	removed := 0
	for _, k := range stale {
		if err := s.backend.Delete(k); err != nil {
			s.logger.Warn("quota cleanup delete failed", "key", k, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.cache, k)
		s.mu.Unlock()
		removed++
	}

	if removed > 0 {
		s.metrics.Inc("store", "quota_pruned")
		s.logger.Info("removed old day records after quota error", "count", removed, "cutoff", cutoff)
	}
	return removed
}

func (s *Store) notify(sk string, raw []byte) {
	s.watchMu.Lock()
	ids := make([]uint64, 0, len(s.watchers[sk]))
	for id := range s.watchers[sk] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[sk][id])
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		s.callWatcher(sk, fn, raw)
	}
}

func (s *Store) callWatcher(sk string, fn func(json.RawMessage), raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("store watcher panicked", "key", sk, "panic", r)
		}
	}()
	fn(append(json.RawMessage(nil), raw...))
}

// forward hands the value to the remote layer without waiting for it.
func (s *Store) forward(tenant, logical string, raw []byte) {
	if s.forwarder == nil || tenant == "" {
		return
	}

	value := append(json.RawMessage(nil), raw...)
	s.forwards.Add(1)
	go func() {
		defer s.forwards.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("remote forward panicked", "key", logical, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.forwardTimeout)
		defer cancel()
		if err := s.forwarder.ForwardKey(ctx, tenant, logical, value); err != nil {
			s.metrics.Inc("store", "forward_failed")
			s.logger.Warn("remote forward failed", "tenant", tenant, "key", logical, "error", err)
		}
	}()
}
