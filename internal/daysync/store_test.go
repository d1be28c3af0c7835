package daysync_test

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daysync/internal/backend"
	"daysync/internal/codec"
	"daysync/internal/daysync"
	"daysync/internal/testutil"
)

func TestStore_ScopeKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		tenant string
		key    string
		want   string
	}{
		{name: "day key", tenant: "acme", key: "dayv2_2024-03-01", want: "acme_dayv2_2024-03-01"},
		{name: "already scoped", tenant: "acme", key: "acme_dayv2_2024-03-01", want: "acme_dayv2_2024-03-01"},
		{name: "tenant directory", tenant: "acme", key: "clients", want: "clients"},
		{name: "current tenant pointer", tenant: "acme", key: "client_current", want: "client_current"},
		{name: "no tenant", tenant: "", key: "dayv2_2024-03-01", want: "dayv2_2024-03-01"},
		{name: "prefix added", prefix: "heys", tenant: "acme", key: "dayv2_2024-03-01", want: "heys_acme_dayv2_2024-03-01"},
		{name: "prefix kept", prefix: "heys", tenant: "acme", key: "heys_dayv2_2024-03-01", want: "heys_acme_dayv2_2024-03-01"},
		{name: "prefixed and scoped", prefix: "heys", tenant: "acme", key: "heys_acme_profile", want: "heys_acme_profile"},
		{name: "prefixed unscoped", prefix: "heys", tenant: "acme", key: "heys_clients", want: "heys_clients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewTestStore(t, nil, nil, testutil.FixedClock(), daysync.StoreOptions{KeyPrefix: tt.prefix, Tenant: tt.tenant})
			assert.Equal(t, tt.want, s.ScopeKey(tt.key))
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	type meal struct {
		Name  string  `json:"name"`
		Grams float64 `json:"grams"`
	}
	type day struct {
		Date  string `json:"date"`
		Meals []meal `json:"meals"`
		Mood  *int   `json:"mood"`
		Done  bool   `json:"done"`
	}

	be := backend.NewMemoryBackend("test", 0)
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant})

	in := day{Date: "2024-03-01", Meals: []meal{{Name: "oats", Grams: 50.5}, {Name: "¤tea¤", Grams: 200}}, Done: true}
	require.NoError(t, s.Set("dayv2_2024-03-01", in))

	s.FlushMemory()
	var out day
	found, err := s.Get("dayv2_2024-03-01", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestStore_ReadsValuesFromOtherEncoders(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	plain := `{"date":"2024-03-01","meals":[],"items":[],"mood":3,"steps":1}`
	compacted, err := codec.CompactCodec{}.Encode([]byte(plain))
	require.NoError(t, err)
	require.NoError(t, be.Put("acme_plain", []byte(plain)))
	require.NoError(t, be.Put("acme_compact", compacted))

	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant})
	for _, key := range []string{"plain", "compact"} {
		var v map[string]any
		found, err := s.Get(key, &v)
		require.NoError(t, err, key)
		require.True(t, found, key)
		assert.Equal(t, float64(3), v["mood"], key)
	}
}

func TestStore_DecodeFailureReadsAsAbsent(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	require.NoError(t, be.Put("acme_broken", []byte(codec.CompactMarker+"{not json")))
	metrics := testutil.NewCountingMetrics()
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant, Metrics: metrics})

	var v map[string]any
	found, err := s.Get("broken", &v)
	assert.False(t, found)
	assert.ErrorIs(t, err, daysync.ErrDecode)
	assert.Equal(t, 1, metrics.Count("store", "decode_failed"))

	assert.Equal(t, "fallback", daysync.GetValue(s, "broken", "fallback"))

	// A value of the wrong shape is a decode failure too.
	require.NoError(t, s.Set("count", "seven"))
	var n int
	_, err = s.Get("count", &n)
	assert.ErrorIs(t, err, daysync.ErrDecode)
}

func TestStore_LegacyKeyMigration(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	legacy := `{"date":"2025-01-01","updatedAt":10,"mood":2}`
	require.NoError(t, be.Put("dayv2_2025-01-01", []byte(legacy)))
	metrics := testutil.NewCountingMetrics()
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant, Metrics: metrics})

	var rec daysync.DayRecord
	found, err := s.Get("dayv2_2025-01-01", &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(10), rec.UpdatedAt)
	assert.Equal(t, json.Number("2"), rec.Payload["mood"])

	migrated, err := be.Get("acme_dayv2_2025-01-01")
	require.NoError(t, err, "value should be persisted under the scoped key")
	decoded, err := codec.CompactCodec{}.Decode(migrated)
	require.NoError(t, err)
	assert.JSONEq(t, legacy, string(decoded))
	assert.Equal(t, 1, metrics.Count("store", "legacy_migrated"))

	// The legacy key is left alone for other tenants still reading it.
	_, err = be.Get("dayv2_2025-01-01")
	assert.NoError(t, err)

	// A scoped value shadows the legacy one.
	require.NoError(t, s.Set("dayv2_2025-01-01", map[string]int{"updatedAt": 20}))
	s.FlushMemory()
	var again map[string]int
	_, err = s.Get("dayv2_2025-01-01", &again)
	require.NoError(t, err)
	assert.Equal(t, 20, again["updatedAt"])
}

func TestStore_MissingKey(t *testing.T) {
	s := testutil.NewTestStore(t, nil, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant})

	var v string
	found, err := s.Get("nothing", &v)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 7, daysync.GetValue(s, "nothing", 7))

	found, err = s.Get("nothing", nil)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestStore_DurabilityFailureKeepsMemoryAuthoritative(t *testing.T) {
	be := testutil.NewFlakyBackend(backend.NewMemoryBackend("test", 0))
	metrics := testutil.NewCountingMetrics()
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant, Metrics: metrics})

	be.FailPuts(testutil.ErrInjected)
	err := s.Set("profile", map[string]string{"name": "Ann"})
	require.Error(t, err)
	assert.ErrorIs(t, err, daysync.ErrDurability)
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, 1, metrics.Count("store", "write_failed"))

	// The unsaved value must survive cache invalidation.
	s.Invalidate("profile")
	s.FlushMemory()
	var v map[string]string
	found, err := s.Get("profile", &v)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", v["name"])

	// Once a write succeeds the key is an ordinary cache entry again.
	be.FailPuts(nil)
	require.NoError(t, s.Set("profile", map[string]string{"name": "Bea"}))
	s.Invalidate("profile")
	_, err = s.Get("profile", &v)
	require.NoError(t, err)
	assert.Equal(t, "Bea", v["name"])
}

func TestStore_QuotaRecoveryPrunesOldDays(t *testing.T) {
	mem := backend.NewMemoryBackend("test", 200)
	be := testutil.NewFlakyBackend(mem)
	metrics := testutil.NewCountingMetrics()

	// FixedClock is 2024-03-01, so the 60-day window starts at 2024-01-01.
	require.NoError(t, mem.Put("acme_dayv2_2023-12-01", []byte(strings.Repeat("x", 100))))
	require.NoError(t, mem.Put("acme_dayv2_2024-02-20", []byte(strings.Repeat("y", 20))))

	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant, Metrics: metrics})
	require.NoError(t, s.Set("settings", strings.Repeat("z", 40)))

	assert.Equal(t, []string{"acme_dayv2_2023-12-01"}, be.Deletes())
	assert.Equal(t, 1, metrics.Count("store", "quota_pruned"))
	_, err := mem.Get("acme_dayv2_2024-02-20")
	assert.NoError(t, err, "recent day must be kept")
}

func TestStore_QuotaRecoveryGivesUp(t *testing.T) {
	mem := backend.NewMemoryBackend("test", 50)
	s := testutil.NewTestStore(t, mem, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant})

	err := s.Set("settings", strings.Repeat("z", 100))
	assert.ErrorIs(t, err, daysync.ErrDurability)
	assert.ErrorIs(t, err, daysync.ErrQuotaExceeded)

	var v string
	found, _ := s.Get("settings", &v)
	assert.True(t, found)
}

func TestStore_Watchers(t *testing.T) {
	s := testutil.NewTestStore(t, nil, nil, testutil.FixedClock(), daysync.StoreOptions{KeyPrefix: "heys", Tenant: testTenant})

	var got []string
	s.Watch("dayv2_2024-03-01", func(json.RawMessage) { panic("watcher bug") })
	unwatch := s.Watch("heys_dayv2_2024-03-01", func(raw json.RawMessage) {
		got = append(got, string(raw))
	})
	s.Watch("other", func(json.RawMessage) { t.Error("unrelated watcher called") })

	require.NoError(t, s.Set("dayv2_2024-03-01", 1))
	require.NoError(t, s.Set("heys_acme_dayv2_2024-03-01", 2))
	unwatch()
	require.NoError(t, s.Set("dayv2_2024-03-01", 3))

	assert.Equal(t, []string{"1", "2"}, got)
}

func TestStore_WatchersFollowTheirTenant(t *testing.T) {
	s := testutil.NewTestStore(t, nil, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: "acme"})

	var got []string
	s.Watch("profile", func(raw json.RawMessage) { got = append(got, string(raw)) })

	s.SetTenant("globex")
	require.NoError(t, s.Set("profile", "globex"))
	s.SetTenant("acme")
	require.NoError(t, s.Set("profile", "acme"))

	assert.Equal(t, []string{`"acme"`}, got)
}

// pausingBackend blocks the first Get after it has read the stored value.
type pausingBackend struct {
	daysync.Backend

	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (b *pausingBackend) Get(key string) ([]byte, error) {
	v, err := b.Backend.Get(key)
	b.once.Do(func() {
		close(b.read)
		<-b.release
	})
	return v, err
}

func TestStore_ConcurrentSetIsNotOverwrittenByMissLoad(t *testing.T) {
	mem := backend.NewMemoryBackend("test", 0)
	require.NoError(t, mem.Put("k", []byte(`"old"`)))
	be := &pausingBackend{Backend: mem, read: make(chan struct{}), release: make(chan struct{})}
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{})

	done := make(chan string)
	go func() {
		var v string
		_, _ = s.Get("k", &v)
		done <- v
	}()

	<-be.read
	require.NoError(t, s.Set("k", "new"))
	close(be.release)

	assert.Equal(t, "new", <-done)
	assert.Equal(t, "new", daysync.GetValue(s, "k", ""))
	stored, err := mem.Get("k")
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(stored))
}

func TestStore_ForwardsWrites(t *testing.T) {
	remote := testutil.NewStubRemote()
	s := testutil.NewTestStore(t, nil, remote, testutil.FixedClock(), daysync.StoreOptions{KeyPrefix: "heys", Tenant: testTenant})

	require.NoError(t, s.Set("heys_dayv2_2024-03-01", map[string]int{"mood": 3}))
	require.NoError(t, s.Set("clients", []string{"acme"}))
	require.NoError(t, s.Close())

	fwd := remote.Forwarded()
	require.Len(t, fwd, 2)
	keys := map[string]string{}
	for _, f := range fwd {
		assert.Equal(t, testTenant, f.Tenant)
		keys[f.Key] = string(f.Value)
	}
	assert.JSONEq(t, `{"mood":3}`, keys["dayv2_2024-03-01"])
	assert.JSONEq(t, `["acme"]`, keys["clients"])
}

func TestStore_ForwardFailureIsAbsorbed(t *testing.T) {
	remote := testutil.NewStubRemote()
	remote.ForwardErr = errors.New("offline")
	metrics := testutil.NewCountingMetrics()
	s := testutil.NewTestStore(t, nil, remote, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant, Metrics: metrics})

	assert.NoError(t, s.Set("profile", "x"))
	require.NoError(t, s.Close())
	assert.Equal(t, 1, metrics.Count("store", "forward_failed"))
}

func TestStore_NoTenantDoesNotForward(t *testing.T) {
	remote := testutil.NewStubRemote()
	s := testutil.NewTestStore(t, nil, remote, testutil.FixedClock(), daysync.StoreOptions{})

	require.NoError(t, s.Set("profile", "x"))
	require.NoError(t, s.Close())
	assert.Empty(t, remote.Forwarded())
}

func TestStore_SetTenant(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: "acme"})

	require.NoError(t, s.Set("profile", "acme profile"))
	s.SetTenant("globex")
	assert.Equal(t, "globex", s.Tenant())
	assert.Equal(t, "none", daysync.GetValue(s, "profile", "none"))

	require.NoError(t, s.Set("profile", "globex profile"))
	s.SetTenant("acme")
	assert.Equal(t, "acme profile", daysync.GetValue(s, "profile", ""))

	keys, err := be.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme_profile", "globex_profile"}, keys)
}

func TestStore_CompressionStats(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	s := testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant})

	meals := make([]map[string]any, 0, 10)
	for i := 0; i < 10; i++ {
		meals = append(meals, map[string]any{"name": "oats", "grams": 50, "kcal100": 370, "protein100": 13})
	}
	require.NoError(t, s.Set("dayv2_2024-03-01", map[string]any{"date": "2024-03-01", "meals": meals}))
	require.NoError(t, s.Set("theme", "dark"))

	stats, err := s.CompressionStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byKey := map[string]daysync.KeyStats{}
	for _, st := range stats {
		byKey[st.Key] = st
	}
	day := byKey["acme_dayv2_2024-03-01"]
	assert.True(t, day.Encoded)
	assert.Less(t, day.StoredBytes, day.RawBytes)
	theme := byKey["acme_theme"]
	assert.False(t, theme.Encoded)
	assert.Equal(t, theme.RawBytes, theme.StoredBytes)
}
