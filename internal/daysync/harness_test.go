package daysync_test

import (
	"testing"
	"time"

	"daysync/internal/backend"
	"daysync/internal/daysync"
	"daysync/internal/testutil"
)

const testTenant = "acme"

// session wires one tab's worth of engine components over a shared backend.
type session struct {
	clock    *testutil.StubClock
	sched    *testutil.StubScheduler
	backend  *testutil.FlakyBackend
	store    *daysync.Store
	records  *daysync.Records
	day      *daysync.Day
	bc       daysync.Broadcaster
	events   *daysync.Events
	saver    *daysync.Autosaver
	hydrator *daysync.Hydrator
	metrics  *testutil.CountingMetrics
}

type sessionConfig struct {
	clock     *testutil.StubClock
	backend   daysync.Backend
	remote    daysync.RemoteReader
	bc        daysync.Broadcaster
	sourceID  string
	hydration daysync.HydrationOptions
}

func newSession(t *testing.T, cfg sessionConfig) *session {
	t.Helper()

	if cfg.clock == nil {
		cfg.clock = testutil.FixedClock()
	}
	if cfg.backend == nil {
		cfg.backend = backend.NewMemoryBackend("test", 0)
	}
	if cfg.bc == nil {
		cfg.bc = testutil.NewRecordingBroadcaster()
	}
	if cfg.sourceID == "" {
		cfg.sourceID = "tab"
	}

	s := &session{
		clock:   cfg.clock,
		sched:   testutil.NewStubScheduler(cfg.clock),
		backend: testutil.NewFlakyBackend(cfg.backend),
		bc:      cfg.bc,
		events:  daysync.NewEvents(),
		metrics: testutil.NewCountingMetrics(),
	}
	logger := daysync.NewNopLogger()

	s.store = testutil.NewTestStore(t, s.backend, nil, s.clock, daysync.StoreOptions{Tenant: testTenant, Metrics: s.metrics})
	s.records = daysync.NewRecords(s.store)
	s.day = daysync.NewDay(s.clock)
	s.saver = daysync.NewAutosaver(s.day, s.records, s.bc, logger, s.clock, s.sched,
		testutil.NewStubIDGenerator(cfg.sourceID), daysync.AutosaveOptions{Metrics: s.metrics})

	opts := cfg.hydration
	opts.Metrics = s.metrics
	s.hydrator = daysync.NewHydrator(s.day, s.records, s.saver, cfg.remote, s.events, logger, s.clock, opts)
	unbridge := daysync.BridgeBroadcast(s.bc, s.events, logger)

	t.Cleanup(func() {
		unbridge()
		s.hydrator.Close()
		s.saver.Close()
	})
	return s
}

// stored reads the durable record of date, bypassing the session's cache.
func (s *session) stored(t *testing.T, date string) (daysync.DayRecord, bool) {
	t.Helper()
	rec, found, err := s.records.Reload(date)
	if err != nil {
		t.Fatalf("Reload(%s) error: %v", date, err)
	}
	return rec, found
}

func record(date string, updatedAt int64, source string, payload daysync.Payload) daysync.DayRecord {
	return daysync.DayRecord{
		Date:          date,
		UpdatedAt:     updatedAt,
		SourceID:      source,
		SchemaVersion: daysync.DefaultSchemaVersion,
		Payload:       payload,
	}
}

func ptr(rec daysync.DayRecord) *daysync.DayRecord { return &rec }

// settle lets the clock move past the dedupe window.
func (s *session) settle() {
	s.clock.Advance(time.Second)
}
