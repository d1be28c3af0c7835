package daysync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// HydrationState is the lifecycle of the active date.
type HydrationState int

const (
	StateIdle HydrationState = iota
	StateLoadingLocal
	StateLocalLoaded
	StateReconciled
)

func (s HydrationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingLocal:
		return "loading_local"
	case StateLocalLoaded:
		return "local_loaded"
	case StateReconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

const (
	DefaultDedupeWindow    = 100 * time.Millisecond
	DefaultExternalHoldoff = 3 * time.Second
	DefaultRemoteTimeout   = 15 * time.Second
)

// remoteSources are notification origins that carry data from the network.
// They are held off for a while after a local edit.
var remoteSources = map[string]bool{
	SourceCloud:     true,
	SourceCloudSync: true,
	SourceMerge:     true,
	SourceFetchDays: true,
}

// HydrationOptions tunes a Hydrator. Zero values select the defaults; a
// negative ExternalHoldoff disables the holdoff.
type HydrationOptions struct {
	DedupeWindow    time.Duration
	ExternalHoldoff time.Duration
	RemoteTimeout   time.Duration
	Metrics         Metrics
}

// Saver is the part of the Autosaver the Hydrator drives.
type Saver interface {
	Flush() (FlushResult, error)
	Baseline(rec DayRecord)
	SetDisabled(v bool)
}

type lastEvent struct {
	date      string
	source    string
	at        time.Time
	updatedAt int64
}

// Hydrator loads the active date into a Day, reconciles it with the remote
// copy, and merges update notifications. A record replaces the in-memory one
// only when its UpdatedAt is above both the watermark and the in-memory
// record's own UpdatedAt.
type Hydrator struct {
	day     *Day
	records *Records
	saver   Saver
	remote  RemoteReader
	logger  Logger
	clock   Clock
	metrics Metrics
	opts    HydrationOptions

	// applyMu serializes everything that replaces the in-memory record.
	// Day watchers run under it and must not call SetDate or HandleUpdate.
	applyMu sync.Mutex

	mu        sync.Mutex // guards the fields below
	date      string
	state     HydrationState
	watermark int64
	gen       uint64 // bumped on every date change; stale responses carry an old value
	last      lastEvent
	hasLast   bool
	closed    bool

	ctx         context.Context
	cancel      context.CancelFunc
	inflight    sync.WaitGroup
	unsubscribe func()
}

// NewHydrator creates a Hydrator and subscribes it to events when events is non-nil.
// remote may be nil, in which case the state never leaves LocalLoaded.
func NewHydrator(day *Day, records *Records, saver Saver, remote RemoteReader, events *Events, logger Logger, clock Clock, opts HydrationOptions) *Hydrator {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	if opts.ExternalHoldoff == 0 {
		opts.ExternalHoldoff = DefaultExternalHoldoff
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hydrator{
		day:     day,
		records: records,
		saver:   saver,
		remote:  remote,
		logger:  logger,
		clock:   clock,
		metrics: opts.Metrics,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	if events != nil {
		h.unsubscribe = events.Subscribe(h.HandleUpdate)
	}
	return h
}

// Date returns the active date.
func (h *Hydrator) Date() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.date
}

// State returns the hydration state of the active date.
func (h *Hydrator) State() HydrationState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Watermark returns the highest UpdatedAt accepted for the active date.
func (h *Hydrator) Watermark() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watermark
}

// SetDate makes date the active date. The previous date's record is flushed
// before anything is loaded. The local record (or a default one) is in the
// Day when SetDate returns; remote reconciliation continues in the background.
func (h *Hydrator) SetDate(date string) {
	h.applyMu.Lock()

	h.mu.Lock()
	prev, closed := h.date, h.closed
	h.mu.Unlock()
	if closed {
		h.applyMu.Unlock()
		return
	}

	if prev != "" {
		if _, err := h.saver.Flush(); err != nil {
			h.logger.Warn("flush before date change failed", "date", prev, "error", err)
		}
	}

	h.mu.Lock()
	h.gen++
	gen := h.gen
	h.date = date
	h.state = StateLoadingLocal
	h.watermark = 0
	h.hasLast = false
	h.mu.Unlock()

	h.saver.SetDisabled(true)
	rec := h.loadLocal(date)
	h.saver.Baseline(rec)
	h.day.Replace(rec, OriginStorage)

	h.mu.Lock()
	h.watermark = rec.UpdatedAt
	h.state = StateLocalLoaded
	h.mu.Unlock()
	h.saver.SetDisabled(false)
	h.applyMu.Unlock()

	h.logger.Debug("day loaded", "date", date, "updated_at", rec.UpdatedAt)

	if h.remote == nil {
		return
	}
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		_ = h.reconcile(h.ctx, gen, date)
	}()
}

// Reconcile fetches the remote copy of the active date now. It is the
// explicit retry path after a failed background reconciliation.
func (h *Hydrator) Reconcile(ctx context.Context) error {
	h.mu.Lock()
	date, gen, closed := h.date, h.gen, h.closed
	h.mu.Unlock()
	if date == "" || closed || h.remote == nil {
		return nil
	}
	return h.reconcile(ctx, gen, date)
}

// HandleUpdate merges an update notification for the active date.
func (h *Hydrator) HandleUpdate(ev UpdateEvent) {
	h.applyMu.Lock()
	defer h.applyMu.Unlock()

	h.mu.Lock()
	active, closed := h.date, h.closed
	h.mu.Unlock()
	if closed || active == "" {
		return
	}

	date := ev.Date
	if date == "" {
		date = active
	}
	if date != active {
		return
	}

	ts := ev.UpdatedAt
	if ts == 0 && ev.Record != nil {
		ts = ev.Record.UpdatedAt
	}

	now := h.clock.Now()
	h.mu.Lock()
	dup := h.isDuplicate(date, ev.Source, now, ts)
	if !dup {
		h.last = lastEvent{date: date, source: ev.Source, at: now, updatedAt: ts}
		h.hasLast = true
	}
	h.mu.Unlock()
	if dup {
		h.metrics.Inc("hydration", "duplicate_dropped")
		h.logger.Debug("duplicate update dropped", "date", date, "source", ev.Source)
		return
	}

	if !ev.Force && remoteSources[ev.Source] && h.inHoldoff(now) {
		h.metrics.Inc("hydration", "held_off")
		h.logger.Debug("update held off after local edit", "date", date, "source", ev.Source)
		return
	}

	if ev.TimestampOnly {
		h.mu.Lock()
		if ts > h.watermark {
			h.watermark = ts
		}
		h.mu.Unlock()
		return
	}

	var rec DayRecord
	if ev.Record != nil {
		rec = ev.Record.Clone()
	} else {
		reloaded, found, err := h.records.Reload(date)
		if err != nil {
			h.logger.Warn("reload after update failed", "date", date, "source", ev.Source, "error", err)
			return
		}
		if !found {
			return
		}
		rec = reloaded
	}
	if rec.Date == "" {
		rec.Date = date
	}

	current := h.day.Get()
	if mark := h.mark(current); rec.UpdatedAt <= mark {
		h.metrics.Inc("hydration", "stale_dropped")
		h.logger.Debug("stale update ignored", "date", date, "source", ev.Source, "updated_at", rec.UpdatedAt, "mark", mark)
		return
	}
	if !rec.Meaningful() && current.Meaningful() {
		h.logger.Debug("empty update ignored", "date", date, "source", ev.Source)
		return
	}

	h.saver.Baseline(rec)
	h.day.Replace(rec, OriginExternal)
	h.setWatermark(rec.UpdatedAt)
	h.metrics.Inc("hydration", "update_applied")
	h.logger.Debug("update applied", "date", date, "source", ev.Source, "updated_at", rec.UpdatedAt)
}

// Wait blocks until background reconciliations have finished.
func (h *Hydrator) Wait() {
	h.inflight.Wait()
}

// Close stops accepting notifications, drops in-flight remote responses and
// waits for them to return.
func (h *Hydrator) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.gen++
	h.mu.Unlock()

	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.cancel()
	h.inflight.Wait()
}

func (h *Hydrator) loadLocal(date string) DayRecord {
	rec, found, err := h.records.Reload(date)
	if err != nil {
		h.logger.Warn("local load failed, using default record", "date", date, "error", err)
	}
	if err != nil || !found {
		return NewDefaultRecord(date)
	}
	rec.Date = date
	return rec
}

func (h *Hydrator) reconcile(ctx context.Context, gen uint64, date string) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.RemoteTimeout)
	defer cancel()

	remote, err := h.remote.FetchDay(ctx, h.records.Tenant(), date)

	h.applyMu.Lock()
	defer h.applyMu.Unlock()

	h.mu.Lock()
	stale := gen != h.gen || h.closed
	h.mu.Unlock()
	if stale {
		h.metrics.Inc("hydration", "late_response_dropped")
		h.logger.Debug("late remote response dropped", "date", date)
		return nil
	}

	switch {
	case errors.Is(err, ErrRemoteNotFound):
		h.setState(StateReconciled)
		return nil
	case err != nil:
		h.metrics.Inc("hydration", "remote_failed")
		h.logger.Warn("remote reconciliation failed", "date", date, "error", err)
		return err
	}

	if remote.Date == "" {
		remote.Date = date
	}
	if remote.Date != date {
		h.logger.Warn("remote returned a different date", "want", date, "got", remote.Date)
		h.setState(StateReconciled)
		return nil
	}

	if remote.UpdatedAt > h.mark(h.day.Get()) {
		h.day.Replace(remote, OriginRemote)
		h.setWatermark(remote.UpdatedAt)
		h.metrics.Inc("hydration", "remote_applied")
		h.logger.Info("remote copy applied", "date", date, "updated_at", remote.UpdatedAt)
	}
	h.setState(StateReconciled)
	return nil
}

// mark is the UpdatedAt an incoming record must exceed.
func (h *Hydrator) mark(current DayRecord) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return max(h.watermark, current.UpdatedAt)
}

func (h *Hydrator) setWatermark(ts int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ts > h.watermark {
		h.watermark = ts
	}
}

func (h *Hydrator) setState(s HydrationState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *Hydrator) isDuplicate(date, source string, now time.Time, ts int64) bool {
	if !h.hasLast {
		return false
	}
	l := h.last
	return l.date == date && l.source == source && now.Sub(l.at) < h.opts.DedupeWindow && ts <= l.updatedAt
}

func (h *Hydrator) inHoldoff(now time.Time) bool {
	if h.opts.ExternalHoldoff < 0 {
		return false
	}
	edit := h.day.LastLocalEdit()
	return !edit.IsZero() && now.Sub(edit) < h.opts.ExternalHoldoff
}
