package daysync

import (
	"errors"
	"sync"
	"time"
)

// DefaultDebounce is the quiet interval before a changed record is flushed.
const DefaultDebounce = 500 * time.Millisecond

// AutosaveOptions tunes an Autosaver. Zero values select the defaults.
type AutosaveOptions struct {
	Debounce time.Duration
	Metrics  Metrics
}

// FlushResult reports what a flush did.
type FlushResult int

const (
	// FlushSkipped: disabled, closed, no active date, or nothing changed.
	FlushSkipped FlushResult = iota
	// FlushWritten: the record was written and broadcast.
	FlushWritten
	// FlushDiscarded: a newer record was already stored.
	FlushDiscarded
)

func (r FlushResult) String() string {
	switch r {
	case FlushSkipped:
		return "skipped"
	case FlushWritten:
		return "written"
	case FlushDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Autosaver persists a Day whenever its payload changes. Bursts of edits are
// collapsed by a debounce timer; Flush and the lifecycle hooks write
// immediately.
type Autosaver struct {
	day         *Day
	records     *Records
	broadcaster Broadcaster
	logger      Logger
	clock       Clock
	sched       Scheduler
	metrics     Metrics

	sourceID string
	debounce time.Duration

	flushMu sync.Mutex // serializes writes

	mu          sync.Mutex
	lastSnap    string
	lastDate    string
	hasBaseline bool
	timer       Timer
	disabled    bool
	closed      bool

	unwatch func()
}

// NewAutosaver starts observing day. The writer identity is drawn from idgen once.
func NewAutosaver(day *Day, records *Records, broadcaster Broadcaster, logger Logger, clock Clock, sched Scheduler, idgen IDGenerator, opts AutosaveOptions) *Autosaver {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}

	a := &Autosaver{
		day:         day,
		records:     records,
		broadcaster: broadcaster,
		logger:      logger,
		clock:       clock,
		sched:       sched,
		metrics:     opts.Metrics,
		sourceID:    idgen.New(),
		debounce:    opts.Debounce,
	}
	a.unwatch = day.Watch(a.observe)
	return a
}

// SourceID returns this session's writer identity.
func (a *Autosaver) SourceID() string { return a.sourceID }

// SetDisabled suppresses scheduling and flushing while v is true.
// Disabling cancels a pending debounced flush.
func (a *Autosaver) SetDisabled(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = v
	if v {
		a.stopTimerLocked()
	}
}

// Baseline records rec's payload as already persisted, so observing it does
// not schedule a write. A pending debounced flush is cancelled.
func (a *Autosaver) Baseline(rec DayRecord) {
	snap, err := payloadSnapshot(rec.Payload)
	if err != nil {
		a.logger.Warn("autosave baseline not recorded", "date", rec.Date, "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSnap = snap
	a.lastDate = rec.Date
	a.hasBaseline = true
	a.stopTimerLocked()
}

// Flush writes the current record now if its payload differs from the last
// flushed one. Calling it again without a change is a no-op.
func (a *Autosaver) Flush() (FlushResult, error) {
	return a.flush()
}

// OnHidden flushes when the host is backgrounded.
func (a *Autosaver) OnHidden() {
	a.flushAndLog("hidden")
}

// OnUnload flushes when the host is about to exit.
func (a *Autosaver) OnUnload() {
	a.flushAndLog("unload")
}

// Close cancels any pending timer, flushes unless disabled, and stops
// observing the day. It is safe to call more than once.
func (a *Autosaver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.stopTimerLocked()
	a.mu.Unlock()

	_, err := a.flush()

	a.mu.Lock()
	a.closed = true
	a.stopTimerLocked()
	a.mu.Unlock()

	a.unwatch()
	return err
}

func (a *Autosaver) flushAndLog(trigger string) {
	if _, err := a.flush(); err != nil {
		a.logger.Warn("forced flush failed", "trigger", trigger, "error", err)
	}
}

// observe runs on every change of the day.
func (a *Autosaver) observe(rec DayRecord, _ Origin) {
	snap, err := payloadSnapshot(rec.Payload)
	if err != nil {
		a.logger.Warn("autosave could not snapshot record", "date", rec.Date, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disabled || a.closed {
		return
	}
	// The first record seen for a date is what was loaded, not an edit.
	if !a.hasBaseline || a.lastDate != rec.Date {
		a.lastSnap = snap
		a.lastDate = rec.Date
		a.hasBaseline = true
		return
	}
	if snap == a.lastSnap {
		return
	}

	a.stopTimerLocked()
	a.timer = a.sched.AfterFunc(a.debounce, a.fire)
}

func (a *Autosaver) fire() {
	a.flushAndLog("debounce")
}

func (a *Autosaver) flush() (FlushResult, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if a.disabled || a.closed {
		a.mu.Unlock()
		return FlushSkipped, nil
	}
	a.stopTimerLocked()

	rec := a.day.Get()
	if rec.Date == "" {
		a.mu.Unlock()
		return FlushSkipped, nil
	}
	snap, err := payloadSnapshot(rec.Payload)
	if err != nil {
		a.mu.Unlock()
		return FlushSkipped, err
	}
	if a.hasBaseline && a.lastDate == rec.Date && snap == a.lastSnap {
		a.mu.Unlock()
		return FlushSkipped, nil
	}
	a.mu.Unlock()

	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = millis(a.clock)
	}
	rec.SourceID = a.sourceID
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = DefaultSchemaVersion
	}

	outcome, err := a.records.Put(rec)

	a.mu.Lock()
	a.lastSnap = snap
	a.lastDate = rec.Date
	a.hasBaseline = true
	a.mu.Unlock()

	if outcome == WriteDiscarded {
		a.metrics.Inc("autosave", "race_lost")
		a.logger.Debug("autosave discarded, newer record stored", "date", rec.Date, "updated_at", rec.UpdatedAt)
		return FlushDiscarded, nil
	}

	a.metrics.Inc("autosave", "flush")
	if err != nil {
		a.logger.Warn("day record not persisted", "date", rec.Date, "error", err)
	}

	msg, merr := NewRecordMessage(rec)
	if merr == nil {
		merr = a.broadcaster.Post(msg)
	}
	if merr != nil && !errors.Is(merr, ErrChannelClosed) {
		a.logger.Warn("broadcast failed", "date", rec.Date, "error", merr)
	}

	return FlushWritten, err
}

func (a *Autosaver) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
