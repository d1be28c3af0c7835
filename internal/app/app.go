package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"daysync/internal/backend"
	"daysync/internal/broadcast"
	"daysync/internal/codec"
	"daysync/internal/config"
	"daysync/internal/daysync"
	"daysync/internal/remote"
)

// ErrNoDate is returned by operations that need an open date.
var ErrNoDate = errors.New("no date open")

// Options carries what the caller supplies beyond the config file.
type Options struct {
	// Passphrase unlocks the private key of an age codec.
	Passphrase string

	// Hub joins sessions in the same process when the broadcast type is "local".
	Hub *broadcast.LocalHub

	Metrics daysync.Metrics
	Verbose bool

	// Stderr receives log output besides the log file. Defaults to os.Stderr.
	Stderr io.Writer

	// Clock, Scheduler and IDs default to the real implementations.
	Clock     daysync.Clock
	Scheduler daysync.Scheduler
	IDs       daysync.IDGenerator
}

// App is one session of the sync engine: the layer between the CLI and the
// daysync components. It constructs everything from config and tears it down
// in order on Close.
type App struct {
	cfg      *config.Config
	logger   daysync.Logger
	logFile  *os.File
	backend  daysync.Backend
	store    *daysync.Store
	records  *daysync.Records
	day      *daysync.Day
	events   *daysync.Events
	bc       daysync.Broadcaster
	saver    *daysync.Autosaver
	hydrator *daysync.Hydrator
	unbridge func()
}

// New creates a fully wired App from cfg. The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = daysync.RealClock{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = daysync.RealScheduler{}
	}
	if opts.IDs == nil {
		opts.IDs = daysync.UUIDGenerator{}
	}
	if opts.Metrics == nil {
		opts.Metrics = daysync.NopMetrics{}
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	sessionID := opts.IDs.New()
	logger, logFile, err := newLogger(cfg.LogDir, sessionID, opts.Verbose, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &App{cfg: cfg, logger: log, logFile: logFile}
	if err := a.wire(ctx, opts, sessionID); err != nil {
		a.Close()
		return nil, err
	}
	log.Debug("session started", "tenant", cfg.Tenant, "storage", cfg.Storage.Type, "remote", cfg.Remote.Type, "broadcast", cfg.Broadcast.Type)
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options, sessionID string) error {
	cfg := a.cfg

	be, err := backend.NewBackendFromConfig(cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	a.backend = be
	if err := be.ValidateSetup(); err != nil {
		return fmt.Errorf("backend setup invalid: %w", err)
	}

	c, err := newCodec(cfg.Codec, opts.Passphrase)
	if err != nil {
		return err
	}

	rm, err := remote.NewRemoteFromConfig(ctx, cfg.Remote, a.logger)
	if err != nil {
		return fmt.Errorf("creating remote: %w", err)
	}

	bc, err := broadcast.NewBroadcasterFromConfig(ctx, cfg.Broadcast, opts.Hub, a.logger)
	if err != nil {
		return fmt.Errorf("creating broadcaster: %w", err)
	}
	a.bc = bc

	a.store = daysync.NewStore(be, c, rm, a.logger, opts.Clock, daysync.StoreOptions{
		KeyPrefix:      cfg.KeyPrefix,
		Tenant:         cfg.Tenant,
		RetentionDays:  cfg.Storage.RetentionDays,
		ForwardTimeout: cfg.Remote.Timeout(0),
		Metrics:        opts.Metrics,
	})
	a.records = daysync.NewRecords(a.store)
	a.day = daysync.NewDay(opts.Clock)
	a.events = daysync.NewEvents()

	a.saver = daysync.NewAutosaver(a.day, a.records, bc, a.logger, opts.Clock, opts.Scheduler,
		fixedID(sessionID), daysync.AutosaveOptions{
			Debounce: cfg.Autosave.Debounce(),
			Metrics:  opts.Metrics,
		})
	a.hydrator = daysync.NewHydrator(a.day, a.records, a.saver, rm, a.events, a.logger, opts.Clock, daysync.HydrationOptions{
		DedupeWindow:    cfg.Hydration.DedupeWindow(),
		ExternalHoldoff: cfg.Hydration.ExternalHoldoff(),
		RemoteTimeout:   cfg.Hydration.RemoteTimeout(),
		Metrics:         opts.Metrics,
	})
	a.unbridge = daysync.BridgeBroadcast(bc, a.events, a.logger)
	return nil
}

// newCodec builds the configured codec. An age codec must already have a key
// pair and is unlocked with passphrase; reading encrypted values while locked
// would make every record look absent.
func newCodec(cfg config.CodecConfig, passphrase string) (daysync.Codec, error) {
	c, err := codec.NewCodecFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}
	ac, ok := c.(*codec.AgeCodec)
	if !ok {
		return c, nil
	}
	if !ac.IsConfigured() {
		return nil, fmt.Errorf("age codec has no key pair: run 'daysync key generate' first")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("age codec requires a passphrase")
	}
	if err := ac.Unlock(passphrase); err != nil {
		return nil, fmt.Errorf("unlocking age codec: %w", err)
	}
	return ac, nil
}

// fixedID hands the session ID to the autosaver as its writer identity, so
// log lines and stored records carry the same value.
type fixedID string

func (f fixedID) New() string { return string(f) }

// SessionID returns the writer identity stamped on records this session stores.
func (a *App) SessionID() string { return a.saver.SourceID() }

// Tenant returns the active tenant.
func (a *App) Tenant() string { return a.store.Tenant() }

// Open makes date (YYYY-MM-DD) the active date.
func (a *App) Open(date string) error {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}
	a.hydrator.SetDate(date)
	return nil
}

// Day returns a copy of the active date's record.
func (a *App) Day() daysync.DayRecord { return a.day.Get() }

// State returns the hydration state of the active date.
func (a *App) State() daysync.HydrationState { return a.hydrator.State() }

// Edit applies fn to the active record. The change is persisted by autosave.
func (a *App) Edit(fn func(daysync.Payload)) (daysync.DayRecord, error) {
	if a.hydrator.Date() == "" {
		return daysync.DayRecord{}, ErrNoDate
	}
	return a.day.Mutate(fn), nil
}

// Flush persists the active record now.
func (a *App) Flush() (daysync.FlushResult, error) {
	return a.saver.Flush()
}

// Background tells the App that its host moved to the background. Pending
// edits are written immediately.
func (a *App) Background() { a.saver.OnHidden() }

// Unload tells the App that its host is about to exit without calling Close.
func (a *App) Unload() { a.saver.OnUnload() }

// Sync waits for background reconciliation, then fetches the remote copy again.
func (a *App) Sync(ctx context.Context) error {
	if a.hydrator.Date() == "" {
		return ErrNoDate
	}
	a.hydrator.Wait()
	return a.hydrator.Reconcile(ctx)
}

// Wait blocks until background reconciliation of the active date is done.
func (a *App) Wait() { a.hydrator.Wait() }

// Stats reports the stored size of every key in the backend.
func (a *App) Stats() ([]daysync.KeyStats, error) {
	return a.store.CompressionStats()
}

// Close flushes pending edits and releases every resource. It returns the
// first error encountered.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.saver != nil {
		if err := a.saver.Close(); err != nil {
			keep(fmt.Errorf("flushing on close: %w", err))
		}
	}
	if a.hydrator != nil {
		a.hydrator.Close()
	}
	if a.unbridge != nil {
		a.unbridge()
	}
	if a.bc != nil {
		if err := a.bc.Close(); err != nil {
			keep(fmt.Errorf("closing broadcaster: %w", err))
		}
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			keep(fmt.Errorf("closing backend: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
