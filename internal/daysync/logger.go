package daysync

// Logger provides structured logging for the sync engine.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Metrics counts engine events. component is one of "store", "autosave",
// "hydration" or "broadcast"; event names the outcome (e.g. "write",
// "race_lost", "remote_applied").
type Metrics interface {
	Inc(component, event string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) Inc(string, string) {}
