package tclog

// Logger receives trace events. Pass nil or NoopLogger to disable tracing.
type Logger interface {
	// Log records an event. Implementations must be safe for concurrent use
	// and should not block.
	Log(event Event)
}

// NoopLogger discards all events.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// MultiLogger fans events out to several loggers.
type MultiLogger []Logger

// Log forwards the event to every non-nil logger.
func (m MultiLogger) Log(event Event) {
	for _, l := range m {
		if l != nil {
			l.Log(event)
		}
	}
}

var (
	_ Logger = NoopLogger{}
	_ Logger = MultiLogger(nil)
)
