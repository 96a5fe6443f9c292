package tclog

import (
	"context"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("category", event.Category.String()),
		slog.String("role", event.PowerRole.String()),
	}

	switch {
	case event.Message != nil:
		m := event.Message
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.String("sop", m.SOP.String()),
		)
		if m.HardReset {
			attrs = append(attrs, slog.String("type", "Hard_Reset"))
		} else {
			msg := m.Message()
			attrs = append(attrs,
				slog.String("type", msg.TypeName()),
				slog.Uint64("id", uint64(msg.ID())),
				slog.Int("objects", len(m.Objects)),
			)
		}
		if m.Result != TxNone {
			attrs = append(attrs, slog.String("result", m.Result.String()))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs, slog.String("error", event.Error.Message))
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "pd", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
