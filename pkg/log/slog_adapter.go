package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
// Useful during development to see relay traffic on the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ExchangeID != "" {
		attrs = append(attrs, slog.String("exchange_id", event.ExchangeID))
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
	case event.Exchange != nil:
		attrs = append(attrs,
			slog.String("kind", event.Exchange.Kind),
			slog.String("new_phase", event.Exchange.NewPhase),
		)
		if event.Exchange.OldPhase != "" {
			attrs = append(attrs, slog.String("old_phase", event.Exchange.OldPhase))
		}
		if event.Exchange.Method != "" {
			attrs = append(attrs, slog.String("method", event.Exchange.Method))
		}
		if event.Exchange.URL != "" {
			attrs = append(attrs, slog.String("url", event.Exchange.URL))
		}
		if event.Exchange.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", event.Exchange.StatusCode))
		}
		if event.Exchange.Elapsed > 0 {
			attrs = append(attrs, slog.Duration("elapsed", event.Exchange.Elapsed))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
