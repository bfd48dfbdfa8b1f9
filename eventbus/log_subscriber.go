package eventbus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/martinemde/itinerary/agentloop"
)

// LogSubscriber writes every loop event to a zerolog logger. Warnings and
// failures get their own levels; the rest are debug.
func LogSubscriber(logger zerolog.Logger) func(context.Context, agentloop.Event) error {
	return func(_ context.Context, e agentloop.Event) error {
		var ev *zerolog.Event
		switch e.Kind {
		case agentloop.EventError:
			ev = logger.Error()
		case agentloop.EventRecursionLimit, agentloop.EventLoopDetection, agentloop.EventContextWarning:
			ev = logger.Warn()
		case agentloop.EventTurnStart, agentloop.EventTurnEnd:
			ev = logger.Info()
		default:
			ev = logger.Debug()
		}
		ev.Str("kind", string(e.Kind)).
			Str("session", e.Session).
			Time("at", e.Timestamp).
			Fields(e.Data).
			Msg("loop event")
		return nil
	}
}
