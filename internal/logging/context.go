package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WithCycle tags logger with a fresh cycle id and stores it in ctx, so broker
// calls made during one monitor cycle can be correlated
func WithCycle(ctx context.Context, logger zerolog.Logger) (context.Context, zerolog.Logger, string) {
	cycleID := uuid.NewString()
	l := logger.With().Str("cycle_id", cycleID).Logger()
	return l.WithContext(ctx), l, cycleID
}

// FromContext returns the logger stored in ctx, or a disabled logger
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
