// Package logging defines the structured-logging interface used across the
// backend. The variadic args are key-value pairs:
//
//	log.Info(ctx, "lock stored", "device", fp, "team_id", teamID)
package logging

import "context"

// Logger is a context-aware, structured logger.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	// Warn is for degraded-but-handled paths: fail-open decisions, swallowed
	// compensation errors, idempotency fallbacks.
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}
