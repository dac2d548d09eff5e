package devicelock

import (
	"context"
	"errors"
	"time"

	"github.com/jun/trailhunt/backend/internal/model"
)

// ErrStore wraps datastore failures surfaced under the strict policy.
var ErrStore = errors.New("device lock store error")

// Datastore persists device locks keyed by fingerprint.
// Implementations do not interpret expiry except where a method says so.
type Datastore interface {
	// Get returns the stored lock, or nil if there is none.
	Get(ctx context.Context, fingerprint string) (*model.DeviceLock, error)

	// Put upserts the lock, replacing any previous value for the fingerprint.
	Put(ctx context.Context, lock model.DeviceLock) error

	// Delete removes the lock unconditionally. Deleting a missing lock is not an error.
	Delete(ctx context.Context, fingerprint string) error

	// DeleteIfExpired removes the lock only if it is still expired at now,
	// so a lock re-stored since it was read survives. It reports whether a
	// lock was removed.
	DeleteIfExpired(ctx context.Context, fingerprint string, now time.Time) (bool, error)

	// ExpiredFingerprints lists fingerprints whose lock expired at or before now.
	ExpiredFingerprints(ctx context.Context, now time.Time) ([]string, error)
}
