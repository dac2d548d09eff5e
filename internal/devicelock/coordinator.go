// Package devicelock enforces one active team per physical device.
//
// A verification first asks CheckConflict and then records the binding with
// StoreLock or Bind. The two calls are separate datastore operations, so two
// near-simultaneous verifications from the same device can both pass the
// check before either stores its lock; the later store wins. The race is
// accepted because team verification is human-paced.
package devicelock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/model"
)

// Policy decides what a datastore error during a conflict check means.
type Policy string

const (
	// PolicyLenient fails open: the check reports no conflict so a storage
	// hiccup never locks a legitimate team out.
	PolicyLenient Policy = "lenient"
	// PolicyStrict surfaces the error and the verification fails.
	PolicyStrict Policy = "strict"
)

// ParsePolicy maps a config string to a Policy. Empty means lenient.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyLenient:
		return PolicyLenient, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown lock conflict policy %q", s)
	}
}

// Conflict reports that the device is bound to another team.
type Conflict struct {
	TeamID              string `json:"teamId"`
	RemainingTTLSeconds int64  `json:"remainingTtlSeconds"`
}

// Recorder receives lock coordination events, e.g. for metrics.
type Recorder interface {
	LockConflict()
	LockFailOpen()
}

// Coordinator applies expiry, conflict and failure-policy rules on top of a Datastore.
type Coordinator struct {
	store    Datastore
	policy   Policy
	log      logging.Logger
	recorder Recorder
	now      func() time.Time

	// refreshOnReverify extends a live lock when its own team re-verifies.
	refreshOnReverify bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithRefreshOnReverify makes Bind overwrite a live lock of the same team.
func WithRefreshOnReverify(refresh bool) Option {
	return func(c *Coordinator) { c.refreshOnReverify = refresh }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store Datastore, policy Policy, log logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		policy: policy,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the configured failure policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// CheckConflict returns nil when the device may bind to teamID: no lock, an
// expired lock (deleted on the way), or a lock already held by teamID.
// Otherwise it returns the holding team and the seconds until its lock expires.
func (c *Coordinator) CheckConflict(ctx context.Context, fingerprint, teamID string) (*Conflict, error) {
	now := c.now()
	lock, err := c.active(ctx, fingerprint, now)
	if err != nil {
		if c.policy == PolicyStrict {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		c.log.Warn(ctx, "device lock check failed; failing open",
			"policy", string(c.policy), "device", fingerprint, "team_id", teamID, "error", err)
		if c.recorder != nil {
			c.recorder.LockFailOpen()
		}
		return nil, nil
	}

	if lock == nil || lock.TeamID == teamID {
		return nil, nil
	}

	if c.recorder != nil {
		c.recorder.LockConflict()
	}
	return &Conflict{
		TeamID:              lock.TeamID,
		RemainingTTLSeconds: lock.ExpiresAt - now.Unix(),
	}, nil
}

// StoreLock upserts the binding unconditionally; the last verification wins.
func (c *Coordinator) StoreLock(ctx context.Context, fingerprint, teamID string, expiresAt time.Time) error {
	_, err := c.put(ctx, fingerprint, teamID, expiresAt)
	return err
}

// Bind records the binding after a successful verification. A live lock
// already held by teamID is returned unchanged unless refresh-on-reverify is
// enabled, so re-verification never extends the original expiry.
func (c *Coordinator) Bind(ctx context.Context, fingerprint, teamID string, expiresAt time.Time) (*model.DeviceLock, error) {
	if !c.refreshOnReverify {
		existing, err := c.active(ctx, fingerprint, c.now())
		if err == nil && existing != nil && existing.TeamID == teamID {
			return existing, nil
		}
	}
	return c.put(ctx, fingerprint, teamID, expiresAt)
}

// Lock returns the live lock for fingerprint, or nil.
func (c *Coordinator) Lock(ctx context.Context, fingerprint string) (*model.DeviceLock, error) {
	lock, err := c.active(ctx, fingerprint, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return lock, nil
}

// DeleteLock removes the binding, e.g. on logout or team switch.
func (c *Coordinator) DeleteLock(ctx context.Context, fingerprint string) error {
	if err := c.store.Delete(ctx, fingerprint); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// CleanupExpired deletes every expired lock and returns how many were removed.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	now := c.now()
	fingerprints, err := c.store.ExpiredFingerprints(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}

	removed := 0
	for _, fp := range fingerprints {
		deleted, err := c.store.DeleteIfExpired(ctx, fp, now)
		if err != nil {
			c.log.Warn(ctx, "failed to delete expired device lock", "device", fp, "error", err)
			continue
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func (c *Coordinator) put(ctx context.Context, fingerprint, teamID string, expiresAt time.Time) (*model.DeviceLock, error) {
	lock := model.DeviceLock{
		DeviceFingerprint: fingerprint,
		TeamID:            teamID,
		ExpiresAt:         expiresAt.Unix(),
		CreatedAt:         c.now().Unix(),
	}
	if err := c.store.Put(ctx, lock); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &lock, nil
}

// active reads the lock and applies lazy expiry.
func (c *Coordinator) active(ctx context.Context, fingerprint string, now time.Time) (*model.DeviceLock, error) {
	lock, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil
	}
	if lock.Expired(now) {
		if _, err := c.store.DeleteIfExpired(ctx, fingerprint, now); err != nil {
			c.log.Warn(ctx, "failed to delete expired device lock", "device", fingerprint, "error", err)
		}
		return nil, nil
	}
	return lock, nil
}

// Fingerprint derives a stable device identifier from request metadata.
func Fingerprint(deviceHint, sourceIP, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(deviceHint) + "|" + sourceIP + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:32]
}
