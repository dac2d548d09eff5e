// Package upload runs the photo upload saga: store the photo, confirm it is
// visible, then record progress, deleting the photo again if the progress
// write fails.
//
// The saga never reports success without a progress row. The one tolerated
// inconsistency is a stored photo without a row, left behind when the
// database breaker is open or when the compensating delete fails; those are
// logged for out-of-band reconciliation. A photo already stored under the
// same public id before the request is never deleted, since an earlier
// progress row may point at it.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/breaker"
	"github.com/jun/trailhunt/backend/internal/idempotency"
	"github.com/jun/trailhunt/backend/internal/logging"
	"github.com/jun/trailhunt/backend/internal/model"
)

// Breaker names for the two external dependencies.
const (
	DepStorage  = "storage-provider"
	DepDatabase = "database"
)

// DefaultMaxPhotoBytes is the photo size limit when none is configured.
const DefaultMaxPhotoBytes = 10 << 20

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Request is one photo submission.
type Request struct {
	RequestID   string
	Photo       []byte
	ContentType string

	LocationTitle string
	SessionID     string
	TeamID        string
	OrgID         string
	HuntID        string

	// Optional descriptive fields, stored as object metadata.
	TeamName     string
	LocationName string
	EventName    string

	// IdempotencyKey replaces the derived key when set.
	IdempotencyKey string
}

// Result describes a persisted upload.
type Result struct {
	PhotoURL       string                `json:"photoUrl"`
	PublicID       string                `json:"publicId"`
	LocationSlug   string                `json:"locationSlug"`
	Title          string                `json:"title"`
	UploadedAt     time.Time             `json:"uploadedAt"`
	IdempotencyKey string                `json:"idempotencyKey"`
	Progress       *model.ProgressRecord `json:"-"`
	State          State                 `json:"-"`
}

// Recorder receives saga outcomes, e.g. for metrics.
type Recorder interface {
	SagaFinished(state string)
	Compensated(ok bool)
}

// Orchestrator runs upload sagas. It is safe for concurrent use; breaker
// state is shared through the injected Breakers.
type Orchestrator struct {
	photos   adapter.PhotoStore
	hunt     adapter.HuntStore
	breakers breaker.Breakers
	keys     *idempotency.Deriver
	log      logging.Logger
	recorder Recorder

	retry               RetryPolicy
	maxPhotoBytes       int
	compensationTimeout time.Duration
	now                 func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithMaxPhotoBytes sets the size limit.
func WithMaxPhotoBytes(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxPhotoBytes = n
		}
	}
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCompensationTimeout bounds the cleanup delete, which runs even after
// the request context is done.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.compensationTimeout = d }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(photos adapter.PhotoStore, hunt adapter.HuntStore, breakers breaker.Breakers, keys *idempotency.Deriver, log logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		photos:              photos,
		hunt:                hunt,
		breakers:            breakers,
		keys:                keys,
		log:                 log,
		retry:               DefaultRetryPolicy(),
		maxPhotoBytes:       DefaultMaxPhotoBytes,
		compensationTimeout: 10 * time.Second,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxPhotoBytes returns the configured size limit.
func (o *Orchestrator) MaxPhotoBytes() int {
	return o.maxPhotoBytes
}

// saga carries the per-request state.
type saga struct {
	o     *Orchestrator
	req   Request
	log   logging.Logger
	state State

	slug     string
	key      idempotency.Key
	publicID string
	asset    *adapter.Asset

	// preexisting is set when the public id was already stored, or could
	// not be checked, before this request uploaded.
	preexisting bool
}

func (s *saga) enter(ctx context.Context, st State) {
	s.state = st
	s.log.Debug(ctx, "upload saga state", "state", st.String())
}

// Run executes the saga for req. On error the returned error classifies the
// failure: *ValidationError / ErrTooLarge, *breaker.OpenError, *StorageError,
// *PersistenceError (wrapping adapter.ErrNotFound for unknown teams), or a
// context error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	s := &saga{
		o:     o,
		req:   req,
		log:   o.log.With("request_id", req.RequestID),
		state: Received,
	}
	defer func() {
		if o.recorder != nil {
			o.recorder.SagaFinished(s.state.String())
		}
	}()

	res, err := s.run(ctx)
	if err != nil && !s.state.Terminal() {
		s.enter(ctx, Failed)
	}
	return res, err
}

func (s *saga) run(ctx context.Context) (*Result, error) {
	o := s.o
	req := s.req

	if err := o.validate(req); err != nil {
		s.log.Info(ctx, "upload rejected", "error", err)
		return nil, err
	}

	s.slug = Slugify(req.LocationTitle)
	if req.IdempotencyKey != "" {
		s.key = idempotency.Key{Value: req.IdempotencyKey, Deterministic: true}
	} else {
		contextString := strings.Join([]string{req.OrgID, req.HuntID, req.TeamID, s.slug}, "/")
		s.key = o.keys.Derive(ctx, bytes.NewReader(req.Photo), req.SessionID, contextString)
	}
	s.publicID = PublicID(req.OrgID, req.HuntID, req.TeamID, s.slug, s.key.Value)
	s.log = s.log.With("idempotency_key", s.key.Value, "public_id", s.publicID)

	if err := s.store(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.log.Warn(ctx, "request ended before progress write; compensating", "error", err)
		return nil, s.compensate(ctx, err)
	}

	rec, err := s.persist(ctx)
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "photo upload persisted", "location_id", s.slug, "team_id", rec.TeamID)
	return &Result{
		PhotoURL:       s.asset.URL,
		PublicID:       s.asset.PublicID,
		LocationSlug:   s.slug,
		Title:          req.LocationTitle,
		UploadedAt:     rec.UpdatedAt,
		IdempotencyKey: s.key.Value,
		Progress:       rec,
		State:          s.state,
	}, nil
}

func (o *Orchestrator) validate(req Request) error {
	if len(req.Photo) == 0 {
		return &ValidationError{Field: "photo", Reason: "required"}
	}
	if len(req.Photo) > o.maxPhotoBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(req.Photo), o.maxPhotoBytes)
	}

	required := []struct{ field, value string }{
		{"locationTitle", req.LocationTitle},
		{"sessionId", req.SessionID},
		{"teamId", req.TeamID},
		{"orgId", req.OrgID},
		{"huntId", req.HuntID},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.field, Reason: "required"}
		}
	}

	for _, f := range required[2:] {
		if !segmentPattern.MatchString(f.value) {
			return &ValidationError{Field: f.field, Reason: "must be 1-64 letters, digits, '-' or '_'"}
		}
	}
	if Slugify(req.LocationTitle) == "" {
		return &ValidationError{Field: "locationTitle", Reason: "must contain letters or digits"}
	}
	if req.IdempotencyKey != "" && !idempotency.ValidOverride(req.IdempotencyKey) {
		return &ValidationError{Field: "idempotencyKey", Reason: "must be 8-64 letters, digits, '-' or '_'"}
	}
	return nil
}

// PublicID lays out the object identifier: {org}/{hunt}/{team}/{slug}-{key}.
func PublicID(orgID, huntID, teamID, slug, key string) string {
	return fmt.Sprintf("%s/%s/%s/%s-%s", orgID, huntID, teamID, slug, key)
}

// store uploads and verifies the photo under the storage breaker.
func (s *saga) store(ctx context.Context) error {
	o := s.o

	if _, err := o.breakers.Check(DepStorage); err != nil {
		s.log.Warn(ctx, "storage breaker open; upload not attempted", "error", err)
		return err
	}

	s.enter(ctx, Uploading)
	exists, err := o.photos.Exists(ctx, s.publicID)
	switch {
	case err != nil:
		s.log.Warn(ctx, "pre-upload existence check failed; photo will not be deleted on failure", "error", err)
		s.preexisting = true
	case exists:
		s.log.Info(ctx, "photo already stored; overwriting")
		s.preexisting = true
	}

	meta := adapter.PhotoMetadata{
		ContentType: s.req.ContentType,
		Tags:        s.tags(),
	}
	attempts, err := o.retry.do(ctx, func(ctx context.Context) error {
		asset, err := o.photos.Upload(ctx, s.req.Photo, s.publicID, meta)
		if err != nil {
			s.log.Warn(ctx, "photo upload attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		s.asset = asset
		return nil
	})
	if err != nil {
		return s.storageFailed(ctx, "upload", attempts, err)
	}
	s.enter(ctx, Uploaded)

	s.enter(ctx, Verifying)
	attempts, err = o.retry.do(ctx, func(ctx context.Context) error {
		ok, err := o.photos.Exists(ctx, s.publicID)
		if err != nil {
			s.log.Warn(ctx, "photo verification attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(errNotVisible)
		}
		return nil
	})
	if err != nil {
		return s.storageFailed(ctx, "verify", attempts, err)
	}
	s.enter(ctx, Verified)

	o.breakers.RecordSuccess(DepStorage)
	return nil
}

func (s *saga) storageFailed(ctx context.Context, step string, attempts int, err error) error {
	if isContextErr(err) {
		s.log.Warn(ctx, "photo "+step+" abandoned", "attempts", attempts, "error", err)
		return &StorageError{Step: step, Err: err}
	}
	s.o.breakers.RecordFailure(DepStorage)
	s.log.Error(ctx, "photo "+step+" failed", "attempts", attempts, "error", err)
	return &StorageError{Step: step, Err: err}
}

// persist records progress under the database breaker and compensates on failure.
func (s *saga) persist(ctx context.Context) (*model.ProgressRecord, error) {
	o := s.o

	if _, err := o.breakers.Check(DepDatabase); err != nil {
		s.log.Warn(ctx, "database breaker open; photo left without progress", "error", err)
		return nil, err
	}

	s.enter(ctx, Persisting)
	var rec *model.ProgressRecord
	attempts, err := o.retry.do(ctx, func(ctx context.Context) error {
		r, err := s.writeProgress(ctx)
		if err != nil {
			if errors.Is(err, adapter.ErrNotFound) {
				return err
			}
			s.log.Warn(ctx, "progress write attempt failed", "error", err)
			return retry.RetryableError(err)
		}
		rec = r
		return nil
	})

	switch {
	case err == nil:
		o.breakers.RecordSuccess(DepDatabase)
		s.enter(ctx, Persisted)
		return rec, nil
	case errors.Is(err, adapter.ErrNotFound):
		// The database answered; the team is simply unknown.
		o.breakers.RecordSuccess(DepDatabase)
	case !isContextErr(err):
		o.breakers.RecordFailure(DepDatabase)
	}

	s.log.Error(ctx, "progress write failed; compensating", "attempts", attempts, "error", err)
	return nil, s.compensate(ctx, err)
}

// writeProgress resolves the team and upserts its row for this location.
// Hints and notes already on the row are carried over.
func (s *saga) writeProgress(ctx context.Context) (*model.ProgressRecord, error) {
	o := s.o
	team, err := o.hunt.FindTeam(ctx, s.req.OrgID, s.req.HuntID, s.req.TeamID)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	url := s.asset.URL
	fields := model.ProgressFields{
		PhotoURL:    &url,
		Done:        true,
		CompletedAt: &now,
	}
	existing, err := o.hunt.GetProgress(ctx, team.ID, s.slug)
	switch {
	case err == nil:
		fields.RevealedHints = existing.RevealedHints
		fields.Notes = existing.Notes
	case !errors.Is(err, adapter.ErrNotFound):
		return nil, err
	}

	return o.hunt.UpsertProgress(ctx, team.ID, s.slug, fields)
}

// compensate deletes the uploaded photo once and wraps cause. Its error is
// kept for the record and never replaces cause. A preexisting photo is kept.
func (s *saga) compensate(ctx context.Context, cause error) *PersistenceError {
	o := s.o
	if s.preexisting {
		s.log.Warn(ctx, "photo may predate this request; skipping compensating delete")
		s.enter(ctx, Failed)
		return &PersistenceError{Err: cause, Retained: true}
	}
	s.enter(ctx, Compensating)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
	defer cancel()

	err := o.photos.Delete(cctx, s.publicID)
	if o.recorder != nil {
		o.recorder.Compensated(err == nil)
	}
	if err != nil {
		s.log.Warn(ctx, "compensating delete failed; photo orphaned", "error", err)
		s.enter(ctx, Failed)
		return &PersistenceError{Err: cause, CompensationErr: err}
	}
	s.enter(ctx, Compensated)
	return &PersistenceError{Err: cause}
}

func (s *saga) tags() map[string]string {
	tags := map[string]string{
		"org":      s.req.OrgID,
		"hunt":     s.req.HuntID,
		"team":     s.req.TeamID,
		"location": s.slug,
		"session":  s.req.SessionID,
	}
	optional := map[string]string{
		"team-name":     s.req.TeamName,
		"location-name": s.req.LocationName,
		"event":         s.req.EventName,
	}
	for k, v := range optional {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
