package adapter

import (
	"context"

	"github.com/jun/trailhunt/backend/internal/model"
)

// Asset is a stored photo as the storage provider reports it.
type Asset struct {
	PublicID string `json:"publicId"`
	URL      string `json:"url"`
}

// PhotoMetadata travels with an upload and ends up as object metadata.
type PhotoMetadata struct {
	ContentType string
	Tags        map[string]string
}

// PhotoStore is the object storage provider the upload saga writes to.
// Uploading to an existing publicID overwrites it, which is what makes
// retried uploads idempotent.
type PhotoStore interface {
	// Upload stores data under publicID.
	Upload(ctx context.Context, data []byte, publicID string, meta PhotoMetadata) (*Asset, error)

	// Exists reports whether publicID is stored.
	Exists(ctx context.Context, publicID string) (bool, error)

	// Delete removes publicID. Deleting a missing object is not an error.
	Delete(ctx context.Context, publicID string) error
}

// HuntStore is the relational backend holding teams and progress.
type HuntStore interface {
	// FindTeamByCode resolves a team code, ignoring case and surrounding
	// whitespace. Returns ErrNotFound for unknown codes.
	FindTeamByCode(ctx context.Context, code string) (*model.Team, error)

	// FindTeam resolves a team of a hunt by its id or, failing that, its name.
	// Returns ErrNotFound if neither matches.
	FindTeam(ctx context.Context, orgID, huntID, teamIDOrName string) (*model.Team, error)

	// UpsertProgress writes the row for (teamRowID, locationID); the last write wins.
	UpsertProgress(ctx context.Context, teamRowID, locationID string, fields model.ProgressFields) (*model.ProgressRecord, error)

	// GetProgress returns the row for (teamRowID, locationID) or ErrNotFound.
	GetProgress(ctx context.Context, teamRowID, locationID string) (*model.ProgressRecord, error)
}
