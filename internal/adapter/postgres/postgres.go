// Package postgres implements adapter.HuntStore on PostgreSQL through the
// pgx database/sql driver, with goose migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/adapter/postgres/migrations"
	"github.com/jun/trailhunt/backend/internal/model"
)

// DBTX is the subset of database/sql used by Store.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens a pgx-backed *sql.DB and checks connectivity.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

// Store implements adapter.HuntStore.
type Store struct {
	db DBTX
}

// NewStore creates a Store.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) FindTeamByCode(ctx context.Context, code string) (*model.Team, error) {
	query :=
		`SELECT id, org_id, hunt_id, name, code, active FROM teams
		 WHERE lower(code) = lower($1)
		 `

	t := &model.Team{}
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(code)).
		Scan(&t.ID, &t.OrgID, &t.HuntID, &t.Name, &t.Code, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (s *Store) FindTeam(ctx context.Context, orgID, huntID, teamIDOrName string) (*model.Team, error) {
	// An id match wins over a name match.
	query :=
		`SELECT id, org_id, hunt_id, name, code, active FROM teams
		 WHERE org_id = $1 AND hunt_id = $2 AND (id = $3 OR lower(name) = lower($3))
		 ORDER BY (id = $3) DESC
		 LIMIT 1
		 `

	t := &model.Team{}
	err := s.db.QueryRowContext(ctx, query, orgID, huntID, teamIDOrName).
		Scan(&t.ID, &t.OrgID, &t.HuntID, &t.Name, &t.Code, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("team %q in %s/%s: %w", teamIDOrName, orgID, huntID, adapter.ErrNotFound)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return t, nil
}

func (s *Store) UpsertProgress(ctx context.Context, teamRowID, locationID string, fields model.ProgressFields) (*model.ProgressRecord, error) {
	query :=
		`INSERT INTO progress (team_id, location_id, photo_url, done, completed_at, revealed_hints, notes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (team_id, location_id) DO UPDATE SET
		     photo_url = EXCLUDED.photo_url,
		     done = EXCLUDED.done,
		     completed_at = EXCLUDED.completed_at,
		     revealed_hints = EXCLUDED.revealed_hints,
		     notes = EXCLUDED.notes,
		     updated_at = EXCLUDED.updated_at
		 RETURNING updated_at
		 `

	rec := &model.ProgressRecord{
		TeamID:         teamRowID,
		LocationID:     locationID,
		ProgressFields: fields,
	}
	err := s.db.QueryRowContext(ctx, query,
		teamRowID, locationID, fields.PhotoURL, fields.Done, fields.CompletedAt, fields.RevealedHints, fields.Notes).
		Scan(&rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (s *Store) GetProgress(ctx context.Context, teamRowID, locationID string) (*model.ProgressRecord, error) {
	query :=
		`SELECT photo_url, done, completed_at, revealed_hints, notes, updated_at FROM progress
		 WHERE team_id = $1 AND location_id = $2
		 `

	var (
		photoURL    sql.NullString
		completedAt sql.NullTime
		notes       sql.NullString
	)
	rec := &model.ProgressRecord{TeamID: teamRowID, LocationID: locationID}
	err := s.db.QueryRowContext(ctx, query, teamRowID, locationID).
		Scan(&photoURL, &rec.Done, &completedAt, &rec.RevealedHints, &notes, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if photoURL.Valid {
		rec.PhotoURL = &photoURL.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	if notes.Valid {
		rec.Notes = &notes.String
	}
	return rec, nil
}
