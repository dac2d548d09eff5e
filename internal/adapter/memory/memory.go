// Package memory holds in-process PhotoStore and HuntStore implementations
// used in DEV_MODE and by tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/model"
)

// PhotoStore keeps uploaded photos in a map keyed by public id.
type PhotoStore struct {
	baseURL string

	photos map[string][]byte
	mu     sync.RWMutex

	// Injectable failures for tests. Each is returned by the matching
	// method while set.
	UploadErr error
	ExistsErr error
	DeleteErr error

	uploads int
	deletes int
}

// NewPhotoStore creates a PhotoStore whose URLs are rooted at baseURL.
func NewPhotoStore(baseURL string) *PhotoStore {
	if baseURL == "" {
		baseURL = "http://localhost:8080/photos"
	}
	return &PhotoStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		photos:  make(map[string][]byte),
	}
}

func (p *PhotoStore) Upload(ctx context.Context, data []byte, publicID string, meta adapter.PhotoMetadata) (*adapter.Asset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads++
	if p.UploadErr != nil {
		return nil, p.UploadErr
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	p.photos[publicID] = stored
	return &adapter.Asset{PublicID: publicID, URL: p.baseURL + "/" + publicID}, nil
}

func (p *PhotoStore) Exists(ctx context.Context, publicID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ExistsErr != nil {
		return false, p.ExistsErr
	}
	_, ok := p.photos[publicID]
	return ok, nil
}

func (p *PhotoStore) Delete(ctx context.Context, publicID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	if p.DeleteErr != nil {
		return p.DeleteErr
	}
	delete(p.photos, publicID)
	return nil
}

// Len returns the number of stored photos.
func (p *PhotoStore) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.photos)
}

// Calls returns how many times Upload and Delete were invoked.
func (p *PhotoStore) Calls() (uploads, deletes int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uploads, p.deletes
}

type progressKey struct {
	teamID     string
	locationID string
}

// HuntStore keeps teams and progress rows in maps.
type HuntStore struct {
	teams    map[string]model.Team
	progress map[progressKey]model.ProgressRecord
	mu       sync.RWMutex
	now      func() time.Time

	// Err, when set, is returned by every operation.
	Err error
	// UpsertErr, when set, is returned by UpsertProgress only.
	UpsertErr error

	upserts int
}

// NewHuntStore creates a HuntStore seeded with teams.
func NewHuntStore(teams ...model.Team) *HuntStore {
	h := &HuntStore{
		teams:    make(map[string]model.Team),
		progress: make(map[progressKey]model.ProgressRecord),
		now:      time.Now,
	}
	for _, t := range teams {
		h.teams[t.ID] = t
	}
	return h
}

// AddTeam inserts or replaces a team.
func (h *HuntStore) AddTeam(t model.Team) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teams[t.ID] = t
}

func (h *HuntStore) FindTeamByCode(ctx context.Context, code string) (*model.Team, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.Err != nil {
		return nil, h.Err
	}

	code = strings.TrimSpace(code)
	for _, t := range h.teams {
		if t.Code != "" && strings.EqualFold(t.Code, code) {
			team := t
			return &team, nil
		}
	}
	return nil, adapter.ErrNotFound
}

func (h *HuntStore) FindTeam(ctx context.Context, orgID, huntID, teamIDOrName string) (*model.Team, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.Err != nil {
		return nil, h.Err
	}

	if t, ok := h.teams[teamIDOrName]; ok && t.OrgID == orgID && t.HuntID == huntID {
		return &t, nil
	}
	for _, t := range h.teams {
		if t.OrgID == orgID && t.HuntID == huntID && strings.EqualFold(t.Name, teamIDOrName) {
			team := t
			return &team, nil
		}
	}
	return nil, fmt.Errorf("team %q in %s/%s: %w", teamIDOrName, orgID, huntID, adapter.ErrNotFound)
}

func (h *HuntStore) UpsertProgress(ctx context.Context, teamRowID, locationID string, fields model.ProgressFields) (*model.ProgressRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upserts++
	if h.Err != nil {
		return nil, h.Err
	}
	if h.UpsertErr != nil {
		return nil, h.UpsertErr
	}

	rec := model.ProgressRecord{
		TeamID:         teamRowID,
		LocationID:     locationID,
		ProgressFields: fields,
		UpdatedAt:      h.now().UTC(),
	}
	h.progress[progressKey{teamRowID, locationID}] = rec
	return &rec, nil
}

func (h *HuntStore) GetProgress(ctx context.Context, teamRowID, locationID string) (*model.ProgressRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.Err != nil {
		return nil, h.Err
	}

	rec, ok := h.progress[progressKey{teamRowID, locationID}]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return &rec, nil
}

// ProgressCount returns the number of progress rows for a team.
func (h *HuntStore) ProgressCount(teamRowID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for k := range h.progress {
		if k.teamID == teamRowID {
			n++
		}
	}
	return n
}

// Upserts returns how many times UpsertProgress was invoked.
func (h *HuntStore) Upserts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.upserts
}
