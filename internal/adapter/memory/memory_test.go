package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/jun/trailhunt/backend/internal/adapter"
	"github.com/jun/trailhunt/backend/internal/model"
)

func seededHunt() *HuntStore {
	return NewHuntStore(
		model.Team{ID: "alpha", OrgID: "acme", HuntID: "fall", Name: "Alpha Wolves", Code: "ALPHA01", Active: true},
		model.Team{ID: "beta", OrgID: "acme", HuntID: "fall", Name: "Beta Bears", Code: "BETA02", Active: true},
	)
}

func TestPhotoStore_UploadOverwrites(t *testing.T) {
	p := NewPhotoStore("https://cdn.example.com/")
	ctx := context.Background()

	asset, err := p.Upload(ctx, []byte("v1"), "acme/fall/alpha/bridge-abc", adapter.PhotoMetadata{})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if asset.URL != "https://cdn.example.com/acme/fall/alpha/bridge-abc" {
		t.Errorf("Unexpected URL %s", asset.URL)
	}

	p.Upload(ctx, []byte("v2"), "acme/fall/alpha/bridge-abc", adapter.PhotoMetadata{})
	if p.Len() != 1 {
		t.Errorf("Expected re-upload to overwrite, got %d objects", p.Len())
	}
}

func TestPhotoStore_ExistsAndDelete(t *testing.T) {
	p := NewPhotoStore("")
	ctx := context.Background()

	p.Upload(ctx, []byte("x"), "id1", adapter.PhotoMetadata{})
	if ok, _ := p.Exists(ctx, "id1"); !ok {
		t.Error("Expected id1 to exist")
	}
	if err := p.Delete(ctx, "id1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := p.Exists(ctx, "id1"); ok {
		t.Error("Expected id1 to be gone")
	}
	if err := p.Delete(ctx, "id1"); err != nil {
		t.Errorf("Deleting a missing object should succeed, got %v", err)
	}
}

func TestHuntStore_FindTeamByCode(t *testing.T) {
	h := seededHunt()
	ctx := context.Background()

	team, err := h.FindTeamByCode(ctx, "  alpha01 ")
	if err != nil {
		t.Fatalf("FindTeamByCode failed: %v", err)
	}
	if team.ID != "alpha" {
		t.Errorf("Expected alpha, got %s", team.ID)
	}

	_, err = h.FindTeamByCode(ctx, "GAMMA03")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestHuntStore_FindTeamByIDOrName(t *testing.T) {
	h := seededHunt()
	ctx := context.Background()

	byID, err := h.FindTeam(ctx, "acme", "fall", "beta")
	if err != nil || byID.ID != "beta" {
		t.Fatalf("Expected beta by id, got %+v, %v", byID, err)
	}

	byName, err := h.FindTeam(ctx, "acme", "fall", "alpha wolves")
	if err != nil || byName.ID != "alpha" {
		t.Fatalf("Expected alpha by name, got %+v, %v", byName, err)
	}

	_, err = h.FindTeam(ctx, "acme", "spring", "alpha")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Team of another hunt must not match, got %v", err)
	}
}

func TestHuntStore_UpsertProgressLastWriteWins(t *testing.T) {
	h := seededHunt()
	ctx := context.Background()
	first, second := "https://a", "https://b"

	h.UpsertProgress(ctx, "alpha", "covered-bridge", model.ProgressFields{PhotoURL: &first, Done: true})
	h.UpsertProgress(ctx, "alpha", "covered-bridge", model.ProgressFields{PhotoURL: &second, Done: true, RevealedHints: 2})

	if n := h.ProgressCount("alpha"); n != 1 {
		t.Fatalf("Expected one row, got %d", n)
	}
	rec, err := h.GetProgress(ctx, "alpha", "covered-bridge")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if *rec.PhotoURL != second || rec.RevealedHints != 2 {
		t.Errorf("Expected the second write to win, got %+v", rec)
	}
}

func TestHuntStore_GetProgressNotFound(t *testing.T) {
	h := seededHunt()

	_, err := h.GetProgress(context.Background(), "alpha", "nowhere")
	if !errors.Is(err, adapter.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
