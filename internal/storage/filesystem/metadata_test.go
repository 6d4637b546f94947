package filesystem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/fluxkit/fluxkit/internal/storage"
)

func testDigest(t *testing.T, content string) storage.Digest {
	t.Helper()
	h := sha3.NewShake256()
	h.Write([]byte(content))
	sum := make([]byte, 64)
	h.Read(sum)
	return storage.Digest{Algorithm: storage.DigestAlgorithmShake256, Value: sum}
}

func TestMetadataStore_GenerationRoundTrip(t *testing.T) {
	store := NewMetadataStore(t.TempDir())
	ctx := context.Background()

	rec := &storage.GenerationRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Prompt:         "misty forest",
		Model:          "dev",
		Steps:          25,
		Guidance:       4.0,
		Seed:           7,
		Width:          768,
		Height:         768,
		ArtifactDigest: testDigest(t, "img"),
		ArtifactSize:   3,
		CreateTime:     time.Now().UTC(),
	}

	if err := store.CreateGeneration(ctx, rec); err != nil {
		t.Fatalf("CreateGeneration failed: %v", err)
	}
	if err := store.CreateGeneration(ctx, rec); err != storage.ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := store.GetGeneration(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetGeneration failed: %v", err)
	}
	if got.Prompt != rec.Prompt || got.Seed != rec.Seed {
		t.Errorf("record not round-tripped: %+v", got)
	}
	if got.ArtifactDigest.String() != rec.ArtifactDigest.String() {
		t.Errorf("digest mismatch: got %s, want %s", got.ArtifactDigest, rec.ArtifactDigest)
	}

	if err := store.DeleteGeneration(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteGeneration failed: %v", err)
	}
	if _, err := store.GetGeneration(ctx, rec.ID); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMetadataStore_ListGenerationsPagination(t *testing.T) {
	store := NewMetadataStore(t.TempDir())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := &storage.GenerationRecord{
			ID:             uuid.Must(uuid.NewV7()).String(),
			Prompt:         fmt.Sprintf("prompt %d", i),
			Model:          "schnell",
			Steps:          4,
			Seed:           int64(i + 1),
			Width:          512,
			Height:         512,
			ArtifactDigest: testDigest(t, fmt.Sprintf("img%d", i)),
			CreateTime:     time.Now().UTC(),
		}
		if err := store.CreateGeneration(ctx, rec); err != nil {
			t.Fatalf("CreateGeneration failed: %v", err)
		}
		ids = append(ids, rec.ID)
		time.Sleep(time.Millisecond)
	}

	page, token, err := store.ListGenerations(ctx, 2, "")
	if err != nil {
		t.Fatalf("ListGenerations failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] {
		t.Fatalf("expected newest-first page of 2, got %v", page)
	}
	if token == "" {
		t.Fatal("expected a next page token")
	}

	page, token, err = store.ListGenerations(ctx, 2, token)
	if err != nil {
		t.Fatalf("ListGenerations page 2 failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[0] {
		t.Errorf("unexpected final page: %v", page)
	}
	if token != "" {
		t.Errorf("expected empty token, got %q", token)
	}
}

func TestMetadataStore_CountByArtifact(t *testing.T) {
	store := NewMetadataStore(t.TempDir())
	ctx := context.Background()

	shared := testDigest(t, "shared")
	for i := 0; i < 2; i++ {
		rec := &storage.GenerationRecord{
			ID:             uuid.Must(uuid.NewV7()).String(),
			Prompt:         "p",
			Model:          "schnell",
			Steps:          4,
			Seed:           int64(i + 1),
			Width:          512,
			Height:         512,
			ArtifactDigest: shared,
			CreateTime:     time.Now().UTC(),
		}
		if err := store.CreateGeneration(ctx, rec); err != nil {
			t.Fatalf("CreateGeneration failed: %v", err)
		}
	}

	count, err := store.CountByArtifact(ctx, shared)
	if err != nil {
		t.Fatalf("CountByArtifact failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 references, got %d", count)
	}
}

func TestMetadataStore_Preset(t *testing.T) {
	store := NewMetadataStore(t.TempDir())
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &storage.PresetRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Name:       "portrait",
		Model:      "dev",
		Steps:      25,
		Guidance:   4.0,
		Width:      768,
		Height:     1024,
		CreateTime: now,
		UpdateTime: now,
	}

	if err := store.CreatePreset(ctx, rec); err != nil {
		t.Fatalf("CreatePreset failed: %v", err)
	}

	got, err := store.GetPresetByName(ctx, "portrait")
	if err != nil {
		t.Fatalf("GetPresetByName failed: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("expected ID %q, got %q", rec.ID, got.ID)
	}

	rec.Steps = 30
	if err := store.UpdatePreset(ctx, rec); err != nil {
		t.Fatalf("UpdatePreset failed: %v", err)
	}
	got, err = store.GetPreset(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetPreset failed: %v", err)
	}
	if got.Steps != 30 {
		t.Errorf("expected steps 30, got %d", got.Steps)
	}

	missing := &storage.PresetRecord{ID: uuid.Must(uuid.NewV7()).String(), Name: "x"}
	if err := store.UpdatePreset(ctx, missing); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound updating missing preset, got %v", err)
	}

	presets, err := store.ListPresets(ctx)
	if err != nil {
		t.Fatalf("ListPresets failed: %v", err)
	}
	if len(presets) != 1 {
		t.Errorf("expected 1 preset, got %d", len(presets))
	}

	if err := store.DeletePreset(ctx, rec.ID); err != nil {
		t.Fatalf("DeletePreset failed: %v", err)
	}
	if _, err := store.GetPreset(ctx, rec.ID); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
