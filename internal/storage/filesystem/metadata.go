package filesystem

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fluxkit/fluxkit/internal/storage"
)

// MetadataStore implements storage.MetadataStore using the filesystem.
// Structure:
//
//	<basePath>/generations/<id>.json
//	<basePath>/presets/<id>.json
type MetadataStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewMetadataStore creates a new filesystem-backed metadata store.
func NewMetadataStore(basePath string) *MetadataStore {
	return &MetadataStore{basePath: basePath}
}

func (s *MetadataStore) Close() error {
	return nil
}

// Helper to read JSON file into a struct.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Helper to write JSON file atomically.
func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), "*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

// ----- Generation operations -----

func (s *MetadataStore) generationPath(id string) string {
	return filepath.Join(s.basePath, "generations", id+".json")
}

func (s *MetadataStore) CreateGeneration(ctx context.Context, rec *storage.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.generationPath(rec.ID)
	if _, err := os.Stat(path); err == nil {
		return storage.ErrAlreadyExists
	}
	return writeJSON(path, rec)
}

func (s *MetadataStore) GetGeneration(ctx context.Context, id string) (*storage.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec storage.GenerationRecord
	if err := readJSON(s.generationPath(id), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *MetadataStore) ListGenerations(ctx context.Context, limit int, pageToken string) ([]*storage.GenerationRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	all, err := s.readAllGenerations()
	if err != nil {
		return nil, "", err
	}

	// Sort by ID descending (UUID v7 is time-sortable), which is newest first
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	startIdx := 0
	if pageToken != "" {
		for i, rec := range all {
			if rec.ID == pageToken {
				startIdx = i + 1
				break
			}
		}
	}

	var page []*storage.GenerationRecord
	var nextToken string
	for i := startIdx; i < len(all) && len(page) < limit; i++ {
		page = append(page, all[i])
		if len(page) == limit && i+1 < len(all) {
			nextToken = all[i].ID
		}
	}

	return page, nextToken, nil
}

func (s *MetadataStore) DeleteGeneration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.generationPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *MetadataStore) CountByArtifact(ctx context.Context, digest storage.Digest) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAllGenerations()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range all {
		if rec.ArtifactDigest.String() == digest.String() {
			count++
		}
	}
	return count, nil
}

func (s *MetadataStore) readAllGenerations() ([]*storage.GenerationRecord, error) {
	dir := filepath.Join(s.basePath, "generations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var recs []*storage.GenerationRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var rec storage.GenerationRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// ----- Preset operations -----

func (s *MetadataStore) presetPath(id string) string {
	return filepath.Join(s.basePath, "presets", id+".json")
}

func (s *MetadataStore) CreatePreset(ctx context.Context, rec *storage.PresetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.presetPath(rec.ID)
	if _, err := os.Stat(path); err == nil {
		return storage.ErrAlreadyExists
	}
	return writeJSON(path, rec)
}

func (s *MetadataStore) GetPreset(ctx context.Context, id string) (*storage.PresetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec storage.PresetRecord
	if err := readJSON(s.presetPath(id), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *MetadataStore) GetPresetByName(ctx context.Context, name string) (*storage.PresetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAllPresets()
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MetadataStore) ListPresets(ctx context.Context) ([]*storage.PresetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.readAllPresets()
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (s *MetadataStore) UpdatePreset(ctx context.Context, rec *storage.PresetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.presetPath(rec.ID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return err
	}
	return writeJSON(path, rec)
}

func (s *MetadataStore) DeletePreset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.presetPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *MetadataStore) readAllPresets() ([]*storage.PresetRecord, error) {
	dir := filepath.Join(s.basePath, "presets")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var recs []*storage.PresetRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var rec storage.PresetRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}
