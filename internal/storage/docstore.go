package storage

import (
	"context"
	"io"
	"sort"
	"time"

	"gocloud.dev/docstore"
	"gocloud.dev/gcerrors"
)

// Document types for docstore collections.
// These mirror the storage records but with docstore-compatible field tags.

// GenerationDoc is the docstore document for gallery records.
type GenerationDoc struct {
	ID             string            `docstore:"id"`
	Prompt         string            `docstore:"prompt"`
	NegativePrompt string            `docstore:"negative_prompt,omitempty"`
	Model          string            `docstore:"model"`
	Steps          int               `docstore:"steps"`
	Guidance       float64           `docstore:"guidance"`
	Seed           int64             `docstore:"seed"`
	Width          int               `docstore:"width"`
	Height         int               `docstore:"height"`
	ArtifactDigest string            `docstore:"artifact_digest"` // "shake256:hex"
	ArtifactSize   int64             `docstore:"artifact_size"`
	Metadata       map[string]string `docstore:"metadata,omitempty"`
	GenSeconds     float64           `docstore:"generation_seconds"`
	CreateTime     time.Time         `docstore:"create_time"`
}

// PresetDoc is the docstore document for presets.
type PresetDoc struct {
	ID             string    `docstore:"id"`
	Name           string    `docstore:"name"`
	Model          string    `docstore:"model"`
	Steps          int       `docstore:"steps"`
	Guidance       float64   `docstore:"guidance"`
	Width          int       `docstore:"width"`
	Height         int       `docstore:"height"`
	PromptScaffold string    `docstore:"prompt_scaffold,omitempty"`
	CreateTime     time.Time `docstore:"create_time"`
	UpdateTime     time.Time `docstore:"update_time"`
}

// MetadataStoreImpl implements MetadataStore using gocloud.dev/docstore.
type MetadataStoreImpl struct {
	generations *docstore.Collection
	presets     *docstore.Collection
}

// NewMetadataStore creates a new gocloud.dev/docstore-backed metadata store.
func NewMetadataStore(generations, presets *docstore.Collection) *MetadataStoreImpl {
	return &MetadataStoreImpl{
		generations: generations,
		presets:     presets,
	}
}

// Close closes all docstore collections.
func (s *MetadataStoreImpl) Close() error {
	var errs []error
	if err := s.generations.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.presets.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ----- Generation operations -----

func (s *MetadataStoreImpl) CreateGeneration(ctx context.Context, rec *GenerationRecord) error {
	doc := generationRecordToDoc(rec)
	if err := s.generations.Create(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MetadataStoreImpl) GetGeneration(ctx context.Context, id string) (*GenerationRecord, error) {
	doc := &GenerationDoc{ID: id}
	if err := s.generations.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return generationDocToRecord(doc)
}

func (s *MetadataStoreImpl) ListGenerations(ctx context.Context, limit int, pageToken string) ([]*GenerationRecord, string, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := s.generations.Query().Get(ctx)
	defer iter.Stop()

	var all []*GenerationRecord
	for {
		doc := &GenerationDoc{}
		if err := iter.Next(ctx, doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, "", err
		}
		rec, err := generationDocToRecord(doc)
		if err != nil {
			continue
		}
		all = append(all, rec)
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

	var page []*GenerationRecord
	var nextToken string
	for i := startIdx; i < len(all) && len(page) < limit; i++ {
		page = append(page, all[i])
		if len(page) == limit && i+1 < len(all) {
			nextToken = all[i].ID
		}
	}

	return page, nextToken, nil
}

func (s *MetadataStoreImpl) DeleteGeneration(ctx context.Context, id string) error {
	doc := &GenerationDoc{ID: id}
	err := s.generations.Delete(ctx, doc)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (s *MetadataStoreImpl) CountByArtifact(ctx context.Context, digest Digest) (int, error) {
	iter := s.generations.Query().Where("artifact_digest", "=", digest.String()).Get(ctx)
	defer iter.Stop()

	count := 0
	for {
		doc := &GenerationDoc{}
		if err := iter.Next(ctx, doc); err != nil {
			if err == io.EOF {
				break
			}
			return 0, err
		}
		count++
	}
	return count, nil
}

func generationRecordToDoc(rec *GenerationRecord) *GenerationDoc {
	return &GenerationDoc{
		ID:             rec.ID,
		Prompt:         rec.Prompt,
		NegativePrompt: rec.NegativePrompt,
		Model:          rec.Model,
		Steps:          rec.Steps,
		Guidance:       rec.Guidance,
		Seed:           rec.Seed,
		Width:          rec.Width,
		Height:         rec.Height,
		ArtifactDigest: rec.ArtifactDigest.String(),
		ArtifactSize:   rec.ArtifactSize,
		Metadata:       rec.Metadata,
		GenSeconds:     rec.GenerationSeconds,
		CreateTime:     rec.CreateTime,
	}
}

func generationDocToRecord(doc *GenerationDoc) (*GenerationRecord, error) {
	digest, err := ParseDigest(doc.ArtifactDigest)
	if err != nil {
		return nil, err
	}
	return &GenerationRecord{
		ID:                doc.ID,
		Prompt:            doc.Prompt,
		NegativePrompt:    doc.NegativePrompt,
		Model:             doc.Model,
		Steps:             doc.Steps,
		Guidance:          doc.Guidance,
		Seed:              doc.Seed,
		Width:             doc.Width,
		Height:            doc.Height,
		ArtifactDigest:    digest,
		ArtifactSize:      doc.ArtifactSize,
		Metadata:          doc.Metadata,
		GenerationSeconds: doc.GenSeconds,
		CreateTime:        doc.CreateTime,
	}, nil
}

// ----- Preset operations -----

func (s *MetadataStoreImpl) CreatePreset(ctx context.Context, rec *PresetRecord) error {
	doc := presetRecordToDoc(rec)
	if err := s.presets.Create(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MetadataStoreImpl) GetPreset(ctx context.Context, id string) (*PresetRecord, error) {
	doc := &PresetDoc{ID: id}
	if err := s.presets.Get(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return presetDocToRecord(doc), nil
}

func (s *MetadataStoreImpl) GetPresetByName(ctx context.Context, name string) (*PresetRecord, error) {
	iter := s.presets.Query().Where("name", "=", name).Get(ctx)
	defer iter.Stop()

	doc := &PresetDoc{}
	if err := iter.Next(ctx, doc); err != nil {
		if err == io.EOF {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return presetDocToRecord(doc), nil
}

func (s *MetadataStoreImpl) ListPresets(ctx context.Context) ([]*PresetRecord, error) {
	iter := s.presets.Query().Get(ctx)
	defer iter.Stop()

	var presets []*PresetRecord
	for {
		doc := &PresetDoc{}
		if err := iter.Next(ctx, doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		presets = append(presets, presetDocToRecord(doc))
	}

	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets, nil
}

func (s *MetadataStoreImpl) UpdatePreset(ctx context.Context, rec *PresetRecord) error {
	doc := presetRecordToDoc(rec)
	return s.presets.Replace(ctx, doc)
}

func (s *MetadataStoreImpl) DeletePreset(ctx context.Context, id string) error {
	doc := &PresetDoc{ID: id}
	err := s.presets.Delete(ctx, doc)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func presetRecordToDoc(rec *PresetRecord) *PresetDoc {
	return &PresetDoc{
		ID:             rec.ID,
		Name:           rec.Name,
		Model:          rec.Model,
		Steps:          rec.Steps,
		Guidance:       rec.Guidance,
		Width:          rec.Width,
		Height:         rec.Height,
		PromptScaffold: rec.PromptScaffold,
		CreateTime:     rec.CreateTime,
		UpdateTime:     rec.UpdateTime,
	}
}

func presetDocToRecord(doc *PresetDoc) *PresetRecord {
	return &PresetRecord{
		ID:             doc.ID,
		Name:           doc.Name,
		Model:          doc.Model,
		Steps:          doc.Steps,
		Guidance:       doc.Guidance,
		Width:          doc.Width,
		Height:         doc.Height,
		PromptScaffold: doc.PromptScaffold,
		CreateTime:     doc.CreateTime,
		UpdateTime:     doc.UpdateTime,
	}
}
