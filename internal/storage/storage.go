package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// DigestAlgorithmShake256 is the algorithm used for artifact digests.
const DigestAlgorithmShake256 = "shake256"

// Digest represents a content-addressable hash of an artifact.
type Digest struct {
	Algorithm string
	Value     []byte // 64 bytes for SHAKE256
}

// String returns the digest in the format "algorithm:hex".
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, hex.EncodeToString(d.Value))
}

// Hex returns just the hex-encoded hash value.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Value)
}

// ShortHex returns the first n characters of the hex-encoded hash.
func (d Digest) ShortHex(n int) string {
	h := d.Hex()
	if len(h) < n {
		return h
	}
	return h[:n]
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && len(d.Value) == 0
}

// MarshalJSON encodes the digest as its "algorithm:hex" string form.
func (d Digest) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.String())
}

func (d *Digest) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a digest string in the format "algorithm:hex".
func ParseDigest(s string) (Digest, error) {
	for i, c := range s {
		if c == ':' {
			algorithm := s[:i]
			hexStr := s[i+1:]
			value, err := hex.DecodeString(hexStr)
			if err != nil {
				return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
			}
			return Digest{Algorithm: algorithm, Value: value}, nil
		}
	}
	return Digest{}, fmt.Errorf("invalid digest format: missing algorithm prefix")
}

// GenerationRecord is one finished generation in the gallery. It carries the
// full request parameters so a caller can re-run with the same settings.
type GenerationRecord struct {
	ID             string  `json:"id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Model          string  `json:"model"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`

	ArtifactDigest Digest `json:"artifact_digest"`
	ArtifactSize   int64  `json:"artifact_size"`

	// Metadata is the string-keyed map reported by the generation tool.
	Metadata map[string]string `json:"metadata,omitempty"`

	GenerationSeconds float64   `json:"generation_seconds"`
	CreateTime        time.Time `json:"create_time"`
}

// PresetRecord is a named, reusable parameter bundle. Seeds are deliberately
// not part of a preset.
type PresetRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Model          string    `json:"model"`
	Steps          int       `json:"steps"`
	Guidance       float64   `json:"guidance"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	PromptScaffold string    `json:"prompt_scaffold,omitempty"`
	CreateTime     time.Time `json:"create_time"`
	UpdateTime     time.Time `json:"update_time"`
}

// ArtifactStore is content-addressable storage for generated images.
type ArtifactStore interface {
	// Get retrieves an artifact by its digest.
	// Returns ErrNotFound if the artifact does not exist.
	Get(ctx context.Context, digest Digest) (io.ReadCloser, error)

	// Put stores an artifact and returns its computed SHAKE256 digest.
	// Identical content deduplicates to the same digest.
	Put(ctx context.Context, r io.Reader) (Digest, error)

	// Exists checks if an artifact with the given digest exists.
	Exists(ctx context.Context, digest Digest) (bool, error)

	// Delete removes an artifact by its digest.
	// Returns nil if the artifact does not exist.
	Delete(ctx context.Context, digest Digest) error
}

// MetadataStore persists gallery records and presets.
type MetadataStore interface {
	CreateGeneration(ctx context.Context, rec *GenerationRecord) error
	GetGeneration(ctx context.Context, id string) (*GenerationRecord, error)
	// ListGenerations returns records newest first. pageToken is the ID of
	// the last record of the previous page; an empty next token means the
	// listing is exhausted.
	ListGenerations(ctx context.Context, limit int, pageToken string) ([]*GenerationRecord, string, error)
	// DeleteGeneration removes the record. Returns nil if absent.
	DeleteGeneration(ctx context.Context, id string) error
	// CountByArtifact reports how many generation records reference the
	// digest, so callers know when an artifact becomes unreferenced.
	CountByArtifact(ctx context.Context, digest Digest) (int, error)

	CreatePreset(ctx context.Context, rec *PresetRecord) error
	GetPreset(ctx context.Context, id string) (*PresetRecord, error)
	GetPresetByName(ctx context.Context, name string) (*PresetRecord, error)
	ListPresets(ctx context.Context) ([]*PresetRecord, error)
	UpdatePreset(ctx context.Context, rec *PresetRecord) error
	// DeletePreset removes the preset. Returns nil if absent.
	DeletePreset(ctx context.Context, id string) error

	Close() error
}
