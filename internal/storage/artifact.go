package storage

import (
	"bytes"
	"context"
	"io"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/crypto/sha3"
)

// ArtifactStoreImpl implements ArtifactStore using gocloud.dev/blob.
// Artifacts are stored at: <algorithm>/<first-2-hex>/<full-hex-digest>
type ArtifactStoreImpl struct {
	bucket *blob.Bucket
}

// NewArtifactStore creates a new gocloud.dev/blob-backed artifact store.
func NewArtifactStore(bucket *blob.Bucket) *ArtifactStoreImpl {
	return &ArtifactStoreImpl{bucket: bucket}
}

// artifactKey returns the key for a given digest.
func artifactKey(digest Digest) string {
	hex := digest.Hex()
	if len(hex) < 2 {
		return digest.Algorithm + "/" + hex
	}
	// Shard by first 2 hex characters to avoid too many files in one directory
	return digest.Algorithm + "/" + hex[:2] + "/" + hex
}

// Get retrieves an artifact by its digest.
func (s *ArtifactStoreImpl) Get(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	key := artifactKey(digest)
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// Put stores an artifact and returns its computed SHAKE256 digest.
func (s *ArtifactStoreImpl) Put(ctx context.Context, r io.Reader) (Digest, error) {
	// Read all content to compute hash first
	content, err := io.ReadAll(r)
	if err != nil {
		return Digest{}, err
	}

	h := sha3.NewShake256()
	h.Write(content)
	var hashBytes [64]byte
	h.Read(hashBytes[:])

	digest := Digest{
		Algorithm: DigestAlgorithmShake256,
		Value:     hashBytes[:],
	}

	key := artifactKey(digest)

	// Identical images deduplicate to one stored object
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return Digest{}, err
	}
	if exists {
		return digest, nil
	}

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return Digest{}, err
	}

	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		w.Close()
		return Digest{}, err
	}

	if err := w.Close(); err != nil {
		return Digest{}, err
	}

	return digest, nil
}

// Exists checks if an artifact with the given digest exists.
func (s *ArtifactStoreImpl) Exists(ctx context.Context, digest Digest) (bool, error) {
	key := artifactKey(digest)
	return s.bucket.Exists(ctx, key)
}

// Delete removes an artifact by its digest.
func (s *ArtifactStoreImpl) Delete(ctx context.Context, digest Digest) error {
	key := artifactKey(digest)
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil // Already deleted
	}
	return err
}
