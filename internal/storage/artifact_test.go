package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"gocloud.dev/blob/memblob"
)

func TestArtifactStore_PutGet(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := NewArtifactStore(bucket)
	ctx := context.Background()

	content := []byte("png bytes")
	digest, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if digest.Algorithm != DigestAlgorithmShake256 {
		t.Errorf("expected algorithm %s, got %s", DigestAlgorithmShake256, digest.Algorithm)
	}
	if len(digest.Value) != 64 {
		t.Errorf("expected 64-byte digest, got %d", len(digest.Value))
	}

	reader, err := store.Get(ctx, digest)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer reader.Close()

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

func TestArtifactStore_PutDeduplicates(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := NewArtifactStore(bucket)
	ctx := context.Background()

	content := []byte("same bytes")
	d1, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	d2, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if d1.String() != d2.String() {
		t.Errorf("identical content produced different digests: %s vs %s", d1, d2)
	}
}

func TestArtifactStore_ExistsDelete(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	store := NewArtifactStore(bucket)
	ctx := context.Background()

	digest, err := store.Put(ctx, bytes.NewReader([]byte("artifact")))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.Exists(ctx, digest)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected artifact to exist")
	}

	if err := store.Delete(ctx, digest); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = store.Exists(ctx, digest)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected artifact to be gone")
	}

	if _, err := store.Get(ctx, digest); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
