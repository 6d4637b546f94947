package generate

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"
	"gocloud.dev/docstore/memdocstore"

	"github.com/fluxkit/fluxkit/internal/bridge"
	"github.com/fluxkit/fluxkit/internal/events"
	"github.com/fluxkit/fluxkit/internal/storage"
)

// fakeBridge scripts the bridge responses and records the commands it saw.
type fakeBridge struct {
	run     func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error)
	runOnce func(cmd bridge.Command) (*bridge.Result, error)
	busy    map[bridge.Slot]bool

	commands []bridge.Command
}

func (f *fakeBridge) RunStreaming(ctx context.Context, cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
	f.commands = append(f.commands, cmd)
	return f.run(cmd, onProgress)
}

func (f *fakeBridge) RunOnce(ctx context.Context, cmd bridge.Command) (*bridge.Result, error) {
	f.commands = append(f.commands, cmd)
	return f.runOnce(cmd)
}

func (f *fakeBridge) Busy(slot bridge.Slot) bool { return f.busy[slot] }

func testStores(t *testing.T) (storage.ArtifactStore, storage.MetadataStore) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	generations, err := memdocstore.OpenCollection("ID", nil)
	if err != nil {
		t.Fatalf("open generations: %v", err)
	}
	presets, err := memdocstore.OpenCollection("ID", nil)
	if err != nil {
		t.Fatalf("open presets: %v", err)
	}
	return storage.NewArtifactStore(bucket), storage.NewMetadataStore(generations, presets)
}

func newTestGenerator(t *testing.T, fb *fakeBridge) *Generator {
	t.Helper()
	artifacts, meta := testStores(t)
	dir := t.TempDir()
	g := New(fb, artifacts, meta, events.NewHub(), Options{
		ScriptsDir: filepath.Join(dir, "scripts"),
		OutputDir:  filepath.Join(dir, "out"),
		ModelsDir:  filepath.Join(dir, "models"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)
	return g
}

func waitForState(t *testing.T, g *Generator, id string, want JobState) *JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := g.Status(id); ok && st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := g.Status(id)
	t.Fatalf("job %s never reached %s, last: %+v", id, want, st)
	return nil
}

func TestGeneratorSubmitSuccess(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "result.png")
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			onProgress(0.5, "halfway")
			if err := os.WriteFile(outFile, []byte("png"), 0644); err != nil {
				return nil, err
			}
			return &bridge.Result{
				State:    bridge.StateSucceeded,
				FilePath: outFile,
				Metadata: map[string]string{"generation_time": "7.5"},
				Progress: 1.0,
				Duration: 9 * time.Second,
			}, nil
		},
	}
	g := newTestGenerator(t, fb)

	id, err := g.Submit(validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitForState(t, g, id, JobSucceeded)

	rec, err := g.Generation(context.Background(), id)
	if err != nil {
		t.Fatalf("Generation lookup failed: %v", err)
	}
	if rec.GenerationSeconds != 7.5 {
		t.Errorf("expected tool timing 7.5, got %v", rec.GenerationSeconds)
	}
	if rec.Seed == 0 {
		t.Error("expected a normalized seed on the record")
	}

	// Artifact bytes round trip, temp file removed
	_, r, err := g.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact failed: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "png" {
		t.Errorf("artifact bytes mismatch: %q", data)
	}
	if _, err := os.Stat(outFile); !os.IsNotExist(err) {
		t.Error("expected temp output to be removed")
	}

	// Wrapper argv: script path then prompt model steps guidance seed width height
	cmd := fb.commands[0]
	if cmd.Slot != bridge.SlotGeneration {
		t.Errorf("expected generation slot, got %s", cmd.Slot)
	}
	if !strings.HasSuffix(cmd.Args[0], ScriptGenerate) {
		t.Errorf("expected generate script first, got %q", cmd.Args[0])
	}
	if len(cmd.Args) != 8 {
		t.Errorf("expected 8 args, got %v", cmd.Args)
	}
}

func TestGeneratorSubmitValidates(t *testing.T) {
	fb := &fakeBridge{}
	g := newTestGenerator(t, fb)

	req := validRequest()
	req.Model = "nope"
	if _, err := g.Submit(req); err == nil {
		t.Fatal("expected validation error")
	}
	if len(fb.commands) != 0 {
		t.Error("invalid request must not reach the bridge")
	}
}

func TestGeneratorFailureLeavesNoRecord(t *testing.T) {
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			return nil, &bridge.Error{Kind: bridge.FailureTool, Message: "boom", Progress: 0.3}
		},
	}
	g := newTestGenerator(t, fb)

	id, err := g.Submit(validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	st := waitForState(t, g, id, JobFailed)
	if !strings.Contains(st.Error, "boom") {
		t.Errorf("expected failure message, got %q", st.Error)
	}

	if _, err := g.Generation(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("failed generation must not produce a record, got %v", err)
	}
}

func TestGeneratorQueueFull(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			<-release
			return nil, &bridge.Error{Kind: bridge.FailureCancelled, Message: "cancelled by caller"}
		},
	}
	artifacts, meta := testStores(t)
	g := New(fb, artifacts, meta, events.NewHub(), Options{QueueDepth: 1, ScriptsDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)
	defer close(release)

	// First job occupies the worker, second fills the queue.
	if _, err := g.Submit(validRequest()); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}

	// With a depth-1 queue and the worker blocked, at most one more submit
	// can be accepted before the queue reports full.
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if _, err = g.Submit(validRequest()); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestGeneratorDeleteRemovesUnreferencedArtifact(t *testing.T) {
	outDir := t.TempDir()
	n := 0
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			n++
			path := filepath.Join(outDir, "out.png")
			if err := os.WriteFile(path, []byte("same bytes"), 0644); err != nil {
				return nil, err
			}
			return &bridge.Result{State: bridge.StateSucceeded, FilePath: path, Progress: 1.0}, nil
		},
	}
	g := newTestGenerator(t, fb)
	ctx := context.Background()

	id1, _ := g.Submit(validRequest())
	waitForState(t, g, id1, JobSucceeded)
	id2, _ := g.Submit(validRequest())
	waitForState(t, g, id2, JobSucceeded)

	rec1, err := g.Generation(ctx, id1)
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}

	// Both records share one artifact; deleting one keeps the bytes.
	if err := g.DeleteGeneration(ctx, id1); err != nil {
		t.Fatalf("DeleteGeneration failed: %v", err)
	}
	if _, r, err := g.Artifact(ctx, id2); err != nil {
		t.Fatalf("artifact should survive first delete: %v", err)
	} else {
		r.Close()
	}

	// Deleting the last reference removes the artifact too.
	if err := g.DeleteGeneration(ctx, id2); err != nil {
		t.Fatalf("DeleteGeneration failed: %v", err)
	}
	if exists, _ := g.artifacts.Exists(ctx, rec1.ArtifactDigest); exists {
		t.Error("expected artifact to be deleted with last reference")
	}
}

func TestGeneratorEvictsFinishedStatus(t *testing.T) {
	outDir := t.TempDir()
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			path := filepath.Join(outDir, "out.png")
			if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
				return nil, err
			}
			return &bridge.Result{State: bridge.StateSucceeded, FilePath: path, Progress: 1.0}, nil
		},
	}
	artifacts, meta := testStores(t)
	dir := t.TempDir()
	g := New(fb, artifacts, meta, events.NewHub(), Options{
		ScriptsDir:      filepath.Join(dir, "scripts"),
		OutputDir:       filepath.Join(dir, "out"),
		StatusRetention: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)

	id, err := g.Submit(validRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, g, id, JobSucceeded)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := g.Status(id); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished status never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The persisted record outlives the status snapshot.
	if _, err := g.Generation(ctx, id); err != nil {
		t.Errorf("record lookup after eviction failed: %v", err)
	}
}

func TestGeneratorDownloadModel(t *testing.T) {
	done := make(chan bridge.Command, 1)
	fb := &fakeBridge{
		run: func(cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error) {
			done <- cmd
			return &bridge.Result{State: bridge.StateSucceeded, Progress: 1.0}, nil
		},
	}
	g := newTestGenerator(t, fb)

	if err := g.DownloadModel("schnell"); err != nil {
		t.Fatalf("DownloadModel failed: %v", err)
	}

	select {
	case cmd := <-done:
		if cmd.Slot != bridge.SlotDownload {
			t.Errorf("expected download slot, got %s", cmd.Slot)
		}
		if !strings.HasSuffix(cmd.Args[0], ScriptDownload) || cmd.Args[1] != "schnell" {
			t.Errorf("unexpected download args: %v", cmd.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("download never ran")
	}

	if err := g.DownloadModel("turbo"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestGeneratorValidateToken(t *testing.T) {
	fb := &fakeBridge{
		runOnce: func(cmd bridge.Command) (*bridge.Result, error) {
			if cmd.Env["HF_TOKEN"] != "hf_secret" {
				t.Errorf("token not passed via env: %v", cmd.Env)
			}
			if cmd.Slot != bridge.SlotAuxiliary {
				t.Errorf("expected auxiliary slot, got %s", cmd.Slot)
			}
			return &bridge.Result{
				State:    bridge.StateSucceeded,
				Metadata: map[string]string{"username": "ada"},
			}, nil
		},
	}
	g := newTestGenerator(t, fb)

	user, err := g.ValidateToken(context.Background(), "hf_secret")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if user != "ada" {
		t.Errorf("expected username ada, got %q", user)
	}

	// second call for the same token is served from the cache
	if _, err := g.ValidateToken(context.Background(), "hf_secret"); err != nil {
		t.Fatalf("cached ValidateToken failed: %v", err)
	}
	if len(fb.commands) != 1 {
		t.Errorf("expected 1 bridge call, got %d", len(fb.commands))
	}
}

func TestMaterializeScripts(t *testing.T) {
	dir := t.TempDir()
	if err := MaterializeScripts(dir); err != nil {
		t.Fatalf("MaterializeScripts failed: %v", err)
	}

	for _, name := range []string{ScriptGenerate, ScriptDownload, ScriptWhoami} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("missing script %s: %v", name, err)
		}
		if info.Mode()&0111 == 0 {
			t.Errorf("script %s not executable", name)
		}
		if info.Size() == 0 {
			t.Errorf("script %s is empty", name)
		}
	}
}
