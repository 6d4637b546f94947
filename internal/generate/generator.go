package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxkit/fluxkit/internal/bridge"
	"github.com/fluxkit/fluxkit/internal/events"
	"github.com/fluxkit/fluxkit/internal/storage"
	"github.com/fluxkit/fluxkit/internal/util"
)

var tracer = otel.Tracer("fluxkit/internal/generate")

var (
	ErrQueueFull       = errors.New("generation queue full")
	ErrDownloadPending = errors.New("a model download is already pending")
	ErrUnknownModel    = errors.New("unknown model")
)

// Bridge is the subset of the process bridge the generator drives.
type Bridge interface {
	RunStreaming(ctx context.Context, cmd bridge.Command, onProgress bridge.ProgressFunc) (*bridge.Result, error)
	RunOnce(ctx context.Context, cmd bridge.Command) (*bridge.Result, error)
	Busy(slot bridge.Slot) bool
}

// Options configures a Generator.
type Options struct {
	ScriptsDir string
	OutputDir  string
	ModelsDir  string
	HFToken    string

	QueueDepth       int
	InferenceTimeout time.Duration
	DownloadTimeout  time.Duration

	// StatusRetention bounds how long a finished job's status stays
	// queryable. Zero means the default of 15 minutes.
	StatusRetention time.Duration
}

// JobState is the externally visible lifecycle of a submitted request.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is a point-in-time snapshot of a submitted generation.
type JobStatus struct {
	ID       string   `json:"id"`
	State    JobState `json:"state"`
	Progress float64  `json:"progress"`
	Status   string   `json:"status,omitempty"`
	Error    string   `json:"error,omitempty"`
	Request  Request  `json:"request"`
}

type job struct {
	id  string
	req Request
}

// Generator owns the generation and download pipelines: a bounded FIFO queue
// with one worker per bridge slot, artifact and record persistence, and event
// publication.
type Generator struct {
	bridge    Bridge
	artifacts storage.ArtifactStore
	meta      storage.MetadataStore
	hub       *events.Hub

	scriptsDir string
	outputDir  string
	modelsDir  string
	hfToken    string

	inferenceTimeout time.Duration
	downloadTimeout  time.Duration
	statusRetention  time.Duration

	genJobs chan job
	dlJobs  chan string

	mu       sync.Mutex
	statuses map[string]*JobStatus
	download string

	tokenCache *util.TimeLockMap[string, string]
}

func New(b Bridge, artifacts storage.ArtifactStore, meta storage.MetadataStore, hub *events.Hub, opts Options) *Generator {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 8
	}
	retention := opts.StatusRetention
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	g := &Generator{
		bridge:           b,
		artifacts:        artifacts,
		meta:             meta,
		hub:              hub,
		scriptsDir:       opts.ScriptsDir,
		outputDir:        opts.OutputDir,
		modelsDir:        opts.ModelsDir,
		hfToken:          opts.HFToken,
		inferenceTimeout: opts.InferenceTimeout,
		downloadTimeout:  opts.DownloadTimeout,
		statusRetention:  retention,
		genJobs:          make(chan job, depth),
		dlJobs:           make(chan string, 1),
		statuses:         map[string]*JobStatus{},
	}
	g.tokenCache = util.NewTimeLockMap(time.Hour, func(ctx context.Context, val util.KVWrapper[string, string]) (util.KVWrapper[string, string], error) {
		username, err := g.whoami(ctx, val.Key)
		if err != nil {
			return val, err
		}
		val.Value = username
		return val, nil
	})
	return g
}

// Run starts the per-slot workers and blocks until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-g.genJobs:
				g.runGeneration(ctx, j)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case model := <-g.dlJobs:
				g.runDownload(ctx, model)
			}
		}
	}()
	wg.Wait()
}

// reportInstallFailure forwards failures that point at a broken installation
// (missing interpreter, unparsable tool output) to sentry. Ordinary tool
// errors and user cancellations stay local.
func reportInstallFailure(err error) {
	switch bridge.Kind(err) {
	case bridge.FailureExecutableNotFound, bridge.FailureInvalidResponse, bridge.FailureDependency:
		sentry.CaptureException(err)
	}
}

// Submit validates and enqueues a generation request. It returns the job ID
// under which progress events are published and the finished record is
// stored.
func (g *Generator) Submit(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req.Normalize()

	id := uuid.Must(uuid.NewV7()).String()
	j := job{id: id, req: req}

	g.mu.Lock()
	g.statuses[id] = &JobStatus{ID: id, State: JobQueued, Request: req}
	g.mu.Unlock()

	select {
	case g.genJobs <- j:
		return id, nil
	default:
		g.mu.Lock()
		delete(g.statuses, id)
		g.mu.Unlock()
		return "", ErrQueueFull
	}
}

// Status returns the snapshot for an in-flight or recently finished job.
func (g *Generator) Status(id string) (*JobStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[id]
	if !ok {
		return nil, false
	}
	snapshot := *st
	return &snapshot, true
}

func (g *Generator) setStatus(id string, fn func(*JobStatus)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.statuses[id]; ok {
		fn(st)
	}
}

// finishStatus records a terminal state and schedules the snapshot for
// eviction, so finished jobs do not accumulate in memory. Finished
// generations remain available through their persisted records.
func (g *Generator) finishStatus(id string, fn func(*JobStatus)) {
	g.setStatus(id, fn)
	time.AfterFunc(g.statusRetention, func() {
		g.mu.Lock()
		delete(g.statuses, id)
		g.mu.Unlock()
	})
}

func (g *Generator) runGeneration(ctx context.Context, j job) {
	ctx, span := tracer.Start(ctx, "generate.runGeneration")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.id", j.id),
		attribute.String("generation.model", j.req.Model),
	)

	topic := "generation:" + j.id
	log := slog.With("generation", j.id, "model", j.req.Model)

	g.setStatus(j.id, func(st *JobStatus) { st.State = JobRunning })
	log.Info("generation started", "steps", j.req.Steps, "size", fmt.Sprintf("%dx%d", j.req.Width, j.req.Height))

	timeout := g.inferenceTimeout
	if timeout <= 0 {
		timeout = bridge.DefaultInferenceTimeout
	}
	if !g.modelDownloaded(j.req.Model) && timeout < bridge.DefaultAcquireTimeout {
		// the tool pulls missing weights itself on first use
		timeout = bridge.DefaultAcquireTimeout
	}

	cmd := bridge.Command{
		Slot: bridge.SlotGeneration,
		Args: append([]string{filepath.Join(g.scriptsDir, ScriptGenerate)}, j.req.Argv()...),
		Env: map[string]string{
			"FLUXKIT_OUTPUT_DIR": g.outputDir,
		},
		Timeout: timeout,
	}
	if g.hfToken != "" {
		cmd.Env["HF_TOKEN"] = g.hfToken
	}

	onProgress := func(fraction float64, status string) {
		g.setStatus(j.id, func(st *JobStatus) {
			st.Progress = fraction
			st.Status = status
		})
		g.hub.Publish(events.Event{Topic: topic, Type: events.TypeProgress, Fraction: fraction, Message: status})
	}

	res, err := g.bridge.RunStreaming(ctx, cmd, onProgress)
	if err != nil {
		log.Warn("generation failed", "error", err)
		reportInstallFailure(err)
		g.finishStatus(j.id, func(st *JobStatus) {
			st.State = JobFailed
			st.Error = err.Error()
		})
		g.hub.Publish(events.Event{Topic: topic, Type: events.TypeFailed, Message: err.Error()})
		return
	}

	rec, err := g.persist(ctx, j, res)
	if err != nil {
		log.Error("failed to persist generation", "error", err)
		g.finishStatus(j.id, func(st *JobStatus) {
			st.State = JobFailed
			st.Error = err.Error()
		})
		g.hub.Publish(events.Event{Topic: topic, Type: events.TypeFailed, Message: err.Error()})
		return
	}

	log.Info("generation finished", "duration", res.Duration, "digest", rec.ArtifactDigest.ShortHex(12))
	g.finishStatus(j.id, func(st *JobStatus) {
		st.State = JobSucceeded
		st.Progress = 1.0
	})
	g.hub.Publish(events.Event{Topic: topic, Type: events.TypeCompleted, Fraction: 1.0, Message: rec.ID})
}

// persist moves the tool's output file into the artifact store and writes the
// gallery record. The temp file is removed on success.
func (g *Generator) persist(ctx context.Context, j job, res *bridge.Result) (*storage.GenerationRecord, error) {
	if res.FilePath == "" {
		return nil, fmt.Errorf("tool reported success without a file path")
	}

	f, err := os.Open(res.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open generated file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	digest, err := g.artifacts.Put(ctx, f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	if err := os.Remove(res.FilePath); err != nil {
		slog.Warn("could not remove temp output", "path", res.FilePath, "error", err)
	}

	rec := &storage.GenerationRecord{
		ID:                j.id,
		Prompt:            j.req.Prompt,
		NegativePrompt:    j.req.NegativePrompt,
		Model:             j.req.Model,
		Steps:             j.req.Steps,
		Guidance:          j.req.Guidance,
		Seed:              j.req.Seed,
		Width:             j.req.Width,
		Height:            j.req.Height,
		ArtifactDigest:    digest,
		ArtifactSize:      info.Size(),
		Metadata:          res.Metadata,
		GenerationSeconds: generationSeconds(res),
		CreateTime:        time.Now().UTC(),
	}
	if err := g.meta.CreateGeneration(ctx, rec); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	return rec, nil
}

// generationSeconds prefers the tool's own timing over wall-clock duration,
// which includes model load time.
func generationSeconds(res *bridge.Result) float64 {
	if s, ok := res.Metadata["generation_time"]; ok {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return res.Duration.Seconds()
}

// DownloadModel enqueues a weight download for model. At most one download
// can be pending or running.
func (g *Generator) DownloadModel(model string) error {
	if !knownModel(model) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if g.bridge.Busy(bridge.SlotDownload) {
		return ErrDownloadPending
	}
	select {
	case g.dlJobs <- model:
		return nil
	default:
		return ErrDownloadPending
	}
}

func (g *Generator) currentDownload() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.download
}

func (g *Generator) runDownload(ctx context.Context, model string) {
	ctx, span := tracer.Start(ctx, "generate.runDownload")
	defer span.End()
	span.SetAttributes(attribute.String("download.model", model))

	topic := "download:" + model
	log := slog.With("model", model)

	g.mu.Lock()
	g.download = model
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.download = ""
		g.mu.Unlock()
	}()

	log.Info("model download started")

	cmd := bridge.Command{
		Slot: bridge.SlotDownload,
		Args: []string{filepath.Join(g.scriptsDir, ScriptDownload), model},
		Env: map[string]string{
			"FLUXKIT_MODELS_DIR": g.modelsDir,
		},
		Timeout: g.downloadTimeout,
	}
	if g.hfToken != "" {
		cmd.Env["HF_TOKEN"] = g.hfToken
	}

	onProgress := func(fraction float64, status string) {
		g.hub.Publish(events.Event{Topic: topic, Type: events.TypeProgress, Fraction: fraction, Message: status})
	}

	if _, err := g.bridge.RunStreaming(ctx, cmd, onProgress); err != nil {
		log.Warn("model download failed", "error", err)
		reportInstallFailure(err)
		g.hub.Publish(events.Event{Topic: topic, Type: events.TypeFailed, Message: err.Error()})
		return
	}

	log.Info("model download finished")
	g.hub.Publish(events.Event{Topic: topic, Type: events.TypeCompleted, Fraction: 1.0})
}

// ValidateToken checks a Hugging Face token against the hub through the
// external tool and returns the account username. Results are cached per
// token for an hour so repeated checks do not spawn a process each time.
func (g *Generator) ValidateToken(ctx context.Context, token string) (string, error) {
	ctx, span := tracer.Start(ctx, "generate.ValidateToken")
	defer span.End()

	return g.tokenCache.Get(ctx, token)
}

func (g *Generator) whoami(ctx context.Context, token string) (string, error) {
	res, err := g.bridge.RunOnce(ctx, bridge.Command{
		Slot:    bridge.SlotAuxiliary,
		Args:    []string{filepath.Join(g.scriptsDir, ScriptWhoami)},
		Env:     map[string]string{"HF_TOKEN": token},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return "", err
	}
	return res.Metadata["username"], nil
}

// Generation returns a stored gallery record.
func (g *Generator) Generation(ctx context.Context, id string) (*storage.GenerationRecord, error) {
	return g.meta.GetGeneration(ctx, id)
}

// Generations lists gallery records, newest first.
func (g *Generator) Generations(ctx context.Context, limit int, pageToken string) ([]*storage.GenerationRecord, string, error) {
	return g.meta.ListGenerations(ctx, limit, pageToken)
}

// DeleteGeneration removes a record and, when no other record references the
// same artifact, the artifact bytes.
func (g *Generator) DeleteGeneration(ctx context.Context, id string) error {
	rec, err := g.meta.GetGeneration(ctx, id)
	if err != nil {
		return err
	}
	if err := g.meta.DeleteGeneration(ctx, id); err != nil {
		return err
	}

	refs, err := g.meta.CountByArtifact(ctx, rec.ArtifactDigest)
	if err != nil {
		return err
	}
	if refs == 0 {
		if err := g.artifacts.Delete(ctx, rec.ArtifactDigest); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	g.mu.Lock()
	delete(g.statuses, id)
	g.mu.Unlock()
	return nil
}

// Artifact opens the stored image bytes for a gallery record. The caller
// closes the reader.
func (g *Generator) Artifact(ctx context.Context, id string) (*storage.GenerationRecord, io.ReadCloser, error) {
	rec, err := g.meta.GetGeneration(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	r, err := g.artifacts.Get(ctx, rec.ArtifactDigest)
	if err != nil {
		return nil, nil, err
	}
	return rec, r, nil
}
