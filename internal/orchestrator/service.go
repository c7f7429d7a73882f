package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hls-transcoder/internal/lifecycle"
	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/platform/metrics"
)

// DefaultOutputTTL is how long a finished job's output tree is served.
const DefaultOutputTTL = 2 * time.Hour

// ErrConversionCanceled is returned when the caller's context ends before
// every rendition finished. Partial output is discarded.
var ErrConversionCanceled = errors.New("conversion canceled")

// RenditionEncoder produces one rendition. Implementations report failure in
// the result and never panic past this boundary.
type RenditionEncoder interface {
	Run(ctx context.Context, src SourceAsset, spec RenditionSpec, outputDir string) RenditionResult
}

// Artifacts is the part of the lifecycle manager the service depends on.
type Artifacts interface {
	Register(ctx context.Context, kind lifecycle.Kind, ttl time.Duration, paths ...string) error
	Hold(path string) (release func())
	ReleaseOnConsumption(ctx context.Context, path string) error
}

// Publisher copies a finished job directory to secondary storage.
type Publisher interface {
	Publish(ctx context.Context, jobID, dir string) error
}

// Config holds the Service settings.
type Config struct {
	OutputsRoot string
	OutputTTL   time.Duration
	// MaxConcurrentEncodes bounds encodes across all jobs. Zero selects
	// runtime.NumCPU.
	MaxConcurrentEncodes int
	// SkipRungsAboveSource drops rungs whose bitrate exceeds the source's
	// bandwidth hint.
	SkipRungsAboveSource bool
	Now                  func() time.Time
}

// Service fans a source out to every ladder rung, joins the encodes, and
// publishes a master playlist over the renditions that succeeded.
type Service struct {
	repo      Repository
	encoder   RenditionEncoder
	artifacts Artifacts
	publisher Publisher
	pool      *semaphore.Weighted
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewService returns a Service. publisher and m may be nil.
func NewService(repo Repository, encoder RenditionEncoder, artifacts Artifacts, publisher Publisher, cfg Config, log *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.OutputTTL <= 0 {
		cfg.OutputTTL = DefaultOutputTTL
	}
	if cfg.MaxConcurrentEncodes <= 0 {
		cfg.MaxConcurrentEncodes = runtime.NumCPU()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		repo:      repo,
		encoder:   encoder,
		artifacts: artifacts,
		publisher: publisher,
		pool:      semaphore.NewWeighted(int64(cfg.MaxConcurrentEncodes)),
		cfg:       cfg,
		log:       log,
		metrics:   m,
	}
}

// Convert transcodes src into every rung of ladder and blocks until all of
// them are terminal. The returned job is always non-nil once a job directory
// exists, including alongside ErrNoRenditionsAvailable and
// ErrConversionCanceled.
func (s *Service) Convert(ctx context.Context, src SourceAsset, ladder []RenditionSpec) (*ConversionJob, error) {
	defer s.releaseSource(ctx, src)

	if err := ValidateLadder(ladder); err != nil {
		return nil, err
	}

	id, dir, err := allocateJobDir(s.cfg.OutputsRoot, s.cfg.Now())
	if err != nil {
		return nil, err
	}
	// Registered up front so a crash mid-run still leaves the directory
	// expirable. The hold keeps sweeps off it until the job is terminal.
	if err := s.artifacts.Register(ctx, lifecycle.KindGeneratedOutput, s.cfg.OutputTTL, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("register job directory: %w", err)
	}
	release := s.artifacts.Hold(dir)
	defer release()

	run, skipped := PlanRungs(ladder, src.BandwidthHint, s.cfg.SkipRungsAboveSource)
	job := &ConversionJob{
		ID:        id,
		Source:    src,
		Ladder:    append([]RenditionSpec(nil), ladder...),
		Results:   make(map[string]RenditionResult, len(run)),
		Skipped:   skipped,
		State:     StateRunning,
		CreatedAt: s.cfg.Now(),
		OutputDir: dir,
	}
	if err := s.repo.CreateJob(job); err != nil {
		s.discard(ctx, dir)
		return nil, err
	}

	log := s.log.With(slog.String("job_id", string(id)))
	log.Info("conversion started",
		slog.String("source", src.Location),
		slog.String("origin", string(src.Origin)),
		slog.Int("renditions", len(run)),
		slog.Any("skipped", skipped))

	results := s.encodeAll(ctx, id, src, run, dir)
	job.Results = results

	if ctx.Err() != nil {
		s.finish(job, StateFailed, "")
		s.discard(ctx, dir)
		log.Warn("conversion canceled", slog.String("error", ctx.Err().Error()))
		return job, fmt.Errorf("%w: %w", ErrConversionCanceled, ctx.Err())
	}

	state := jobState(results)
	if state == StateFailed {
		s.finish(job, StateFailed, "")
		s.discard(ctx, dir)
		log.Warn("conversion failed, no rendition succeeded")
		return job, ErrNoRenditionsAvailable
	}

	if _, err := WriteMasterPlaylist(job.OrderedResults(), dir); err != nil {
		s.finish(job, StateFailed, "")
		s.discard(ctx, dir)
		return job, err
	}
	manifest := string(id) + "/" + MasterPlaylistName
	s.finish(job, state, manifest)

	// The serving window starts at the terminal state.
	if err := s.artifacts.Register(context.WithoutCancel(ctx), lifecycle.KindGeneratedOutput, s.cfg.OutputTTL, dir); err != nil {
		log.Error("restart output ttl failed", slog.String("error", err.Error()))
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(context.WithoutCancel(ctx), string(id), dir); err != nil {
			log.Warn("mirror publish failed", slog.String("error", err.Error()))
		}
	}

	log.Info("conversion finished",
		slog.String("state", string(state)),
		slog.String("manifest", manifest),
		slog.Duration("took", job.FinishedAt.Sub(job.CreatedAt)))
	return job, nil
}

// encodeAll runs every rung on the shared pool and returns once all of them
// have a result. A rung that never got a pool slot because ctx ended is
// recorded as failed.
func (s *Service) encodeAll(ctx context.Context, id JobID, src SourceAsset, run []RenditionSpec, dir string) map[string]RenditionResult {
	var (
		mu      sync.Mutex
		results = make(map[string]RenditionResult, len(run))
	)
	record := func(res RenditionResult) {
		mu.Lock()
		results[res.Spec.Name] = res
		mu.Unlock()
		if err := s.repo.UpdateJob(id, func(j *ConversionJob) { j.Results[res.Spec.Name] = res }); err != nil {
			s.log.Error("record rendition result failed", slog.String("job_id", string(id)), slog.String("error", err.Error()))
		}
	}

	var g errgroup.Group
	for _, spec := range run {
		g.Go(func() error {
			if err := s.pool.Acquire(ctx, 1); err != nil {
				record(RenditionResult{Spec: spec, Status: RenditionFailed, ErrorDetail: "not started: " + err.Error()})
				return nil
			}
			defer s.pool.Release(1)
			s.metrics.AddActiveEncodes(1)
			defer s.metrics.AddActiveEncodes(-1)

			res := s.encoder.Run(ctx, src, spec, dir)
			res.Spec = spec
			record(res)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) finish(job *ConversionJob, state JobState, manifest string) {
	job.State = state
	job.ManifestPath = manifest
	job.FinishedAt = s.cfg.Now()
	err := s.repo.UpdateJob(job.ID, func(j *ConversionJob) {
		j.State = state
		j.ManifestPath = manifest
		j.FinishedAt = job.FinishedAt
		for name, res := range job.Results {
			j.Results[name] = res
		}
	})
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		s.log.Error("record job state failed", slog.String("job_id", string(job.ID)), slog.String("error", err.Error()))
	}
	s.metrics.IncConversions(string(state))
}

// discard deletes a job directory that will never be served.
func (s *Service) discard(ctx context.Context, dir string) {
	if err := s.artifacts.ReleaseOnConsumption(context.WithoutCancel(ctx), dir); err != nil {
		s.log.Warn("discard job output failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

// releaseSource deletes an uploaded source once its only conversion is done.
// Remote sources are not ours to delete.
func (s *Service) releaseSource(ctx context.Context, src SourceAsset) {
	if src.Origin != OriginUpload {
		return
	}
	err := s.artifacts.ReleaseOnConsumption(context.WithoutCancel(ctx), src.Location)
	if err != nil && !errors.Is(err, lifecycle.ErrUnknownArtifact) {
		s.log.Warn("release uploaded source failed", slog.String("path", src.Location), slog.String("error", err.Error()))
	}
}

// Job returns a snapshot of a known job.
func (s *Service) Job(id JobID) (*ConversionJob, bool) {
	return s.repo.GetJob(id)
}

// Forget drops the job whose output directory was evicted.
func (s *Service) Forget(dir string) {
	id := JobID(filepath.Base(dir))
	s.repo.DeleteJob(id)
	s.log.Debug("job forgotten", slog.String("job_id", string(id)))
}

// PlanRungs splits ladder into the rungs to encode and the names of those
// skipped because they exceed the source bandwidth. Without a hint, or with
// skipping disabled, every rung runs. At least one rung always runs: the one
// with the lowest bitrate.
func PlanRungs(ladder []RenditionSpec, bandwidthHint int64, skipAbove bool) (run []RenditionSpec, skipped []string) {
	if !skipAbove || bandwidthHint <= 0 {
		return append([]RenditionSpec(nil), ladder...), nil
	}
	for _, spec := range ladder {
		if spec.TargetBitrate > bandwidthHint {
			skipped = append(skipped, spec.Name)
			continue
		}
		run = append(run, spec)
	}
	if len(run) > 0 || len(ladder) == 0 {
		return run, skipped
	}

	lowest := ladder[0]
	for _, spec := range ladder[1:] {
		if spec.TargetBitrate < lowest.TargetBitrate {
			lowest = spec
		}
	}
	skipped = skipped[:0]
	for _, spec := range ladder {
		if spec.Name != lowest.Name {
			skipped = append(skipped, spec.Name)
		}
	}
	return []RenditionSpec{lowest}, skipped
}

// jobState is completed iff every rendition succeeded, partially-failed iff
// at least one did, and failed otherwise.
func jobState(results map[string]RenditionResult) JobState {
	succeeded := 0
	for _, res := range results {
		if res.Succeeded() {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return StateFailed
	case succeeded == len(results):
		return StateCompleted
	default:
		return StatePartiallyFailed
	}
}
