package encode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"hls-transcoder/internal/orchestrator"
	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/platform/metrics"
)

const (
	// DefaultSegmentDuration is the HLS target segment length in seconds.
	DefaultSegmentDuration = 10
	// DefaultTimeout caps the wall-clock time of one encode.
	DefaultTimeout = 30 * time.Minute

	audioBitrate = "128k"
)

// Config holds encode policy shared by every rendition.
type Config struct {
	SegmentDuration int
	Timeout         time.Duration
}

// Encoder turns one source into one HLS rendition per call. It implements
// orchestrator.RenditionEncoder.
type Encoder struct {
	engine  Engine
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewEncoder returns an Encoder driving engine. Metrics may be nil.
func NewEncoder(engine Engine, cfg Config, log *slog.Logger, m *metrics.Metrics) *Encoder {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Encoder{engine: engine, cfg: cfg, log: log, metrics: m}
}

// PlaylistName is the rendition-local playlist file name for spec.
func PlaylistName(spec orchestrator.RenditionSpec) string {
	return spec.Name + ".m3u8"
}

// Request describes one engine invocation for a rendition.
type Request struct {
	Input           string
	OutputDir       string
	Spec            orchestrator.RenditionSpec
	SegmentDuration int
}

// BuildArgs returns the ffmpeg arguments for req: scale to the rung size,
// encode at its exact bitrate, and segment into a VOD playlist with keyframes
// aligned to segment boundaries.
func BuildArgs(req Request) []string {
	bitrate := strconv.FormatInt(req.Spec.TargetBitrate, 10)
	bufsize := strconv.FormatInt(req.Spec.TargetBitrate*2, 10)
	seg := strconv.Itoa(req.SegmentDuration)

	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", req.Input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", fmt.Sprintf("scale=%d:%d", req.Spec.Width, req.Spec.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", bufsize,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", seg),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ac", "2",
		"-f", "hls",
		"-hls_time", seg,
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, req.Spec.Name+"_%03d.ts"),
		filepath.Join(req.OutputDir, PlaylistName(req.Spec)),
	}
}

// Run encodes one rendition. It never returns an error or panics: every
// failure, including a timeout, ends up in the result's ErrorDetail so that
// sibling renditions are unaffected.
func (e *Encoder) Run(ctx context.Context, src orchestrator.SourceAsset, spec orchestrator.RenditionSpec, outputDir string) (res orchestrator.RenditionResult) {
	start := time.Now()
	res = orchestrator.RenditionResult{Spec: spec}
	log := e.log.With(slog.String("rendition", spec.Name), slog.String("source", src.ID))

	defer func() {
		if r := recover(); r != nil {
			res.Status = orchestrator.RenditionFailed
			res.ErrorDetail = fmt.Sprintf("encoder panic: %v", r)
		}
		res.Duration = time.Since(start)
		e.metrics.ObserveRendition(string(res.Status), res.Duration)
		if res.Succeeded() {
			log.Info("rendition encoded", slog.Duration("took", res.Duration))
		} else {
			log.Warn("rendition failed", slog.String("error", res.ErrorDetail), slog.Duration("took", res.Duration))
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := BuildArgs(Request{
		Input:           src.Location,
		OutputDir:       outputDir,
		Spec:            spec,
		SegmentDuration: e.cfg.SegmentDuration,
	})
	log.Info("rendition encode started",
		slog.Int("width", spec.Width),
		slog.Int("height", spec.Height),
		slog.Int64("bitrate", spec.TargetBitrate))

	if err := e.engine.Run(jobCtx, args); err != nil {
		res.Status = orchestrator.RenditionFailed
		res.ErrorDetail = err.Error()
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.ErrorDetail = fmt.Sprintf("timed out after %s: %s", e.cfg.Timeout, err)
		}
		return res
	}

	playlist := filepath.Join(outputDir, PlaylistName(spec))
	if _, err := os.Stat(playlist); err != nil {
		res.Status = orchestrator.RenditionFailed
		res.ErrorDetail = fmt.Sprintf("engine finished without writing %s: %v", PlaylistName(spec), err)
		return res
	}

	res.Status = orchestrator.RenditionSucceeded
	res.PlaylistPath = PlaylistName(spec)
	return res
}

// Remux copies the streams of input into an MP4 at output without
// re-encoding. It is used for one-shot downloads of remote playlists.
func (e *Encoder) Remux(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		output,
	}
	e.log.Info("remux started", slog.String("output", filepath.Base(output)))
	if err := e.engine.Run(ctx, args); err != nil {
		return fmt.Errorf("remux %s: %w", filepath.Base(output), err)
	}
	return nil
}
