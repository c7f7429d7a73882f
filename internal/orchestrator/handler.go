package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-transcoder/internal/lifecycle"
	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/platform/metrics"
	"hls-transcoder/internal/playlist"
)

const (
	// OutputsPrefix is the URL path under which job directories are served.
	OutputsPrefix = "/outputs"
	// DownloadsPrefix is the URL path of one-shot downloads.
	DownloadsPrefix = "/download"

	uploadField = "video"
	// maxJSONBody caps request bodies of the JSON endpoints.
	maxJSONBody = 64 << 10
	// multipartOverhead is the slack allowed on top of the upload limit for
	// multipart boundaries and headers.
	multipartOverhead = 1 << 20
)

// SourceResolver turns a client URL into a source asset.
type SourceResolver interface {
	Resolve(ctx context.Context, rawURL string) (SourceAsset, error)
}

// Uploads stores client uploads as managed artifacts.
type Uploads interface {
	Save(ctx context.Context, r io.Reader, originalName string, maxBytes int64) (string, error)
}

// Downloads hands out managed paths for one-shot downloads.
type Downloads interface {
	Root() string
	Reserve(ctx context.Context, ext string) (string, error)
}

// Remuxer copies a source into an MP4 container without re-encoding.
type Remuxer interface {
	Remux(ctx context.Context, input, output string) error
}

// HandlerDeps are the collaborators of the HTTP layer besides the Service.
type HandlerDeps struct {
	Resolver       SourceResolver
	Uploads        Uploads
	Downloads      Downloads
	Remuxer        Remuxer
	Artifacts      Artifacts
	Ladder         []RenditionSpec
	MaxUploadBytes int64
}

// Handler exposes the transcode HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	deps    HandlerDeps
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, collaborators,
// Logger, and optional Metrics. Metrics may be nil (e.g. in tests).
func NewHandler(svc *Service, deps HandlerDeps, log *slog.Logger, m *metrics.Metrics) *Handler {
	if len(deps.Ladder) == 0 {
		deps.Ladder = DefaultLadder()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{svc: svc, deps: deps, log: log, metrics: m}
}

type urlRequest struct {
	URL string `json:"url"`
}

type renditionView struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Playlist string `json:"playlist,omitempty"`
	Error    string `json:"error,omitempty"`
}

type jobView struct {
	JobID      string          `json:"jobId"`
	State      string          `json:"state"`
	Manifest   string          `json:"manifest,omitempty"`
	Renditions []renditionView `json:"renditions"`
	Skipped    []string        `json:"skipped,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

type errorBody struct {
	Error      string          `json:"error"`
	Code       string          `json:"code"`
	JobID      string          `json:"jobId,omitempty"`
	Renditions []renditionView `json:"renditions,omitempty"`
}

func newJobView(job *ConversionJob) jobView {
	v := jobView{
		JobID:      string(job.ID),
		State:      string(job.State),
		Renditions: make([]renditionView, 0, len(job.Results)),
		Skipped:    job.Skipped,
		CreatedAt:  job.CreatedAt,
	}
	if job.ManifestPath != "" {
		v.Manifest = OutputsPrefix + "/" + job.ManifestPath
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		v.FinishedAt = &t
	}
	for _, res := range job.OrderedResults() {
		rv := renditionView{Name: res.Spec.Name, Status: string(res.Status), Error: res.ErrorDetail}
		if res.Succeeded() && job.ManifestPath != "" {
			rv.Playlist = OutputsPrefix + "/" + string(job.ID) + "/" + res.PlaylistPath
		}
		v.Renditions = append(v.Renditions, rv)
	}
	return v
}

// Convert handles POST /convert. Body: { "url": "https://host/master.m3u8" }.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		h.log.Debug("invalid convert body", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a url field")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}

	src, err := h.deps.Resolver.Resolve(r.Context(), req.URL)
	if err != nil {
		h.fail(w, nil, err)
		return
	}
	h.convert(w, r, src)
}

// Upload handles POST /upload with the source in multipart field "video".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.deps.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "multipart form with a video field is required")
		return
	}

	var path string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.fail(w, nil, readBodyError(err))
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		path, err = h.deps.Uploads.Save(r.Context(), part, part.FileName(), h.deps.MaxUploadBytes)
		_ = part.Close()
		if err != nil {
			h.fail(w, nil, readBodyError(err))
			return
		}
		break
	}
	if path == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "no video file uploaded")
		return
	}

	h.log.Info("source uploaded", slog.String("path", path))
	h.convert(w, r, SourceAsset{
		ID:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Origin:   OriginUpload,
		Location: path,
	})
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request, src SourceAsset) {
	job, err := h.svc.Convert(r.Context(), src, h.deps.Ladder)
	if err != nil {
		h.fail(w, job, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newJobView(job))
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := JobID(chi.URLParam(r, "job_id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	job, ok := h.svc.Job(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	h.writeJSON(w, http.StatusOK, newJobView(job))
}

// Remux handles POST /remux. The remote source is copied into an MP4 that can
// be downloaded exactly once from the returned url.
func (h *Handler) Remux(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a url field")
		return
	}

	src, err := h.deps.Resolver.Resolve(r.Context(), req.URL)
	if err != nil {
		h.fail(w, nil, err)
		return
	}
	out, err := h.deps.Downloads.Reserve(r.Context(), ".mp4")
	if err != nil {
		h.fail(w, nil, err)
		return
	}
	if err := h.deps.Remuxer.Remux(r.Context(), src.Location, out); err != nil {
		h.release(r.Context(), out)
		h.log.Warn("remux failed", slog.String("source", src.Location), slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "remux_failed", err.Error())
		return
	}

	name := filepath.Base(out)
	h.log.Info("remux ready", slog.String("file", name))
	h.writeJSON(w, http.StatusOK, map[string]string{"url": DownloadsPrefix + "/" + name})
}

// Download handles GET /download/{filename}. The file is deleted after the
// first complete transfer.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid file name")
		return
	}
	path := filepath.Join(h.deps.Downloads.Root(), name)

	f, err := os.Open(path)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		h.writeError(w, http.StatusNotFound, "not_found", "file not found")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Type", ContentType(name))
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	http.ServeContent(sw, r, name, info.ModTime(), f)
	f.Close()

	if sw.status == http.StatusOK && r.Method == http.MethodGet && r.Context().Err() == nil {
		h.release(r.Context(), path)
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) release(ctx context.Context, path string) {
	if h.deps.Artifacts == nil {
		return
	}
	err := h.deps.Artifacts.ReleaseOnConsumption(context.WithoutCancel(ctx), path)
	if err != nil && !errors.Is(err, lifecycle.ErrUnknownArtifact) {
		h.log.Warn("release download failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// fail maps a domain error to its HTTP status and code. job may be nil.
func (h *Handler) fail(w http.ResponseWriter, job *ConversionJob, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, ErrInvalidSource):
		status, body.Code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, playlist.ErrMalformedPlaylist):
		status, body.Code = http.StatusUnprocessableEntity, "malformed_playlist"
	case errors.Is(err, ErrSourceUnreachable):
		status, body.Code = http.StatusBadGateway, "source_unreachable"
	case errors.Is(err, ErrNoRenditionsAvailable):
		status, body.Code = http.StatusUnprocessableEntity, "no_renditions"
	case errors.Is(err, ErrConversionCanceled):
		status, body.Code = http.StatusServiceUnavailable, "canceled"
	case errors.Is(err, lifecycle.ErrTooLarge), errors.As(err, &maxBytes):
		status, body.Code = http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, errBadMultipart):
		status, body.Code = http.StatusBadRequest, "invalid_request"
	default:
		body.Code = "internal"
		body.Error = "internal error"
		h.log.Error("request failed", slog.String("error", err.Error()))
	}

	if job != nil {
		body.JobID = string(job.ID)
		body.Renditions = newJobView(job).Renditions
	}
	h.writeJSON(w, status, body)
}

var errBadMultipart = errors.New("malformed multipart body")

// readBodyError keeps size-limit errors recognizable, blames failures to read
// the request body on the client, and leaves disk failures as server errors.
func readBodyError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) || errors.Is(err, lifecycle.ErrTooLarge) {
		return err
	}
	var ioErr *lifecycle.ArtifactIOError
	if errors.As(err, &ioErr) && ioErr.Op != "read" {
		return err
	}
	return errors.Join(errBadMultipart, err)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}

// statusWriter records the status written by http.ServeContent.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
