// Package encode runs single-rendition HLS encodes on an external codec engine.
package encode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"hls-transcoder/internal/platform/logger"
)

const (
	// diagnosticLines is how much of the engine's stderr is kept for error reports.
	diagnosticLines = 20
	// waitDelay bounds how long Wait blocks on stderr after the process is killed.
	waitDelay = 5 * time.Second
)

// Engine runs one codec engine invocation. The call blocks until the engine
// exits or ctx is done, in which case the process is killed.
type Engine interface {
	Run(ctx context.Context, args []string) error
}

// EngineError is a failed engine invocation with the tail of its diagnostic
// output.
type EngineError struct {
	Diagnostic string
	Err        error
}

func (e *EngineError) Error() string {
	if e.Diagnostic == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Diagnostic)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FFmpeg is the Engine backed by the ffmpeg binary.
type FFmpeg struct {
	path string
	log  *slog.Logger
}

// NewFFmpeg returns an engine that executes path ("ffmpeg" when empty).
func NewFFmpeg(path string, log *slog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &FFmpeg{path: path, log: log}
}

// Run implements Engine. stderr is forwarded line by line to the debug log.
func (f *FFmpeg) Run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.WaitDelay = waitDelay

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &EngineError{Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	// stderr must be fully read before Wait.
	tail := newTailBuffer(diagnosticLines)
	f.drain(stderr, tail)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return &EngineError{Diagnostic: tail.String(), Err: err}
	}
	return nil
}

func (f *FFmpeg) drain(r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.Add(line)
		f.log.Debug("ffmpeg", slog.String("line", line))
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
