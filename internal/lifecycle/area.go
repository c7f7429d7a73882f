package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTooLarge is returned by Area.Save when the input exceeds the size limit.
var ErrTooLarge = errors.New("artifact exceeds size limit")

// Area is a managed directory whose entries share a kind and TTL, such as the
// uploads root. Every file it creates is registered with the Manager.
type Area struct {
	root    string
	kind    Kind
	ttl     time.Duration
	manager *Manager
}

// NewArea prepares root and adopts entries left there by a previous run.
func (m *Manager) NewArea(ctx context.Context, root string, kind Kind, ttl time.Duration) (*Area, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s root: %w", kind, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &ArtifactIOError{Op: "mkdir", Path: abs, Err: err}
	}
	if _, err := m.Adopt(ctx, abs, kind, ttl); err != nil {
		return nil, err
	}
	return &Area{root: abs, kind: kind, ttl: ttl, manager: m}, nil
}

// Root is the absolute directory of the area.
func (a *Area) Root() string {
	return a.root
}

// Reserve registers and returns a fresh, collision-free path with the given
// extension. The file itself is not created.
func (a *Area) Reserve(ctx context.Context, ext string) (string, error) {
	path := filepath.Join(a.root, uuid.NewString()+cleanExt(ext))
	if err := a.manager.Register(ctx, a.kind, a.ttl, path); err != nil {
		return "", err
	}
	return path, nil
}

// Save copies r into a new file named after a random UUID, keeping the
// extension of originalName when it looks like a real one. maxBytes <= 0
// disables the size check.
func (a *Area) Save(ctx context.Context, r io.Reader, originalName string, maxBytes int64) (string, error) {
	path, err := a.Reserve(ctx, filepath.Ext(originalName))
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		a.discard(ctx, path)
		return "", &ArtifactIOError{Op: "create", Path: path, Err: err}
	}

	src := &readTracker{r: r}
	if maxBytes > 0 {
		src.r = io.LimitReader(r, maxBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case src.err != nil:
		a.discard(ctx, path)
		return "", &ArtifactIOError{Op: "read", Path: path, Err: src.err}
	case copyErr != nil:
		a.discard(ctx, path)
		return "", &ArtifactIOError{Op: "write", Path: path, Err: copyErr}
	case closeErr != nil:
		a.discard(ctx, path)
		return "", &ArtifactIOError{Op: "write", Path: path, Err: closeErr}
	case maxBytes > 0 && n > maxBytes:
		a.discard(ctx, path)
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return path, nil
}

// readTracker remembers the reader's error so a failed copy can be blamed on
// the sender or on the disk.
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

func (a *Area) discard(ctx context.Context, path string) {
	_ = a.manager.ReleaseOnConsumption(ctx, path)
}

// cleanExt keeps short alphanumeric extensions and drops anything else, so a
// client-supplied name can never influence the path beyond its suffix.
func cleanExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || len(ext) > 8 {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return "." + ext
}
