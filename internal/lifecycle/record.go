// Package lifecycle owns every file the service writes to its managed
// directories and decides when each one is deleted.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an artifact. Kinds carry independent TTLs.
type Kind string

const (
	KindUploadedSource  Kind = "uploaded-source"
	KindGeneratedOutput Kind = "generated-output"
	KindDownload        Kind = "download"
)

// Record tracks one managed file or directory tree.
type Record struct {
	Path      string        `json:"path"`
	Kind      Kind          `json:"kind"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt is CreatedAt + TTL.
func (r Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// Expired reports whether the record is due at now (CreatedAt + TTL <= now).
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt().After(now)
}

// ErrUnknownArtifact is returned for paths that have no record.
var ErrUnknownArtifact = errors.New("unknown artifact")

// ArtifactIOError reports a failed disk operation on a managed artifact.
type ArtifactIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArtifactIOError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactIOError) Unwrap() error {
	return e.Err
}
