package orchestrator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const maxJobDirAttempts = 5

// NewJobID combines a millisecond timestamp, for sortable directory listings,
// with a random UUID so that jobs created in the same millisecond never share
// an ID.
func NewJobID(now time.Time) JobID {
	return JobID(fmt.Sprintf("%d-%s", now.UTC().UnixMilli(), uuid.NewString()))
}

// allocateJobDir creates a fresh directory for a job under root. The
// directory is created with os.Mkdir so an existing one is never reused.
func allocateJobDir(root string, now time.Time) (JobID, string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", fmt.Errorf("prepare outputs root: %w", err)
	}
	for attempt := 0; attempt < maxJobDirAttempts; attempt++ {
		id := NewJobID(now)
		dir := filepath.Join(root, string(id))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return id, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", fmt.Errorf("create job directory: %w", err)
		}
	}
	return "", "", fmt.Errorf("create job directory: %d collisions in a row", maxJobDirAttempts)
}
