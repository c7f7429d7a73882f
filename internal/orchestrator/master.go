package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MasterPlaylistName is the file name of the multi-variant manifest in a job directory.
const MasterPlaylistName = "master.m3u8"

// ErrNoRenditionsAvailable is returned when no rendition succeeded, so there
// is nothing to list in a master playlist.
var ErrNoRenditionsAvailable = errors.New("no renditions available")

// BuildMasterPlaylist renders the master manifest for the succeeded entries of
// results, in the order given. Bandwidth is the rung's exact target bitrate in
// bits per second. Lines are joined with "\n" and there is no trailing newline.
func BuildMasterPlaylist(results []RenditionResult) (string, error) {
	lines := []string{"#EXTM3U"}
	for _, res := range results {
		if !res.Succeeded() {
			continue
		}
		lines = append(lines,
			fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d",
				res.Spec.TargetBitrate, res.Spec.Width, res.Spec.Height),
			filepath.ToSlash(res.PlaylistPath),
		)
	}
	if len(lines) == 1 {
		return "", ErrNoRenditionsAvailable
	}
	return strings.Join(lines, "\n"), nil
}

// WriteMasterPlaylist builds the manifest and writes it to outputDir,
// returning the path of the written file. The file appears atomically so a
// player never reads a partial manifest.
func WriteMasterPlaylist(results []RenditionResult, outputDir string) (string, error) {
	content, err := BuildMasterPlaylist(results)
	if err != nil {
		return "", err
	}

	path := filepath.Join(outputDir, MasterPlaylistName)
	tmp, err := os.CreateTemp(outputDir, ".master-*.m3u8")
	if err != nil {
		return "", fmt.Errorf("create master playlist: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close master playlist: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod master playlist: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish master playlist: %w", err)
	}
	return path, nil
}
