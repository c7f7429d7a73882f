package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func succeeded(spec RenditionSpec) RenditionResult {
	return RenditionResult{Spec: spec, PlaylistPath: spec.Name + ".m3u8", Status: RenditionSucceeded}
}

func failed(spec RenditionSpec, detail string) RenditionResult {
	return RenditionResult{Spec: spec, Status: RenditionFailed, ErrorDetail: detail}
}

func TestBuildMasterPlaylist_exact_output(t *testing.T) {
	results := []RenditionResult{
		succeeded(RenditionSpec{Name: "480p", Width: 854, Height: 480, TargetBitrate: 800000}),
		succeeded(RenditionSpec{Name: "720p", Width: 1280, Height: 720, TargetBitrate: 1400000}),
	}

	got, err := BuildMasterPlaylist(results)
	if err != nil {
		t.Fatalf("BuildMasterPlaylist: %v", err)
	}
	want := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=854x480\n" +
		"480p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=1280x720\n" +
		"720p.m3u8"
	if got != want {
		t.Errorf("unexpected manifest:\n%q\nwant\n%q", got, want)
	}
}

func TestBuildMasterPlaylist_skips_failed_keeps_order(t *testing.T) {
	ladder := DefaultLadder()
	results := []RenditionResult{
		succeeded(ladder[0]),
		failed(ladder[1], "boom"),
		succeeded(ladder[2]),
	}

	got, err := BuildMasterPlaylist(results)
	if err != nil {
		t.Fatalf("BuildMasterPlaylist: %v", err)
	}
	want := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=854x480\n" +
		"480p.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1920x1080\n" +
		"1080p.m3u8"
	if got != want {
		t.Errorf("unexpected manifest:\n%q", got)
	}
}

func TestBuildMasterPlaylist_no_succeeded(t *testing.T) {
	for name, results := range map[string][]RenditionResult{
		"empty":      nil,
		"all_failed": {failed(DefaultLadder()[0], "x")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := BuildMasterPlaylist(results)
			if !errors.Is(err, ErrNoRenditionsAvailable) {
				t.Errorf("expected ErrNoRenditionsAvailable, got %v", err)
			}
		})
	}
}

func TestWriteMasterPlaylist(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMasterPlaylist([]RenditionResult{succeeded(DefaultLadder()[1])}, dir)
	if err != nil {
		t.Fatalf("WriteMasterPlaylist: %v", err)
	}
	if path != filepath.Join(dir, MasterPlaylistName) {
		t.Errorf("unexpected path %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=1280x720\n720p.m3u8" {
		t.Errorf("unexpected file content %q", raw)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the manifest in dir, got %d entries", len(entries))
	}
}

func TestWriteMasterPlaylist_nothing_written_without_renditions(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteMasterPlaylist(nil, dir); !errors.Is(err, ErrNoRenditionsAvailable) {
		t.Fatalf("expected ErrNoRenditionsAvailable, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, MasterPlaylistName)); !os.IsNotExist(err) {
		t.Errorf("manifest should not exist, stat err=%v", err)
	}
}
