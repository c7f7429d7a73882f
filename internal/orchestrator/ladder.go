package orchestrator

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLadder is used when no ladder file is configured.
func DefaultLadder() []RenditionSpec {
	return []RenditionSpec{
		{Name: "480p", Width: 854, Height: 480, TargetBitrate: 800_000},
		{Name: "720p", Width: 1280, Height: 720, TargetBitrate: 1_400_000},
		{Name: "1080p", Width: 1920, Height: 1080, TargetBitrate: 2_800_000},
	}
}

type ladderFile struct {
	Renditions []RenditionSpec `yaml:"renditions"`
}

// LoadLadder reads a YAML ladder of the form:
//
//	renditions:
//	  - {name: 480p, width: 854, height: 480, bitrate: 800000}
func LoadLadder(path string) ([]RenditionSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder: %w", err)
	}
	var f ladderFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse ladder %s: %w", path, err)
	}
	if err := ValidateLadder(f.Renditions); err != nil {
		return nil, fmt.Errorf("ladder %s: %w", path, err)
	}
	return f.Renditions, nil
}

// ValidateLadder checks that every rung is usable and names are unique, since
// names become playlist file names.
func ValidateLadder(ladder []RenditionSpec) error {
	if len(ladder) == 0 {
		return errors.New("ladder is empty")
	}
	seen := make(map[string]struct{}, len(ladder))
	for i, spec := range ladder {
		switch {
		case spec.Name == "":
			return fmt.Errorf("rung %d: name is required", i)
		case !validRenditionName(spec.Name):
			return fmt.Errorf("rung %q: name may only contain letters, digits, '-' and '_'", spec.Name)
		case spec.Width <= 0 || spec.Height <= 0:
			return fmt.Errorf("rung %q: width and height must be positive", spec.Name)
		case spec.TargetBitrate <= 0:
			return fmt.Errorf("rung %q: bitrate must be positive", spec.Name)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("rung %q: duplicate name", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}

func validRenditionName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
