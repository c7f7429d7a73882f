// Package playlist reads HLS master and media playlist documents.
package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StreamInfMarker opens a variant block in a master playlist.
const StreamInfMarker = "#EXT-X-STREAM-INF"

// ErrMalformedPlaylist is returned when a document claims to be a master
// playlist but none of its variant blocks can be parsed.
var ErrMalformedPlaylist = errors.New("malformed master playlist")

// Variant is one entry of a master playlist.
type Variant struct {
	// Bandwidth is the peak bitrate in bits per second. Zero means unknown,
	// which only happens for the synthetic variant of a media playlist.
	Bandwidth int64
	// Resolution as written in the playlist (e.g. "1280x720"), may be empty.
	Resolution string
	// URL is absolute, resolved against the document URL.
	URL *url.URL
}

// IsMaster reports whether document contains variant blocks.
func IsMaster(document string) bool {
	return strings.Contains(document, StreamInfMarker)
}

// SelectBestVariant returns the highest-bandwidth variant of document. Ties go
// to the first variant in document order. A media playlist (no variant
// blocks) yields a single variant pointing at base itself.
func SelectBestVariant(document string, base *url.URL) (Variant, error) {
	if base == nil {
		return Variant{}, errors.New("playlist base url is required")
	}
	if !IsMaster(document) {
		return Variant{URL: base}, nil
	}

	variants := ParseVariants(document, base)
	if len(variants) == 0 {
		return Variant{}, ErrMalformedPlaylist
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, nil
}

// ParseVariants returns every parsable variant block in document order.
// Blocks without a positive BANDWIDTH or a URI line are skipped.
func ParseVariants(document string, base *url.URL) []Variant {
	blocks := strings.Split(normalizeNewlines(document), StreamInfMarker)
	variants := make([]Variant, 0, len(blocks)-1)
	for _, block := range blocks[1:] {
		v, err := parseBlock(block, base)
		if err != nil {
			continue
		}
		variants = append(variants, v)
	}
	return variants
}

// parseBlock reads the attribute list on the first line and takes the first
// following line that is neither blank nor a tag as the URI.
func parseBlock(block string, base *url.URL) (Variant, error) {
	lines := strings.Split(block, "\n")
	attrs := parseAttributes(strings.TrimPrefix(strings.TrimSpace(lines[0]), ":"))

	raw, ok := attrs["BANDWIDTH"]
	if !ok {
		return Variant{}, fmt.Errorf("variant without BANDWIDTH")
	}
	bandwidth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || bandwidth <= 0 {
		return Variant{}, fmt.Errorf("invalid BANDWIDTH %q", raw)
	}

	var uri string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uri = line
		break
	}
	if uri == "" {
		return Variant{}, fmt.Errorf("variant without URI")
	}

	ref, err := url.Parse(uri)
	if err != nil {
		return Variant{}, fmt.Errorf("invalid variant URI %q: %w", uri, err)
	}

	return Variant{
		Bandwidth:  bandwidth,
		Resolution: attrs["RESOLUTION"],
		URL:        base.ResolveReference(ref),
	}, nil
}

// parseAttributes splits an HLS attribute list, honouring quoted values that
// may contain commas (CODECS="avc1.4d401f,mp4a.40.2").
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	var key, cur strings.Builder
	inQuotes, inValue := false, false

	flush := func() {
		k := strings.ToUpper(strings.TrimSpace(key.String()))
		if k != "" {
			attrs[k] = strings.Trim(strings.TrimSpace(cur.String()), `"`)
		}
		key.Reset()
		cur.Reset()
		inValue = false
	}

	for _, r := range list {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			flush()
		case r == '=' && !inValue:
			inValue = true
		case inValue:
			cur.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return attrs
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
