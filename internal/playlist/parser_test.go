package playlist

import (
	"errors"
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestSelectBestVariant_picks_max_bandwidth(t *testing.T) {
	doc := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n" +
		"high/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720\n" +
		"mid/index.m3u8\n"

	v, err := SelectBestVariant(doc, mustURL(t, "https://cdn.example.com/show/master.m3u8"))
	if err != nil {
		t.Fatalf("SelectBestVariant: %v", err)
	}
	if v.Bandwidth != 5000000 || v.Resolution != "1920x1080" {
		t.Errorf("variant = %+v", v)
	}
	if got := v.URL.String(); got != "https://cdn.example.com/show/high/index.m3u8" {
		t.Errorf("url = %s", got)
	}
}

func TestSelectBestVariant_tie_keeps_first(t *testing.T) {
	doc := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=3000000\n" +
		"a.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000\n" +
		"b.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=3000000\n" +
		"c.m3u8\n"

	v, err := SelectBestVariant(doc, mustURL(t, "http://host/p/master.m3u8"))
	if err != nil {
		t.Fatalf("SelectBestVariant: %v", err)
	}
	if got := v.URL.String(); got != "http://host/p/a.m3u8" {
		t.Errorf("url = %s, want the first of the tied variants", got)
	}
}

func TestSelectBestVariant_media_playlist_returns_base(t *testing.T) {
	doc := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
	base := mustURL(t, "https://example.com/vod/index.m3u8?token=abc")

	v, err := SelectBestVariant(doc, base)
	if err != nil {
		t.Fatalf("SelectBestVariant: %v", err)
	}
	if v.URL.String() != base.String() || v.Bandwidth != 0 {
		t.Errorf("variant = %+v, want base with no bandwidth", v)
	}
}

func TestSelectBestVariant_malformed(t *testing.T) {
	cases := map[string]string{
		"no_bandwidth":   "#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=640x360\nlow.m3u8\n",
		"no_uri":         "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=100000\n",
		"zero_bandwidth": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=0\nlow.m3u8\n",
		"garbage_number": "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=fast\nlow.m3u8\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := SelectBestVariant(doc, mustURL(t, "http://host/master.m3u8"))
			if !errors.Is(err, ErrMalformedPlaylist) {
				t.Errorf("err = %v, want ErrMalformedPlaylist", err)
			}
		})
	}
}

func TestSelectBestVariant_skips_unparsable_blocks(t *testing.T) {
	doc := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:RESOLUTION=1920x1080\n" +
		"broken.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=600000\n" +
		"ok.m3u8\n"

	v, err := SelectBestVariant(doc, mustURL(t, "http://host/master.m3u8"))
	if err != nil {
		t.Fatalf("SelectBestVariant: %v", err)
	}
	if got := v.URL.String(); got != "http://host/ok.m3u8" {
		t.Errorf("url = %s", got)
	}
}

func TestParseVariants_tolerant_scan(t *testing.T) {
	doc := "#EXTM3U\r\n" +
		"#EXT-X-STREAM-INF:AVERAGE-BANDWIDTH=900,BANDWIDTH=1200000,CODECS=\"avc1.4d401f,mp4a.40.2\",RESOLUTION=1280x720\r\n" +
		"\r\n" +
		"#EXT-X-SOME-TAG\r\n" +
		"  https://other.example.com/720.m3u8  \r\n" +
		"#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=99,URI=\"iframe.m3u8\"\r\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=400000\r\n" +
		"/abs/path/360.m3u8\r\n"

	variants := ParseVariants(doc, mustURL(t, "https://cdn.example.com/a/b/master.m3u8"))
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2: %+v", len(variants), variants)
	}
	first, second := variants[0], variants[1]
	if first.Bandwidth != 1200000 || first.Resolution != "1280x720" {
		t.Errorf("first = %+v", first)
	}
	if got := first.URL.String(); got != "https://other.example.com/720.m3u8" {
		t.Errorf("first url = %s", got)
	}
	if second.Bandwidth != 400000 {
		t.Errorf("second bandwidth = %d", second.Bandwidth)
	}
	if got := second.URL.String(); got != "https://cdn.example.com/abs/path/360.m3u8" {
		t.Errorf("second url = %s", got)
	}
}

func TestSelectBestVariant_requires_base(t *testing.T) {
	if _, err := SelectBestVariant("#EXTM3U\n", nil); err == nil {
		t.Error("expected an error without a base url")
	}
}

func TestIsMaster(t *testing.T) {
	cases := map[string]bool{
		"#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\na\n":       true,
		"#EXT-X-STREAM-INF:BANDWIDTH=1\na\n":                true,
		"\ufeff#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\na\n": true,
		"#EXTM3U\n#EXTINF:4,\na.ts\n":                       false,
	}
	for doc, want := range cases {
		if got := IsMaster(doc); got != want {
			t.Errorf("IsMaster(%q) = %v, want %v", doc, got, want)
		}
	}
}
