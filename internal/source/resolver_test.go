package source

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"hls-transcoder/internal/orchestrator"
	"hls-transcoder/internal/playlist"
)

const masterDoc = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2"
high/index.m3u8
`

func fastResolver(attempts int) *Resolver {
	return NewResolver(nil, Config{Attempts: attempts, Backoff: time.Millisecond}, nil)
}

func serveString(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
}

func TestResolver_Resolve_master_picks_best_variant(t *testing.T) {
	srv := serveString(masterDoc)
	defer srv.Close()

	asset, err := fastResolver(1).Resolve(context.Background(), srv.URL+"/vod/master.m3u8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if asset.Origin != orchestrator.OriginRemoteURL {
		t.Errorf("origin = %q", asset.Origin)
	}
	if want := srv.URL + "/vod/high/index.m3u8"; asset.Location != want {
		t.Errorf("location = %q, want %q", asset.Location, want)
	}
	if asset.BandwidthHint != 2_500_000 {
		t.Errorf("bandwidth hint = %d", asset.BandwidthHint)
	}
	if asset.ID == "" {
		t.Error("expected a source id")
	}
}

func TestResolver_Resolve_master_without_header(t *testing.T) {
	for name, doc := range map[string]string{
		"no_extm3u": "#EXT-X-STREAM-INF:BANDWIDTH=900000\nonly.m3u8\n",
		"bom":       "\ufeff" + masterDoc,
	} {
		t.Run(name, func(t *testing.T) {
			srv := serveString(doc)
			defer srv.Close()

			asset, err := fastResolver(1).Resolve(context.Background(), srv.URL+"/master.m3u8")
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if asset.Location == srv.URL+"/master.m3u8" || asset.BandwidthHint == 0 {
				t.Errorf("variant not selected: %+v", asset)
			}
		})
	}
}

func TestResolver_Resolve_media_playlist_is_source(t *testing.T) {
	srv := serveString("#EXTM3U\n#EXTINF:10,\nseg0.ts\n#EXT-X-ENDLIST\n")
	defer srv.Close()

	asset, err := fastResolver(1).Resolve(context.Background(), srv.URL+"/media.m3u8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if asset.Location != srv.URL+"/media.m3u8" {
		t.Errorf("location = %q", asset.Location)
	}
	if asset.BandwidthHint != 0 {
		t.Errorf("bandwidth hint = %d, want 0", asset.BandwidthHint)
	}
}

func TestResolver_Resolve_plain_media(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p'})
	}))
	defer srv.Close()

	asset, err := fastResolver(1).Resolve(context.Background(), srv.URL+"/movie.mp4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if asset.Location != srv.URL+"/movie.mp4" {
		t.Errorf("location = %q", asset.Location)
	}
}

func TestResolver_Resolve_malformed_master(t *testing.T) {
	for name, doc := range map[string]string{
		"with_header":    "#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=640x360\n",
		"without_header": "#EXT-X-STREAM-INF:RESOLUTION=640x360\nlow.m3u8\n",
	} {
		t.Run(name, func(t *testing.T) {
			srv := serveString(doc)
			defer srv.Close()

			_, err := fastResolver(1).Resolve(context.Background(), srv.URL+"/master.m3u8")
			if !errors.Is(err, playlist.ErrMalformedPlaylist) {
				t.Errorf("err = %v, want ErrMalformedPlaylist", err)
			}
		})
	}
}

func TestResolver_Resolve_retries_transient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, masterDoc)
	}))
	defer srv.Close()

	asset, err := fastResolver(3).Resolve(context.Background(), srv.URL+"/master.m3u8")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
	if asset.BandwidthHint != 2_500_000 {
		t.Errorf("bandwidth hint = %d", asset.BandwidthHint)
	}
}

func TestResolver_Resolve_gives_up(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastResolver(3).Resolve(context.Background(), srv.URL+"/master.m3u8")
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Errorf("expected a 502 StatusError, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestResolver_Resolve_does_not_retry_client_errors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastResolver(3).Resolve(context.Background(), srv.URL+"/missing.m3u8")
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestResolver_Resolve_does_not_retry_untrusted_certificate(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, masterDoc)
	}))
	srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.StartTLS()
	defer srv.Close()

	_, err := fastResolver(3).Resolve(context.Background(), srv.URL+"/master.m3u8")
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Fatalf("err = %v, want ErrSourceUnreachable", err)
	}
	var unknownCA x509.UnknownAuthorityError
	if !errors.As(err, &unknownCA) {
		t.Errorf("expected an unknown authority error, got %v", err)
	}
	if n := conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestResolver_Resolve_does_not_retry_redirect_loop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer srv.Close()

	_, err := fastResolver(3).Resolve(context.Background(), srv.URL+"/loop.m3u8")
	if !errors.Is(err, errTooManyRedirects) {
		t.Fatalf("err = %v, want errTooManyRedirects", err)
	}
	if n := calls.Load(); n != maxRedirects {
		t.Errorf("calls = %d, want %d", n, maxRedirects)
	}
}

func TestResolver_Resolve_connection_refused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := fastResolver(2).Resolve(context.Background(), addr+"/master.m3u8")
	if !errors.Is(err, ErrSourceUnreachable) {
		t.Errorf("err = %v, want ErrSourceUnreachable", err)
	}
}

func TestResolver_Resolve_canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewResolver(nil, Config{Attempts: 5, Backoff: time.Hour}, nil).Resolve(ctx, srv.URL)
	if !errors.Is(err, ErrSourceUnreachable) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want ErrSourceUnreachable wrapping context.Canceled", err)
	}
}

func TestRetryable(t *testing.T) {
	wrap := func(err error) error {
		return &url.Error{Op: "Get", URL: "https://cdn.example/master.m3u8", Err: err}
	}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"status_503", &StatusError{Code: http.StatusServiceUnavailable}, true},
		{"status_429", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"status_404", &StatusError{Code: http.StatusNotFound}, false},
		{"refused", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}), true},
		{"dns_timeout", wrap(&net.DNSError{Err: "i/o timeout", Name: "cdn.example", IsTimeout: true}), true},
		{"dns_not_found", wrap(&net.DNSError{Err: "no such host", Name: "cdn.example", IsNotFound: true}), false},
		{"unknown_authority", wrap(x509.UnknownAuthorityError{}), false},
		{"hostname", wrap(x509.HostnameError{Host: "cdn.example"}), false},
		{"redirects", wrap(errTooManyRedirects), false},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryable(tc.err); got != tc.want {
				t.Errorf("retryable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/master.m3u8", "ftp://host/x.m3u8", "http://"} {
		if _, err := ParseURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ParseURL(%q) err = %v, want ErrInvalidURL", raw, err)
		}
	}
	u, err := ParseURL(" https://cdn.example/master.m3u8 ")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Host != "cdn.example" {
		t.Errorf("host = %q", u.Host)
	}
}
