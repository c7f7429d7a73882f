// Package source turns client-supplied URLs into source assets, picking the
// best variant when the URL is an HLS master playlist.
package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"hls-transcoder/internal/orchestrator"
	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/playlist"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
	DefaultTimeout  = 30 * time.Second

	// maxDocumentBytes caps how much of the response is read. Playlists are
	// small; anything larger is treated as plain media.
	maxDocumentBytes = 1 << 20

	maxRedirects = 10
)

var errTooManyRedirects = fmt.Errorf("stopped after %d redirects", maxRedirects)

var (
	// ErrSourceUnreachable means the source could not be fetched after all
	// retry attempts, or failed with a non-transient status.
	ErrSourceUnreachable = orchestrator.ErrSourceUnreachable
	// ErrInvalidURL means the URL is not an absolute http(s) URL.
	ErrInvalidURL = fmt.Errorf("%w: url must be absolute http or https", orchestrator.ErrInvalidSource)
)

// Config tunes the resolver's retry policy.
type Config struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

// Resolver fetches source documents over HTTP.
type Resolver struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewResolver returns a Resolver. A nil client gets one with cfg.Timeout.
func NewResolver(client *http.Client, cfg Config, log *slog.Logger) *Resolver {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = limitRedirects
		client = &c
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{client: client, attempts: cfg.Attempts, backoff: cfg.Backoff, log: log}
}

// Resolve fetches rawURL. A master playlist resolves to its highest-bandwidth
// variant, with BandwidthHint set. Anything else resolves to rawURL itself.
// Malformed master playlists yield playlist.ErrMalformedPlaylist.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (orchestrator.SourceAsset, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return orchestrator.SourceAsset{}, err
	}

	doc, err := r.fetch(ctx, u)
	if err != nil {
		return orchestrator.SourceAsset{}, err
	}

	asset := orchestrator.SourceAsset{
		ID:       uuid.NewString(),
		Origin:   orchestrator.OriginRemoteURL,
		Location: u.String(),
	}
	if !playlist.IsMaster(doc) {
		return asset, nil
	}

	variant, err := playlist.SelectBestVariant(doc, u)
	if err != nil {
		return orchestrator.SourceAsset{}, err
	}
	asset.Location = variant.URL.String()
	asset.BandwidthHint = variant.Bandwidth
	if variant.Bandwidth > 0 {
		r.log.Info("selected source variant",
			slog.String("url", asset.Location),
			slog.Int64("bandwidth", variant.Bandwidth),
			slog.String("resolution", variant.Resolution))
	}
	return asset, nil
}

// ParseURL accepts only absolute http and https URLs.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

func (r *Resolver) fetch(ctx context.Context, u *url.URL) (string, error) {
	var lastErr error
	wait := r.backoff

	for attempt := 1; attempt <= r.attempts; attempt++ {
		doc, err := r.get(ctx, u)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrSourceUnreachable, ctx.Err())
		}
		if !retryable(err) || attempt == r.attempts {
			break
		}

		r.log.Warn("source fetch failed, retrying",
			slog.String("url", u.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrSourceUnreachable, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return "", fmt.Errorf("%w: %w", ErrSourceUnreachable, lastErr)
}

// StatusError is a non-2xx response from the source host.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

func (r *Resolver) get(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	return nil
}

// retryable reports whether err is a transient failure: a network error, an
// early EOF, or a 408, 429 or 5xx status.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusRequestTimeout ||
			se.Code == http.StatusTooManyRequests ||
			se.Code >= 500
	}
	if permanent(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// permanent reports transport failures that repeat identically on every
// attempt. *url.Error satisfies net.Error, so these are checked first.
func permanent(err error) bool {
	var (
		unknownCA x509.UnknownAuthorityError
		hostname  x509.HostnameError
		invalid   x509.CertificateInvalidError
		verify    *tls.CertificateVerificationError
		dnsErr    *net.DNSError
	)
	switch {
	case errors.As(err, &unknownCA),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verify):
		return true
	case errors.As(err, &dnsErr):
		return dnsErr.IsNotFound
	}
	return errors.Is(err, errTooManyRedirects)
}
