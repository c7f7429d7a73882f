package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/platform/metrics"
)

// DefaultSweepInterval is used when Config.SweepInterval is not positive.
const DefaultSweepInterval = time.Minute

// Config holds the Manager settings. Now and Remove exist for tests; nil
// selects time.Now and os.RemoveAll.
type Config struct {
	SweepInterval time.Duration
	Now           func() time.Time
	Remove        func(path string) error
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Deleted int
	Failed  int
}

// Manager is the single authority for deleting managed artifacts. It holds
// one record per managed path, deletes records whose TTL has elapsed on a
// periodic sweep, and deletes one-shot artifacts as soon as they are consumed.
type Manager struct {
	mu      sync.Mutex
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics

	interval time.Duration
	now      func() time.Time
	remove   func(path string) error

	// held paths are skipped by Sweep. Guarded by mu.
	held map[string]int

	hooksMu sync.RWMutex
	onEvict []func(Record)

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager returns a Manager backed by store. Metrics may be nil.
func NewManager(store Store, cfg Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	if store == nil {
		store = NewInMemoryStore()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Remove == nil {
		cfg.Remove = os.RemoveAll
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		store:    store,
		held:     make(map[string]int),
		log:      log,
		metrics:  m,
		interval: cfg.SweepInterval,
		now:      cfg.Now,
		remove:   cfg.Remove,
	}
}

// OnEvict registers fn to run after an artifact has been deleted from disk.
// Hooks run synchronously on the deleting goroutine.
func (m *Manager) OnEvict(fn func(Record)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onEvict = append(m.onEvict, fn)
}

// Register tracks paths as artifacts of kind created now, replacing any
// previous record for the same path.
func (m *Manager) Register(ctx context.Context, kind Kind, ttl time.Duration, paths ...string) error {
	now := m.now()
	for _, p := range paths {
		if err := m.Track(ctx, Record{Path: p, Kind: kind, CreatedAt: now, TTL: ttl}); err != nil {
			return err
		}
	}
	return nil
}

// Track stores rec as given, which lets callers adopt files with a known
// creation time.
func (m *Manager) Track(ctx context.Context, rec Record) error {
	path, err := normalize(rec.Path)
	if err != nil {
		return err
	}
	rec.Path = path
	if rec.TTL < 0 {
		return fmt.Errorf("artifact %s: negative ttl", path)
	}

	m.mu.Lock()
	err = m.store.Put(ctx, rec)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register artifact: %w", err)
	}

	m.log.Debug("artifact registered",
		slog.String("path", rec.Path),
		slog.String("kind", string(rec.Kind)),
		slog.Duration("ttl", rec.TTL))
	m.refreshGauge(ctx)
	return nil
}

// Hold keeps Sweep away from path until the returned release is called,
// whatever its TTL. Holds live in memory only, so after a restart the
// record expires normally. ReleaseOnConsumption ignores holds.
func (m *Manager) Hold(path string) (release func()) {
	p, err := normalize(path)
	if err != nil {
		return func() {}
	}
	m.mu.Lock()
	m.held[p]++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.held[p]--
			if m.held[p] <= 0 {
				delete(m.held, p)
			}
		})
	}
}

// Lookup returns the record for path.
func (m *Manager) Lookup(ctx context.Context, path string) (Record, bool, error) {
	p, err := normalize(path)
	if err != nil {
		return Record{}, false, err
	}
	return m.store.Get(ctx, p)
}

// Sweep deletes every artifact whose TTL has elapsed at now. Deletion is best
// effort: a failure keeps the record so the next sweep retries it, and the
// rest of the batch is still processed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) SweepReport {
	var report SweepReport

	due, err := m.store.Expired(ctx, now)
	if err != nil {
		m.log.Error("sweep: list expired artifacts failed", slog.String("error", err.Error()))
		return report
	}

	for _, rec := range due {
		claimed, ok := m.claim(ctx, rec.Path, func(cur Record) bool {
			return cur.Expired(now) && m.held[cur.Path] == 0
		})
		if !ok {
			continue
		}
		if err := m.delete(ctx, claimed); err != nil {
			report.Failed++
			continue
		}
		report.Deleted++
	}

	if report.Deleted > 0 || report.Failed > 0 {
		m.log.Info("sweep finished",
			slog.Int("deleted", report.Deleted),
			slog.Int("failed", report.Failed))
	}
	m.refreshGauge(ctx)
	return report
}

// ReleaseOnConsumption deletes path immediately regardless of its remaining
// TTL. It is used for one-shot downloads and for sources whose last consumer
// has finished.
func (m *Manager) ReleaseOnConsumption(ctx context.Context, path string) error {
	p, err := normalize(path)
	if err != nil {
		return err
	}
	rec, ok := m.claim(ctx, p, nil)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, p)
	}
	err = m.delete(ctx, rec)
	m.refreshGauge(ctx)
	return err
}

// claim removes the record for path from the store and hands it to the
// caller, so that concurrent sweeps and releases delete each artifact once.
// keep, if set, is consulted on the current record before claiming, with
// m.mu held.
func (m *Manager) claim(ctx context.Context, path string, keep func(Record) bool) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok, err := m.store.Get(ctx, path)
	if err != nil {
		m.log.Error("artifact lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return Record{}, false
	}
	if !ok || (keep != nil && !keep(rec)) {
		return Record{}, false
	}
	if err := m.store.Delete(ctx, path); err != nil {
		m.log.Error("artifact unregister failed", slog.String("path", path), slog.String("error", err.Error()))
		return Record{}, false
	}
	return rec, true
}

// delete removes a claimed artifact from disk. On failure the record is put
// back so the next sweep retries.
func (m *Manager) delete(ctx context.Context, rec Record) error {
	if err := m.remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		ioErr := &ArtifactIOError{Op: "delete", Path: rec.Path, Err: err}
		m.metrics.IncArtifactDeleteFailures()
		m.log.Warn("artifact delete failed, will retry",
			slog.String("path", rec.Path),
			slog.String("kind", string(rec.Kind)),
			slog.String("error", ioErr.Error()))

		m.mu.Lock()
		putErr := m.store.Put(ctx, rec)
		m.mu.Unlock()
		if putErr != nil {
			m.log.Error("artifact re-register failed", slog.String("path", rec.Path), slog.String("error", putErr.Error()))
		}
		return ioErr
	}

	m.metrics.IncArtifactsDeleted(string(rec.Kind))
	m.log.Info("artifact deleted",
		slog.String("path", rec.Path),
		slog.String("kind", string(rec.Kind)),
		slog.Duration("age", m.now().Sub(rec.CreatedAt).Round(time.Second)))

	m.hooksMu.RLock()
	hooks := slices.Clone(m.onEvict)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(rec)
	}
	return nil
}

// Adopt registers the existing entries directly under root that are not yet
// tracked, using their modification time as creation time. Files left behind
// by a previous process are thereby expired like any other artifact.
func (m *Manager) Adopt(ctx context.Context, root string, kind Kind, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, &ArtifactIOError{Op: "scan", Path: root, Err: err}
	}

	adopted := 0
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if _, known, err := m.Lookup(ctx, path); err != nil {
			return adopted, err
		} else if known {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := m.Track(ctx, Record{Path: path, Kind: kind, CreatedAt: info.ModTime(), TTL: ttl}); err != nil {
			return adopted, err
		}
		adopted++
	}
	if adopted > 0 {
		m.log.Info("adopted existing artifacts",
			slog.String("root", root),
			slog.String("kind", string(kind)),
			slog.Int("count", adopted))
	}
	return adopted, nil
}

// Start launches the periodic sweep. It runs one sweep immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return errors.New("lifecycle manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop(ctx, m.stopCh)

	m.log.Info("lifecycle manager started", slog.Duration("sweep_interval", m.interval))
	return nil
}

// Stop ends the periodic sweep and waits for an in-progress sweep to finish.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.running = false
	m.log.Info("lifecycle manager stopped")
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	defer m.wg.Done()

	m.Sweep(ctx, m.now())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}

func (m *Manager) refreshGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	if n, err := m.store.Len(ctx); err == nil {
		m.metrics.SetArtifactsTracked(n)
	}
}

func normalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("artifact path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path %s: %w", path, err)
	}
	return abs, nil
}
