package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	_ "golang.org/x/image/webp"
)

// Sentinel errors. All load failures are normalized to ErrLoadFailed; the
// retry policy treats network errors, decode errors and timeouts identically.
var (
	ErrLoadFailed    = errors.New("media: load failed")
	ErrNegativeCache = errors.New("media: url is in failed set")
	ErrClosed        = errors.New("media: manager closed")
)

const (
	// attemptTimeout guards each individual fetch against stalled connections.
	attemptTimeout = 15 * time.Second

	// baseBackoff is doubled on every retry: 500ms, 1s, 2s, ...
	baseBackoff = 500 * time.Millisecond

	maxLazyLoads = 4 // concurrent low-priority fetches
)

// Priority orders loads relative to the viewport.
type Priority int

const (
	PriorityEager Priority = iota // in or near the viewport
	PriorityLazy                  // mounted but past the eager threshold
)

// PreloadOptions control a single Preload call.
type PreloadOptions struct {
	MaxAge     time.Duration // freshness window for cached entries
	Priority   Priority
	RetryCount int // additional attempts after the first failure
}

// DefaultPreloadOptions match the hosted gallery's defaults.
func DefaultPreloadOptions() PreloadOptions {
	return PreloadOptions{
		MaxAge:     time.Hour,
		Priority:   PriorityEager,
		RetryCount: 2,
	}
}

// Resource is a successfully loaded and decoded image.
type Resource struct {
	URL         string
	Data        []byte
	ContentType string
	Width       int
	Height      int
	LoadedAt    time.Time
	Attempts    int
}

// Loader fetches raw bytes for a URL. The default loader uses net/http;
// tests substitute their own.
type Loader func(ctx context.Context, url string) ([]byte, string, error)

// entry tracks one URL's load state inside the manager.
type entry struct {
	resource *Resource
	loadedAt time.Time
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Retries   int64
	Failures  int64
	Evictions int64
	Entries   int
	FailedSet int
}

// Manager caches remote images, deduplicates concurrent loads for the same
// URL, retries with exponential backoff and remembers exhausted failures so
// later callers fail fast. It never touches feed state; callers observe
// success or failure and react themselves.
type Manager struct {
	loader  Loader
	failTTL time.Duration // how long exhausted URLs stay in the failed set

	mu      sync.Mutex
	entries map[string]*entry
	failed  map[string]time.Time
	closed  bool

	flight   *singleflight.Group
	lazyGate chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	hits      atomic.Int64
	misses    atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	evictions atomic.Int64
}

// NewManager creates a media cache manager. cleanupEvery and maxAge drive the
// periodic sweep; a zero cleanupEvery disables it (callers then run Cleanup
// themselves, as tests do). failTTL bounds how long an exhausted URL stays in
// the failed set before it earns a fresh retry cycle.
func NewManager(loader Loader, cleanupEvery, maxAge, failTTL time.Duration) *Manager {
	if loader == nil {
		loader = HTTPLoader(nil)
	}
	if failTTL <= 0 {
		failTTL = 5 * time.Minute
	}
	m := &Manager{
		loader:   loader,
		failTTL:  failTTL,
		entries:  make(map[string]*entry),
		failed:   make(map[string]time.Time),
		flight:   new(singleflight.Group),
		lazyGate: make(chan struct{}, maxLazyLoads),
		stopCh:   make(chan struct{}),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if cleanupEvery > 0 {
		go m.cleanupLoop(cleanupEvery, maxAge)
	}
	return m
}

// HTTPLoader returns a Loader backed by the given client (or a default one).
func HTTPLoader(client *http.Client) Loader {
	if client == nil {
		client = &http.Client{Timeout: attemptTimeout}
	}
	return func(ctx context.Context, rawURL string) ([]byte, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, "", err
		}
		req.Header.Set("Accept", "image/*")

		resp, err := client.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, 20*1024*1024))
		if err != nil {
			return nil, "", err
		}
		return data, resp.Header.Get("Content-Type"), nil
	}
}

// Preload returns a usable resource for url. A fresh cached entry is
// returned without network activity; concurrent callers for the same URL
// share one underlying load; URLs in the failed set error immediately.
func (m *Manager) Preload(ctx context.Context, rawURL string, opts PreloadOptions) (*Resource, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultPreloadOptions().MaxAge
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := m.entries[rawURL]; ok && m.now().Sub(e.loadedAt) < opts.MaxAge {
		m.mu.Unlock()
		m.hits.Add(1)
		return e.resource, nil
	}
	if failedAt, ok := m.failed[rawURL]; ok {
		if m.now().Sub(failedAt) < m.failTTL {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNegativeCache, rawURL)
		}
		// Aged out; the URL earns a fresh load cycle.
		delete(m.failed, rawURL)
	}
	flight := m.flight
	m.mu.Unlock()

	// Low-priority loads queue behind a small gate so viewport images are
	// never starved. The gate is skipped for eager loads.
	if opts.Priority == PriorityLazy {
		select {
		case m.lazyGate <- struct{}{}:
			defer func() { <-m.lazyGate }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	v, err, shared := flight.Do(rawURL, func() (interface{}, error) {
		m.misses.Add(1)
		return m.loadWithRetry(ctx, rawURL, opts.RetryCount)
	})
	if shared {
		slog.Debug("media: shared in-flight load", "url", rawURL)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Resource), nil
}

// loadWithRetry runs the bounded retry loop for one URL. On exhaustion the
// URL enters the failed set until Reset.
func (m *Manager) loadWithRetry(ctx context.Context, rawURL string, retryCount int) (*Resource, error) {
	var lastErr error

	for attempt := 0; attempt <= retryCount; attempt++ {
		if attempt > 0 {
			m.retries.Add(1)
			delay := baseBackoff << (attempt - 1)
			slog.Debug("media: retrying", "url", rawURL, "attempt", attempt, "delay", delay)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		// Second and later retries get a cache-busting suffix to defeat
		// an intermediary cache that keeps serving the broken response.
		fetchURL := rawURL
		if attempt >= 2 {
			fetchURL = withCacheBuster(rawURL, attempt)
		}

		res, err := m.loadOnce(ctx, rawURL, fetchURL)
		if err == nil {
			res.Attempts = attempt + 1
			m.store(rawURL, res)
			return res, nil
		}
		lastErr = err
	}

	// A canceled caller says nothing about the URL; leave the failed set
	// alone so the next visitor gets a real attempt.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.failures.Add(1)
	m.mu.Lock()
	if !m.closed {
		m.failed[rawURL] = m.now()
	}
	m.mu.Unlock()

	slog.Warn("media: load failed permanently", "url", rawURL, "error", lastErr)
	return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, rawURL, lastErr)
}

// loadOnce performs a single fetch+decode attempt under the hard timeout.
func (m *Manager) loadOnce(ctx context.Context, rawURL, fetchURL string) (*Resource, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	data, contentType, err := m.loader(attemptCtx, fetchURL)
	if err != nil {
		return nil, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if contentType == "" {
		contentType = "image/" + format
	}

	return &Resource{
		URL:         rawURL,
		Data:        data,
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
		LoadedAt:    m.now(),
	}, nil
}

func (m *Manager) store(rawURL string, res *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.entries[rawURL] = &entry{resource: res, loadedAt: res.LoadedAt}
}

// Cleanup evicts entries older than maxAge and expires aged failed-set
// records. Runs on the sweep timer and at teardown; safe to call directly.
func (m *Manager) Cleanup(maxAge time.Duration) {
	cutoff := m.now().Add(-maxAge)
	failCutoff := m.now().Add(-m.failTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for url, e := range m.entries {
		if e.loadedAt.Before(cutoff) {
			delete(m.entries, url)
			m.evictions.Add(1)
		}
	}
	for url, failedAt := range m.failed {
		if failedAt.Before(failCutoff) {
			delete(m.failed, url)
		}
	}
}

// Reset clears all cache state, in-flight trackers and the failed set.
// Used when a visitor navigates away from the feed. Loads already running
// finish against the old flight group; new callers start fresh.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.failed = make(map[string]time.Time)
	m.flight = new(singleflight.Group)
	m.mu.Unlock()
}

// Close stops the sweep loop and drops all state.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	m.closed = true
	m.entries = make(map[string]*entry)
	m.failed = make(map[string]time.Time)
	m.mu.Unlock()
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries, failedSet := len(m.entries), len(m.failed)
	m.mu.Unlock()
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Retries:   m.retries.Load(),
		Failures:  m.failures.Load(),
		Evictions: m.evictions.Load(),
		Entries:   entries,
		FailedSet: failedSet,
	}
}

func (m *Manager) cleanupLoop(every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup(maxAge)
		}
	}
}

// withCacheBuster appends a retry counter as a query parameter.
func withCacheBuster(rawURL string, attempt int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("cb", strconv.Itoa(attempt))
	u.RawQuery = q.Encode()
	return u.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
