package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tinyPNG returns a valid 1x1 PNG so DecodeConfig succeeds.
func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// newTestManager builds a manager with no sweep loop and instant sleeps.
func newTestManager(loader Loader) *Manager {
	m := NewManager(loader, 0, time.Hour, time.Hour)
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestPreloadCachesFreshEntries(t *testing.T) {
	data := tinyPNG(t)
	var calls atomic.Int64
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls.Add(1)
		return data, "image/png", nil
	})
	defer m.Close()

	opts := DefaultPreloadOptions()

	res, err := m.Preload(context.Background(), "https://cdn.test/a.png", opts)
	if err != nil {
		t.Fatalf("first preload: %v", err)
	}
	if res.Width != 1 || res.Height != 1 {
		t.Errorf("decoded size = %dx%d, want 1x1", res.Width, res.Height)
	}

	if _, err := m.Preload(context.Background(), "https://cdn.test/a.png", opts); err != nil {
		t.Fatalf("second preload: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("loader calls = %d, want 1 (second call must hit cache)", got)
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestPreloadSingleFlight(t *testing.T) {
	data := tinyPNG(t)
	var calls atomic.Int64
	release := make(chan struct{})
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls.Add(1)
		<-release
		return data, "image/png", nil
	})
	defer m.Close()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Preload(context.Background(), "https://cdn.test/shared.png", DefaultPreloadOptions())
		}(i)
	}

	// Let all callers reach the flight group before releasing the load.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("loader calls = %d, want exactly 1 for concurrent callers", got)
	}
	// Joiners of a shared flight are not cache misses.
	if got := m.Stats().Misses; got != 1 {
		t.Errorf("misses = %d, want 1 for one underlying load", got)
	}
}

func TestPreloadRetriesWithBackoff(t *testing.T) {
	data := tinyPNG(t)
	var calls int
	var fetchedURLs []string
	m := NewManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls++
		fetchedURLs = append(fetchedURLs, url)
		if calls < 3 {
			return nil, "", errors.New("connection reset")
		}
		return data, "image/png", nil
	}, 0, time.Hour, time.Hour)
	defer m.Close()

	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	opts := DefaultPreloadOptions()
	opts.RetryCount = 2

	res, err := m.Preload(context.Background(), "https://cdn.test/flaky.png", opts)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}

	want := []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	// First retry reuses the URL; the second adds the cache-buster.
	if fetchedURLs[1] != "https://cdn.test/flaky.png" {
		t.Errorf("first retry URL = %q, want original", fetchedURLs[1])
	}
	if !strings.Contains(fetchedURLs[2], "cb=2") {
		t.Errorf("second retry URL = %q, want cache-buster", fetchedURLs[2])
	}
}

func TestPreloadNegativeCache(t *testing.T) {
	var calls atomic.Int64
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls.Add(1)
		return nil, "", errors.New("404")
	})
	defer m.Close()

	opts := DefaultPreloadOptions()
	opts.RetryCount = 1

	_, err := m.Preload(context.Background(), "https://cdn.test/gone.png", opts)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("loader calls = %d, want 2 (initial + 1 retry)", got)
	}

	// Subsequent calls fail fast without touching the network.
	_, err = m.Preload(context.Background(), "https://cdn.test/gone.png", opts)
	if !errors.Is(err, ErrNegativeCache) {
		t.Fatalf("err = %v, want ErrNegativeCache", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("loader calls after negative hit = %d, want still 2", got)
	}

	// Reset clears the failed set.
	m.Reset()
	_, err = m.Preload(context.Background(), "https://cdn.test/gone.png", opts)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err after reset = %v, want ErrLoadFailed (full retry cycle)", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("loader calls after reset = %d, want 4", got)
	}
}

func TestPreloadCanceledCallerDoesNotPoison(t *testing.T) {
	data := tinyPNG(t)
	var calls atomic.Int64
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		calls.Add(1)
		return data, "image/png", nil
	})
	defer m.Close()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Preload(canceled, "https://cdn.test/aborted.png", DefaultPreloadOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrLoadFailed) {
		t.Fatal("caller cancellation must not count as a load failure")
	}

	// The abort must not poison the URL for the next visitor.
	res, err := m.Preload(context.Background(), "https://cdn.test/aborted.png", DefaultPreloadOptions())
	if err != nil {
		t.Fatalf("preload after abort: %v", err)
	}
	if res.Width != 1 || calls.Load() != 1 {
		t.Errorf("res=%dx%d calls=%d, want a real load attempt", res.Width, res.Height, calls.Load())
	}
	if got := m.Stats().Failures; got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestNegativeCacheExpiresAfterFailTTL(t *testing.T) {
	var calls atomic.Int64
	m := NewManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls.Add(1)
		return nil, "", errors.New("503")
	}, 0, time.Hour, 10*time.Minute)
	defer m.Close()
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	base := time.Now()
	m.now = func() time.Time { return base }

	opts := DefaultPreloadOptions()
	opts.RetryCount = 0

	if _, err := m.Preload(context.Background(), "https://cdn.test/down.png", opts); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed", err)
	}
	if _, err := m.Preload(context.Background(), "https://cdn.test/down.png", opts); !errors.Is(err, ErrNegativeCache) {
		t.Fatalf("err = %v, want ErrNegativeCache within fail TTL", err)
	}

	// Past the fail TTL the URL earns a fresh cycle.
	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	if _, err := m.Preload(context.Background(), "https://cdn.test/down.png", opts); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err after expiry = %v, want ErrLoadFailed", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("loader calls = %d, want 2 (one per cycle)", got)
	}
}

func TestResetStartsFreshFlights(t *testing.T) {
	data := tinyPNG(t)
	var calls atomic.Int64
	release := make(chan struct{})
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		calls.Add(1)
		<-release
		return data, "image/png", nil
	})
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.Preload(context.Background(), "https://cdn.test/slow.png", DefaultPreloadOptions())
	}()

	time.Sleep(50 * time.Millisecond) // first load is in flight
	m.Reset()

	// After Reset a new caller must not join the abandoned flight.
	go func() {
		defer wg.Done()
		m.Preload(context.Background(), "https://cdn.test/slow.png", DefaultPreloadOptions())
	}()
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("loader calls = %d, want 2 (fresh flight after reset)", got)
	}
	close(release)
	wg.Wait()
}

func TestPreloadDecodeFailureCountsAsLoadFailure(t *testing.T) {
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		return []byte("not an image"), "image/png", nil
	})
	defer m.Close()

	opts := DefaultPreloadOptions()
	opts.RetryCount = 0

	_, err := m.Preload(context.Background(), "https://cdn.test/garbage.png", opts)
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err = %v, want ErrLoadFailed for undecodable bytes", err)
	}
}

func TestCleanupEvictsStaleEntries(t *testing.T) {
	data := tinyPNG(t)
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		return data, "image/png", nil
	})
	defer m.Close()

	if _, err := m.Preload(context.Background(), "https://cdn.test/old.png", DefaultPreloadOptions()); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if m.Stats().Entries != 1 {
		t.Fatalf("entries = %d, want 1", m.Stats().Entries)
	}

	// Pretend an hour passed.
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.Cleanup(time.Hour)

	if got := m.Stats().Entries; got != 0 {
		t.Errorf("entries after cleanup = %d, want 0", got)
	}
	if got := m.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestPreloadAfterCloseFails(t *testing.T) {
	m := newTestManager(func(ctx context.Context, url string) ([]byte, string, error) {
		return nil, "", errors.New("unreachable")
	})
	m.Close()

	_, err := m.Preload(context.Background(), "https://cdn.test/x.png", DefaultPreloadOptions())
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
