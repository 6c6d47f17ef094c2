package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"aimagica-server/internal/cache"
	"aimagica-server/internal/config"
	"aimagica-server/internal/feed"
	"aimagica-server/internal/layout"
	"aimagica-server/internal/media"
	"aimagica-server/internal/source"
	"aimagica-server/internal/types"
)

// Request body size limits
const maxBodySize = 32 * 1024 // 32KB for POST requests

// Server wires the gallery's components together. Everything is constructed
// in main and injected; no package carries hidden singleton state.
type Server struct {
	cfg              config.Config
	media            *media.Manager
	sessions         *feed.Sessions
	hub              *LiveHub
	backend          cache.Backend
	statStore        *cache.StatStore
	statBatcher      *source.Batcher[types.StatBlock]
	cacheBackendType string
}

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// securityHeaders wraps an HTTP handler to add security headers
func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Images come through our own /img proxy, so the CSP stays tight.
		csp := "default-src 'self'; " +
			"img-src 'self' data:; " +
			"style-src 'self' 'unsafe-inline'; " +
			"script-src 'self'"
		w.Header().Set("Content-Security-Policy", csp)
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next(w, r)
	}
}

// controllerFor returns the visitor's feed controller, minting a session
// cookie on first sight.
func (s *Server) controllerFor(w http.ResponseWriter, r *http.Request) *feed.Controller {
	id := sessionID(w, r, int(s.cfg.SessionTTL.Seconds()))
	return s.sessions.Get(r.Context(), id)
}

func (s *Server) columnsForWidth(width int) int {
	return layout.ColumnsForWidth(width, s.cfg.MinItemWidth, s.cfg.ColumnGap)
}

// initBackend picks Redis when configured, memory otherwise. Redis failure
// degrades to memory: the mirror is a convenience, the feed must not care.
func initBackend(cfg config.Config, cacheCfg cache.Config) (cache.Backend, string) {
	if cfg.RedisURL != "" {
		slog.Info("initializing Redis cache")
		rc, err := cache.NewRedisCache(cfg.RedisURL, "gallery:")
		if err == nil {
			return rc, "redis"
		}
		slog.Warn("Redis connection failed, using memory cache", "error", err)
	}
	slog.Info("initializing in-memory cache")
	return cache.NewMemoryCache(cacheCfg.MaxMemoryItems, cacheCfg.CleanupEvery), "memory"
}

// refreshLoop periodically pulls authoritative stats for every live
// session's displayed items through the batcher, so overlapping sessions
// share one upstream call.
func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.ForEach(func(id string, c *feed.Controller) {
				ids := make([]string, 0)
				for _, it := range c.Displayed() {
					ids = append(ids, it.ID)
				}
				if len(ids) == 0 {
					return
				}
				stats := s.statBatcher.GetMultiple(ids)
				if len(stats) > 0 {
					c.Refresh(ctx, stats)
				}
			})
		}
	}
}

func main() {
	InitLogger()
	initTemplates()

	cfg := config.Load()
	cacheCfg := cache.DefaultConfig()

	backend, backendType := initBackend(cfg, cacheCfg)
	statStore := cache.NewStatStore(backend, cacheCfg.StatTTL)

	client := source.NewClient(cfg.ContentURL)
	var mutator source.Mutator = client
	if cfg.MutationURL != cfg.ContentURL {
		mutator = source.NewClient(cfg.MutationURL)
	}

	// Sessions share upstream pages and batched stats through the cache
	// backend, so a burst of new visitors costs one fetch per page.
	content := source.NewCachedSource(client, backend, cacheCfg.FeedPageTTL, cacheCfg.BatchStatsTTL)

	mediaManager := media.NewManager(media.HTTPLoader(nil), cacheCfg.CleanupEvery, cfg.MediaMaxAge, cacheCfg.MediaFailTTL)
	hub := NewLiveHub()
	statBatcher := source.NewStatBatcher(content, cfg.StatBatchWindow, 100)

	srv := &Server{
		cfg:              cfg,
		media:            mediaManager,
		hub:              hub,
		backend:          backend,
		statStore:        statStore,
		statBatcher:      statBatcher,
		cacheBackendType: backendType,
	}

	srv.sessions = feed.NewSessions(cfg.SessionTTL, func(visitor string) *feed.Controller {
		return feed.NewController(content, mutator, feed.Options{
			PageSize:     cfg.PageSize,
			Visitor:      visitor,
			Stats:        statStore,
			OnStatUpdate: hub.Broadcast,
			OnFailure:    IncrementMutationFailure,
			MutationRate: rate.Limit(cfg.MutationsPerSec),
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.refreshLoop(ctx)

	mux := http.NewServeMux()

	fs := http.FileServer(http.Dir("./static"))
	mux.Handle("/static/", http.StripPrefix("/static/", fs))

	mux.HandleFunc("/", securityHeaders(srv.galleryHandler))
	mux.HandleFunc("/item/", securityHeaders(srv.itemHandler))
	mux.HandleFunc("/like/", securityHeaders(limitBody(srv.likeHandler, maxBodySize)))
	mux.HandleFunc("/comment/", securityHeaders(limitBody(srv.commentHandler, maxBodySize)))
	mux.HandleFunc("/comment-like/", securityHeaders(limitBody(srv.commentLikeHandler, maxBodySize)))
	mux.HandleFunc("/viewport", srv.viewportHandler)
	mux.HandleFunc("/img", srv.imageHandler)
	mux.HandleFunc("/live", srv.hub.ServeWS)
	mux.HandleFunc("/health", srv.healthHandler)
	mux.HandleFunc("/metrics", srv.metricsHandler)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: RequestLoggingMiddleware(mux),
	}

	go func() {
		slog.Info("starting server", "port", cfg.Port, "cache_backend", backendType)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}

	// Teardown order: stop accepting work, then release caches.
	srv.sessions.Stop()
	hub.Close()
	mediaManager.Cleanup(0) // evict everything before close
	mediaManager.Close()
	if err := backend.Close(); err != nil {
		slog.Warn("cache close failed", "error", err)
	}
	slog.Info("shutdown complete")
}
