package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/NoahCxrest/media-gateway/internal/cache"
	"github.com/NoahCxrest/media-gateway/internal/cache/memcachestore"
	"github.com/NoahCxrest/media-gateway/internal/cache/memorystore"
	"github.com/NoahCxrest/media-gateway/internal/cache/redisstore"
	"github.com/NoahCxrest/media-gateway/internal/config"
	"github.com/NoahCxrest/media-gateway/internal/provider"
	"github.com/NoahCxrest/media-gateway/internal/server"
	"github.com/NoahCxrest/media-gateway/internal/server/gateway"
	"github.com/NoahCxrest/media-gateway/internal/transport"
)

const (
	headerRequestID  = "X-Request-ID"
	sentryFlushAfter = 2 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// App wires configuration, dependencies, and the HTTP server together.
type App struct {
	cfg       config.Config
	logger    *slog.Logger
	store     cache.Store
	fetcher   *cache.Fetcher
	registry  *provider.Registry
	stopCache func() error
	sentry    bool
	httpSrv   *http.Server
}

// New creates a fully initialised application. Logs go to w as JSON.
func New(cfg config.Config, w io.Writer) (*App, error) {
	logger, err := NewLogger(w, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	sentryEnabled, err := initSentry(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup sentry: %w", err)
	}

	store, stopCache, err := newStore(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("setup %s cache: %w", cfg.Cache.Backend, err)
	}

	codec, err := cache.CodecByName(cfg.Cache.Codec)
	if err != nil {
		return nil, err
	}

	fetchOpts := []cache.Option{
		cache.WithCodec(codec),
		cache.WithLogger(logger),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithFailOpen(cfg.Cache.FailOpen),
	}
	if cfg.Cache.SingleFlight {
		fetchOpts = append(fetchOpts, cache.WithSingleFlight())
	}
	if cfg.Cache.RefreshAhead > 0 {
		fetchOpts = append(fetchOpts, cache.WithRefreshAhead(cfg.Cache.RefreshAhead, cfg.HTTP.RequestTimeout))
	}

	var fetcher *cache.Fetcher
	if store != nil {
		fetcher = cache.New(store, fetchOpts...)
	}

	httpClient := transport.NewHTTPClient(cfg.HTTP)
	retry := transport.Retry{Attempts: cfg.HTTP.Retries, Backoff: cfg.HTTP.RetryBackoff}

	registry, err := provider.NewRegistry(cfg.Providers, httpClient, retry, logger)
	if err != nil {
		closeQuietly(stopCache)
		return nil, fmt.Errorf("load providers: %w", err)
	}

	opts := gateway.Options{
		Logger:         logger,
		Registry:       registry,
		Fetcher:        fetcher,
		Client:         httpClient,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		CacheBackend:   cfg.Cache.Backend,
	}
	if sentryEnabled {
		opts.Report = reportToSentry
	}

	handler, err := server.NewHandler(opts)
	if err != nil {
		closeQuietly(stopCache)
		return nil, fmt.Errorf("build handler: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           instrumentHandler(handler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.RequestTimeout + cfg.HTTP.TransportTimeout,
		WriteTimeout:      cfg.HTTP.TransportTimeout + cfg.HTTP.RequestTimeout,
		IdleTimeout:       cfg.HTTP.IdleConnTimeout,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		fetcher:   fetcher,
		registry:  registry,
		stopCache: stopCache,
		sentry:    sentryEnabled,
		httpSrv:   httpSrv,
	}, nil
}

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Fetch runs one provider operation through the cache, as the HTTP API would.
func (a *App) Fetch(ctx context.Context, providerName, operation string, params url.Values) (provider.Result, error) {
	op, err := a.registry.Lookup(providerName, operation)
	if err != nil {
		return provider.Result{}, err
	}
	if err := op.Validate(params); err != nil {
		return provider.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.RequestTimeout)
	defer cancel()

	return cache.Fetch(ctx, a.fetcher, op.CacheKey(params), op.TTL(), func(ctx context.Context) (provider.Result, error) {
		return op.Run(ctx, params)
	})
}

// Run blocks until the server shuts down or the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("gateway starting",
			slog.String("addr", a.cfg.ListenAddr),
			slog.String("cache", a.cfg.Cache.Backend),
			slog.Int("providers", len(a.registry.Names())))
		err := a.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := a.httpSrv.Shutdown(shutdownCtx)
		a.Close()
		return err
	case err := <-errCh:
		a.Close()
		return err
	}
}

// Close releases the cache backend and flushes pending error reports.
func (a *App) Close() {
	if a.stopCache != nil {
		if err := a.stopCache(); err != nil {
			a.logger.Warn("cache close failed", slog.String("error", err.Error()))
		}
		a.stopCache = nil
	}
	if a.sentry {
		sentry.Flush(sentryFlushAfter)
	}
}

// NewLogger builds the JSON logger used across the gateway.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func newStore(cfg config.CacheConfig) (cache.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil, nil
	case config.BackendMemory:
		s := memorystore.New(cfg.MemoryCapacity)
		return s, s.Close, nil
	case config.BackendRedis:
		s, err := redisstore.New(cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.BackendMemcached:
		s, err := memcachestore.New(cfg.KeyPrefix, cfg.MemcachedServers...)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

func initSentry(cfg config.Config) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func reportToSentry(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func closeQuietly(stop func() error) {
	if stop != nil {
		_ = stop()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrumentHandler(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug("handled request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
