package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/NoahCxrest/media-gateway/internal/cache"
	"github.com/NoahCxrest/media-gateway/internal/provider"
	"github.com/NoahCxrest/media-gateway/internal/proxy"
	"github.com/NoahCxrest/media-gateway/internal/transport"
)

const (
	corsAllowOrigin                = "*"
	headerAccessControlAllowOrigin = "Access-Control-Allow-Origin"
	headerContentType              = "Content-Type"
	contentTypeJSON                = "application/json"
	healthPingTimeout              = 2 * time.Second
)

// StatusClientClosedRequest is written when the client cancels before the
// producer finishes. Nothing is sent to the reporter.
const StatusClientClosedRequest = 499

// Reporter receives producer failures that surface as 5xx responses.
type Reporter func(ctx context.Context, err error)

// Options configures a Handler.
type Options struct {
	Logger         *slog.Logger
	Registry       *provider.Registry
	Fetcher        *cache.Fetcher
	Client         *http.Client
	RequestTimeout time.Duration
	CacheBackend   string
	Report         Reporter
}

// Handler serves provider operations through the read-through cache.
type Handler struct {
	logger         *slog.Logger
	registry       *provider.Registry
	fetcher        *cache.Fetcher
	forwarder      *proxy.Forwarder
	requestTimeout time.Duration
	cacheBackend   string
	report         Reporter
}

// New constructs a gateway handler.
func New(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, errors.New("gateway handler requires a provider registry")
	}
	if opts.Client == nil {
		return nil, errors.New("gateway handler requires an http client")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	report := opts.Report
	if report == nil {
		report = func(context.Context, error) {}
	}

	return &Handler{
		logger:   logger.With(slog.String("component", "gateway-handler")),
		registry: opts.Registry,
		fetcher:  opts.Fetcher,
		forwarder: &proxy.Forwarder{
			Client:         opts.Client,
			Logger:         logger,
			RequestTimeout: opts.RequestTimeout,
		},
		requestTimeout: opts.RequestTimeout,
		cacheBackend:   opts.CacheBackend,
		report:         report,
	}, nil
}

// Operation runs /api/:provider/:operation.
func (h *Handler) Operation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	op, err := h.registry.Lookup(ps.ByName("provider"), ps.ByName("operation"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, err)
		return
	}

	params := r.URL.Query()
	if err := op.Validate(params); err != nil {
		h.respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	ttl := op.TTL()
	if ttl <= 0 {
		ttl = h.fetcher.DefaultTTL()
	}

	key := op.CacheKey(params)
	res, err := cache.Fetch(ctx, h.fetcher, key, ttl, func(ctx context.Context) (provider.Result, error) {
		return op.Run(ctx, params)
	})
	if err != nil {
		status := statusFor(err)
		if status == StatusClientClosedRequest {
			h.logger.Debug("client went away", slog.String("key", key))
			w.WriteHeader(status)
			return
		}
		h.logger.Error("operation failed",
			slog.String("key", key),
			slog.Int("status", status),
			slog.String("error", err.Error()))
		if status >= http.StatusInternalServerError {
			h.report(r.Context(), err)
		}
		h.respondError(w, status, err)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondCachedJSON(w, payload, ttl)
}

// Proxy streams /proxy/:provider/*path from a provider mirror.
func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := h.registry.Provider(ps.ByName("provider"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, err)
		return
	}

	target := p.ProxyURL(ps.ByName("path"), r.URL.RawQuery)
	if err := h.forwarder.Do(w, r, target, p.Headers()); err != nil {
		h.logger.Error("proxy request failed", slog.String("target", target.String()), slog.String("error", err.Error()))
		if errors.Is(err, proxy.ErrStreamInterrupted) {
			return
		}
		h.respondError(w, http.StatusBadGateway, err)
	}
}

type operationInfo struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Params     []string `json:"params"`
	Required   []string `json:"required"`
	TTLSeconds int64    `json:"ttlSeconds"`
}

type providerInfo struct {
	Name       string          `json:"name"`
	Operations []operationInfo `json:"operations"`
}

// Providers lists providers and their operations.
func (h *Handler) Providers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	out := make([]providerInfo, 0, len(h.registry.Names()))
	for _, name := range h.registry.Names() {
		p, err := h.registry.Provider(name)
		if err != nil {
			continue
		}
		info := providerInfo{Name: p.Name()}
		for _, op := range p.Operations() {
			ttl := op.TTL()
			if ttl <= 0 {
				ttl = h.fetcher.DefaultTTL()
			}
			info.Operations = append(info.Operations, operationInfo{
				Name:       op.Name(),
				Kind:       op.Kind(),
				Params:     op.Params(),
				Required:   op.Required(),
				TTLSeconds: int64(ttl / time.Second),
			})
		}
		out = append(out, info)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}
	h.respondJSON(w, http.StatusOK, payload)
}

type healthBody struct {
	Status string      `json:"status"`
	Cache  string      `json:"cache"`
	Stats  cache.Stats `json:"stats"`
	Error  string      `json:"error,omitempty"`
}

// Health reports liveness and cache backend reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body := healthBody{Status: "ok", Cache: h.cacheBackend, Stats: h.fetcher.Stats()}
	status := http.StatusOK

	if pinger, ok := h.fetcher.Store().(cache.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			body.Status = "degraded"
			body.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	payload, _ := json.Marshal(body)
	h.respondJSON(w, status, payload)
}

// NotFound answers unknown routes in the same JSON shape as other errors.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.respondError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
}

// Panic converts a handler panic into a 500.
func (h *Handler) Panic(w http.ResponseWriter, r *http.Request, v any) {
	err := fmt.Errorf("panic: %v", v)
	h.logger.Error("handler panic", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	h.report(r.Context(), err)
	h.respondError(w, http.StatusInternalServerError, err)
}

func statusFor(err error) int {
	var statusErr *transport.StatusError
	switch {
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrMissingParam), errors.Is(err, provider.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) respondCachedJSON(w http.ResponseWriter, payload []byte, ttl time.Duration) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Header().Set(headerAccessControlAllowOrigin, corsAllowOrigin)
	if secs := int64(ttl / time.Second); secs > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", secs))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Header().Set(headerAccessControlAllowOrigin, corsAllowOrigin)
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	h.respondJSON(w, status, payload)
}
