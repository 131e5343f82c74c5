package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/NoahCxrest/media-gateway/internal/config"
)

// NewHTTPClient constructs the shared upstream client. Every request carries
// the configured User-Agent unless the caller already set one.
func NewHTTPClient(cfg config.HTTPConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 60 * time.Second}).DialContext,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 150 * time.Millisecond,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(512),
		},
	}

	return &http.Client{
		Transport: userAgentTransport{base: transport, ua: cfg.UserAgent},
		Timeout:   cfg.TransportTimeout,
	}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ua != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}
