package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Forwarder streams the incoming request to a provider mirror with minimal
// overhead. Responses are passed through uncached.
type Forwarder struct {
	Client         *http.Client
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// ErrStreamInterrupted is returned when copying fails after the response
// status has already been written.
var ErrStreamInterrupted = errors.New("upstream stream interrupted")

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Do forwards the request to the target URL. extra headers (a provider's
// Referer, Origin, ...) replace whatever the client sent under the same name.
func (f *Forwarder) Do(w http.ResponseWriter, r *http.Request, target *url.URL, extra http.Header) error {
	if f.Client == nil {
		return errors.New("forwarder client is nil")
	}

	f.Logger.Info("forwarding request", slog.String("method", r.Method), slog.String("url", r.URL.String()), slog.String("target", target.String()))

	ctx, cancel := context.WithTimeout(r.Context(), f.RequestTimeout)
	defer cancel()

	upstreamReq, err := upstreamRequest(ctx, r, target, extra)
	if err != nil {
		return err
	}

	reqResp, err := f.Client.Do(upstreamReq)
	if err != nil {
		return err
	}
	defer reqResp.Body.Close()

	copyHeaders(w.Header(), reqResp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Del("Set-Cookie")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(reqResp.StatusCode)

	if reqResp.Body != nil {
		buf := make([]byte, 32*1024)
		if _, err := io.CopyBuffer(w, reqResp.Body, buf); err != nil {
			return fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
		}
	}

	return nil
}

// forwardedRequestHeaders are the only client headers relayed upstream.
// Everything else, including cookies, credentials and the client address, stays
// at the gateway.
var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
}

// upstreamRequest builds the request sent to the mirror: allowed client
// headers first, then the provider's headers on top.
func upstreamRequest(ctx context.Context, r *http.Request, target *url.URL, extra http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), nil)
	if err != nil {
		return nil, err
	}

	for _, h := range forwardedRequestHeaders {
		if vv := r.Header.Values(h); len(vv) > 0 {
			req.Header[h] = slices.Clone(vv)
		}
	}
	for k, vv := range extra {
		req.Header[http.CanonicalHeaderKey(k)] = slices.Clone(vv)
	}
	return req, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
