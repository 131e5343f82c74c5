package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/NoahCxrest/media-gateway/internal/cache"
	"github.com/NoahCxrest/media-gateway/internal/config"
	"github.com/NoahCxrest/media-gateway/internal/scrape"
	"github.com/NoahCxrest/media-gateway/internal/transport"
)

const maxBodySize = 8 << 20

// Result is the normalized payload of an operation.
type Result struct {
	Provider  string        `json:"provider" msgpack:"provider"`
	Operation string        `json:"operation" msgpack:"operation"`
	Source    string        `json:"source" msgpack:"source"`
	FetchedAt time.Time     `json:"fetchedAt" msgpack:"fetchedAt"`
	Results   []scrape.Item `json:"results" msgpack:"results"`
}

// Name returns the operation name.
func (o *Operation) Name() string { return o.name }

// Provider returns the owning provider name.
func (o *Operation) Provider() string { return o.provider.name }

// Kind returns the extraction kind, json or html.
func (o *Operation) Kind() string { return o.kind }

// TTL returns the configured TTL; zero means the cache default.
func (o *Operation) TTL() time.Duration { return o.ttl }

// Params lists every parameter the operation reads, sorted.
func (o *Operation) Params() []string { return slices.Clone(o.params) }

// Required lists the parameters that must be present.
func (o *Operation) Required() []string { return slices.Clone(o.required) }

// Validate checks that every required parameter is present and that path
// parameters stay within a single path segment.
func (o *Operation) Validate(params url.Values) error {
	for _, name := range o.required {
		if strings.TrimSpace(params.Get(name)) == "" {
			return fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
	}
	for _, name := range o.inPath {
		v := params.Get(name)
		if strings.Contains(v, "/") || strings.Contains(v, "\\") || strings.TrimSpace(v) == ".." {
			return fmt.Errorf("%w: %s", ErrInvalidParam, name)
		}
	}
	return nil
}

// CacheKey composes "<provider>:<operation>:<params>" from the parameters the
// operation reads. Unrelated query parameters do not fragment the cache.
func (o *Operation) CacheKey(params url.Values) string {
	used := url.Values{}
	for _, name := range o.params {
		if v := strings.TrimSpace(params.Get(name)); v != "" {
			used.Set(name, v)
		}
	}
	return cache.Key(o.provider.name, o.name, used.Encode())
}

// Run fetches the upstream document and extracts the declared fields.
func (o *Operation) Run(ctx context.Context, params url.Values) (Result, error) {
	if err := o.Validate(params); err != nil {
		return Result{}, err
	}

	path, rawQuery := o.render(params)
	target := o.provider.pool.Pick(o.CacheKey(params)).Resolve(path, rawQuery)

	o.logger.Info("fetching upstream", slog.String("target", target.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Result{}, err
	}
	for k, vv := range o.provider.headers {
		req.Header[k] = slices.Clone(vv)
	}
	if o.kind == config.KindJSON {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}

	resp, err := transport.Do(ctx, o.client, req, o.retry)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Result{}, fmt.Errorf("read upstream body: %w", err)
	}

	var items []scrape.Item
	if o.kind == config.KindHTML {
		items, err = scrape.HTML(bytes.NewReader(body), resp.Request.URL, o.rule)
	} else {
		items, err = scrape.JSON(body, o.rule)
	}
	if err != nil {
		return Result{}, fmt.Errorf("extract %s/%s: %w", o.provider.name, o.name, err)
	}

	return Result{
		Provider:  o.provider.name,
		Operation: o.name,
		Source:    target.String(),
		FetchedAt: time.Now().UTC(),
		Results:   items,
	}, nil
}

// render fills {name} placeholders. Query entries whose placeholders are all
// empty are dropped so optional parameters stay optional.
func (o *Operation) render(params url.Values) (string, string) {
	path := placeholderRe.ReplaceAllStringFunc(o.path, func(m string) string {
		return strings.TrimSpace(params.Get(m[1 : len(m)-1]))
	})

	q := url.Values{}
	for _, qp := range o.query {
		hasPlaceholder := false
		filled := false
		value := placeholderRe.ReplaceAllStringFunc(qp.template, func(m string) string {
			hasPlaceholder = true
			v := strings.TrimSpace(params.Get(m[1 : len(m)-1]))
			if v != "" {
				filled = true
			}
			return v
		})
		if hasPlaceholder && !filled {
			continue
		}
		q.Add(qp.name, value)
	}

	return path, q.Encode()
}
