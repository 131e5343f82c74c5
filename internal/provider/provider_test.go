package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoahCxrest/media-gateway/internal/config"
	"github.com/NoahCxrest/media-gateway/internal/transport"
)

func newUpstream(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastReq atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		lastReq.Store(r.Clone(context.Background()))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"id":"one-piece","name":"One Piece"}]}`))
	})
	mux.HandleFunc("/anime/one-piece", func(w http.ResponseWriter, r *http.Request) {
		lastReq.Store(r.Clone(context.Background()))
		_, _ = w.Write([]byte(`<html><body><h1>One Piece</h1><a class="ep" href="/ep/1">1</a><a class="ep" href="/ep/2">2</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastReq
}

func testRegistry(t *testing.T, base string) *Registry {
	t.Helper()
	cfgs := []config.ProviderConfig{{
		Name:    "zoro",
		Mirrors: []string{base},
		Headers: map[string]string{"Referer": "https://zoro.example/"},
		Operations: []config.OperationConfig{
			{
				Name:     "search",
				Kind:     config.KindJSON,
				Path:     "/api/search",
				Query:    []string{"keyword={q}", "page={page}", "type=tv"},
				Required: []string{"q"},
				TTL:      time.Minute,
				Items:    "results",
				Fields:   []config.FieldConfig{{Name: "id", Path: "id"}, {Name: "title", Path: "name"}},
			},
			{
				Name:     "info",
				Kind:     config.KindHTML,
				Path:     "/anime/{id}",
				Required: []string{"id"},
				Fields: []config.FieldConfig{
					{Name: "title", Selector: "h1"},
					{Name: "episodes", Selector: "a.ep", Attr: "href", Absolute: true, All: true},
				},
			},
		},
	}}

	client := transport.NewHTTPClient(config.HTTPConfig{DialTimeout: time.Second, TransportTimeout: 5 * time.Second})
	r, err := NewRegistry(cfgs, client, transport.Retry{}, nil)
	require.NoError(t, err)
	return r
}

func TestLookup(t *testing.T) {
	r := testRegistry(t, "https://zoro.example")

	op, err := r.Lookup("ZORO", "Search")
	require.NoError(t, err)
	assert.Equal(t, "search", op.Name())
	assert.Equal(t, "zoro", op.Provider())
	assert.Equal(t, []string{"page", "q"}, op.Params())
	assert.Equal(t, []string{"zoro"}, r.Names())

	_, err = r.Lookup("gogo", "search")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.Lookup("zoro", "episodes")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestCacheKey(t *testing.T) {
	r := testRegistry(t, "https://zoro.example")
	op, _ := r.Lookup("zoro", "search")

	key := op.CacheKey(url.Values{"q": {"one piece"}, "utm_source": {"x"}})
	assert.Equal(t, "zoro:search:q=one+piece", key)

	assert.Equal(t, "zoro:search:page=2&q=naruto", op.CacheKey(url.Values{"page": {"2"}, "q": {"naruto"}}))
}

func TestRunJSON(t *testing.T) {
	srv, lastReq := newUpstream(t)
	r := testRegistry(t, srv.URL)
	op, _ := r.Lookup("zoro", "search")

	res, err := op.Run(context.Background(), url.Values{"q": {"one piece"}})
	require.NoError(t, err)

	assert.Equal(t, "zoro", res.Provider)
	assert.Equal(t, "search", res.Operation)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "One Piece", res.Results[0]["title"])

	req := lastReq.Load().(*http.Request)
	assert.Equal(t, "one piece", req.URL.Query().Get("keyword"))
	assert.Equal(t, "tv", req.URL.Query().Get("type"))
	assert.False(t, req.URL.Query().Has("page"), "empty optional params are dropped")
	assert.Equal(t, "https://zoro.example/", req.Header.Get("Referer"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestRunHTML(t *testing.T) {
	srv, _ := newUpstream(t)
	r := testRegistry(t, srv.URL)
	op, _ := r.Lookup("zoro", "info")

	res, err := op.Run(context.Background(), url.Values{"id": {"one-piece"}})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "One Piece", res.Results[0]["title"])
	assert.Equal(t, []string{srv.URL + "/ep/1", srv.URL + "/ep/2"}, res.Results[0]["episodes"])
	assert.Equal(t, srv.URL+"/anime/one-piece", res.Source)
}

func TestRunMissingParam(t *testing.T) {
	r := testRegistry(t, "https://zoro.example")
	op, _ := r.Lookup("zoro", "info")

	_, err := op.Run(context.Background(), url.Values{})
	assert.ErrorIs(t, err, ErrMissingParam)
}

func TestRunUpstreamStatus(t *testing.T) {
	srv, _ := newUpstream(t)
	r := testRegistry(t, srv.URL)
	op, _ := r.Lookup("zoro", "info")

	_, err := op.Run(context.Background(), url.Values{"id": {"bleach"}})
	var statusErr *transport.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestNewRegistryRejectsUnusedRequiredParam(t *testing.T) {
	cfgs := []config.ProviderConfig{{
		Name:    "gogo",
		Mirrors: []string{"https://gogo.example"},
		Operations: []config.OperationConfig{{
			Name:     "info",
			Kind:     config.KindHTML,
			Path:     "/category/{slug}",
			Required: []string{"id"},
			Fields:   []config.FieldConfig{{Name: "title", Selector: "h1"}},
		}},
	}}

	_, err := NewRegistry(cfgs, http.DefaultClient, transport.Retry{}, nil)
	assert.Error(t, err)
}

func TestProxyURL(t *testing.T) {
	r := testRegistry(t, "https://zoro.example/base")
	p, err := r.Provider("zoro")
	require.NoError(t, err)

	assert.Equal(t, "https://zoro.example/base/img/a.jpg?w=200", p.ProxyURL("/img/a.jpg", "w=200").String())
	assert.Equal(t, "https://zoro.example/", p.Headers().Get("Referer"))
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	r := testRegistry(t, "https://zoro.example")
	op, _ := r.Lookup("zoro", "info")

	for _, id := range []string{"../admin", "a/b", ".."} {
		assert.ErrorIs(t, op.Validate(url.Values{"id": {id}}), ErrInvalidParam, id)
	}
	assert.NoError(t, op.Validate(url.Values{"id": {"one-piece.100"}}))
}
