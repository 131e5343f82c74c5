package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/NoahCxrest/media-gateway/internal/config"
	"github.com/NoahCxrest/media-gateway/internal/scrape"
	"github.com/NoahCxrest/media-gateway/internal/transport"
	"github.com/NoahCxrest/media-gateway/internal/upstream"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrMissingParam     = errors.New("missing required parameter")
	ErrInvalidParam     = errors.New("invalid parameter")
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Registry holds every configured provider.
type Registry struct {
	providers map[string]*Provider
	names     []string
}

// Provider is one upstream site with its mirrors and operations.
type Provider struct {
	name    string
	pool    *upstream.Pool
	headers http.Header
	ops     map[string]*Operation
	order   []string
}

type queryParam struct {
	name     string
	template string
}

// Operation is one declared scrape. It is safe for concurrent use.
type Operation struct {
	provider *Provider
	name     string
	kind     string
	path     string
	query    []queryParam
	required []string
	params   []string
	inPath   []string
	ttl      time.Duration
	rule     scrape.Rule

	client *http.Client
	retry  transport.Retry
	logger *slog.Logger
}

// NewRegistry builds providers from configuration. All operations share client.
func NewRegistry(cfgs []config.ProviderConfig, client *http.Client, retry transport.Retry, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "provider"))

	r := &Registry{providers: make(map[string]*Provider, len(cfgs))}
	for _, pc := range cfgs {
		mirrors, err := upstream.ParseMirrors(pc.Mirrors)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}

		p := &Provider{
			name:    pc.Name,
			pool:    upstream.NewPool(mirrors),
			headers: make(http.Header, len(pc.Headers)),
			ops:     make(map[string]*Operation, len(pc.Operations)),
		}
		for k, v := range pc.Headers {
			p.headers.Set(k, v)
		}

		for _, oc := range pc.Operations {
			op, err := newOperation(p, oc)
			if err != nil {
				return nil, fmt.Errorf("operation %s/%s: %w", pc.Name, oc.Name, err)
			}
			op.client = client
			op.retry = retry
			op.logger = logger.With(slog.String("provider", p.name), slog.String("operation", op.name))
			p.ops[op.name] = op
			p.order = append(p.order, op.name)
		}

		r.providers[p.name] = p
		r.names = append(r.names, p.name)
	}
	sort.Strings(r.names)

	return r, nil
}

func newOperation(p *Provider, oc config.OperationConfig) (*Operation, error) {
	op := &Operation{
		provider: p,
		name:     oc.Name,
		kind:     oc.Kind,
		path:     oc.Path,
		required: slices.Clone(oc.Required),
		ttl:      oc.TTL,
	}

	referenced := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(oc.Path, -1) {
		referenced[m[1]] = true
		op.inPath = append(op.inPath, m[1])
	}

	for _, pair := range oc.Query {
		name, tmpl, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("query entry %q is not name=value", pair)
		}
		op.query = append(op.query, queryParam{name: name, template: tmpl})
		for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
			referenced[m[1]] = true
		}
	}

	for _, name := range op.required {
		if !referenced[name] {
			return nil, fmt.Errorf("required parameter %q is not used in path or query", name)
		}
	}

	for name := range referenced {
		op.params = append(op.params, name)
	}
	sort.Strings(op.params)

	op.rule.Items = oc.Items
	for _, fc := range oc.Fields {
		op.rule.Fields = append(op.rule.Fields, scrape.Field{
			Name:     fc.Name,
			Path:     fc.Path,
			Selector: fc.Selector,
			Attr:     fc.Attr,
			Absolute: fc.Absolute,
			All:      fc.All,
		})
	}

	return op, nil
}

// Names lists provider names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Provider returns the named provider.
func (r *Registry) Provider(name string) (*Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Lookup returns an operation of a provider.
func (r *Registry) Lookup(provider, operation string) (*Operation, error) {
	p, err := r.Provider(provider)
	if err != nil {
		return nil, err
	}
	return p.Operation(operation)
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Headers returns a copy of the headers sent on every upstream request.
func (p *Provider) Headers() http.Header { return p.headers.Clone() }

// Operation returns the named operation.
func (p *Provider) Operation(name string) (*Operation, error) {
	op, ok := p.ops[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, p.name, name)
	}
	return op, nil
}

// Operations returns operations in declaration order.
func (p *Provider) Operations() []*Operation {
	out := make([]*Operation, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.ops[name])
	}
	return out
}

// ProxyURL resolves a raw path against the next mirror.
func (p *Provider) ProxyURL(path, rawQuery string) *url.URL {
	return p.pool.Next().Resolve(path, rawQuery)
}
