package upstream

import (
	"hash/fnv"
	"net/url"
	"strings"
	"sync/atomic"
)

// Target represents a single provider mirror.
type Target struct {
	base *url.URL
}

// URL returns a cloned url.URL for safe mutation by callers.
func (t *Target) URL() *url.URL {
	clone := *t.base
	return &clone
}

// Resolve returns a fully-qualified URL assembled from the upstream base, path, and query string.
func (t *Target) Resolve(path, rawQuery string) *url.URL {
	u := t.URL()
	u.Path = resolvePath(u.Path, path)
	u.RawQuery = rawQuery
	return u
}

// Pool selects among a provider's mirrors.
type Pool struct {
	targets []*Target
	cursor  atomic.Uint64
}

// NewPool constructs a pool from the provided URLs.
func NewPool(urls []*url.URL) *Pool {
	targets := make([]*Target, len(urls))
	for i, u := range urls {
		clone := *u
		targets[i] = &Target{base: &clone}
	}
	return &Pool{targets: targets}
}

// Next returns the next target in a round-robin fashion.
func (p *Pool) Next() *Target {
	idx := int((p.cursor.Add(1) - 1) % uint64(len(p.targets)))
	return p.targets[idx]
}

// Pick returns the same target for the same key as long as the mirror list
// is unchanged, so repeated scrapes of one resource hit one mirror.
func (p *Pool) Pick(key string) *Target {
	return p.targets[shardIndex(key, len(p.targets))]
}

// Len reports how many upstream targets are available.
func (p *Pool) Len() int {
	return len(p.targets)
}

func shardIndex(key string, buckets int) int {
	if buckets <= 1 {
		return 0
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(buckets))
}

// resolvePath appends p to a mirror's base path with exactly one slash
// between them.
func resolvePath(base, p string) string {
	base = "/" + strings.Trim(base, "/")
	p = strings.TrimPrefix(p, "/")
	switch {
	case p == "":
		return base
	case base == "/":
		return base + p
	default:
		return base + "/" + p
	}
}
