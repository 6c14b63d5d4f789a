// Package proxy wraps the upstream REST API with the route-shaped response
// cache and exposes it over HTTP to internal services.
package proxy

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/dyluth/conduit/internal/routes"
)

// Proxy serves idempotent upstream calls from a local TTL cache when the
// route policy allows it.
type Proxy struct {
	upstream Requester
	policy   *routes.Policy
	cache    *TTLMap[*Response]
}

// New creates a proxy in front of upstream governed by policy.
func New(upstream Requester, policy *routes.Policy) *Proxy {
	return &Proxy{
		upstream: upstream,
		policy:   policy,
		cache:    NewTTLMap[*Response](),
	}
}

// Do performs method on path.
//
// Cacheable calls are served from the local cache unless force is set. A
// forced call always reaches upstream but still repopulates the cache.
// Successful mutating calls drop any cached read of the same path.
func (p *Proxy) Do(ctx context.Context, method, path string, body []byte, force bool) (*Response, error) {
	decision := p.policy.Resolve(method, path)
	key := cacheKey(method, path)

	if !decision.Cacheable {
		resp, err := p.upstream.Request(ctx, method, path, body)
		if err == nil && isMutating(method) && isSuccess(resp.StatusCode) {
			p.cache.Delete(cacheKey(http.MethodGet, path))
		}
		return resp, err
	}

	if !force {
		if cached, ok := p.cache.Get(key); ok {
			hit := *cached
			hit.FromCache = true
			return &hit, nil
		}
	}

	resp, err := p.upstream.Request(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	if isSuccess(resp.StatusCode) {
		p.cache.Set(key, resp, decision.TTL)
		log.Printf("[Proxy] Cached %s for %v (force=%t)", key, decision.TTL, force)
	}
	return resp, nil
}

// Cached reports how many responses are currently held.
func (p *Proxy) Cached() int {
	return p.cache.Len()
}

// Close drops every cached response.
func (p *Proxy) Close() {
	p.cache.Clear()
}

func cacheKey(method, path string) string {
	return method + " " + strings.TrimRight(path, "/")
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
