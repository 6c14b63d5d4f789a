// Package routes decides, per outbound REST call, whether the response may be
// cached and for how long. Decisions are keyed by route shape: identifier
// segments are replaced by a wildcard before the policy trie is walked, so
// /guilds/123/channels and /guilds/456/channels share one rule.
package routes

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Wildcard replaces identifier-shaped path segments.
const Wildcard = ":id"

// isID reports whether seg is the decimal form of a 64-bit identifier.
func isID(seg string) bool {
	if seg == "" || seg[0] < '0' || seg[0] > '9' {
		return false
	}
	_, err := strconv.ParseUint(seg, 10, 64)
	return err == nil
}

// Decision is the outcome of resolving one request.
type Decision struct {
	Cacheable bool
	TTL       time.Duration
}

// node is one path segment of the policy trie.
type node struct {
	children map[string]*node
	ttl      *time.Duration
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Policy is a trie of route shapes carrying cache TTLs. Build it once at
// start up; it is safe for concurrent Resolve calls once no longer mutated.
type Policy struct {
	root *node
}

// NewPolicy returns an empty policy under which nothing is cacheable.
func NewPolicy() *Policy {
	return &Policy{root: newNode()}
}

// Set attaches ttl to pattern, creating intermediate nodes without a TTL.
// Patterns use Wildcard (or any 64-bit decimal id) for identifier segments.
// A zero ttl marks the shape as explicitly uncached, overriding ancestors.
func (p *Policy) Set(pattern string, ttl time.Duration) {
	n := p.root
	for _, seg := range Normalize(pattern) {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	n.ttl = &ttl
}

// Resolve returns the cache decision for method and path.
//
// Only GET and HEAD are cacheable. Every segment must match a trie node;
// an unknown shape is not cacheable. The deepest node on the path that
// carries a TTL decides, so narrow rules override broad ones.
func (p *Policy) Resolve(method, path string) Decision {
	if method != http.MethodGet && method != http.MethodHead {
		return Decision{}
	}
	return resolve(p.root, Normalize(path))
}

func resolve(root *node, segments []string) Decision {
	n := root
	var ttl *time.Duration
	if n.ttl != nil {
		ttl = n.ttl
	}
	for _, seg := range segments {
		child, ok := n.children[seg]
		if !ok {
			return Decision{}
		}
		n = child
		if n.ttl != nil {
			ttl = n.ttl
		}
	}
	if ttl == nil || *ttl <= 0 {
		return Decision{}
	}
	return Decision{Cacheable: true, TTL: *ttl}
}

// Normalize splits path into segments, dropping the query string, empty
// segments and an /api/vN prefix, and replaces identifier segments with
// Wildcard.
func Normalize(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	parts := strings.Split(path, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		if isID(part) {
			part = Wildcard
		}
		segments = append(segments, part)
	}

	if len(segments) >= 2 && segments[0] == "api" && isVersion(segments[1]) {
		segments = segments[2:]
	}
	return segments
}

func isVersion(seg string) bool {
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	for _, r := range seg[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GuildID returns the guild identifier of a /guilds/{id}/... path.
func GuildID(path string) (string, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "guilds" && isID(parts[i+1]) {
			return parts[i+1], true
		}
	}
	return "", false
}

// DefaultPolicy returns the rules used by the proxy unless configured
// otherwise. Nothing below a bare guild id is cached except the listed
// sub-resources.
func DefaultPolicy() *Policy {
	p := NewPolicy()
	p.Set("/guilds/:id", 0)
	p.Set("/guilds/:id/channels", time.Minute)
	p.Set("/guilds/:id/roles", 30*time.Second)
	p.Set("/guilds/:id/members/:id", 30*time.Second)
	p.Set("/channels/:id", time.Minute)
	p.Set("/users/:id", 5*time.Minute)
	p.Set("/gateway/bot", time.Minute)
	return p
}
