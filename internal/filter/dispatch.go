// Package filter selects dispatches by their payload fields.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dyluth/conduit/pkg/codec"
	consumer "github.com/dyluth/conduit/pkg/gateway"
)

// Criteria defines filtering criteria for dispatches.
// All filters are ANDed together - a dispatch must match ALL criteria to pass.
type Criteria struct {
	// Fields maps a dotted path into the payload (for example
	// "author.id") to the value it must have.
	Fields map[string]string
}

// Parse builds criteria from key=value expressions.
func Parse(exprs []string) (*Criteria, error) {
	c := &Criteria{Fields: make(map[string]string, len(exprs))}
	for _, expr := range exprs {
		key, value, ok := strings.Cut(expr, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q (expected key=value)", expr)
		}
		c.Fields[key] = value
	}
	return c, nil
}

// Matches returns true if the dispatch matches all filter criteria.
func (c *Criteria) Matches(d consumer.Dispatch) bool {
	for path, want := range c.Fields {
		got, ok := lookup(d.Data, strings.Split(path, "."))
		if !ok || got != want {
			return false
		}
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return len(c.Fields) > 0
}

// lookup walks path through nested maps and renders the scalar it ends on.
func lookup(v codec.Value, path []string) (string, bool) {
	for _, key := range path {
		m, ok := v.(codec.Map)
		if !ok {
			return "", false
		}
		if v, ok = m[key]; !ok {
			return "", false
		}
	}

	switch v := v.(type) {
	case codec.Str:
		return string(v), true
	case codec.Uint:
		return strconv.FormatUint(uint64(v), 10), true
	case codec.Int:
		return strconv.FormatInt(int64(v), 10), true
	case codec.Bool:
		return strconv.FormatBool(bool(v)), true
	case codec.Float:
		return strconv.FormatFloat(float64(v), 'f', -1, 64), true
	case codec.Null:
		return "null", true
	}
	return "", false
}
