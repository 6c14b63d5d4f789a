// Package cache provides typed, TTL-bound entity caches on top of the shared
// Redis store.
//
// Each cached resource kind is described by an Entity: its key prefix, its
// inactivity TTL and its codec. A Cache keeps two generations per id:
//
//	<prefix>:<id>      current value
//	old:<prefix>:<id>  value immediately before the current one
//
// Set moves the current value into the old slot and writes the new one in a
// single server-side script, so concurrent readers always see a whole
// generation. Reads refresh the TTL of the key they touch; entries expire
// after TTL of inactivity.
//
// Reads fail open: a store error or timeout is reported as a miss so callers
// fall back to the upstream source. Writes always return store errors.
package cache

import (
	"time"

	"github.com/dyluth/conduit/pkg/codec"
)

// OldKeyPrefix marks the previous-generation slot of an entry.
const OldKeyPrefix = "old:"

// Entity describes one cached resource kind. Entities are compared by
// pointer when memoised in a Registry, so declare them once as package-level
// or long-lived values.
type Entity[T any] struct {
	// Name is used in log lines.
	Name string

	// Prefix namespaces keys in the shared store.
	Prefix string

	// TTL is the inactivity window of both generations.
	TTL time.Duration

	// Codec encodes values for the store.
	Codec codec.Codec[T]

	// KeyFunc overrides the default "<prefix>:<id>" key naming.
	KeyFunc func(id string) string
}

// Key returns the store key of the current generation.
func (e *Entity[T]) Key(id string) string {
	if e.KeyFunc != nil {
		return e.KeyFunc(id)
	}
	return e.Prefix + ":" + id
}

// OldKey returns the store key of the previous generation.
func (e *Entity[T]) OldKey(id string) string {
	return OldKeyPrefix + e.Key(id)
}
