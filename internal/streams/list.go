// Package streams lists the event streams held in the shared store.
package streams

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/conduit/pkg/pubsub"
)

// OutputFormat specifies how to format the stream list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs one stream per line as JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Info describes one topic stream.
type Info struct {
	Topic  string      `json:"topic"`
	Length int64       `json:"length"`
	LastID string      `json:"last_id,omitempty"`
	Groups []GroupInfo `json:"groups"`
}

// GroupInfo describes one consumer group on a stream.
type GroupInfo struct {
	Name      string `json:"name"`
	Consumers int64  `json:"consumers"`
	Pending   int64  `json:"pending"`
}

// Pending sums unacknowledged entries across groups.
func (i Info) Pending() int64 {
	var n int64
	for _, g := range i.Groups {
		n += g.Pending
	}
	return n
}

// LastAt returns the time of the newest entry, or the zero time when the
// stream is empty.
func (i Info) LastAt() time.Time {
	ms, _, ok := strings.Cut(i.LastID, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

// List returns every topic stream whose name matches glob (empty matches
// everything), sorted by topic.
func List(ctx context.Context, ps *pubsub.Client, glob string) ([]Info, error) {
	rdb := ps.Redis()
	prefix := ps.Stream("")

	var keys []string
	iter := rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan streams: %w", err)
	}

	var infos []Info
	for _, key := range keys {
		topic := strings.TrimPrefix(key, prefix)
		if glob != "" {
			matched, err := filepath.Match(glob, topic)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", glob, err)
			}
			if !matched {
				continue
			}
		}

		// Caches share the keyspace when no prefix is set.
		kind, err := rdb.Type(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to inspect %s: %w", key, err)
		}
		if kind != "stream" {
			continue
		}

		info, err := describe(ctx, rdb, key)
		if err != nil {
			return nil, err
		}
		info.Topic = topic
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Topic < infos[j].Topic })
	return infos, nil
}

func describe(ctx context.Context, rdb *redis.Client, key string) (Info, error) {
	info := Info{Groups: []GroupInfo{}}

	n, err := rdb.XLen(ctx, key).Result()
	if err != nil {
		return info, fmt.Errorf("failed to read length of %s: %w", key, err)
	}
	info.Length = n

	last, err := rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return info, fmt.Errorf("failed to read last entry of %s: %w", key, err)
	}
	if len(last) > 0 {
		info.LastID = last[0].ID
	}

	groups, err := rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		return info, fmt.Errorf("failed to read groups of %s: %w", key, err)
	}
	for _, g := range groups {
		info.Groups = append(info.Groups, GroupInfo{
			Name:      g.Name,
			Consumers: g.Consumers,
			Pending:   g.Pending,
		})
	}
	sort.Slice(info.Groups, func(i, j int) bool { return info.Groups[i].Name < info.Groups[j].Name })
	return info, nil
}

// escapeGlob quotes the pattern characters SCAN MATCH understands.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
