package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/conduit/internal/logging"
	"github.com/dyluth/conduit/internal/proxy"
)

// Config configures a Manager.
type Config struct {
	Token   string
	Intents int

	// URL is the websocket endpoint. Empty means discover it.
	URL string

	// ShardCount is the total number of shards. Zero means use the
	// upstream's recommendation.
	ShardCount int

	// ShardIDs selects which shards this process runs. Empty means all.
	ShardIDs []int

	// IdentifyInterval spaces fresh identifies per concurrency bucket.
	// Default 5s.
	IdentifyInterval time.Duration

	QueueSize int
	ShardOpts func(*ShardConfig)
}

// botGateway is the GET /gateway/bot response.
type botGateway struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Remaining      int `json:"remaining"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}

// Manager runs a set of shards and merges their events.
type Manager struct {
	cfg  Config
	rest proxy.Requester
	log  *logging.Logger

	mu     sync.RWMutex
	shards map[int]*Shard

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// NewManager creates a manager. rest is used only when the shard count or
// URL must be discovered and may be nil otherwise.
func NewManager(cfg Config, rest proxy.Requester) *Manager {
	if cfg.IdentifyInterval <= 0 {
		cfg.IdentifyInterval = 5 * time.Second
	}
	return &Manager{
		cfg:    cfg,
		rest:   rest,
		log:    logging.New("gateway"),
		shards: make(map[int]*Shard),
		events: make(chan Event, 256),
	}
}

// Connect determines the shard layout and starts every shard in the
// background. It returns once the shards are launched, not once they are
// ready; watch Events for readiness.
func (m *Manager) Connect(ctx context.Context) error {
	url, count, concurrency := m.cfg.URL, m.cfg.ShardCount, 1
	if url == "" || count <= 0 {
		info, err := m.discover(ctx)
		if err != nil {
			return err
		}
		if url == "" {
			url = info.URL
		}
		if count <= 0 {
			count = info.Shards
		}
		if info.SessionStartLimit.MaxConcurrency > 0 {
			concurrency = info.SessionStartLimit.MaxConcurrency
		}
	}
	if count <= 0 {
		count = 1
	}

	ids := m.cfg.ShardIDs
	if len(ids) == 0 {
		ids = make([]int, count)
		for i := range ids {
			ids[i] = i
		}
	}
	for _, id := range ids {
		if id < 0 || id >= count {
			return fmt.Errorf("shard id %d outside shard count %d", id, count)
		}
	}

	limiter := newIdentifyLimiter(concurrency, m.cfg.IdentifyInterval)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		sc := ShardConfig{
			ID:        id,
			Count:     count,
			Token:     m.cfg.Token,
			Intents:   m.cfg.Intents,
			URL:       url,
			QueueSize: m.cfg.QueueSize,
		}
		sc.BeforeIdentify = func(ctx context.Context) error {
			return limiter.wait(ctx, sc.ID)
		}
		if m.cfg.ShardOpts != nil {
			m.cfg.ShardOpts(&sc)
		}
		shard := NewShard(sc)
		m.shards[id] = shard

		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			if err := shard.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("shard_stopped", err, map[string]interface{}{"shard_id": shard.ID()})
			}
		}()
		go func() {
			defer m.wg.Done()
			m.forward(runCtx, shard)
		}()
	}

	m.log.Event("shards_launched", map[string]interface{}{
		"shard_count": count,
		"shard_ids":   ids,
		"url":         url,
	})
	return nil
}

func (m *Manager) forward(ctx context.Context, s *Shard) {
	for {
		e, ok := s.Next(ctx)
		if !ok {
			return
		}
		select {
		case m.events <- e:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) discover(ctx context.Context) (*botGateway, error) {
	if m.rest == nil {
		return nil, fmt.Errorf("gateway url and shard count not configured and no REST client to discover them")
	}
	resp, err := m.rest.Request(ctx, http.MethodGet, "/gateway/bot", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gateway info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch gateway info: status %d", resp.StatusCode)
	}
	var info botGateway
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode gateway info: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("gateway info has no url")
	}
	return &info, nil
}

// Events returns the merged event stream of every shard. It is closed by
// Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// ShardIDs returns the ids of the shards this process runs, in order.
func (m *Manager) ShardIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// States returns every shard's connection state.
func (m *Manager) States() map[int]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[int]string, len(m.shards))
	for id, s := range m.shards {
		states[id] = s.State().String()
	}
	return states
}

// Send writes payload to one shard.
func (m *Manager) Send(ctx context.Context, shardID int, payload []byte) error {
	m.mu.RLock()
	s, ok := m.shards[shardID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	return s.Send(ctx, payload)
}

// Broadcast writes payload to every shard. Shards that are not connected
// drop it; the returned error joins every failure.
func (m *Manager) Broadcast(ctx context.Context, payload []byte) error {
	var errs []error
	for _, id := range m.ShardIDs() {
		if err := m.Send(ctx, id, payload); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every shard and closes Events.
func (m *Manager) Close() error {
	m.closed.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

// identifyLimiter allows `concurrency` identifies per interval, bucketed by
// shard id the way the upstream buckets them.
type identifyLimiter struct {
	concurrency int
	interval    time.Duration

	mu   sync.Mutex
	next map[int]time.Time
}

func newIdentifyLimiter(concurrency int, interval time.Duration) *identifyLimiter {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &identifyLimiter{
		concurrency: concurrency,
		interval:    interval,
		next:        make(map[int]time.Time),
	}
}

func (l *identifyLimiter) wait(ctx context.Context, shardID int) error {
	bucket := shardID % l.concurrency

	l.mu.Lock()
	now := time.Now()
	at := l.next[bucket]
	if at.Before(now) {
		at = now
	}
	l.next[bucket] = at.Add(l.interval)
	l.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
