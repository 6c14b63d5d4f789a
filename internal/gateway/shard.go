package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dyluth/conduit/internal/logging"
)

// readLimit bounds one inbound frame. Guild creates on large servers are
// several megabytes.
const readLimit = 32 << 20

// ShardConfig configures one shard connection.
type ShardConfig struct {
	ID      int
	Count   int
	Token   string
	Intents int

	// URL is the websocket endpoint, e.g. wss://gateway.discord.gg.
	URL string

	// QueueSize bounds buffered events. Default 1024.
	QueueSize int

	// NewBackOff returns the reconnect policy. Default exponential from 1s
	// to 2m with no deadline.
	NewBackOff func() backoff.BackOff

	// BeforeIdentify is called before every fresh identify, for identify
	// rate limiting across shards.
	BeforeIdentify func(ctx context.Context) error
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Shard owns one upstream connection and its session.
type Shard struct {
	cfg    ShardConfig
	log    *logging.Logger
	events *queue

	state atomic.Int32
	seq   atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	resumeURL string
}

// NewShard creates a disconnected shard.
func NewShard(cfg ShardConfig) *Shard {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	return &Shard{
		cfg:    cfg,
		log:    logging.New("gateway").With("shard_id", cfg.ID),
		events: newQueue(cfg.QueueSize),
	}
}

// ID returns the shard id.
func (s *Shard) ID() int {
	return s.cfg.ID
}

// State returns the current connection state.
func (s *Shard) State() State {
	return State(s.state.Load())
}

// Dropped reports how many events were discarded because the queue was full.
func (s *Shard) Dropped() uint64 {
	return s.events.droppedCount()
}

// Next waits for the next event from this shard.
func (s *Shard) Next(ctx context.Context) (Event, bool) {
	return s.events.pop(ctx)
}

// Send writes a raw command frame to the upstream connection. Payloads for
// a shard without a ready session are dropped with ErrNotConnected.
func (s *Shard) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || s.State() != StateReady {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to write to shard %d: %w", s.cfg.ID, err)
	}
	return nil
}

// Run connects and keeps the shard connected until ctx is cancelled or the
// upstream rejects the shard permanently.
func (s *Shard) Run(ctx context.Context) error {
	b := s.cfg.NewBackOff()

	for {
		reachedReady, resumable, err := s.session(ctx)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			s.emit(Event{Kind: EventClosed})
			return ctx.Err()
		}

		if code := websocket.CloseStatus(err); code != -1 {
			if reason, fatal := fatalCloseCodes[int(code)]; fatal {
				err = fmt.Errorf("shard %d closed permanently (%d %s): %w", s.cfg.ID, code, reason, err)
				s.emit(Event{Kind: EventError, Err: err})
				return err
			}
		}

		s.emit(Event{Kind: EventClosed, Err: err})
		if !resumable {
			s.clearSession()
		}
		if reachedReady {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("shard %d gave up reconnecting: %w", s.cfg.ID, err)
		}
		s.log.Printf("Shard %d reconnecting in %v: %v", s.cfg.ID, wait, err)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.emit(Event{Kind: EventClosed})
			return ctx.Err()
		}
	}
}

// session runs one connection from dial to close. It reports whether the
// session reached ready and whether it may be resumed on the next attempt.
func (s *Shard) session(ctx context.Context) (reachedReady, resumable bool, err error) {
	sessionID, resumeURL := s.currentSession()
	resuming := sessionID != ""

	target := s.cfg.URL
	if resuming && resumeURL != "" {
		target = resumeURL
	}
	target, err = gatewayURL(target)
	if err != nil {
		return false, false, err
	}

	if resuming {
		s.setState(StateResuming)
	} else {
		s.setState(StateHandshaking)
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return false, resuming, fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hello Frame
	if err := wsjson.Read(sctx, conn, &hello); err != nil {
		return false, resuming, fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Op != OpHello {
		return false, false, fmt.Errorf("expected hello, got %s", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		return false, false, fmt.Errorf("invalid hello payload: %s", hello.D)
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
	s.emit(Event{Kind: EventHello})

	if resuming {
		err = s.sendResume(sctx, conn, sessionID)
	} else {
		err = s.sendIdentify(sctx, conn)
	}
	if err != nil {
		return false, resuming, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	hb := newHeartbeater(s, conn, interval)
	go hb.run(sctx)

	for {
		var f Frame
		if err := wsjson.Read(sctx, conn, &f); err != nil {
			if hb.zombied() {
				return reachedReady, true, errZombie
			}
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
			}
			return reachedReady, true, err
		}

		switch f.Op {
		case OpDispatch:
			if f.S != nil {
				s.seq.Store(*f.S)
			}
			switch f.T {
			case "READY":
				var rd readyData
				if err := json.Unmarshal(f.D, &rd); err == nil {
					s.mu.Lock()
					s.sessionID = rd.SessionID
					s.resumeURL = rd.ResumeGatewayURL
					s.mu.Unlock()
				}
				reachedReady = true
				s.setState(StateReady)
				s.emit(Event{Kind: EventReady})
			case "RESUMED":
				reachedReady = true
				s.setState(StateReady)
				s.emit(Event{Kind: EventResumed})
			}
			e := Event{Kind: EventDispatch, Type: f.T, Data: f.D}
			if f.S != nil {
				e.Seq = *f.S
			}
			s.emit(e)

		case OpHeartbeat:
			if err := hb.beat(sctx); err != nil {
				return reachedReady, true, err
			}

		case OpHeartbeatAck:
			hb.ack()
			s.emit(Event{Kind: EventHeartbeat})

		case OpReconnect:
			conn.Close(websocket.StatusCode(4000), "reconnect requested")
			return reachedReady, true, errReconnect

		case OpInvalidSession:
			var canResume bool
			if err := json.Unmarshal(f.D, &canResume); err != nil {
				s.log.Printf("Shard %d got malformed invalid session payload %s: %v", s.cfg.ID, f.D, err)
				conn.Close(websocket.StatusCode(4000), "invalid session")
				return reachedReady, false, fmt.Errorf("invalid session with malformed payload %s: %w", f.D, err)
			}
			conn.Close(websocket.StatusCode(4000), "invalid session")
			return reachedReady, canResume, fmt.Errorf("invalid session (resumable=%t)", canResume)
		}
	}
}

func (s *Shard) sendIdentify(ctx context.Context, conn *websocket.Conn) error {
	if s.cfg.BeforeIdentify != nil {
		if err := s.cfg.BeforeIdentify(ctx); err != nil {
			return err
		}
	}
	d, err := json.Marshal(identifyData{
		Token:   s.cfg.Token,
		Intents: s.cfg.Intents,
		Shard:   [2]int{s.cfg.ID, s.cfg.Count},
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "conduit",
			Device:  "conduit",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode identify: %w", err)
	}
	if err := wsjson.Write(ctx, conn, Frame{Op: OpIdentify, D: d}); err != nil {
		return fmt.Errorf("failed to send identify: %w", err)
	}
	return nil
}

func (s *Shard) sendResume(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	d, err := json.Marshal(resumeData{
		Token:     s.cfg.Token,
		SessionID: sessionID,
		Seq:       s.seq.Load(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode resume: %w", err)
	}
	if err := wsjson.Write(ctx, conn, Frame{Op: OpResume, D: d}); err != nil {
		return fmt.Errorf("failed to send resume: %w", err)
	}
	return nil
}

func (s *Shard) currentSession() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.resumeURL
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.seq.Store(0)
}

func (s *Shard) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.log.Event("shard_state", map[string]interface{}{"state": st.String()})
	}
}

func (s *Shard) emit(e Event) {
	e.ShardID = s.cfg.ID
	if s.events.push(e) {
		s.log.Printf("Shard %d event queue full, dropped oldest", s.cfg.ID)
	}
}

// heartbeater sends heartbeats on the upstream interval and detects a
// connection that stopped acknowledging them.
type heartbeater struct {
	shard    *Shard
	conn     *websocket.Conn
	interval time.Duration

	acked  atomic.Bool
	zombie atomic.Bool
}

func newHeartbeater(s *Shard, conn *websocket.Conn, interval time.Duration) *heartbeater {
	hb := &heartbeater{shard: s, conn: conn, interval: interval}
	hb.acked.Store(true)
	return hb
}

func (hb *heartbeater) run(ctx context.Context) {
	// The first beat is jittered so a fleet of shards does not beat in step.
	t := time.NewTimer(time.Duration(rand.Float64() * float64(hb.interval)))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if !hb.acked.Load() {
			hb.zombie.Store(true)
			hb.conn.Close(websocket.StatusCode(4000), "heartbeat ack missing")
			return
		}
		if err := hb.beat(ctx); err != nil {
			return
		}
		t.Reset(hb.interval)
	}
}

func (hb *heartbeater) beat(ctx context.Context) error {
	var d *int64
	if seq := hb.shard.seq.Load(); seq > 0 {
		d = &seq
	}
	hb.acked.Store(false)
	if err := wsjson.Write(ctx, hb.conn, heartbeatFrame{Op: OpHeartbeat, D: d}); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

func (hb *heartbeater) ack() {
	hb.acked.Store(true)
}

func (hb *heartbeater) zombied() bool {
	return hb.zombie.Load()
}

// gatewayURL adds the protocol version and encoding to a gateway endpoint.
func gatewayURL(raw string) (string, error) {
	if strings.HasPrefix(raw, "http://") {
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	} else if strings.HasPrefix(raw, "https://") {
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", raw, err)
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", "10")
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
