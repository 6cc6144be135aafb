package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"updown-trader/internal/core"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

var ErrNotConnected = errors.New("stream not connected")

var pingFrame = []byte("PING")

type Options struct {
	URL               string
	Keepalive         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	UpdateBuffer      int
	Dialer            *websocket.Dialer
}

// Stream keeps one market-data websocket alive and caches the latest top of
// book for every tracked token. The read loop is the only snapshot writer.
type Stream struct {
	opts Options
	now  func() time.Time

	state      atomic.Int32
	reconnects atomic.Int64
	dropped    atomic.Int64

	mu        sync.RWMutex
	tracked   map[string]struct{}
	snapshots map[string]core.Snapshot

	// connMu serializes writes and keeps the tracked set and the wire subscription in step.
	connMu sync.Mutex
	conn   *websocket.Conn

	updates chan core.Snapshot

	cbMu      sync.RWMutex
	callbacks []func(core.Snapshot)
}

func New(opts Options) *Stream {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	// A cap at or below the base delay keeps the reconnect delay fixed.
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Stream{
		opts:      opts,
		now:       time.Now,
		tracked:   make(map[string]struct{}),
		snapshots: make(map[string]core.Snapshot),
		updates:   make(chan core.Snapshot, opts.UpdateBuffer),
	}
}

func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) setState(st State) { s.state.Store(int32(st)) }

// Updates delivers snapshot changes. Sends never block; when the buffer is full
// the update is dropped and counted, and Snapshot still returns the latest value.
func (s *Stream) Updates() <-chan core.Snapshot { return s.updates }

func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) Reconnects() int64 { return s.reconnects.Load() }

// OnUpdate registers a callback run on the read loop. A panicking callback is
// recovered and does not affect other callbacks.
func (s *Stream) OnUpdate(fn func(core.Snapshot)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.cbMu.Unlock()
}

func (s *Stream) Snapshot(tokenID string) (core.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[tokenID]
	return snap, ok
}

func (s *Stream) Tracked() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscribe tracks ids not seen before. When connected, only the new ids are
// sent; otherwise they go out with the full set on the next connect.
func (s *Stream) Subscribe(ids ...string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	fresh := s.track(ids)
	if len(fresh) == 0 || s.conn == nil {
		return nil
	}
	if err := s.writeJSONLocked(subscribeMessage{AssetIDs: fresh, Operation: "subscribe"}); err != nil {
		log.Printf("level=WARN event=stream_subscribe_failed ids=%d err=%q", len(fresh), err.Error())
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Printf("level=INFO event=stream_subscribed ids=%d", len(fresh))
	return nil
}

// Unsubscribe stops tracking ids. They are dropped from the wire subscription on the next connect.
func (s *Stream) Unsubscribe(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.tracked, id)
		delete(s.snapshots, id)
	}
	s.mu.Unlock()
}

func (s *Stream) track(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.tracked[id]; ok {
			continue
		}
		s.tracked[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

func (s *Stream) isTracked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tracked[id]
	return ok
}

// Run keeps the connection alive until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.opts.ReconnectDelay
	for {
		s.setState(StateConnecting)
		connected, err := s.runOnce(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = s.opts.ReconnectDelay
		}
		s.reconnects.Add(1)
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		log.Printf("level=WARN event=stream_disconnected reason=%q retry_in=%s", reason, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = s.nextDelay(delay)
	}
}

// nextDelay doubles the reconnect delay up to MaxReconnectDelay.
func (s *Stream) nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > s.opts.MaxReconnectDelay {
		return s.opts.MaxReconnectDelay
	}
	return delay
}

// runOnce reports whether the dial succeeded along with the error that ended the session.
func (s *Stream) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	readTimeout := s.opts.Keepalive * 3
	if readTimeout < 30*time.Second {
		readTimeout = 30 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := s.attach(conn); err != nil {
		s.detach()
		return true, err
	}
	defer s.detach()
	s.setState(StateConnected)
	log.Printf("level=INFO event=stream_connected url=%q tracked=%d", s.opts.URL, len(s.Tracked()))

	done := make(chan struct{})
	defer close(done)
	errCh := make(chan error, 1)
	go s.keepalive(ctx, conn, done, errCh)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case kerr := <-errCh:
				return true, kerr
			default:
			}
			return true, err
		}
		s.handleMessage(data)
	}
}

// attach publishes conn for writers and sends one subscription with every tracked id.
func (s *Stream) attach(conn *websocket.Conn) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
	ids := s.Tracked()
	if len(ids) == 0 {
		return nil
	}
	return s.writeJSONLocked(subscribeMessage{AssetIDs: ids, Type: "market"})
}

func (s *Stream) detach() {
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()
}

func (s *Stream) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}, errCh chan<- error) {
	ticker := time.NewTicker(s.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.connMu.Lock()
			var err error
			if s.conn == conn {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err = conn.WriteMessage(websocket.TextMessage, pingFrame)
			}
			s.connMu.Unlock()
			if err != nil {
				select {
				case errCh <- fmt.Errorf("keepalive: %w", err):
				default:
				}
				_ = conn.Close()
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Stream) writeJSONLocked(v any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *Stream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.EqualFold(trimmed, []byte("PONG")) {
		return
	}
	events, err := decodeFrame(trimmed)
	if err != nil {
		log.Printf("level=WARN event=stream_decode_failed err=%q", err.Error())
		return
	}
	for _, ev := range events {
		for _, q := range quotesFromEvent(ev) {
			if snap, ok := s.apply(q); ok {
				s.publish(snap)
			}
		}
	}
}

// apply folds q into the cached snapshot. Book-derived quotes always win; a
// trade print only seeds bid/ask while no real spread is known.
func (s *Stream) apply(q quote) (core.Snapshot, bool) {
	if !s.isTracked(q.tokenID) {
		return core.Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[q.tokenID]
	if !ok {
		snap = core.Snapshot{TokenID: q.tokenID}
	}
	switch {
	case q.authoritative:
		snap.BestBid = q.bid
		snap.BestAsk = q.ask
	case q.hasTrade:
		snap.LastTrade = q.lastTrade
		if !core.RealSpread(snap.BestBid, snap.BestAsk) {
			snap.BestBid = q.lastTrade
			snap.BestAsk = q.lastTrade
		}
	default:
		return core.Snapshot{}, false
	}
	snap.UpdatedAt = s.now()
	s.snapshots[q.tokenID] = snap
	return snap, true
}

func (s *Stream) publish(snap core.Snapshot) {
	select {
	case s.updates <- snap:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("level=WARN event=stream_updates_dropped total=%d", n)
		}
	}
	s.cbMu.RLock()
	callbacks := append([]func(core.Snapshot){}, s.callbacks...)
	s.cbMu.RUnlock()
	for _, fn := range callbacks {
		runCallback(fn, snap)
	}
}

func runCallback(fn func(core.Snapshot), snap core.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=ERROR event=stream_callback_panic token=%q panic=%q", snap.TokenID, fmt.Sprint(r))
		}
	}()
	fn(snap)
}
