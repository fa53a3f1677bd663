package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const (
	readTimeout    = 90 * time.Second // silent server triggers reconnect
	writeTimeout   = 10 * time.Second
	maxIDsPerFrame = 100 // venue frame-size limit for subscribe batches

	backoffBase   = time.Second
	backoffFactor = 2
	backoffJitter = 0.20 // ±20%
	backoffCap    = 30 * time.Second

	maxAttempts   = 10              // per rolling attemptWindow, then ERROR
	attemptWindow = 5 * time.Minute

	parseWindow   = 1000 // messages tracked for the parse-error ratio
	parseWarmup   = 100  // minimum samples before the ratio can trip
	parseErrRatio = 0.10
)

// Sink receives every normalized price update a client parses.
// In production this is the price cache's Put.
type Sink func(types.PriceUpdate)

// Conn is the shared connection core. Concrete venue clients wrap a Conn with
// their Protocol and REST discovery; everything socket-shaped lives here.
type Conn struct {
	venue      types.Venue
	url        string
	pingPeriod time.Duration
	proto      Protocol
	sink       Sink
	logger     *slog.Logger

	mu            sync.Mutex
	state         types.ConnState
	lastMessageAt time.Time
	errMsg        string
	handlers      []StateHandler
	attempts      []time.Time // reconnect attempts within the rolling window
	cancel        context.CancelFunc
	done          chan struct{}

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	connMu sync.Mutex
	conn   *websocket.Conn

	parseTrack *ratioTracker
}

// NewConn creates the connection core for one venue. An empty url puts the
// client in DISABLED: Connect becomes a no-op until the process is
// reconfigured and restarted.
func NewConn(v types.Venue, url string, pingPeriod time.Duration, proto Protocol, sink Sink, logger *slog.Logger) *Conn {
	state := types.ConnIdle
	if url == "" {
		state = types.ConnDisabled
	}
	return &Conn{
		venue:      v,
		url:        url,
		pingPeriod: pingPeriod,
		proto:      proto,
		sink:       sink,
		logger:     logger.With("component", "stream", "venue", string(v)),
		state:      state,
		subscribed: make(map[string]bool),
		parseTrack: newRatioTracker(parseWindow, parseWarmup, parseErrRatio),
	}
}

// Venue returns the venue this connection serves.
func (c *Conn) Venue() types.Venue { return c.venue }

// Connect starts the maintenance loop in the background.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.state == types.ConnDisabled {
		c.mu.Unlock()
		c.logger.Info("venue disabled, not connecting")
		return nil
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil // already running
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Disconnect stops the loop and settles in IDLE. Pending subscriptions are
// dropped from in-memory state; a later Connect starts from an empty set.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.closeSocket()
	<-done

	c.subscribedMu.Lock()
	c.subscribed = make(map[string]bool)
	c.subscribedMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues(string(c.venue)).Set(0)

	c.setState(types.ConnIdle, "")
}

// SubscribeMarkets adds ids to the tracked set and, when connected, sends
// subscribe frames for the ids that weren't already present.
func (c *Conn) SubscribeMarkets(ids []string) error {
	fresh := make([]string, 0, len(ids))
	c.subscribedMu.Lock()
	for _, id := range ids {
		if !c.subscribed[id] {
			c.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	count := len(c.subscribed)
	c.subscribedMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues(string(c.venue)).Set(float64(count))

	if len(fresh) == 0 || c.Status().State != types.ConnConnected {
		return nil
	}
	return c.sendBatched(fresh, c.proto.SubscribeFrame)
}

// UnsubscribeMarkets removes ids from the tracked set and, when connected,
// sends unsubscribe frames for the ids that were present.
func (c *Conn) UnsubscribeMarkets(ids []string) error {
	removed := make([]string, 0, len(ids))
	c.subscribedMu.Lock()
	for _, id := range ids {
		if c.subscribed[id] {
			delete(c.subscribed, id)
			removed = append(removed, id)
		}
	}
	count := len(c.subscribed)
	c.subscribedMu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues(string(c.venue)).Set(float64(count))

	if len(removed) == 0 || c.Status().State != types.ConnConnected {
		return nil
	}
	return c.sendBatched(removed, c.proto.UnsubscribeFrame)
}

// Status returns the externally-observable connection state.
func (c *Conn) Status() types.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribedMu.RLock()
	count := len(c.subscribed)
	c.subscribedMu.RUnlock()
	return types.ConnectionStatus{
		State:           c.state,
		LastMessageAt:   c.lastMessageAt,
		SubscribedCount: count,
		ErrorMessage:    c.errMsg,
	}
}

// OnStateChange registers a transition observer.
func (c *Conn) OnStateChange(h StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// run maintains the connection until ctx is cancelled: dial, re-subscribe,
// read, and reconnect with exponential backoff on failure.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	backoff := backoffBase
	for {
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		metrics.StreamReconnects.WithLabelValues(string(c.venue)).Inc()
		if !c.recordAttempt() {
			c.setState(types.ConnError, fmt.Sprintf("gave up after %d reconnect attempts in %s: %v", maxAttempts, attemptWindow, err))
			c.logger.Error("reconnect budget exhausted", "error", err)
			return
		}

		wait := withJitter(backoff)
		c.setState(types.ConnReconnecting, err.Error())
		c.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff *= backoffFactor
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

func (c *Conn) connectAndRead(ctx context.Context) error {
	c.setState(types.ConnConnecting, "")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeSocket()

	// Re-apply the full subscription set BEFORE any price parsing so updates
	// for tracked markets can't be missed across a reconnect.
	if err := c.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	c.setState(types.ConnConnected, "")
	c.parseTrack.reset()
	c.logger.Info("stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx)

	return c.readLoop(ctx, conn)
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		c.mu.Lock()
		c.lastMessageAt = time.Now()
		c.mu.Unlock()

		inbound, err := c.proto.Parse(msg)
		if err != nil {
			metrics.StreamParseErrors.WithLabelValues(string(c.venue)).Inc()
			if c.parseTrack.record(true) {
				c.setState(types.ConnError, "parse error ratio exceeded")
				return fmt.Errorf("parse error ratio exceeded (last: %w)", err)
			}
			continue
		}
		c.parseTrack.record(false)

		if inbound.Kind == InboundPrices {
			for _, u := range inbound.Updates {
				c.sink(u)
			}
		}
	}
}

func (c *Conn) resubscribeAll() error {
	c.subscribedMu.RLock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return c.sendBatched(ids, c.proto.SubscribeFrame)
}

func (c *Conn) sendBatched(ids []string, frame func([]string) any) error {
	for start := 0; start < len(ids); start += maxIDsPerFrame {
		end := start + maxIDsPerFrame
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.writeJSON(frame(ids[start:end])); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) pingLoop(ctx context.Context) {
	if c.pingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if frame := c.proto.PingFrame(); frame != nil {
				err = c.writeJSON(frame)
			} else {
				err = c.writeControl(websocket.PingMessage)
			}
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Conn) writeControl(msgType int) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteControl(msgType, nil, time.Now().Add(writeTimeout))
}

func (c *Conn) closeSocket() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// recordAttempt notes one reconnect attempt and reports whether the budget
// within the rolling window still allows another try.
func (c *Conn) recordAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-attemptWindow)
	kept := c.attempts[:0]
	for _, t := range c.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.attempts = append(kept, time.Now())
	return len(c.attempts) <= maxAttempts
}

func (c *Conn) setState(to types.ConnState, errMsg string) {
	c.mu.Lock()
	from := c.state
	if from == to && errMsg == c.errMsg {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.errMsg = errMsg
	handlers := c.handlers
	c.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerPanics.Inc()
				}
			}()
			h(c.venue, from, to)
		}()
	}
}

func withJitter(d time.Duration) time.Duration {
	f := 1 - backoffJitter + 2*backoffJitter*rand.Float64()
	return time.Duration(float64(d) * f)
}

// ratioTracker watches the error ratio over a sliding window of outcomes.
type ratioTracker struct {
	mu     sync.Mutex
	ring   []bool
	next   int
	filled int
	errs   int
	warmup int
	limit  float64
}

func newRatioTracker(size, warmup int, limit float64) *ratioTracker {
	return &ratioTracker{ring: make([]bool, size), warmup: warmup, limit: limit}
}

// record adds one outcome and reports whether the error ratio now exceeds the
// limit (only after the warmup sample count is reached).
func (r *ratioTracker) record(isErr bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) {
		if r.ring[r.next] {
			r.errs--
		}
	} else {
		r.filled++
	}
	r.ring[r.next] = isErr
	if isErr {
		r.errs++
	}
	r.next = (r.next + 1) % len(r.ring)

	if r.filled < r.warmup {
		return false
	}
	return float64(r.errs)/float64(r.filled) > r.limit
}

func (r *ratioTracker) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next, r.filled, r.errs = 0, 0, 0
}
