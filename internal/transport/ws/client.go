package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/observability"
	"quizsync/internal/protocol"
)

// ErrClosed is returned by a connect attempt interrupted by Close.
var ErrClosed = errors.New("ws: client closed")

// Client owns one persistent WebSocket connection to the session server. It
// reconnects with backoff after transient loss, correlates invocations with
// their acknowledgements, and delivers server events to registered handlers on
// a single dispatch goroutine in arrival order.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	header http.Header
	logger *zap.Logger
	rng    *rand.Rand

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	connDone   chan struct{}
	generation uint64
	connecting *attempt
	cancelLoop context.CancelCauseFunc
	closed     bool
	pending    map[string]chan ack

	writeMu sync.Mutex

	subsMu        sync.Mutex
	nextSubID     uint64
	handlers      map[string][]*handlerEntry
	stateHandlers []*stateEntry

	mailbox *mailbox
}

type ack struct {
	payload json.RawMessage
	remote  string
	err     error
}

// attempt is one dial loop shared by every Connect caller that arrives while
// it runs. A Connect-started loop is cancelled only when its last waiter gives
// up; a reconnect loop has no cancel and outlives its waiters.
type attempt struct {
	done    chan struct{}
	err     error
	waiters int
	cancel  context.CancelCauseFunc
}

// await blocks until a finishes or ctx is done. The last waiter to leave a
// Connect-started loop stops it and reports the loop's outcome.
func (c *Client) await(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
	}
	c.mu.Lock()
	a.waiters--
	last := a.waiters == 0 && a.cancel != nil
	c.mu.Unlock()
	if !last {
		return ctx.Err()
	}
	a.cancel(ctx.Err())
	<-a.done
	return a.err
}

type handlerEntry struct {
	id     uint64
	fn     func(json.RawMessage)
	active atomic.Bool
}

type stateEntry struct {
	id     uint64
	fn     func(prev, next State)
	active atomic.Bool
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeader sets request headers sent on every dial, e.g. the origin session cookie.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// NewClient builds a disconnected client for cfg.URL.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:   zap.NewNop(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		state:    StateDisconnected,
		pending:  make(map[string]chan ack),
		handlers: make(map[string][]*handlerEntry),
		mailbox:  newMailbox(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the transport. It is a no-op when already connected and
// joins the in-flight attempt when one is running, so independent callers never
// create parallel connections. After the connect budget is exhausted the client
// rests in ConnectionFailed or ConnectionTimedOut and Connect returns a
// *domain.ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if a := c.connecting; a != nil {
		a.waiters++
		c.mu.Unlock()
		return c.await(ctx, a)
	}
	loopCtx, cancel := context.WithCancelCause(context.Background())
	a := &attempt{done: make(chan struct{}), waiters: 1, cancel: cancel}
	c.connecting = a
	c.cancelLoop = cancel
	c.closed = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	go func() {
		err := c.dialLoop(loopCtx, c.cfg.MaxConnectAttempts)
		cancel(nil)
		c.finishAttempt(a, err)
	}()
	return c.await(ctx, a)
}

// Close drops the connection and stops reconnecting. Pending invocations fail.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn, done := c.conn, c.connDone
	c.conn, c.connDone = nil, nil
	c.generation++
	pending := c.takePendingLocked()
	if c.cancelLoop != nil {
		c.cancelLoop(ErrClosed)
	}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	failPending(pending, ErrClosed)
	if conn == nil {
		return nil
	}
	close(done)
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// Invoke sends a method call and waits for the server acknowledgement. It fails
// fast with an *domain.InvocationError unless the client is Connected, and
// applies the configured invoke timeout when ctx has no earlier deadline. A
// caller that abandons the call must not assume the server did not apply it.
func (c *Client) Invoke(ctx context.Context, method string, args any) (json.RawMessage, error) {
	started := time.Now()
	id := uuid.NewString()
	frame, err := protocol.NewInvoke(id, method, args)
	if err != nil {
		return nil, &domain.InvocationError{Method: method, Err: err}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, &domain.InvocationError{Method: method, Err: err}
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		observability.RecordInvocation(method, "not_connected", 0)
		return nil, &domain.InvocationError{Method: method, Err: fmt.Errorf("%w (state %s)", domain.ErrNotConnected, state)}
	}
	conn := c.conn
	ch := make(chan ack, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if c.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
	}

	if err := c.write(conn, data); err != nil {
		c.dropPending(id)
		observability.RecordInvocation(method, "write_error", time.Since(started))
		return nil, &domain.InvocationError{Method: method, Err: err}
	}

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			observability.RecordInvocation(method, "lost", time.Since(started))
			return nil, &domain.InvocationError{Method: method, Err: res.err}
		case res.remote != "":
			observability.RecordInvocation(method, "rejected", time.Since(started))
			return nil, &domain.InvocationError{Method: method, Err: fmt.Errorf("%w: %s", domain.ErrRejected, res.remote)}
		}
		observability.RecordInvocation(method, "ok", time.Since(started))
		return res.payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrInvokeTimeout
		}
		observability.RecordInvocation(method, "timeout", time.Since(started))
		return nil, &domain.InvocationError{Method: method, Err: err}
	}
}

// On registers a handler for a server event. Handlers for the same event run
// in registration order; a panicking handler is logged and does not affect the
// others or later events.
func (c *Client) On(event string, handler func(json.RawMessage)) Subscription {
	c.subsMu.Lock()
	c.nextSubID++
	entry := &handlerEntry{id: c.nextSubID, fn: handler}
	entry.active.Store(true)
	c.handlers[event] = append(c.handlers[event], entry)
	c.subsMu.Unlock()

	return NewSubscription(func() {
		entry.active.Store(false)
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		list := c.handlers[event]
		for i, e := range list {
			if e.id == entry.id {
				c.handlers[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	})
}

// OnStateChange registers a callback for state transitions. Callbacks run on
// the dispatch goroutine, ordered with events.
func (c *Client) OnStateChange(handler func(prev, next State)) Subscription {
	c.subsMu.Lock()
	c.nextSubID++
	entry := &stateEntry{id: c.nextSubID, fn: handler}
	entry.active.Store(true)
	c.stateHandlers = append(c.stateHandlers, entry)
	c.subsMu.Unlock()

	return NewSubscription(func() {
		entry.active.Store(false)
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, e := range c.stateHandlers {
			if e.id == entry.id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				break
			}
		}
	})
}

// Drain blocks until every queued event and state callback has run. It must
// not be called from a handler.
func (c *Client) Drain() {
	c.mailbox.wait()
}

func (c *Client) dialLoop(ctx context.Context, maxAttempts int) error {
	var lastErr error
	timedOut := false
	attempts := 0
	for {
		attempts++
		conn, err := c.dial(ctx)
		if err == nil {
			if err := c.attach(conn); err != nil {
				return err
			}
			return nil
		}
		lastErr = err
		timedOut = isTimeout(err)
		c.logger.Warn("ws dial failed",
			zap.String("url", c.cfg.URL),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if c.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			timedOut = errors.Is(context.Cause(ctx), context.DeadlineExceeded)
			break
		}
		if maxAttempts > 0 && attempts >= maxAttempts {
			break
		}
		if err := c.sleepBackoff(ctx, attempts); err != nil {
			if c.isClosed() {
				return ErrClosed
			}
			timedOut = errors.Is(context.Cause(ctx), context.DeadlineExceeded)
			break
		}
	}

	c.mu.Lock()
	if !c.closed {
		if timedOut {
			c.setStateLocked(StateConnectionTimedOut)
		} else {
			c.setStateLocked(StateConnectionFailed)
		}
	}
	c.mu.Unlock()
	return &domain.ConnectionError{URL: c.cfg.URL, Attempts: attempts, Err: lastErr}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.generation++
	gen := c.generation
	done := make(chan struct{})
	c.conn = conn
	c.connDone = done
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("ws connected", zap.String("url", c.cfg.URL), zap.Uint64("generation", gen))
	go c.readLoop(conn, gen)
	go c.pingLoop(conn, done)
	return nil
}

func (c *Client) finishAttempt(a *attempt, err error) {
	c.mu.Lock()
	if c.connecting == a {
		c.connecting = nil
		c.cancelLoop = nil
	}
	c.mu.Unlock()
	a.err = err
	close(a.done)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	conn.SetReadLimit(protocol.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleLoss(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("ws dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Kind {
		case protocol.KindAck:
			c.resolve(frame)
		case protocol.KindEvent:
			event, payload := frame.Type, frame.Payload
			c.mailbox.push(func() { c.dispatch(event, payload) })
		default:
			c.logger.Warn("ws unexpected frame kind", zap.String("kind", frame.Kind))
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleLoss tears down a dropped connection and starts reconnecting unless the
// client was closed. Stale generations are ignored.
func (c *Client) handleLoss(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, done := c.conn, c.connDone
	c.conn, c.connDone = nil, nil
	pending := c.takePendingLocked()
	a := &attempt{done: make(chan struct{})}
	loopCtx, cancel := context.WithCancelCause(context.Background())
	c.connecting = a
	c.cancelLoop = cancel
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	close(done)
	_ = conn.Close()
	failPending(pending, domain.ErrConnectionLost)
	c.logger.Warn("ws connection lost", zap.Uint64("generation", gen), zap.Error(cause))

	go func() {
		err := c.dialLoop(loopCtx, c.cfg.MaxReconnectAttempts)
		cancel(nil)
		if err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Error("ws reconnect gave up", zap.Error(err))
		}
		c.finishAttempt(a, err)
	}()
}

func (c *Client) resolve(frame protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- ack{payload: frame.Payload, remote: frame.Error}
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.subsMu.Lock()
	entries := append([]*handlerEntry(nil), c.handlers[event]...)
	c.subsMu.Unlock()

	observability.RecordEventDispatched(event)
	for _, e := range entries {
		if !e.active.Load() {
			continue
		}
		c.safeCall(event, func() { e.fn(payload) })
	}
}

func (c *Client) notifyState(prev, next State) {
	c.subsMu.Lock()
	entries := append([]*stateEntry(nil), c.stateHandlers...)
	c.subsMu.Unlock()

	for _, e := range entries {
		if !e.active.Load() {
			continue
		}
		c.safeCall("state:"+next.String(), func() { e.fn(prev, next) })
	}
}

func (c *Client) safeCall(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordHandlerPanic(label)
			c.logger.Error("ws handler panicked", zap.String("event", label), zap.Any("panic", r))
		}
	}()
	fn()
}

func (c *Client) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	observability.RecordStateTransition(next.String())
	c.mailbox.push(func() { c.notifyState(prev, next) })
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) takePendingLocked() map[string]chan ack {
	pending := c.pending
	c.pending = make(map[string]chan ack)
	return pending
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func failPending(pending map[string]chan ack, err error) {
	for _, ch := range pending {
		ch <- ack{err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
