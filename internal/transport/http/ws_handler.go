package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"quizsync/internal/app"
	"quizsync/internal/domain"
	"quizsync/internal/protocol"
)

// WSHandler serves the session protocol over WebSocket: invoke frames are
// dispatched to the SessionService and answered with an ack; session events
// are forwarded as event frames.
type WSHandler struct {
	service      *app.SessionService
	upgrader     websocket.Upgrader
	logger       *zap.Logger
	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
}

// WSOption customises a WSHandler.
type WSOption func(*WSHandler)

func WithLogger(logger *zap.Logger) WSOption {
	return func(h *WSHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithKeepAlive sets how often the server pings and how long it waits for a pong.
func WithKeepAlive(pingInterval, pongWait time.Duration) WSOption {
	return func(h *WSHandler) {
		h.pingInterval = pingInterval
		h.pongWait = pongWait
	}
}

func NewWSHandler(service *app.SessionService, opts ...WSOption) *WSHandler {
	h := &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:       zap.NewNop(),
		pingInterval: 15 * time.Second,
		pongWait:     45 * time.Second,
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pongWait <= h.pingInterval {
		h.pongWait = 3 * h.pingInterval
	}
	return h
}

// binding is what a connection has joined as. At most one per connection;
// a second join replaces the first.
type binding struct {
	sessionID     int64
	participantID int64
	host          bool
	member        *app.Member
}

type wsConn struct {
	h      *WSHandler
	conn   *websocket.Conn
	ctx    context.Context
	logger *zap.Logger

	send       chan protocol.Frame
	closing    chan struct{}
	writerDone chan struct{}
	forwarders sync.WaitGroup

	mu    sync.Mutex
	bound *binding
}

// ServeWS upgrades HTTP requests to websockets and wires them into the session use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &wsConn{
		h:          h,
		conn:       conn,
		ctx:        r.Context(),
		logger:     h.logger.With(zap.String("remote", r.RemoteAddr)),
		send:       make(chan protocol.Frame, 32),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	conn.SetReadLimit(protocol.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	go c.writeLoop()
	c.readLoop()

	close(c.closing)
	c.unbind()
	c.forwarders.Wait()
	close(c.send)
	<-c.writerDone
}

// writeLoop is the only goroutine writing to the socket.
func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.writeTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Debug("ws write error", zap.Error(err))
				_ = c.conn.Close()
				c.discard()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.writeTimeout)); err != nil {
				_ = c.conn.Close()
				c.discard()
				return
			}
		}
	}
}

// discard drains send after a write failure so producers never block.
func (c *wsConn) discard() {
	go func() {
		for range c.send {
		}
	}()
}

func (c *wsConn) enqueue(f protocol.Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.closing:
		return false
	}
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ws read error", zap.Error(err))
			}
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Kind != protocol.KindInvoke {
			continue
		}
		result, callErr := c.dispatch(frame)
		if callErr != nil {
			c.logger.Debug("invoke rejected", zap.String("method", frame.Type), zap.Error(callErr))
		}
		ack, err := protocol.NewAck(frame.ID, result, callErr)
		if err != nil {
			ack, _ = protocol.NewAck(frame.ID, nil, err)
		}
		if !c.enqueue(ack) {
			return
		}
	}
}

func (c *wsConn) dispatch(f protocol.Frame) (any, error) {
	switch f.Type {
	case protocol.MethodJoinAsHost:
		args, err := protocol.DecodePayload[protocol.JoinAsHostArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		return c.joinHost(args)
	case protocol.MethodJoinAsParticipant:
		args, err := protocol.DecodePayload[protocol.JoinAsParticipantArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		return nil, c.joinParticipant(args)
	case protocol.MethodStartQuestion:
		args, err := protocol.DecodePayload[protocol.QuestionArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		if err := c.requireHost(args.SessionID); err != nil {
			return nil, err
		}
		return nil, c.h.service.StartQuestion(c.ctx, args.SessionID, args.QuestionID)
	case protocol.MethodEndQuestion:
		args, err := protocol.DecodePayload[protocol.QuestionArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		if err := c.requireHost(args.SessionID); err != nil {
			return nil, err
		}
		return c.h.service.EndQuestion(c.ctx, args.SessionID, args.QuestionID)
	case protocol.MethodEndQuiz:
		args, err := protocol.DecodePayload[protocol.EndQuizArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		if err := c.requireHost(args.SessionID); err != nil {
			return nil, err
		}
		return nil, c.h.service.EndQuiz(c.ctx, args.SessionID)
	case protocol.MethodSubmitAnswer:
		args, err := protocol.DecodePayload[protocol.SubmitAnswerArgs](f.Payload)
		if err != nil {
			return nil, err
		}
		b := c.current()
		if b == nil || b.host {
			return nil, fmt.Errorf("%w: join as a participant first", domain.ErrInvalidState)
		}
		return nil, c.h.service.SubmitAnswer(c.ctx, b.sessionID, b.participantID, args)
	default:
		return nil, fmt.Errorf("unknown method %q", f.Type)
	}
}

func (c *wsConn) joinHost(args protocol.JoinAsHostArgs) (domain.Session, error) {
	m, err := c.h.service.JoinHost(c.ctx, args.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	c.bind(&binding{sessionID: args.SessionID, host: true, member: m})
	c.logger.Info("host joined", zap.Int64("session_id", args.SessionID))
	return c.h.service.Session(c.ctx, args.SessionID)
}

// joinParticipant reports the outcome through QuizInfo or JoinError events;
// the invocation itself succeeds either way.
func (c *wsConn) joinParticipant(args protocol.JoinAsParticipantArgs) error {
	m, info, err := c.h.service.JoinParticipant(c.ctx, args.PIN, args.Name, args.ParticipantID)
	if err != nil {
		ev, encErr := protocol.NewEvent(protocol.EventJoinError, protocol.JoinError{Message: joinErrorMessage(err)})
		if encErr != nil {
			return encErr
		}
		c.enqueue(ev)
		return nil
	}
	ev, err := protocol.NewEvent(protocol.EventQuizInfo, info)
	if err != nil {
		m.Cancel()
		return err
	}
	// QuizInfo goes out before anything already queued for the member
	c.enqueue(ev)
	c.bind(&binding{sessionID: info.SessionID, participantID: info.ParticipantID, member: m})
	return nil
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return "Quiz session not found"
	case errors.Is(err, domain.ErrSessionNotActive):
		return "Quiz session is not active"
	case errors.Is(err, domain.ErrSessionEnded):
		return "Quiz session has ended"
	case errors.Is(err, domain.ErrNameRequired):
		return "A display name is required"
	}
	return err.Error()
}

func (c *wsConn) requireHost(sessionID int64) error {
	b := c.current()
	if b == nil || !b.host || b.sessionID != sessionID {
		return fmt.Errorf("%w: join as host of session %d first", domain.ErrInvalidState, sessionID)
	}
	return nil
}

func (c *wsConn) current() *binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

func (c *wsConn) bind(b *binding) {
	c.unbindFor(b)
	c.mu.Lock()
	c.bound = b
	c.mu.Unlock()
	c.forwarders.Add(1)
	go c.forward(b)
}

func (c *wsConn) unbind() {
	c.unbindFor(nil)
}

// unbindFor drops the current binding before next replaces it. A rejoin as
// the same participant keeps the participant listed.
func (c *wsConn) unbindFor(next *binding) {
	c.mu.Lock()
	b := c.bound
	c.bound = nil
	c.mu.Unlock()
	if b == nil {
		return
	}
	b.member.Cancel()
	resumed := next != nil && !next.host && next.sessionID == b.sessionID && next.participantID == b.participantID
	if !b.host && !resumed {
		c.h.service.Leave(c.ctx, b.sessionID, b.member)
	}
	c.h.service.Disconnect(c.ctx, b.sessionID)
}

// forward relays member events until the member is cancelled. A member the
// session dropped for falling behind closes the connection so the client
// reconnects and resynchronizes.
func (c *wsConn) forward(b *binding) {
	defer c.forwarders.Done()
	for ev := range b.member.Events() {
		f, err := protocol.NewEvent(ev.Name, ev.Payload)
		if err != nil {
			c.logger.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
			continue
		}
		if !c.enqueue(f) {
			return
		}
	}
	if c.current() == b {
		c.logger.Warn("subscriber fell behind; closing connection", zap.Int64("session_id", b.sessionID))
		_ = c.conn.Close()
	}
}
