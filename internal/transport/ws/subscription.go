package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"quizsync/internal/protocol"
)

// Conn is the surface controllers depend on. *Client implements it; tests
// substitute wstest.Transport.
type Conn interface {
	Connect(ctx context.Context) error
	State() State
	Invoke(ctx context.Context, method string, args any) (json.RawMessage, error)
	On(event string, handler func(json.RawMessage)) Subscription
	OnStateChange(handler func(prev, next State)) Subscription
}

// Subscription is a registered handler. Dispose is idempotent and must be
// called when the owner goes away.
type Subscription interface {
	Dispose()
}

type disposer struct {
	once sync.Once
	fn   func()
}

func (d *disposer) Dispose() {
	d.once.Do(d.fn)
}

// NewSubscription wraps fn so it runs at most once.
func NewSubscription(fn func()) Subscription {
	return &disposer{fn: fn}
}

// Group owns a set of subscriptions scoped to one controller lifetime.
type Group struct {
	mu   sync.Mutex
	subs []Subscription
}

func (g *Group) Add(subs ...Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

// Dispose releases every subscription in reverse registration order.
func (g *Group) Dispose() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Dispose()
	}
}

// Len reports how many subscriptions are held.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Subscribe registers a typed handler for event. Payloads that fail to decode
// are logged and skipped.
func Subscribe[T any](conn Conn, event string, fn func(T)) Subscription {
	return conn.On(event, func(raw json.RawMessage) {
		payload, err := protocol.DecodePayload[T](raw)
		if err != nil {
			zap.L().Warn("dropping undecodable event", zap.String("event", event), zap.Error(err))
			return
		}
		fn(payload)
	})
}
