// Package wstest provides an in-memory ws.Conn for controller tests.
package wstest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"quizsync/internal/domain"
	"quizsync/internal/protocol"
	"quizsync/internal/transport/ws"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   json.RawMessage
}

// Responder answers an invocation. A non-nil error is returned from Invoke as is.
type Responder func(call Call) (any, error)

// Transport is a scriptable ws.Conn. Events are delivered synchronously on the
// goroutine that calls Emit.
type Transport struct {
	mu         sync.Mutex
	state      ws.State
	connectErr error
	calls      []Call
	responders map[string]Responder
	handlers   map[string][]*entry
	states     []*stateEntry
	nextID     int
}

type entry struct {
	id int
	fn func(json.RawMessage)
}

type stateEntry struct {
	id int
	fn func(prev, next ws.State)
}

// New returns a connected transport.
func New() *Transport {
	return &Transport{
		state:      ws.StateConnected,
		responders: make(map[string]Responder),
		handlers:   make(map[string][]*entry),
	}
}

// FailConnect makes the next Connect calls fail and leaves the transport in
// ConnectionFailed.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.state = ws.StateDisconnected
	t.mu.Unlock()
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	if t.state == ws.StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.connectErr != nil {
		err := &domain.ConnectionError{URL: "wstest://", Attempts: 1, Err: t.connectErr}
		t.mu.Unlock()
		t.SetState(ws.StateConnectionFailed)
		return err
	}
	t.mu.Unlock()
	t.SetState(ws.StateConnected)
	return nil
}

func (t *Transport) State() ws.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Respond installs the responder for method.
func (t *Transport) Respond(method string, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responders[method] = r
}

func (t *Transport) Invoke(_ context.Context, method string, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.state != ws.StateConnected {
		t.mu.Unlock()
		return nil, &domain.InvocationError{Method: method, Err: domain.ErrNotConnected}
	}
	call := Call{Method: method, Args: raw}
	t.calls = append(t.calls, call)
	r := t.responders[method]
	t.mu.Unlock()

	if r == nil {
		return nil, nil
	}
	result, err := r(call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

func (t *Transport) On(event string, handler func(json.RawMessage)) ws.Subscription {
	t.mu.Lock()
	t.nextID++
	e := &entry{id: t.nextID, fn: handler}
	t.handlers[event] = append(t.handlers[event], e)
	t.mu.Unlock()
	return ws.NewSubscription(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.handlers[event]
		for i, h := range list {
			if h.id == e.id {
				t.handlers[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	})
}

func (t *Transport) OnStateChange(handler func(prev, next ws.State)) ws.Subscription {
	t.mu.Lock()
	t.nextID++
	e := &stateEntry{id: t.nextID, fn: handler}
	t.states = append(t.states, e)
	t.mu.Unlock()
	return ws.NewSubscription(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, h := range t.states {
			if h.id == e.id {
				t.states = append(t.states[:i:i], t.states[i+1:]...)
				return
			}
		}
	})
}

// Emit delivers an event to every registered handler in order.
func (t *Transport) Emit(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("wstest: marshal %s: %v", event, err))
	}
	t.mu.Lock()
	list := append([]*entry(nil), t.handlers[event]...)
	t.mu.Unlock()
	for _, h := range list {
		h.fn(raw)
	}
}

// SetState moves the transport to next and notifies state handlers.
func (t *Transport) SetState(next ws.State) {
	t.mu.Lock()
	prev := t.state
	t.state = next
	list := append([]*stateEntry(nil), t.states...)
	t.mu.Unlock()
	if prev == next {
		return
	}
	for _, h := range list {
		h.fn(prev, next)
	}
}

// Drop simulates transient loss followed by a successful reconnect.
func (t *Transport) Drop() {
	t.SetState(ws.StateReconnecting)
}

// Restore completes a reconnect started by Drop.
func (t *Transport) Restore() {
	t.SetState(ws.StateConnected)
}

// Calls returns a copy of the recorded invocations.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the recorded invocations of method.
func (t *Transport) CallsTo(method string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Handlers reports how many handlers are registered for event.
func (t *Transport) Handlers(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers[event])
}

// Decode unmarshals a recorded call's arguments.
func Decode[T any](c Call) T {
	out, err := protocol.DecodePayload[T](c.Args)
	if err != nil {
		panic(fmt.Sprintf("wstest: decode %s: %v", c.Method, err))
	}
	return out
}

var _ ws.Conn = (*Transport)(nil)
