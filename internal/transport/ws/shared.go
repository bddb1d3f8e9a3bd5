package ws

import (
	"sync"

	"go.uber.org/zap"
)

// Shared hands out leases on one lazily created Client. The client is built on
// the first Acquire and closed when the last lease is released, so every
// logical caller in a process shares a single connection.
type Shared struct {
	cfg    Config
	opts   []Option
	logger *zap.Logger

	mu     sync.Mutex
	client *Client
	refs   int
}

// NewShared prepares a shared handle; no connection is made yet.
func NewShared(cfg Config, opts ...Option) *Shared {
	return &Shared{cfg: cfg, opts: opts, logger: zap.L()}
}

// Lease is one caller's reference to the shared client.
type Lease struct {
	owner  *Shared
	client *Client
	once   sync.Once
}

// Acquire returns a lease, creating the client if this is the first reference.
// The caller still calls Connect; concurrent Connect calls share one attempt.
func (s *Shared) Acquire() *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = NewClient(s.cfg, s.opts...)
	}
	s.refs++
	return &Lease{owner: s, client: s.client}
}

// Refs reports the number of outstanding leases.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Client returns the leased client.
func (l *Lease) Client() *Client {
	return l.client
}

// Release drops this reference. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.owner.release(l.client)
	})
}

func (s *Shared) release(client *Client) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.refs = 0
	s.mu.Unlock()

	if err := client.Close(); err != nil {
		s.logger.Debug("closing shared ws client", zap.Error(err))
	}
}
