package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"quizsync/internal/app"
	"quizsync/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionRepository.
type SessionStore struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*app.Session
	pins     map[string]int64
	newPIN   func() string
}

// StoreOption customises a SessionStore.
type StoreOption func(*SessionStore)

// WithPINSource replaces the random PIN generator.
func WithPINSource(next func() string) StoreOption {
	return func(s *SessionStore) { s.newPIN = next }
}

func NewSessionStore(opts ...StoreOption) *SessionStore {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := &SessionStore{
		sessions: make(map[int64]*app.Session),
		pins:     make(map[string]int64),
		newPIN:   func() string { return app.NewPIN(rng) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) Create(_ context.Context, quiz domain.Quiz) (*app.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pin := ""
	for i := 0; i < app.MaxPINAttempts; i++ {
		candidate := s.newPIN()
		if _, taken := s.pins[candidate]; !taken {
			pin = candidate
			break
		}
	}
	if pin == "" {
		return nil, fmt.Errorf("no free PIN after %d attempts", app.MaxPINAttempts)
	}
	s.nextID++
	session := app.NewSession(s.nextID, pin, quiz)
	s.sessions[s.nextID] = session
	s.pins[pin] = s.nextID
	return session, nil
}

func (s *SessionStore) Get(id int64) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *SessionStore) ByPIN(pin string) (*app.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pins[pin]
	if !ok {
		return nil, false
	}
	session, ok := s.sessions[id]
	return session, ok
}

func (s *SessionStore) ReleasePIN(_ context.Context, pin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, pin)
}

// DeleteIfDone drops a completed session once its last member has gone.
func (s *SessionStore) DeleteIfDone(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return
	}
	if session.IsEmpty() && session.Info().Status == domain.StatusCompleted {
		delete(s.sessions, id)
	}
}
