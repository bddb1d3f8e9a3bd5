package redis

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"quizsync/internal/app"
	"quizsync/internal/domain"
)

// SessionStore is a Redis-aware implementation of app.SessionRepository.
// Live sessions and their subscribers stay in process; Redis allocates session
// ids, reserves PINs across instances and carries a liveness marker per session.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	newPIN func() string

	mu       sync.RWMutex
	sessions map[int64]*app.Session
	pins     map[string]int64
}

func NewSessionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &SessionStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		newPIN: func() string {
			rngMu.Lock()
			defer rngMu.Unlock()
			return app.NewPIN(rng)
		},
		sessions: make(map[int64]*app.Session),
		pins:     make(map[string]int64),
	}
}

func (s *SessionStore) Create(ctx context.Context, quiz domain.Quiz) (*app.Session, error) {
	id, err := s.client.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate session id: %w", err)
	}
	pin, err := s.reservePIN(ctx, id)
	if err != nil {
		return nil, err
	}

	session := app.NewSession(id, pin, quiz)
	s.mu.Lock()
	s.sessions[id] = session
	s.pins[pin] = id
	s.mu.Unlock()

	if err := s.client.Set(ctx, sessionKey(id), string(domain.StatusCreated), s.ttl).Err(); err != nil {
		s.logger.Warn("session liveness marker not written", zap.Int64("session_id", id), zap.Error(err))
	}
	return session, nil
}

func (s *SessionStore) reservePIN(ctx context.Context, id int64) (string, error) {
	for i := 0; i < app.MaxPINAttempts; i++ {
		pin := s.newPIN()
		ok, err := s.client.SetNX(ctx, pinKey(pin), id, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("reserve pin: %w", err)
		}
		if ok {
			return pin, nil
		}
	}
	return "", fmt.Errorf("no free PIN after %d attempts", app.MaxPINAttempts)
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

// ReleasePIN frees pin locally and in Redis and marks the session completed.
func (s *SessionStore) ReleasePIN(ctx context.Context, pin string) {
	s.mu.Lock()
	id, ok := s.pins[pin]
	delete(s.pins, pin)
	s.mu.Unlock()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, pinKey(pin))
	if ok {
		pipe.Set(ctx, sessionKey(id), string(domain.StatusCompleted), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("pin release failed", zap.String("pin", pin), zap.Error(err))
	}
}

// Resolve reports which session id holds pin across all instances.
func (s *SessionStore) Resolve(ctx context.Context, pin string) (int64, bool, error) {
	raw, err := s.client.Get(ctx, pinKey(pin)).Result()
	if isNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("pin %s holds %q: %w", pin, raw, err)
	}
	return id, true, nil
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
		_ = s.client.Del(context.Background(), sessionKey(id)).Err()
	}
}

const sequenceKey = "quizsync:session:seq"

func sessionKey(id int64) string {
	return "quizsync:session:" + strconv.FormatInt(id, 10)
}

func pinKey(pin string) string {
	return "quizsync:pin:" + pin
}
