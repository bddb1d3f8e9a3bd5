// Package participant implements one respondent's view of a quiz session:
// the join handshake, exactly-once answer submission, result delivery, and
// the self-paced and fallback flows.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/fallback"
	"quizsync/internal/observability"
	"quizsync/internal/protocol"
	"quizsync/internal/transport/ws"
)

// State is the participant lifecycle.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateWaitingForQuestion
	StateAnswering
	StateWaitingForResults
	StateSessionEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateJoining:
		return "Joining"
	case StateWaitingForQuestion:
		return "WaitingForQuestion"
	case StateAnswering:
		return "Answering"
	case StateWaitingForResults:
		return "WaitingForResults"
	case StateSessionEnded:
		return "SessionEnded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Backend is the pull-based API used for self-paced question lists and
// batched submissions.
type Backend interface {
	Questions(ctx context.Context, pin string) ([]domain.Question, error)
	SubmitSurvey(ctx context.Context, pin string, batch domain.BatchSubmission) error
}

// Config tunes the controller.
type Config struct {
	// AllowFallback enables the pull-based path when the transport cannot be
	// established at join time.
	AllowFallback bool
	// FlushAttempts bounds retries of the batched submission.
	FlushAttempts int
	// FlushBackoff spaces those retries.
	FlushBackoff ws.BackoffConfig
}

type joinResult struct {
	info protocol.QuizInfo
	err  error
}

// Controller is safe for concurrent use. Its lock is never held across a
// network call, since the transport may deliver events on the calling goroutine.
type Controller struct {
	conn    ws.Conn
	backend Backend
	cfg     Config
	logger  *zap.Logger
	flusher *fallback.Flusher

	subs ws.Group

	mu          sync.Mutex
	state       State
	path        fallback.Path
	pin         string
	name        string
	info        protocol.QuizInfo
	joinWait    chan joinResult
	needsRejoin bool

	question  *domain.Question
	inFlight  int64
	committed map[int64]bool
	results   map[int64]domain.ResultSnapshot

	survey *survey
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackend sets the pull-based API. Without one, self-paced sessions and
// the fallback path are unavailable.
func WithBackend(b Backend) Option {
	return func(c *Controller) { c.backend = b }
}

// WithConfig overrides the default Config.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// New builds an idle controller on conn.
func New(conn ws.Conn, opts ...Option) *Controller {
	c := &Controller{
		conn:      conn,
		cfg:       Config{AllowFallback: true, FlushAttempts: 3, FlushBackoff: ws.DefaultConfig().Backoff},
		logger:    zap.NewNop(),
		committed: make(map[int64]bool),
		results:   make(map[int64]domain.ResultSnapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("role", "participant"))
	if c.backend != nil {
		c.flusher = fallback.NewFlusher(fallback.NewOutbox(), c.backend, c.cfg.FlushBackoff, c.cfg.FlushAttempts, c.logger)
	}
	return c
}

// Join runs the join handshake for pin under name. A JoinError returns the
// controller to Idle and surfaces the server message verbatim as a
// *domain.JoinError; it is never retried here. When the transport cannot be
// established and a backend is configured, the participant joins on the
// fallback path and stays there until the session ends.
func (c *Controller) Join(ctx context.Context, pin, name string) (protocol.QuizInfo, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return protocol.QuizInfo{}, fmt.Errorf("%w: join from %s", domain.ErrInvalidState, state)
	}
	c.state = StateJoining
	c.pin, c.name = pin, name
	c.mu.Unlock()

	if c.subs.Len() == 0 {
		c.subscribe()
	}

	path, err := fallback.Choose(c.conn.Connect(ctx), c.cfg.AllowFallback && c.backend != nil)
	if err != nil {
		c.setState(StateIdle)
		return protocol.QuizInfo{}, err
	}
	if path == fallback.PathFallback {
		c.logger.Warn("real-time channel unavailable, joining on fallback path", zap.String("pin", pin))
		return c.joinFallback(ctx, pin, name)
	}

	info, err := c.handshake(ctx, protocol.JoinAsParticipantArgs{PIN: pin, Name: name}, StateIdle)
	if err != nil {
		return info, err
	}
	if info.Mode == domain.ModeSelfPaced {
		if err := c.LoadQuestions(ctx); err != nil {
			return info, err
		}
	}
	return info, nil
}

// Rejoin re-issues the join with the cached PIN, name, and participant id.
// It is never called automatically after a reconnect.
func (c *Controller) Rejoin(ctx context.Context) (protocol.QuizInfo, error) {
	c.mu.Lock()
	switch {
	case c.pin == "":
		c.mu.Unlock()
		return protocol.QuizInfo{}, fmt.Errorf("%w: nothing to rejoin", domain.ErrInvalidState)
	case c.path == fallback.PathFallback:
		c.mu.Unlock()
		return protocol.QuizInfo{}, fmt.Errorf("%w: fallback participants do not rejoin", domain.ErrInvalidState)
	case c.state == StateJoining, c.state == StateSessionEnded:
		state := c.state
		c.mu.Unlock()
		return protocol.QuizInfo{}, fmt.Errorf("%w: rejoin from %s", domain.ErrInvalidState, state)
	}
	prev := c.state
	args := protocol.JoinAsParticipantArgs{PIN: c.pin, Name: c.name, ParticipantID: c.info.ParticipantID}
	c.state = StateJoining
	c.mu.Unlock()

	if err := c.conn.Connect(ctx); err != nil {
		c.setState(prev)
		return protocol.QuizInfo{}, err
	}
	info, err := c.handshake(ctx, args, prev)
	if err != nil {
		return info, err
	}
	c.mu.Lock()
	c.needsRejoin = false
	if c.survey != nil && prev != StateIdle {
		c.state = prev
	}
	c.mu.Unlock()
	return info, nil
}

// handshake invokes JoinAsParticipant and waits for QuizInfo or JoinError.
// Invocation failures restore onFailure.
func (c *Controller) handshake(ctx context.Context, args protocol.JoinAsParticipantArgs, onFailure State) (protocol.QuizInfo, error) {
	wait := make(chan joinResult, 1)
	c.mu.Lock()
	c.joinWait = wait
	c.mu.Unlock()

	if _, err := c.conn.Invoke(ctx, protocol.MethodJoinAsParticipant, args); err != nil {
		c.mu.Lock()
		if c.joinWait == wait {
			c.joinWait = nil
			c.state = onFailure
		}
		c.mu.Unlock()
		return protocol.QuizInfo{}, err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			c.logger.Info("join rejected", zap.String("pin", args.PIN), zap.Error(res.err))
			return protocol.QuizInfo{}, res.err
		}
		c.logger.Info("joined session",
			zap.String("pin", args.PIN),
			zap.Int64("session_id", res.info.SessionID),
			zap.Int64("participant_id", res.info.ParticipantID),
			zap.String("mode", string(res.info.Mode)),
		)
		return res.info, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.joinWait == wait {
			c.joinWait = nil
			c.state = onFailure
		}
		c.mu.Unlock()
		return protocol.QuizInfo{}, fmt.Errorf("waiting for join confirmation: %w", ctx.Err())
	}
}

func (c *Controller) subscribe() {
	c.subs.Add(
		ws.Subscribe(c.conn, protocol.EventQuizInfo, c.onQuizInfo),
		ws.Subscribe(c.conn, protocol.EventJoinError, c.onJoinError),
		ws.Subscribe(c.conn, protocol.EventQuestionStarted, c.onQuestionStarted),
		ws.Subscribe(c.conn, protocol.EventQuestionEnded, c.onQuestionEnded),
		ws.Subscribe(c.conn, protocol.EventQuizEnded, func(protocol.QuizEnded) { c.onQuizEnded() }),
		c.conn.OnStateChange(c.onStateChange),
	)
}

func (c *Controller) onQuizInfo(info protocol.QuizInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoining || c.joinWait == nil {
		return
	}
	c.info = info
	c.state = StateWaitingForQuestion
	c.joinWait <- joinResult{info: info}
	c.joinWait = nil
}

func (c *Controller) onJoinError(e protocol.JoinError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoining || c.joinWait == nil {
		return
	}
	c.state = StateIdle
	c.joinWait <- joinResult{err: &domain.JoinError{Message: e.Message}}
	c.joinWait = nil
}

func (c *Controller) onQuestionStarted(q protocol.QuestionStarted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == fallback.PathFallback || c.survey != nil {
		return
	}
	switch c.state {
	case StateIdle, StateJoining, StateSessionEnded:
		return
	}
	question := q.Question()
	c.question = &question
	c.inFlight = 0
	if c.committed[q.ID] {
		c.state = StateWaitingForResults
		return
	}
	c.state = StateAnswering
}

func (c *Controller) onQuestionEnded(e protocol.QuestionEnded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle, StateJoining, StateSessionEnded:
		return
	}
	c.results[e.QuestionID] = e.Results
	if c.survey != nil {
		return
	}
	c.state = StateWaitingForResults
}

func (c *Controller) onQuizEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state == StateSessionEnded {
		return
	}
	c.endLocked()
}

func (c *Controller) endLocked() {
	c.state = StateSessionEnded
	c.question = nil
	c.inFlight = 0
	c.results = make(map[int64]domain.ResultSnapshot)
	c.survey = nil
	c.logger.Info("session ended")
}

// onStateChange only records that the server-side identity may be stale; the
// participant state itself survives a reconnect untouched.
func (c *Controller) onStateChange(prev, next ws.State) {
	if !ws.Resumed(prev, next) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == fallback.PathRealTime && c.state != StateIdle && c.state != StateSessionEnded {
		c.needsRejoin = true
	}
}

// SubmitAnswer commits the response to the current question. For a real-time
// session it sends one SubmitAnswer per selected answer and moves to
// WaitingForResults only when all of them succeed; a partial failure returns a
// *domain.PartialSubmissionError and leaves the controller in Answering so the
// whole response can be retried. Each call carries a fresh attempt id, so a
// retried multiple choice response replaces the partial one on the server. For a self-paced or fallback session it
// records the answer locally and flushes the batch when the cursor is on the
// last question.
func (c *Controller) SubmitAnswer(ctx context.Context, answerIDs []int64, freeText *string) error {
	c.mu.Lock()
	if c.survey != nil {
		c.mu.Unlock()
		return c.submitSurveyAnswer(ctx, answerIDs, freeText)
	}
	if c.state == StateSessionEnded {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	q := c.question
	if q == nil {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: no question to answer in %s", domain.ErrInvalidState, state)
	}
	if c.committed[q.ID] || c.inFlight == q.ID {
		c.mu.Unlock()
		observability.RecordSubmission("single", "duplicate")
		return domain.ErrDuplicateSubmission
	}
	if c.state != StateAnswering {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: submit from %s", domain.ErrInvalidState, state)
	}
	calls, err := protocol.BuildResponse(*q, answerIDs, freeText)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	attempt := uuid.NewString()
	for i := range calls {
		calls[i].Attempt = attempt
	}
	c.inFlight = q.ID
	c.mu.Unlock()

	for i, args := range calls {
		if _, err := c.conn.Invoke(ctx, protocol.MethodSubmitAnswer, args); err != nil {
			c.mu.Lock()
			if c.inFlight == q.ID {
				c.inFlight = 0
			}
			c.mu.Unlock()
			observability.RecordSubmission("single", "error")
			if len(calls) > 1 {
				return &domain.PartialSubmissionError{QuestionID: q.ID, Committed: i, Total: len(calls), Err: err}
			}
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == q.ID {
		c.inFlight = 0
	}
	c.committed[q.ID] = true
	if c.state == StateAnswering && c.question != nil && c.question.ID == q.ID {
		c.state = StateWaitingForResults
	}
	observability.RecordSubmission("single", "ok")
	return nil
}

// Close disposes every subscription. The transport is owned by the caller.
func (c *Controller) Close() {
	c.subs.Dispose()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the path chosen at join time.
func (c *Controller) Path() fallback.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Info returns the QuizInfo of the last successful join.
func (c *Controller) Info() protocol.QuizInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Question returns the question currently broadcast in a real-time session.
func (c *Controller) Question() (domain.Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.question == nil {
		return domain.Question{}, false
	}
	return *c.question, true
}

// Results returns the snapshot released when questionID closed.
func (c *Controller) Results(questionID int64) (domain.ResultSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[questionID]
	return r, ok
}

// NeedsRejoin reports that the transport reconnected after this participant
// joined; the server may have evicted it until Rejoin is called.
func (c *Controller) NeedsRejoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsRejoin
}

func newSubmissionID() string {
	return uuid.NewString()
}

// IsDuplicate reports whether err is the local idempotency guard, which
// callers treat as a no-op.
func IsDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicateSubmission)
}
