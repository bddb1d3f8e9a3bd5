// Package host keeps the quiz host's projection of a live session and drives
// the question lifecycle over the shared transport.
package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/protocol"
	"quizsync/internal/transport/ws"
)

// Phase is the client-side status of the session's current question.
type Phase int

const (
	// PhaseIdle means no question is active.
	PhaseIdle Phase = iota
	// PhaseStarting means StartQuestion is in flight and not yet confirmed.
	PhaseStarting
	// PhaseActive means the server confirmed the question is open.
	PhaseActive
	// PhaseEnding means EndQuestion is in flight; the question is still open.
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseStarting:
		return "Starting"
	case PhaseActive:
		return "Active"
	case PhaseEnding:
		return "Ending"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// slot is the tagged question state: pending variants collapse to confirmed
// only after a successful round trip.
type slot struct {
	phase Phase
	id    int64
}

// Controller is the host's view of one session. Its state is mutated only by
// event handlers and by the initiating calls below; the lock is never held
// across a network call.
type Controller struct {
	conn      ws.Conn
	sessionID int64
	logger    *zap.Logger
	now       func() time.Time

	subs ws.Group

	mu           sync.Mutex
	joined       bool
	ended        bool
	synced       bool
	title        string
	questionIDs  []int64
	participants map[int64]domain.Participant
	current      slot
	responders   map[int64]map[int64]struct{}
	results      map[int64]domain.ResultSnapshot
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

// WithQuestions seeds the question order used by StartQuestionAt before the
// first snapshot arrives.
func WithQuestions(ids []int64) Option {
	return func(c *Controller) {
		c.questionIDs = append([]int64(nil), ids...)
	}
}

// New builds a controller for sessionID. Nothing is sent until Join.
func New(conn ws.Conn, sessionID int64, opts ...Option) *Controller {
	c := &Controller{
		conn:         conn,
		sessionID:    sessionID,
		logger:       zap.NewNop(),
		now:          time.Now,
		participants: make(map[int64]domain.Participant),
		responders:   make(map[int64]map[int64]struct{}),
		results:      make(map[int64]domain.ResultSnapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.Int64("session_id", sessionID), zap.String("role", "host"))
	return c
}

// Join connects the transport and joins as host. Subscriptions are registered
// once; after a transient loss the controller rejoins on its own and rebuilds
// its projection from the server snapshot.
func (c *Controller) Join(ctx context.Context) error {
	if c.Ended() {
		return domain.ErrSessionEnded
	}
	if c.subs.Len() == 0 {
		c.subscribe()
	}
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	return c.join(ctx)
}

func (c *Controller) join(ctx context.Context) error {
	if _, err := c.conn.Invoke(ctx, protocol.MethodJoinAsHost, protocol.JoinAsHostArgs{SessionID: c.sessionID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.logger.Info("joined as host")
	return nil
}

func (c *Controller) subscribe() {
	c.subs.Add(
		ws.Subscribe(c.conn, protocol.EventParticipantJoined, c.onParticipantJoined),
		ws.Subscribe(c.conn, protocol.EventParticipantLeft, c.onParticipantLeft),
		ws.Subscribe(c.conn, protocol.EventNewResponse, c.onNewResponse),
		ws.Subscribe(c.conn, protocol.EventQuestionStarted, c.onQuestionStarted),
		ws.Subscribe(c.conn, protocol.EventQuestionEnded, c.onQuestionEnded),
		ws.Subscribe(c.conn, protocol.EventQuizEnded, func(protocol.QuizEnded) { c.onQuizEnded() }),
		ws.Subscribe(c.conn, protocol.EventSessionSnapshot, c.onSnapshot),
		c.conn.OnStateChange(c.onStateChange),
	)
}

func (c *Controller) onStateChange(prev, next ws.State) {
	if next == ws.StateReconnecting {
		c.mu.Lock()
		c.synced = false
		c.mu.Unlock()
		return
	}
	if !ws.Resumed(prev, next) {
		return
	}
	c.mu.Lock()
	rejoin := c.joined && !c.ended
	c.mu.Unlock()
	if !rejoin {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.join(ctx); err != nil {
		c.logger.Warn("host rejoin after reconnect failed", zap.Error(err))
	}
}

// StartQuestion opens questionID. It is rejected while another question is
// active or pending, and rolled back if the call fails.
func (c *Controller) StartQuestion(ctx context.Context, questionID int64) error {
	c.mu.Lock()
	if err := c.checkIdleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.current = slot{phase: PhaseStarting, id: questionID}
	c.mu.Unlock()

	_, err := c.conn.Invoke(ctx, protocol.MethodStartQuestion, protocol.QuestionArgs{SessionID: c.sessionID, QuestionID: questionID})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.current == (slot{phase: PhaseStarting, id: questionID}) {
			c.current = slot{}
		}
		c.logger.Warn("start question failed", zap.Int64("question_id", questionID), zap.Error(err))
		return err
	}
	if c.current == (slot{phase: PhaseStarting, id: questionID}) {
		c.current = slot{phase: PhaseActive, id: questionID}
	}
	return nil
}

// StartQuestionAt opens the question at index in session order.
func (c *Controller) StartQuestionAt(ctx context.Context, index int) error {
	c.mu.Lock()
	if index < 0 || index >= len(c.questionIDs) {
		n := len(c.questionIDs)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", domain.ErrQuestionOutOfRange, index, n)
	}
	id := c.questionIDs[index]
	c.mu.Unlock()
	return c.StartQuestion(ctx, id)
}

func (c *Controller) checkIdleLocked() error {
	switch {
	case c.ended:
		return domain.ErrSessionEnded
	case !c.joined:
		return fmt.Errorf("%w: host has not joined", domain.ErrInvalidState)
	case c.current.phase == PhaseStarting:
		return domain.ErrQuestionPending
	case c.current.phase != PhaseIdle:
		return fmt.Errorf("%w: question %d", domain.ErrQuestionActive, c.current.id)
	}
	return nil
}

// EndQuestion closes the active question. The question stays active until the
// server acknowledges.
func (c *Controller) EndQuestion(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.ended:
		c.mu.Unlock()
		return domain.ErrSessionEnded
	case c.current.phase == PhaseStarting:
		c.mu.Unlock()
		return domain.ErrQuestionPending
	case c.current.phase != PhaseActive:
		c.mu.Unlock()
		return domain.ErrNoActiveQuestion
	}
	id := c.current.id
	c.current.phase = PhaseEnding
	c.mu.Unlock()

	_, err := c.conn.Invoke(ctx, protocol.MethodEndQuestion, protocol.QuestionArgs{SessionID: c.sessionID, QuestionID: id})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != (slot{phase: PhaseEnding, id: id}) {
		return err
	}
	if err != nil {
		c.current.phase = PhaseActive
		c.logger.Warn("end question failed", zap.Int64("question_id", id), zap.Error(err))
		return err
	}
	c.current = slot{}
	return nil
}

// EndQuiz completes the session. Afterwards every question operation fails
// with domain.ErrSessionEnded.
func (c *Controller) EndQuiz(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return domain.ErrSessionEnded
	}
	c.mu.Unlock()

	if _, err := c.conn.Invoke(ctx, protocol.MethodEndQuiz, protocol.EndQuizArgs{SessionID: c.sessionID}); err != nil {
		return err
	}
	c.onQuizEnded()
	return nil
}

// Close disposes every subscription. The transport itself is owned by the caller.
func (c *Controller) Close() {
	c.subs.Dispose()
}

func (c *Controller) onParticipantJoined(p protocol.ParticipantJoined) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.participants[p.ID]
	if ok {
		existing.Name = p.Name
		existing.Connected = true
		c.participants[p.ID] = existing
		return
	}
	c.participants[p.ID] = domain.Participant{ID: p.ID, Name: p.Name, JoinedAt: c.now(), Connected: true}
}

func (c *Controller) onParticipantLeft(p protocol.ParticipantLeft) {
	c.mu.Lock()
	delete(c.participants, p.ID)
	c.mu.Unlock()
}

func (c *Controller) onNewResponse(r protocol.NewResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.responders[r.QuestionID]
	if !ok {
		set = make(map[int64]struct{})
		c.responders[r.QuestionID] = set
	}
	set[r.ParticipantID] = struct{}{}
}

func (c *Controller) onQuestionStarted(q protocol.QuestionStarted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	switch c.current.phase {
	case PhaseIdle:
		c.current = slot{phase: PhaseActive, id: q.ID}
	case PhaseStarting:
		if c.current.id == q.ID {
			c.current.phase = PhaseActive
		}
	}
	delete(c.responders, q.ID)
}

func (c *Controller) onQuestionEnded(e protocol.QuestionEnded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[e.QuestionID] = e.Results
	if c.current.id == e.QuestionID && c.current.phase != PhaseStarting {
		c.current = slot{}
	}
}

func (c *Controller) onQuizEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.current = slot{}
	c.logger.Info("quiz ended")
}

// onSnapshot replaces the projection with the server's view. A question the
// server no longer reports as active is dropped; an in-flight start is left
// for its own round trip to resolve.
func (c *Controller) onSnapshot(s protocol.SessionSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = true
	c.title = s.Title
	if len(s.QuestionIDs) > 0 {
		c.questionIDs = append(c.questionIDs[:0], s.QuestionIDs...)
	}
	c.participants = make(map[int64]domain.Participant, len(s.Participants))
	for _, p := range s.Participants {
		c.participants[p.ID] = p
	}
	if s.Status == domain.StatusCompleted {
		c.ended = true
		c.current = slot{}
		return
	}
	if c.current.phase == PhaseStarting {
		return
	}
	if s.ActiveQuestionID == nil {
		c.current = slot{}
		return
	}
	if c.current.phase == PhaseEnding && c.current.id == *s.ActiveQuestionID {
		return
	}
	c.current = slot{phase: PhaseActive, id: *s.ActiveQuestionID}
}

// Participants returns the connected participants ordered by id.
func (c *Controller) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveQuestion returns the confirmed active question, if any.
func (c *Controller) ActiveQuestion() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.phase == PhaseActive || c.current.phase == PhaseEnding {
		return c.current.id, true
	}
	return 0, false
}

// Question returns the raw question slot including pending phases.
func (c *Controller) Question() (int64, Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.id, c.current.phase
}

// ResponseCount reports how many distinct participants answered questionID.
func (c *Controller) ResponseCount(questionID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responders[questionID])
}

// Results returns the snapshot released when questionID closed.
func (c *Controller) Results(questionID int64) (domain.ResultSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[questionID]
	return r, ok
}

// QuestionIDs returns the session's question order as last reported.
func (c *Controller) QuestionIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.questionIDs...)
}

// Title returns the quiz title from the last snapshot.
func (c *Controller) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// Synced reports whether a snapshot has been applied since the last connection loss.
func (c *Controller) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Ended reports whether the session has completed.
func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
