package participant

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/fallback"
	"quizsync/internal/observability"
	"quizsync/internal/protocol"
)

// survey holds the locally collected responses of a self-paced session.
type survey struct {
	questions    []domain.Question
	cursor       int
	answers      map[int64][]domain.BatchEntry
	submissionID string
	flushing     bool
	delivered    bool
}

func newSurvey(questions []domain.Question) *survey {
	qs := append([]domain.Question(nil), questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	return &survey{questions: qs, answers: make(map[int64][]domain.BatchEntry)}
}

func (s *survey) current() (domain.Question, error) {
	if len(s.questions) == 0 {
		return domain.Question{}, domain.ErrNoMoreQuestions
	}
	return s.questions[s.cursor], nil
}

func (s *survey) last() bool {
	return s.cursor == len(s.questions)-1
}

// batch lists entries in question order. Unanswered questions contribute one
// empty entry so the backend sees every question it served.
func (s *survey) batch() []domain.BatchEntry {
	var out []domain.BatchEntry
	for _, q := range s.questions {
		entries := s.answers[q.ID]
		if len(entries) == 0 {
			out = append(out, domain.BatchEntry{QuestionID: q.ID})
			continue
		}
		out = append(out, entries...)
	}
	return out
}

func (s *survey) record(q domain.Question, answerIDs []int64, freeText *string) error {
	calls, err := protocol.BuildResponse(q, answerIDs, freeText)
	if err != nil {
		return err
	}
	entries := make([]domain.BatchEntry, 0, len(calls))
	for _, call := range calls {
		entry := domain.BatchEntry{QuestionID: call.QuestionID, AnswerID: call.AnswerID}
		if call.FreeText != nil {
			entry.FreeTextResponse = *call.FreeText
		}
		entries = append(entries, entry)
	}
	s.answers[q.ID] = entries
	return nil
}

// LoadQuestions pulls the question list for a self-paced session and positions
// the cursor on the first question. Join calls it; callers retry it after a
// failed prefetch.
func (c *Controller) LoadQuestions(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("%w: self-paced session needs a backend", domain.ErrInvalidState)
	}
	c.mu.Lock()
	pin := c.pin
	c.mu.Unlock()

	questions, err := c.backend.Questions(ctx, pin)
	if err != nil {
		return fmt.Errorf("load questions for %s: %w", pin, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSessionEnded {
		return domain.ErrSessionEnded
	}
	c.survey = newSurvey(questions)
	if len(questions) > 0 {
		c.state = StateAnswering
	}
	return nil
}

func (c *Controller) joinFallback(ctx context.Context, pin, name string) (protocol.QuizInfo, error) {
	questions, err := c.backend.Questions(ctx, pin)
	if err != nil {
		c.setState(StateIdle)
		return protocol.QuizInfo{}, fmt.Errorf("fallback join %s: %w", pin, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = fallback.PathFallback
	c.info = protocol.QuizInfo{Mode: domain.ModeSelfPaced, QuestionCount: len(questions)}
	c.survey = newSurvey(questions)
	c.state = StateWaitingForQuestion
	if len(questions) > 0 {
		c.state = StateAnswering
	}
	c.logger.Info("joined on fallback path", zap.String("pin", pin), zap.String("name", name), zap.Int("questions", len(questions)))
	return c.info, nil
}

// Questions returns the prefetched questions in order.
func (c *Controller) Questions() []domain.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.survey == nil {
		return nil
	}
	return append([]domain.Question(nil), c.survey.questions...)
}

// Cursor returns the self-paced position, or -1 outside a self-paced session.
func (c *Controller) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.survey == nil {
		return -1
	}
	return c.survey.cursor
}

// Current returns the question under the self-paced cursor.
func (c *Controller) Current() (domain.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.survey == nil {
		return domain.Question{}, fmt.Errorf("%w: not a self-paced session", domain.ErrInvalidState)
	}
	return c.survey.current()
}

// Next advances the cursor.
func (c *Controller) Next() (domain.Question, error) {
	return c.move(1)
}

// Previous moves the cursor back.
func (c *Controller) Previous() (domain.Question, error) {
	return c.move(-1)
}

func (c *Controller) move(delta int) (domain.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.survey
	if s == nil {
		return domain.Question{}, fmt.Errorf("%w: not a self-paced session", domain.ErrInvalidState)
	}
	next := s.cursor + delta
	if next < 0 || next >= len(s.questions) {
		if delta > 0 {
			return domain.Question{}, domain.ErrNoMoreQuestions
		}
		return domain.Question{}, domain.ErrQuestionOutOfRange
	}
	s.cursor = next
	return s.questions[next], nil
}

// Answer records a selection for the question under the cursor without any
// network I/O. A later Answer for the same question replaces it.
func (c *Controller) Answer(answerIDs []int64, freeText *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.survey
	if s == nil {
		return fmt.Errorf("%w: not a self-paced session", domain.ErrInvalidState)
	}
	if s.delivered || s.flushing {
		return domain.ErrDuplicateSubmission
	}
	q, err := s.current()
	if err != nil {
		return err
	}
	return s.record(q, answerIDs, freeText)
}

// submitSurveyAnswer records the answer for the current question and, on the
// last question, flushes the whole batch once. It is entered with c.mu held.
func (c *Controller) submitSurveyAnswer(ctx context.Context, answerIDs []int64, freeText *string) error {
	s := c.survey
	if s.delivered || s.flushing {
		c.mu.Unlock()
		observability.RecordSubmission("batch", "duplicate")
		return domain.ErrDuplicateSubmission
	}
	if c.state != StateAnswering {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: submit from %s", domain.ErrInvalidState, state)
	}
	q, err := s.current()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := s.record(q, answerIDs, freeText); err != nil {
		c.mu.Unlock()
		return err
	}
	if !s.last() {
		c.mu.Unlock()
		return nil
	}
	if s.submissionID == "" {
		s.submissionID = newSubmissionID()
	}
	s.flushing = true
	item := fallback.PendingSubmission{
		SubmissionID: s.submissionID,
		PIN:          c.pin,
		QueuedAt:     time.Now().UTC(),
		Batch: domain.BatchSubmission{
			SubmissionID:    s.submissionID,
			ParticipantName: c.name,
			Entries:         s.batch(),
		},
	}
	c.mu.Unlock()

	c.flusher.Outbox().Upsert(item)
	err = c.flusher.Flush(ctx, item.SubmissionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.survey != s {
		return err
	}
	s.flushing = false
	if err != nil && !IsDuplicate(err) {
		return err
	}
	s.delivered = true
	if c.path == fallback.PathFallback {
		c.endLocked()
		return nil
	}
	c.state = StateWaitingForResults
	return nil
}
