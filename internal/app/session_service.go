package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/observability"
	"quizsync/internal/protocol"
)

// SessionRepository abstracts how live sessions are stored (in-memory, Redis, etc).
type SessionRepository interface {
	Create(ctx context.Context, quiz domain.Quiz) (*Session, error)
	Get(id int64) (*Session, bool)
	ByPIN(pin string) (*Session, bool)
	ReleasePIN(ctx context.Context, pin string)
	DeleteIfDone(id int64)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// SubmissionLedger remembers batched submission ids. Claim reports false when
// the id was already seen for pin.
type SubmissionLedger interface {
	Claim(ctx context.Context, pin, submissionID string) (bool, error)
}

// SessionService contains the session use cases behind the WebSocket protocol
// and the REST collaborator API.
type SessionService struct {
	sessions SessionRepository
	quizzes  QuizRepository
	ledger   SubmissionLedger
	logger   *zap.Logger
}

func NewSessionService(store SessionRepository, quizzes QuizRepository, ledger SubmissionLedger, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{sessions: store, quizzes: quizzes, ledger: ledger, logger: logger}
}

// CreateSession opens a new session for quizID in the Created state.
func (s *SessionService) CreateSession(ctx context.Context, quizID string) (domain.Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := s.sessions.Create(ctx, quiz)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	info := session.Info()
	s.logger.Info("session created",
		zap.Int64("session_id", info.ID),
		zap.String("pin", info.PIN),
		zap.String("quiz_id", quizID),
	)
	return info, nil
}

// StartSession moves a session to Active so participants may join.
func (s *SessionService) StartSession(_ context.Context, id int64) (domain.Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session.start()
}

// Session returns the metadata of session id.
func (s *SessionService) Session(_ context.Context, id int64) (domain.Session, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session.Info(), nil
}

// JoinHost subscribes a host connection. Joining again is harmless: the new
// member starts with a fresh snapshot and the participant set is untouched.
func (s *SessionService) JoinHost(_ context.Context, id int64) (*Member, error) {
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.subscribeHost(), nil
}

// JoinParticipant admits a participant by PIN. The caller must Cancel the
// returned member and call Leave when the connection ends.
func (s *SessionService) JoinParticipant(_ context.Context, pin, name string, resumeID int64) (*Member, protocol.QuizInfo, error) {
	session, ok := s.sessions.ByPIN(pin)
	if !ok {
		return nil, protocol.QuizInfo{}, domain.ErrSessionNotFound
	}
	m, info, err := session.joinParticipant(name, resumeID)
	if err != nil {
		return nil, protocol.QuizInfo{}, err
	}
	s.logger.Debug("participant joined",
		zap.Int64("session_id", info.SessionID),
		zap.Int64("participant_id", info.ParticipantID),
	)
	return m, info, nil
}

// Leave evicts the participant m joined as and notifies hosts. It does
// nothing when the participant has since resumed on another member.
func (s *SessionService) Leave(_ context.Context, sessionID int64, m *Member) {
	session, ok := s.sessions.Get(sessionID)
	if !ok || m == nil {
		return
	}
	session.leave(m)
}

// Disconnect is called when a connection bound to sessionID goes away; a
// completed session with no members left is dropped from the store.
func (s *SessionService) Disconnect(_ context.Context, sessionID int64) {
	s.sessions.DeleteIfDone(sessionID)
}

// StartQuestion opens questionID for everyone. Restarting the active question
// is a no-op so a retried call is safe.
func (s *SessionService) StartQuestion(_ context.Context, sessionID, questionID int64) error {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	return session.startQuestion(questionID)
}

// EndQuestion closes questionID and releases its results. Ending an already
// closed question returns the same snapshot.
func (s *SessionService) EndQuestion(_ context.Context, sessionID, questionID int64) (domain.ResultSnapshot, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return domain.ResultSnapshot{}, domain.ErrSessionNotFound
	}
	return session.endQuestion(questionID)
}

// EndQuiz completes the session and frees its PIN.
func (s *SessionService) EndQuiz(ctx context.Context, sessionID int64) error {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	if session.end() {
		info := session.Info()
		s.sessions.ReleasePIN(ctx, info.PIN)
		s.logger.Info("session completed", zap.Int64("session_id", sessionID))
	}
	return nil
}

// SubmitAnswer records one constituent answer for the active question.
func (s *SessionService) SubmitAnswer(_ context.Context, sessionID, participantID int64, args protocol.SubmitAnswerArgs) error {
	if err := args.Validate(); err != nil {
		return err
	}
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	recorded, err := session.submit(participantID, args)
	switch {
	case err != nil:
		observability.RecordSubmission("answer", "rejected")
	case recorded:
		observability.RecordSubmission("answer", "ok")
	default:
		observability.RecordSubmission("answer", "duplicate")
	}
	return err
}

// Questions returns the participant view of the quiz behind pin.
func (s *SessionService) Questions(_ context.Context, pin string) ([]domain.Question, error) {
	session, ok := s.sessions.ByPIN(pin)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.publicQuestions()
}

// SubmitSurvey records a batched self-paced submission. A repeated submission
// id yields domain.ErrDuplicateSubmission and changes nothing.
func (s *SessionService) SubmitSurvey(ctx context.Context, pin string, batch domain.BatchSubmission) (int64, error) {
	if batch.SubmissionID == "" {
		return 0, fmt.Errorf("%w: submission id required", domain.ErrInvalidState)
	}
	session, ok := s.sessions.ByPIN(pin)
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if err := session.validateBatch(batch); err != nil {
		observability.RecordSubmission("survey", "rejected")
		return 0, err
	}
	fresh, err := s.ledger.Claim(ctx, pin, batch.SubmissionID)
	if err != nil {
		return 0, fmt.Errorf("claim submission: %w", err)
	}
	if !fresh {
		observability.RecordSubmission("survey", "duplicate")
		return 0, domain.ErrDuplicateSubmission
	}
	id, err := session.recordBatch(batch)
	if err != nil {
		return 0, err
	}
	observability.RecordSubmission("survey", "ok")
	s.logger.Info("survey submitted",
		zap.String("pin", pin),
		zap.String("submission_id", batch.SubmissionID),
		zap.Int("entries", len(batch.Entries)),
	)
	return id, nil
}

// Results aggregates every question of the session.
func (s *SessionService) Results(_ context.Context, sessionID int64) ([]domain.ResultSnapshot, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.results(), nil
}
