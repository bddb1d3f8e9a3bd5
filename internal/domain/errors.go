package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the transport could not be established.
	ErrConnection = errors.New("connection error")
	// ErrInvocation means a method call did not complete.
	ErrInvocation = errors.New("invocation error")
	// ErrProtocol is a malformed call caught before transmission.
	ErrProtocol = errors.New("protocol error")
	// ErrJoinRejected is a business rejection of a join attempt reported by the server.
	ErrJoinRejected = errors.New("join rejected")
	// ErrDuplicateSubmission is the local idempotency guard.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	ErrNotConnected       = errors.New("transport not connected")
	ErrInvokeTimeout      = errors.New("invocation timed out")
	ErrConnectionLost     = errors.New("connection lost")
	ErrRejected           = errors.New("rejected by server")
	ErrQuestionActive     = errors.New("a question is already active")
	ErrQuestionPending    = errors.New("question start not yet confirmed")
	ErrNoActiveQuestion   = errors.New("no active question")
	ErrSessionEnded       = errors.New("session has ended")
	ErrInvalidState       = errors.New("operation not valid in current state")
	ErrNoMoreQuestions    = errors.New("no more questions")
	ErrQuestionOutOfRange = errors.New("question index out of range")

	// ErrSessionNotFound is returned when no live session matches an id or PIN.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrSessionNotActive is returned when joining a session that is not accepting participants.
	ErrSessionNotActive = errors.New("quiz session is not active")
	// ErrParticipantNotFound is returned when a connection acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAnswerNotFound indicates an answer ID is invalid for the question.
	ErrAnswerNotFound = errors.New("answer not found")
	// ErrQuestionClosed is returned for submissions to a question that is not open.
	ErrQuestionClosed = errors.New("question is not open")
	// ErrAlreadyAnswered enforces one answer per SingleChoice question.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrNameRequired is returned when anonymous participation is disabled and no name was given.
	ErrNameRequired = errors.New("display name required")
)

// ConnectionError reports a transport that could not be established.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// InvocationError reports a method call that did not complete.
type InvocationError struct {
	Method string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Method, e.Err)
}

func (e *InvocationError) Unwrap() []error { return []error{ErrInvocation, e.Err} }

// ProtocolError is a client-side contract violation; it is never sent.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// JoinError carries the server's rejection message verbatim.
type JoinError struct {
	Message string
}

func (e *JoinError) Error() string { return e.Message }

func (e *JoinError) Unwrap() error { return ErrJoinRejected }

// PartialSubmissionError reports a multi-answer response where only some
// constituent calls succeeded. The response is not committed.
type PartialSubmissionError struct {
	QuestionID int64
	Committed  int
	Total      int
	Err        error
}

func (e *PartialSubmissionError) Error() string {
	return fmt.Sprintf("question %d: %d of %d answers submitted: %v", e.QuestionID, e.Committed, e.Total, e.Err)
}

func (e *PartialSubmissionError) Unwrap() error { return e.Err }
