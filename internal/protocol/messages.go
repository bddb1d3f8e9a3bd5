package protocol

import "quizsync/internal/domain"

// JoinAsHostArgs is the payload of JoinAsHost.
type JoinAsHostArgs struct {
	SessionID int64 `json:"sessionId"`
}

// JoinAsParticipantArgs is the payload of JoinAsParticipant. ParticipantID is
// set only when the caller explicitly resumes a previous identity.
type JoinAsParticipantArgs struct {
	PIN           string `json:"pin"`
	Name          string `json:"name"`
	ParticipantID int64  `json:"participantId,omitempty"`
}

// QuestionArgs addresses one question of a session.
type QuestionArgs struct {
	SessionID  int64 `json:"sessionId"`
	QuestionID int64 `json:"questionId"`
}

// EndQuizArgs is the payload of EndQuiz.
type EndQuizArgs struct {
	SessionID int64 `json:"sessionId"`
}

// SubmitAnswerArgs is the payload of SubmitAnswer. Build it with NewSubmitAnswer.
type SubmitAnswerArgs struct {
	QuestionID int64   `json:"questionId"`
	AnswerID   *int64  `json:"answerId"`
	FreeText   *string `json:"freeText"`
	// Attempt is shared by every call of one logical response. A multiple
	// choice call with a new attempt replaces the earlier selection.
	Attempt string `json:"attempt,omitempty"`
}

// QuizInfo confirms a participant join.
type QuizInfo struct {
	Title             string      `json:"title"`
	Mode              domain.Mode `json:"mode"`
	SessionID         int64       `json:"sessionId"`
	ParticipantID     int64       `json:"participantId"`
	QuestionCount     int         `json:"questionCount"`
	AllowAnonymous    bool        `json:"allowAnonymous"`
	HasCorrectAnswers bool        `json:"hasCorrectAnswers"`
}

// JoinError rejects a participant join.
type JoinError struct {
	Message string `json:"message"`
}

// ParticipantJoined is pushed to the host.
type ParticipantJoined struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ParticipantLeft is pushed to the host.
type ParticipantLeft struct {
	ID int64 `json:"id"`
}

// QuestionStarted broadcasts the active question without correctness flags.
type QuestionStarted struct {
	ID       int64               `json:"id"`
	Index    int                 `json:"index"`
	Text     string              `json:"text"`
	ImageURL string              `json:"imageUrl,omitempty"`
	Type     domain.QuestionType `json:"type"`
	Answers  []domain.Answer     `json:"answers"`
}

// Question converts the broadcast into a domain question.
func (q QuestionStarted) Question() domain.Question {
	return domain.Question{
		ID:       q.ID,
		Index:    q.Index,
		Text:     q.Text,
		ImageURL: q.ImageURL,
		Type:     q.Type,
		Answers:  append([]domain.Answer(nil), q.Answers...),
	}
}

// NewQuestionStarted builds the broadcast for q, stripping correctness.
func NewQuestionStarted(q domain.Question) QuestionStarted {
	pub := q.Public()
	return QuestionStarted{
		ID:       pub.ID,
		Index:    pub.Index,
		Text:     pub.Text,
		ImageURL: pub.ImageURL,
		Type:     pub.Type,
		Answers:  pub.Answers,
	}
}

// QuestionEnded closes a question and releases its results.
type QuestionEnded struct {
	QuestionID int64                 `json:"questionId"`
	Results    domain.ResultSnapshot `json:"results"`
}

// QuizEnded has no payload.
type QuizEnded struct{}

// NewResponse is an advisory progress signal for the host.
type NewResponse struct {
	QuestionID    int64 `json:"questionId"`
	ParticipantID int64 `json:"participantId"`
}

// SessionSnapshot is pushed to the host after every JoinAsHost so a
// reconnecting host can rebuild its projection.
type SessionSnapshot struct {
	SessionID        int64                `json:"sessionId"`
	Title            string               `json:"title"`
	Status           domain.SessionStatus `json:"status"`
	QuestionIDs      []int64              `json:"questionIds"`
	Participants     []domain.Participant `json:"participants"`
	ActiveQuestionID *int64               `json:"activeQuestionId,omitempty"`
}
