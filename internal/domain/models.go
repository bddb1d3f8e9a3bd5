package domain

import "time"

// SessionStatus is the server-owned lifecycle of a quiz session.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "Created"
	StatusActive    SessionStatus = "Active"
	StatusPaused    SessionStatus = "Paused"
	StatusCompleted SessionStatus = "Completed"
)

// Mode selects who paces the questions.
type Mode string

const (
	ModeRealTime  Mode = "RealTime"
	ModeSelfPaced Mode = "SelfPaced"
)

// QuestionType drives how a response is validated.
type QuestionType string

const (
	SingleChoice   QuestionType = "SingleChoice"
	MultipleChoice QuestionType = "MultipleChoice"
	FreeText       QuestionType = "FreeText"
)

// Session is one live run of a quiz, addressed by id or by its 6-character PIN.
type Session struct {
	ID                int64         `json:"id"`
	QuizID            string        `json:"quizId"`
	PIN               string        `json:"pin"`
	Title             string        `json:"title"`
	Status            SessionStatus `json:"status"`
	Mode              Mode          `json:"mode"`
	AllowAnonymous    bool          `json:"allowAnonymous"`
	HasCorrectAnswers bool          `json:"hasCorrectAnswers"`
}

// Participant is a joined respondent.
type Participant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joinedAt"`
	Connected bool      `json:"connected"`
}

// Answer is one option of a choice question. Correct is never sent to participants
// before the question closes.
type Answer struct {
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

// Question is ordered by Index within its quiz.
type Question struct {
	ID       int64        `json:"id"`
	Index    int          `json:"index"`
	Text     string       `json:"text"`
	ImageURL string       `json:"imageUrl,omitempty"`
	Type     QuestionType `json:"type"`
	Answers  []Answer     `json:"answers"`
}

// Public strips correctness flags.
func (q Question) Public() Question {
	out := q
	out.Answers = make([]Answer, len(q.Answers))
	for i, a := range q.Answers {
		out.Answers[i] = Answer{ID: a.ID, Text: a.Text}
	}
	return out
}

// HasAnswer reports whether answerID is one of the question's options.
func (q Question) HasAnswer(answerID int64) bool {
	for _, a := range q.Answers {
		if a.ID == answerID {
			return true
		}
	}
	return false
}

// Quiz is the authored definition a session is created from.
type Quiz struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Mode              Mode       `json:"mode"`
	AllowAnonymous    bool       `json:"allowAnonymous"`
	HasCorrectAnswers bool       `json:"hasCorrectAnswers"`
	Questions         []Question `json:"questions"`
}

// Question looks up a question by id.
func (q Quiz) Question(id int64) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// Response is a participant's submission for one question. Exactly one of
// AnswerIDs and FreeText is meaningful, depending on the question type.
type Response struct {
	ParticipantID int64   `json:"participantId"`
	QuestionID    int64   `json:"questionId"`
	AnswerIDs     []int64 `json:"answerIds,omitempty"`
	FreeText      *string `json:"freeText,omitempty"`
}

// ResultSnapshot is the aggregated outcome of a closed question.
type ResultSnapshot struct {
	QuestionID int64         `json:"questionId"`
	Counts     map[int64]int `json:"counts"`
	FreeText   []string      `json:"freeText,omitempty"`
	Total      int           `json:"total"`
	Correct    []int64       `json:"correct,omitempty"`
	ClosedAt   time.Time     `json:"closedAt"`
}

// Count returns the number of responses for answerID.
func (r ResultSnapshot) Count(answerID int64) int {
	return r.Counts[answerID]
}

// BatchEntry is one row of a batched self-paced submission.
type BatchEntry struct {
	QuestionID       int64  `json:"questionId"`
	AnswerID         *int64 `json:"answerId"`
	FreeTextResponse string `json:"freeTextResponse"`
}

// BatchSubmission is flushed once per self-paced or fallback participant.
type BatchSubmission struct {
	SubmissionID    string       `json:"submissionId"`
	ParticipantName string       `json:"participantName"`
	Entries         []BatchEntry `json:"entries"`
}
