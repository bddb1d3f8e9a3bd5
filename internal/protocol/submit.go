package protocol

import "quizsync/internal/domain"

// NewSubmitAnswer builds SubmitAnswer arguments. Exactly one of answerID and
// freeText must be set; anything else is a ProtocolError and is never sent.
func NewSubmitAnswer(questionID int64, answerID *int64, freeText *string) (SubmitAnswerArgs, error) {
	args := SubmitAnswerArgs{QuestionID: questionID, AnswerID: answerID, FreeText: freeText}
	if err := args.Validate(); err != nil {
		return SubmitAnswerArgs{}, err
	}
	return args, nil
}

// Validate checks the answerId/freeText exclusivity rule.
func (a SubmitAnswerArgs) Validate() error {
	switch {
	case a.AnswerID == nil && a.FreeText == nil:
		return &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "neither answerId nor freeText set"}
	case a.AnswerID != nil && a.FreeText != nil:
		return &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "both answerId and freeText set"}
	}
	return nil
}

// ValidateFor additionally checks the arguments against the question type.
func (a SubmitAnswerArgs) ValidateFor(qt domain.QuestionType) error {
	if err := a.Validate(); err != nil {
		return err
	}
	switch qt {
	case domain.FreeText:
		if a.FreeText == nil {
			return &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "free-text question requires freeText"}
		}
	case domain.SingleChoice, domain.MultipleChoice:
		if a.AnswerID == nil {
			return &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "choice question requires answerId"}
		}
	default:
		return &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "unknown question type " + string(qt)}
	}
	return nil
}

// BuildResponse expands one logical response into the SubmitAnswer calls that
// realize it: one per selected answer for choice questions, one for free text.
func BuildResponse(q domain.Question, answerIDs []int64, freeText *string) ([]SubmitAnswerArgs, error) {
	switch q.Type {
	case domain.FreeText:
		if len(answerIDs) > 0 {
			return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "free-text question takes no answer ids"}
		}
		args, err := NewSubmitAnswer(q.ID, nil, freeText)
		if err != nil {
			return nil, err
		}
		return []SubmitAnswerArgs{args}, nil
	case domain.SingleChoice:
		if len(answerIDs) != 1 {
			return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "single-choice question takes exactly one answer"}
		}
	case domain.MultipleChoice:
		if len(answerIDs) == 0 {
			return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "multiple-choice question takes at least one answer"}
		}
	default:
		return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "unknown question type " + string(q.Type)}
	}
	if freeText != nil {
		return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "both answerId and freeText set"}
	}

	seen := make(map[int64]struct{}, len(answerIDs))
	calls := make([]SubmitAnswerArgs, 0, len(answerIDs))
	for _, id := range answerIDs {
		if _, dup := seen[id]; dup {
			return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "answer selected twice"}
		}
		seen[id] = struct{}{}
		if !q.HasAnswer(id) {
			return nil, &domain.ProtocolError{Method: MethodSubmitAnswer, Reason: "answer does not belong to question"}
		}
		answerID := id
		args, err := NewSubmitAnswer(q.ID, &answerID, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, args)
	}
	return calls, nil
}
