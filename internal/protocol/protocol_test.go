package protocol

import (
	"errors"
	"testing"

	"quizsync/internal/domain"
)

func TestInvokeFrameRoundTrip(t *testing.T) {
	f, err := NewInvoke("call-1", MethodJoinAsParticipant, JoinAsParticipantArgs{PIN: "482913", Name: "Alice"})
	if err != nil {
		t.Fatalf("new invoke: %v", err)
	}
	data := mustMarshal(t, f)
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindInvoke || got.ID != "call-1" || got.Type != MethodJoinAsParticipant {
		t.Fatalf("unexpected frame: %+v", got)
	}
	args, err := DecodePayload[JoinAsParticipantArgs](got.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if args.PIN != "482913" || args.Name != "Alice" {
		t.Fatalf("unexpected args: %+v", args)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"unknown kind":       `{"kind":"shout","type":"x"}`,
		"invoke without id":  `{"kind":"invoke","type":"EndQuiz"}`,
		"ack without id":     `{"kind":"ack"}`,
		"event without type": `{"kind":"event"}`,
		"not json":           `{`,
	}
	for name, raw := range cases {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAckCarriesError(t *testing.T) {
	f, err := NewAck("call-2", nil, errors.New("session not found"))
	if err != nil {
		t.Fatalf("new ack: %v", err)
	}
	if f.Error != "session not found" || f.Payload != nil {
		t.Fatalf("unexpected ack: %+v", f)
	}
}

func TestSubmitAnswerExclusivity(t *testing.T) {
	answer := int64(7)
	text := "because"

	if _, err := NewSubmitAnswer(1, nil, nil); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected protocol error for neither, got %v", err)
	}
	if _, err := NewSubmitAnswer(1, &answer, &text); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected protocol error for both, got %v", err)
	}
	args, err := NewSubmitAnswer(1, &answer, nil)
	if err != nil {
		t.Fatalf("valid choice args: %v", err)
	}
	if err := args.ValidateFor(domain.FreeText); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("choice args on free-text question should fail, got %v", err)
	}
	if err := args.ValidateFor(domain.SingleChoice); err != nil {
		t.Fatalf("choice args on single choice: %v", err)
	}
}

func TestBuildResponseExpandsMultipleChoice(t *testing.T) {
	q := domain.Question{
		ID:   3,
		Type: domain.MultipleChoice,
		Answers: []domain.Answer{
			{ID: 10, Text: "red"},
			{ID: 11, Text: "green"},
			{ID: 12, Text: "blue"},
		},
	}
	calls, err := BuildResponse(q, []int64{10, 12}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(calls) != 2 || *calls[0].AnswerID != 10 || *calls[1].AnswerID != 12 {
		t.Fatalf("unexpected calls: %+v", calls)
	}

	if _, err := BuildResponse(q, []int64{10, 10}, nil); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("duplicate selection should fail, got %v", err)
	}
	if _, err := BuildResponse(q, []int64{99}, nil); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("foreign answer should fail, got %v", err)
	}

	single := domain.Question{ID: 4, Type: domain.SingleChoice, Answers: q.Answers}
	if _, err := BuildResponse(single, []int64{10, 11}, nil); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("two answers on single choice should fail, got %v", err)
	}
}

func TestQuestionStartedHidesCorrectness(t *testing.T) {
	q := domain.Question{
		ID:   1,
		Type: domain.SingleChoice,
		Answers: []domain.Answer{
			{ID: 1, Text: "A", Correct: true},
			{ID: 2, Text: "B"},
		},
	}
	started := NewQuestionStarted(q)
	for _, a := range started.Answers {
		if a.Correct {
			t.Fatalf("correctness leaked for answer %d", a.ID)
		}
	}
	if !q.Answers[0].Correct {
		t.Fatalf("source question mutated")
	}
}
