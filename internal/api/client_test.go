package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"quizsync/internal/app"
	"quizsync/internal/domain"
	"quizsync/internal/infra/memory"
	transport "quizsync/internal/transport/http"
)

func surveyQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "survey",
		Title: "Feedback",
		Mode:  domain.ModeSelfPaced,
		Questions: []domain.Question{
			{ID: 1, Index: 0, Text: "Rate us", Type: domain.SingleChoice, Answers: []domain.Answer{{ID: 11, Text: "Good", Correct: true}, {ID: 12, Text: "Bad"}}},
			{ID: 2, Index: 1, Text: "Why?", Type: domain.FreeText},
		},
	}
}

func newTestAPI(t *testing.T) (*Client, domain.Session) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"survey": surveyQuiz()}), time.Minute)
	service := app.NewSessionService(memory.NewSessionStore(), quizzes, memory.NewSubmissionLedger(), nil)
	server := httptest.NewServer(transport.NewRouter(service, transport.NewWSHandler(service), nil))
	t.Cleanup(server.Close)

	client := NewClient(server.URL + "/")
	ctx := context.Background()
	info, err := client.CreateSession(ctx, "survey")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := client.StartSession(ctx, info.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	return client, info
}

func TestQuestionsHideCorrectness(t *testing.T) {
	client, info := newTestAPI(t)
	questions, err := client.Questions(context.Background(), info.PIN)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 2 || questions[0].ID != 1 {
		t.Fatalf("unexpected questions: %+v", questions)
	}
	for _, a := range questions[0].Answers {
		if a.Correct {
			t.Fatalf("correct flag leaked: %+v", a)
		}
	}
}

func TestSubmitSurveyDuplicateIsConflict(t *testing.T) {
	client, info := newTestAPI(t)
	ctx := context.Background()
	answer := int64(11)
	batch := domain.BatchSubmission{
		SubmissionID:    "sub-1",
		ParticipantName: "Alice",
		Entries:         []domain.BatchEntry{{QuestionID: 1, AnswerID: &answer}, {QuestionID: 2, FreeTextResponse: "fast"}},
	}
	if err := client.SubmitSurvey(ctx, info.PIN, batch); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := client.SubmitSurvey(ctx, info.PIN, batch)
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 status error, got %v", err)
	}

	results, err := client.Results(ctx, info.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if results[0].Count(11) != 1 || results[0].Total != 1 || len(results[1].FreeText) != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestClientErrorsAreRejections(t *testing.T) {
	client, info := newTestAPI(t)
	ctx := context.Background()

	if _, err := client.Questions(ctx, "999999x"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("expected rejection for unknown pin, got %v", err)
	}
	bad := int64(99)
	err := client.SubmitSurvey(ctx, info.PIN, domain.BatchSubmission{
		SubmissionID: "sub-2",
		Entries:      []domain.BatchEntry{{QuestionID: 1, AnswerID: &bad}},
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if _, err := client.CreateSession(ctx, "missing"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("expected rejection for unknown quiz, got %v", err)
	}
}

func TestServerErrorIsNotARejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewClient(server.URL).SubmitSurvey(context.Background(), "482913", domain.BatchSubmission{SubmissionID: "x"})
	if err == nil || errors.Is(err, domain.ErrRejected) {
		t.Fatalf("a 5xx must stay retryable, got %v", err)
	}
}
