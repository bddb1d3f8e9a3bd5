package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizsync/internal/app"
	"quizsync/internal/domain"
	"quizsync/internal/infra/memory"
	"quizsync/internal/protocol"
)

func int64Ptr(v int64) *int64 { return &v }
func strPtr(s string) *string  { return &s }

func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"geo": {
			ID:                "geo",
			Title:             "Geography",
			Mode:              domain.ModeRealTime,
			HasCorrectAnswers: true,
			Questions: []domain.Question{
				{ID: 2, Index: 1, Text: "Primes?", Type: domain.MultipleChoice, Answers: []domain.Answer{{ID: 21, Text: "2", Correct: true}, {ID: 22, Text: "4"}, {ID: 23, Text: "5", Correct: true}}},
				{ID: 1, Index: 0, Text: "Capital of France?", Type: domain.SingleChoice, Answers: []domain.Answer{{ID: 11, Text: "Paris", Correct: true}, {ID: 12, Text: "Rome"}}},
				{ID: 3, Index: 2, Text: "Comments", Type: domain.FreeText},
			},
		},
		"survey": {
			ID:             "survey",
			Title:          "Feedback",
			Mode:           domain.ModeSelfPaced,
			AllowAnonymous: true,
			Questions: []domain.Question{
				{ID: 1, Index: 0, Text: "Rate us", Type: domain.SingleChoice, Answers: []domain.Answer{{ID: 11, Text: "Good"}, {ID: 12, Text: "Bad"}}},
				{ID: 2, Index: 1, Text: "Why?", Type: domain.FreeText},
			},
		},
	}
}

func newTestService(t *testing.T) *app.SessionService {
	t.Helper()
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuizzes()), time.Minute)
	return app.NewSessionService(memory.NewSessionStore(), quizzes, memory.NewSubmissionLedger(), nil)
}

func activeSession(t *testing.T, service *app.SessionService, quizID string) domain.Session {
	t.Helper()
	ctx := context.Background()
	info, err := service.CreateSession(ctx, quizID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	info, err = service.StartSession(ctx, info.ID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return info
}

func recv(t *testing.T, m *app.Member) app.Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		if !ok {
			t.Fatalf("member stream closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return app.Event{}
}

func TestJoinRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info, err := service.CreateSession(ctx, "geo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(info.PIN) != app.PINLength || info.Status != domain.StatusCreated {
		t.Fatalf("unexpected session: %+v", info)
	}
	if _, _, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
	if _, _, err := service.JoinParticipant(ctx, "000000x", "Alice", 0); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := service.CreateSession(ctx, "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestJoinParticipantAndNameRules(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")

	m, quizInfo, err := service.JoinParticipant(ctx, info.PIN, "  Alice ", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer m.Cancel()
	if quizInfo.Title != "Geography" || quizInfo.SessionID != info.ID || quizInfo.ParticipantID == 0 || quizInfo.QuestionCount != 3 {
		t.Fatalf("unexpected quiz info: %+v", quizInfo)
	}
	if _, _, err := service.JoinParticipant(ctx, info.PIN, "", 0); !errors.Is(err, domain.ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}

	again, resumed, err := service.JoinParticipant(ctx, info.PIN, "Alice", quizInfo.ParticipantID)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	defer again.Cancel()
	if resumed.ParticipantID != quizInfo.ParticipantID {
		t.Fatalf("rejoin should keep participant id %d, got %d", quizInfo.ParticipantID, resumed.ParticipantID)
	}

	host, err := service.JoinHost(ctx, info.ID)
	if err != nil {
		t.Fatalf("join host: %v", err)
	}
	defer host.Cancel()
	snap := recv(t, host).Payload.(protocol.SessionSnapshot)
	if len(snap.Participants) != 1 || snap.Participants[0].Name != "Alice" {
		t.Fatalf("rejoin must not duplicate the participant: %+v", snap.Participants)
	}
	if len(snap.QuestionIDs) != 3 || snap.QuestionIDs[0] != 1 {
		t.Fatalf("snapshot questions not in index order: %v", snap.QuestionIDs)
	}
}

func TestHostSeesParticipantsAndResponses(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")

	host, err := service.JoinHost(ctx, info.ID)
	if err != nil {
		t.Fatalf("join host: %v", err)
	}
	defer host.Cancel()
	if ev := recv(t, host); ev.Name != protocol.EventSessionSnapshot {
		t.Fatalf("first host event should be the snapshot, got %s", ev.Name)
	}

	alice, quizInfo, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer alice.Cancel()
	joined := recv(t, host)
	if joined.Name != protocol.EventParticipantJoined || joined.Payload.(protocol.ParticipantJoined).Name != "Alice" {
		t.Fatalf("expected ParticipantJoined for Alice, got %+v", joined)
	}

	if err := service.StartQuestion(ctx, info.ID, 1); err != nil {
		t.Fatalf("start question: %v", err)
	}
	if ev := recv(t, host); ev.Name != protocol.EventQuestionStarted {
		t.Fatalf("expected QuestionStarted for host, got %s", ev.Name)
	}
	started := recv(t, alice)
	if started.Name != protocol.EventQuestionStarted {
		t.Fatalf("expected QuestionStarted for participant, got %s", started.Name)
	}
	for _, a := range started.Payload.(protocol.QuestionStarted).Answers {
		if a.Correct {
			t.Fatalf("correct flag leaked to participants")
		}
	}

	args := protocol.SubmitAnswerArgs{QuestionID: 1, AnswerID: int64Ptr(11)}
	if err := service.SubmitAnswer(ctx, info.ID, quizInfo.ParticipantID, args); err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp := recv(t, host)
	if resp.Name != protocol.EventNewResponse || resp.Payload.(protocol.NewResponse).ParticipantID != quizInfo.ParticipantID {
		t.Fatalf("expected NewResponse, got %+v", resp)
	}

	service.Leave(ctx, info.ID, alice)
	if ev := recv(t, host); ev.Name != protocol.EventParticipantLeft {
		t.Fatalf("expected ParticipantLeft, got %s", ev.Name)
	}
}

func TestLateJoinerReceivesActiveQuestion(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")
	if err := service.StartQuestion(ctx, info.ID, 1); err != nil {
		t.Fatalf("start: %v", err)
	}

	m, _, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer m.Cancel()
	ev := recv(t, m)
	if ev.Name != protocol.EventQuestionStarted || ev.Payload.(protocol.QuestionStarted).ID != 1 {
		t.Fatalf("late joiner should get the active question, got %+v", ev)
	}
}

func TestQuestionLifecycleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")

	if err := service.StartQuestion(ctx, info.ID, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := service.StartQuestion(ctx, info.ID, 1); err != nil {
		t.Fatalf("restarting the active question should be a no-op: %v", err)
	}
	if err := service.StartQuestion(ctx, info.ID, 2); !errors.Is(err, domain.ErrQuestionActive) {
		t.Fatalf("expected ErrQuestionActive, got %v", err)
	}
	if err := service.StartQuestion(ctx, info.ID, 99); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}

	first, err := service.EndQuestion(ctx, info.ID, 1)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	second, err := service.EndQuestion(ctx, info.ID, 1)
	if err != nil {
		t.Fatalf("ending a closed question should return its snapshot: %v", err)
	}
	if !first.ClosedAt.Equal(second.ClosedAt) {
		t.Fatalf("closed snapshot should be frozen")
	}
	if _, err := service.EndQuestion(ctx, info.ID, 2); !errors.Is(err, domain.ErrNoActiveQuestion) {
		t.Fatalf("expected ErrNoActiveQuestion, got %v", err)
	}
	if err := service.StartQuestion(ctx, info.ID, 1); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("a closed question cannot reopen, got %v", err)
	}
}

func TestSubmitAnswerRules(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")
	m, quizInfo, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer m.Cancel()
	pid := quizInfo.ParticipantID

	if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 1, AnswerID: int64Ptr(11)}); !errors.Is(err, domain.ErrQuestionClosed) {
		t.Fatalf("expected ErrQuestionClosed before start, got %v", err)
	}
	_ = service.StartQuestion(ctx, info.ID, 1)

	single := protocol.SubmitAnswerArgs{QuestionID: 1, AnswerID: int64Ptr(11)}
	if err := service.SubmitAnswer(ctx, info.ID, pid, single); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, single); err != nil {
		t.Fatalf("a repeated triple should be accepted: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 1, AnswerID: int64Ptr(12)}); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, 999, single); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 1}); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for an empty answer, got %v", err)
	}

	results, err := service.EndQuestion(ctx, info.ID, 1)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if results.Count(11) != 1 || results.Count(12) != 0 || results.Total != 1 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if len(results.Correct) != 1 || results.Correct[0] != 11 {
		t.Fatalf("expected correct answer 11, got %v", results.Correct)
	}

	_ = service.StartQuestion(ctx, info.ID, 2)
	for _, aid := range []int64{21, 23, 21} {
		if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 2, AnswerID: int64Ptr(aid)}); err != nil {
			t.Fatalf("multi submit %d: %v", aid, err)
		}
	}
	multi, _ := service.EndQuestion(ctx, info.ID, 2)
	if multi.Count(21) != 1 || multi.Count(23) != 1 || multi.Total != 1 {
		t.Fatalf("expected one respondent with two answers, got %+v", multi)
	}

	_ = service.StartQuestion(ctx, info.ID, 3)
	text := protocol.SubmitAnswerArgs{QuestionID: 3, FreeText: strPtr("nice")}
	if err := service.SubmitAnswer(ctx, info.ID, pid, text); err != nil {
		t.Fatalf("free text: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, text); err != nil {
		t.Fatalf("identical free text should be idempotent: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 3, FreeText: strPtr("changed")}); !errors.Is(err, domain.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
}

func TestEndQuizClosesEverything(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")
	m, _, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer m.Cancel()
	_ = service.StartQuestion(ctx, info.ID, 1)
	recv(t, m)

	if err := service.EndQuiz(ctx, info.ID); err != nil {
		t.Fatalf("end quiz: %v", err)
	}
	if ev := recv(t, m); ev.Name != protocol.EventQuestionEnded {
		t.Fatalf("expected the open question to close first, got %s", ev.Name)
	}
	if ev := recv(t, m); ev.Name != protocol.EventQuizEnded {
		t.Fatalf("expected QuizEnded, got %s", ev.Name)
	}
	if err := service.EndQuiz(ctx, info.ID); err != nil {
		t.Fatalf("ending twice should be harmless: %v", err)
	}
	got, _ := service.Session(ctx, info.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
	if err := service.StartQuestion(ctx, info.ID, 2); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if _, _, err := service.JoinParticipant(ctx, info.PIN, "Bob", 0); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("PIN should be released, got %v", err)
	}
}

func TestSurveySubmissionIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "survey")

	questions, err := service.Questions(ctx, info.PIN)
	if err != nil || len(questions) != 2 {
		t.Fatalf("questions: %v %v", questions, err)
	}
	if err := service.StartQuestion(ctx, info.ID, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("self-paced sessions have no host pacing, got %v", err)
	}

	batch := domain.BatchSubmission{
		SubmissionID:    "sub-1",
		ParticipantName: "Alice",
		Entries: []domain.BatchEntry{
			{QuestionID: 1, AnswerID: int64Ptr(11)},
			{QuestionID: 2, FreeTextResponse: "friendly"},
		},
	}
	if _, err := service.SubmitSurvey(ctx, info.PIN, batch); err != nil {
		t.Fatalf("submit survey: %v", err)
	}
	if _, err := service.SubmitSurvey(ctx, info.PIN, batch); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}

	anonymous := domain.BatchSubmission{
		SubmissionID: "sub-2",
		Entries:      []domain.BatchEntry{{QuestionID: 1, AnswerID: int64Ptr(12)}, {QuestionID: 2}},
	}
	if _, err := service.SubmitSurvey(ctx, info.PIN, anonymous); err != nil {
		t.Fatalf("anonymous survey with a skipped question: %v", err)
	}

	bad := domain.BatchSubmission{SubmissionID: "sub-3", Entries: []domain.BatchEntry{{QuestionID: 1, AnswerID: int64Ptr(99)}}}
	if _, err := service.SubmitSurvey(ctx, info.PIN, bad); !errors.Is(err, domain.ErrAnswerNotFound) {
		t.Fatalf("expected ErrAnswerNotFound, got %v", err)
	}
	// a rejected batch does not burn its submission id
	bad.Entries[0].AnswerID = int64Ptr(11)
	if _, err := service.SubmitSurvey(ctx, info.PIN, bad); err != nil {
		t.Fatalf("corrected batch: %v", err)
	}

	results, err := service.Results(ctx, info.ID)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if results[0].Count(11) != 2 || results[0].Count(12) != 1 || results[0].Total != 3 {
		t.Fatalf("unexpected survey results: %+v", results[0])
	}
	if len(results[1].FreeText) != 1 || results[1].FreeText[0] != "friendly" {
		t.Fatalf("unexpected free text results: %+v", results[1])
	}
}

func TestSlowMemberIsDropped(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")
	host, err := service.JoinHost(ctx, info.ID)
	if err != nil {
		t.Fatalf("join host: %v", err)
	}
	defer host.Cancel()

	for i := 0; i < 100; i++ {
		m, _, err := service.JoinParticipant(ctx, info.PIN, "p", 0)
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		defer m.Cancel()
	}

	n := 0
	for range host.Events() {
		n++
	}
	if n == 0 || n > 64 {
		t.Fatalf("expected a bounded backlog before the host was dropped, got %d events", n)
	}
}

func TestStaleLeaveAfterResumeKeepsParticipant(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")

	stale, quizInfo, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	pid := quizInfo.ParticipantID
	resumed, again, err := service.JoinParticipant(ctx, info.PIN, "Alice", pid)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resumed.Cancel()
	if again.ParticipantID != pid {
		t.Fatalf("resume should keep id %d, got %d", pid, again.ParticipantID)
	}

	// The old connection is torn down after the resume completed.
	stale.Cancel()
	service.Leave(ctx, info.ID, stale)

	if err := service.StartQuestion(ctx, info.ID, 1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, protocol.SubmitAnswerArgs{QuestionID: 1, AnswerID: int64Ptr(11)}); err != nil {
		t.Fatalf("submit after stale leave: %v", err)
	}

	host, err := service.JoinHost(ctx, info.ID)
	if err != nil {
		t.Fatalf("join host: %v", err)
	}
	defer host.Cancel()
	snap := recv(t, host).Payload.(protocol.SessionSnapshot)
	if len(snap.Participants) != 1 || snap.Participants[0].ID != pid {
		t.Fatalf("resumed participant should still be listed: %+v", snap.Participants)
	}

	service.Leave(ctx, info.ID, resumed)
	if ev := recv(t, host); ev.Name != protocol.EventParticipantLeft || ev.Payload.(protocol.ParticipantLeft).ID != pid {
		t.Fatalf("expected ParticipantLeft for %d, got %+v", pid, ev)
	}
}

func TestMultipleChoiceRetryReplacesSelection(t *testing.T) {
	ctx := context.Background()
	service := newTestService(t)
	info := activeSession(t, service, "geo")
	m, quizInfo, err := service.JoinParticipant(ctx, info.PIN, "Alice", 0)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	defer m.Cancel()
	pid := quizInfo.ParticipantID
	_ = service.StartQuestion(ctx, info.ID, 2)

	// First attempt commits 21 and fails before 22 lands.
	first := protocol.SubmitAnswerArgs{QuestionID: 2, AnswerID: int64Ptr(21), Attempt: "a1"}
	if err := service.SubmitAnswer(ctx, info.ID, pid, first); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	// The retry picks 23 only.
	retry := protocol.SubmitAnswerArgs{QuestionID: 2, AnswerID: int64Ptr(23), Attempt: "a2"}
	if err := service.SubmitAnswer(ctx, info.ID, pid, retry); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := service.SubmitAnswer(ctx, info.ID, pid, retry); err != nil {
		t.Fatalf("repeating the retry call should be accepted: %v", err)
	}

	results, err := service.EndQuestion(ctx, info.ID, 2)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	want := map[int64]int{21: 0, 22: 0, 23: 1}
	for aid, n := range want {
		if results.Count(aid) != n {
			t.Fatalf("count for %d = %d, want %d (%+v)", aid, results.Count(aid), n, results.Counts)
		}
	}
	if results.Total != 1 {
		t.Fatalf("expected one respondent, got %d", results.Total)
	}
}
