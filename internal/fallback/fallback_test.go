package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"quizsync/internal/domain"
	"quizsync/internal/transport/ws"
)

type scriptedSender struct {
	errs  []error
	calls []domain.BatchSubmission
}

func (s *scriptedSender) SubmitSurvey(_ context.Context, _ string, batch domain.BatchSubmission) error {
	s.calls = append(s.calls, batch)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func fastBackoff() ws.BackoffConfig {
	return ws.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestChoosePath(t *testing.T) {
	connErr := &domain.ConnectionError{URL: "ws://x", Attempts: 3, Err: errors.New("refused")}

	if p, err := Choose(nil, true); err != nil || p != PathRealTime {
		t.Fatalf("nil error: got %s %v", p, err)
	}
	if p, err := Choose(connErr, true); err != nil || p != PathFallback {
		t.Fatalf("connection error: got %s %v", p, err)
	}
	if _, err := Choose(connErr, false); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("fallback disabled: got %v", err)
	}
	if _, err := Choose(context.Canceled, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must not fall back, got %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	o := NewOutbox()
	now := time.Now().UTC()
	o.Upsert(PendingSubmission{SubmissionID: "b", PIN: "482913", QueuedAt: now})
	o.Upsert(PendingSubmission{SubmissionID: "a", PIN: "482913", QueuedAt: now})
	o.Upsert(PendingSubmission{SubmissionID: "  "})

	if got := o.List(); len(got) != 2 || got[0].SubmissionID != "a" {
		t.Fatalf("unexpected list: %+v", got)
	}
	item, ok := o.MarkAttempt("a", now.Add(time.Second), " timeout ")
	if !ok || item.Attempts != 1 || item.LastError != "timeout" {
		t.Fatalf("unexpected attempt: %+v", item)
	}
	o.Upsert(PendingSubmission{SubmissionID: "a", PIN: "482913"})
	if item, _ := o.Get("a"); item.Attempts != 1 || !item.QueuedAt.Equal(now) {
		t.Fatalf("upsert lost history: %+v", item)
	}
	o.MarkDelivered("a")
	if got := o.List(); len(got) != 1 || got[0].SubmissionID != "b" {
		t.Fatalf("delivered item still listed: %+v", got)
	}
	o.Remove("b")
	if _, ok := o.Get("b"); ok {
		t.Fatalf("expected b removed")
	}
}

func TestFlushRetriesWithSameSubmissionID(t *testing.T) {
	o := NewOutbox()
	o.Upsert(PendingSubmission{
		SubmissionID: "sub-1",
		PIN:          "482913",
		Batch:        domain.BatchSubmission{SubmissionID: "sub-1", ParticipantName: "Alice"},
	})
	sender := &scriptedSender{errs: []error{fmt.Errorf("http 503"), nil}}
	f := NewFlusher(o, sender, fastBackoff(), 3, nil)

	if err := f.Flush(context.Background(), "sub-1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(sender.calls))
	}
	for _, c := range sender.calls {
		if c.SubmissionID != "sub-1" {
			t.Fatalf("submission id changed across retries: %q", c.SubmissionID)
		}
	}
	if err := f.Flush(context.Background(), "sub-1"); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate after delivery, got %v", err)
	}
	if len(sender.calls) != 2 {
		t.Fatalf("duplicate flush reached the backend")
	}
}

func TestFlushStopsOnRejection(t *testing.T) {
	o := NewOutbox()
	o.Upsert(PendingSubmission{SubmissionID: "sub-2", PIN: "000000"})
	sender := &scriptedSender{errs: []error{fmt.Errorf("%w: unknown pin", domain.ErrRejected)}}
	f := NewFlusher(o, sender, fastBackoff(), 5, nil)

	if err := f.Flush(context.Background(), "sub-2"); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("rejection was retried %d times", len(sender.calls))
	}
	item, _ := o.Get("sub-2")
	if item.Delivered || item.Attempts != 1 || item.LastError == "" {
		t.Fatalf("unexpected outbox state: %+v", item)
	}
}

func TestFlushTreatsServerDuplicateAsDelivered(t *testing.T) {
	o := NewOutbox()
	o.Upsert(PendingSubmission{SubmissionID: "sub-3", PIN: "482913"})
	sender := &scriptedSender{errs: []error{domain.ErrDuplicateSubmission}}
	f := NewFlusher(o, sender, fastBackoff(), 2, nil)

	if err := f.Flush(context.Background(), "sub-3"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if item, _ := o.Get("sub-3"); !item.Delivered {
		t.Fatalf("expected delivered")
	}
}
