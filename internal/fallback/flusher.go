package fallback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"quizsync/internal/domain"
	"quizsync/internal/observability"
	"quizsync/internal/transport/ws"
)

// Sender delivers a batch to the backend.
type Sender interface {
	SubmitSurvey(ctx context.Context, pin string, batch domain.BatchSubmission) error
}

// Flusher retries a queued batch with backoff. The submission id is reused on
// every attempt so the backend can drop repeats of an ambiguous failure.
type Flusher struct {
	outbox      *Outbox
	sender      Sender
	backoff     ws.BackoffConfig
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
	rng         *rand.Rand
}

// NewFlusher builds a flusher. maxAttempts <= 0 means a single attempt.
func NewFlusher(outbox *Outbox, sender Sender, backoff ws.BackoffConfig, maxAttempts int, logger *zap.Logger) *Flusher {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		outbox:      outbox,
		sender:      sender,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Outbox returns the underlying outbox.
func (f *Flusher) Outbox() *Outbox {
	return f.outbox
}

// Flush delivers the queued submission. A submission already delivered yields
// domain.ErrDuplicateSubmission without contacting the backend.
func (f *Flusher) Flush(ctx context.Context, submissionID string) error {
	item, ok := f.outbox.Get(submissionID)
	if !ok {
		return fmt.Errorf("%w: submission %q not queued", domain.ErrInvalidState, submissionID)
	}
	if item.Delivered {
		return domain.ErrDuplicateSubmission
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		err := f.sender.SubmitSurvey(ctx, item.PIN, item.Batch)
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			// The backend already holds this id from an earlier ambiguous attempt.
			err = nil
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		f.outbox.MarkAttempt(submissionID, f.now(), msg)
		if err == nil {
			f.outbox.MarkDelivered(submissionID)
			observability.RecordSubmission("batch", "ok")
			f.logger.Info("batched submission delivered",
				zap.String("submission_id", submissionID),
				zap.Int("entries", len(item.Batch.Entries)),
				zap.Int("attempt", attempt),
			)
			return nil
		}
		lastErr = err
		observability.RecordSubmission("batch", "error")
		f.logger.Warn("batched submission failed",
			zap.String("submission_id", submissionID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !Retryable(err) || attempt == f.maxAttempts {
			break
		}
		timer := time.NewTimer(ws.NextBackoffDelay(f.backoff, attempt, f.rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// Retryable reports whether err may succeed on a later attempt. Business
// rejections and caller cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrRejected), errors.Is(err, domain.ErrProtocol):
		return false
	}
	return true
}
