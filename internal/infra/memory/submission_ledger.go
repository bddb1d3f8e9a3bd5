package memory

import (
	"context"
	"sync"
)

// SubmissionLedger remembers batched submission ids per PIN for the life of
// the process.
type SubmissionLedger struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewSubmissionLedger() *SubmissionLedger {
	return &SubmissionLedger{seen: make(map[string]map[string]struct{})}
}

func (l *SubmissionLedger) Claim(_ context.Context, pin, submissionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.seen[pin]
	if ids == nil {
		ids = make(map[string]struct{})
		l.seen[pin] = ids
	}
	if _, ok := ids[submissionID]; ok {
		return false, nil
	}
	ids[submissionID] = struct{}{}
	return true, nil
}
