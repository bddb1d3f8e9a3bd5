package fallback

import (
	"sort"
	"strings"
	"sync"
	"time"

	"quizsync/internal/domain"
)

// PendingSubmission tracks one batch awaiting confirmation from the backend.
type PendingSubmission struct {
	SubmissionID  string
	PIN           string
	Batch         domain.BatchSubmission
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
	Delivered     bool
}

// Outbox stores pending submissions by stable submission id.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingSubmission
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]PendingSubmission),
	}
}

// Upsert stores item, keeping the attempt history of an existing entry.
func (o *Outbox) Upsert(item PendingSubmission) {
	key := strings.TrimSpace(item.SubmissionID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.items[key]; ok {
		item.Attempts = prev.Attempts
		item.LastAttemptAt = prev.LastAttemptAt
		item.LastError = prev.LastError
		item.Delivered = prev.Delivered
		if item.QueuedAt.IsZero() {
			item.QueuedAt = prev.QueuedAt
		}
	}
	o.items[key] = item
}

func (o *Outbox) MarkAttempt(submissionID string, at time.Time, lastErr string) (PendingSubmission, bool) {
	key := strings.TrimSpace(submissionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingSubmission{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *Outbox) MarkDelivered(submissionID string) {
	key := strings.TrimSpace(submissionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if item, ok := o.items[key]; ok {
		item.Delivered = true
		item.LastError = ""
		o.items[key] = item
	}
}

func (o *Outbox) Remove(submissionID string) {
	key := strings.TrimSpace(submissionID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(submissionID string) (PendingSubmission, bool) {
	key := strings.TrimSpace(submissionID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

// List returns undelivered submissions ordered by id.
func (o *Outbox) List() []PendingSubmission {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSubmission, 0, len(o.items))
	for _, item := range o.items {
		if item.Delivered {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmissionID < out[j].SubmissionID
	})
	return out
}
