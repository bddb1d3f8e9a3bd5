package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionLedger records batched submission ids with SETNX so a retried
// flush is recognised by any instance.
type SubmissionLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSubmissionLedger(client *redis.Client, ttl time.Duration) *SubmissionLedger {
	return &SubmissionLedger{client: client, ttl: ttl}
}

func (l *SubmissionLedger) Claim(ctx context.Context, pin, submissionID string) (bool, error) {
	return l.client.SetNX(ctx, "quizsync:submission:"+pin+":"+submissionID, 1, l.ttl).Result()
}
