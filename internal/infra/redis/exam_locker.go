package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ExamLocker serializes ranking runs per exam across worker processes.
// The lock key expires after ttl so a crashed holder cannot block an exam forever.
type ExamLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
}

func NewExamLocker(client *redis.Client, ttl time.Duration) *ExamLocker {
	return &ExamLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
	}
}

func (l *ExamLocker) Lock(ctx context.Context, examID int64) (func(), error) {
	key := l.key(examID)
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// best-effort: an expired lock is already gone
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}, nil
}

func (l *ExamLocker) key(examID int64) string {
	return "exam:ranking-lock:" + strconv.FormatInt(examID, 10)
}
