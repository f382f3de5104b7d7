package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobLock is a Redis TTL lock guarding single-flight background jobs across
// worker instances. It is advisory: in-request serialization is done with row
// locks, this only keeps overlapping cron fires from running the same sweep.
type JobLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewJobLock constructs the lock helper.
func NewJobLock(client *redis.Client, ttl time.Duration) *JobLock {
	return &JobLock{client: client, ttl: ttl}
}

// JobLockKey builds the lock key for a named job.
func JobLockKey(job string) string {
	return fmt.Sprintf("stock:job:%s:lock", job)
}

// Acquire claims the key, returning false if another holder owns it. The
// returned token must be passed back to Release.
func (l *JobLock) Acquire(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", true, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Release drops the lock when still held by the given token.
func (l *JobLock) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}
