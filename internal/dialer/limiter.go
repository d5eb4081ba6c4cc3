package dialer

import (
	"context"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Limiter caps simultaneous calls across every campaign. TryAcquire returns
// a token that identifies the slot to Release.
type Limiter interface {
	TryAcquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string)
}

// LocalLimiter caps calls within this process.
type LocalLimiter struct {
	sem *semaphore.Weighted
}

func NewLocalLimiter(n int) *LocalLimiter {
	if n <= 0 {
		n = 1
	}
	return &LocalLimiter{sem: semaphore.NewWeighted(int64(n))}
}

func (l *LocalLimiter) TryAcquire(context.Context) (string, bool, error) {
	return "", l.sem.TryAcquire(1), nil
}

func (l *LocalLimiter) Release(context.Context, string) { l.sem.Release(1) }

// RedisLimiter shares one cap between dialer processes. Every slot is its
// own member of a sorted set and expires ttl after it was taken, so a
// crashed process leaks slots for at most ttl. ttl must outlast the longest
// call the watchdog allows.
type RedisLimiter struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
	clock func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, key: utils.RedisKey("slots", "global"), limit: limit, ttl: ttl, clock: time.Now}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := utils.AcquireConcurrencyCap(ctx, l.rdb, l.key, token, l.limit, l.ttl, l.clock())
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (l *RedisLimiter) Release(ctx context.Context, token string) {
	// best effort; the slot's own expiry reclaims anything lost here
	_ = utils.ReleaseConcurrencyCap(context.WithoutCancel(ctx), l.rdb, l.key, token)
}
