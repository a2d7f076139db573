package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Limiter is the counting primitive behind a Policy. Allow records one
// attempt for (userID, key) and reports whether it fits in limit per window.
type Limiter interface {
	Allow(ctx context.Context, userID int64, key string, limit int, window time.Duration) (bool, error)
}

// RedisLimiter is a fixed-window counter shared by every process that
// points at the same redis.
type RedisLimiter struct {
	Client *redis.Client
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{Client: client, now: time.Now}
}

func redisKey(key string, userID int64, bucket int64) string {
	return "ratelimit/" + key + "/" + strconv.FormatInt(userID, 10) + "/" + strconv.FormatInt(bucket, 10)
}

func (l *RedisLimiter) Allow(ctx context.Context, userID int64, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("ratelimit: window must be positive")
	}
	bucket := l.now().UnixNano() / int64(window)
	k := redisKey(key, userID, bucket)

	// increment and set expiry in a single round-trip
	multi := l.Client.Pipeline()
	incr := multi.Incr(ctx, k)
	multi.PExpire(ctx, k, window)
	if _, err := multi.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}

// LocalLimiter keeps one sliding-window limiter per (user, key, limit,
// window) in a bounded LRU. Evicted limiters start from zero again.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *localEntry]
}

type localEntry struct {
	lim  *slidingwindow.Limiter
	stop slidingwindow.StopFunc
}

var _ Limiter = (*LocalLimiter)(nil)

// NewLocalLimiter tracks at most size distinct limiters.
func NewLocalLimiter(size int) (*LocalLimiter, error) {
	if size <= 0 {
		size = 50_000
	}
	cache, err := lru.NewWithEvict(size, func(_ string, e *localEntry) {
		if e.stop != nil {
			e.stop()
		}
	})
	if err != nil {
		return nil, err
	}
	return &LocalLimiter{limiters: cache}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, userID int64, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("ratelimit: window must be positive")
	}
	id := fmt.Sprintf("%s/%d/%d/%d", key, userID, limit, window)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters.Get(id)
	if !ok {
		lim, stop := slidingwindow.NewLimiter(window, int64(limit), windowFunc)
		e = &localEntry{lim: lim, stop: stop}
		l.limiters.Add(id, e)
	}
	return e.lim.Allow(), nil
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}
