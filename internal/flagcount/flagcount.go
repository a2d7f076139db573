// Package flagcount caches and broadcasts the number of posts awaiting
// flag review.
package flagcount

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"arbiter/internal/metrics"
)

// Channel is the redis channel carrying fresh counts.
const Channel = "/flagged_counts"

const cacheKey = "flagcount/flagged_posts"

// Counter runs the aggregate query. database.Store satisfies it.
type Counter interface {
	CountFlaggedPosts(ctx context.Context, minFlags int) (int64, error)
}

// Options configures a Service.
type Options struct {
	// MinFlags is the pending-flag count at which a post needs review.
	MinFlags int
	TTL      time.Duration

	// Redis enables the shared cache layer and cross-process broadcast.
	// Nil keeps both in process.
	Redis *redis.Client
}

// Service serves the flagged-post count from a two-level cache. Readers may
// see a value up to TTL old; Refresh recomputes and broadcasts.
type Service struct {
	counter  Counter
	minFlags int
	ttl      time.Duration
	cache    *cache.Cache
	rdb      *redis.Client
	sf       singleflight.Group

	mu     sync.Mutex
	nextID int
	subs   map[int]chan int64
}

func New(counter Counter, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.MinFlags < 1 {
		opts.MinFlags = 1
	}
	copts := &cache.Options{
		LocalCache: cache.NewTinyLFU(16, opts.TTL),
	}
	if opts.Redis != nil {
		copts.Redis = opts.Redis
	}
	return &Service{
		counter:  counter,
		minFlags: opts.MinFlags,
		ttl:      opts.TTL,
		cache:    cache.New(copts),
		rdb:      opts.Redis,
		subs:     make(map[int]chan int64),
	}
}

// Get returns the cached count, computing it on a miss.
func (s *Service) Get(ctx context.Context) (int64, error) {
	var n int64
	missed := false
	err := s.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   cacheKey,
		Value: &n,
		TTL:   s.ttl,
		Do: func(*cache.Item) (any, error) {
			missed = true
			return s.compute(ctx)
		},
	})
	if err != nil {
		return 0, err
	}
	if missed {
		metrics.FlaggedCountCacheMissesTotal.Inc()
	} else {
		metrics.FlaggedCountCacheHitsTotal.Inc()
	}
	return n, nil
}

// Refresh recomputes the count, stores it and broadcasts it. Concurrent
// callers in one process share a single query.
func (s *Service) Refresh(ctx context.Context) (int64, error) {
	v, err, _ := s.sf.Do("refresh", func() (any, error) {
		n, err := s.compute(ctx)
		if err != nil {
			return int64(0), err
		}
		// Set keeps a value the local layer already holds.
		s.cache.DeleteFromLocalCache(cacheKey)
		if err := s.cache.Set(&cache.Item{Ctx: ctx, Key: cacheKey, Value: n, TTL: s.ttl}); err != nil {
			log.Warn().Err(err).Msg("flagcount: failed to store count")
		}
		s.broadcast(ctx, n)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate drops the cached value so the next Get recomputes.
func (s *Service) Invalidate(ctx context.Context) error {
	err := s.cache.Delete(ctx, cacheKey)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Subscribe returns a channel receiving every broadcast count until ctx is
// done. Slow receivers miss values rather than block publishers.
func (s *Service) Subscribe(ctx context.Context) <-chan int64 {
	ch := make(chan int64, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Run relays counts published by other processes to local subscribers and
// drops the stale local cache entry. It is a no-op without redis.
func (s *Service) Run(ctx context.Context) error {
	if s.rdb == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := s.rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			n, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				log.Warn().Str("payload", msg.Payload).Msg("flagcount: malformed broadcast")
				continue
			}
			s.cache.DeleteFromLocalCache(cacheKey)
			s.fanout(n)
		}
	}
}

func (s *Service) compute(ctx context.Context) (int64, error) {
	return s.counter.CountFlaggedPosts(ctx, s.minFlags)
}

func (s *Service) broadcast(ctx context.Context, n int64) {
	if s.rdb == nil {
		s.fanout(n)
		return
	}
	if err := s.rdb.Publish(ctx, Channel, strconv.FormatInt(n, 10)).Err(); err != nil {
		log.Warn().Err(err).Msg("flagcount: publish failed, notifying local subscribers only")
		s.fanout(n)
	}
}

func (s *Service) fanout(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
