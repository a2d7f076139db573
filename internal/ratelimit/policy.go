// Package ratelimit enforces per-user action quotas scaled by trust level.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/config"
	"arbiter/internal/metrics"
	"arbiter/internal/models"
)

// ErrRateLimitExceeded matches every *ExceededError.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError names the gate that rejected an attempt.
type ExceededError struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s allows %d per %s", e.Key, e.Limit, e.Window)
}

func (e *ExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

func (e *ExceededError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfter is an upper bound on how long the caller should wait.
func (e *ExceededError) RetryAfter() time.Duration { return e.Window }

// CoarseKey is the gate every action and removal passes through.
const CoarseKey = "post_action"

const (
	coarseWindow = time.Minute
	dailyWindow  = 24 * time.Hour
)

// Policy applies the coarse per-minute gate and the per-type daily gate.
type Policy struct {
	limiter Limiter
	site    config.SiteSettings
}

func NewPolicy(limiter Limiter, site config.SiteSettings) *Policy {
	return &Policy{limiter: limiter, site: site}
}

// AllowedRate returns the daily quota for actionType as seen by u. ok is
// false for types without a quota.
func (p *Policy) AllowedRate(u *models.User, actionType models.ActionType) (limit int, window time.Duration, ok bool) {
	info, found := models.Lookup(actionType)
	if !found {
		return 0, 0, false
	}

	switch info.RateLimit {
	case models.RateLimitLike:
		return int(float64(p.site.MaxLikesPerDay) * p.likeMultiplier(u)), dailyWindow, true
	case models.RateLimitFlag:
		return p.site.MaxFlagsPerDay, dailyWindow, true
	case models.RateLimitBookmark:
		return p.site.MaxBookmarksPerDay, dailyWindow, true
	default:
		return 0, 0, false
	}
}

// likeMultiplier picks the highest tier at or below the user's trust level.
func (p *Policy) likeMultiplier(u *models.User) float64 {
	var m float64
	switch {
	case u.HasTrustLevel(models.TrustLevel4):
		m = p.site.TL4LikesMultiplier
	case u.HasTrustLevel(models.TrustLevel3):
		m = p.site.TL3LikesMultiplier
	case u.HasTrustLevel(models.TrustLevel2):
		m = p.site.TL2LikesMultiplier
	default:
		return 1
	}
	if m < 1 {
		return 1
	}
	return m
}

// Check consumes one unit from each applicable gate, coarse first. Staff
// skip the daily gate and the system user skips both.
func (p *Policy) Check(ctx context.Context, u *models.User, actionType models.ActionType) error {
	if u.IsSystem() {
		return nil
	}
	if err := p.CheckCoarse(ctx, u); err != nil {
		return err
	}
	if u.IsStaff() {
		return nil
	}

	limit, window, ok := p.AllowedRate(u, actionType)
	if !ok {
		return nil
	}
	info, _ := models.Lookup(actionType)
	return p.allow(ctx, u.ID, string(info.RateLimit)+"_per_day", limit, window)
}

// CheckCoarse applies only the per-minute gate. Removals use it directly.
func (p *Policy) CheckCoarse(ctx context.Context, u *models.User) error {
	if u.IsSystem() {
		return nil
	}
	return p.allow(ctx, u.ID, CoarseKey, p.site.ActionsPerMinute, coarseWindow)
}

func (p *Policy) allow(ctx context.Context, userID int64, key string, limit int, window time.Duration) error {
	ok, err := p.limiter.Allow(ctx, userID, key, limit, window)
	if err != nil {
		// Fail open on limiter errors.
		log.Warn().Err(err).Str("key", key).Int64("user_id", userID).Msg("ratelimit: limiter unavailable, allowing")
		return nil
	}
	if !ok {
		metrics.RateLimitedTotal.WithLabelValues(key).Inc()
		return &ExceededError{Key: key, Limit: limit, Window: window}
	}
	return nil
}
