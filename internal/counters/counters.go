// Package counters keeps the denormalized post, topic and topic-user
// statistics consistent with the live post_actions rows.
package counters

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"arbiter/internal/database"
	"arbiter/internal/models"
)

// Refresher recomputes the process-wide flagged-post count.
// *flagcount.Service satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (int64, error)
}

// Engine recomputes counters from scratch on every call. It never patches a
// column by delta, so a missed update heals on the next recompute.
type Engine struct {
	store       database.Store
	flagged     Refresher
	staffWeight int
}

// NewEngine returns an Engine. flagged may be nil.
func NewEngine(store database.Store, flagged Refresher, staffLikeWeight int) *Engine {
	if staffLikeWeight < 1 {
		staffLikeWeight = 1
	}
	return &Engine{store: store, flagged: flagged, staffWeight: staffLikeWeight}
}

// Recompute refreshes every statistic derived from actions of actionType on
// postID. actingUserID selects the topic_users row to refresh for likes and
// bookmarks; zero skips it.
func (e *Engine) Recompute(ctx context.Context, postID int64, actionType models.ActionType, actingUserID int64) error {
	info, ok := models.Lookup(actionType)
	if !ok {
		return fmt.Errorf("recompute: unknown action type %q", actionType)
	}
	post, err := e.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("recompute: %w", err)
	}

	fields := make(map[string]any, 2)
	if info.CounterColumn != "" {
		n, err := e.store.CountActions(ctx, database.ActionFilter{
			PostIDs: []int64{postID},
			Types:   []models.ActionType{actionType},
			Live:    true,
		})
		if err != nil {
			return fmt.Errorf("recompute %s: %w", info.CounterColumn, err)
		}
		fields[info.CounterColumn] = n
	}
	if actionType == models.ActionLike {
		score, err := e.store.LikeScore(ctx, postID, e.staffWeight)
		if err != nil {
			return fmt.Errorf("recompute: %w", err)
		}
		fields["like_score"] = score
	}
	if len(fields) > 0 {
		if err := e.store.UpdatePost(ctx, postID, fields); err != nil {
			return fmt.Errorf("recompute: %w", err)
		}
	}

	if actionType == models.ActionLike {
		if err := e.store.RefreshTopicLikeCount(ctx, post.TopicID); err != nil {
			return fmt.Errorf("recompute: %w", err)
		}
	}

	if actingUserID != 0 {
		if err := e.refreshTopicUser(ctx, actingUserID, post.TopicID, actionType); err != nil {
			return err
		}
	}

	if info.IsFlag && e.flagged != nil {
		if _, err := e.flagged.Refresh(ctx); err != nil {
			// The cached count heals at TTL; the post counters above are
			// already written.
			log.Warn().Err(err).Int64("post_id", postID).Msg("counters: flagged count refresh failed")
		}
	}
	return nil
}

func (e *Engine) refreshTopicUser(ctx context.Context, userID, topicID int64, actionType models.ActionType) error {
	var column string
	switch actionType {
	case models.ActionLike:
		column = "liked"
	case models.ActionBookmark:
		column = "bookmarked"
	default:
		return nil
	}

	has, err := e.store.HasLiveActionInTopic(ctx, userID, topicID, actionType)
	if err != nil {
		return fmt.Errorf("recompute %s: %w", column, err)
	}
	tu := &models.TopicUser{UserID: userID, TopicID: topicID}
	if column == "liked" {
		tu.Liked = has
	} else {
		tu.Bookmarked = has
	}
	if err := e.store.UpsertTopicUser(ctx, tu, column); err != nil {
		return fmt.Errorf("recompute %s: %w", column, err)
	}
	return nil
}

// RecomputeAll recomputes every registered action type on postID.
func (e *Engine) RecomputeAll(ctx context.Context, postID int64) error {
	for _, t := range models.AllActionTypes() {
		if err := e.Recompute(ctx, postID, t, 0); err != nil {
			return err
		}
	}
	return nil
}

// ZeroColumns sets the counter columns of types to zero. Used after staff
// clear flags, when resolved rows must stop counting even if agreed or
// deferred rows remain live.
func (e *Engine) ZeroColumns(ctx context.Context, postID int64, types []models.ActionType) error {
	fields := make(map[string]any, len(types))
	for _, t := range types {
		if info, ok := models.Lookup(t); ok && info.CounterColumn != "" {
			fields[info.CounterColumn] = 0
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := e.store.UpdatePost(ctx, postID, fields); err != nil {
		return fmt.Errorf("zero counters: %w", err)
	}
	return nil
}
