// Package automod hides posts and closes topics once flags cross the
// configured thresholds.
package automod

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/jobs"
	"arbiter/internal/metrics"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
)

// Policy evaluates the auto-close and auto-hide rules.
type Policy struct {
	store     database.Store
	scheduler jobs.Scheduler
	audit     *moderation.Recorder
	site      config.SiteSettings
	now       func() time.Time
}

// NewPolicy returns a Policy. scheduler and audit may be nil.
func NewPolicy(store database.Store, scheduler jobs.Scheduler, audit *moderation.Recorder, site config.SiteSettings) *Policy {
	return &Policy{
		store:     store,
		scheduler: scheduler,
		audit:     audit,
		site:      site,
		now:       time.Now,
	}
}

// Enforce runs after a flag of actionType by actor lands on post.
func (p *Policy) Enforce(ctx context.Context, actor *models.User, post *models.Post, actionType models.ActionType) error {
	if !actionType.IsFlag() {
		return nil
	}
	closeErr := p.AutoCloseTopic(ctx, post.TopicID)
	hideErr := p.AutoHide(ctx, actor, post, actionType)
	return errors.Join(closeErr, hideErr)
}

// AutoCloseTopic closes an open topic once enough distinct users have
// raised enough pending flags across its posts. System flags do not count.
func (p *Policy) AutoCloseTopic(ctx context.Context, topicID int64) error {
	topic, err := p.store.GetTopic(ctx, topicID)
	if err != nil {
		return fmt.Errorf("auto close: %w", err)
	}
	if topic.Closed {
		return nil
	}

	posts, err := p.store.ListTopicPosts(ctx, topicID)
	if err != nil {
		return fmt.Errorf("auto close: %w", err)
	}
	if len(posts) == 0 {
		return nil
	}
	postIDs := make([]int64, len(posts))
	for i, post := range posts {
		postIDs[i] = post.ID
	}

	system := models.SystemUserID
	flags, err := p.store.ListActions(ctx, database.ActionFilter{
		PostIDs:       postIDs,
		Types:         models.FlagTypes(),
		Pending:       true,
		ExcludeUserID: &system,
	})
	if err != nil {
		return fmt.Errorf("auto close: %w", err)
	}

	flaggers := make(map[int64]struct{}, len(flags))
	for _, f := range flags {
		flaggers[f.UserID] = struct{}{}
	}
	if len(flaggers) < p.site.NumFlaggersToCloseTopic || len(flags) < p.site.NumFlagsToCloseTopic {
		return nil
	}

	openAt := p.now().Add(time.Duration(p.site.NumHoursToCloseTopic) * time.Hour)
	if err := p.store.UpdateTopic(ctx, topicID, map[string]any{
		"closed":       true,
		"auto_open_at": openAt,
	}); err != nil {
		return fmt.Errorf("auto close: %w", err)
	}
	metrics.AutoClosedTotal.Inc()

	if p.scheduler != nil {
		if _, err := p.scheduler.Enqueue(ctx, jobs.Job{
			Kind:    jobs.KindOpenTopic,
			RunAt:   openAt,
			TopicID: topicID,
		}); err != nil {
			log.Error().Err(err).Int64("topic_id", topicID).Msg("automod: failed to schedule topic reopen")
		}
	}

	p.audit.Record(ctx, moderation.AuditEntry{
		Action:     moderation.AuditActionCloseTopic,
		ActorID:    models.SystemUserID,
		TargetType: moderation.TargetTopic,
		TargetID:   topicID,
		Reason:     "flagged_by_community",
		Details: map[string]string{
			"flaggers":     strconv.Itoa(len(flaggers)),
			"flags":        strconv.Itoa(len(flags)),
			"auto_open_at": openAt.UTC().Format(time.RFC3339),
		},
		AutoMod: true,
	})

	log.Info().
		Int64("topic_id", topicID).
		Int("flaggers", len(flaggers)).
		Int("flags", len(flags)).
		Time("auto_open_at", openAt).
		Msg("automod: closed topic")
	return nil
}

// FlagCountsFor returns the weighted flag score of a post split into its
// staff-confirmed part and its unconfirmed part. Each flag staff took action
// on counts as flags_required_to_hide_post.
func (p *Policy) FlagCountsFor(ctx context.Context, postID int64) (oldFlags, newFlags int, err error) {
	fs, err := p.store.FlagScore(ctx, postID)
	if err != nil {
		return 0, 0, err
	}
	return fs.StaffTookAction * p.site.FlagsRequiredToHidePost, fs.Unconfirmed, nil
}

// AutoHide hides post when actor's flag is decisive on its own or when the
// weighted flag score reaches the hide threshold.
func (p *Policy) AutoHide(ctx context.Context, actor *models.User, post *models.Post, actionType models.ActionType) error {
	if post.Hidden {
		return nil
	}

	author, err := p.store.GetUser(ctx, post.UserID)
	if errors.Is(err, database.ErrNotFound) {
		author = &models.User{ID: post.UserID}
	} else if err != nil {
		return fmt.Errorf("auto hide: %w", err)
	}
	if !actor.IsStaff() && author.IsStaff() {
		return nil
	}

	info, _ := models.Lookup(actionType)
	var reason models.HiddenReason
	switch {
	case actionType == models.ActionSpam &&
		actor.HasTrustLevel(models.TrustLevel3) &&
		author.TrustLevel == models.TrustLevel0:
		reason = models.HiddenReasonFlaggedByTL3User
	case info.AutoAction &&
		actor.HasTrustLevel(models.TrustLevel4) &&
		!author.HasTrustLevel(models.TrustLevel4):
		reason = models.HiddenReasonFlaggedByTL4User
	default:
		oldFlags, newFlags, err := p.FlagCountsFor(ctx, post.ID)
		if err != nil {
			return fmt.Errorf("auto hide: %w", err)
		}
		if oldFlags+newFlags < p.site.FlagsRequiredToHidePost {
			return nil
		}
		reason = models.HiddenReasonFlagThresholdReached
		if post.HiddenAt != nil {
			reason = models.HiddenReasonFlagThresholdReachedAgain
		}
	}

	return p.HidePost(ctx, post, reason, models.SystemUserID)
}

// HidePost hides post, hides its topic when no visible post remains, and
// schedules the author notification.
func (p *Policy) HidePost(ctx context.Context, post *models.Post, reason models.HiddenReason, actorID int64) error {
	again := post.HiddenAt != nil
	now := p.now()

	if err := p.store.UpdatePost(ctx, post.ID, map[string]any{
		"hidden":        true,
		"hidden_at":     now,
		"hidden_reason": string(reason),
	}); err != nil {
		return fmt.Errorf("hide post: %w", err)
	}
	post.Hidden = true
	post.HiddenAt = &now
	post.HiddenReason = reason
	metrics.AutoHiddenTotal.WithLabelValues(string(reason)).Inc()

	visible, err := p.store.CountVisiblePosts(ctx, post.TopicID)
	if err != nil {
		return fmt.Errorf("hide post: %w", err)
	}
	if visible == 0 {
		if err := p.store.UpdateTopic(ctx, post.TopicID, map[string]any{"visible": false}); err != nil {
			return fmt.Errorf("hide post: %w", err)
		}
	}

	if p.scheduler != nil {
		kind := jobs.KindPostHidden
		if again {
			kind = jobs.KindPostHiddenAgain
		}
		if _, err := p.scheduler.Enqueue(ctx, jobs.Job{
			Kind:   kind,
			RunAt:  now.Add(p.site.HiddenPostNotifyDelay),
			PostID: post.ID,
			UserID: post.UserID,
		}); err != nil {
			log.Error().Err(err).Int64("post_id", post.ID).Msg("automod: failed to schedule hidden post notice")
		}
	}

	p.audit.Record(ctx, moderation.AuditEntry{
		Action:     moderation.AuditActionHidePost,
		ActorID:    actorID,
		TargetType: moderation.TargetPost,
		TargetID:   post.ID,
		Reason:     string(reason),
		AutoMod:    reason != models.HiddenReasonStaffTookAction,
	})

	log.Info().
		Int64("post_id", post.ID).
		Int64("topic_id", post.TopicID).
		Str("reason", string(reason)).
		Bool("again", again).
		Msg("automod: hid post")
	return nil
}

// UnhidePost makes post and its topic visible again. hidden_at is kept so a
// later hide is recognised as a repeat.
func (p *Policy) UnhidePost(ctx context.Context, post *models.Post, actorID int64) error {
	if err := p.store.UpdatePost(ctx, post.ID, map[string]any{
		"hidden":        false,
		"hidden_reason": string(models.HiddenReasonNone),
	}); err != nil {
		return fmt.Errorf("unhide post: %w", err)
	}
	post.Hidden = false
	post.HiddenReason = models.HiddenReasonNone

	if err := p.store.UpdateTopic(ctx, post.TopicID, map[string]any{"visible": true}); err != nil {
		return fmt.Errorf("unhide post: %w", err)
	}

	p.audit.Record(ctx, moderation.AuditEntry{
		Action:     moderation.AuditActionUnhidePost,
		ActorID:    actorID,
		TargetType: moderation.TargetPost,
		TargetID:   post.ID,
	})
	return nil
}
