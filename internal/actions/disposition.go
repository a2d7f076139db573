package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"arbiter/internal/database"
	"arbiter/internal/metrics"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
	"arbiter/internal/notify"
	"arbiter/internal/tracing"
)

// Disposition text keys.
const (
	TextAgreed             = "agreed"
	TextAgreedAndDeleted   = "agreed_and_deleted"
	TextDisagreed          = "disagreed"
	TextDeferred           = "deferred"
	TextDeferredAndDeleted = "deferred_and_deleted"
)

// DispositionText is the body of the moderator reply added to a flag's
// message thread when the flag is resolved.
var DispositionText = map[string]string{
	TextAgreed:             "Thanks for letting us know. We agree there is an issue and we are looking into it.",
	TextAgreedAndDeleted:   "Thanks for letting us know. We agree there is an issue and we have removed the post.",
	TextDisagreed:          "Thanks for letting us know. We have reviewed the post and decided no action is needed.",
	TextDeferred:           "Thanks for letting us know. We will take a closer look at this.",
	TextDeferredAndDeleted: "Thanks for letting us know. We have removed the post.",
}

// AgreeFlags confirms every pending flag on postID.
func (s *Service) AgreeFlags(ctx context.Context, postID, moderatorID int64, deletePost bool) (_ []*models.PostAction, err error) {
	ctx, span := tracing.ActionSpan(ctx, "agree_flags", postID, moderatorID, "")
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	moderator, post, err := s.loadModeration(ctx, postID, moderatorID, deletePost)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolve(ctx, post, moderator, models.FlagTypes(), false, models.DispositionAgreed, "flags_agreed")
	if err != nil {
		return nil, err
	}

	for _, a := range resolved {
		if a.ActionType == models.ActionSpam {
			s.publish(ctx, notify.Event{
				Type:       notify.EventSpamConfirmed,
				ActionType: string(models.ActionSpam),
				PostID:     post.ID,
				TopicID:    post.TopicID,
				UserID:     post.UserID,
				ActorID:    moderator.ID,
			})
			break
		}
	}

	text := TextAgreed
	if deletePost {
		text = TextAgreedAndDeleted
		s.deletePost(ctx, post, moderator)
	}
	s.finish(ctx, moderation.AuditActionAgreeFlags, post, moderator, resolved, text)
	return resolved, nil
}

// ClearFlags disagrees with the live flags on postID, freeing each flagger's
// slot. The system user only clears auto-action flag types.
func (s *Service) ClearFlags(ctx context.Context, postID, moderatorID int64) (_ []*models.PostAction, err error) {
	ctx, span := tracing.ActionSpan(ctx, "clear_flags", postID, moderatorID, "")
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	moderator, post, err := s.loadModeration(ctx, postID, moderatorID, false)
	if err != nil {
		return nil, err
	}
	types := models.FlagTypes()
	if moderator.IsSystem() {
		types = models.AutoActionFlagTypes()
	}

	resolved, err := s.resolve(ctx, post, moderator, types, true, models.DispositionDisagreed, "flags_disagreed")
	if err != nil {
		return nil, err
	}
	if err := s.counters.ZeroColumns(ctx, post.ID, types); err != nil {
		log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: zero flag counters failed")
	}

	if !moderator.IsSystem() && post.Hidden {
		if err := s.automod.UnhidePost(ctx, post, moderator.ID); err != nil {
			log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: unhide after clear failed")
		}
	}

	s.finish(ctx, moderation.AuditActionDisagreeFlags, post, moderator, resolved, TextDisagreed)
	return resolved, nil
}

// DeferFlags sets every pending flag on postID aside without a verdict.
func (s *Service) DeferFlags(ctx context.Context, postID, moderatorID int64, deletePost bool) (_ []*models.PostAction, err error) {
	ctx, span := tracing.ActionSpan(ctx, "defer_flags", postID, moderatorID, "")
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	moderator, post, err := s.loadModeration(ctx, postID, moderatorID, deletePost)
	if err != nil {
		return nil, err
	}
	resolved, err := s.resolve(ctx, post, moderator, models.FlagTypes(), false, models.DispositionDeferred, "")
	if err != nil {
		return nil, err
	}

	text := TextDeferred
	if deletePost {
		text = TextDeferredAndDeleted
		s.deletePost(ctx, post, moderator)
	}
	s.finish(ctx, moderation.AuditActionDeferFlags, post, moderator, resolved, text)
	return resolved, nil
}

// loadModeration loads the moderator and post, requiring review_flags and,
// when deletePost is set, delete_post.
func (s *Service) loadModeration(ctx context.Context, postID, moderatorID int64, deletePost bool) (*models.User, *models.Post, error) {
	moderator, err := s.loadUser(ctx, moderatorID)
	if err != nil {
		return nil, nil, err
	}
	need := []moderation.Permission{moderation.PermissionReviewFlags}
	if deletePost {
		need = append(need, moderation.PermissionDeletePost)
	}
	for _, perm := range need {
		if !s.roles.HasPermission(moderator, perm) {
			return nil, nil, fmt.Errorf("%w: user %d lacks %s", ErrForbidden, moderatorID, perm)
		}
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	return moderator, post, nil
}

// resolve applies d to the matching flags one at a time. Each row is
// written and counted on its own, so a failure part way leaves the earlier
// rows resolved.
func (s *Service) resolve(ctx context.Context, post *models.Post, moderator *models.User, types []models.ActionType, live bool, d models.Disposition, statColumn string) ([]*models.PostAction, error) {
	filter := database.ActionFilter{PostIDs: []int64{post.ID}, Types: types}
	if live {
		filter.Live = true
	} else {
		filter.Pending = true
	}
	flags, err := s.store.ListActions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("resolve flags: %w", err)
	}

	now := s.now().UTC()
	touched := make(map[models.ActionType]struct{})
	for _, a := range flags {
		a.Resolve(d, moderator.ID, now)
		if err := s.store.SaveResolution(ctx, a); err != nil {
			return nil, fmt.Errorf("resolve flags: %w", err)
		}
		if statColumn != "" {
			if err := s.store.IncrementUserStat(ctx, a.UserID, statColumn); err != nil {
				log.Error().Err(err).Int64("user_id", a.UserID).Str("stat", statColumn).Msg("actions: user stat update failed")
			}
		}
		touched[a.ActionType] = struct{}{}
	}
	metrics.DispositionsTotal.WithLabelValues(string(d)).Add(float64(len(flags)))

	stages := make([]Stage, 0, len(touched)+len(flags))
	for _, t := range models.FlagTypes() {
		if _, ok := touched[t]; ok {
			stages = append(stages, s.countersStage(post.ID, t, 0))
		}
	}
	for _, a := range flags {
		stages = append(stages, s.notifyStage(notify.EventActionUpdated, a, post, moderator.ID))
	}
	_ = s.pipeline.Run(ctx, "resolve_"+string(d), stages...)

	return flags, nil
}

func (s *Service) deletePost(ctx context.Context, post *models.Post, moderator *models.User) {
	now := s.now().UTC()
	if err := s.store.UpdatePost(ctx, post.ID, map[string]any{
		"deleted_at":    now,
		"deleted_by_id": moderator.ID,
	}); err != nil {
		log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: delete post failed")
		return
	}
	post.DeletedAt = &now
	post.DeletedByID = &moderator.ID

	if err := s.store.RefreshTopicLikeCount(ctx, post.TopicID); err != nil {
		log.Warn().Err(err).Int64("topic_id", post.TopicID).Msg("actions: topic like count refresh failed")
	}
	s.audit.Record(ctx, moderation.AuditEntry{
		Action:     moderation.AuditActionDeletePost,
		ActorID:    moderator.ID,
		TargetType: moderation.TargetPost,
		TargetID:   post.ID,
		AutoMod:    moderator.IsSystem(),
	})
}

// finish sends moderator replies, records the audit entry and refreshes the
// flagged count.
func (s *Service) finish(ctx context.Context, action moderation.AuditAction, post *models.Post, moderator *models.User, resolved []*models.PostAction, text string) {
	for _, a := range resolved {
		if err := s.replyIfNeeded(ctx, moderator, a, text); err != nil {
			log.Error().Err(err).Int64("action_id", a.ID).Msg("actions: moderator reply failed")
		}
	}

	s.audit.Record(ctx, moderation.AuditEntry{
		Action:     action,
		ActorID:    moderator.ID,
		TargetType: moderation.TargetPost,
		TargetID:   post.ID,
		Details:    map[string]string{"flags": strconv.Itoa(len(resolved))},
		AutoMod:    moderator.IsSystem(),
	})

	if s.flagged != nil {
		if _, err := s.flagged.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("actions: flagged count refresh failed")
		}
	}

	log.Info().
		Str("action", string(action)).
		Int64("post_id", post.ID).
		Int64("moderator_id", moderator.ID).
		Int("flags", len(resolved)).
		Msg("actions: resolved flags")
}

// replyIfNeeded answers in the flag's message thread unless staff already
// replied there or a non-regular post exists.
func (s *Service) replyIfNeeded(ctx context.Context, moderator *models.User, a *models.PostAction, text string) error {
	if !s.site.AutoRespondToFlagActions || a.RelatedPostID == nil {
		return nil
	}
	related, err := s.store.GetPost(ctx, *a.RelatedPostID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	posts, err := s.store.ListTopicPosts(ctx, related.TopicID)
	if err != nil {
		return err
	}
	ids := make([]int64, len(posts))
	for i, p := range posts {
		ids[i] = p.UserID
	}
	authors, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return err
	}
	for _, p := range posts {
		if p.PostType != models.PostTypeRegular || authors[p.UserID].IsStaff() {
			return nil
		}
	}

	_, err = s.messages.CreateModeratorReply(ctx, related.TopicID, moderator.ID, DispositionText[text])
	return err
}

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if err := s.notifier.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("actions: notification failed")
	}
}
