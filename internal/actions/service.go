// Package actions implements the post action lifecycle: acting, retracting,
// copying and resolving flags, with the counter, notification and
// auto-moderation side effects that follow.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/automod"
	"arbiter/internal/config"
	"arbiter/internal/counters"
	"arbiter/internal/database"
	"arbiter/internal/metrics"
	"arbiter/internal/models"
	"arbiter/internal/moderation"
	"arbiter/internal/notify"
	"arbiter/internal/ratelimit"
	"arbiter/internal/tracing"
)

// ActOptions are the caller-supplied options of Act.
type ActOptions struct {
	Message      string
	TakeAction   bool
	TargetsTopic bool
}

// Deps are the collaborators of a Service. Notifier, Messages, Flagged,
// Audit and Roles may be nil.
type Deps struct {
	Store    database.Store
	Limits   *ratelimit.Policy
	Counters *counters.Engine
	Automod  *automod.Policy
	Flagged  counters.Refresher
	Notifier notify.Notifier
	Messages MessageCreator
	Audit    *moderation.Recorder
	Roles    *moderation.Roles
	Pipeline *Pipeline
	Site     config.SiteSettings
}

// Service orchestrates post actions.
type Service struct {
	store    database.Store
	limits   *ratelimit.Policy
	counters *counters.Engine
	automod  *automod.Policy
	flagged  counters.Refresher
	notifier notify.Notifier
	messages MessageCreator
	audit    *moderation.Recorder
	roles    *moderation.Roles
	pipeline *Pipeline
	site     config.SiteSettings
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		limits:   d.Limits,
		counters: d.Counters,
		automod:  d.Automod,
		flagged:  d.Flagged,
		notifier: d.Notifier,
		messages: d.Messages,
		audit:    d.Audit,
		roles:    d.Roles,
		pipeline: d.Pipeline,
		site:     d.Site,
		now:      time.Now,
	}
	if s.pipeline == nil {
		s.pipeline = NewPipeline(d.Site.PipelineMaxTries)
	}
	if s.notifier == nil {
		s.notifier = notify.LogNotifier{}
	}
	if s.roles == nil {
		s.roles = moderation.DefaultRoles()
	}
	if s.messages == nil {
		s.messages = NewStoreMessageCreator(d.Store, s.notifier)
	}
	return s
}

// Roles answers the staff permission checks of the service.
func (s *Service) Roles() *moderation.Roles { return s.roles }

// Act records actionType by userID on postID.
//
// A second attempt while the first is live fails with ErrAlreadyActed. A
// concurrent attempt that loses the insert race returns the winner's row. A
// previously retracted action is recovered in place.
func (s *Service) Act(ctx context.Context, userID, postID int64, actionType models.ActionType, opts ActOptions) (_ *models.PostAction, err error) {
	ctx, span := tracing.ActionSpan(ctx, "act", postID, userID, string(actionType))
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	info, ok := models.Lookup(actionType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return nil, err
	}

	if err := s.limits.Check(ctx, user, actionType); err != nil {
		return nil, err
	}

	live, err := s.store.FindLiveAction(ctx, userID, postID, actionType.Family(), opts.TargetsTopic)
	if err != nil {
		return nil, fmt.Errorf("act: %w", err)
	}
	if live != nil {
		return nil, fmt.Errorf("%w: %s on post %d", ErrAlreadyActed, live.ActionType, postID)
	}

	relatedPostID, err := s.createMessage(ctx, user, post, info, opts)
	if err != nil {
		return nil, err
	}

	staffTook := opts.TakeAction && info.IsFlag && s.roles.HasPermission(user, moderation.PermissionTakeAction)
	action, op, err := s.write(ctx, user, post, actionType, opts.TargetsTopic, staffTook, relatedPostID)
	if (err != nil || op == "") && relatedPostID != nil {
		s.discardMessage(ctx, *relatedPostID, user.ID)
	}
	if err != nil {
		return nil, err
	}
	if op == "" {
		// Lost the race; the winner runs the side effects.
		return action, nil
	}
	metrics.ActionsTotal.WithLabelValues(string(actionType), op).Inc()

	_ = s.pipeline.Run(ctx, "act",
		s.countersStage(postID, actionType, userID),
		s.notifyStage(notify.EventActionCreated, action, post, userID),
		s.userActionStage(action, post, false),
	)

	if staffTook {
		s.takeAction(ctx, user, post)
	}

	if info.IsFlag {
		if fresh, err := s.store.GetPost(ctx, postID); err == nil {
			post = fresh
		}
		if err := s.automod.Enforce(ctx, user, post, actionType); err != nil {
			log.Error().Err(err).Int64("post_id", postID).Str("type", string(actionType)).Msg("actions: auto moderation failed")
		}
	}

	log.Info().
		Int64("action_id", action.ID).
		Int64("user_id", userID).
		Int64("post_id", postID).
		Str("type", string(actionType)).
		Str("op", op).
		Msg("actions: acted")
	return action, nil
}

// write inserts or recovers the row. op is "create" or "recover", or empty
// when another writer created the row first.
func (s *Service) write(ctx context.Context, user *models.User, post *models.Post, actionType models.ActionType, targetsTopic, staffTook bool, relatedPostID *int64) (*models.PostAction, string, error) {
	deleted, err := s.store.FindDeletedAction(ctx, user.ID, post.ID, actionType, targetsTopic)
	if err != nil {
		return nil, "", fmt.Errorf("act: %w", err)
	}
	if deleted != nil {
		deleted.StaffTookAction = staffTook
		deleted.RelatedPostID = relatedPostID
		if err := s.store.RecoverAction(ctx, deleted); err != nil {
			if errors.Is(err, database.ErrConflict) {
				return nil, "", fmt.Errorf("%w: %s on post %d", ErrAlreadyActed, actionType, post.ID)
			}
			return nil, "", fmt.Errorf("act: %w", err)
		}
		return deleted, "recover", nil
	}

	action, created, err := s.store.CreateOrGetExisting(ctx, &models.PostAction{
		UserID:          user.ID,
		PostID:          post.ID,
		ActionType:      actionType,
		TargetsTopic:    targetsTopic,
		StaffTookAction: staffTook,
		RelatedPostID:   relatedPostID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("act: %w", err)
	}
	if !created {
		return action, "", nil
	}
	return action, "create", nil
}

func (s *Service) createMessage(ctx context.Context, user *models.User, post *models.Post, info models.ActionTypeInfo, opts ActOptions) (*int64, error) {
	if info.MessageTarget == models.MessageNone {
		return nil, nil
	}
	if opts.Message == "" {
		if info.RequiresMessage {
			return nil, fmt.Errorf("%w for %s", ErrMessageRequired, info.Type)
		}
		return nil, nil
	}

	var recipients []int64
	switch info.MessageTarget {
	case models.MessageAuthor:
		recipients = []int64{post.UserID}
	case models.MessageModerators:
		staff, err := s.store.ListStaff(ctx)
		if err != nil {
			return nil, &MessageCreationError{ActionType: info.Type, Err: err}
		}
		for _, u := range staff {
			recipients = append(recipients, u.ID)
		}
	}

	msgPost, err := s.messages.CreateMessage(ctx, Message{
		SenderID:     user.ID,
		RecipientIDs: recipients,
		Title:        messageTitle(info.Type, post),
		Body:         opts.Message,
		PostID:       post.ID,
		ActionType:   info.Type,
	})
	if err != nil {
		return nil, &MessageCreationError{ActionType: info.Type, Err: err}
	}
	return &msgPost.ID, nil
}

func (s *Service) discardMessage(ctx context.Context, postID, actorID int64) {
	if err := s.messages.DiscardMessage(ctx, postID, actorID); err != nil {
		log.Warn().Err(err).Int64("message_post_id", postID).Msg("actions: discard orphaned message failed")
	}
}

func messageTitle(t models.ActionType, post *models.Post) string {
	switch t {
	case models.ActionNotifyUser:
		return fmt.Sprintf("About your post #%d", post.PostNumber)
	default:
		return fmt.Sprintf("Flag raised on post #%d in topic %d", post.PostNumber, post.TopicID)
	}
}

// takeAction confirms every pending flag on post and hides it.
func (s *Service) takeAction(ctx context.Context, staff *models.User, post *models.Post) {
	if _, err := s.AgreeFlags(ctx, post.ID, staff.ID, false); err != nil {
		log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: take action: agree flags failed")
	}
	fresh, err := s.store.GetPost(ctx, post.ID)
	if err != nil {
		log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: take action: reload post failed")
		return
	}
	if fresh.Hidden {
		return
	}
	if err := s.automod.HidePost(ctx, fresh, models.HiddenReasonStaffTookAction, staff.ID); err != nil {
		log.Error().Err(err).Int64("post_id", post.ID).Msg("actions: take action: hide failed")
	}
}

// RemoveAct retracts userID's live actionType on postID. It is a no-op when
// there is nothing to retract.
func (s *Service) RemoveAct(ctx context.Context, userID, postID int64, actionType models.ActionType) (err error) {
	ctx, span := tracing.ActionSpan(ctx, "remove", postID, userID, string(actionType))
	defer func() {
		tracing.EndWithError(span, err)
		span.End()
	}()

	if _, ok := models.Lookup(actionType); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	post, err := s.loadPost(ctx, postID)
	if err != nil {
		return err
	}
	if err := s.limits.CheckCoarse(ctx, user); err != nil {
		return err
	}

	live, err := s.store.ListActions(ctx, database.ActionFilter{
		PostIDs: []int64{postID},
		UserID:  &userID,
		Types:   []models.ActionType{actionType},
		Live:    true,
	})
	if err != nil {
		return fmt.Errorf("remove act: %w", err)
	}
	if len(live) == 0 {
		return nil
	}

	undoHide := false
	for _, a := range live {
		if err := s.store.SoftDeleteAction(ctx, a.ID, userID); err != nil {
			return fmt.Errorf("remove act: %w", err)
		}
		metrics.ActionsTotal.WithLabelValues(string(actionType), "remove").Inc()
		undoHide = undoHide || a.StaffTookAction
	}

	_ = s.pipeline.Run(ctx, "remove",
		s.countersStage(postID, actionType, userID),
		s.notifyStage(notify.EventActionRetracted, live[0], post, userID),
		s.userActionStage(live[0], post, true),
	)

	if undoHide {
		fresh, err := s.store.GetPost(ctx, postID)
		if err == nil && fresh.Hidden {
			if err := s.automod.UnhidePost(ctx, fresh, userID); err != nil {
				log.Error().Err(err).Int64("post_id", postID).Msg("actions: unhide after retraction failed")
			}
		}
	}

	log.Info().
		Int64("user_id", userID).
		Int64("post_id", postID).
		Str("type", string(actionType)).
		Msg("actions: removed")
	return nil
}

// Copy duplicates every action on sourcePostID, retracted ones included,
// onto targetPostID and recomputes the target's counters. A live action
// whose slot the target already holds is left out.
func (s *Service) Copy(ctx context.Context, sourcePostID, targetPostID int64) error {
	if _, err := s.loadPost(ctx, sourcePostID); err != nil {
		return err
	}
	if _, err := s.loadPost(ctx, targetPostID); err != nil {
		return err
	}

	rows, err := s.store.ListActions(ctx, database.ActionFilter{
		PostIDs:        []int64{sourcePostID},
		IncludeDeleted: true,
	})
	if err != nil {
		return fmt.Errorf("copy actions: %w", err)
	}
	for _, a := range rows {
		a.PostID = targetPostID
	}
	written, err := s.store.InsertActions(ctx, rows)
	if err != nil {
		return fmt.Errorf("copy actions: %w", err)
	}

	if err := s.counters.RecomputeAll(ctx, targetPostID); err != nil {
		return fmt.Errorf("copy actions: %w", err)
	}
	log.Info().
		Int64("source_post_id", sourcePostID).
		Int64("target_post_id", targetPostID).
		Int("actions", len(rows)).
		Int("written", written).
		Msg("actions: copied")
	return nil
}

// FlagCountsFor returns the weighted flag score of postID split into its
// staff-confirmed and unconfirmed parts.
func (s *Service) FlagCountsFor(ctx context.Context, postID int64) (oldFlags, newFlags int, err error) {
	return s.automod.FlagCountsFor(ctx, postID)
}

// ActiveFlagCountsFor groups the pending flags on postIDs by post and type.
func (s *Service) ActiveFlagCountsFor(ctx context.Context, postIDs []int64) (map[int64]map[string][]*models.PostAction, error) {
	out := make(map[int64]map[string][]*models.PostAction, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}
	rows, err := s.store.ListActions(ctx, database.ActionFilter{
		PostIDs: postIDs,
		Types:   models.FlagTypes(),
		Pending: true,
	})
	if err != nil {
		return nil, fmt.Errorf("active flag counts: %w", err)
	}
	for _, a := range rows {
		byType, ok := out[a.PostID]
		if !ok {
			byType = make(map[string][]*models.PostAction)
			out[a.PostID] = byType
		}
		byType[string(a.ActionType)] = append(byType[string(a.ActionType)], a)
	}
	return out, nil
}

// CountsFor returns userID's undeleted actions on postIDs keyed by post and
// type.
func (s *Service) CountsFor(ctx context.Context, postIDs []int64, userID int64) (map[int64]map[string]*models.PostAction, error) {
	out := make(map[int64]map[string]*models.PostAction, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}
	rows, err := s.store.ListActions(ctx, database.ActionFilter{
		PostIDs: postIDs,
		UserID:  &userID,
	})
	if err != nil {
		return nil, fmt.Errorf("counts for: %w", err)
	}
	for _, a := range rows {
		byType, ok := out[a.PostID]
		if !ok {
			byType = make(map[string]*models.PostAction)
			out[a.PostID] = byType
		}
		byType[string(a.ActionType)] = a
	}
	return out, nil
}

// ========== Pipeline stages ==========

func (s *Service) countersStage(postID int64, actionType models.ActionType, actingUserID int64) Stage {
	return Stage{Name: "counters", Run: func(ctx context.Context) error {
		return s.counters.Recompute(ctx, postID, actionType, actingUserID)
	}}
}

func (s *Service) notifyStage(ev notify.EventType, a *models.PostAction, post *models.Post, actorID int64) Stage {
	return Stage{Name: "notify", Run: func(ctx context.Context) error {
		return s.notifier.Publish(ctx, notify.Event{
			Type:       ev,
			ActionID:   a.ID,
			ActionType: string(a.ActionType),
			PostID:     post.ID,
			TopicID:    post.TopicID,
			UserID:     post.UserID,
			ActorID:    actorID,
		})
	}}
}

// userActionStage maintains the activity log for likes and bookmarks.
func (s *Service) userActionStage(a *models.PostAction, post *models.Post, remove bool) Stage {
	return Stage{Name: "user_action", Run: func(ctx context.Context) error {
		if a.ActionType != models.ActionLike && a.ActionType != models.ActionBookmark {
			return nil
		}
		if remove {
			return s.store.RemoveUserAction(ctx, a.UserID, a.ActionType, post.ID)
		}
		return s.store.LogUserAction(ctx, &models.UserAction{
			UserID:        a.UserID,
			Action:        a.ActionType,
			TargetPostID:  post.ID,
			TargetTopicID: post.TopicID,
			ActingUserID:  a.UserID,
		})
	}}
}

// ========== Loading ==========

func (s *Service) loadUser(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (s *Service) loadPost(ctx context.Context, id int64) (*models.Post, error) {
	p, err := s.store.GetPost(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: post %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}
	return p, nil
}
