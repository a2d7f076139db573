package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arbiter/internal/database"
	"arbiter/internal/models"
)

// LikeScore sums live likes on a post, counting staff likers as staffWeight.
func (s *Store) LikeScore(ctx context.Context, postID int64, staffWeight int) (int, error) {
	var score int
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(CASE WHEN u.admin OR u.moderator THEN ? ELSE 1 END), 0)
		FROM post_actions pa
		LEFT JOIN users u ON u.id = pa.user_id
		WHERE pa.post_id = ?
		  AND pa.action_type = ?
		  AND pa.deleted_at IS NULL
		  AND pa.disagreed_at IS NULL
	`, staffWeight, postID, string(models.ActionLike)).Scan(&score).Error
	if err != nil {
		return 0, fmt.Errorf("like score: %w", err)
	}
	return score, nil
}

func (s *Store) RefreshTopicLikeCount(ctx context.Context, topicID int64) error {
	err := s.db.WithContext(ctx).Exec(`
		UPDATE topics SET like_count = (
			SELECT COALESCE(SUM(like_count), 0) FROM posts
			WHERE topic_id = ? AND deleted_at IS NULL
		) WHERE id = ?
	`, topicID, topicID).Error
	if err != nil {
		return fmt.Errorf("refresh topic like count: %w", err)
	}
	return nil
}

func (s *Store) HasLiveActionInTopic(ctx context.Context, userID, topicID int64, actionType models.ActionType) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PostAction{}).
		Joins("JOIN posts ON posts.id = post_actions.post_id").
		Where("post_actions.user_id = ? AND posts.topic_id = ? AND post_actions.action_type = ?", userID, topicID, string(actionType)).
		Where("post_actions.deleted_at IS NULL AND post_actions.disagreed_at IS NULL").
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("live action in topic: %w", err)
	}
	return n > 0, nil
}

// FlagScore splits a post's live flags by staff_took_action. System user
// flags never count.
func (s *Store) FlagScore(ctx context.Context, postID int64) (database.FlagScore, error) {
	var fs database.FlagScore
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			COALESCE(SUM(CASE WHEN staff_took_action THEN 1 ELSE 0 END), 0) AS staff_took_action,
			COALESCE(SUM(CASE WHEN staff_took_action THEN 0 ELSE 1 END), 0) AS unconfirmed
		FROM post_actions
		WHERE post_id = ?
		  AND action_type IN ?
		  AND user_id <> ?
		  AND deleted_at IS NULL
		  AND disagreed_at IS NULL
	`, postID, typeStrings(models.FlagTypes()), models.SystemUserID).Scan(&fs).Error
	if err != nil {
		return fs, fmt.Errorf("flag score: %w", err)
	}
	return fs, nil
}

func (s *Store) CountFlaggedPosts(ctx context.Context, minFlags int) (int64, error) {
	if minFlags < 1 {
		minFlags = 1
	}
	var n int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*) FROM (
			SELECT pa.post_id
			FROM post_actions pa
			JOIN posts p ON p.id = pa.post_id
			WHERE p.deleted_at IS NULL
			  AND pa.action_type IN ?
			  AND pa.deleted_at IS NULL
			  AND pa.agreed_at IS NULL
			  AND pa.disagreed_at IS NULL
			  AND pa.deferred_at IS NULL
			GROUP BY pa.post_id
			HAVING COUNT(*) >= ?
		) flagged
	`, typeStrings(models.FlagTypes()), minFlags).Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count flagged posts: %w", err)
	}
	return n, nil
}

// ========== Per-user caches ==========

// UpsertTopicUser inserts tu or, on conflict, overwrites only columns.
func (s *Store) UpsertTopicUser(ctx context.Context, tu *models.TopicUser, columns ...string) error {
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "topic_id"}},
	}
	if len(columns) == 0 {
		onConflict.UpdateAll = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(columns)
	}
	if err := s.db.WithContext(ctx).Clauses(onConflict).Create(tu).Error; err != nil {
		return fmt.Errorf("upsert topic user: %w", err)
	}
	return nil
}

func (s *Store) GetTopicUser(ctx context.Context, userID, topicID int64) (*models.TopicUser, error) {
	var tu models.TopicUser
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND topic_id = ?", userID, topicID).
		Take(&tu).Error
	if err != nil {
		return nil, fmt.Errorf("get topic user: %w", notFound(err))
	}
	return &tu, nil
}

// IncrementUserStat bumps flags_agreed or flags_disagreed, creating the row
// on first use.
func (s *Store) IncrementUserStat(ctx context.Context, userID int64, column string) error {
	stat := &models.UserStat{UserID: userID}
	switch column {
	case "flags_agreed":
		stat.FlagsAgreed = 1
	case "flags_disagreed":
		stat.FlagsDisagreed = 1
	default:
		return fmt.Errorf("increment user stat: unknown column %q", column)
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			column: gorm.Expr("user_stats." + column + " + 1"),
		}),
	}).Create(stat).Error
	if err != nil {
		return fmt.Errorf("increment user stat: %w", err)
	}
	return nil
}

// GetUserStat returns a zero row for users with no recorded outcomes.
func (s *Store) GetUserStat(ctx context.Context, userID int64) (*models.UserStat, error) {
	var stat models.UserStat
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UserStat{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user stat: %w", err)
	}
	return &stat, nil
}

// ========== Activity log ==========

func (s *Store) LogUserAction(ctx context.Context, ua *models.UserAction) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "action"}, {Name: "target_post_id"}},
		DoNothing: true,
	}).Create(ua).Error
	if err != nil {
		return fmt.Errorf("log user action: %w", err)
	}
	return nil
}

func (s *Store) RemoveUserAction(ctx context.Context, userID int64, action models.ActionType, postID int64) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND action = ? AND target_post_id = ?", userID, string(action), postID).
		Delete(&models.UserAction{}).Error
	if err != nil {
		return fmt.Errorf("remove user action: %w", err)
	}
	return nil
}
