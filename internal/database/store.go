package database

import (
	"context"
	"errors"
	"time"

	"arbiter/internal/models"
)

// ErrNotFound is returned by Get* lookups when no row matches.
var ErrNotFound = errors.New("database: not found")

// ErrConflict is returned when a write would take a uniqueness slot that
// another row already holds.
var ErrConflict = errors.New("database: conflict")

// ActionFilter selects post_actions rows. Zero-valued fields do not filter.
type ActionFilter struct {
	PostIDs []int64
	UserID  *int64
	Types   []models.ActionType

	// Live restricts to rows occupying their uniqueness slot
	// (deleted_at IS NULL AND disagreed_at IS NULL).
	Live bool

	// Pending restricts to undeleted rows with no disposition.
	Pending bool

	// IncludeDeleted returns soft-deleted rows too. Ignored when Live or
	// Pending is set.
	IncludeDeleted bool

	ExcludeUserID *int64
}

// FlagScore is the raw input of the weighted flag score.
type FlagScore struct {
	StaffTookAction int
	Unconfirmed     int
}

// Store defines the persistence operations the action service depends on.
// All methods accept a context.Context as the first parameter to support
// cancellation, timeouts, and request-scoped values.
type Store interface {
	// Users, topics and posts
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error)
	ListStaff(ctx context.Context) ([]*models.User, error)

	CreateTopic(ctx context.Context, t *models.Topic) error
	GetTopic(ctx context.Context, id int64) (*models.Topic, error)
	UpdateTopic(ctx context.Context, id int64, fields map[string]any) error
	ReopenTopicIfDue(ctx context.Context, id int64, now time.Time) (bool, error)

	// CreatePost assigns the next post_number within the topic.
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	ListTopicPosts(ctx context.Context, topicID int64) ([]*models.Post, error)
	UpdatePost(ctx context.Context, id int64, fields map[string]any) error
	CountVisiblePosts(ctx context.Context, topicID int64) (int64, error)

	// Actions
	// CreateOrGetExisting inserts a and returns it with created=true. When a
	// concurrent writer already holds the live slot it returns that row with
	// created=false.
	CreateOrGetExisting(ctx context.Context, a *models.PostAction) (*models.PostAction, bool, error)
	GetAction(ctx context.Context, id int64) (*models.PostAction, error)
	FindLiveAction(ctx context.Context, userID, postID int64, family string, targetsTopic bool) (*models.PostAction, error)
	FindDeletedAction(ctx context.Context, userID, postID int64, actionType models.ActionType, targetsTopic bool) (*models.PostAction, error)
	// RecoverAction clears the delete marker and dispositions of a soft-deleted
	// row in place and applies the new options.
	RecoverAction(ctx context.Context, a *models.PostAction) error
	SoftDeleteAction(ctx context.Context, id, deletedByID int64) error
	SaveResolution(ctx context.Context, a *models.PostAction) error
	MarkStaffTookAction(ctx context.Context, id int64) error
	ListActions(ctx context.Context, f ActionFilter) ([]*models.PostAction, error)
	CountActions(ctx context.Context, f ActionFilter) (int64, error)
	InsertActions(ctx context.Context, actions []*models.PostAction) (int, error)

	// Aggregates
	LikeScore(ctx context.Context, postID int64, staffWeight int) (int, error)
	RefreshTopicLikeCount(ctx context.Context, topicID int64) error
	HasLiveActionInTopic(ctx context.Context, userID, topicID int64, actionType models.ActionType) (bool, error)
	FlagScore(ctx context.Context, postID int64) (FlagScore, error)
	// CountFlaggedPosts counts undeleted posts holding at least minFlags
	// pending flags.
	CountFlaggedPosts(ctx context.Context, minFlags int) (int64, error)

	// Per-user caches and logs
	UpsertTopicUser(ctx context.Context, tu *models.TopicUser, columns ...string) error
	GetTopicUser(ctx context.Context, userID, topicID int64) (*models.TopicUser, error)
	IncrementUserStat(ctx context.Context, userID int64, column string) error
	GetUserStat(ctx context.Context, userID int64) (*models.UserStat, error)
	LogUserAction(ctx context.Context, ua *models.UserAction) error
	RemoveUserAction(ctx context.Context, userID int64, action models.ActionType, postID int64) error

	// Close the database connection
	Close() error
}
