// Package models holds the persisted domain types shared by the store,
// the action service and the moderation policies.
package models

import "time"

// SystemUserID is the distinguished actor used for automatic moderation.
const SystemUserID int64 = -1

// Trust levels
const (
	TrustLevel0 = 0
	TrustLevel1 = 1
	TrustLevel2 = 2
	TrustLevel3 = 3
	TrustLevel4 = 4
)

// User is the subset of account state the action service depends on.
type User struct {
	ID         int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Username   string `gorm:"type:varchar(60);not null" json:"username"`
	TrustLevel int    `gorm:"not null" json:"trust_level"`
	Admin      bool   `gorm:"not null" json:"admin"`
	Moderator  bool   `gorm:"not null" json:"moderator"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (User) TableName() string { return "users" }

// IsStaff reports whether the user is an admin or moderator.
func (u *User) IsStaff() bool {
	return u != nil && (u.Admin || u.Moderator)
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Admin
}

// IsSystem reports whether u is the system user.
func (u *User) IsSystem() bool {
	return u != nil && u.ID == SystemUserID
}

// HasTrustLevel reports whether the user holds at least level.
func (u *User) HasTrustLevel(level int) bool {
	return u != nil && u.TrustLevel >= level
}

// Archetype distinguishes discussion topics from private message threads.
type Archetype string

const (
	ArchetypeRegular        Archetype = "regular"
	ArchetypePrivateMessage Archetype = "private_message"
)

// Topic is the container grouping posts.
type Topic struct {
	ID         int64      `gorm:"primaryKey" json:"id"`
	Title      string     `gorm:"type:varchar(255);not null" json:"title"`
	UserID     int64      `gorm:"not null;index" json:"user_id"`
	Archetype  Archetype  `gorm:"type:varchar(32);not null" json:"archetype"`
	LikeCount  int        `gorm:"not null" json:"like_count"`
	Closed     bool       `gorm:"not null" json:"closed"`
	Visible    bool       `gorm:"not null" json:"visible"`
	AutoOpenAt *time.Time `json:"auto_open_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (Topic) TableName() string { return "topics" }

// PostType separates user content from staff and system notes.
type PostType string

const (
	PostTypeRegular         PostType = "regular"
	PostTypeModeratorAction PostType = "moderator_action"
	PostTypeSmallAction     PostType = "small_action"
)

// HiddenReason records why a post was hidden.
type HiddenReason string

const (
	HiddenReasonNone                      HiddenReason = ""
	HiddenReasonFlagThresholdReached      HiddenReason = "flag_threshold_reached"
	HiddenReasonFlagThresholdReachedAgain HiddenReason = "flag_threshold_reached_again"
	HiddenReasonFlaggedByTL3User          HiddenReason = "flagged_by_tl3_user"
	HiddenReasonFlaggedByTL4User          HiddenReason = "flagged_by_tl4_user"
	HiddenReasonStaffTookAction           HiddenReason = "staff_took_action"
)

// Post is a content item. The *_count columns are denormalized from
// post_actions and are rewritten by the counter engine, never patched.
type Post struct {
	ID         int64    `gorm:"primaryKey" json:"id"`
	TopicID    int64    `gorm:"not null;index" json:"topic_id"`
	UserID     int64    `gorm:"not null;index" json:"user_id"`
	PostNumber int      `gorm:"not null" json:"post_number"`
	PostType   PostType `gorm:"type:varchar(32);not null" json:"post_type"`
	Raw        string   `gorm:"type:text" json:"raw"`

	LikeCount             int `gorm:"not null" json:"like_count"`
	LikeScore             int `gorm:"not null" json:"like_score"`
	BookmarkCount         int `gorm:"not null" json:"bookmark_count"`
	OffTopicCount         int `gorm:"not null" json:"off_topic_count"`
	InappropriateCount    int `gorm:"not null" json:"inappropriate_count"`
	NotifyUserCount       int `gorm:"not null" json:"notify_user_count"`
	NotifyModeratorsCount int `gorm:"not null" json:"notify_moderators_count"`
	SpamCount             int `gorm:"not null" json:"spam_count"`

	Hidden       bool         `gorm:"not null" json:"hidden"`
	HiddenAt     *time.Time   `json:"hidden_at,omitempty"`
	HiddenReason HiddenReason `gorm:"type:varchar(64);not null" json:"hidden_reason,omitempty"`

	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	DeletedByID *int64     `json:"deleted_by_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Post) TableName() string { return "posts" }

// Disposition is the moderator resolution state of a flag.
type Disposition string

const (
	DispositionPending   Disposition = "pending"
	DispositionAgreed    Disposition = "agreed"
	DispositionDisagreed Disposition = "disagreed"
	DispositionDeferred  Disposition = "deferred"
)

// PostAction is one user's action on one post.
//
// Family is derived from ActionType and participates, together with UserID,
// PostID and TargetsTopic, in the partial unique index over live rows
// (deleted_at IS NULL AND disagreed_at IS NULL).
type PostAction struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	UserID          int64      `gorm:"not null;index" json:"user_id"`
	PostID          int64      `gorm:"not null;index" json:"post_id"`
	ActionType      ActionType `gorm:"type:varchar(32);not null" json:"action_type"`
	Family          string     `gorm:"type:varchar(32);not null" json:"-"`
	TargetsTopic    bool       `gorm:"not null" json:"targets_topic"`
	StaffTookAction bool       `gorm:"not null" json:"staff_took_action"`
	RelatedPostID   *int64     `json:"related_post_id,omitempty"`

	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	DeletedByID   *int64     `json:"deleted_by_id,omitempty"`
	AgreedAt      *time.Time `json:"agreed_at,omitempty"`
	AgreedByID    *int64     `json:"agreed_by_id,omitempty"`
	DisagreedAt   *time.Time `json:"disagreed_at,omitempty"`
	DisagreedByID *int64     `json:"disagreed_by_id,omitempty"`
	DeferredAt    *time.Time `json:"deferred_at,omitempty"`
	DeferredByID  *int64     `json:"deferred_by_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (PostAction) TableName() string { return "post_actions" }

// IsDeleted reports whether the action was soft-deleted.
func (a *PostAction) IsDeleted() bool { return a.DeletedAt != nil }

// IsLive reports whether the action occupies its uniqueness slot.
func (a *PostAction) IsLive() bool {
	return a.DeletedAt == nil && a.DisagreedAt == nil
}

// IsPending reports whether the action is an unresolved, undeleted row.
func (a *PostAction) IsPending() bool {
	return a.DeletedAt == nil && a.AgreedAt == nil && a.DisagreedAt == nil && a.DeferredAt == nil
}

// Disposition derives the resolution state from the timestamp columns.
func (a *PostAction) Disposition() Disposition {
	switch {
	case a.AgreedAt != nil:
		return DispositionAgreed
	case a.DisagreedAt != nil:
		return DispositionDisagreed
	case a.DeferredAt != nil:
		return DispositionDeferred
	default:
		return DispositionPending
	}
}

// Resolve sets the timestamp and actor for d and clears the other two, so at
// most one disposition is ever recorded.
func (a *PostAction) Resolve(d Disposition, by int64, at time.Time) {
	a.AgreedAt, a.AgreedByID = nil, nil
	a.DisagreedAt, a.DisagreedByID = nil, nil
	a.DeferredAt, a.DeferredByID = nil, nil
	switch d {
	case DispositionAgreed:
		a.AgreedAt, a.AgreedByID = &at, &by
	case DispositionDisagreed:
		a.DisagreedAt, a.DisagreedByID = &at, &by
	case DispositionDeferred:
		a.DeferredAt, a.DeferredByID = &at, &by
	}
}

// UserStat holds per-user flag outcome counters.
type UserStat struct {
	UserID         int64 `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	FlagsAgreed    int   `gorm:"not null" json:"flags_agreed"`
	FlagsDisagreed int   `gorm:"not null" json:"flags_disagreed"`
}

func (UserStat) TableName() string { return "user_stats" }

// TopicUser caches whether a user liked or bookmarked anything in a topic.
type TopicUser struct {
	UserID     int64 `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	TopicID    int64 `gorm:"primaryKey;autoIncrement:false" json:"topic_id"`
	Liked      bool  `gorm:"not null" json:"liked"`
	Bookmarked bool  `gorm:"not null" json:"bookmarked"`
}

func (TopicUser) TableName() string { return "topic_users" }

// UserAction is an activity log entry for a like or bookmark.
type UserAction struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	UserID        int64      `gorm:"not null;uniqueIndex:ux_user_actions_target,priority:1" json:"user_id"`
	Action        ActionType `gorm:"type:varchar(32);not null;uniqueIndex:ux_user_actions_target,priority:2" json:"action"`
	TargetPostID  int64      `gorm:"not null;uniqueIndex:ux_user_actions_target,priority:3" json:"target_post_id"`
	TargetTopicID int64      `gorm:"not null" json:"target_topic_id"`
	ActingUserID  int64      `gorm:"not null" json:"acting_user_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (UserAction) TableName() string { return "user_actions" }
