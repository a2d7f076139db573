package moderation

import "time"

// AuditAction represents a type of moderation action
type AuditAction string

const (
	AuditActionAgreeFlags    AuditAction = "agree_flags"
	AuditActionDisagreeFlags AuditAction = "disagree_flags"
	AuditActionDeferFlags    AuditAction = "defer_flags"
	AuditActionHidePost      AuditAction = "hide_post"
	AuditActionUnhidePost    AuditAction = "unhide_post"
	AuditActionCloseTopic    AuditAction = "close_topic"
	AuditActionOpenTopic     AuditAction = "open_topic"
	AuditActionDeletePost    AuditAction = "delete_post"
)

// AuditEntry represents a logged moderation action
type AuditEntry struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Action     AuditAction       `gorm:"type:varchar(32);not null;index" json:"action"`
	ActorID    int64             `gorm:"not null" json:"actor_id"` // staff user or models.SystemUserID
	TargetType string            `gorm:"type:varchar(16);not null" json:"target_type"`
	TargetID   int64             `gorm:"not null;index" json:"target_id"`
	Reason     string            `gorm:"type:text" json:"reason"`
	Details    map[string]string `gorm:"serializer:json" json:"details,omitempty"`
	Timestamp  time.Time         `gorm:"not null;index" json:"timestamp"`
	AutoMod    bool              `gorm:"not null" json:"auto_mod"` // true if action was automatic
}

func (AuditEntry) TableName() string { return "moderation_audit_log" }

// Audit targets
const (
	TargetPost  = "post"
	TargetTopic = "topic"
)
