// Package moderation holds the audit trail of moderator and automod decisions.
package moderation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store defines the persistence interface for the audit log.
// Implementations must be safe for concurrent use.
type Store interface {
	LogAction(ctx context.Context, entry AuditEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error)
	ListAuditLogForTarget(ctx context.Context, targetType string, targetID int64) ([]AuditEntry, error)
}

// Recorder writes audit entries and never fails the caller: a lost audit row
// is logged, not propagated.
type Recorder struct {
	store Store
}

// NewRecorder returns a Recorder writing to store. A nil store disables it.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record fills in ID and Timestamp when unset and persists the entry.
func (r *Recorder) Record(ctx context.Context, entry AuditEntry) {
	if r == nil || r.store == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := r.store.LogAction(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("action", string(entry.Action)).
			Str("target_type", entry.TargetType).
			Int64("target_id", entry.TargetID).
			Msg("moderation: failed to log action")
	}
}
