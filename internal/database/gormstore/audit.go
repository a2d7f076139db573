package gormstore

import (
	"context"
	"fmt"

	"arbiter/internal/moderation"
)

// ========== Audit Log ==========

func (s *Store) LogAction(ctx context.Context, entry moderation.AuditEntry) error {
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("log audit action: %w", err)
	}
	return nil
}

func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]moderation.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []moderation.AuditEntry
	err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

func (s *Store) ListAuditLogForTarget(ctx context.Context, targetType string, targetID int64) ([]moderation.AuditEntry, error) {
	var entries []moderation.AuditEntry
	err := s.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("timestamp").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list audit log for target: %w", err)
	}
	return entries, nil
}
