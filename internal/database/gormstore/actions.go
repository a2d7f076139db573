package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arbiter/internal/database"
	"arbiter/internal/models"
)

const liveClause = "deleted_at IS NULL AND disagreed_at IS NULL"

const pendingClause = "deleted_at IS NULL AND agreed_at IS NULL AND disagreed_at IS NULL AND deferred_at IS NULL"

func (s *Store) CreateOrGetExisting(ctx context.Context, a *models.PostAction) (*models.PostAction, bool, error) {
	a.Family = a.ActionType.Family()

	err := s.db.WithContext(ctx).Create(a).Error
	if err == nil {
		return a, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("create post action: %w", err)
	}

	existing, ferr := s.FindLiveAction(ctx, a.UserID, a.PostID, a.Family, a.TargetsTopic)
	if ferr != nil {
		return nil, false, fmt.Errorf("create post action: load winner: %w", ferr)
	}
	if existing == nil {
		// The winner was deleted between our insert and the read.
		return nil, false, fmt.Errorf("create post action: %w", database.ErrConflict)
	}

	log.Debug().
		Int64("user_id", a.UserID).
		Int64("post_id", a.PostID).
		Int64("existing_id", existing.ID).
		Msg("gormstore: concurrent insert lost, returning existing action")

	return existing, false, nil
}

func (s *Store) GetAction(ctx context.Context, id int64) (*models.PostAction, error) {
	var a models.PostAction
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, fmt.Errorf("get action %d: %w", id, notFound(err))
	}
	return &a, nil
}

// FindLiveAction returns nil, nil when the slot is free. targetsTopic is
// ignored outside the flag family.
func (s *Store) FindLiveAction(ctx context.Context, userID, postID int64, family string, targetsTopic bool) (*models.PostAction, error) {
	var a models.PostAction
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ? AND family = ?", userID, postID, family).
		Where(liveClause)
	err := slotTopic(q, family, targetsTopic).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live action: %w", err)
	}
	return &a, nil
}

// FindDeletedAction returns the most recent soft-deleted row for the exact
// type, or nil, nil.
func (s *Store) FindDeletedAction(ctx context.Context, userID, postID int64, actionType models.ActionType, targetsTopic bool) (*models.PostAction, error) {
	var a models.PostAction
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ? AND action_type = ?", userID, postID, actionType).
		Where("deleted_at IS NOT NULL")
	err := slotTopic(q, actionType.Family(), targetsTopic).Order("id DESC").Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find deleted action: %w", err)
	}
	return &a, nil
}

func (s *Store) RecoverAction(ctx context.Context, a *models.PostAction) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.PostAction{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"deleted_at":        nil,
			"deleted_by_id":     nil,
			"agreed_at":         nil,
			"agreed_by_id":      nil,
			"disagreed_at":      nil,
			"disagreed_by_id":   nil,
			"deferred_at":       nil,
			"deferred_by_id":    nil,
			"staff_took_action": a.StaffTookAction,
			"related_post_id":   a.RelatedPostID,
			"created_at":        now,
			"updated_at":        now,
		}).Error
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("recover action %d: %w", a.ID, database.ErrConflict)
		}
		return fmt.Errorf("recover action %d: %w", a.ID, err)
	}

	a.DeletedAt, a.DeletedByID = nil, nil
	a.Resolve(models.DispositionPending, 0, now)
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *Store) SoftDeleteAction(ctx context.Context, id, deletedByID int64) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&models.PostAction{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{
			"deleted_at":    now,
			"deleted_by_id": deletedByID,
			"updated_at":    now,
		}).Error
	if err != nil {
		return fmt.Errorf("soft delete action %d: %w", id, err)
	}
	return nil
}

// SaveResolution persists the three disposition columns of a as they are,
// so clearing the others is the caller's models.PostAction.Resolve.
func (s *Store) SaveResolution(ctx context.Context, a *models.PostAction) error {
	err := s.db.WithContext(ctx).Model(&models.PostAction{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"agreed_at":       a.AgreedAt,
			"agreed_by_id":    a.AgreedByID,
			"disagreed_at":    a.DisagreedAt,
			"disagreed_by_id": a.DisagreedByID,
			"deferred_at":     a.DeferredAt,
			"deferred_by_id":  a.DeferredByID,
			"updated_at":      time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("save resolution %d: %w", a.ID, err)
	}
	return nil
}

func (s *Store) MarkStaffTookAction(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&models.PostAction{}).
		Where("id = ?", id).
		Update("staff_took_action", true).Error
	if err != nil {
		return fmt.Errorf("mark staff took action %d: %w", id, err)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, f database.ActionFilter) ([]*models.PostAction, error) {
	var out []*models.PostAction
	if err := s.filtered(ctx, f).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

func (s *Store) CountActions(ctx context.Context, f database.ActionFilter) (int64, error) {
	var n int64
	if err := s.filtered(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// InsertActions copies rows verbatim, ids excepted, in one transaction. A
// live row whose slot is already held on its post is skipped. Family is
// rederived. It returns the number of rows written.
func (s *Store) InsertActions(ctx context.Context, actions []*models.PostAction) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	var written int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := freeSlots(tx, actions)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		// Covers a slot taken after freeSlots read.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100)
		if res.Error != nil {
			return res.Error
		}
		written = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert actions: %w", err)
	}
	return written, nil
}

// freeSlots drops the live rows whose slot is already held, on the target
// post or earlier in actions.
func freeSlots(tx *gorm.DB, actions []*models.PostAction) ([]*models.PostAction, error) {
	var postIDs []int64
	seen := make(map[int64]bool)
	for _, a := range actions {
		a.ID = 0
		a.Family = a.ActionType.Family()
		if !seen[a.PostID] {
			seen[a.PostID] = true
			postIDs = append(postIDs, a.PostID)
		}
	}

	var live []*models.PostAction
	if err := tx.Where("post_id IN ?", postIDs).Where(liveClause).Find(&live).Error; err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(live))
	for _, a := range live {
		held[slotKey(a)] = true
	}

	out := make([]*models.PostAction, 0, len(actions))
	for _, a := range actions {
		if a.IsLive() {
			key := slotKey(a)
			if held[key] {
				log.Debug().
					Int64("user_id", a.UserID).
					Int64("post_id", a.PostID).
					Str("type", string(a.ActionType)).
					Msg("gormstore: slot held, skipping copied action")
				continue
			}
			held[key] = true
		}
		out = append(out, a)
	}
	return out, nil
}

func slotKey(a *models.PostAction) string {
	topic := a.Family == models.FlagFamily && a.TargetsTopic
	return fmt.Sprintf("%d/%d/%s/%t", a.UserID, a.PostID, a.Family, topic)
}

func (s *Store) filtered(ctx context.Context, f database.ActionFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.PostAction{})
	if len(f.PostIDs) > 0 {
		q = q.Where("post_id IN ?", f.PostIDs)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.ExcludeUserID != nil {
		q = q.Where("user_id <> ?", *f.ExcludeUserID)
	}
	if len(f.Types) > 0 {
		q = q.Where("action_type IN ?", typeStrings(f.Types))
	}
	switch {
	case f.Pending:
		q = q.Where(pendingClause)
	case f.Live:
		q = q.Where(liveClause)
	case !f.IncludeDeleted:
		q = q.Where("deleted_at IS NULL")
	}
	return q
}

// slotTopic narrows q by targets_topic for flags, the only family whose
// uniqueness key carries it.
func slotTopic(q *gorm.DB, family string, targetsTopic bool) *gorm.DB {
	if family != models.FlagFamily {
		return q
	}
	return q.Where("targets_topic = ?", targetsTopic)
}

func typeStrings(types []models.ActionType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
