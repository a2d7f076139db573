package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"arbiter/internal/models"
)

// ========== Users ==========

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, notFound(err))
	}
	return &u, nil
}

func (s *Store) GetUsers(ctx context.Context, ids []int64) (map[int64]*models.User, error) {
	out := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []*models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *Store) ListStaff(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := s.db.WithContext(ctx).
		Where("(admin = ? OR moderator = ?) AND id <> ?", true, true, models.SystemUserID).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	return users, nil
}

// ========== Topics ==========

func (s *Store) CreateTopic(ctx context.Context, t *models.Topic) error {
	if t.Archetype == "" {
		t.Archetype = models.ArchetypeRegular
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (s *Store) GetTopic(ctx context.Context, id int64) (*models.Topic, error) {
	var t models.Topic
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, fmt.Errorf("get topic %d: %w", id, notFound(err))
	}
	return &t, nil
}

func (s *Store) UpdateTopic(ctx context.Context, id int64, fields map[string]any) error {
	err := s.db.WithContext(ctx).Model(&models.Topic{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update topic %d: %w", id, err)
	}
	return nil
}

// ReopenTopicIfDue opens a closed topic whose auto_open_at has passed. It
// reports false when the topic was reopened or rescheduled in the meantime.
func (s *Store) ReopenTopicIfDue(ctx context.Context, id int64, now time.Time) (bool, error) {
	t, err := s.GetTopic(ctx, id)
	if err != nil {
		return false, err
	}
	if !t.Closed || t.AutoOpenAt == nil || t.AutoOpenAt.After(now) {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Topic{}).
		Where("id = ? AND closed = ?", id, true).
		Updates(map[string]any{"closed": false, "auto_open_at": nil})
	if res.Error != nil {
		return false, fmt.Errorf("reopen topic %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ========== Posts ==========

func (s *Store) CreatePost(ctx context.Context, p *models.Post) error {
	if p.PostType == "" {
		p.PostType = models.PostTypeRegular
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int
		err := tx.Model(&models.Post{}).
			Select("COALESCE(MAX(post_number), 0) + 1").
			Where("topic_id = ?", p.TopicID).
			Scan(&next).Error
		if err != nil {
			return err
		}
		p.PostNumber = next
		return tx.Create(p).Error
	})
	if err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	var p models.Post
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, fmt.Errorf("get post %d: %w", id, notFound(err))
	}
	return &p, nil
}

func (s *Store) ListTopicPosts(ctx context.Context, topicID int64) ([]*models.Post, error) {
	var posts []*models.Post
	err := s.db.WithContext(ctx).
		Where("topic_id = ? AND deleted_at IS NULL", topicID).
		Order("post_number").
		Find(&posts).Error
	if err != nil {
		return nil, fmt.Errorf("list topic posts: %w", err)
	}
	return posts, nil
}

func (s *Store) UpdatePost(ctx context.Context, id int64, fields map[string]any) error {
	err := s.db.WithContext(ctx).Model(&models.Post{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update post %d: %w", id, err)
	}
	return nil
}

func (s *Store) CountVisiblePosts(ctx context.Context, topicID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Post{}).
		Where("topic_id = ? AND hidden = ? AND deleted_at IS NULL", topicID, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count visible posts: %w", err)
	}
	return n, nil
}
