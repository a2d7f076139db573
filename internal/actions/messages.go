package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/database"
	"arbiter/internal/models"
	"arbiter/internal/notify"
)

// Message is a private message sent on behalf of a notify type action.
type Message struct {
	SenderID     int64
	RecipientIDs []int64
	Title        string
	Body         string
	PostID       int64
	ActionType   models.ActionType
}

// MessageCreator writes private messages and moderator replies.
type MessageCreator interface {
	// CreateMessage starts a private message thread and returns its first post.
	CreateMessage(ctx context.Context, msg Message) (*models.Post, error)

	// CreateModeratorReply appends a moderator_action post to topicID.
	CreateModeratorReply(ctx context.Context, topicID, moderatorID int64, body string) (*models.Post, error)

	// DiscardMessage removes a thread started by CreateMessage whose action
	// was never written.
	DiscardMessage(ctx context.Context, postID, actorID int64) error
}

// StoreMessageCreator keeps messages as private_message topics in the same
// store and tells each recipient through the notifier.
type StoreMessageCreator struct {
	store    database.Store
	notifier notify.Notifier
}

var _ MessageCreator = (*StoreMessageCreator)(nil)

// NewStoreMessageCreator returns a creator. notifier may be nil.
func NewStoreMessageCreator(store database.Store, notifier notify.Notifier) *StoreMessageCreator {
	return &StoreMessageCreator{store: store, notifier: notifier}
}

func (m *StoreMessageCreator) CreateMessage(ctx context.Context, msg Message) (*models.Post, error) {
	if len(msg.RecipientIDs) == 0 {
		return nil, fmt.Errorf("create message: no recipients")
	}
	topic := &models.Topic{
		Title:     msg.Title,
		UserID:    msg.SenderID,
		Archetype: models.ArchetypePrivateMessage,
		Visible:   true,
	}
	if err := m.store.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	post := &models.Post{
		TopicID:  topic.ID,
		UserID:   msg.SenderID,
		PostType: models.PostTypeRegular,
		Raw:      msg.Body,
	}
	if err := m.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if m.notifier != nil {
		for _, uid := range msg.RecipientIDs {
			err := m.notifier.Publish(ctx, notify.Event{
				Type:       notify.EventSystemMessage,
				Template:   "private_message",
				ActionType: string(msg.ActionType),
				PostID:     post.ID,
				TopicID:    topic.ID,
				UserID:     uid,
				ActorID:    msg.SenderID,
			})
			if err != nil {
				log.Warn().Err(err).Int64("topic_id", topic.ID).Int64("recipient", uid).Msg("actions: message notification failed")
			}
		}
	}
	return post, nil
}

func (m *StoreMessageCreator) CreateModeratorReply(ctx context.Context, topicID, moderatorID int64, body string) (*models.Post, error) {
	post := &models.Post{
		TopicID:  topicID,
		UserID:   moderatorID,
		PostType: models.PostTypeModeratorAction,
		Raw:      body,
	}
	if err := m.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("create moderator reply: %w", err)
	}
	return post, nil
}

func (m *StoreMessageCreator) DiscardMessage(ctx context.Context, postID, actorID int64) error {
	post, err := m.store.GetPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	now := time.Now().UTC()
	if err := m.store.UpdatePost(ctx, post.ID, map[string]any{"deleted_at": now, "deleted_by_id": actorID}); err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	if err := m.store.UpdateTopic(ctx, post.TopicID, map[string]any{"deleted_at": now, "visible": false}); err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	return nil
}
