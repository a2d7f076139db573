// Package notify publishes action lifecycle and system-message events for
// delivery by the surrounding platform.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventType identifies what happened.
type EventType string

const (
	EventActionCreated   EventType = "action_created"
	EventActionRetracted EventType = "action_retracted"
	EventActionUpdated   EventType = "action_updated"
	EventSpamConfirmed   EventType = "spam_confirmed"
	EventSystemMessage   EventType = "system_message"
)

// Event is the payload published for every notification.
type Event struct {
	Type       EventType `json:"type"`
	ActionID   int64     `json:"action_id,omitempty"`
	ActionType string    `json:"action_type,omitempty"`
	PostID     int64     `json:"post_id,omitempty"`
	TopicID    int64     `json:"topic_id,omitempty"`
	UserID     int64     `json:"user_id,omitempty"`  // recipient or owner
	ActorID    int64     `json:"actor_id,omitempty"` // who caused it
	Template   string    `json:"template,omitempty"` // system message key
	At         time.Time `json:"at"`
}

// Notifier delivers events. Publish must not block on slow consumers.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// DefaultChannel is the redis channel events are published on.
const DefaultChannel = "/post_actions/events"

// RedisNotifier publishes JSON events on a redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier publishes on channel, or DefaultChannel when empty.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// LogNotifier writes events to the log. Used when no redis is configured.
type LogNotifier struct{}

func (LogNotifier) Publish(_ context.Context, ev Event) error {
	log.Info().
		Str("type", string(ev.Type)).
		Int64("action_id", ev.ActionID).
		Int64("post_id", ev.PostID).
		Int64("user_id", ev.UserID).
		Str("template", ev.Template).
		Msg("notify: event")
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Notifier = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters Events by type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
