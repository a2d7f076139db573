package models

import "sort"

// ActionType names a kind of post action. The values are stored verbatim in
// post_actions.action_type.
type ActionType string

const (
	ActionBookmark         ActionType = "bookmark"
	ActionLike             ActionType = "like"
	ActionOffTopic         ActionType = "off_topic"
	ActionInappropriate    ActionType = "inappropriate"
	ActionNotifyUser       ActionType = "notify_user"
	ActionNotifyModerators ActionType = "notify_moderators"
	ActionSpam             ActionType = "spam"
	ActionCustom           ActionType = "custom"
)

// FlagFamily is the uniqueness family shared by every flag type, so a user
// holds at most one live flag per post regardless of flavour.
const FlagFamily = "flag"

// RateLimitKind selects which per-day quota an action type draws from.
type RateLimitKind string

const (
	RateLimitNone     RateLimitKind = ""
	RateLimitLike     RateLimitKind = "like"
	RateLimitFlag     RateLimitKind = "flag"
	RateLimitBookmark RateLimitKind = "bookmark"
)

// MessageTarget describes who receives the private message a notify-type
// action creates.
type MessageTarget string

const (
	MessageNone       MessageTarget = ""
	MessageAuthor     MessageTarget = "author"
	MessageModerators MessageTarget = "moderators"
)

// ActionTypeInfo is the static schema entry for one action type.
type ActionTypeInfo struct {
	Type ActionType

	// IsFlag puts the type into the shared flag uniqueness family and makes it
	// subject to dispositions and auto-moderation.
	IsFlag bool

	// AutoAction types are the ones elevated-trust users can hide posts with
	// and the only ones the system user clears.
	AutoAction bool

	// CounterColumn is the denormalized posts column holding the live count,
	// empty when the schema carries none.
	CounterColumn string

	RequiresMessage bool
	MessageTarget   MessageTarget
	RateLimit       RateLimitKind
}

// ActionTypes is the registry of every action type known to this deployment.
// Counter columns listed here must exist on models.Post.
var ActionTypes = map[ActionType]ActionTypeInfo{
	ActionBookmark: {
		Type:          ActionBookmark,
		CounterColumn: "bookmark_count",
		RateLimit:     RateLimitBookmark,
	},
	ActionLike: {
		Type:          ActionLike,
		CounterColumn: "like_count",
		RateLimit:     RateLimitLike,
	},
	ActionOffTopic: {
		Type:          ActionOffTopic,
		IsFlag:        true,
		AutoAction:    true,
		CounterColumn: "off_topic_count",
		RateLimit:     RateLimitFlag,
	},
	ActionInappropriate: {
		Type:          ActionInappropriate,
		IsFlag:        true,
		AutoAction:    true,
		CounterColumn: "inappropriate_count",
		RateLimit:     RateLimitFlag,
	},
	ActionNotifyUser: {
		Type:            ActionNotifyUser,
		CounterColumn:   "notify_user_count",
		RequiresMessage: true,
		MessageTarget:   MessageAuthor,
	},
	ActionNotifyModerators: {
		Type:            ActionNotifyModerators,
		IsFlag:          true,
		CounterColumn:   "notify_moderators_count",
		RequiresMessage: true,
		MessageTarget:   MessageModerators,
		RateLimit:       RateLimitFlag,
	},
	ActionSpam: {
		Type:          ActionSpam,
		IsFlag:        true,
		AutoAction:    true,
		CounterColumn: "spam_count",
		RateLimit:     RateLimitFlag,
	},
	ActionCustom: {
		Type:          ActionCustom,
		IsFlag:        true,
		MessageTarget: MessageModerators,
		RateLimit:     RateLimitFlag,
	},
}

// Lookup returns the registry entry for t.
func Lookup(t ActionType) (ActionTypeInfo, bool) {
	info, ok := ActionTypes[t]
	return info, ok
}

// IsFlag reports whether t is a flag type.
func (t ActionType) IsFlag() bool {
	return ActionTypes[t].IsFlag
}

// Family returns the uniqueness family of t.
func (t ActionType) Family() string {
	if t.IsFlag() {
		return FlagFamily
	}
	return string(t)
}

// FlagTypes returns every flag type, sorted for stable SQL.
func FlagTypes() []ActionType {
	return collectTypes(func(i ActionTypeInfo) bool { return i.IsFlag })
}

// AutoActionFlagTypes returns the flag types the system user may clear and
// elevated-trust users may hide with.
func AutoActionFlagTypes() []ActionType {
	return collectTypes(func(i ActionTypeInfo) bool { return i.IsFlag && i.AutoAction })
}

// AllActionTypes returns every registered type, sorted.
func AllActionTypes() []ActionType {
	return collectTypes(func(ActionTypeInfo) bool { return true })
}

func collectTypes(keep func(ActionTypeInfo) bool) []ActionType {
	out := make([]ActionType, 0, len(ActionTypes))
	for t, info := range ActionTypes {
		if keep(info) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
