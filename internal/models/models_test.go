package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTypeRegistry(t *testing.T) {
	t.Run("flag family is shared", func(t *testing.T) {
		assert.Equal(t, FlagFamily, ActionSpam.Family())
		assert.Equal(t, FlagFamily, ActionOffTopic.Family())
		assert.Equal(t, FlagFamily, ActionNotifyModerators.Family())
		assert.Equal(t, "like", ActionLike.Family())
		assert.Equal(t, "notify_user", ActionNotifyUser.Family())
	})

	t.Run("flag types", func(t *testing.T) {
		assert.Equal(t, []ActionType{
			ActionCustom, ActionInappropriate, ActionNotifyModerators, ActionOffTopic, ActionSpam,
		}, FlagTypes())
	})

	t.Run("auto action flag types", func(t *testing.T) {
		assert.Equal(t, []ActionType{ActionInappropriate, ActionOffTopic, ActionSpam}, AutoActionFlagTypes())
	})

	t.Run("custom has no counter column", func(t *testing.T) {
		info, ok := Lookup(ActionCustom)
		require.True(t, ok)
		assert.Empty(t, info.CounterColumn)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, ok := Lookup("wave")
		assert.False(t, ok)
		assert.False(t, ActionType("wave").IsFlag())
	})

	t.Run("every type is registered under its own key", func(t *testing.T) {
		for k, info := range ActionTypes {
			assert.Equal(t, k, info.Type)
		}
	})
}

func TestPostAction_Resolve(t *testing.T) {
	now := time.Now()
	a := &PostAction{}
	assert.Equal(t, DispositionPending, a.Disposition())
	assert.True(t, a.IsPending())
	assert.True(t, a.IsLive())

	a.Resolve(DispositionDeferred, 7, now)
	assert.Equal(t, DispositionDeferred, a.Disposition())
	assert.False(t, a.IsPending())
	assert.True(t, a.IsLive())

	a.Resolve(DispositionDisagreed, 8, now)
	assert.Equal(t, DispositionDisagreed, a.Disposition())
	assert.Nil(t, a.DeferredAt)
	assert.Nil(t, a.DeferredByID)
	require.NotNil(t, a.DisagreedByID)
	assert.Equal(t, int64(8), *a.DisagreedByID)
	assert.False(t, a.IsLive())
}

func TestUser_Roles(t *testing.T) {
	var nilUser *User
	assert.False(t, nilUser.IsStaff())
	assert.True(t, (&User{Moderator: true}).IsStaff())
	assert.True(t, (&User{Admin: true}).IsStaff())
	assert.True(t, (&User{Admin: true}).IsAdmin())
	assert.False(t, (&User{Moderator: true}).IsAdmin())
	assert.False(t, nilUser.IsAdmin())
	assert.True(t, (&User{ID: SystemUserID}).IsSystem())
	assert.True(t, (&User{TrustLevel: 3}).HasTrustLevel(TrustLevel2))
	assert.False(t, (&User{TrustLevel: 1}).HasTrustLevel(TrustLevel2))
}
