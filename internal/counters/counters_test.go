package counters

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/database/gormstore"
	"arbiter/internal/models"
)

type countingRefresher struct{ calls int }

func (r *countingRefresher) Refresh(context.Context) (int64, error) {
	r.calls++
	return 0, nil
}

func setupTestEngine(t *testing.T) (*Engine, *gormstore.Store, *countingRefresher) {
	t.Helper()
	store, err := gormstore.Open(gormstore.Options{URL: "sqlite://" + filepath.Join(t.TempDir(), "counters.db")})
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	r := &countingRefresher{}
	return NewEngine(store, r, 3), store, r
}

func seed(t *testing.T, store *gormstore.Store) (*models.Topic, *models.Post) {
	t.Helper()
	ctx := context.Background()
	users := []*models.User{
		{ID: 1, Username: "alice", TrustLevel: 1},
		{ID: 2, Username: "bob", TrustLevel: 2},
		{ID: 3, Username: "mod", TrustLevel: 4, Moderator: true},
		{ID: 100, Username: "author", TrustLevel: 1},
	}
	for _, u := range users {
		require.NoError(t, store.CreateUser(ctx, u))
	}
	topic := &models.Topic{Title: "t", UserID: 100, Visible: true}
	require.NoError(t, store.CreateTopic(ctx, topic))
	post := &models.Post{TopicID: topic.ID, UserID: 100, Raw: "body"}
	require.NoError(t, store.CreatePost(ctx, post))
	return topic, post
}

func act(t *testing.T, store *gormstore.Store, userID, postID int64, typ models.ActionType) *models.PostAction {
	t.Helper()
	a, created, err := store.CreateOrGetExisting(context.Background(), &models.PostAction{
		UserID: userID, PostID: postID, ActionType: typ,
	})
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func TestRecompute_Likes(t *testing.T) {
	ctx := context.Background()
	engine, store, refresher := setupTestEngine(t)
	topic, post := seed(t, store)

	act(t, store, 1, post.ID, models.ActionLike)
	act(t, store, 2, post.ID, models.ActionLike)
	act(t, store, 3, post.ID, models.ActionLike)

	require.NoError(t, engine.Recompute(ctx, post.ID, models.ActionLike, 3))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LikeCount)
	assert.Equal(t, 5, got.LikeScore, "two regular likes plus one staff like weighted 3")

	tp, err := store.GetTopic(ctx, topic.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, tp.LikeCount)

	tu, err := store.GetTopicUser(ctx, 3, topic.ID)
	require.NoError(t, err)
	assert.True(t, tu.Liked)
	assert.Zero(t, refresher.calls, "likes do not touch the flagged count")

	t.Run("removal is reflected", func(t *testing.T) {
		live, err := store.FindLiveAction(ctx, 3, post.ID, "like", false)
		require.NoError(t, err)
		require.NoError(t, store.SoftDeleteAction(ctx, live.ID, 3))
		require.NoError(t, engine.Recompute(ctx, post.ID, models.ActionLike, 3))

		got, err := store.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.LikeCount)
		assert.Equal(t, 2, got.LikeScore)

		tu, err := store.GetTopicUser(ctx, 3, topic.ID)
		require.NoError(t, err)
		assert.False(t, tu.Liked)
	})
}

func TestRecompute_Bookmarks(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setupTestEngine(t)
	topic, post := seed(t, store)

	act(t, store, 1, post.ID, models.ActionBookmark)
	require.NoError(t, engine.Recompute(ctx, post.ID, models.ActionBookmark, 1))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.BookmarkCount)

	tu, err := store.GetTopicUser(ctx, 1, topic.ID)
	require.NoError(t, err)
	assert.True(t, tu.Bookmarked)
	assert.False(t, tu.Liked)
}

func TestRecompute_Flags(t *testing.T) {
	ctx := context.Background()
	engine, store, refresher := setupTestEngine(t)
	_, post := seed(t, store)

	act(t, store, 1, post.ID, models.ActionSpam)
	act(t, store, 2, post.ID, models.ActionSpam)
	require.NoError(t, engine.Recompute(ctx, post.ID, models.ActionSpam, 2))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SpamCount)
	assert.Equal(t, 1, refresher.calls)

	t.Run("custom has no column", func(t *testing.T) {
		act(t, store, 3, post.ID, models.ActionCustom)
		assert.NoError(t, engine.Recompute(ctx, post.ID, models.ActionCustom, 3))
		assert.Equal(t, 2, refresher.calls)
	})

	t.Run("zero columns", func(t *testing.T) {
		require.NoError(t, engine.ZeroColumns(ctx, post.ID, []models.ActionType{models.ActionSpam, models.ActionCustom}))
		got, err := store.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Zero(t, got.SpamCount)
	})
}

func TestRecompute_Errors(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setupTestEngine(t)
	_, post := seed(t, store)

	assert.Error(t, engine.Recompute(ctx, post.ID, models.ActionType("wave"), 0))
	assert.Error(t, engine.Recompute(ctx, 9999, models.ActionLike, 0))
}

func TestRecomputeAll(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := setupTestEngine(t)
	_, post := seed(t, store)

	act(t, store, 1, post.ID, models.ActionLike)
	act(t, store, 2, post.ID, models.ActionBookmark)
	act(t, store, 3, post.ID, models.ActionOffTopic)

	require.NoError(t, engine.RecomputeAll(ctx, post.ID))

	got, err := store.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.LikeCount)
	assert.Equal(t, 1, got.BookmarkCount)
	assert.Equal(t, 1, got.OffTopicCount)
	assert.Equal(t, 1, got.LikeScore)
}
