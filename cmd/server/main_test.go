package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/config"
	"arbiter/internal/notify"
	"arbiter/internal/ratelimit"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestOpenRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("empty url stays local", func(t *testing.T) {
		rdb, err := openRedis(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, rdb)

		limiter, notifier, err := backends(rdb)
		require.NoError(t, err)
		assert.IsType(t, &ratelimit.LocalLimiter{}, limiter)
		assert.IsType(t, notify.LogNotifier{}, notifier)
	})

	t.Run("connects to redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb, err := openRedis(ctx, "redis://"+mr.Addr())
		require.NoError(t, err)
		require.NotNil(t, rdb)
		t.Cleanup(func() { rdb.Close() })

		limiter, notifier, err := backends(rdb)
		require.NoError(t, err)
		assert.IsType(t, &ratelimit.RedisLimiter{}, limiter)
		assert.IsType(t, &notify.RedisNotifier{}, notifier)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := openRedis(ctx, "not a url")
		assert.Error(t, err)
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Database.URL = "sqlite://" + filepath.Join(dir, "arbiter.db")
	cfg.Jobs.Path = filepath.Join(dir, "jobs.db")
	cfg.Jobs.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
