package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource supplies the values behind the periodic gauges. A nil func
// leaves its gauge untouched; an error keeps the previous value.
type StatsSource struct {
	FlaggedPostCount func(ctx context.Context) (int64, error)
	PendingJobCount  func(ctx context.Context) (int, error)
}

// StartCollector refreshes the gauges now and then every interval until ctx
// is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	collect(ctx, src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(ctx, src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("metrics: collector started")
}

func collect(ctx context.Context, src StatsSource) {
	if src.FlaggedPostCount != nil {
		if n, err := src.FlaggedPostCount(ctx); err != nil {
			log.Debug().Err(err).Msg("metrics: flagged post count unavailable")
		} else {
			FlaggedPosts.Set(float64(n))
		}
	}
	if src.PendingJobCount != nil {
		if n, err := src.PendingJobCount(ctx); err != nil {
			log.Debug().Err(err).Msg("metrics: pending job count unavailable")
		} else {
			JobsPending.Set(float64(n))
		}
	}
}
