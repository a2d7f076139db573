package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"arbiter/internal/metrics"
)

// Stage is one named post-commit side effect.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline runs stages in order after an action commits. A failing stage is
// retried, then logged and counted; later stages still run and nothing is
// rolled back.
type Pipeline struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewPipeline returns a Pipeline trying each stage up to maxTries times.
func NewPipeline(maxTries int) *Pipeline {
	if maxTries < 1 {
		maxTries = 1
	}
	return &Pipeline{
		MaxTries:        uint(maxTries),
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Run executes stages for the operation named op. It returns every stage
// failure joined, for callers that want to inspect them.
func (p *Pipeline) Run(ctx context.Context, op string, stages ...Stage) error {
	var errs []error
	for _, st := range stages {
		if err := p.runStage(ctx, op, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) runStage(ctx context.Context, op string, st Stage) error {
	start := time.Now()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, st.Run(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))

	metrics.PipelineStageDuration.WithLabelValues(st.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineStageFailuresTotal.WithLabelValues(st.Name).Inc()
		log.Error().Err(err).
			Str("op", op).
			Str("stage", st.Name).
			Int("attempts", attempts).
			Msg("actions: pipeline stage failed")
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}
	log.Debug().Str("op", op).Str("stage", st.Name).Int("attempts", attempts).Msg("actions: pipeline stage done")
	return nil
}
