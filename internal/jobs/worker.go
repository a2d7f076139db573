package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"arbiter/internal/metrics"
)

// Handler executes one job. A returned error reschedules the job until
// WorkerOptions.MaxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int

	// RetryBase is the first retry delay; each further attempt doubles it.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultWorkerOptions returns the options used when fields are zero.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		PollInterval: time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
		RetryBase:    5 * time.Second,
		RetryMax:     10 * time.Minute,
	}
}

// Worker polls a Queue and dispatches due jobs to their handlers.
type Worker struct {
	queue Queue
	opts  WorkerOptions
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewWorker creates a worker over queue. Zero option fields take defaults.
func NewWorker(queue Queue, opts WorkerOptions) *Worker {
	d := DefaultWorkerOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = d.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = d.RetryMax
	}
	return &Worker{
		queue:    queue,
		opts:     opts,
		now:      time.Now,
		handlers: make(map[Kind]Handler),
	}
}

// Handle registers h for kind, replacing any previous handler.
func (w *Worker) Handle(kind Kind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	log.Info().Dur("poll_interval", w.opts.PollInterval).Msg("jobs: worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("jobs: worker stopped")
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("jobs: poll failed")
			}
		}
	}
}

// RunOnce executes every job due now and returns how many ran successfully.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.queue.Dequeue(ctx, w.now(), w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue: %w", err)
	}

	ok := 0
	for _, job := range due {
		if ctx.Err() != nil {
			// Put back what we took but did not run.
			w.requeue(context.WithoutCancel(ctx), job, job.RunAt)
			continue
		}
		if w.execute(ctx, job) {
			ok++
		}
	}
	return ok, nil
}

func (w *Worker) execute(ctx context.Context, job Job) bool {
	w.mu.RLock()
	h, found := w.handlers[job.Kind]
	w.mu.RUnlock()

	logger := log.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()

	if !found {
		logger.Warn().Msg("jobs: no handler registered, dropping job")
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "dropped").Inc()
		return false
	}

	err := h(ctx, job)
	if err == nil {
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "success").Inc()
		logger.Debug().Msg("jobs: job completed")
		return true
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts >= w.opts.MaxAttempts {
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "failed").Inc()
		logger.Error().Err(err).Int("attempts", job.Attempts).Msg("jobs: job failed permanently")
		return false
	}

	delay := w.retryDelay(job.Attempts)
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "retry").Inc()
	logger.Warn().Err(err).Int("attempts", job.Attempts).Dur("retry_in", delay).Msg("jobs: job failed, rescheduling")
	w.requeue(ctx, job, w.now().Add(delay))
	return false
}

func (w *Worker) requeue(ctx context.Context, job Job, at time.Time) {
	job.RunAt = at
	if _, err := w.queue.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: failed to requeue job")
	}
}

func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.opts.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.opts.RetryMax {
			return w.opts.RetryMax
		}
	}
	return d
}
