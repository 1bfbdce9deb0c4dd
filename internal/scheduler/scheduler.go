// Package scheduler persists deferred jobs with an absolute run time and
// executes them at least once.  A poller claims due rows, hands them to a
// transport (RabbitMQ or in-process) and the worker side runs the job body
// and records the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/service-dispatch/internal/config"
	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// Store is the deferred_jobs table.
type Store interface {
	Enqueue(ctx context.Context, j *model.DeferredJob) error
	Get(ctx context.Context, id string) (*model.DeferredJob, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeferredJob, error)
	MarkDone(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error
	Abandon(ctx context.Context, id string, attempts int, lastErr string) error
}

// Scheduler writes jobs.  It satisfies service.Scheduler.
type Scheduler struct {
	store       Store
	maxAttempts int
	now         func() time.Time
	log         *logger.Logger
}

// New returns a Scheduler over store.
func New(store Store, cfg config.DispatchConfig, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{store: store, maxAttempts: cfg.JobMaxAttempts, now: time.Now, log: log}
}

// Schedule persists a job that runs at runAt.  A runAt in the past is
// clamped to now so the job fires on the next poll.
func (s *Scheduler) Schedule(ctx context.Context, kind model.JobKind, payload model.JobPayload, runAt time.Time) error {
	now := s.now().UTC()
	runAt = runAt.UTC()
	if runAt.Before(now) {
		runAt = now
	}
	j := &model.DeferredJob{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		RunAt:       runAt,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
	}
	if err := s.store.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.log.Debug("job scheduled", "job_id", j.ID, "kind", kind, "run_at", runAt)
	return nil
}

// Handler runs a job body.  repository.ErrPreconditionFailed means the
// guard no longer holds and the job is finished without effect.
type Handler interface {
	RunJob(ctx context.Context, j model.DeferredJob) error
}

// Transport carries a claimed job to a worker.
type Transport interface {
	Dispatch(ctx context.Context, j model.DeferredJob) error
}

// Runner polls for due jobs and executes delivered ones.
type Runner struct {
	store     Store
	handler   Handler
	transport Transport

	batch     int
	lease     time.Duration
	interval  time.Duration
	retryBase time.Duration
	retryMax  time.Duration

	now func() time.Time
	log *logger.Logger
}

// NewRunner returns a Runner that executes jobs in-process until a
// transport is set with UseTransport.
func NewRunner(store Store, handler Handler, cfg config.DispatchConfig, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	r := &Runner{
		store:     store,
		handler:   handler,
		batch:     cfg.JobBatch,
		lease:     cfg.JobLease,
		interval:  cfg.JobPollInterval,
		retryBase: cfg.JobRetryBase,
		retryMax:  cfg.JobRetryMax,
		now:       time.Now,
		log:       log.With("component", "job-runner"),
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	r.transport = DirectTransport{Runner: r}
	return r
}

// UseTransport replaces the in-process transport.
func (r *Runner) UseTransport(t Transport) { r.transport = t }

// Run polls every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("job poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce claims the jobs due now and dispatches them.  It returns how
// many were handed to the transport.  A job whose dispatch fails keeps
// its lease and is claimed again once the lease runs out.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	jobs, err := r.store.ClaimDue(ctx, r.now().UTC(), r.lease, r.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := r.transport.Dispatch(ctx, j); err != nil {
			r.log.Warn("job dispatch failed", "job_id", j.ID, "kind", j.Kind, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Execute runs job id if it is still dispatched, then records done, a
// retry with backoff, or abandonment.  A job in any other state was
// already handled and is skipped, which makes redelivery harmless.
func (r *Runner) Execute(ctx context.Context, id string) error {
	j, err := r.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		r.log.Warn("delivered job not found", "job_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if j.Status != model.JobDispatched {
		return nil
	}
	log := r.log.With("job_id", j.ID, "kind", j.Kind, "booking_id", j.Payload.BookingID)

	runErr := r.handler.RunJob(ctx, *j)
	switch {
	case runErr == nil:
		log.Debug("job done")
		return r.store.MarkDone(ctx, j.ID)
	case errors.Is(runErr, repository.ErrPreconditionFailed):
		log.Info("job guard no longer holds; dropped")
		return r.store.MarkDone(ctx, j.ID)
	}

	attempts := j.Attempts + 1
	if attempts >= max(j.MaxAttempts, 1) {
		log.Error("job abandoned", "attempts", attempts, "error", runErr)
		return r.store.Abandon(ctx, j.ID, attempts, runErr.Error())
	}
	next := r.now().UTC().Add(Backoff(attempts, r.retryBase, r.retryMax))
	log.Warn("job failed; will retry", "attempts", attempts, "next_run_at", next, "error", runErr)
	return r.store.Retry(ctx, j.ID, attempts, next, runErr.Error())
}

// Backoff is base·2^(attempt−1) capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

// DirectTransport executes claimed jobs synchronously on the poller.
type DirectTransport struct {
	Runner *Runner
}

// Dispatch implements Transport.
func (t DirectTransport) Dispatch(ctx context.Context, j model.DeferredJob) error {
	return t.Runner.Execute(ctx, j.ID)
}
