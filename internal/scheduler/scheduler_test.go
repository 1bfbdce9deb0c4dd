package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/service-dispatch/internal/config"
	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.DeferredJob
}

func newMemStore() *memStore { return &memStore{jobs: map[string]*model.DeferredJob{}} }

func (m *memStore) Enqueue(_ context.Context, j *model.DeferredJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Status = model.JobQueued
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.DeferredJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeferredJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeferredJob
	for _, j := range m.jobs {
		due := j.Status == model.JobQueued && !j.RunAt.After(now)
		expired := j.Status == model.JobDispatched && j.LeaseUntil != nil && !j.LeaseUntil.After(now)
		if due || expired {
			until := now.Add(lease)
			j.Status = model.JobDispatched
			j.LeaseUntil = &until
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunAt.Before(out[b].RunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) set(id string, fn func(j *model.DeferredJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.Status == model.JobDispatched {
		fn(j)
		j.LeaseUntil = nil
	}
	return nil
}

func (m *memStore) MarkDone(_ context.Context, id string) error {
	return m.set(id, func(j *model.DeferredJob) { j.Status = model.JobDone })
}

func (m *memStore) Retry(_ context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	return m.set(id, func(j *model.DeferredJob) {
		j.Status, j.Attempts, j.RunAt, j.LastError = model.JobQueued, attempts, runAt, &lastErr
	})
}

func (m *memStore) Abandon(_ context.Context, id string, attempts int, lastErr string) error {
	return m.set(id, func(j *model.DeferredJob) {
		j.Status, j.Attempts, j.LastError = model.JobAbandoned, attempts, &lastErr
	})
}

func (m *memStore) only(t *testing.T) model.DeferredJob {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) != 1 {
		t.Fatalf("store holds %d jobs, want 1", len(m.jobs))
	}
	for _, j := range m.jobs {
		return *j
	}
	return model.DeferredJob{}
}

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) RunJob(context.Context, model.DeferredJob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func setup(errs ...error) (*memStore, *Scheduler, *Runner, *scriptedHandler, *time.Time) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := config.DefaultDispatch()
	store := newMemStore()
	h := &scriptedHandler{errs: errs}
	s := New(store, cfg, logger.Discard())
	s.now = clock
	r := NewRunner(store, h, cfg, logger.Discard())
	r.now = func() time.Time { return now }
	return store, s, r, h, &now
}

func TestScheduleClampsPastRunAt(t *testing.T) {
	store, s, _, _, now := setup()
	ctx := context.Background()

	if err := s.Schedule(ctx, model.JobReminder, model.JobPayload{BookingID: 1}, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	j := store.only(t)
	if !j.RunAt.Equal(*now) {
		t.Fatalf("run_at = %v, want clamped to %v", j.RunAt, *now)
	}
	if j.ID == "" || j.MaxAttempts != 5 || j.Status != model.JobQueued {
		t.Fatalf("job = %+v", j)
	}
}

func TestScheduleKeepsFutureRunAt(t *testing.T) {
	store, s, r, h, now := setup()
	ctx := context.Background()
	at := now.Add(15 * time.Minute)

	if err := s.Schedule(ctx, model.JobBidExpiry, model.JobPayload{BookingID: 1}, at); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if n, _ := r.PollOnce(ctx); n != 0 || h.calls != 0 {
		t.Fatalf("job ran %d times before it was due", h.calls)
	}
	*now = at
	if n, _ := r.PollOnce(ctx); n != 1 || h.calls != 1 {
		t.Fatalf("dispatched %d, ran %d", n, h.calls)
	}
	if j := store.only(t); j.Status != model.JobDone {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestExecuteRetriesWithBackoffThenAbandons(t *testing.T) {
	boom := errors.New("db down")
	store, s, r, h, now := setup(boom, boom, boom, boom, boom)
	ctx := context.Background()
	if err := s.Schedule(ctx, model.JobPayoutRelease, model.JobPayload{PaymentID: 3}, *now); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, d := range wantDelays {
		if n, err := r.PollOnce(ctx); n != 1 || err != nil {
			t.Fatalf("poll %d: n=%d err=%v", i+1, n, err)
		}
		j := store.only(t)
		if j.Status != model.JobQueued || j.Attempts != i+1 || !j.RunAt.Equal(now.Add(d)) {
			t.Fatalf("after attempt %d: %+v, want run_at +%s", i+1, j, d)
		}
		*now = j.RunAt
	}

	if _, err := r.PollOnce(ctx); err != nil {
		t.Fatalf("final poll: %v", err)
	}
	j := store.only(t)
	if j.Status != model.JobAbandoned || j.Attempts != 5 || j.LastError == nil {
		t.Fatalf("job = %+v, want abandoned after 5 attempts", j)
	}
	if h.calls != 5 {
		t.Fatalf("handler calls = %d", h.calls)
	}
}

func TestExecuteDropsFailedGuard(t *testing.T) {
	store, s, r, _, now := setup(repository.ErrPreconditionFailed)
	ctx := context.Background()
	if err := s.Schedule(ctx, model.JobReminder, model.JobPayload{BookingID: 9}, *now); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := r.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if j := store.only(t); j.Status != model.JobDone || j.Attempts != 0 {
		t.Fatalf("job = %+v", j)
	}
}

func TestExecuteSkipsRedelivery(t *testing.T) {
	store, s, r, h, now := setup()
	ctx := context.Background()
	if err := s.Schedule(ctx, model.JobReviewReminder, model.JobPayload{BookingID: 2}, *now); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := r.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	id := store.only(t).ID
	if err := r.Execute(ctx, id); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if err := r.Execute(ctx, "missing"); err != nil {
		t.Fatalf("unknown job: %v", err)
	}
	if h.calls != 1 {
		t.Fatalf("handler ran %d times", h.calls)
	}
}

type failingTransport struct{}

func (failingTransport) Dispatch(context.Context, model.DeferredJob) error {
	return errors.New("broker unreachable")
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	store, s, r, h, now := setup()
	ctx := context.Background()
	if err := s.Schedule(ctx, model.JobReminder, model.JobPayload{BookingID: 4}, *now); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	r.UseTransport(failingTransport{})
	if n, _ := r.PollOnce(ctx); n != 0 {
		t.Fatalf("dispatched %d through a failing transport", n)
	}
	if j := store.only(t); j.Status != model.JobDispatched {
		t.Fatalf("status = %s", j.Status)
	}

	r.UseTransport(DirectTransport{Runner: r})
	if n, _ := r.PollOnce(ctx); n != 0 {
		t.Fatal("job reclaimed before its lease expired")
	}
	*now = now.Add(time.Minute)
	if n, _ := r.PollOnce(ctx); n != 1 || h.calls != 1 {
		t.Fatalf("dispatched %d, ran %d", n, h.calls)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{4, 40 * time.Second},
		{7, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 5*time.Second, 5*time.Minute); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
