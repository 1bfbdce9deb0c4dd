package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// JobRepo is the durable store behind the deferred-job scheduler.  A row
// is queued until its run_at passes, dispatched while a worker holds its
// lease, and finally done or abandoned.  A dispatched row whose lease
// ran out is claimable again, which is what makes delivery at-least-once.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo returns a new JobRepo bound to the given database.
func NewJobRepo(db *sql.DB) *JobRepo { return &JobRepo{db: db} }

const jobColumns = `id, kind, payload, run_at, status, attempts, max_attempts, lease_until, last_error, created_at`

func scanJob(s scanner) (*model.DeferredJob, error) {
	var (
		j       model.DeferredJob
		kind    string
		status  string
		payload []byte
		lease   sql.NullTime
		lastErr sql.NullString
	)
	if err := s.Scan(&j.ID, &kind, &payload, &j.RunAt, &status, &j.Attempts, &j.MaxAttempts, &lease, &lastErr, &j.CreatedAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, err
		}
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.LeaseUntil = timePtr(lease)
	j.LastError = stringPtr(lastErr)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

// Enqueue stores a queued job.  The id must already be set.
func (r *JobRepo) Enqueue(ctx context.Context, j *model.DeferredJob) error {
	payload, err := j.PayloadJSON()
	if err != nil {
		return err
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.Status = model.JobQueued
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO deferred_jobs (id, kind, payload, run_at, status, attempts, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?)`,
		j.ID, string(j.Kind), payload, j.RunAt.UTC(), j.MaxAttempts, j.CreatedAt)
	if isDuplicateKey(err) {
		return ErrConflict
	}
	return err
}

// Get returns a job by id or ErrNotFound.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.DeferredJob, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM deferred_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ClaimDue leases up to limit jobs that are due at now: queued rows whose
// run_at has passed and dispatched rows whose lease expired.  SKIP LOCKED
// lets several pollers share the table without handing out a row twice.
func (r *JobRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.DeferredJob, error) {
	now = now.UTC()
	leaseUntil := now.Add(lease)
	var claimed []model.DeferredJob
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM deferred_jobs
			 WHERE (status = 'queued' AND run_at <= ?)
			    OR (status = 'dispatched' AND lease_until <= ?)
			 ORDER BY run_at
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`, now, now, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, *j)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		args := []any{leaseUntil}
		for _, j := range claimed {
			args = append(args, j.ID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE deferred_jobs SET status = 'dispatched', lease_until = ? WHERE id IN (`+placeholders(len(claimed))+`)`,
			args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].Status = model.JobDispatched
		lu := leaseUntil
		claimed[i].LeaseUntil = &lu
	}
	return claimed, nil
}

// MarkDone finishes a job.  Only a dispatched job can finish, so a
// duplicate delivery after completion changes nothing.
func (r *JobRepo) MarkDone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deferred_jobs SET status = 'done', lease_until = NULL WHERE id = ? AND status = 'dispatched'`, id)
	return err
}

// Retry puts a job back in the queue for runAt after a failed attempt.
func (r *JobRepo) Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deferred_jobs SET status = 'queued', attempts = ?, run_at = ?, lease_until = NULL, last_error = ?
		 WHERE id = ? AND status = 'dispatched'`,
		attempts, runAt.UTC(), lastErr, id)
	return err
}

// Abandon gives up on a job that ran out of attempts.
func (r *JobRepo) Abandon(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deferred_jobs SET status = 'abandoned', attempts = ?, lease_until = NULL, last_error = ?
		 WHERE id = ? AND status = 'dispatched'`,
		attempts, lastErr, id)
	return err
}
