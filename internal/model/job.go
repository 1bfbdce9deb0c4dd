package model

import (
	"encoding/json"
	"time"
)

// JobKind names a deferred job body.
type JobKind string

const (
	JobReminder       JobKind = "reminder"
	JobBidExpiry      JobKind = "bid_expiry"
	JobReviewReminder JobKind = "review_reminder"
	JobPayoutRelease  JobKind = "payout_release"
)

// JobStatus tracks a row of deferred_jobs through delivery.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobDispatched JobStatus = "dispatched"
	JobDone       JobStatus = "done"
	JobAbandoned  JobStatus = "abandoned"
)

// JobPayload carries the identifiers a job body needs.  Unused ids are
// zero and omitted from the stored JSON.
type JobPayload struct {
	BookingID uint64 `json:"booking_id,omitempty"`
	UserID    uint64 `json:"user_id,omitempty"`
	PaymentID uint64 `json:"payment_id,omitempty"`
}

// DeferredJob is a unit of work that must run at or after RunAt.  RunAt
// is absolute so a restart does not shift it.
type DeferredJob struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	Payload     JobPayload `json:"payload"`
	RunAt       time.Time  `json:"run_at"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PayloadJSON encodes the payload for the payload column.
func (j DeferredJob) PayloadJSON() ([]byte, error) { return json.Marshal(j.Payload) }
