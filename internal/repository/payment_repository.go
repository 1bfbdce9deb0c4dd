package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// PaymentRepo moves payments through capture and payout release.  Both
// moves are conditional on the current status.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, booking_id, user_id, contractor_id, amount_cents, contractor_payout_cents, status, paid_at, released_at, created_at`

func getPayment(ctx context.Context, q execer, id uint64) (*model.Payment, error) {
	var (
		p                model.Payment
		contractorID     sql.NullInt64
		status           string
		paidAt, released sql.NullTime
	)
	err := q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id).Scan(
		&p.ID, &p.BookingID, &p.UserID, &contractorID, &p.AmountCents, &p.ContractorPayoutCents,
		&status, &paidAt, &released, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ContractorID = uintPtr(contractorID)
	p.Status = model.PaymentStatus(status)
	p.PaidAt = timePtr(paidAt)
	p.ReleasedAt = timePtr(released)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// Get returns a payment by id.
func (r *PaymentRepo) Get(ctx context.Context, id uint64) (*model.Payment, error) {
	return getPayment(ctx, r.db, id)
}

func (r *PaymentRepo) move(ctx context.Context, id uint64, from, to model.PaymentStatus, stampCol string, at time.Time) (*model.Payment, error) {
	var out *model.Payment
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = ?, `+stampCol+` = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), at.UTC(), at.UTC(), id, string(from))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrPreconditionFailed
		}
		out, err = getPayment(ctx, tx, id)
		return err
	})
	return out, err
}

// MarkCaptured moves a payment pending→captured and stamps paid_at.
func (r *PaymentRepo) MarkCaptured(ctx context.Context, id uint64, at time.Time) (*model.Payment, error) {
	return r.move(ctx, id, model.PaymentPending, model.PaymentCaptured, "paid_at", at)
}

// Release moves a payment captured→released and stamps released_at.
func (r *PaymentRepo) Release(ctx context.Context, id uint64, at time.Time) (*model.Payment, error) {
	return r.move(ctx, id, model.PaymentCaptured, model.PaymentReleased, "released_at", at)
}
