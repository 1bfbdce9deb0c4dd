package service

import (
	"context"
	"errors"

	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// PaymentCaptured records that the gateway captured paymentID and starts
// the payout hold.  A redelivered signal for a payment that is already
// captured schedules the release again; the release itself only fires
// once.
func (e *Engine) PaymentCaptured(ctx context.Context, paymentID uint64) (*model.Payment, error) {
	now := e.clock()
	p, err := e.payments.MarkCaptured(ctx, paymentID, now)
	if errors.Is(err, repository.ErrPreconditionFailed) {
		cur, gerr := e.payments.Get(ctx, paymentID)
		if gerr != nil {
			return nil, unavailable(gerr)
		}
		if cur.Status != model.PaymentCaptured {
			return nil, repository.ErrPreconditionFailed
		}
		p = cur
		if p.PaidAt != nil {
			now = p.PaidAt.UTC()
		}
	} else if err != nil {
		return nil, unavailable(err)
	}

	e.schedule(ctx, model.JobPayoutRelease, model.JobPayload{PaymentID: p.ID, BookingID: p.BookingID},
		now.Add(e.cfg.PayoutReleaseAfter))
	e.log.Info("payment captured", "payment_id", p.ID, "booking_id", p.BookingID)
	return p, nil
}
