package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// RunJob executes the body for j.Kind.  It returns
// repository.ErrPreconditionFailed when the job's guard no longer holds,
// which callers treat as done; any other error is worth a retry.
func (e *Engine) RunJob(ctx context.Context, j model.DeferredJob) error {
	switch j.Kind {
	case model.JobReminder:
		return e.RunReminder(ctx, j.Payload.BookingID)
	case model.JobBidExpiry:
		_, err := e.ExpireBids(ctx, j.Payload.BookingID)
		return err
	case model.JobReviewReminder:
		return e.RunReviewReminder(ctx, j.Payload.BookingID, j.Payload.UserID)
	case model.JobPayoutRelease:
		return e.RunPayoutRelease(ctx, j.Payload.PaymentID)
	}
	return fmt.Errorf("unknown job kind %q", j.Kind)
}

// RunReminder tells both parties an accepted booking is coming up.  It
// does nothing to a booking that left accepted in the meantime.
func (e *Engine) RunReminder(ctx context.Context, bookingID uint64) error {
	b, err := e.bookings.Get(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return repository.ErrPreconditionFailed
	}
	if err != nil {
		return unavailable(err)
	}
	if b.Status != model.BookingAccepted {
		return repository.ErrPreconditionFailed
	}
	body := fmt.Sprintf("Your booking %s is coming up soon!", b.BookingNumber)
	data := map[string]any{"booking_id": b.ID}
	e.notifier.Notify(ctx, b.UserID, "Booking Reminder", body, model.NotifyBookingUpdate, data)
	if uid := e.contractorUserID(ctx, b.ContractorID); uid != 0 {
		e.notifier.Notify(ctx, uid, "Booking Reminder", body, model.NotifyBookingUpdate, data)
	}
	return nil
}

// RunReviewReminder prompts the requester for a review unless one exists.
func (e *Engine) RunReviewReminder(ctx context.Context, bookingID, userID uint64) error {
	exists, err := e.reviews.ExistsForBooking(ctx, bookingID)
	if err != nil {
		return unavailable(err)
	}
	if exists {
		return repository.ErrPreconditionFailed
	}
	e.notifier.Notify(ctx, userID, "How was your service?", "Please take a moment to leave a review!",
		model.NotifyReviewReminder, map[string]any{"booking_id": bookingID})
	return nil
}

// RunPayoutRelease releases a captured payment to the contractor.
func (e *Engine) RunPayoutRelease(ctx context.Context, paymentID uint64) error {
	p, err := e.payments.Release(ctx, paymentID, e.clock())
	if err != nil {
		return unavailable(err)
	}
	if uid := e.contractorUserID(ctx, p.ContractorID); uid != 0 {
		e.notifier.Notify(ctx, uid, "Payout Released", "Your payout has been released",
			model.NotifyPayout, map[string]any{"payment_id": p.ID, "booking_id": p.BookingID})
	}
	e.log.Info("payout released", "payment_id", p.ID, "amount_cents", p.ContractorPayoutCents)
	return nil
}
