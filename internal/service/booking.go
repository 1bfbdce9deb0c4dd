package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// CreateBookingInput is a booking addressed to one contractor.  One of
// ServiceID or SubcategoryID is required; ContractorID may be left empty
// for a request that is assigned later.
type CreateBookingInput struct {
	ContractorID  *uint64
	ServiceID     *uint64
	SubcategoryID *uint64
	Description   *string
	Lat           *float64
	Lng           *float64
	ScheduledAt   *time.Time
	UserNotes     *string
}

// BookingDetail is a booking together with its bids, oldest first.
type BookingDetail struct {
	Booking *model.Booking `json:"booking"`
	Bids    []model.Bid    `json:"bids"`
}

func validateLocation(lat, lng *float64) error {
	var errs ValidationErrors
	if (lat == nil) != (lng == nil) {
		errs = append(errs, ValidationError{Field: "lat", Message: "lat and lng must be given together"})
	}
	if lat != nil && !within(*lat, 90) {
		errs = append(errs, ValidationError{Field: "lat", Message: "must be between -90 and 90"})
	}
	if lng != nil && !within(*lng, 180) {
		errs = append(errs, ValidationError{Field: "lng", Message: "must be between -180 and 180"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// within reports whether v is a finite number in [-limit, limit].  NaN
// fails every comparison, so it is checked explicitly.
func within(v, limit float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= -limit && v <= limit
}

// insertBooking assigns a booking number and stores b, drawing a new
// number when the previous one collided.
func (e *Engine) insertBooking(ctx context.Context, b *model.Booking) error {
	for i := 0; i < bookingNumberAttempts; i++ {
		num, err := NewBookingNumber(b.CreatedAt, e.rand)
		if err != nil {
			return fmt.Errorf("booking number: %w", err)
		}
		b.BookingNumber = num
		err = e.bookings.Create(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return unavailable(err)
		}
		e.log.Warn("booking number collision", "booking_number", num, "attempt", i+1)
	}
	return repository.ErrConflict
}

// CreateBooking stores a pending targeted booking.  When a contractor is
// named a chat room is opened and the contractor is told about it.
func (e *Engine) CreateBooking(ctx context.Context, requesterID uint64, in CreateBookingInput) (*model.Booking, error) {
	if in.ServiceID == nil && in.SubcategoryID == nil {
		return nil, invalid("service_id", "service_id or subcategory_id is required")
	}
	if err := validateLocation(in.Lat, in.Lng); err != nil {
		return nil, err
	}

	var contractor *model.ContractorProfile
	if in.ContractorID != nil {
		p, err := e.contractors.GetByID(ctx, *in.ContractorID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalid("contractor_id", "unknown contractor")
		}
		if err != nil {
			return nil, unavailable(err)
		}
		contractor = p
	}

	var quote *int64
	if in.ServiceID != nil {
		p, err := e.contractors.ServiceBasePrice(ctx, *in.ServiceID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, invalid("service_id", "unknown service")
		}
		if err != nil {
			return nil, unavailable(err)
		}
		quote = p
	}

	now := e.clock()
	b := &model.Booking{
		UserID:           requesterID,
		ContractorID:     in.ContractorID,
		ServiceID:        in.ServiceID,
		SubcategoryID:    in.SubcategoryID,
		Description:      in.Description,
		Lat:              in.Lat,
		Lng:              in.Lng,
		ScheduledAt:      in.ScheduledAt,
		Status:           model.BookingPending,
		QuotedPriceCents: quote,
		UserNotes:        in.UserNotes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.insertBooking(ctx, b); err != nil {
		return nil, err
	}
	e.log.Info("booking created", "booking_id", b.ID, "booking_number", b.BookingNumber, "user_id", requesterID)

	if contractor != nil {
		if _, err := e.chats.EnsureRoom(ctx, b.ID, requesterID, contractor.ID); err != nil {
			e.log.Warn("chat room not opened", "booking_id", b.ID, "error", err)
		}
		e.emit(ctx, events.UserChannel(contractor.UserID), events.BookingNew, b)
		e.notifier.Notify(ctx, contractor.UserID, "New Booking Request",
			fmt.Sprintf("You have a new booking request %s", b.BookingNumber),
			model.NotifyBookingUpdate, map[string]any{"booking_id": b.ID})
	}
	return b, nil
}

// Accept moves a pending booking to accepted on behalf of its contractor,
// optionally replacing the quoted price.
func (e *Engine) Accept(ctx context.Context, actorID, bookingID uint64, quoted *int64) (*model.Booking, error) {
	if quoted != nil && *quoted <= 0 {
		return nil, invalid("quoted_price_cents", "must be greater than 0")
	}
	p, err := e.profileFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingPending},
		repository.ActorGuard{ContractorID: p.ID},
		model.BookingPatch{Status: model.BookingAccepted, QuotedPriceCents: quoted, UpdatedAt: e.clock()})
	if err != nil {
		return nil, unavailable(err)
	}

	e.emit(ctx, events.UserChannel(b.UserID), events.BookingAccepted, b)
	e.emit(ctx, events.BookingChannel(b.ID), events.BookingAccepted, b)
	e.notifier.Notify(ctx, b.UserID, "Booking Accepted",
		fmt.Sprintf("Your booking %s has been accepted", b.BookingNumber),
		model.NotifyBookingUpdate, map[string]any{"booking_id": b.ID})
	e.scheduleReminder(ctx, b)
	return b, nil
}

// scheduleReminder arranges the pre-appointment reminder for an accepted
// booking that carries a scheduled time.
func (e *Engine) scheduleReminder(ctx context.Context, b *model.Booking) {
	if b.ScheduledAt == nil {
		return
	}
	e.schedule(ctx, model.JobReminder, model.JobPayload{BookingID: b.ID},
		b.ScheduledAt.Add(-e.cfg.ReminderLead))
}

// Reject declines a pending booking.  The reason is kept as contractor
// notes.
func (e *Engine) Reject(ctx context.Context, actorID, bookingID uint64, reason *string) (*model.Booking, error) {
	p, err := e.profileFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingPending},
		repository.ActorGuard{ContractorID: p.ID},
		model.BookingPatch{Status: model.BookingRejected, ContractorNotes: reason, UpdatedAt: e.clock()})
	if err != nil {
		return nil, unavailable(err)
	}
	e.emit(ctx, events.UserChannel(b.UserID), events.BookingRejected, b)
	e.emit(ctx, events.BookingChannel(b.ID), events.BookingRejected, b)
	return b, nil
}

// Start marks an accepted booking as in progress.
func (e *Engine) Start(ctx context.Context, actorID, bookingID uint64) (*model.Booking, error) {
	p, err := e.profileFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingAccepted},
		repository.ActorGuard{ContractorID: p.ID},
		model.BookingPatch{Status: model.BookingInProgress, StartedAt: &now, UpdatedAt: now})
	if err != nil {
		return nil, unavailable(err)
	}
	e.emit(ctx, events.UserChannel(b.UserID), events.BookingStarted, b)
	e.emit(ctx, events.BookingChannel(b.ID), events.BookingStarted, b)
	return b, nil
}

// Complete finishes an in-progress booking.  Without finalPrice the
// quoted price becomes final.
func (e *Engine) Complete(ctx context.Context, actorID, bookingID uint64, finalPrice *int64, notes *string) (*model.Booking, error) {
	if finalPrice != nil && *finalPrice <= 0 {
		return nil, invalid("final_price_cents", "must be greater than 0")
	}
	p, err := e.profileFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingInProgress},
		repository.ActorGuard{ContractorID: p.ID},
		model.BookingPatch{
			Status:           model.BookingCompleted,
			SettleFinalPrice: true,
			FinalPriceCents:  finalPrice,
			ContractorNotes:  notes,
			CompletedAt:      &now,
			UpdatedAt:        now,
		})
	if err != nil {
		return nil, unavailable(err)
	}

	e.emit(ctx, events.UserChannel(b.UserID), events.BookingCompleted, b)
	e.emit(ctx, events.BookingChannel(b.ID), events.BookingCompleted, b)
	e.notifier.Notify(ctx, b.UserID, "Booking Completed",
		fmt.Sprintf("Your booking %s has been completed", b.BookingNumber),
		model.NotifyBookingUpdate, map[string]any{"booking_id": b.ID})
	e.schedule(ctx, model.JobReviewReminder,
		model.JobPayload{BookingID: b.ID, UserID: b.UserID},
		now.Add(e.cfg.ReviewReminderAfter))
	return b, nil
}

// Cancel withdraws a pending or accepted booking.  Either the requester
// or the assigned contractor may cancel; the other party is told.
func (e *Engine) Cancel(ctx context.Context, actorID, bookingID uint64, reason *string) (*model.Booking, error) {
	guard := repository.ActorGuard{UserID: actorID}
	p, err := e.contractors.GetByUserID(ctx, actorID)
	switch {
	case err == nil:
		guard.ContractorID = p.ID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, unavailable(err)
	}

	now := e.clock()
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingPending, model.BookingAccepted},
		guard,
		model.BookingPatch{
			Status:             model.BookingCancelled,
			CancelledAt:        &now,
			CancelledBy:        &actorID,
			CancellationReason: reason,
			UpdatedAt:          now,
		})
	if err != nil {
		return nil, unavailable(err)
	}

	other := b.UserID
	if actorID == b.UserID {
		other = e.contractorUserID(ctx, b.ContractorID)
	}
	if other != 0 {
		e.emit(ctx, events.UserChannel(other), events.BookingCancelled, b)
		e.notifier.Notify(ctx, other, "Booking Cancelled",
			fmt.Sprintf("Booking %s has been cancelled", b.BookingNumber),
			model.NotifyBookingUpdate, map[string]any{"booking_id": b.ID})
	}
	return b, nil
}

// MarkReviewed closes a completed booking once its requester has left a
// review.
func (e *Engine) MarkReviewed(ctx context.Context, requesterID, bookingID uint64) (*model.Booking, error) {
	b, err := e.bookings.Transition(ctx, bookingID,
		[]model.BookingStatus{model.BookingCompleted},
		repository.ActorGuard{UserID: requesterID},
		model.BookingPatch{Status: model.BookingReviewed, UpdatedAt: e.clock()})
	if err != nil {
		return nil, unavailable(err)
	}
	return b, nil
}

// canView reports whether userID is the requester or the assigned
// contractor of b.  Contractors may also look at open HELP! requests.
func (e *Engine) canView(ctx context.Context, userID uint64, b *model.Booking) (bool, error) {
	if b.UserID == userID {
		return true, nil
	}
	p, err := e.contractors.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	if b.ContractorID != nil && *b.ContractorID == p.ID {
		return true, nil
	}
	return b.IsHelpRequest && b.Status == model.BookingPending, nil
}

// Get returns a booking and its bids to a party of the booking.
func (e *Engine) Get(ctx context.Context, userID, bookingID uint64) (*BookingDetail, error) {
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, unavailable(err)
	}
	ok, err := e.canView(ctx, userID, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrForbidden
	}
	bids, err := e.bids.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, unavailable(err)
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	return &BookingDetail{Booking: b, Bids: bids}, nil
}

// ListBids returns the bids on a booking, oldest first.
func (e *Engine) ListBids(ctx context.Context, userID, bookingID uint64) ([]model.Bid, error) {
	d, err := e.Get(ctx, userID, bookingID)
	if err != nil {
		return nil, err
	}
	return d.Bids, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListBookingsInput selects one page of a user's bookings.  Zero Page and
// Limit mean the first page of the default size.
type ListBookingsInput struct {
	// AsContractor lists the bookings assigned to the caller's contractor
	// profile instead of the ones the caller requested.
	AsContractor bool
	Status       *model.BookingStatus
	Page         int
	Limit        int
}

// BookingPage is one page of bookings, newest first.
type BookingPage struct {
	Bookings []model.Booking `json:"bookings"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

// ListBookings returns the caller's bookings, newest first.  Limit is
// capped at 100.  A contractor without a profile gets an empty page.
func (e *Engine) ListBookings(ctx context.Context, userID uint64, in ListBookingsInput) (*BookingPage, error) {
	var errs ValidationErrors
	if in.Status != nil && !knownStatus(*in.Status) {
		errs = append(errs, ValidationError{Field: "status", Message: "unknown booking status"})
	}
	if in.Page < 0 || in.Page > math.MaxInt32 {
		errs = append(errs, ValidationError{Field: "page", Message: "out of range"})
	}
	if in.Limit < 0 {
		errs = append(errs, ValidationError{Field: "limit", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	page := max(in.Page, 1)
	limit := in.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset := (page - 1) * limit
	out := &BookingPage{Bookings: []model.Booking{}, Page: page, Limit: limit}

	var (
		list []model.Booking
		err  error
	)
	if in.AsContractor {
		p, perr := e.contractors.GetByUserID(ctx, userID)
		if errors.Is(perr, repository.ErrNotFound) {
			return out, nil
		}
		if perr != nil {
			return nil, unavailable(perr)
		}
		list, err = e.bookings.ListForContractor(ctx, p.ID, in.Status, limit, offset)
	} else {
		list, err = e.bookings.ListForUser(ctx, userID, in.Status, limit, offset)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if list != nil {
		out.Bookings = list
	}
	return out, nil
}

func knownStatus(s model.BookingStatus) bool {
	for _, st := range model.AllBookingStatuses {
		if st == s {
			return true
		}
	}
	return false
}
