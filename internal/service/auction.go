package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/geo"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// HelpRequestInput is a HELP! request: no contractor, a location, and a
// short description shown to nearby contractors.
type HelpRequestInput struct {
	SubcategoryID *uint64
	Description   string
	Lat           *float64
	Lng           *float64
}

// HelpResult reports the created booking and how many contractors it was
// broadcast to.
type HelpResult struct {
	Booking             *model.Booking `json:"booking"`
	ContractorsNotified int            `json:"contractors_notified"`
}

// PlaceBidInput is a contractor's offer on a HELP! booking.
type PlaceBidInput struct {
	PriceCents int64
	Message    *string
	EtaMinutes *int
}

// BidReceived is the payload sent to the requester when a bid arrives.
type BidReceived struct {
	model.Bid
	BusinessName *string `json:"business_name,omitempty"`
	AvgRating    float64 `json:"avg_rating"`
}

const helpSnippetLen = 100

// CreateHelpRequest stores a pending HELP! booking, arranges bid expiry
// and broadcasts it to online verified contractors in range.
func (e *Engine) CreateHelpRequest(ctx context.Context, requesterID uint64, in HelpRequestInput) (*HelpResult, error) {
	var errs ValidationErrors
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		errs = append(errs, ValidationError{Field: "description", Message: "is required"})
	}
	if in.Lat == nil || in.Lng == nil {
		errs = append(errs, ValidationError{Field: "lat", Message: "lat and lng are required"})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	if err := validateLocation(in.Lat, in.Lng); err != nil {
		return nil, err
	}

	now := e.clock()
	b := &model.Booking{
		UserID:        requesterID,
		SubcategoryID: in.SubcategoryID,
		Description:   &desc,
		Lat:           in.Lat,
		Lng:           in.Lng,
		IsHelpRequest: true,
		Status:        model.BookingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.insertBooking(ctx, b); err != nil {
		return nil, err
	}
	e.schedule(ctx, model.JobBidExpiry, model.JobPayload{BookingID: b.ID}, now.Add(e.cfg.BidExpiryAfter))

	notified := e.broadcastHelp(ctx, b)
	e.log.Info("help request created", "booking_id", b.ID, "user_id", requesterID, "contractors_notified", notified)
	return &HelpResult{Booking: b, ContractorsNotified: notified}, nil
}

// broadcastHelp pushes b to every online verified contractor within the
// help radius and to the booking's area channel.  A failed lookup only
// limits who hears about it.
func (e *Engine) broadcastHelp(ctx context.Context, b *model.Booking) int {
	origin, ok := geo.PointOf(b.Lat, b.Lng)
	if !ok {
		return 0
	}
	candidates, err := e.contractors.ListOnlineVerified(ctx)
	if err != nil {
		e.log.Warn("help broadcast lookup failed", "booking_id", b.ID, "error", err)
		return 0
	}
	matches := geo.Within(origin, e.cfg.HelpRadiusKm, candidates, func(c model.ContractorProfile) (geo.Point, bool) {
		return geo.PointOf(c.Lat, c.Lng)
	})

	snippet := ""
	if b.Description != nil {
		snippet = truncate(*b.Description, helpSnippetLen)
	}
	for _, m := range matches {
		e.emit(ctx, events.UserChannel(m.Item.UserID), events.BookingHelpBroadcast, b)
		e.notifier.Notify(ctx, m.Item.UserID, "HELP! Request Nearby", snippet,
			model.NotifyHelpRequest, map[string]any{"booking_id": b.ID})
	}
	e.emit(ctx, events.AreaChannel(origin), events.BookingHelpBroadcast, b)
	return len(matches)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// PlaceBid records a pending bid by the contractor owned by actorID.
func (e *Engine) PlaceBid(ctx context.Context, actorID, bookingID uint64, in PlaceBidInput) (*model.Bid, error) {
	var errs ValidationErrors
	if in.PriceCents <= 0 {
		errs = append(errs, ValidationError{Field: "price_cents", Message: "must be greater than 0"})
	}
	if in.EtaMinutes != nil && *in.EtaMinutes < 0 {
		errs = append(errs, ValidationError{Field: "eta_minutes", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	p, err := e.profileFor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	bid := &model.Bid{
		BookingID:    bookingID,
		ContractorID: p.ID,
		PriceCents:   in.PriceCents,
		Message:      in.Message,
		EtaMinutes:   in.EtaMinutes,
	}
	if err := e.bids.Place(ctx, bid); err != nil {
		return nil, unavailable(err)
	}

	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		e.log.Warn("bid placed on unreadable booking", "booking_id", bookingID, "bid_id", bid.ID, "error", err)
		return bid, nil
	}
	e.emit(ctx, events.UserChannel(b.UserID), events.BookingBidReceived, BidReceived{
		Bid:          *bid,
		BusinessName: p.BusinessName,
		AvgRating:    p.AvgRating,
	})
	return bid, nil
}

// AcceptBid awards a HELP! booking to one bid.  Exactly one concurrent
// caller can win; the rest get repository.ErrBidAlreadyResolved.
func (e *Engine) AcceptBid(ctx context.Context, requesterID, bookingID, bidID uint64) (*repository.AcceptOutcome, error) {
	out, err := e.bids.AcceptBid(ctx, bookingID, bidID, requesterID)
	if errors.Is(err, repository.ErrAcceptFailed) {
		e.log.Warn("bid accept compensated", "booking_id", bookingID, "bid_id", bidID)
		return out, err
	}
	if err != nil {
		return nil, unavailable(err)
	}

	b := out.Booking
	winner, err := e.contractors.GetByID(ctx, out.Bid.ContractorID)
	if err != nil {
		e.log.Warn("winning contractor lookup failed", "contractor_id", out.Bid.ContractorID, "error", err)
	}
	if _, err := e.chats.EnsureRoom(ctx, b.ID, b.UserID, out.Bid.ContractorID); err != nil {
		e.log.Warn("chat room not opened", "booking_id", b.ID, "error", err)
	}
	if winner != nil {
		e.emit(ctx, events.UserChannel(winner.UserID), events.BookingAccepted, b)
		e.notifier.Notify(ctx, winner.UserID, "Bid Accepted!",
			fmt.Sprintf("Your bid on %s was accepted", b.BookingNumber),
			model.NotifyBookingUpdate, map[string]any{"booking_id": b.ID})
	}
	e.emit(ctx, events.BookingChannel(b.ID), events.BookingAccepted, b)
	e.scheduleReminder(ctx, b)
	e.log.Info("bid accepted", "booking_id", b.ID, "bid_id", bidID, "rejected", len(out.Rejected))
	return out, nil
}

// ExpireBids moves the pending bids on bookingID to expired once the
// booking is old enough.  It returns how many bids changed; a second run
// changes none.
func (e *Engine) ExpireBids(ctx context.Context, bookingID uint64) (int64, error) {
	n, err := e.bids.ExpirePending(ctx, bookingID, e.clock().Add(-e.cfg.BidExpiryAfter))
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}
