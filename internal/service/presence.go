package service

import (
	"context"
	"errors"
	"math"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/geo"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// NearbyRequest is an open HELP! booking and its distance from the
// contractor.
type NearbyRequest struct {
	model.Booking
	DistanceKm float64 `json:"distance_km"`
}

// SetOnlineStatus flips the contractor's online flag and tells every
// connection about it.
func (e *Engine) SetOnlineStatus(ctx context.Context, userID uint64, online bool) (*model.ContractorProfile, error) {
	p, err := e.contractors.SetOnline(ctx, userID, online)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrForbidden
	}
	if err != nil {
		return nil, unavailable(err)
	}
	e.emit(ctx, events.Broadcast, events.ContractorStatus, map[string]any{
		"contractor_id": p.ID,
		"user_id":       p.UserID,
		"is_online":     p.IsOnline,
	})
	return p, nil
}

// SetOnline is SetOnlineStatus for callers that only need the outcome.
func (e *Engine) SetOnline(ctx context.Context, userID uint64, online bool) error {
	_, err := e.SetOnlineStatus(ctx, userID, online)
	return err
}

// UpdateLocation stores the contractor's position.  When bookingID names
// a booking assigned to this contractor the position is also relayed to
// that booking's channel.
func (e *Engine) UpdateLocation(ctx context.Context, userID uint64, lat, lng float64, bookingID uint64) error {
	if err := validateLocation(&lat, &lng); err != nil {
		return err
	}
	p, err := e.profileFor(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.contractors.UpdateLocation(ctx, userID, lat, lng); err != nil {
		return unavailable(err)
	}
	if bookingID == 0 {
		return nil
	}
	b, err := e.bookings.Get(ctx, bookingID)
	if err != nil || b.ContractorID == nil || *b.ContractorID != p.ID {
		return nil
	}
	e.emit(ctx, events.BookingChannel(bookingID), events.LocationUpdate, map[string]any{
		"booking_id":    bookingID,
		"contractor_id": p.ID,
		"lat":           lat,
		"lng":           lng,
	})
	return nil
}

// NearbyRequests lists open HELP! bookings around the contractor, nearest
// first.  Without lat/lng the contractor's stored location is used.  A
// nil or non-positive radius means the default; larger than the maximum
// is capped.
func (e *Engine) NearbyRequests(ctx context.Context, userID uint64, lat, lng, radiusKm *float64) ([]NearbyRequest, error) {
	if err := validateLocation(lat, lng); err != nil {
		return nil, err
	}
	origin, ok := geo.PointOf(lat, lng)
	if !ok {
		p, err := e.profileFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		origin, ok = geo.PointOf(p.Lat, p.Lng)
		if !ok {
			return nil, invalid("lat", "location required")
		}
	}

	radius := e.cfg.NearbyDefaultRadiusKm
	if radiusKm != nil && *radiusKm > 0 && !math.IsInf(*radiusKm, 0) {
		radius = math.Min(*radiusKm, e.cfg.NearbyMaxRadiusKm)
	}

	open, err := e.bookings.ListOpenHelp(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	matches := geo.Nearest(origin, radius, open, func(b model.Booking) (geo.Point, bool) {
		return geo.PointOf(b.Lat, b.Lng)
	})
	out := make([]NearbyRequest, 0, len(matches))
	for _, m := range matches {
		out = append(out, NearbyRequest{Booking: m.Item, DistanceKm: math.Round(m.DistanceKm*100) / 100})
	}
	return out, nil
}

// CanJoinBooking reports whether userID is a party of the booking.
func (e *Engine) CanJoinBooking(ctx context.Context, userID, bookingID uint64) (bool, error) {
	b, err := e.bookings.Get(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	if b.UserID == userID {
		return true, nil
	}
	return e.contractorUserID(ctx, b.ContractorID) == userID, nil
}

// CanJoinChat reports whether userID is a member of the chat room.
func (e *Engine) CanJoinChat(ctx context.Context, userID, roomID uint64) (bool, error) {
	uid, cid, err := e.chats.RoomMembers(ctx, roomID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	if uid == userID {
		return true, nil
	}
	return e.contractorUserID(ctx, &cid) == userID, nil
}
