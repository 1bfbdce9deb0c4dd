package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/middleware"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/realtime"
	"github.com/iliyamo/service-dispatch/internal/repository"
	"github.com/iliyamo/service-dispatch/internal/service"
)

// Bookings is the part of the engine the booking routes drive.
type Bookings interface {
	CreateBooking(ctx context.Context, requesterID uint64, in service.CreateBookingInput) (*model.Booking, error)
	CreateHelpRequest(ctx context.Context, requesterID uint64, in service.HelpRequestInput) (*service.HelpResult, error)
	Accept(ctx context.Context, actorID, bookingID uint64, quoted *int64) (*model.Booking, error)
	Reject(ctx context.Context, actorID, bookingID uint64, reason *string) (*model.Booking, error)
	Start(ctx context.Context, actorID, bookingID uint64) (*model.Booking, error)
	Complete(ctx context.Context, actorID, bookingID uint64, finalPrice *int64, notes *string) (*model.Booking, error)
	Cancel(ctx context.Context, actorID, bookingID uint64, reason *string) (*model.Booking, error)
	MarkReviewed(ctx context.Context, requesterID, bookingID uint64) (*model.Booking, error)
	Get(ctx context.Context, userID, bookingID uint64) (*service.BookingDetail, error)
	ListBookings(ctx context.Context, userID uint64, in service.ListBookingsInput) (*service.BookingPage, error)
	ListBids(ctx context.Context, userID, bookingID uint64) ([]model.Bid, error)
	PlaceBid(ctx context.Context, actorID, bookingID uint64, in service.PlaceBidInput) (*model.Bid, error)
	AcceptBid(ctx context.Context, requesterID, bookingID, bidID uint64) (*repository.AcceptOutcome, error)
}

// BookingHandler serves /v1/bookings.  Every route sits behind JWTAuth;
// ownership is checked by the engine, not here.
type BookingHandler struct {
	engine Bookings
	log    *logger.Logger
}

func NewBookingHandler(engine Bookings, log *logger.Logger) *BookingHandler {
	if engine == nil {
		panic("nil engine passed to NewBookingHandler")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &BookingHandler{engine: engine, log: log}
}

type createBookingRequest struct {
	ContractorID  *uint64    `json:"contractor_id" validate:"omitempty,gt=0"`
	ServiceID     *uint64    `json:"service_id" validate:"omitempty,gt=0"`
	SubcategoryID *uint64    `json:"subcategory_id" validate:"omitempty,gt=0"`
	Description   *string    `json:"description" validate:"omitempty,max=2000"`
	Lat           *float64   `json:"lat" validate:"omitempty,latitude"`
	Lng           *float64   `json:"lng" validate:"omitempty,longitude"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
	UserNotes     *string    `json:"user_notes" validate:"omitempty,max=1000"`
}

// Create handles POST /v1/bookings: a booking addressed to one contractor.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req createBookingRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, h.log, err)
	}
	b, err := h.engine.CreateBooking(c.Request().Context(), userID, service.CreateBookingInput{
		ContractorID:  req.ContractorID,
		ServiceID:     req.ServiceID,
		SubcategoryID: req.SubcategoryID,
		Description:   req.Description,
		Lat:           req.Lat,
		Lng:           req.Lng,
		ScheduledAt:   req.ScheduledAt,
		UserNotes:     req.UserNotes,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, b)
}

type helpRequest struct {
	SubcategoryID *uint64  `json:"subcategory_id" validate:"omitempty,gt=0"`
	Description   string   `json:"description" validate:"required,max=2000"`
	Lat           *float64 `json:"lat" validate:"required,latitude"`
	Lng           *float64 `json:"lng" validate:"required,longitude"`
}

// CreateHelp handles POST /v1/bookings/help and reports how many
// contractors were alerted.
func (h *BookingHandler) CreateHelp(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req helpRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, h.log, err)
	}
	res, err := h.engine.CreateHelpRequest(c.Request().Context(), userID, service.HelpRequestInput{
		SubcategoryID: req.SubcategoryID,
		Description:   req.Description,
		Lat:           req.Lat,
		Lng:           req.Lng,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// List handles GET /v1/bookings?status&page&limit.  Contractors get the
// bookings assigned to them; everyone else gets the bookings they made.
func (h *BookingHandler) List(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	in := service.ListBookingsInput{
		AsContractor: strings.EqualFold(middleware.Role(c), realtime.RoleContractor),
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := model.BookingStatus(strings.ToLower(raw))
		in.Status = &st
	}
	if in.Page, err = queryInt(c, "page"); err != nil {
		return writeError(c, h.log, err)
	}
	if in.Limit, err = queryInt(c, "limit"); err != nil {
		return writeError(c, h.log, err)
	}
	page, err := h.engine.ListBookings(c.Request().Context(), userID, in)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, page)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, h.log, err)
	}
	d, err := h.engine.Get(c.Request().Context(), userID, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, d)
}

// ListBids handles GET /v1/bookings/:id/bids, oldest first.
func (h *BookingHandler) ListBids(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, h.log, err)
	}
	bids, err := h.engine.ListBids(c.Request().Context(), userID, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bids": bids})
}

type acceptRequest struct {
	QuotedPriceCents *int64 `json:"quoted_price_cents" validate:"omitempty,gt=0"`
}

type reasonRequest struct {
	Reason *string `json:"reason" validate:"omitempty,max=1000"`
}

type completeRequest struct {
	FinalPriceCents *int64  `json:"final_price_cents" validate:"omitempty,gt=0"`
	Notes           *string `json:"notes" validate:"omitempty,max=2000"`
}

// transition is the shape shared by every PUT /v1/bookings/:id/<action>
// route: resolve the caller and id, bind the body, run op.
func (h *BookingHandler) transition(c echo.Context, body interface{}, op func(ctx context.Context, userID, id uint64) (*model.Booking, error)) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, h.log, err)
	}
	if body != nil && c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, body); err != nil {
			return writeError(c, h.log, err)
		}
	}
	b, err := op(c.Request().Context(), userID, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Accept handles PUT /v1/bookings/:id/accept (assigned contractor).
func (h *BookingHandler) Accept(c echo.Context) error {
	var req acceptRequest
	return h.transition(c, &req, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.Accept(ctx, userID, id, req.QuotedPriceCents)
	})
}

// Reject handles PUT /v1/bookings/:id/reject (assigned contractor).
func (h *BookingHandler) Reject(c echo.Context) error {
	var req reasonRequest
	return h.transition(c, &req, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.Reject(ctx, userID, id, req.Reason)
	})
}

// Start handles PUT /v1/bookings/:id/start (assigned contractor).
func (h *BookingHandler) Start(c echo.Context) error {
	return h.transition(c, nil, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.Start(ctx, userID, id)
	})
}

// Complete handles PUT /v1/bookings/:id/complete (assigned contractor).
func (h *BookingHandler) Complete(c echo.Context) error {
	var req completeRequest
	return h.transition(c, &req, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.Complete(ctx, userID, id, req.FinalPriceCents, req.Notes)
	})
}

// Cancel handles PUT /v1/bookings/:id/cancel (either party).
func (h *BookingHandler) Cancel(c echo.Context) error {
	var req reasonRequest
	return h.transition(c, &req, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.Cancel(ctx, userID, id, req.Reason)
	})
}

// Reviewed handles PUT /v1/bookings/:id/reviewed, called once the
// requester's review has been stored.
func (h *BookingHandler) Reviewed(c echo.Context) error {
	return h.transition(c, nil, func(ctx context.Context, userID, id uint64) (*model.Booking, error) {
		return h.engine.MarkReviewed(ctx, userID, id)
	})
}

type placeBidRequest struct {
	PriceCents int64   `json:"price_cents" validate:"gt=0"`
	Message    *string `json:"message" validate:"omitempty,max=500"`
	EtaMinutes *int    `json:"eta_minutes" validate:"omitempty,gte=0,lte=1440"`
}

// PlaceBid handles POST /v1/bookings/:id/bid (contractor).
func (h *BookingHandler) PlaceBid(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, h.log, err)
	}
	var req placeBidRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, h.log, err)
	}
	bid, err := h.engine.PlaceBid(c.Request().Context(), userID, id, service.PlaceBidInput{
		PriceCents: req.PriceCents,
		Message:    req.Message,
		EtaMinutes: req.EtaMinutes,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, bid)
}

// AcceptBid handles PUT /v1/bookings/:id/bids/:bidId/accept (requester).
func (h *BookingHandler) AcceptBid(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, err := pathID(c, "id")
	if err != nil {
		return writeError(c, h.log, err)
	}
	bidID, err := pathID(c, "bidId")
	if err != nil {
		return writeError(c, h.log, err)
	}
	out, err := h.engine.AcceptBid(c.Request().Context(), userID, id, bidID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": out.Booking, "bid": out.Bid})
}
