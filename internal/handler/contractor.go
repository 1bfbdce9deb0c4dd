package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/service"
)

// Contractors is the presence and pull-listing part of the engine.
type Contractors interface {
	SetOnlineStatus(ctx context.Context, userID uint64, online bool) (*model.ContractorProfile, error)
	UpdateLocation(ctx context.Context, userID uint64, lat, lng float64, bookingID uint64) error
	NearbyRequests(ctx context.Context, userID uint64, lat, lng, radiusKm *float64) ([]service.NearbyRequest, error)
}

// ContractorHandler serves /v1/contractor.  Routes require the
// CONTRACTOR role.
type ContractorHandler struct {
	engine Contractors
	log    *logger.Logger
}

func NewContractorHandler(engine Contractors, log *logger.Logger) *ContractorHandler {
	if engine == nil {
		panic("nil engine passed to NewContractorHandler")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ContractorHandler{engine: engine, log: log}
}

// queryFloat parses an optional finite float query parameter.
func queryFloat(c echo.Context, name string) (*float64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, service.ValidationErrors{{Field: name, Message: "must be a finite number"}}
	}
	return &f, nil
}

// queryInt reads an optional non-negative integer query parameter; an
// absent one is 0.
func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return 0, service.ValidationErrors{{Field: name, Message: "must be a non-negative integer"}}
	}
	return int(n), nil
}

// NearbyRequests handles GET /v1/contractor/nearby-requests?lat&lng&radius.
// Without lat and lng the contractor's stored location is used.
func (h *ContractorHandler) NearbyRequests(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var args [3]*float64
	for i, name := range []string{"lat", "lng", "radius"} {
		if args[i], err = queryFloat(c, name); err != nil {
			return writeError(c, h.log, err)
		}
	}
	reqs, err := h.engine.NearbyRequests(c.Request().Context(), userID, args[0], args[1], args[2])
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"requests": reqs, "count": len(reqs)})
}

type onlineRequest struct {
	IsOnline *bool `json:"is_online" validate:"required"`
}

// SetOnlineStatus handles PUT /v1/contractor/online-status.
func (h *ContractorHandler) SetOnlineStatus(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req onlineRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, h.log, err)
	}
	p, err := h.engine.SetOnlineStatus(c.Request().Context(), userID, *req.IsOnline)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, p)
}

type locationRequest struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lng       *float64 `json:"lng" validate:"required,longitude"`
	BookingID uint64   `json:"booking_id"`
}

// UpdateLocation handles PUT /v1/contractor/location.  A booking_id
// additionally streams the position to that booking's channel.
func (h *ContractorHandler) UpdateLocation(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req locationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, h.log, err)
	}
	if err := h.engine.UpdateLocation(c.Request().Context(), userID, *req.Lat, *req.Lng, req.BookingID); err != nil {
		return writeError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
