// Package router registers the HTTP routes of the dispatch API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/handler"
	"github.com/iliyamo/service-dispatch/internal/middleware"
	"github.com/iliyamo/service-dispatch/internal/realtime"
)

// RegisterRoutes registers routes that do not require authentication:
// the liveness and readiness checks.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
}

// Limits carries the per-route middleware built from the Redis-backed
// rate limit and cache configuration.
type Limits struct {
	Bids   echo.MiddlewareFunc
	Nearby echo.MiddlewareFunc
}

func orPass(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	if mw == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return mw
}

// RegisterBookings registers /v1/bookings.  Any authenticated user may
// call these; the engine decides whether the caller is the requester or
// the assigned contractor.  Bid placement and acceptance are rate
// limited.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, lim Limits) {
	g := e.Group("/v1/bookings", middleware.JWTAuth(jwtSecret))
	g.GET("", h.List)
	g.POST("", h.Create)
	g.POST("/help", h.CreateHelp)
	g.GET("/:id", h.Get)
	g.GET("/:id/bids", h.ListBids)

	g.PUT("/:id/accept", h.Accept)
	g.PUT("/:id/reject", h.Reject)
	g.PUT("/:id/start", h.Start)
	g.PUT("/:id/complete", h.Complete)
	g.PUT("/:id/cancel", h.Cancel)
	g.PUT("/:id/reviewed", h.Reviewed)

	bids := orPass(lim.Bids)
	g.POST("/:id/bid", h.PlaceBid, middleware.RequireRole(realtime.RoleContractor), bids)
	g.PUT("/:id/bids/:bidId/accept", h.AcceptBid, bids)
}

// RegisterContractor registers /v1/contractor, open to the CONTRACTOR
// role only.  The pull listing is served through the response cache.
func RegisterContractor(e *echo.Echo, h *handler.ContractorHandler, jwtSecret string, lim Limits) {
	g := e.Group("/v1/contractor",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(realtime.RoleContractor),
	)
	g.GET("/nearby-requests", h.NearbyRequests, orPass(lim.Nearby))
	g.PUT("/online-status", h.SetOnlineStatus)
	g.PUT("/location", h.UpdateLocation)
}

// RegisterRealtime registers the websocket endpoint.  It authenticates
// the handshake itself so tokens may come from the query string.
func RegisterRealtime(e *echo.Echo, h *handler.RealtimeHandler) {
	e.GET("/v1/ws", h.Connect)
}
