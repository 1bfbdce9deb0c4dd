package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/middleware"
)

// Connections runs an accepted websocket until it closes.
type Connections interface {
	Serve(ctx context.Context, conn *websocket.Conn, userID uint64, role string)
}

// RealtimeHandler upgrades GET /v1/ws.  Browsers cannot set headers on a
// websocket handshake, so the access token may also come in ?token=.
type RealtimeHandler struct {
	// ctx bounds every connection; cancel it to close them on shutdown.
	ctx      context.Context
	server   Connections
	secret   string
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewRealtimeHandler(ctx context.Context, server Connections, secret string, log *logger.Logger) *RealtimeHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &RealtimeHandler{
		ctx:    ctx,
		server: server,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connections authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Connect authenticates the handshake and hands the connection over.
func (h *RealtimeHandler) Connect(c echo.Context) error {
	raw := middleware.BearerToken(c.Request())
	if raw == "" {
		raw = c.QueryParam("token")
	}
	if raw == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing token"})
	}
	p, err := middleware.ParseToken(h.secret, raw)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	h.server.Serve(h.ctx, conn, p.UserID, p.Role)
	return nil
}
