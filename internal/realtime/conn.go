package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/geo"
	"github.com/iliyamo/service-dispatch/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

// Presence is what a connection may change about its contractor: online
// state and live location.
type Presence interface {
	SetOnline(ctx context.Context, userID uint64, online bool) error
	UpdateLocation(ctx context.Context, userID uint64, lat, lng float64, bookingID uint64) error
}

// Inbound is a frame sent by the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomRef struct {
	RoomID    uint64 `json:"room_id"`
	BookingID uint64 `json:"booking_id"`
	IsTyping  bool   `json:"is_typing"`
}

type position struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	BookingID uint64   `json:"booking_id"`
}

// Server runs the read and write loops of accepted connections.
type Server struct {
	hub      *Hub
	bus      events.Publisher
	presence Presence
	log      *logger.Logger
}

// NewServer wires a connection server.  bus is where client-originated
// events (typing, location) are published so other instances see them.
func NewServer(hub *Hub, bus events.Publisher, presence Presence, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{hub: hub, bus: bus, presence: presence, log: log}
}

// Serve registers the connection and blocks until it closes.
func (s *Server) Serve(ctx context.Context, conn *websocket.Conn, userID uint64, role string) {
	c := NewClient(userID, role, 64)
	s.hub.Register(c)
	log := s.log.With("conn_id", c.ID, "user_id", userID)
	log.Debug("websocket connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, c)
	}()

	s.readLoop(ctx, conn, c, log)
	s.hub.Unregister(c)
	<-done
	log.Debug("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *Client, log *logger.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var in Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if err := s.Handle(ctx, c, in); err != nil {
			s.reply(c, "error", map[string]string{"type": in.Type, "message": err.Error()})
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errBadFrame = errors.New("malformed message")

// Handle applies one inbound frame for c.  It is separate from the read
// loop so it can be driven without a socket.
func (s *Server) Handle(ctx context.Context, c *Client, in Inbound) error {
	switch in.Type {
	case "join":
		// The user channel is joined on connect; this only acknowledges.
		s.reply(c, "joined", map[string]string{"channel": events.UserChannel(c.UserID)})
		return nil

	case "contractor:join_area":
		var p position
		if err := json.Unmarshal(in.Data, &p); err != nil || p.Lat == nil || p.Lng == nil {
			return errBadFrame
		}
		if c.Role != RoleContractor {
			return ErrNotAllowed
		}
		s.hub.LeaveAreas(c)
		ch := events.AreaChannel(geo.Point{Lat: *p.Lat, Lng: *p.Lng})
		if err := s.hub.Join(ctx, c, ch); err != nil {
			return err
		}
		s.reply(c, "joined", map[string]string{"channel": ch})
		return nil

	case "chat:join", "booking:join":
		var r roomRef
		if err := json.Unmarshal(in.Data, &r); err != nil {
			return errBadFrame
		}
		var ch string
		if in.Type == "chat:join" {
			if r.RoomID == 0 {
				return errBadFrame
			}
			ch = events.ChatChannel(r.RoomID)
		} else {
			if r.BookingID == 0 {
				return errBadFrame
			}
			ch = events.BookingChannel(r.BookingID)
		}
		if err := s.hub.Join(ctx, c, ch); err != nil {
			return err
		}
		s.reply(c, "joined", map[string]string{"channel": ch})
		return nil

	case "chat:typing":
		var r roomRef
		if err := json.Unmarshal(in.Data, &r); err != nil || r.RoomID == 0 {
			return errBadFrame
		}
		ch := events.ChatChannel(r.RoomID)
		if !c.Joined(ch) {
			return ErrNotAllowed
		}
		return s.bus.Publish(ctx, ch, events.ChatTyping, map[string]any{
			"room_id":   r.RoomID,
			"user_id":   c.UserID,
			"is_typing": r.IsTyping,
		})

	case "location:update":
		var p position
		if err := json.Unmarshal(in.Data, &p); err != nil || p.Lat == nil || p.Lng == nil {
			return errBadFrame
		}
		if c.Role != RoleContractor || s.presence == nil {
			return ErrNotAllowed
		}
		return s.presence.UpdateLocation(ctx, c.UserID, *p.Lat, *p.Lng, p.BookingID)

	case "contractor:online", "contractor:offline":
		if c.Role != RoleContractor || s.presence == nil {
			return ErrNotAllowed
		}
		return s.presence.SetOnline(ctx, c.UserID, in.Type == "contractor:online")
	}
	return errors.New("unknown message type")
}

func (s *Server) reply(c *Client, event string, data any) {
	env, err := events.NewEnvelope(events.UserChannel(c.UserID), event, data)
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(raw)
}
