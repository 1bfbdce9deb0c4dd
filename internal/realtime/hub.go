// Package realtime keeps the registry of live WebSocket connections on
// this instance and delivers events to them.  The registry is volatile
// and is never consulted for presence; contractor_profiles.is_online is.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/logger"
)

// Roles as carried in the access token.
const (
	RoleCustomer   = "CUSTOMER"
	RoleContractor = "CONTRACTOR"
)

// ErrNotAllowed is returned when a connection asks for a channel its
// principal has no right to.
var ErrNotAllowed = errors.New("channel not allowed")

// Authorizer decides room membership for booking and chat channels.
type Authorizer interface {
	CanJoinBooking(ctx context.Context, userID, bookingID uint64) (bool, error)
	CanJoinChat(ctx context.Context, userID, roomID uint64) (bool, error)
}

// Client is one live connection.  Outbound frames are queued on send and
// written by the connection's writer goroutine.
type Client struct {
	ID     string
	UserID uint64
	Role   string

	send     chan []byte
	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// NewClient allocates a client with an outbound buffer of size buffer.
func NewClient(userID uint64, role string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Role:     role,
		send:     make(chan []byte, buffer),
		channels: make(map[string]struct{}),
	}
}

// Outbound is drained by the writer goroutine.  It is closed on
// unregister.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Joined reports whether the client is subscribed to channel.
func (c *Client) Joined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// enqueue never blocks; a full buffer drops the frame.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub maps channels to the connections subscribed on this instance.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]map[string]*Client

	auth Authorizer
	log  *logger.Logger
}

// NewHub returns an empty hub.  auth may be nil, in which case booking and
// chat channels cannot be joined.
func NewHub(auth Authorizer, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
		auth:     auth,
		log:      log,
	}
}

// Register adds c and subscribes it to its own user channel.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.subscribeLocked(c, events.UserChannel(c.UserID))
}

// Unregister removes c from every channel and closes its outbound queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	c.mu.Lock()
	for ch := range c.channels {
		if subs := h.channels[ch]; subs != nil {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	c.channels = map[string]struct{}{}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	h.mu.Unlock()
}

func (h *Hub) subscribeLocked(c *Client, channel string) {
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[string]*Client)
		h.channels[channel] = subs
	}
	subs[c.ID] = c
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

// Join subscribes c to channel if its principal may read it:
//
//	user:<id>     only the owner
//	area:<cell>   contractors
//	booking:<id>  parties of the booking, via Authorizer
//	chat:<id>     members of the room, via Authorizer
func (h *Hub) Join(ctx context.Context, c *Client, channel string) error {
	if err := h.allowed(ctx, c, channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return ErrNotAllowed
	}
	h.subscribeLocked(c, channel)
	return nil
}

// Leave drops c from channel.  The user channel cannot be left.
func (h *Hub) Leave(c *Client, channel string) {
	if channel == events.UserChannel(c.UserID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.channels[channel]; subs != nil {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// LeaveAreas drops every geocell subscription of c, used before a
// contractor joins a new area.
func (h *Hub) LeaveAreas(c *Client) {
	c.mu.Lock()
	var areas []string
	for ch := range c.channels {
		if strings.HasPrefix(ch, "area:") {
			areas = append(areas, ch)
		}
	}
	c.mu.Unlock()
	for _, ch := range areas {
		h.Leave(c, ch)
	}
}

func (h *Hub) allowed(ctx context.Context, c *Client, channel string) error {
	prefix, rest, ok := strings.Cut(channel, ":")
	if !ok {
		return ErrNotAllowed
	}
	switch prefix {
	case "user":
		if channel == events.UserChannel(c.UserID) {
			return nil
		}
	case "area":
		if c.Role == RoleContractor {
			return nil
		}
	case "booking", "chat":
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || id == 0 || h.auth == nil {
			return ErrNotAllowed
		}
		var can bool
		if prefix == "booking" {
			can, err = h.auth.CanJoinBooking(ctx, c.UserID, id)
		} else {
			can, err = h.auth.CanJoinChat(ctx, c.UserID, id)
		}
		if err != nil {
			return err
		}
		if can {
			return nil
		}
	}
	return ErrNotAllowed
}

// Deliver queues payload on every connection subscribed to channel and
// returns how many accepted it.  The Broadcast channel reaches everyone.
func (h *Hub) Deliver(channel string, payload []byte) int {
	h.mu.RLock()
	var targets []*Client
	if channel == events.Broadcast {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		subs := h.channels[channel]
		targets = make([]*Client, 0, len(subs))
		for _, c := range subs {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			n++
		} else {
			h.log.Warn("dropping event for slow connection", "conn_id", c.ID, "user_id", c.UserID, "channel", channel)
		}
	}
	return n
}

// Publish implements events.Publisher for single-instance deployments.
func (h *Hub) Publish(_ context.Context, channel, event string, data any) error {
	env, err := events.NewEnvelope(channel, event, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.Deliver(channel, raw)
	return nil
}

// Connected reports whether userID has at least one live connection on
// this instance.
func (h *Hub) Connected(userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[events.UserChannel(userID)]) > 0
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
