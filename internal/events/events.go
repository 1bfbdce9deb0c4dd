// Package events defines the real-time event envelope, channel naming and
// the Publisher used by the booking engine.  Delivery is fire-and-forget:
// nothing is persisted and there is no replay.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/iliyamo/service-dispatch/internal/geo"
)

// Event names carried in Envelope.Event.
const (
	BookingNew           = "booking:new"
	BookingAccepted      = "booking:accepted"
	BookingRejected      = "booking:rejected"
	BookingStarted       = "booking:started"
	BookingCompleted     = "booking:completed"
	BookingCancelled     = "booking:cancelled"
	BookingBidReceived   = "booking:bid_received"
	BookingHelpBroadcast = "booking:help_broadcast"
	ContractorStatus     = "contractor:status"
	LocationUpdate       = "location:update"
	ChatTyping           = "chat:typing"
)

// Broadcast reaches every live connection.
const Broadcast = "broadcast"

// UserChannel is the private channel of one user account.
func UserChannel(userID uint64) string { return "user:" + strconv.FormatUint(userID, 10) }

// ChatChannel carries typing indicators for one chat room.
func ChatChannel(roomID uint64) string { return "chat:" + strconv.FormatUint(roomID, 10) }

// BookingChannel is joined by both parties of a booking.
func BookingChannel(bookingID uint64) string { return "booking:" + strconv.FormatUint(bookingID, 10) }

// AreaChannel is the geocell channel contractors join to see nearby
// HELP! requests.
func AreaChannel(p geo.Point) string { return geo.Cell(p) }

// Envelope is the wire form of an event.
type Envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	At      time.Time       `json:"at"`
}

// NewEnvelope encodes data into an envelope for channel.
func NewEnvelope(channel, event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Channel: channel, Data: raw, At: time.Now().UTC()}, nil
}

// Publisher delivers an event to a channel.  Implementations must not
// block on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }
