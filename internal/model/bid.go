package model

import "time"

// BidStatus is the state stored in booking_bids.status.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
	BidExpired  BidStatus = "expired"
)

// Bid is a contractor's priced offer on a HELP! booking.  Only a pending
// bid may change state; accepted, rejected and expired are final.
type Bid struct {
	ID           uint64    `json:"id"`
	BookingID    uint64    `json:"booking_id"`
	ContractorID uint64    `json:"contractor_id"`
	PriceCents   int64     `json:"price_cents"`
	Message      *string   `json:"message,omitempty"`
	EtaMinutes   *int      `json:"eta_minutes,omitempty"`
	Status       BidStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
