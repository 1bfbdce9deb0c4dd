package model

import "time"

// PaymentStatus values used by the payout flow.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentReleased PaymentStatus = "released"
	PaymentFailed   PaymentStatus = "failed"
)

// Payment is the part of the `payments` row the core needs: who gets
// paid, how much, and where the payout is in its hold period.
type Payment struct {
	ID                    uint64        `json:"id"`
	BookingID             uint64        `json:"booking_id"`
	UserID                uint64        `json:"user_id"`
	ContractorID          *uint64       `json:"contractor_id"`
	AmountCents           int64         `json:"amount_cents"`
	ContractorPayoutCents int64         `json:"contractor_payout_cents"`
	Status                PaymentStatus `json:"status"`
	PaidAt                *time.Time    `json:"paid_at,omitempty"`
	ReleasedAt            *time.Time    `json:"released_at,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
}
