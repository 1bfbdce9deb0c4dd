package model

import "time"

// Verification statuses stored in contractor_profiles.verification_status.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationRejected = "rejected"
)

// ContractorProfile mirrors the `contractor_profiles` table.  The core
// only reads it, except for the online flag and location which the
// contractor updates directly.
type ContractorProfile struct {
	ID                 uint64    `json:"id"`
	UserID             uint64    `json:"user_id"`
	BusinessName       *string   `json:"business_name,omitempty"`
	VerificationStatus string    `json:"verification_status"`
	IsOnline           bool      `json:"is_online"`
	Lat                *float64  `json:"lat"`
	Lng                *float64  `json:"lng"`
	AvgRating          float64   `json:"avg_rating"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Verified reports whether the contractor passed verification.
func (c ContractorProfile) Verified() bool { return c.VerificationStatus == VerificationVerified }
