package model

import "time"

// Notification types written to notifications.type.
const (
	NotifyBookingUpdate  = "booking_update"
	NotifyHelpRequest    = "help_request"
	NotifyReviewReminder = "review_reminder"
	NotifyPayout         = "payout"
)

// Notification is a user-visible message persisted by the notification
// sink.  Data holds structured references such as the booking id.
type Notification struct {
	ID        uint64         `json:"id"`
	UserID    uint64         `json:"user_id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}
