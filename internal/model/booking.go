package model

import "time"

// BookingStatus is the lifecycle state stored in bookings.status.
type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingAccepted   BookingStatus = "accepted"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingReviewed   BookingStatus = "reviewed"
	BookingRejected   BookingStatus = "rejected"
	BookingCancelled  BookingStatus = "cancelled"
)

// AllBookingStatuses lists every state in lifecycle order.
var AllBookingStatuses = []BookingStatus{
	BookingPending, BookingAccepted, BookingInProgress, BookingCompleted,
	BookingReviewed, BookingRejected, BookingCancelled,
}

// Terminal reports whether no further transition can leave s.
func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled || s == BookingReviewed
}

// Booking represents one service request as stored in the `bookings`
// table.  Prices are kept in cents, the same way the rest of the schema
// stores money.
//
// Fields:
//  ID                 – primary key.
//  BookingNumber      – SRV-YYYYMMDD-XXXX, immutable once assigned.
//  UserID             – requester.
//  ContractorID       – contractor_profiles.id; nil while a HELP! request is pending.
//  ServiceID          – optional contractor_services.id.
//  SubcategoryID      – optional subcategory reference.
//  Lat/Lng            – optional location of the job.
//  ScheduledAt        – optional date and time the work is booked for.
//  IsHelpRequest      – broadcast booking resolved through bidding.
//  QuotedPriceCents   – agreed price before work starts.
//  FinalPriceCents    – set at completion.
//  CancelledBy        – user that cancelled the booking.
type Booking struct {
	ID                 uint64        `json:"id"`
	BookingNumber      string        `json:"booking_number"`
	UserID             uint64        `json:"user_id"`
	ContractorID       *uint64       `json:"contractor_id"`
	ServiceID          *uint64       `json:"service_id,omitempty"`
	SubcategoryID      *uint64       `json:"subcategory_id,omitempty"`
	Description        *string       `json:"description,omitempty"`
	Lat                *float64      `json:"lat"`
	Lng                *float64      `json:"lng"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
	IsHelpRequest      bool          `json:"is_help_request"`
	Status             BookingStatus `json:"status"`
	QuotedPriceCents   *int64        `json:"quoted_price_cents"`
	FinalPriceCents    *int64        `json:"final_price_cents"`
	UserNotes          *string       `json:"user_notes,omitempty"`
	ContractorNotes    *string       `json:"contractor_notes,omitempty"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancelledBy        *uint64       `json:"cancelled_by,omitempty"`
	CancellationReason *string       `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// BookingPatch is the set of columns a single transition may write.  Nil
// fields are left untouched.  Status is always written.
//
// Precedence: QuotedPriceCents is applied before the final price is
// settled, so a patch that sets both a quote and SettleFinalPrice will
// fall back to the new quote.  When SettleFinalPrice is true the final
// price becomes FinalPriceCents if given, otherwise the (possibly
// updated) quoted price.
type BookingPatch struct {
	Status             BookingStatus
	ContractorID       *uint64
	QuotedPriceCents   *int64
	SettleFinalPrice   bool
	FinalPriceCents    *int64
	ContractorNotes    *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelledBy        *uint64
	CancellationReason *string
	UpdatedAt          time.Time
}

// Apply writes the patch onto b using the same precedence as the SQL
// update builder.
func (p BookingPatch) Apply(b *Booking) {
	b.Status = p.Status
	if p.ContractorID != nil {
		id := *p.ContractorID
		b.ContractorID = &id
	}
	if p.QuotedPriceCents != nil {
		v := *p.QuotedPriceCents
		b.QuotedPriceCents = &v
	}
	if p.SettleFinalPrice {
		switch {
		case p.FinalPriceCents != nil:
			v := *p.FinalPriceCents
			b.FinalPriceCents = &v
		case b.QuotedPriceCents != nil:
			v := *b.QuotedPriceCents
			b.FinalPriceCents = &v
		default:
			b.FinalPriceCents = nil
		}
	}
	if p.ContractorNotes != nil {
		b.ContractorNotes = p.ContractorNotes
	}
	if p.StartedAt != nil {
		b.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		b.CompletedAt = p.CompletedAt
	}
	if p.CancelledAt != nil {
		b.CancelledAt = p.CancelledAt
	}
	if p.CancelledBy != nil {
		b.CancelledBy = p.CancelledBy
	}
	if p.CancellationReason != nil {
		b.CancellationReason = p.CancellationReason
	}
	if !p.UpdatedAt.IsZero() {
		b.UpdatedAt = p.UpdatedAt
	}
}
