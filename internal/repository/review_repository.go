package repository

import (
	"context"
	"database/sql"
)

// ReviewRepo answers whether a booking has been reviewed.  Review
// submission is handled by another service.
type ReviewRepo struct {
	db *sql.DB
}

// NewReviewRepo returns a new ReviewRepo bound to the given database.
func NewReviewRepo(db *sql.DB) *ReviewRepo { return &ReviewRepo{db: db} }

// ExistsForBooking reports whether a review row exists for bookingID.
func (r *ReviewRepo) ExistsForBooking(ctx context.Context, bookingID uint64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM reviews WHERE booking_id = ?)`, bookingID).Scan(&exists)
	return exists, err
}
