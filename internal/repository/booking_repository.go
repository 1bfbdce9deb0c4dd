package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// BookingRepo reads and conditionally updates rows of the bookings table.
// Every state change goes through Transition, which issues exactly one
// UPDATE keyed on the id, the allowed source states and the actor.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying handle for callers that open their own
// transactions.
func (r *BookingRepo) DB() *sql.DB { return r.db }

const bookingColumns = `id, booking_number, user_id, contractor_id, service_id, subcategory_id,
	description, latitude, longitude, scheduled_at, is_help_request, status,
	quoted_price_cents, final_price_cents, user_notes, contractor_notes,
	started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason,
	created_at, updated_at`

func scanBooking(s scanner) (*model.Booking, error) {
	var (
		b                                     model.Booking
		contractorID, serviceID, subcatID     sql.NullInt64
		cancelledBy, quoted, final            sql.NullInt64
		description, userNotes, contrNotes    sql.NullString
		reason                                sql.NullString
		lat, lng                              sql.NullFloat64
		scheduled, started, completed, cancel sql.NullTime
		status                                string
	)
	err := s.Scan(
		&b.ID, &b.BookingNumber, &b.UserID, &contractorID, &serviceID, &subcatID,
		&description, &lat, &lng, &scheduled, &b.IsHelpRequest, &status,
		&quoted, &final, &userNotes, &contrNotes,
		&started, &completed, &cancel, &cancelledBy, &reason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	b.ContractorID = uintPtr(contractorID)
	b.ServiceID = uintPtr(serviceID)
	b.SubcategoryID = uintPtr(subcatID)
	b.Description = stringPtr(description)
	b.Lat = floatPtr(lat)
	b.Lng = floatPtr(lng)
	b.ScheduledAt = timePtr(scheduled)
	b.QuotedPriceCents = int64Ptr(quoted)
	b.FinalPriceCents = int64Ptr(final)
	b.UserNotes = stringPtr(userNotes)
	b.ContractorNotes = stringPtr(contrNotes)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.CancelledAt = timePtr(cancel)
	b.CancelledBy = uintPtr(cancelledBy)
	b.CancellationReason = stringPtr(reason)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// Create inserts b and fills in the generated id and timestamps.  A
// duplicate booking number yields ErrConflict so the caller can draw a
// new one.
func (r *BookingRepo) Create(ctx context.Context, b *model.Booking) error {
	const q = `INSERT INTO bookings (booking_number, user_id, contractor_id, service_id, subcategory_id,
		description, latitude, longitude, scheduled_at, is_help_request, status,
		quoted_price_cents, user_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	if b.Status == "" {
		b.Status = model.BookingPending
	}
	res, err := r.db.ExecContext(ctx, q,
		b.BookingNumber, b.UserID, nullUint(b.ContractorID), nullUint(b.ServiceID), nullUint(b.SubcategoryID),
		nullString(b.Description), nullFloat(b.Lat), nullFloat(b.Lng), nullTime(b.ScheduledAt),
		b.IsHelpRequest, string(b.Status), nullInt64(b.QuotedPriceCents), nullString(b.UserNotes),
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

// Get returns the booking with the given id or ErrNotFound.
func (r *BookingRepo) Get(ctx context.Context, id uint64) (*model.Booking, error) {
	return getBooking(ctx, r.db, id, false)
}

func getBooking(ctx context.Context, q execer, id uint64, forUpdate bool) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListOpenHelp returns pending HELP! bookings that carry a location.  The
// geo filter runs in memory over this set.
func (r *BookingRepo) ListOpenHelp(ctx context.Context) ([]model.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings
		WHERE is_help_request = 1 AND status = 'pending'
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY created_at DESC`
	return queryBookings(ctx, r.db, q)
}

// ListForUser returns one page of the bookings userID requested, newest
// first.  A non-nil status narrows the page to that state.
func (r *BookingRepo) ListForUser(ctx context.Context, userID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error) {
	return r.listBy(ctx, "user_id", userID, status, limit, offset)
}

// ListForContractor is ListForUser for the bookings assigned to a
// contractor profile.
func (r *BookingRepo) ListForContractor(ctx context.Context, contractorID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error) {
	return r.listBy(ctx, "contractor_id", contractorID, status, limit, offset)
}

// listBy pages over bookings keyed on column, which is never user input.
func (r *BookingRepo) listBy(ctx context.Context, column string, id uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + column + ` = ?`
	args := []any{id}
	if status != nil {
		q += ` AND status = ?`
		args = append(args, string(*status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return queryBookings(ctx, r.db, q, args...)
}

func queryBookings(ctx context.Context, q execer, query string, args ...any) ([]model.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// ActorGuard narrows a transition to rows the actor participates in.  A
// zero field is not checked; when both are set either may match.
type ActorGuard struct {
	UserID       uint64
	ContractorID uint64
}

// Transition applies patch to booking id when its status is one of from
// and the actor guard matches, then returns the updated row.  Zero
// affected rows yields ErrPreconditionFailed.
func (r *BookingRepo) Transition(ctx context.Context, id uint64, from []model.BookingStatus, guard ActorGuard, patch model.BookingPatch) (*model.Booking, error) {
	var out *model.Booking
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		b, err := transitionTx(ctx, tx, id, from, guard, patch)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func transitionTx(ctx context.Context, tx *sql.Tx, id uint64, from []model.BookingStatus, guard ActorGuard, patch model.BookingPatch) (*model.Booking, error) {
	q, args := buildBookingUpdate(id, from, guard, patch)
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrPreconditionFailed
	}
	return getBooking(ctx, tx, id, false)
}

// buildBookingUpdate renders the single parameterised UPDATE used by every
// transition.  Column order is fixed so the statement text only varies
// with which patch fields are present.
func buildBookingUpdate(id uint64, from []model.BookingStatus, guard ActorGuard, p model.BookingPatch) (string, []any) {
	sets := []string{"status = ?"}
	args := []any{string(p.Status)}

	if p.ContractorID != nil {
		sets = append(sets, "contractor_id = ?")
		args = append(args, *p.ContractorID)
	}
	if p.QuotedPriceCents != nil {
		sets = append(sets, "quoted_price_cents = ?")
		args = append(args, *p.QuotedPriceCents)
	}
	if p.SettleFinalPrice {
		// MySQL evaluates SET left to right, so quoted_price_cents here
		// already reflects a quote set earlier in the same statement.
		if p.FinalPriceCents != nil {
			sets = append(sets, "final_price_cents = ?")
			args = append(args, *p.FinalPriceCents)
		} else {
			sets = append(sets, "final_price_cents = quoted_price_cents")
		}
	}
	if p.ContractorNotes != nil {
		sets = append(sets, "contractor_notes = ?")
		args = append(args, *p.ContractorNotes)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, p.StartedAt.UTC())
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, p.CompletedAt.UTC())
	}
	if p.CancelledAt != nil {
		sets = append(sets, "cancelled_at = ?")
		args = append(args, p.CancelledAt.UTC())
	}
	if p.CancelledBy != nil {
		sets = append(sets, "cancelled_by = ?")
		args = append(args, *p.CancelledBy)
	}
	if p.CancellationReason != nil {
		sets = append(sets, "cancellation_reason = ?")
		args = append(args, *p.CancellationReason)
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, updated.UTC())

	where := []string{"id = ?"}
	args = append(args, id)

	if len(from) > 0 {
		where = append(where, "status IN ("+placeholders(len(from))+")")
		for _, s := range from {
			args = append(args, string(s))
		}
	}
	switch {
	case guard.UserID != 0 && guard.ContractorID != 0:
		where = append(where, "(user_id = ? OR contractor_id = ?)")
		args = append(args, guard.UserID, guard.ContractorID)
	case guard.UserID != 0:
		where = append(where, "user_id = ?")
		args = append(args, guard.UserID)
	case guard.ContractorID != 0:
		where = append(where, "contractor_id = ?")
		args = append(args, guard.ContractorID)
	}

	q := fmt.Sprintf("UPDATE bookings SET %s WHERE %s",
		strings.Join(sets, ", "), strings.Join(where, " AND "))
	return q, args
}
