package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// BidRepo manages booking_bids.  Acceptance runs as one short
// transaction; everything else is a single statement.
type BidRepo struct {
	db *sql.DB
}

// NewBidRepo returns a new BidRepo bound to the given database.
func NewBidRepo(db *sql.DB) *BidRepo { return &BidRepo{db: db} }

const bidColumns = `id, booking_id, contractor_id, price_cents, message, eta_minutes, status, created_at, updated_at`

func scanBid(s scanner) (*model.Bid, error) {
	var (
		b       model.Bid
		message sql.NullString
		eta     sql.NullInt64
		status  string
	)
	if err := s.Scan(&b.ID, &b.BookingID, &b.ContractorID, &b.PriceCents, &message, &eta, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = model.BidStatus(status)
	b.Message = stringPtr(message)
	if eta.Valid {
		v := int(eta.Int64)
		b.EtaMinutes = &v
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func getBid(ctx context.Context, q execer, id uint64) (*model.Bid, error) {
	b, err := scanBid(q.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM booking_bids WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// Get returns a bid by id or ErrNotFound.
func (r *BidRepo) Get(ctx context.Context, id uint64) (*model.Bid, error) {
	return getBid(ctx, r.db, id)
}

// Place inserts a pending bid only while the booking is a pending HELP!
// request.  The INSERT ... SELECT makes the gate and the insert one
// statement; it takes a shared lock on the booking row, so it queues
// behind an in-flight acceptance and then sees the booking closed.
func (r *BidRepo) Place(ctx context.Context, bid *model.Bid) error {
	const q = `INSERT INTO booking_bids (booking_id, contractor_id, price_cents, message, eta_minutes, status, created_at, updated_at)
		SELECT b.id, ?, ?, ?, ?, 'pending', ?, ?
		FROM bookings b
		WHERE b.id = ? AND b.is_help_request = 1 AND b.status = 'pending'`
	now := time.Now().UTC()
	var eta any
	if bid.EtaMinutes != nil {
		eta = *bid.EtaMinutes
	}
	res, err := r.db.ExecContext(ctx, q,
		bid.ContractorID, bid.PriceCents, nullString(bid.Message), eta, now, now,
		bid.BookingID,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAuctionClosed
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	bid.ID = uint64(id)
	bid.Status = model.BidPending
	bid.CreatedAt = now
	bid.UpdatedAt = now
	return nil
}

// ListByBooking returns all bids on a booking, oldest first.
func (r *BidRepo) ListByBooking(ctx context.Context, bookingID uint64) ([]model.Bid, error) {
	return listBids(ctx, r.db, `SELECT `+bidColumns+` FROM booking_bids WHERE booking_id = ? ORDER BY created_at, id`, bookingID)
}

func listBids(ctx context.Context, q execer, query string, args ...any) ([]model.Bid, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// AcceptOutcome is what an acceptance changed.  On ErrAcceptFailed only
// Bid is set and holds the compensated (rejected) bid.
type AcceptOutcome struct {
	Booking  *model.Booking
	Bid      *model.Bid
	Rejected []model.Bid
}

// AcceptBid resolves the auction on bookingID in favour of bidID.
//
// The booking row is locked first so acceptance and bid placement on the
// same booking serialise in a fixed order.  Then, inside the same
// transaction: the bid moves pending→accepted (zero rows gives
// ErrBidAlreadyResolved), pending siblings move to rejected, and the
// booking moves pending→accepted with the winner's contractor and price.
// If that last step matches nothing the winning bid is rejected again,
// the transaction commits, and ErrAcceptFailed is returned with the
// compensated bid in the outcome.
//
// requesterID must own the booking; otherwise ErrForbidden is returned and
// nothing changes.
func (r *BidRepo) AcceptBid(ctx context.Context, bookingID, bidID, requesterID uint64) (*AcceptOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	booking, err := getBooking(ctx, tx, bookingID, true)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBidAlreadyResolved
		}
		return nil, err
	}
	if booking.UserID != requesterID {
		return nil, ErrForbidden
	}

	// (a) claim the bid
	res, err := tx.ExecContext(ctx,
		`UPDATE booking_bids SET status = 'accepted', updated_at = ? WHERE id = ? AND booking_id = ? AND status = 'pending'`,
		time.Now().UTC(), bidID, bookingID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrBidAlreadyResolved
	}
	winner, err := getBid(ctx, tx, bidID)
	if err != nil {
		return nil, err
	}

	// (b) reject the rest
	losers, err := listBids(ctx, tx,
		`SELECT `+bidColumns+` FROM booking_bids WHERE booking_id = ? AND id <> ? AND status = 'pending' FOR UPDATE`,
		bookingID, bidID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if len(losers) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE booking_bids SET status = 'rejected', updated_at = ? WHERE booking_id = ? AND id <> ? AND status = 'pending'`,
			now, bookingID, bidID); err != nil {
			return nil, err
		}
		for i := range losers {
			losers[i].Status = model.BidRejected
			losers[i].UpdatedAt = now
		}
	}

	// (c) close the booking
	contractorID := winner.ContractorID
	price := winner.PriceCents
	accepted, err := transitionTx(ctx, tx, bookingID,
		[]model.BookingStatus{model.BookingPending}, ActorGuard{},
		model.BookingPatch{
			Status:           model.BookingAccepted,
			ContractorID:     &contractorID,
			QuotedPriceCents: &price,
			UpdatedAt:        now,
		})
	if errors.Is(err, ErrPreconditionFailed) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE booking_bids SET status = 'rejected', updated_at = ? WHERE id = ? AND status = 'accepted'`,
			now, bidID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		committed = true
		winner.Status = model.BidRejected
		winner.UpdatedAt = now
		return &AcceptOutcome{Bid: winner}, ErrAcceptFailed
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &AcceptOutcome{Booking: accepted, Bid: winner, Rejected: losers}, nil
}

// ExpirePending moves pending bids on bookingID to expired when the
// booking was created at or before cutoff.  Running it twice is a no-op
// the second time.
func (r *BidRepo) ExpirePending(ctx context.Context, bookingID uint64, cutoff time.Time) (int64, error) {
	const q = `UPDATE booking_bids bb
		JOIN bookings b ON b.id = bb.booking_id
		SET bb.status = 'expired', bb.updated_at = ?
		WHERE bb.booking_id = ? AND bb.status = 'pending' AND b.created_at <= ?`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), bookingID, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
