package repository

import (
	"context"
	"database/sql"
)

// ChatRepo opens chat rooms for bookings.  Message storage lives
// elsewhere; the dispatch engine only guarantees a room exists.
type ChatRepo struct {
	db *sql.DB
}

// NewChatRepo returns a new ChatRepo bound to the given database.
func NewChatRepo(db *sql.DB) *ChatRepo { return &ChatRepo{db: db} }

// EnsureRoom creates the room for bookingID unless it exists and returns
// its id.  The unique key on booking_id makes repeated calls harmless.
func (r *ChatRepo) EnsureRoom(ctx context.Context, bookingID, userID, contractorID uint64) (uint64, error) {
	if _, err := r.db.ExecContext(ctx,
		`INSERT IGNORE INTO chat_rooms (booking_id, user_id, contractor_id) VALUES (?, ?, ?)`,
		bookingID, userID, contractorID); err != nil {
		return 0, err
	}
	var id uint64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM chat_rooms WHERE booking_id = ?`, bookingID).Scan(&id)
	return id, err
}

// RoomMembers returns the requester and contractor ids of a room.
func (r *ChatRepo) RoomMembers(ctx context.Context, roomID uint64) (userID, contractorID uint64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT user_id, contractor_id FROM chat_rooms WHERE id = ?`, roomID).Scan(&userID, &contractorID)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	return userID, contractorID, err
}
