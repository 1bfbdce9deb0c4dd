// Package repository holds the MySQL data access layer.  Sentinel errors
// below let the service and handler layers tell failure modes apart
// without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned by plain lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ErrPreconditionFailed is returned when a conditional update matched no
// row.  A missing row, a row in the wrong state and a row owned by
// someone else all look the same to the caller.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrBidAlreadyResolved is returned when the bid being accepted is no
// longer pending.
var ErrBidAlreadyResolved = errors.New("bid already resolved")

// ErrAuctionClosed is returned when a bid targets a booking that is not
// an open HELP! request.
var ErrAuctionClosed = errors.New("auction closed")

// ErrAcceptFailed is returned when a bid was won but the booking could no
// longer move to accepted.  The bid has been rejected again by then.
var ErrAcceptFailed = errors.New("accept failed")

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own.  Handlers translate it into HTTP 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a write violates a uniqueness rule, such
// as a second active bid from the same contractor.  Handlers translate it
// into HTTP 409.
var ErrConflict = errors.New("conflict")

// isDuplicateKey reports whether err is MySQL error 1062.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
