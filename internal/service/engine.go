// Package service implements the booking dispatch engine: the booking
// state machine, the HELP! auction, geo broadcast and the bodies of the
// deferred jobs.  Persistence, event delivery, notifications and job
// scheduling are reached through the interfaces below.
package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/iliyamo/service-dispatch/internal/config"
	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// BookingStore persists bookings.  Transition must be a single
// conditional write returning repository.ErrPreconditionFailed when it
// matches nothing.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id uint64) (*model.Booking, error)
	Transition(ctx context.Context, id uint64, from []model.BookingStatus, guard repository.ActorGuard, patch model.BookingPatch) (*model.Booking, error)
	ListOpenHelp(ctx context.Context) ([]model.Booking, error)
	ListForUser(ctx context.Context, userID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error)
	ListForContractor(ctx context.Context, contractorID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error)
}

// BidStore persists bids and runs the acceptance transaction.
type BidStore interface {
	Place(ctx context.Context, bid *model.Bid) error
	ListByBooking(ctx context.Context, bookingID uint64) ([]model.Bid, error)
	AcceptBid(ctx context.Context, bookingID, bidID, requesterID uint64) (*repository.AcceptOutcome, error)
	ExpirePending(ctx context.Context, bookingID uint64, cutoff time.Time) (int64, error)
}

// ContractorStore reads contractor profiles and stores presence.
type ContractorStore interface {
	GetByID(ctx context.Context, id uint64) (*model.ContractorProfile, error)
	GetByUserID(ctx context.Context, userID uint64) (*model.ContractorProfile, error)
	ListOnlineVerified(ctx context.Context) ([]model.ContractorProfile, error)
	SetOnline(ctx context.Context, userID uint64, online bool) (*model.ContractorProfile, error)
	UpdateLocation(ctx context.Context, userID uint64, lat, lng float64) error
	ServiceBasePrice(ctx context.Context, serviceID uint64) (*int64, error)
}

// ChatStore opens and reads chat rooms.
type ChatStore interface {
	EnsureRoom(ctx context.Context, bookingID, userID, contractorID uint64) (uint64, error)
	RoomMembers(ctx context.Context, roomID uint64) (userID, contractorID uint64, err error)
}

// ReviewStore answers whether a booking was reviewed.
type ReviewStore interface {
	ExistsForBooking(ctx context.Context, bookingID uint64) (bool, error)
}

// PaymentStore moves payments through capture and release.
type PaymentStore interface {
	Get(ctx context.Context, id uint64) (*model.Payment, error)
	MarkCaptured(ctx context.Context, id uint64, at time.Time) (*model.Payment, error)
	Release(ctx context.Context, id uint64, at time.Time) (*model.Payment, error)
}

// Scheduler persists a deferred job to run at or after runAt.
type Scheduler interface {
	Schedule(ctx context.Context, kind model.JobKind, payload model.JobPayload, runAt time.Time) error
}

// Notifier hands a user-facing message to the notification sink.  It
// must not block the caller and reports nothing back.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, title, body, typ string, data map[string]any)
}

// Deps are the collaborators of an Engine.  Bus, Notifier, Jobs, Clock,
// Rand and Log are optional.
type Deps struct {
	Bookings    BookingStore
	Bids        BidStore
	Contractors ContractorStore
	Chats       ChatStore
	Reviews     ReviewStore
	Payments    PaymentStore

	Bus      events.Publisher
	Notifier Notifier
	Jobs     Scheduler

	Config config.DispatchConfig
	Clock  func() time.Time
	Rand   io.Reader
	Log    *logger.Logger
}

// Engine is the dispatch core.  It holds no cross-request locks; every
// state change is a conditional write in the store.
type Engine struct {
	bookings    BookingStore
	bids        BidStore
	contractors ContractorStore
	chats       ChatStore
	reviews     ReviewStore
	payments    PaymentStore

	bus      events.Publisher
	notifier Notifier
	jobs     Scheduler

	cfg  config.DispatchConfig
	now  func() time.Time
	rand io.Reader
	log  *logger.Logger
}

// NewEngine builds an Engine from d, filling optional collaborators with
// no-op implementations.
func NewEngine(d Deps) *Engine {
	e := &Engine{
		bookings:    d.Bookings,
		bids:        d.Bids,
		contractors: d.Contractors,
		chats:       d.Chats,
		reviews:     d.Reviews,
		payments:    d.Payments,
		bus:         d.Bus,
		notifier:    d.Notifier,
		jobs:        d.Jobs,
		cfg:         d.Config,
		now:         d.Clock,
		rand:        d.Rand,
		log:         d.Log,
	}
	if e.bus == nil {
		e.bus = events.Nop{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.jobs == nil {
		e.jobs = nopScheduler{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	if e.cfg == (config.DispatchConfig{}) {
		e.cfg = config.DefaultDispatch()
	}
	return e
}

// UseBus replaces the event publisher.  It exists for wiring the realtime
// hub, which itself needs the engine, and must be called before serving.
func (e *Engine) UseBus(bus events.Publisher) {
	if bus != nil {
		e.bus = bus
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, uint64, string, string, string, map[string]any) {}

type nopScheduler struct{}

func (nopScheduler) Schedule(context.Context, model.JobKind, model.JobPayload, time.Time) error {
	return nil
}

func (e *Engine) clock() time.Time { return e.now().UTC() }

// emit publishes after the producing write has committed.  Failures are
// logged and never reach the caller.
func (e *Engine) emit(ctx context.Context, channel, event string, data any) {
	if err := e.bus.Publish(context.WithoutCancel(ctx), channel, event, data); err != nil {
		e.log.Warn("event publish failed", "channel", channel, "event", event, "error", err)
	}
}

// schedule enqueues a follow-up job.  A failure is logged; the transition
// that triggered it has already committed.
func (e *Engine) schedule(ctx context.Context, kind model.JobKind, payload model.JobPayload, runAt time.Time) {
	if err := e.jobs.Schedule(context.WithoutCancel(ctx), kind, payload, runAt); err != nil {
		e.log.Error("job schedule failed", "kind", kind, "booking_id", payload.BookingID,
			"payment_id", payload.PaymentID, "run_at", runAt, "error", err)
	}
}

// contractorUserID resolves a contractor profile id to its user id, or 0.
func (e *Engine) contractorUserID(ctx context.Context, contractorID *uint64) uint64 {
	if contractorID == nil {
		return 0
	}
	p, err := e.contractors.GetByID(ctx, *contractorID)
	if err != nil {
		e.log.Warn("contractor lookup failed", "contractor_id", *contractorID, "error", err)
		return 0
	}
	return p.UserID
}

// profileFor returns the contractor profile owned by userID, mapping a
// missing profile to repository.ErrForbidden.
func (e *Engine) profileFor(ctx context.Context, userID uint64) (*model.ContractorProfile, error) {
	p, err := e.contractors.GetByUserID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrForbidden
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return p, nil
}
