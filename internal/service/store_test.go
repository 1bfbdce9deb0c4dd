package service

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// memDB is an in-memory store with the same conditional-write semantics
// as the MySQL repositories.  Every operation runs under one mutex, which
// stands in for row locks.
type memDB struct {
	mu sync.Mutex

	clock func() time.Time
	seq   uint64

	bookings    map[uint64]*model.Booking
	numbers     map[string]bool
	bids        map[uint64]*model.Bid
	contractors map[uint64]*model.ContractorProfile
	services    map[uint64]int64
	rooms       map[uint64][2]uint64
	reviews     map[uint64]bool
	payments    map[uint64]*model.Payment
}

func newMemDB(clock func() time.Time) *memDB {
	return &memDB{
		clock:       clock,
		bookings:    map[uint64]*model.Booking{},
		numbers:     map[string]bool{},
		bids:        map[uint64]*model.Bid{},
		contractors: map[uint64]*model.ContractorProfile{},
		services:    map[uint64]int64{},
		rooms:       map[uint64][2]uint64{},
		reviews:     map[uint64]bool{},
		payments:    map[uint64]*model.Payment{},
	}
}

func (db *memDB) next() uint64 {
	db.seq++
	return db.seq
}

func (db *memDB) addContractor(userID uint64, verified, online bool, lat, lng *float64) *model.ContractorProfile {
	db.mu.Lock()
	defer db.mu.Unlock()
	p := &model.ContractorProfile{
		ID:                 db.next(),
		UserID:             userID,
		VerificationStatus: model.VerificationPending,
		IsOnline:           online,
		Lat:                lat,
		Lng:                lng,
		AvgRating:          4.5,
	}
	if verified {
		p.VerificationStatus = model.VerificationVerified
	}
	db.contractors[p.ID] = p
	return p
}

func (db *memDB) booking(id uint64) model.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.bookings[id]
}

func (db *memDB) bid(id uint64) model.Bid {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.bids[id]
}

// forceStatus puts a booking straight into s, bypassing the state machine.
func (db *memDB) forceStatus(id uint64, s model.BookingStatus) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.bookings[id].Status = s
}

func (db *memDB) stores() Deps {
	return Deps{
		Bookings:    memBookings{db},
		Bids:        memBids{db},
		Contractors: memContractors{db},
		Chats:       memChats{db},
		Reviews:     memReviews{db},
		Payments:    memPayments{db},
	}
}

type memBookings struct{ db *memDB }

func (s memBookings) Create(_ context.Context, b *model.Booking) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.numbers[b.BookingNumber] {
		return repository.ErrConflict
	}
	s.db.numbers[b.BookingNumber] = true
	b.ID = s.db.next()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.db.clock()
	}
	b.UpdatedAt = b.CreatedAt
	cp := *b
	s.db.bookings[b.ID] = &cp
	return nil
}

func (s memBookings) Get(_ context.Context, id uint64) (*model.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func guardMatches(b *model.Booking, g repository.ActorGuard) bool {
	byContractor := g.ContractorID != 0 && b.ContractorID != nil && *b.ContractorID == g.ContractorID
	byUser := g.UserID != 0 && b.UserID == g.UserID
	switch {
	case g.UserID != 0 && g.ContractorID != 0:
		return byUser || byContractor
	case g.UserID != 0:
		return byUser
	case g.ContractorID != 0:
		return byContractor
	}
	return true
}

func (s memBookings) Transition(_ context.Context, id uint64, from []model.BookingStatus, guard repository.ActorGuard, patch model.BookingPatch) (*model.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[id]
	if !ok || !statusIn(b.Status, from) || !guardMatches(b, guard) {
		return nil, repository.ErrPreconditionFailed
	}
	patch.Apply(b)
	cp := *b
	return &cp, nil
}

func statusIn(s model.BookingStatus, set []model.BookingStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s memBookings) ListOpenHelp(context.Context) ([]model.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []model.Booking
	for id := uint64(1); id <= s.db.seq; id++ {
		b, ok := s.db.bookings[id]
		if ok && b.IsHelpRequest && b.Status == model.BookingPending && b.Lat != nil && b.Lng != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s memBookings) ListForUser(_ context.Context, userID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error) {
	return s.page(func(b *model.Booking) bool { return b.UserID == userID }, status, limit, offset), nil
}

func (s memBookings) ListForContractor(_ context.Context, contractorID uint64, status *model.BookingStatus, limit, offset int) ([]model.Booking, error) {
	return s.page(func(b *model.Booking) bool {
		return b.ContractorID != nil && *b.ContractorID == contractorID
	}, status, limit, offset), nil
}

// page walks ids downwards, which is creation order reversed.
func (s memBookings) page(match func(*model.Booking) bool, status *model.BookingStatus, limit, offset int) []model.Booking {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.Booking, 0)
	for id := s.db.seq; id > 0 && len(out) < limit; id-- {
		b, ok := s.db.bookings[id]
		if !ok || !match(b) || (status != nil && b.Status != *status) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		out = append(out, *b)
	}
	return out
}

type memBids struct{ db *memDB }

func (s memBids) Place(_ context.Context, bid *model.Bid) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[bid.BookingID]
	if !ok || !b.IsHelpRequest || b.Status != model.BookingPending {
		return repository.ErrAuctionClosed
	}
	for _, other := range s.db.bids {
		if other.BookingID == bid.BookingID && other.ContractorID == bid.ContractorID &&
			(other.Status == model.BidPending || other.Status == model.BidAccepted) {
			return repository.ErrConflict
		}
	}
	now := s.db.clock()
	bid.ID = s.db.next()
	bid.Status = model.BidPending
	bid.CreatedAt = now
	bid.UpdatedAt = now
	cp := *bid
	s.db.bids[bid.ID] = &cp
	return nil
}

func (s memBids) ListByBooking(_ context.Context, bookingID uint64) ([]model.Bid, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.listLocked(bookingID), nil
}

func (s memBids) listLocked(bookingID uint64) []model.Bid {
	var out []model.Bid
	for id := uint64(1); id <= s.db.seq; id++ {
		if b, ok := s.db.bids[id]; ok && b.BookingID == bookingID {
			out = append(out, *b)
		}
	}
	return out
}

func (s memBids) AcceptBid(_ context.Context, bookingID, bidID, requesterID uint64) (*repository.AcceptOutcome, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[bookingID]
	if !ok {
		return nil, repository.ErrBidAlreadyResolved
	}
	if b.UserID != requesterID {
		return nil, repository.ErrForbidden
	}
	winner, ok := s.db.bids[bidID]
	if !ok || winner.BookingID != bookingID || winner.Status != model.BidPending {
		return nil, repository.ErrBidAlreadyResolved
	}
	now := s.db.clock()
	winner.Status = model.BidAccepted
	var losers []model.Bid
	for _, other := range s.db.bids {
		if other.BookingID == bookingID && other.ID != bidID && other.Status == model.BidPending {
			other.Status = model.BidRejected
			other.UpdatedAt = now
			losers = append(losers, *other)
		}
	}
	if b.Status != model.BookingPending {
		winner.Status = model.BidRejected
		return &repository.AcceptOutcome{Bid: ptr(*winner)}, repository.ErrAcceptFailed
	}
	cid, price := winner.ContractorID, winner.PriceCents
	model.BookingPatch{Status: model.BookingAccepted, ContractorID: &cid, QuotedPriceCents: &price, UpdatedAt: now}.Apply(b)
	return &repository.AcceptOutcome{Booking: ptr(*b), Bid: ptr(*winner), Rejected: losers}, nil
}

func ptr[T any](v T) *T { return &v }

func (s memBids) ExpirePending(_ context.Context, bookingID uint64, cutoff time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[bookingID]
	if !ok || b.CreatedAt.After(cutoff) {
		return 0, nil
	}
	var n int64
	for _, bid := range s.db.bids {
		if bid.BookingID == bookingID && bid.Status == model.BidPending {
			bid.Status = model.BidExpired
			n++
		}
	}
	return n, nil
}

type memContractors struct{ db *memDB }

func (s memContractors) GetByID(_ context.Context, id uint64) (*model.ContractorProfile, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.contractors[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ptr(*p), nil
}

func (s memContractors) GetByUserID(_ context.Context, userID uint64) (*model.ContractorProfile, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, p := range s.db.contractors {
		if p.UserID == userID {
			return ptr(*p), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s memContractors) ListOnlineVerified(context.Context) ([]model.ContractorProfile, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []model.ContractorProfile
	for id := uint64(1); id <= s.db.seq; id++ {
		if p, ok := s.db.contractors[id]; ok && p.IsOnline && p.Verified() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s memContractors) SetOnline(_ context.Context, userID uint64, online bool) (*model.ContractorProfile, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, p := range s.db.contractors {
		if p.UserID == userID {
			p.IsOnline = online
			return ptr(*p), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s memContractors) UpdateLocation(_ context.Context, userID uint64, lat, lng float64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, p := range s.db.contractors {
		if p.UserID == userID {
			p.Lat, p.Lng = &lat, &lng
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s memContractors) ServiceBasePrice(_ context.Context, serviceID uint64) (*int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.services[serviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

type memChats struct{ db *memDB }

func (s memChats) EnsureRoom(_ context.Context, bookingID, userID, contractorID uint64) (uint64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	// Room ids equal booking ids here, which keeps EnsureRoom idempotent.
	if _, ok := s.db.rooms[bookingID]; !ok {
		s.db.rooms[bookingID] = [2]uint64{userID, contractorID}
	}
	return bookingID, nil
}

func (s memChats) RoomMembers(_ context.Context, roomID uint64) (uint64, uint64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.rooms[roomID]
	if !ok {
		return 0, 0, repository.ErrNotFound
	}
	return m[0], m[1], nil
}

type memReviews struct{ db *memDB }

func (s memReviews) ExistsForBooking(_ context.Context, bookingID uint64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.reviews[bookingID], nil
}

type memPayments struct{ db *memDB }

func (s memPayments) Get(_ context.Context, id uint64) (*model.Payment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ptr(*p), nil
}

func (s memPayments) move(id uint64, from, to model.PaymentStatus, at time.Time) (*model.Payment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.payments[id]
	if !ok || p.Status != from {
		return nil, repository.ErrPreconditionFailed
	}
	p.Status = to
	if to == model.PaymentCaptured {
		p.PaidAt = &at
	} else {
		p.ReleasedAt = &at
	}
	return ptr(*p), nil
}

func (s memPayments) MarkCaptured(_ context.Context, id uint64, at time.Time) (*model.Payment, error) {
	return s.move(id, model.PaymentPending, model.PaymentCaptured, at)
}

func (s memPayments) Release(_ context.Context, id uint64, at time.Time) (*model.Payment, error) {
	return s.move(id, model.PaymentCaptured, model.PaymentReleased, at)
}

type published struct {
	Channel string
	Event   string
	Data    any
}

type recordingBus struct {
	mu  sync.Mutex
	log []published
}

func (r *recordingBus) Publish(_ context.Context, channel, event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, published{channel, event, data})
	return nil
}

func (r *recordingBus) to(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.log {
		if p.Channel == channel {
			out = append(out, p.Event)
		}
	}
	return out
}

func (r *recordingBus) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.log {
		if p.Event == event {
			n++
		}
	}
	return n
}

var _ events.Publisher = (*recordingBus)(nil)

type sentNotification struct {
	UserID uint64
	Title  string
	Type   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (r *recordingNotifier) Notify(_ context.Context, userID uint64, title, _, typ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentNotification{userID, title, typ})
}

func (r *recordingNotifier) titlesFor(userID uint64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.sent {
		if n.UserID == userID {
			out = append(out, n.Title)
		}
	}
	return out
}

type scheduledJob struct {
	Kind    model.JobKind
	Payload model.JobPayload
	RunAt   time.Time
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

func (r *recordingScheduler) Schedule(_ context.Context, kind model.JobKind, payload model.JobPayload, runAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, scheduledJob{kind, payload, runAt})
	return nil
}

func (r *recordingScheduler) of(kind model.JobKind) []scheduledJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scheduledJob
	for _, j := range r.jobs {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

// fakeClock is a settable clock shared by the engine and the store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db       *memDB
	clock    *fakeClock
	bus      *recordingBus
	notifier *recordingNotifier
	jobs     *recordingScheduler
	engine   *Engine
}

func newHarness() *harness {
	h := &harness{
		clock:    &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		bus:      &recordingBus{},
		notifier: &recordingNotifier{},
		jobs:     &recordingScheduler{},
	}
	h.db = newMemDB(h.clock.Now)
	d := h.db.stores()
	d.Bus = h.bus
	d.Notifier = h.notifier
	d.Jobs = h.jobs
	d.Clock = h.clock.Now
	h.engine = NewEngine(d)
	return h
}
