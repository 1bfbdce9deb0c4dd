package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/geo"
	"github.com/iliyamo/service-dispatch/internal/model"
	"github.com/iliyamo/service-dispatch/internal/repository"
)

// kmNorth is the latitude offset of a point d km due north.
func kmNorth(d float64) float64 { return d / (geo.EarthRadiusKm * math.Pi / 180) }

func f(v float64) *float64 { return &v }

func newHelp(t *testing.T, h *harness) *model.Booking {
	t.Helper()
	res, err := h.engine.CreateHelpRequest(context.Background(), requester, HelpRequestInput{
		Description: "Burst pipe in the kitchen",
		Lat:         f(3.1390),
		Lng:         f(101.6869),
	})
	if err != nil {
		t.Fatalf("CreateHelpRequest: %v", err)
	}
	return res.Booking
}

func TestHelpRequestEndToEnd(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	near := h.db.addContractor(100, true, true, f(3.1390+kmNorth(5)), f(101.6869))
	far := h.db.addContractor(200, true, true, f(3.1390+kmNorth(40)), f(101.6869))
	h.db.addContractor(300, false, true, f(3.1390), f(101.6869)) // unverified
	h.db.addContractor(400, true, false, f(3.1390), f(101.6869)) // offline
	h.db.addContractor(500, true, true, nil, nil)                 // no location

	res, err := h.engine.CreateHelpRequest(ctx, requester, HelpRequestInput{
		Description: "Burst pipe in the kitchen",
		Lat:         f(3.1390),
		Lng:         f(101.6869),
	})
	if err != nil {
		t.Fatalf("CreateHelpRequest: %v", err)
	}
	b := res.Booking
	if res.ContractorsNotified != 1 {
		t.Fatalf("contractors notified = %d, want 1", res.ContractorsNotified)
	}
	if b.ContractorID != nil || !b.IsHelpRequest || b.Status != model.BookingPending {
		t.Fatalf("help booking = %+v", b)
	}
	if ev := h.bus.to(events.UserChannel(near.UserID)); len(ev) != 1 || ev[0] != events.BookingHelpBroadcast {
		t.Fatalf("near contractor events = %v", ev)
	}
	if ev := h.bus.to(events.UserChannel(far.UserID)); len(ev) != 0 {
		t.Fatalf("far contractor events = %v", ev)
	}
	if ev := h.bus.to("area:3.1,101.7"); len(ev) != 1 {
		t.Fatalf("area events = %v", ev)
	}
	expiry := h.jobs.of(model.JobBidExpiry)
	if len(expiry) != 1 || !expiry[0].RunAt.Equal(b.CreatedAt.Add(15*time.Minute)) {
		t.Fatalf("bid expiry jobs = %+v", expiry)
	}

	// The far contractor finds it by pulling with a wider radius.
	if got, err := h.engine.NearbyRequests(ctx, far.UserID, nil, nil, nil); err != nil || len(got) != 0 {
		t.Fatalf("default radius: %v, %v", got, err)
	}
	wide := 50.0
	got, err := h.engine.NearbyRequests(ctx, far.UserID, nil, nil, &wide)
	if err != nil || len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("wide radius: %+v, %v", got, err)
	}
	if got[0].DistanceKm < 39.9 || got[0].DistanceKm > 40.1 {
		t.Fatalf("distance = %v", got[0].DistanceKm)
	}

	bidA, err := h.engine.PlaceBid(ctx, near.UserID, b.ID, PlaceBidInput{PriceCents: 5000})
	if err != nil {
		t.Fatalf("bid A: %v", err)
	}
	bidB, err := h.engine.PlaceBid(ctx, far.UserID, b.ID, PlaceBidInput{PriceCents: 4000})
	if err != nil {
		t.Fatalf("bid B: %v", err)
	}
	if n := h.bus.count(events.BookingBidReceived); n != 2 {
		t.Fatalf("bid_received events = %d", n)
	}
	if _, err := h.engine.PlaceBid(ctx, near.UserID, b.ID, PlaceBidInput{PriceCents: 4500}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second active bid: err = %v", err)
	}

	out, err := h.engine.AcceptBid(ctx, requester, b.ID, bidA.ID)
	if err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}
	if out.Booking.Status != model.BookingAccepted || *out.Booking.ContractorID != near.ID || *out.Booking.QuotedPriceCents != 5000 {
		t.Fatalf("accepted booking = %+v", out.Booking)
	}
	if st := h.db.bid(bidB.ID).Status; st != model.BidRejected {
		t.Fatalf("losing bid status = %s", st)
	}
	if _, err := h.engine.AcceptBid(ctx, requester, b.ID, bidB.ID); !errors.Is(err, repository.ErrBidAlreadyResolved) {
		t.Fatalf("accept loser: err = %v", err)
	}
	if _, err := h.engine.PlaceBid(ctx, far.UserID, b.ID, PlaceBidInput{PriceCents: 3000}); !errors.Is(err, repository.ErrAuctionClosed) {
		t.Fatalf("late bid: err = %v", err)
	}
	if got := h.notifier.titlesFor(near.UserID); got[len(got)-1] != "Bid Accepted!" {
		t.Fatalf("winner notifications = %v", got)
	}
	if _, ok := h.db.rooms[b.ID]; !ok {
		t.Fatal("chat room not opened for the winner")
	}
}

func TestAcceptBidSingleWinner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	b := newHelp(t, h)

	const n = 8
	bids := make([]*model.Bid, n)
	for i := range bids {
		p := h.db.addContractor(uint64(100+i), true, true, nil, nil)
		bid, err := h.engine.PlaceBid(ctx, p.UserID, b.ID, PlaceBidInput{PriceCents: int64(1000 + i)})
		if err != nil {
			t.Fatalf("PlaceBid: %v", err)
		}
		bids[i] = bid
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []uint64
		resolved int
	)
	start := make(chan struct{})
	for _, bid := range bids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			<-start
			_, err := h.engine.AcceptBid(ctx, requester, b.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, repository.ErrBidAlreadyResolved):
				resolved++
			default:
				t.Errorf("AcceptBid(%d): %v", id, err)
			}
		}(bid.ID)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || resolved != n-1 {
		t.Fatalf("winners = %v, already resolved = %d", winners, resolved)
	}
	accepted := 0
	for _, bid := range bids {
		switch h.db.bid(bid.ID).Status {
		case model.BidAccepted:
			accepted++
			if bid.ID != winners[0] {
				t.Fatalf("bid %d accepted but %d won", bid.ID, winners[0])
			}
		case model.BidRejected:
		default:
			t.Fatalf("bid %d left %s", bid.ID, h.db.bid(bid.ID).Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted bids = %d", accepted)
	}
	final := h.db.booking(b.ID)
	if final.Status != model.BookingAccepted || final.ContractorID == nil {
		t.Fatalf("booking = %+v", final)
	}
}

func TestAcceptBidCompensatesWhenBookingMoved(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	b := newHelp(t, h)
	p := h.db.addContractor(100, true, true, nil, nil)
	bid, err := h.engine.PlaceBid(ctx, p.UserID, b.ID, PlaceBidInput{PriceCents: 2500})
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if _, err := h.engine.Cancel(ctx, requester, b.ID, nil); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	out, err := h.engine.AcceptBid(ctx, requester, b.ID, bid.ID)
	if !errors.Is(err, repository.ErrAcceptFailed) {
		t.Fatalf("err = %v, want ErrAcceptFailed", err)
	}
	if out == nil || out.Bid.Status != model.BidRejected {
		t.Fatalf("outcome = %+v", out)
	}
	if st := h.db.bid(bid.ID).Status; st != model.BidRejected {
		t.Fatalf("bid status = %s", st)
	}
	if st := h.db.booking(b.ID).Status; st != model.BookingCancelled {
		t.Fatalf("booking status = %s", st)
	}
}

func TestAcceptBidRequiresRequester(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	b := newHelp(t, h)
	p := h.db.addContractor(100, true, true, nil, nil)
	bid, err := h.engine.PlaceBid(ctx, p.UserID, b.ID, PlaceBidInput{PriceCents: 2500})
	if err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if _, err := h.engine.AcceptBid(ctx, 42, b.ID, bid.ID); !errors.Is(err, repository.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if st := h.db.bid(bid.ID).Status; st != model.BidPending {
		t.Fatalf("bid status = %s", st)
	}
}

func TestExpireBidsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	open, won := newHelp(t, h), newHelp(t, h)
	var wonBids []*model.Bid
	for i := 0; i < 4; i++ {
		p := h.db.addContractor(uint64(100+i), true, true, nil, nil)
		target := open.ID
		if i >= 2 {
			target = won.ID
		}
		bid, err := h.engine.PlaceBid(ctx, p.UserID, target, PlaceBidInput{PriceCents: int64(1000 + i)})
		if err != nil {
			t.Fatalf("PlaceBid: %v", err)
		}
		if target == won.ID {
			wonBids = append(wonBids, bid)
		}
	}
	winner, loser := wonBids[0], wonBids[1]
	if _, err := h.engine.AcceptBid(ctx, requester, won.ID, winner.ID); err != nil {
		t.Fatalf("AcceptBid: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	if n, err := h.engine.ExpireBids(ctx, open.ID); err != nil || n != 0 {
		t.Fatalf("early expiry = %d, %v", n, err)
	}

	h.clock.Advance(5 * time.Minute)
	for _, id := range []uint64{open.ID, won.ID} {
		job := model.DeferredJob{Kind: model.JobBidExpiry, Payload: model.JobPayload{BookingID: id}}
		for i := 0; i < 3; i++ {
			if err := h.engine.RunJob(ctx, job); err != nil {
				t.Fatalf("booking %d delivery %d: %v", id, i+1, err)
			}
		}
	}

	bids, err := h.engine.ListBids(ctx, requester, open.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	for _, bid := range bids {
		if bid.Status != model.BidExpired {
			t.Fatalf("bid %d status = %s", bid.ID, bid.Status)
		}
	}
	if st := h.db.bid(winner.ID).Status; st != model.BidAccepted {
		t.Fatalf("accepted bid became %s after expiry", st)
	}
	if st := h.db.bid(loser.ID).Status; st != model.BidRejected {
		t.Fatalf("rejected bid became %s after expiry", st)
	}
	if st := h.db.booking(won.ID).Status; st != model.BookingAccepted {
		t.Fatalf("booking status = %s", st)
	}
	for _, id := range []uint64{open.ID, won.ID} {
		if n, _ := h.engine.ExpireBids(ctx, id); n != 0 {
			t.Fatalf("redelivery on booking %d expired %d bids", id, n)
		}
	}
}

func TestPlaceBidValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	b := newHelp(t, h)

	var verrs ValidationErrors
	if _, err := h.engine.PlaceBid(ctx, 100, b.ID, PlaceBidInput{PriceCents: 0}); !errors.As(err, &verrs) {
		t.Fatalf("zero price: err = %v", err)
	}
	if _, err := h.engine.PlaceBid(ctx, 100, b.ID, PlaceBidInput{PriceCents: 10}); !errors.Is(err, repository.ErrForbidden) {
		t.Fatalf("no contractor profile: err = %v", err)
	}

	tb, _ := newTargeted(t, h, nil)
	if _, err := h.engine.PlaceBid(ctx, contractorUser, tb.ID, PlaceBidInput{PriceCents: 10}); !errors.Is(err, repository.ErrAuctionClosed) {
		t.Fatalf("bid on targeted booking: err = %v", err)
	}
}

func TestHelpRequestValidation(t *testing.T) {
	h := newHarness()
	_, err := h.engine.CreateHelpRequest(context.Background(), requester, HelpRequestInput{Lat: f(3.1)})
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("err = %v, want two field errors", err)
	}
}

func TestPresence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	b, p := newTargeted(t, h, nil)
	if _, err := h.engine.Accept(ctx, contractorUser, b.ID, nil); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	prof, err := h.engine.SetOnlineStatus(ctx, contractorUser, false)
	if err != nil || prof.IsOnline {
		t.Fatalf("SetOnlineStatus = %+v, %v", prof, err)
	}
	if ev := h.bus.to(events.Broadcast); len(ev) != 1 || ev[0] != events.ContractorStatus {
		t.Fatalf("broadcast events = %v", ev)
	}
	if err := h.engine.SetOnline(ctx, requester, true); !errors.Is(err, repository.ErrForbidden) {
		t.Fatalf("customer SetOnline: err = %v", err)
	}

	if err := h.engine.UpdateLocation(ctx, contractorUser, 3.2, 101.7, b.ID); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if ev := h.bus.to(events.BookingChannel(b.ID)); ev[len(ev)-1] != events.LocationUpdate {
		t.Fatalf("booking channel events = %v", ev)
	}
	if got, _ := h.engine.contractors.GetByID(ctx, p.ID); got.Lat == nil || *got.Lat != 3.2 {
		t.Fatalf("location not stored: %+v", got)
	}
	if err := h.engine.UpdateLocation(ctx, contractorUser, 91, 0, 0); err == nil {
		t.Fatal("expected validation error for lat 91")
	}

	if ok, _ := h.engine.CanJoinBooking(ctx, contractorUser, b.ID); !ok {
		t.Fatal("assigned contractor should join the booking channel")
	}
	if ok, _ := h.engine.CanJoinBooking(ctx, 77, b.ID); ok {
		t.Fatal("stranger joined the booking channel")
	}
	if ok, _ := h.engine.CanJoinChat(ctx, contractorUser, b.ID); !ok {
		t.Fatal("contractor should join the chat room")
	}
}

func TestNonFiniteCoordinatesRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	p := h.db.addContractor(contractorUser, true, true, nil, nil)

	tests := []struct {
		name     string
		lat, lng float64
		field    string
	}{
		{"NaN lat", math.NaN(), 101.6, "lat"},
		{"NaN lng", 3.1, math.NaN(), "lng"},
		{"infinite lat", math.Inf(1), 101.6, "lat"},
		{"negative infinite lng", 3.1, math.Inf(-1), "lng"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verrs ValidationErrors
			err := h.engine.UpdateLocation(ctx, contractorUser, tt.lat, tt.lng, 0)
			if !errors.As(err, &verrs) || verrs[0].Field != tt.field {
				t.Fatalf("UpdateLocation err = %v, want validation error on %s", err, tt.field)
			}
			got, err := h.engine.NearbyRequests(ctx, contractorUser, f(tt.lat), f(tt.lng), nil)
			if !errors.As(err, &verrs) || verrs[0].Field != tt.field {
				t.Fatalf("NearbyRequests = %v, %v, want validation error on %s", got, err, tt.field)
			}
		})
	}
	if stored, _ := h.engine.contractors.GetByID(ctx, p.ID); stored.Lat != nil {
		t.Fatalf("non-finite location was stored: %+v", stored)
	}
}
