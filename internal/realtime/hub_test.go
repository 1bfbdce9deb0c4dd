package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/logger"
)

type fakeAuth struct {
	bookings map[uint64]uint64 // booking id -> member user id
	rooms    map[uint64]uint64
}

func (f fakeAuth) CanJoinBooking(_ context.Context, userID, bookingID uint64) (bool, error) {
	return f.bookings[bookingID] == userID, nil
}

func (f fakeAuth) CanJoinChat(_ context.Context, userID, roomID uint64) (bool, error) {
	return f.rooms[roomID] == userID, nil
}

func drain(c *Client) []events.Envelope {
	var out []events.Envelope
	for {
		select {
		case msg, ok := <-c.Outbound():
			if !ok {
				return out
			}
			var env events.Envelope
			if err := json.Unmarshal(msg, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestHubDeliversToUserChannelOnly(t *testing.T) {
	h := NewHub(nil, logger.Discard())
	alice := NewClient(1, RoleCustomer, 8)
	bob := NewClient(2, RoleCustomer, 8)
	h.Register(alice)
	h.Register(bob)

	if err := h.Publish(context.Background(), events.UserChannel(1), events.BookingAccepted, map[string]int{"id": 9}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := drain(alice); len(got) != 1 || got[0].Event != events.BookingAccepted {
		t.Fatalf("alice got %+v", got)
	}
	if got := drain(bob); len(got) != 0 {
		t.Fatalf("bob should receive nothing, got %+v", got)
	}
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	h := NewHub(nil, logger.Discard())
	a, b := NewClient(1, RoleCustomer, 8), NewClient(2, RoleContractor, 8)
	h.Register(a)
	h.Register(b)

	if n := h.Deliver(events.Broadcast, []byte(`{}`)); n != 2 {
		t.Fatalf("delivered to %d, want 2", n)
	}
}

func TestHubJoinCapabilities(t *testing.T) {
	auth := fakeAuth{bookings: map[uint64]uint64{10: 1}, rooms: map[uint64]uint64{5: 1}}
	h := NewHub(auth, logger.Discard())
	customer := NewClient(1, RoleCustomer, 8)
	contractor := NewClient(2, RoleContractor, 8)
	h.Register(customer)
	h.Register(contractor)
	ctx := context.Background()

	tests := []struct {
		name    string
		client  *Client
		channel string
		wantErr bool
	}{
		{"own user channel", customer, events.UserChannel(1), false},
		{"someone else's user channel", customer, events.UserChannel(2), true},
		{"customer cannot join area", customer, "area:3.1,101.7", true},
		{"contractor joins area", contractor, "area:3.1,101.7", false},
		{"booking member", customer, events.BookingChannel(10), false},
		{"booking outsider", contractor, events.BookingChannel(10), true},
		{"chat member", customer, events.ChatChannel(5), false},
		{"chat outsider", contractor, events.ChatChannel(5), true},
		{"garbage", customer, "nonsense", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Join(ctx, tt.client, tt.channel)
			if tt.wantErr && !errors.Is(err, ErrNotAllowed) {
				t.Fatalf("Join(%s) err = %v, want ErrNotAllowed", tt.channel, err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Join(%s) err = %v", tt.channel, err)
			}
			if got := tt.client.Joined(tt.channel); got != !tt.wantErr {
				t.Fatalf("Joined(%s) = %v", tt.channel, got)
			}
		})
	}
}

func TestHubUnregisterClosesAndForgets(t *testing.T) {
	h := NewHub(nil, logger.Discard())
	c := NewClient(3, RoleCustomer, 1)
	h.Register(c)
	if !h.Connected(3) {
		t.Fatal("expected user 3 connected")
	}
	h.Unregister(c)
	h.Unregister(c)

	if h.Connected(3) || h.Count() != 0 {
		t.Fatal("client still registered after Unregister")
	}
	if _, ok := <-c.Outbound(); ok {
		t.Fatal("outbound channel should be closed")
	}
	if n := h.Deliver(events.UserChannel(3), []byte(`{}`)); n != 0 {
		t.Fatalf("delivered %d frames to a closed client", n)
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(nil, logger.Discard())
	c := NewClient(4, RoleCustomer, 1)
	h.Register(c)

	if n := h.Deliver(events.UserChannel(4), []byte(`1`)); n != 1 {
		t.Fatalf("first frame not queued")
	}
	if n := h.Deliver(events.UserChannel(4), []byte(`2`)); n != 0 {
		t.Fatalf("second frame should be dropped, got %d", n)
	}
}

type recordingPresence struct {
	online   []bool
	location [][2]float64
}

func (r *recordingPresence) SetOnline(_ context.Context, _ uint64, online bool) error {
	r.online = append(r.online, online)
	return nil
}

func (r *recordingPresence) UpdateLocation(_ context.Context, _ uint64, lat, lng float64, _ uint64) error {
	r.location = append(r.location, [2]float64{lat, lng})
	return nil
}

func TestServerHandle(t *testing.T) {
	h := NewHub(fakeAuth{rooms: map[uint64]uint64{5: 2}}, logger.Discard())
	p := &recordingPresence{}
	s := NewServer(h, h, p, logger.Discard())
	c := NewClient(2, RoleContractor, 16)
	h.Register(c)
	ctx := context.Background()

	frame := func(typ, data string) Inbound { return Inbound{Type: typ, Data: json.RawMessage(data)} }

	if err := s.Handle(ctx, c, frame("contractor:join_area", `{"lat":3.139,"lng":101.6869}`)); err != nil {
		t.Fatalf("join_area: %v", err)
	}
	if !c.Joined("area:3.1,101.7") {
		t.Fatal("contractor not in area channel")
	}
	if err := s.Handle(ctx, c, frame("contractor:join_area", `{"lat":-33.87,"lng":151.21}`)); err != nil {
		t.Fatalf("join_area: %v", err)
	}
	if c.Joined("area:3.1,101.7") {
		t.Fatal("old area should be left when joining a new one")
	}

	if err := s.Handle(ctx, c, frame("chat:typing", `{"room_id":5,"is_typing":true}`)); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("typing before join: err = %v", err)
	}
	if err := s.Handle(ctx, c, frame("chat:join", `{"room_id":5}`)); err != nil {
		t.Fatalf("chat:join: %v", err)
	}
	drain(c)
	if err := s.Handle(ctx, c, frame("chat:typing", `{"room_id":5,"is_typing":true}`)); err != nil {
		t.Fatalf("chat:typing: %v", err)
	}
	if got := drain(c); len(got) != 1 || got[0].Event != events.ChatTyping {
		t.Fatalf("typing echo = %+v", got)
	}

	if err := s.Handle(ctx, c, frame("contractor:online", `{}`)); err != nil {
		t.Fatalf("online: %v", err)
	}
	if err := s.Handle(ctx, c, frame("location:update", `{"lat":3.2,"lng":101.7}`)); err != nil {
		t.Fatalf("location: %v", err)
	}
	if len(p.online) != 1 || !p.online[0] || len(p.location) != 1 {
		t.Fatalf("presence calls = %+v", p)
	}
	if err := s.Handle(ctx, c, frame("location:update", `{"lat":3.2}`)); err == nil {
		t.Fatal("expected error for missing lng")
	}
}
