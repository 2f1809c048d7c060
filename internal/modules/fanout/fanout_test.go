package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relay/internal/clock"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/modules/ranking"
	"relay/internal/session"
	"relay/internal/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	clock    *clock.Fake
	fanout   *Service
	orders   *order.Service
	presence *presence.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{clock: clock.NewFake(t0)}
	orderStore := order.NewMemoryStore()
	presenceStore := presence.NewMemoryStore()
	e.fanout = NewService(Deps{Orders: orderStore, Riders: presenceStore, Hub: NewHub(4), Clock: e.clock})
	e.orders = order.NewService(order.Deps{Store: orderStore, Clock: e.clock, Notifier: e.fanout, BcryptCost: bcrypt.MinCost})
	e.presence = presence.NewService(presence.Deps{Store: presenceStore, Clock: e.clock, Notifier: e.fanout})
	return e
}

func next(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatalf("no frame on %s", sub.Topic())
	}
	return Envelope{}
}

func TestPushMatchesPoll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.fanout.Subscribe(OrderTopic("o1"))
	defer sub.Close()

	_, err := e.orders.Create(ctx, session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1"})
	require.NoError(t, err)
	_, err = e.orders.Accept(ctx, order.RestaurantCommand{OrderID: "o1", Actor: session.Actor{ID: "s1", Role: session.RoleRestaurant}})
	require.NoError(t, err)

	first := next(t, sub)
	assert.Equal(t, TypeOrder, first.Type)
	pushed := next(t, sub)

	polled, err := e.fanout.OrderView(ctx, "o1")
	require.NoError(t, err)
	want, err := json.Marshal(polled)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(pushed.Data))

	var v OrderView
	require.NoError(t, json.Unmarshal(pushed.Data, &v))
	assert.Equal(t, order.StatusConfirmed, v.Status)
	assert.Equal(t, 1, v.Version)
}

func TestOneFramePerCommittedWrite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sub := e.fanout.Subscribe(OrderTopic("o1"))
	defer sub.Close()

	_, err := e.orders.Create(ctx, session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1"})
	require.NoError(t, err)
	_, err = e.orders.MarkReady(ctx, order.RestaurantCommand{OrderID: "o1", Actor: session.System})
	require.ErrorIs(t, err, order.ErrInvalidTransition)

	next(t, sub)
	select {
	case f := <-sub.C:
		t.Fatalf("unexpected frame %+v", f)
	default:
	}
}

func TestRiderPositionRefreshesActiveOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rider := session.Actor{ID: "r1", Role: session.RoleRider}

	_, err := e.orders.Create(ctx, session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1"})
	require.NoError(t, err)
	for _, st := range []order.Status{order.StatusConfirmed, order.StatusPreparing, order.StatusReady, order.StatusAssigned} {
		st := st
		_, err = e.orders.Apply(ctx, "o1", session.System, order.KindTransition, func(o *order.Order) error {
			o.Status = st
			if st == order.StatusAssigned {
				o.RiderID = rider.ID.Ptr()
			}
			return nil
		})
		require.NoError(t, err)
	}
	_, _, err = e.presence.Reserve(ctx, rider.ID, "o1")
	require.NoError(t, err)

	orderSub := e.fanout.Subscribe(OrderTopic("o1"))
	defer orderSub.Close()
	riderSub := e.fanout.Subscribe(RiderTopic("r1"))
	defer riderSub.Close()

	_, _, err = e.presence.ReportPosition(ctx, rider, presence.Report{Point: types.Point{Lat: 25.03, Lng: 121.56}, At: t0})
	require.NoError(t, err)

	rf := next(t, riderSub)
	assert.Equal(t, TypeRider, rf.Type)
	var rv RiderView
	require.NoError(t, json.Unmarshal(rf.Data, &rv))
	require.NotNil(t, rv.LastPosition)
	require.NotNil(t, rv.ActiveOrderID)
	assert.Equal(t, types.ID("o1"), *rv.ActiveOrderID)

	of := next(t, orderSub)
	var ov OrderView
	require.NoError(t, json.Unmarshal(of.Data, &ov))
	require.NotNil(t, ov.LastKnownRiderPosition)
	assert.InDelta(t, 25.03, ov.LastKnownRiderPosition.Point.Lat, 1e-9)
}

func TestClaimPublishesOnlyAssignedOrderFrame(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	rider := session.Actor{ID: "r1", Role: session.RoleRider}
	pickup := types.Point{Lat: 25.033, Lng: 121.565}

	_, err := e.orders.Create(ctx, session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1", Restaurant: pickup})
	require.NoError(t, err)
	cmd := order.RestaurantCommand{OrderID: "o1", Actor: session.System}
	_, err = e.orders.Accept(ctx, cmd)
	require.NoError(t, err)
	_, err = e.orders.StartPreparing(ctx, cmd)
	require.NoError(t, err)
	_, err = e.orders.MarkReady(ctx, cmd)
	require.NoError(t, err)
	_, err = e.presence.SetOnline(ctx, rider, true)
	require.NoError(t, err)
	_, _, err = e.presence.ReportPosition(ctx, rider, presence.Report{Point: types.Point{Lat: 25.034, Lng: 121.565}, At: t0})
	require.NoError(t, err)

	disp := dispatch.NewService(dispatch.Deps{
		Ledger:   e.orders,
		Riders:   e.presence,
		Ranker:   ranking.NewNearbyRanker(e.presence, 5, 10),
		Clock:    e.clock,
		Notifier: e.fanout,
	})
	_, err = disp.Offer(ctx, "o1", session.System)
	require.NoError(t, err)

	sub := e.fanout.Subscribe(OrderTopic("o1"))
	defer sub.Close()
	_, err = disp.Claim(ctx, dispatch.ClaimCommand{OrderID: "o1", Actor: rider})
	require.NoError(t, err)

	f := next(t, sub)
	var v OrderView
	require.NoError(t, json.Unmarshal(f.Data, &v))
	assert.Equal(t, order.StatusAssigned, v.Status)
	require.NotNil(t, v.AssignedRider)
	assert.Equal(t, types.ID("r1"), *v.AssignedRider)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected frame %+v", extra)
	default:
	}
}

func TestOfferGoesToRiderTopic(t *testing.T) {
	e := newEnv(t)
	sub := e.fanout.Subscribe(RiderTopic("r1"))
	defer sub.Close()

	e.fanout.OfferChanged(context.Background(), dispatch.Offer{ID: "x", OrderID: "o1", RiderID: "r1", State: dispatch.OfferOpen})
	f := next(t, sub)
	assert.Equal(t, TypeOffer, f.Type)
	var off dispatch.Offer
	require.NoError(t, json.Unmarshal(f.Data, &off))
	assert.Equal(t, types.ID("o1"), off.OrderID)

	orders := e.fanout.Subscribe(OrderTopic("o1"))
	defer orders.Close()
	e.fanout.NoRiderAvailable(context.Background(), "o1")
	assert.Equal(t, TypeNoRiderAvailable, next(t, orders).Type)
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub(2)
	sub := h.Subscribe("order:o1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Envelope{Type: TypeOrder, Topic: "order:o1", Data: json.RawMessage(`{"v":` + string(rune('0'+i%10)) + `}`)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
	assert.Len(t, sub.C, 2)
	assert.Equal(t, int64(98), h.Dropped())

	// the newest frame survives
	<-sub.C
	last := <-sub.C
	assert.JSONEq(t, `{"v":9}`, string(last.Data))
}

func TestHubCloseUnsubscribes(t *testing.T) {
	h := NewHub(1)
	a := h.Subscribe("rider:r1")
	b := h.Subscribe("rider:r1")
	assert.Equal(t, 2, h.Subscribers("rider:r1"))

	a.Close()
	a.Close()
	_, ok := <-a.C
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers("rider:r1"))

	h.Publish(Envelope{Topic: "rider:r1"})
	assert.Len(t, b.C, 1)
	b.Close()
	assert.Equal(t, 0, h.Subscribers("rider:r1"))
}

func TestFrameSkipsOwnOrigin(t *testing.T) {
	b, err := encodeFrame("node-a", Envelope{Type: TypeOrder, Topic: "order:o1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, ok := decodeFrame("node-a", b)
	assert.False(t, ok)
	e, ok := decodeFrame("node-b", b)
	require.True(t, ok)
	assert.Equal(t, "order:o1", e.Topic)

	_, ok = decodeFrame("node-b", []byte("garbage"))
	assert.False(t, ok)
	assert.Equal(t, "order.o1", routingKey("order:o1"))
}

type flakyBroker struct {
	mu    sync.Mutex
	calls int
}

func (b *flakyBroker) Publish(context.Context, Envelope) error { return nil }

func (b *flakyBroker) Listen(ctx context.Context, deliver func(Envelope)) error {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if n == 1 {
		return errors.New("connection refused")
	}
	deliver(Envelope{Type: TypeOrder, Topic: "order:remote"})
	<-ctx.Done()
	return ctx.Err()
}

func TestRunReconnectsAfterBackoff(t *testing.T) {
	fc := clock.NewFake(t0)
	hub := NewHub(1)
	broker := &flakyBroker{}
	s := NewService(Deps{Hub: hub, Broker: broker, Clock: fc})
	sub := hub.Subscribe("order:remote")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	fc.Advance(retryMin)

	f := next(t, sub)
	assert.Equal(t, "order:remote", f.Topic)

	cancel()
	require.NoError(t, <-done)
}
