// README: Presence tracker tests (ordering, throttle, reservations, nearby).
package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/clock"
	"relay/internal/session"
	"relay/internal/types"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type countingNotifier struct {
	mu   sync.Mutex
	n    map[types.ID]int
	last map[types.ID]Change
}

func (c *countingNotifier) RiderChanged(_ context.Context, id types.ID, ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[types.ID]int)
		c.last = make(map[types.ID]Change)
	}
	c.n[id]++
	c.last[id] = ch
}

func (c *countingNotifier) lastChange(id types.ID) Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[id]
}

func (c *countingNotifier) count(id types.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

func newTestService(store Store) (*Service, *countingNotifier) {
	n := &countingNotifier{}
	svc := NewService(Deps{Store: store, Clock: clock.NewFake(base), Notifier: n})
	return svc, n
}

func riderActor(id types.ID) session.Actor {
	return session.Actor{ID: id, Role: session.RoleRider}
}

func TestJudge(t *testing.T) {
	last := &Position{At: at(100)}
	cases := []struct {
		name string
		last *Position
		ts   time.Time
		want Verdict
	}{
		{"first report", nil, at(0), VerdictAccepted},
		{"older", last, at(90), VerdictStale},
		{"same timestamp", last, at(100), VerdictStale},
		{"inside interval", last, at(105), VerdictThrottled},
		{"exactly at interval", last, at(110), VerdictAccepted},
		{"well after", last, at(200), VerdictAccepted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Judge(tc.last, tc.ts, DefaultMinInterval))
		})
	}
}

func TestReportPositionOutOfOrder(t *testing.T) {
	svc, n := newTestService(NewMemoryStore())
	ctx := context.Background()
	r := riderActor("r1")

	v, _, err := svc.ReportPosition(ctx, r, Report{Point: types.Point{Lat: 1, Lng: 1}, At: at(100)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, v)

	v, _, err = svc.ReportPosition(ctx, r, Report{Point: types.Point{Lat: 9, Lng: 9}, At: at(90)})
	require.NoError(t, err)
	assert.Equal(t, VerdictStale, v)

	v, p, err := svc.ReportPosition(ctx, r, Report{Point: types.Point{Lat: 2, Lng: 2}, At: at(110)})
	require.NoError(t, err)
	assert.Equal(t, VerdictAccepted, v)
	require.NotNil(t, p.Position)
	assert.Equal(t, types.Point{Lat: 2, Lng: 2}, p.Position.Point)
	assert.Equal(t, at(110), p.Position.At)

	assert.Equal(t, 2, n.count("r1"))
	assert.Equal(t, ChangePosition, n.lastChange("r1"))
}

func TestReportPositionThrottled(t *testing.T) {
	svc, n := newTestService(NewMemoryStore())
	ctx := context.Background()
	r := riderActor("r1")

	_, _, err := svc.ReportPosition(ctx, r, Report{Point: types.Point{Lat: 1, Lng: 1}, At: at(0)})
	require.NoError(t, err)
	v, p, err := svc.ReportPosition(ctx, r, Report{Point: types.Point{Lat: 3, Lng: 3}, At: at(4)})
	require.NoError(t, err)
	assert.Equal(t, VerdictThrottled, v)
	assert.Equal(t, types.Point{Lat: 1, Lng: 1}, p.Position.Point)
	assert.Equal(t, 1, n.count("r1"))
}

func TestReportPositionValidation(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, _, err := svc.ReportPosition(ctx, session.Actor{ID: "c1", Role: session.RoleCustomer}, Report{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, _, err = svc.ReportPosition(ctx, riderActor("r1"), Report{Point: types.Point{Lat: 91, Lng: 0}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestReportPositionDefaultsToClock(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	_, p, err := svc.ReportPosition(context.Background(), riderActor("r1"), Report{Point: types.Point{Lat: 1, Lng: 1}})
	require.NoError(t, err)
	assert.Equal(t, base, p.Position.At)
}

func TestOfflineRiderKeepsActiveOrder(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.SetOnline(ctx, riderActor("r1"), true)
	require.NoError(t, err)
	_, ok, err := svc.Reserve(ctx, "r1", "o1")
	require.NoError(t, err)
	require.True(t, ok)

	p, err := svc.SetOnline(ctx, riderActor("r1"), false)
	require.NoError(t, err)
	assert.False(t, p.Online)
	require.NotNil(t, p.ActiveOrderID)
	assert.Equal(t, types.ID("o1"), *p.ActiveOrderID)
	assert.False(t, p.Available())
}

func TestReserveRelease(t *testing.T) {
	svc, n := newTestService(NewMemoryStore())
	ctx := context.Background()

	held, ok, err := svc.Reserve(ctx, "r1", "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.ID("o1"), held)

	// Same order again is a no-op success.
	_, ok, err = svc.Reserve(ctx, "r1", "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	held, ok, err = svc.Reserve(ctx, "r1", "o2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, types.ID("o1"), held)

	released, err := svc.Release(ctx, "r1", "o2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = svc.Release(ctx, "r1", "o1")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 3, n.count("r1"))
	assert.Equal(t, ChangeReservation, n.lastChange("r1"))

	_, ok, err = svc.Reserve(ctx, "r1", "o2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	wins := make(chan types.ID, attempts)
	for i := 0; i < attempts; i++ {
		oid := types.ID(string(rune('a' + i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := store.Reserve(ctx, "r1", oid); ok {
				wins <- oid
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestNearby(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	origin := types.Point{Lat: 25.0330, Lng: 121.5654}

	place := func(id types.ID, p types.Point, online bool) {
		_, err := svc.SetOnline(ctx, riderActor(id), online)
		require.NoError(t, err)
		_, _, err = svc.ReportPosition(ctx, riderActor(id), Report{Point: p, At: at(0)})
		require.NoError(t, err)
	}
	place("near", types.Point{Lat: 25.0335, Lng: 121.5650}, true)
	place("mid", types.Point{Lat: 25.0400, Lng: 121.5600}, true)
	place("far", types.Point{Lat: 25.2000, Lng: 121.9000}, true)
	place("offline", types.Point{Lat: 25.0331, Lng: 121.5654}, false)

	got, err := svc.Nearby(ctx, origin, 3, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ID("near"), got[0].RiderID)
	assert.Equal(t, types.ID("mid"), got[1].RiderID)
	assert.Less(t, got[0].DistanceKm, got[1].DistanceKm)

	got, err = svc.Nearby(ctx, origin, 3, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestGetUnknownRiderIsOffline(t *testing.T) {
	svc, _ := newTestService(NewMemoryStore())
	p, err := svc.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, types.ID("ghost"), p.RiderID)
	assert.False(t, p.Online)
	assert.Nil(t, p.Position)
}
