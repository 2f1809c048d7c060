package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/session"
)

type memRefs struct {
	mu   sync.Mutex
	vals map[string]json.RawMessage
	err  error
}

func (m *memRefs) Set(_ context.Context, path string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.vals == nil {
		m.vals = map[string]json.RawMessage{}
	}
	m.vals[path] = v.(json.RawMessage)
	return nil
}

func (m *memRefs) get(path string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[path]
	return v, ok
}

func TestMirrorPath(t *testing.T) {
	p, err := mirrorPath("sync", Envelope{Type: TypeOffer, Topic: RiderTopic("r1")})
	require.NoError(t, err)
	assert.Equal(t, "sync/rider/r1/offer", p)

	_, err = mirrorPath("sync", Envelope{Type: TypeOrder, Topic: "broken"})
	assert.Error(t, err)
}

func TestMirrorHoldsLatestSnapshot(t *testing.T) {
	refs := &memRefs{}
	orderStore := order.NewMemoryStore()
	presenceStore := presence.NewMemoryStore()
	fan := NewService(Deps{Orders: orderStore, Riders: presenceStore, Mirror: NewRTDBMirror(refs, "/sync/")})
	orders := order.NewService(order.Deps{Store: orderStore, Notifier: fan, BcryptCost: bcrypt.MinCost})
	ctx := context.Background()

	_, err := orders.Create(ctx, session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1"})
	require.NoError(t, err)
	_, err = orders.Accept(ctx, order.RestaurantCommand{OrderID: "o1", Actor: session.System})
	require.NoError(t, err)

	raw, ok := refs.get("sync/order/o1/order")
	require.True(t, ok)
	polled, err := fan.OrderView(ctx, "o1")
	require.NoError(t, err)
	want, err := json.Marshal(polled)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(raw))
}

func TestMirrorFailureDoesNotBlockHub(t *testing.T) {
	refs := &memRefs{err: errors.New("rtdb unavailable")}
	orderStore := order.NewMemoryStore()
	fan := NewService(Deps{Orders: orderStore, Riders: presence.NewMemoryStore(), Mirror: NewRTDBMirror(refs, "")})
	orders := order.NewService(order.Deps{Store: orderStore, Notifier: fan, BcryptCost: bcrypt.MinCost})
	sub := fan.Subscribe(OrderTopic("o1"))
	defer sub.Close()

	_, err := orders.Create(context.Background(), session.System, order.CreateCommand{ID: "o1", CustomerID: "c1", RestaurantID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, TypeOrder, next(t, sub).Type)
}
