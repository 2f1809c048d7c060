// README: End-to-end router tests over the in-memory stack.
package http_test

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"relay/internal/clock"
	relayhttp "relay/internal/http"
	"relay/internal/http/middleware"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/fanout"
	"relay/internal/modules/gate"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/modules/ranking"
	"relay/internal/session"
	"relay/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stack struct {
	router   *gin.Engine
	clock    *clock.Fake
	sessions *session.Registry
}

func newStack(t *testing.T) *stack {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	orderStore := order.NewMemoryStore()
	presenceStore := presence.NewMemoryStore()

	fan := fanout.NewService(fanout.Deps{Orders: orderStore, Riders: presenceStore, Clock: fc, Logger: log})
	orders := order.NewService(order.Deps{Store: orderStore, Clock: fc, Notifier: fan, Logger: log, BcryptCost: bcrypt.MinCost})
	riders := presence.NewService(presence.Deps{Store: presenceStore, Clock: fc, Notifier: fan, Logger: log})
	disp := dispatch.NewService(dispatch.Deps{
		Ledger:   orders,
		Riders:   riders,
		Ranker:   ranking.NewNearbyRanker(riders, 5, 10),
		Clock:    fc,
		Notifier: fan,
		Logger:   log,
	})
	g := gate.NewService(gate.Deps{Ledger: orders, Riders: riders, Clock: fc, Logger: log})
	sessions := session.NewRegistry()

	r := relayhttp.NewRouter(relayhttp.RouterDeps{
		Orders:   orders,
		Dispatch: disp,
		Gate:     g,
		Presence: riders,
		Fanout:   fan,
		Sessions: sessions,
		Auth:     middleware.HeaderAuth(sessions),
		Logger:   log,
	})
	return &stack{router: r, clock: fc, sessions: sessions}
}

type who struct{ id, role string }

var (
	system   = who{"system", "system"}
	customer = who{"c1", "customer"}
	kitchen  = who{"s1", "restaurant"}
	rider1   = who{"r1", "rider"}
	rider2   = who{"r2", "rider"}
)

func (s *stack) do(t *testing.T, as who, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderActorID, as.id)
	req.Header.Set(middleware.HeaderActorRole, as.role)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *stack) must(t *testing.T, as who, method, path string, body any) map[string]any {
	t.Helper()
	w, out := s.do(t, as, method, path, body)
	require.Less(t, w.Code, 300, "%s %s: %s", method, path, w.Body.String())
	return out
}

func (s *stack) readyOrder(t *testing.T, id string) {
	t.Helper()
	s.must(t, customer, http.MethodPost, "/api/orders", map[string]any{
		"order_id":      id,
		"customer_id":   "c1",
		"restaurant_id": "s1",
		"restaurant":    map[string]float64{"lat": 25.0330, "lng": 121.5654},
		"customer":      map[string]float64{"lat": 25.0478, "lng": 121.5318},
	})
	s.must(t, system, http.MethodPost, "/api/orders/"+id+"/codes", map[string]string{"pickup_code": "1234", "delivery_code": "5678"})
	s.must(t, kitchen, http.MethodPost, "/api/orders/"+id+"/accept", nil)
	s.must(t, kitchen, http.MethodPost, "/api/orders/"+id+"/prepare", nil)
}

func (s *stack) online(t *testing.T, r who, lat float64) {
	t.Helper()
	s.must(t, r, http.MethodPut, "/api/riders/me/online", map[string]bool{"online": true})
	s.must(t, r, http.MethodPut, "/api/riders/me/position", map[string]float64{"lat": lat, "lng": 121.5654})
}

func TestHealth(t *testing.T) {
	s := newStack(t)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, w.Body.String())
}

func TestDeliveryOverHTTP(t *testing.T) {
	s := newStack(t)
	s.online(t, rider1, 25.0331)
	s.readyOrder(t, "o2")

	out := s.must(t, kitchen, http.MethodPost, "/api/orders/o2/ready", nil)
	assert.Equal(t, "ready", out["status"])

	off := s.must(t, rider1, http.MethodGet, "/api/riders/me/offer", nil)
	assert.Equal(t, "o2", off["order_id"])

	out = s.must(t, rider1, http.MethodPost, "/api/orders/o2/claim", nil)
	assert.Equal(t, "assigned", out["status"])
	assert.Equal(t, "r1", out["assigned_rider"])

	w, body := s.do(t, rider1, http.MethodPost, "/api/orders/o2/pickup", map[string]string{"code": "4321"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "incorrect code, try again", body["message"])

	s.must(t, rider1, http.MethodPost, "/api/orders/o2/arrived-restaurant", nil)
	out = s.must(t, rider1, http.MethodPost, "/api/orders/o2/pickup", map[string]string{"code": "1234"})
	assert.Equal(t, "picked_up", out["status"])

	w, body = s.do(t, rider1, http.MethodPost, "/api/orders/o2/pickup", map[string]string{"code": "1234"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "code already used", body["message"])

	out = s.must(t, rider1, http.MethodPost, "/api/orders/o2/start-delivery", nil)
	assert.Equal(t, "on_the_way", out["status"])
	out = s.must(t, rider1, http.MethodPost, "/api/orders/o2/delivery", map[string]string{"code": "5678"})
	assert.Equal(t, "delivered", out["status"])

	poll := s.must(t, customer, http.MethodGet, "/api/orders/o2", nil)
	assert.Equal(t, "delivered", poll["status"])
	assert.NotNil(t, poll["last_known_rider_position"])

	riderView := s.must(t, rider1, http.MethodGet, "/api/riders/r1", nil)
	assert.Nil(t, riderView["active_order_id"])

	hist := s.must(t, customer, http.MethodGet, "/api/orders/o2/history", nil)
	assert.Len(t, hist["events"], 10)
}

func TestLostClaimReadsAsUnavailable(t *testing.T) {
	s := newStack(t)
	s.online(t, rider1, 25.0331)
	s.readyOrder(t, "o1")
	s.must(t, kitchen, http.MethodPost, "/api/orders/o1/ready", nil)

	s.clock.Advance(30 * time.Second)

	w, body := s.do(t, rider1, http.MethodPost, "/api/orders/o1/claim", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "offer_expired", body["error"])
	assert.Equal(t, "order no longer available", body["message"])

	w, body = s.do(t, rider2, http.MethodPost, "/api/orders/o1/claim", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "order no longer available", body["message"])
}

func TestCancelFreesRider(t *testing.T) {
	s := newStack(t)
	s.online(t, rider1, 25.0331)
	s.readyOrder(t, "o1")
	s.must(t, kitchen, http.MethodPost, "/api/orders/o1/ready", nil)
	s.must(t, rider1, http.MethodPost, "/api/orders/o1/claim", nil)

	out := s.must(t, customer, http.MethodPost, "/api/orders/o1/cancel", map[string]string{"reason": "changed my mind"})
	assert.Equal(t, "cancelled", out["status"])
	assert.Nil(t, out["assigned_rider"])

	view := s.must(t, rider1, http.MethodGet, "/api/riders/r1", nil)
	assert.Nil(t, view["active_order_id"])
}

func TestPermissions(t *testing.T) {
	s := newStack(t)
	s.readyOrder(t, "o1")

	w, _ := s.do(t, who{"c2", "customer"}, http.MethodGet, "/api/orders/o1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, rider1, http.MethodGet, "/api/orders/o1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, who{"s9", "restaurant"}, http.MethodPost, "/api/orders/o1/ready", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, customer, http.MethodGet, "/api/riders/r1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, customer, http.MethodPost, "/api/orders/o1/codes", map[string]string{"pickup_code": "1", "delivery_code": "2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, customer, http.MethodGet, "/api/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPollIsGzipped(t *testing.T) {
	s := newStack(t)
	s.readyOrder(t, "o1")

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set(middleware.HeaderActorID, "c1")
	req.Header.Set(middleware.HeaderActorRole, "customer")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, "preparing", v["status"])
}

// readEvent reads one SSE event and returns its name and data line.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStreamStartsWithSnapshot(t *testing.T) {
	s := newStack(t)
	s.readyOrder(t, "o1")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/orders/o1", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.HeaderActorID, "c1")
	req.Header.Set(middleware.HeaderActorRole, "customer")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, s.sessions.CountFor("c1"))

	rd := bufio.NewReader(resp.Body)
	name, data := readEvent(t, rd)
	assert.Equal(t, "order", name)
	var first fanout.OrderView
	require.NoError(t, json.Unmarshal([]byte(data), &first))
	assert.Equal(t, types.ID("o1"), first.OrderID)
	assert.Equal(t, order.StatusPreparing, first.Status)

	s.must(t, kitchen, http.MethodPost, "/api/orders/o1/ready", nil)
	name, data = readEvent(t, rd)
	assert.Equal(t, "order", name)

	// Pushed frames carry exactly what the poll endpoint returns.
	poll := s.must(t, customer, http.MethodGet, "/api/orders/o1", nil)
	var pushed map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &pushed))
	assert.Equal(t, poll, pushed)
}
