// README: Smoke cases; environment checks, a full delivery over HTTP, claim races, SSE snapshot and throughput.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"relay/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// Every run works around its own restaurant so stale riders from
	// earlier runs are out of dispatch range.
	origin types.Point
	// lastOrder is the order delivered by the flow case; later cases inspect it.
	lastOrder string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type actor struct {
	role string
	id   string
}

var system = actor{role: "system", id: "bench"}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		origin: types.Point{Lat: -60 + rand.Float64()*120, Lng: -170 + rand.Float64()*340},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: pingDB},
		{Name: "Env: Redis connect", Run: pingRedis},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: health},
		{Name: "Flow: ready to delivered", Run: fullDelivery},
		{Name: "Consistency: history versions increase", Run: historyVersions},
		{Name: "Consistency: orders/events agree in DB", Run: dbConsistency},
		{Name: "Flow: cancel releases rider", Run: cancelReleasesRider},
		{Name: "Concurrency: one claim wins", Run: claimRace},
		{Name: "Sync: stream starts with snapshot", Run: streamSnapshot},
		{Name: "Perf: position report throughput", Run: positionLoad},
	}
}

func pingDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "RELAY_DB_DSN not set"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return fail(err)
	}
	return Result{Status: statusPass}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "RELAY_REDIS_ADDR not set"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fail(err)
	}
	return Result{Status: statusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "RELAY_DB_DSN not set"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return fail(err)
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return fail(err)
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: strings.Join(tables, ",")}
}

func health(ctx context.Context, r *Runner) Result {
	var out struct {
		Status string `json:"status"`
	}
	code, lat, err := r.call(ctx, http.MethodGet, "/health", actor{}, nil, &out)
	if err != nil {
		return fail(err)
	}
	if code != http.StatusOK || out.Status != "ok" {
		return Result{Status: statusFail, Latency: lat, Note: fmt.Sprintf("status=%d body=%q", code, out.Status)}
	}
	return Result{Status: statusPass, Latency: lat}
}

func fullDelivery(ctx context.Context, r *Runner) Result {
	start := time.Now()
	rider := actor{role: "rider", id: "bench_r_" + string(types.NewID())}
	if err := r.riderOnline(ctx, rider); err != nil {
		return fail(err)
	}
	defer r.riderOffline(ctx, rider)

	o, err := r.readyOrder(ctx)
	if err != nil {
		return fail(err)
	}
	if err := r.claim(ctx, rider, o.id); err != nil {
		return fail(err)
	}

	steps := []struct {
		path string
		body any
		want int
	}{
		{"/pickup", map[string]string{"code": wrongCode(r.cfg.PickupCode)}, http.StatusUnprocessableEntity},
		{"/pickup", map[string]string{"code": r.cfg.PickupCode}, http.StatusOK},
		{"/start-delivery", nil, http.StatusOK},
		{"/arrived-customer", nil, http.StatusOK},
		{"/delivery", map[string]string{"code": r.cfg.DeliveryCode}, http.StatusOK},
		{"/delivery", map[string]string{"code": r.cfg.DeliveryCode}, http.StatusConflict},
	}
	for _, s := range steps {
		if err := r.expect(ctx, http.MethodPost, "/api/orders/"+o.id+s.path, rider, s.body, s.want, nil); err != nil {
			return fail(err)
		}
	}

	var view orderView
	if err := r.expect(ctx, http.MethodGet, "/api/orders/"+o.id, o.customer, nil, http.StatusOK, &view); err != nil {
		return fail(err)
	}
	if view.Status != "delivered" {
		return Result{Status: statusFail, Note: "final status " + view.Status}
	}
	r.lastOrder = o.id
	return Result{Status: statusPass, Latency: time.Since(start), Note: "order=" + o.id}
}

func historyVersions(ctx context.Context, r *Runner) Result {
	if r.lastOrder == "" {
		return Result{Status: statusSkip, Note: "no delivered order"}
	}
	var events []struct {
		Kind    string `json:"kind"`
		Version int    `json:"version"`
	}
	if err := r.expect(ctx, http.MethodGet, "/api/orders/"+r.lastOrder+"/history", system, nil, http.StatusOK, &events); err != nil {
		return fail(err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Version != events[i-1].Version+1 {
			return Result{Status: statusFail, Note: fmt.Sprintf("version gap at %d: %d -> %d", i, events[i-1].Version, events[i].Version)}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("events=%d", len(events))}
}

func dbConsistency(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "RELAY_DB_DSN not set"}
	}
	if r.lastOrder == "" {
		return Result{Status: statusSkip, Note: "no delivered order"}
	}
	var status string
	var version, maxEvent int
	err := r.db.QueryRow(ctx, `
		SELECT o.status, o.status_version, COALESCE(MAX(e.version), -1)
		FROM orders o LEFT JOIN order_state_events e ON e.order_id = o.id
		WHERE o.id = $1
		GROUP BY o.status, o.status_version`, r.lastOrder).Scan(&status, &version, &maxEvent)
	if err != nil {
		return fail(err)
	}
	if version != maxEvent {
		return Result{Status: statusFail, Note: fmt.Sprintf("status_version=%d last event=%d", version, maxEvent)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("status=%s version=%d", status, version)}
}

func cancelReleasesRider(ctx context.Context, r *Runner) Result {
	rider := actor{role: "rider", id: "bench_r_" + string(types.NewID())}
	if err := r.riderOnline(ctx, rider); err != nil {
		return fail(err)
	}
	defer r.riderOffline(ctx, rider)

	o, err := r.readyOrder(ctx)
	if err != nil {
		return fail(err)
	}
	if err := r.claim(ctx, rider, o.id); err != nil {
		return fail(err)
	}
	if err := r.expect(ctx, http.MethodPost, "/api/orders/"+o.id+"/cancel", o.customer, map[string]string{"reason": "bench"}, http.StatusOK, nil); err != nil {
		return fail(err)
	}
	var view struct {
		ActiveOrderID *string `json:"active_order_id"`
	}
	if err := r.expect(ctx, http.MethodGet, "/api/riders/"+rider.id, rider, nil, http.StatusOK, &view); err != nil {
		return fail(err)
	}
	if view.ActiveOrderID != nil {
		return Result{Status: statusFail, Note: "rider still holds " + *view.ActiveOrderID}
	}
	return Result{Status: statusPass}
}

func claimRace(ctx context.Context, r *Runner) Result {
	rider := actor{role: "rider", id: "bench_r_" + string(types.NewID())}
	if err := r.riderOnline(ctx, rider); err != nil {
		return fail(err)
	}
	defer r.riderOffline(ctx, rider)

	o, err := r.readyOrder(ctx)
	if err != nil {
		return fail(err)
	}
	if err := r.waitOffer(ctx, rider, o.id); err != nil {
		return fail(err)
	}
	defer func() {
		_, _, _ = r.call(ctx, http.MethodPost, "/api/orders/"+o.id+"/cancel", system, nil, nil)
	}()

	var ok, lost, other atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _, err := r.call(ctx, http.MethodPost, "/api/orders/"+o.id+"/claim", rider, nil, nil)
			switch {
			case err != nil:
				other.Add(1)
			case code == http.StatusOK:
				ok.Add(1)
			case code == http.StatusConflict || code == http.StatusNotFound || code == http.StatusGone:
				lost.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	note := fmt.Sprintf("success=%d lost=%d other=%d", ok.Load(), lost.Load(), other.Load())
	if ok.Load() != 1 || other.Load() != 0 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func streamSnapshot(ctx context.Context, r *Runner) Result {
	o, err := r.newOrder(ctx)
	if err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := r.request(ctx, http.MethodGet, "/api/stream/orders/"+o.id, o.customer, nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var view struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &view); err != nil {
			return fail(err)
		}
		if view.OrderID != o.id || view.Status != "pending" {
			return Result{Status: statusFail, Note: fmt.Sprintf("first frame %s/%s", view.OrderID, view.Status)}
		}
		return Result{Status: statusPass, Latency: time.Since(start)}
	}
	return Result{Status: statusFail, Note: "stream closed before first frame"}
}

func positionLoad(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		rider := actor{role: "rider", id: fmt.Sprintf("bench_load_%d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.riderOffline(ctx, rider)
			for time.Now().Before(end) && ctx.Err() == nil {
				body := map[string]any{
					"lat":       r.origin.Lat + 0.01,
					"lng":       r.origin.Lng + 0.01,
					"timestamp": time.Now().UTC(),
				}
				code, _, err := r.call(ctx, http.MethodPut, "/api/riders/me/position", rider, body, nil)
				if err != nil || code != http.StatusOK {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

type benchOrder struct {
	id         string
	customer   actor
	restaurant actor
}

type orderView struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status"`
	Version       int     `json:"version"`
	AssignedRider *string `json:"assigned_rider"`
}

func (r *Runner) newOrder(ctx context.Context) (benchOrder, error) {
	o := benchOrder{
		id:         "bench_o_" + string(types.NewID()),
		customer:   actor{role: "customer", id: "bench_c_" + string(types.NewID())},
		restaurant: actor{role: "restaurant", id: "bench_s_" + string(types.NewID())},
	}
	body := map[string]any{
		"order_id":      o.id,
		"customer_id":   o.customer.id,
		"restaurant_id": o.restaurant.id,
		"restaurant":    r.origin,
		"customer":      types.Point{Lat: r.origin.Lat + 0.02, Lng: r.origin.Lng + 0.02},
	}
	if err := r.expect(ctx, http.MethodPost, "/api/orders", o.customer, body, http.StatusCreated, nil); err != nil {
		return o, err
	}
	return o, nil
}

// readyOrder walks a fresh order to READY; the API opens the first offer.
func (r *Runner) readyOrder(ctx context.Context) (benchOrder, error) {
	o, err := r.newOrder(ctx)
	if err != nil {
		return o, err
	}
	codes := map[string]string{"pickup_code": r.cfg.PickupCode, "delivery_code": r.cfg.DeliveryCode}
	if err := r.expect(ctx, http.MethodPost, "/api/orders/"+o.id+"/codes", system, codes, http.StatusOK, nil); err != nil {
		return o, err
	}
	for _, step := range []string{"/accept", "/prepare", "/ready"} {
		if err := r.expect(ctx, http.MethodPost, "/api/orders/"+o.id+step, o.restaurant, nil, http.StatusOK, nil); err != nil {
			return o, err
		}
	}
	return o, nil
}

func (r *Runner) waitOffer(ctx context.Context, rider actor, orderID string) error {
	deadline := time.Now().Add(3 * time.Second)
	for {
		var off struct {
			OrderID string `json:"order_id"`
		}
		code, _, err := r.call(ctx, http.MethodGet, "/api/riders/me/offer", rider, nil, &off)
		if err != nil {
			return err
		}
		if code == http.StatusOK && off.OrderID == orderID {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rider %s never offered %s (last status %d)", rider.id, orderID, code)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *Runner) claim(ctx context.Context, rider actor, orderID string) error {
	if err := r.waitOffer(ctx, rider, orderID); err != nil {
		return err
	}
	var view orderView
	if err := r.expect(ctx, http.MethodPost, "/api/orders/"+orderID+"/claim", rider, nil, http.StatusOK, &view); err != nil {
		return err
	}
	if view.Status != "assigned" {
		return fmt.Errorf("claim left order %s", view.Status)
	}
	return nil
}

func (r *Runner) riderOnline(ctx context.Context, rider actor) error {
	if err := r.expect(ctx, http.MethodPut, "/api/riders/me/online", rider, map[string]bool{"online": true}, http.StatusOK, nil); err != nil {
		return err
	}
	body := map[string]any{"lat": r.origin.Lat + 0.001, "lng": r.origin.Lng + 0.001, "timestamp": time.Now().UTC()}
	return r.expect(ctx, http.MethodPut, "/api/riders/me/position", rider, body, http.StatusOK, nil)
}

func (r *Runner) riderOffline(ctx context.Context, rider actor) {
	_, _, _ = r.call(ctx, http.MethodPut, "/api/riders/me/online", rider, map[string]bool{"online": false}, nil)
}

func (r *Runner) expect(ctx context.Context, method, path string, who actor, body any, want int, out any) error {
	code, _, err := r.call(ctx, method, path, who, body, out)
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("%s %s: status=%d want %d", method, path, code, want)
	}
	return nil
}

func (r *Runner) call(ctx context.Context, method, path string, who actor, body, out any) (int, time.Duration, error) {
	req, err := r.request(ctx, method, path, who, body)
	if err != nil {
		return 0, 0, err
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return resp.StatusCode, latency, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, latency, nil
}

func (r *Runner) request(ctx context.Context, method, path string, who actor, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if who.id != "" {
		req.Header.Set("X-Actor-ID", who.id)
		req.Header.Set("X-Actor-Role", who.role)
	}
	return req, nil
}

func fail(err error) Result {
	return Result{Status: statusFail, Note: err.Error()}
}

func wrongCode(code string) string {
	if strings.HasPrefix(code, "0") {
		return "9" + code[1:]
	}
	return "0" + code[1:]
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}
