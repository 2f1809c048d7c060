// README: Presence store backed by a Redis hash per rider and a GEO set of online riders.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/types"
)

const (
	riderKeyPrefix = "presence:rider:%s"
	onlineGeoKey   = "presence:online"
)

// KEYS[1] rider hash, KEYS[2] geo set. ARGV: online flag, rider id.
var setOnlineScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'online', ARGV[1])
if ARGV[1] == '1' then
  local lat = redis.call('HGET', KEYS[1], 'lat')
  local lng = redis.call('HGET', KEYS[1], 'lng')
  if lat and lng then
    redis.call('GEOADD', KEYS[2], lng, lat, ARGV[2])
  end
else
  redis.call('ZREM', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS[1] rider hash, KEYS[2] geo set. ARGV: lat, lng, ts millis, min interval millis, rider id.
var positionScript = redis.NewScript(`
local ts = tonumber(ARGV[3])
local last = redis.call('HGET', KEYS[1], 'ts')
if last then
  last = tonumber(last)
  if ts <= last then
    return 'stale'
  end
  if ts - last < tonumber(ARGV[4]) then
    return 'throttled'
  end
end
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'ts', ARGV[3])
if redis.call('HGET', KEYS[1], 'online') == '1' then
  redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[1], ARGV[5])
end
return 'accepted'
`)

// KEYS[1] rider hash. ARGV: order id. Returns the order the rider holds afterwards.
var reserveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'active_order')
if cur and cur ~= '' then
  return cur
end
redis.call('HSET', KEYS[1], 'active_order', ARGV[1])
return ARGV[1]
`)

// KEYS[1] rider hash. ARGV: order id.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active_order') == ARGV[1] then
  redis.call('HDEL', KEYS[1], 'active_order')
  return 1
end
return 0
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (*Presence, error) {
	fields, err := s.rdb.HGetAll(ctx, riderKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return decodePresence(id, fields)
}

func (s *RedisStore) SetOnline(ctx context.Context, id types.ID, online bool) (*Presence, error) {
	flag := "0"
	if online {
		flag = "1"
	}
	if err := setOnlineScript.Run(ctx, s.rdb, []string{riderKey(id), onlineGeoKey}, flag, string(id)).Err(); err != nil {
		return nil, fmt.Errorf("set online %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) ApplyPosition(ctx context.Context, id types.ID, pos Position, minInterval time.Duration) (Verdict, *Presence, error) {
	res, err := positionScript.Run(ctx, s.rdb, []string{riderKey(id), onlineGeoKey},
		strconv.FormatFloat(pos.Point.Lat, 'f', -1, 64),
		strconv.FormatFloat(pos.Point.Lng, 'f', -1, 64),
		pos.At.UnixMilli(),
		minInterval.Milliseconds(),
		string(id),
	).Text()
	if err != nil {
		return "", nil, fmt.Errorf("apply position %s: %w", id, err)
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return Verdict(res), p, nil
}

func (s *RedisStore) Reserve(ctx context.Context, id, orderID types.ID) (types.ID, bool, error) {
	held, err := reserveScript.Run(ctx, s.rdb, []string{riderKey(id)}, string(orderID)).Text()
	if err != nil {
		return "", false, fmt.Errorf("reserve %s: %w", id, err)
	}
	return types.ID(held), held == string(orderID), nil
}

func (s *RedisStore) Release(ctx context.Context, id, orderID types.ID) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{riderKey(id)}, string(orderID)).Int()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Nearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]Candidate, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lng,
			Latitude:   origin.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}
	if limit > 0 {
		q.Count = limit
	}
	results, err := s.rdb.GeoSearchLocation(ctx, onlineGeoKey, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(results))
	for i, r := range results {
		out[i] = Candidate{
			RiderID:    types.ID(r.Name),
			Point:      types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		}
	}
	return out, nil
}

func decodePresence(id types.ID, f map[string]string) (*Presence, error) {
	p := &Presence{RiderID: id, Online: f["online"] == "1"}
	if v := f["active_order"]; v != "" {
		p.ActiveOrderID = types.ID(v).Ptr()
	}
	if f["ts"] == "" {
		return p, nil
	}
	lat, err := strconv.ParseFloat(f["lat"], 64)
	if err != nil {
		return nil, fmt.Errorf("decode lat for %s: %w", id, err)
	}
	lng, err := strconv.ParseFloat(f["lng"], 64)
	if err != nil {
		return nil, fmt.Errorf("decode lng for %s: %w", id, err)
	}
	ms, err := strconv.ParseInt(f["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode ts for %s: %w", id, err)
	}
	p.Position = &Position{Point: types.Point{Lat: lat, Lng: lng}, At: time.UnixMilli(ms).UTC()}
	return p, nil
}

func riderKey(id types.ID) string {
	return fmt.Sprintf(riderKeyPrefix, string(id))
}
