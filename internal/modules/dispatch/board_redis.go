// README: Offer board in Redis; SET NX with a TTL per order, compare-and-delete on close.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/types"
)

const (
	offerKeyPrefix      = "dispatch:offer:%s"
	riderOfferKeyPrefix = "dispatch:rider_offer:%s"
)

// KEYS[1] offer key. ARGV: offer id.
var closeOfferScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw and cjson.decode(raw).offer_id == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisBoard struct {
	rdb *redis.Client
}

func NewRedisBoard(rdb *redis.Client) *RedisBoard {
	return &RedisBoard{rdb: rdb}
}

func offerKey(orderID types.ID) string { return fmt.Sprintf(offerKeyPrefix, orderID) }

func riderOfferKey(rider types.ID) string { return fmt.Sprintf(riderOfferKeyPrefix, rider) }

func (b *RedisBoard) Open(ctx context.Context, off Offer, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(off)
	if err != nil {
		return false, err
	}
	ok, err := b.rdb.SetNX(ctx, offerKey(off.OrderID), raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("open offer %s: %w", off.OrderID, err)
	}
	if !ok {
		return false, nil
	}
	// The rider index may outlive the offer; ForRider checks it against the order key.
	if err := b.rdb.Set(ctx, riderOfferKey(off.RiderID), string(off.OrderID), ttl).Err(); err != nil {
		return true, fmt.Errorf("index offer %s: %w", off.OrderID, err)
	}
	return true, nil
}

func (b *RedisBoard) Current(ctx context.Context, orderID types.ID) (Offer, bool, error) {
	raw, err := b.rdb.Get(ctx, offerKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, fmt.Errorf("read offer %s: %w", orderID, err)
	}
	var off Offer
	if err := json.Unmarshal(raw, &off); err != nil {
		return Offer{}, false, fmt.Errorf("decode offer %s: %w", orderID, err)
	}
	return off, true, nil
}

func (b *RedisBoard) ForRider(ctx context.Context, rider types.ID) (Offer, bool, error) {
	orderID, err := b.rdb.Get(ctx, riderOfferKey(rider)).Result()
	if errors.Is(err, redis.Nil) {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, fmt.Errorf("read rider offer %s: %w", rider, err)
	}
	off, ok, err := b.Current(ctx, types.ID(orderID))
	if err != nil || !ok || off.RiderID != rider {
		return Offer{}, false, err
	}
	return off, true, nil
}

func (b *RedisBoard) Close(ctx context.Context, orderID, offerID types.ID) error {
	if err := closeOfferScript.Run(ctx, b.rdb, []string{offerKey(orderID)}, string(offerID)).Err(); err != nil {
		return fmt.Errorf("close offer %s: %w", orderID, err)
	}
	return nil
}
