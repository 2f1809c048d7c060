// README: Order store backed by PostgreSQL; CAS update and history append share one transaction.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"relay/internal/session"
	"relay/internal/types"
)

// DB is the subset of pgxpool.Pool used by PGStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

var errLostSwap = errors.New("lost swap")

const orderColumns = `id, customer_id, restaurant_id, rider_id, status, status_version,
       restaurant_lat, restaurant_lng, customer_lat, customer_lng,
       pickup_code_hash, delivery_code_hash, pickup_consumed_at, delivery_consumed_at,
       arrived_at_restaurant_at, arrived_at_customer_at, delivery_started_at,
       created_at, updated_at, assigned_at, picked_up_at, delivered_at, cancelled_at, cancel_reason`

func (s *PGStore) Create(ctx context.Context, o *Order, e *Event) error {
	return s.withinTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO orders (
				id, customer_id, restaurant_id, status, status_version,
				restaurant_lat, restaurant_lng, customer_lat, customer_lng,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			string(o.ID),
			string(o.CustomerID),
			string(o.RestaurantID),
			string(o.Status),
			o.StatusVersion,
			o.Restaurant.Lat, o.Restaurant.Lng,
			o.Customer.Lat, o.Customer.Lng,
			o.CreatedAt,
			o.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyExists
		}
		return appendEvent(ctx, tx, e)
	})
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PGStore) Save(ctx context.Context, o *Order, from Status, version int, e *Event) (bool, error) {
	err := s.withinTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET rider_id = $1,
			    status = $2,
			    status_version = $3,
			    pickup_code_hash = $4,
			    delivery_code_hash = $5,
			    pickup_consumed_at = $6,
			    delivery_consumed_at = $7,
			    arrived_at_restaurant_at = $8,
			    arrived_at_customer_at = $9,
			    delivery_started_at = $10,
			    assigned_at = $11,
			    picked_up_at = $12,
			    delivered_at = $13,
			    cancelled_at = $14,
			    cancel_reason = $15,
			    updated_at = $16
			WHERE id = $17 AND status = $18 AND status_version = $19`,
			idPtr(o.RiderID),
			string(o.Status),
			o.StatusVersion,
			nullString(o.PickupCodeHash),
			nullString(o.DeliveryCodeHash),
			o.PickupConsumedAt,
			o.DeliveryConsumedAt,
			o.Substatus.ArrivedAtRestaurant,
			o.Substatus.ArrivedAtCustomer,
			o.Substatus.DeliveryStarted,
			o.AssignedAt,
			o.PickedUpAt,
			o.DeliveredAt,
			o.CancelledAt,
			o.CancelReason,
			o.UpdatedAt,
			string(o.ID),
			string(from),
			version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return errLostSwap
		}
		return appendEvent(ctx, tx, e)
	})
	if errors.Is(err, errLostSwap) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, kind, from_status, to_status, actor_role, actor_id, version, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                                          Event
			orderID, kind, from, to, actorRole, actorID string
		)
		if err := rows.Scan(&e.ID, &orderID, &kind, &from, &to, &actorRole, &actorID, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(orderID)
		e.Kind = EventKind(kind)
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		e.ActorRole = session.Role(actorRole)
		e.ActorID = types.ID(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY updated_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// withinTx commits when fn succeeds and rolls back exactly once otherwise.
func (s *PGStore) withinTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(tx)
	return err
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	if e == nil {
		return nil
	}
	return tx.QueryRow(ctx, `
		INSERT INTO order_state_events (
			order_id, kind, from_status, to_status, actor_role, actor_id, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(e.OrderID),
		string(e.Kind),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		string(e.ActorID),
		e.Version,
		e.CreatedAt,
	).Scan(&e.ID)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                                  Order
		id, customerID, restaurantID       string
		status                             string
		riderID, pickupHash, deliveryHash  *string
		cancelReason                       *string
		pickupConsumed, deliveryConsumed   *time.Time
		arrivedRestaurant, arrivedCustomer *time.Time
		deliveryStarted                    *time.Time
		assignedAt, pickedUpAt             *time.Time
		deliveredAt, cancelledAt           *time.Time
	)
	err := row.Scan(
		&id, &customerID, &restaurantID, &riderID, &status, &o.StatusVersion,
		&o.Restaurant.Lat, &o.Restaurant.Lng, &o.Customer.Lat, &o.Customer.Lng,
		&pickupHash, &deliveryHash, &pickupConsumed, &deliveryConsumed,
		&arrivedRestaurant, &arrivedCustomer, &deliveryStarted,
		&o.CreatedAt, &o.UpdatedAt, &assignedAt, &pickedUpAt, &deliveredAt, &cancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.RestaurantID = types.ID(restaurantID)
	o.Status = Status(status)
	if riderID != nil {
		o.RiderID = types.ID(*riderID).Ptr()
	}
	if pickupHash != nil {
		o.PickupCodeHash = *pickupHash
	}
	if deliveryHash != nil {
		o.DeliveryCodeHash = *deliveryHash
	}
	o.PickupConsumedAt = pickupConsumed
	o.DeliveryConsumedAt = deliveryConsumed
	o.Substatus = Substatus{
		ArrivedAtRestaurant: arrivedRestaurant,
		ArrivedAtCustomer:   arrivedCustomer,
		DeliveryStarted:     deliveryStarted,
	}
	o.AssignedAt = assignedAt
	o.PickedUpAt = pickedUpAt
	o.DeliveredAt = deliveredAt
	o.CancelledAt = cancelledAt
	o.CancelReason = cancelReason
	return &o, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
