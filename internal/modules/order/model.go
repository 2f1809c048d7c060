// README: Order aggregate, status definitions and the transition table.
package order

import (
	"time"

	"relay/internal/session"
	"relay/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusPickedUp  Status = "picked_up"
	StatusOnTheWay  Status = "on_the_way"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusAssigned,
		StatusPickedUp, StatusOnTheWay, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Substatus holds informational timestamps used for UI timing only.
type Substatus struct {
	ArrivedAtRestaurant *time.Time `json:"arrived_at_restaurant,omitempty"`
	ArrivedAtCustomer   *time.Time `json:"arrived_at_customer,omitempty"`
	DeliveryStarted     *time.Time `json:"start_delivery,omitempty"`
}

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	RestaurantID  types.ID
	RiderID       *types.ID
	Status        Status
	StatusVersion int

	Restaurant types.Point
	Customer   types.Point

	// bcrypt hashes of the OTPs issued out-of-band.
	PickupCodeHash     string
	DeliveryCodeHash   string
	PickupConsumedAt   *time.Time
	DeliveryConsumedAt *time.Time

	Substatus Substatus

	CreatedAt    time.Time
	UpdatedAt    time.Time
	AssignedAt   *time.Time
	PickedUpAt   *time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	CancelReason *string
}

// CodesIssued reports whether both OTPs have been attached.
func (o *Order) CodesIssued() bool {
	return o.PickupCodeHash != "" && o.DeliveryCodeHash != ""
}

// AssignedTo reports whether rider currently owns the order.
func (o *Order) AssignedTo(rider types.ID) bool {
	return o.RiderID != nil && *o.RiderID == rider
}

// Clone returns a deep copy so decisions never mutate a stored value.
func (o *Order) Clone() *Order {
	c := *o
	c.RiderID = cloneID(o.RiderID)
	c.PickupConsumedAt = cloneTime(o.PickupConsumedAt)
	c.DeliveryConsumedAt = cloneTime(o.DeliveryConsumedAt)
	c.Substatus = Substatus{
		ArrivedAtRestaurant: cloneTime(o.Substatus.ArrivedAtRestaurant),
		ArrivedAtCustomer:   cloneTime(o.Substatus.ArrivedAtCustomer),
		DeliveryStarted:     cloneTime(o.Substatus.DeliveryStarted),
	}
	c.AssignedAt = cloneTime(o.AssignedAt)
	c.PickedUpAt = cloneTime(o.PickedUpAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	if o.CancelReason != nil {
		r := *o.CancelReason
		c.CancelReason = &r
	}
	return &c
}

type EventKind string

const (
	KindCreated    EventKind = "created"
	KindTransition EventKind = "transition"
	KindSubstatus  EventKind = "substatus"
	KindCodes      EventKind = "codes"
)

// Event is one entry of an order's status history.
type Event struct {
	ID         int64
	OrderID    types.ID
	Kind       EventKind
	FromStatus Status
	ToStatus   Status
	ActorRole  session.Role
	ActorID    types.ID
	Version    int
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow as code. Every
// non-terminal state may also move to StatusCancelled.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusOnTheWay, StatusCancelled},
	StatusOnTheWay:  {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
