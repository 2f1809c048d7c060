// README: Transition gate; OTP-verified pickup/delivery and rider progress pings.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"relay/internal/clock"
	"relay/internal/modules/order"
	"relay/internal/session"
	"relay/internal/types"
)

var (
	ErrInvalidCode      = errors.New("incorrect code")
	ErrAlreadyConsumed  = errors.New("code already used")
	ErrCodeNotIssued    = errors.New("code not issued")
	ErrNotAssignedRider = errors.New("rider is not assigned to this order")
)

var errUnchanged = errors.New("unchanged")

type Ledger interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Apply(ctx context.Context, id types.ID, actor session.Actor, kind order.EventKind, decide order.Decision) (*order.Order, error)
}

type Riders interface {
	Release(ctx context.Context, rider, orderID types.ID) (bool, error)
}

type Deps struct {
	Ledger Ledger
	Riders Riders
	Clock  clock.Clock
	Logger *slog.Logger
}

type Service struct {
	ledger Ledger
	riders Riders
	clock  clock.Clock
	log    *slog.Logger
}

func NewService(deps Deps) *Service {
	s := &Service{ledger: deps.Ledger, riders: deps.Riders, clock: deps.Clock, log: deps.Logger}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "gate")
	return s
}

type CodeCommand struct {
	OrderID types.ID
	Actor   session.Actor
	Code    string
}

type PingCommand struct {
	OrderID types.ID
	Actor   session.Actor
}

// SubmitPickup moves ASSIGNED to PICKED_UP when Code equals the pickup OTP.
// A wrong code changes nothing.
func (s *Service) SubmitPickup(ctx context.Context, cmd CodeCommand) (*order.Order, error) {
	o, err := s.ledger.Apply(ctx, cmd.OrderID, cmd.Actor, order.KindTransition, func(o *order.Order) error {
		if err := s.checkRider(cmd.Actor, o); err != nil {
			return err
		}
		if o.PickupConsumedAt != nil {
			return ErrAlreadyConsumed
		}
		if o.Status != order.StatusAssigned {
			return order.ErrInvalidTransition
		}
		if o.PickupCodeHash == "" {
			return ErrCodeNotIssued
		}
		if !order.MatchCode(o.PickupCodeHash, cmd.Code) {
			return ErrInvalidCode
		}
		now := s.clock.Now()
		o.Status = order.StatusPickedUp
		o.PickupConsumedAt = &now
		return nil
	})
	if err != nil {
		s.logRejected(ctx, "pickup", cmd.OrderID, cmd.Actor, err)
		return nil, err
	}
	s.log.InfoContext(ctx, "pickup confirmed", "order_id", cmd.OrderID, "rider_id", cmd.Actor.ID)
	return o, nil
}

// SubmitDelivery moves ON_THE_WAY to DELIVERED when Code equals the delivery
// OTP, then frees the rider for new offers.
func (s *Service) SubmitDelivery(ctx context.Context, cmd CodeCommand) (*order.Order, error) {
	o, err := s.ledger.Apply(ctx, cmd.OrderID, cmd.Actor, order.KindTransition, func(o *order.Order) error {
		if err := s.checkRider(cmd.Actor, o); err != nil {
			return err
		}
		if o.DeliveryConsumedAt != nil {
			return ErrAlreadyConsumed
		}
		if o.Status != order.StatusOnTheWay {
			return order.ErrInvalidTransition
		}
		if o.DeliveryCodeHash == "" {
			return ErrCodeNotIssued
		}
		if !order.MatchCode(o.DeliveryCodeHash, cmd.Code) {
			return ErrInvalidCode
		}
		now := s.clock.Now()
		o.Status = order.StatusDelivered
		o.DeliveryConsumedAt = &now
		return nil
	})
	if err != nil {
		s.logRejected(ctx, "delivery", cmd.OrderID, cmd.Actor, err)
		return nil, err
	}
	if _, err := s.riders.Release(ctx, cmd.Actor.ID, cmd.OrderID); err != nil {
		s.log.ErrorContext(ctx, "release rider after delivery", "order_id", cmd.OrderID, "rider_id", cmd.Actor.ID, "error", err)
	}
	s.log.InfoContext(ctx, "delivery confirmed", "order_id", cmd.OrderID, "rider_id", cmd.Actor.ID)
	return o, nil
}

// ArrivedAtRestaurant stamps the arrival time while the order is ASSIGNED.
func (s *Service) ArrivedAtRestaurant(ctx context.Context, cmd PingCommand) (*order.Order, error) {
	return s.ping(ctx, cmd, order.KindSubstatus, func(o *order.Order, now time.Time) error {
		if o.Status != order.StatusAssigned {
			return order.ErrInvalidTransition
		}
		if o.Substatus.ArrivedAtRestaurant != nil {
			return errUnchanged
		}
		o.Substatus.ArrivedAtRestaurant = &now
		return nil
	})
}

// ArrivedAtCustomer stamps the arrival time once the food is picked up.
func (s *Service) ArrivedAtCustomer(ctx context.Context, cmd PingCommand) (*order.Order, error) {
	return s.ping(ctx, cmd, order.KindSubstatus, func(o *order.Order, now time.Time) error {
		if o.Status != order.StatusPickedUp && o.Status != order.StatusOnTheWay {
			return order.ErrInvalidTransition
		}
		if o.Substatus.ArrivedAtCustomer != nil {
			return errUnchanged
		}
		o.Substatus.ArrivedAtCustomer = &now
		return nil
	})
}

// StartDelivery moves PICKED_UP to ON_THE_WAY.
func (s *Service) StartDelivery(ctx context.Context, cmd PingCommand) (*order.Order, error) {
	return s.ping(ctx, cmd, order.KindTransition, func(o *order.Order, now time.Time) error {
		if o.Status != order.StatusPickedUp {
			return order.ErrInvalidTransition
		}
		o.Status = order.StatusOnTheWay
		o.Substatus.DeliveryStarted = &now
		return nil
	})
}

func (s *Service) ping(ctx context.Context, cmd PingCommand, kind order.EventKind, mutate func(o *order.Order, now time.Time) error) (*order.Order, error) {
	o, err := s.ledger.Apply(ctx, cmd.OrderID, cmd.Actor, kind, func(o *order.Order) error {
		if err := s.checkRider(cmd.Actor, o); err != nil {
			return err
		}
		return mutate(o, s.clock.Now())
	})
	if errors.Is(err, errUnchanged) {
		return s.ledger.Get(ctx, cmd.OrderID)
	}
	return o, err
}

func (s *Service) checkRider(actor session.Actor, o *order.Order) error {
	if o.Status == order.StatusCancelled {
		return order.ErrInvalidTransition
	}
	if !actor.Is(session.RoleRider) || !o.AssignedTo(actor.ID) {
		return ErrNotAssignedRider
	}
	return nil
}

func (s *Service) logRejected(ctx context.Context, step string, id types.ID, actor session.Actor, err error) {
	switch {
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrAlreadyConsumed):
		s.log.InfoContext(ctx, "code rejected", "step", step, "order_id", id, "rider_id", actor.ID, "reason", err.Error())
	default:
		s.log.WarnContext(ctx, "code submission failed", "step", step, "order_id", id, "rider_id", actor.ID, "error", err)
	}
}
