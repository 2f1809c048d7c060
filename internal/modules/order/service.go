// README: Order ledger service; every write is an optimistic compare-and-swap.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"relay/internal/clock"
	"relay/internal/session"
	"relay/internal/types"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrAlreadyExists      = errors.New("order already exists")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrStaleWrite         = errors.New("order changed concurrently")
	ErrForbidden          = errors.New("actor not allowed to modify order")
	ErrBadRequest         = errors.New("bad request")
	ErrCodesAlreadyIssued = errors.New("codes already issued")
)

// maxDecideAttempts bounds how often Apply re-fetches after losing a CAS.
const maxDecideAttempts = 3

// Store is the authoritative order storage. Save must apply o only if the
// stored row still has status from and status_version version, and must
// append e in the same atomic step.
type Store interface {
	Create(ctx context.Context, o *Order, e *Event) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	Save(ctx context.Context, o *Order, from Status, version int, e *Event) (bool, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error)
}

// Notifier receives one call per committed write.
type Notifier interface {
	OrderChanged(ctx context.Context, id types.ID)
}

// Auditor receives every committed history event.
type Auditor interface {
	Record(e Event)
}

type Deps struct {
	Store      Store
	Clock      clock.Clock
	Notifier   Notifier
	Auditor    Auditor
	Logger     *slog.Logger
	BcryptCost int
}

type Service struct {
	store    Store
	clock    clock.Clock
	notifier Notifier
	auditor  Auditor
	log      *slog.Logger
	cost     int
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:    deps.Store,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		auditor:  deps.Auditor,
		log:      deps.Logger,
		cost:     deps.BcryptCost,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "order_ledger")
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s
}

type CreateCommand struct {
	ID           types.ID
	CustomerID   types.ID
	RestaurantID types.ID
	Restaurant   types.Point
	Customer     types.Point
}

type AttachCodesCommand struct {
	OrderID      types.ID
	PickupCode   string
	DeliveryCode string
}

type RestaurantCommand struct {
	OrderID types.ID
	Actor   session.Actor
}

type CancelCommand struct {
	OrderID types.ID
	Actor   session.Actor
	Reason  string
}

// Decision mutates a private copy of the current order. Returning an error
// aborts the write.
type Decision func(o *Order) error

func (s *Service) Create(ctx context.Context, actor session.Actor, cmd CreateCommand) (*Order, error) {
	if !actor.Is(session.RoleSystem) && !(actor.Is(session.RoleCustomer) && actor.ID == cmd.CustomerID) {
		return nil, ErrForbidden
	}
	if cmd.CustomerID == "" || cmd.RestaurantID == "" {
		return nil, fmt.Errorf("%w: customer_id and restaurant_id are required", ErrBadRequest)
	}
	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	now := s.clock.Now()
	o := &Order{
		ID:            id,
		CustomerID:    cmd.CustomerID,
		RestaurantID:  cmd.RestaurantID,
		Status:        StatusPending,
		StatusVersion: 0,
		Restaurant:    cmd.Restaurant,
		Customer:      cmd.Customer,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e := &Event{
		OrderID:    id,
		Kind:       KindCreated,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorRole:  actor.Role,
		ActorID:    actor.ID,
		Version:    0,
		CreatedAt:  now,
	}
	if err := s.store.Create(ctx, o, e); err != nil {
		return nil, err
	}
	s.committed(ctx, e)
	return o, nil
}

// AttachCodes stores the OTPs produced by the issuance collaborator. Codes are
// immutable once attached and must arrive before the order is assigned.
func (s *Service) AttachCodes(ctx context.Context, actor session.Actor, cmd AttachCodesCommand) (*Order, error) {
	if !actor.Is(session.RoleSystem) {
		return nil, ErrForbidden
	}
	if !validCode(cmd.PickupCode) || !validCode(cmd.DeliveryCode) {
		return nil, fmt.Errorf("%w: codes must be numeric", ErrBadRequest)
	}
	pickup, err := HashCode(cmd.PickupCode, s.cost)
	if err != nil {
		return nil, err
	}
	delivery, err := HashCode(cmd.DeliveryCode, s.cost)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, cmd.OrderID, actor, KindCodes, func(o *Order) error {
		if o.PickupCodeHash != "" || o.DeliveryCodeHash != "" {
			return ErrCodesAlreadyIssued
		}
		switch o.Status {
		case StatusPending, StatusConfirmed, StatusPreparing, StatusReady:
		default:
			return ErrInvalidTransition
		}
		o.PickupCodeHash = pickup
		o.DeliveryCodeHash = delivery
		return nil
	})
}

func (s *Service) Accept(ctx context.Context, cmd RestaurantCommand) (*Order, error) {
	return s.restaurantMove(ctx, cmd, StatusConfirmed)
}

func (s *Service) StartPreparing(ctx context.Context, cmd RestaurantCommand) (*Order, error) {
	return s.restaurantMove(ctx, cmd, StatusPreparing)
}

func (s *Service) MarkReady(ctx context.Context, cmd RestaurantCommand) (*Order, error) {
	return s.restaurantMove(ctx, cmd, StatusReady)
}

// Reject is the restaurant declining a PENDING order.
func (s *Service) Reject(ctx context.Context, cmd RestaurantCommand) (*Order, error) {
	return s.Apply(ctx, cmd.OrderID, cmd.Actor, KindTransition, func(o *Order) error {
		if err := ownsAsRestaurant(cmd.Actor, o); err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrInvalidTransition
		}
		markCancelled(o, "restaurant_rejected", s.clock.Now())
		return nil
	})
}

// Cancel moves any non-terminal order to CANCELLED and clears the rider in
// the same write.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = string(cmd.Actor.Role) + "_cancel"
	}
	return s.Apply(ctx, cmd.OrderID, cmd.Actor, KindTransition, func(o *Order) error {
		switch cmd.Actor.Role {
		case session.RoleSystem:
		case session.RoleCustomer:
			if o.CustomerID != cmd.Actor.ID {
				return ErrForbidden
			}
		case session.RoleRestaurant:
			if o.RestaurantID != cmd.Actor.ID {
				return ErrForbidden
			}
		default:
			return ErrForbidden
		}
		markCancelled(o, reason, s.clock.Now())
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// Apply runs decide against the latest stored order and commits the result
// with a compare-and-swap on (status, status_version). A writer that loses
// the swap re-fetches and re-decides; after maxDecideAttempts it gives up
// with ErrStaleWrite. A KindTransition write must leave the status it read.
func (s *Service) Apply(ctx context.Context, id types.ID, actor session.Actor, kind EventKind, decide Decision) (*Order, error) {
	for attempt := 0; attempt < maxDecideAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := decide(next); err != nil {
			return nil, err
		}
		if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
			return nil, ErrInvalidTransition
		}
		if next.Status == cur.Status && (cur.Status.Terminal() || kind == KindTransition) {
			return nil, ErrInvalidTransition
		}

		now := s.clock.Now()
		next.StatusVersion = cur.StatusVersion + 1
		next.UpdatedAt = now
		stampStatus(next, cur.Status, now)

		e := &Event{
			OrderID:    id,
			Kind:       kind,
			FromStatus: cur.Status,
			ToStatus:   next.Status,
			ActorRole:  actor.Role,
			ActorID:    actor.ID,
			Version:    next.StatusVersion,
			CreatedAt:  now,
		}
		ok, err := s.store.Save(ctx, next, cur.Status, cur.StatusVersion, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.DebugContext(ctx, "cas lost, re-deciding", "order_id", id, "attempt", attempt+1)
			continue
		}
		s.committed(ctx, e)
		return next, nil
	}
	return nil, ErrStaleWrite
}

func (s *Service) restaurantMove(ctx context.Context, cmd RestaurantCommand, to Status) (*Order, error) {
	return s.Apply(ctx, cmd.OrderID, cmd.Actor, KindTransition, func(o *Order) error {
		if err := ownsAsRestaurant(cmd.Actor, o); err != nil {
			return err
		}
		if !CanTransition(o.Status, to) {
			return ErrInvalidTransition
		}
		o.Status = to
		return nil
	})
}

func (s *Service) committed(ctx context.Context, e *Event) {
	if s.auditor != nil {
		s.auditor.Record(*e)
	}
	if s.notifier != nil {
		s.notifier.OrderChanged(ctx, e.OrderID)
	}
}

func ownsAsRestaurant(actor session.Actor, o *Order) error {
	if actor.Is(session.RoleSystem) {
		return nil
	}
	if actor.Is(session.RoleRestaurant) && o.RestaurantID == actor.ID {
		return nil
	}
	return ErrForbidden
}

func markCancelled(o *Order, reason string, now time.Time) {
	o.Status = StatusCancelled
	o.RiderID = nil
	o.CancelReason = &reason
	o.CancelledAt = &now
}

func stampStatus(o *Order, from Status, now time.Time) {
	if o.Status == from {
		return
	}
	t := now
	switch o.Status {
	case StatusAssigned:
		o.AssignedAt = &t
	case StatusPickedUp:
		o.PickedUpAt = &t
	case StatusDelivered:
		o.DeliveredAt = &t
	}
}

// HashCode hashes a numeric OTP for storage.
func HashCode(code string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	return string(h), nil
}

// MatchCode reports whether code is exactly the OTP behind hash.
func MatchCode(hash, code string) bool {
	if hash == "" || !validCode(code) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

func validCode(code string) bool {
	if code == "" || len(code) > 12 {
		return false
	}
	return strings.Trim(code, "0123456789") == ""
}
