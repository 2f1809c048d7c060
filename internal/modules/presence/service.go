// README: Presence tracker service; rider online flag, throttled positions and active-order reservations.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/clock"
	"relay/internal/session"
	"relay/internal/types"
)

var (
	ErrForbidden  = errors.New("only riders report presence")
	ErrBadRequest = errors.New("bad position report")
)

const DefaultMinInterval = 10 * time.Second

// Store holds rider presence. Reserve and Release are compare-and-swap on
// the active order so a rider never holds two orders.
type Store interface {
	Get(ctx context.Context, id types.ID) (*Presence, error)
	SetOnline(ctx context.Context, id types.ID, online bool) (*Presence, error)
	ApplyPosition(ctx context.Context, id types.ID, pos Position, minInterval time.Duration) (Verdict, *Presence, error)
	// Reserve returns the order the rider holds afterwards and whether it is orderID.
	Reserve(ctx context.Context, id, orderID types.ID) (types.ID, bool, error)
	Release(ctx context.Context, id, orderID types.ID) (bool, error)
	Nearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]Candidate, error)
}

// Change names the part of a rider's presence a write touched.
type Change string

const (
	ChangeAvailability Change = "availability"
	ChangePosition     Change = "position"
	ChangeReservation  Change = "reservation"
)

type Notifier interface {
	RiderChanged(ctx context.Context, id types.ID, c Change)
}

type Deps struct {
	Store       Store
	Clock       clock.Clock
	Notifier    Notifier
	Logger      *slog.Logger
	MinInterval time.Duration
}

type Service struct {
	store       Store
	clock       clock.Clock
	notifier    Notifier
	log         *slog.Logger
	minInterval time.Duration
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:       deps.Store,
		clock:       deps.Clock,
		notifier:    deps.Notifier,
		log:         deps.Logger,
		minInterval: deps.MinInterval,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "presence")
	if s.minInterval <= 0 {
		s.minInterval = DefaultMinInterval
	}
	return s
}

// Report is a rider position fix. A zero At is stamped with the server clock.
type Report struct {
	Point types.Point
	At    time.Time
}

func (s *Service) SetOnline(ctx context.Context, actor session.Actor, online bool) (*Presence, error) {
	if !actor.Is(session.RoleRider) {
		return nil, ErrForbidden
	}
	p, err := s.store.SetOnline(ctx, actor.ID, online)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "rider availability changed", "rider_id", actor.ID, "online", online)
	s.changed(ctx, actor.ID, ChangeAvailability)
	return p, nil
}

// ReportPosition stores r unless it is older than, or within the minimum
// interval of, the stored position. Rejected reports are not errors.
func (s *Service) ReportPosition(ctx context.Context, actor session.Actor, r Report) (Verdict, *Presence, error) {
	if !actor.Is(session.RoleRider) {
		return "", nil, ErrForbidden
	}
	if !validPoint(r.Point.Lat, r.Point.Lng) {
		return "", nil, fmt.Errorf("%w: coordinates out of range", ErrBadRequest)
	}
	at := r.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	v, p, err := s.store.ApplyPosition(ctx, actor.ID, Position{Point: r.Point, At: at}, s.minInterval)
	if err != nil {
		return "", nil, err
	}
	if v == VerdictAccepted {
		s.changed(ctx, actor.ID, ChangePosition)
	} else {
		s.log.DebugContext(ctx, "position report ignored", "rider_id", actor.ID, "verdict", v)
	}
	return v, p, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Presence, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Reserve(ctx context.Context, rider, orderID types.ID) (types.ID, bool, error) {
	held, ok, err := s.store.Reserve(ctx, rider, orderID)
	if err != nil {
		return "", false, err
	}
	if ok {
		s.changed(ctx, rider, ChangeReservation)
	}
	return held, ok, nil
}

func (s *Service) Release(ctx context.Context, rider, orderID types.ID) (bool, error) {
	ok, err := s.store.Release(ctx, rider, orderID)
	if err != nil {
		return false, err
	}
	if ok {
		s.changed(ctx, rider, ChangeReservation)
	}
	return ok, nil
}

func (s *Service) Nearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]Candidate, error) {
	return s.store.Nearby(ctx, origin, radiusKm, limit)
}

func (s *Service) changed(ctx context.Context, id types.ID, c Change) {
	if s.notifier != nil {
		s.notifier.RiderChanged(ctx, id, c)
	}
}
