// README: Sync fanout service; turns committed changes into snapshot frames for order and rider topics.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"relay/internal/clock"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/types"
)

// Orders and Riders are read on every publish and poll, so both channels
// always carry what the stores hold at that instant.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
}

type Riders interface {
	Get(ctx context.Context, id types.ID) (*presence.Presence, error)
}

const (
	retryMin = 500 * time.Millisecond
	retryMax = 30 * time.Second
)

type Deps struct {
	Orders Orders
	Riders Riders
	Hub    *Hub
	Broker Broker
	Mirror Mirror
	Clock  clock.Clock
	Logger *slog.Logger
}

type Service struct {
	orders Orders
	riders Riders
	hub    *Hub
	broker Broker
	mirror Mirror
	clock  clock.Clock
	log    *slog.Logger
}

func NewService(deps Deps) *Service {
	s := &Service{
		orders: deps.Orders,
		riders: deps.Riders,
		hub:    deps.Hub,
		broker: deps.Broker,
		mirror: deps.Mirror,
		clock:  deps.Clock,
		log:    deps.Logger,
	}
	if s.hub == nil {
		s.hub = NewHub(DefaultBuffer)
	}
	if s.broker == nil {
		s.broker = LocalBroker{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "fanout")
	return s
}

func (s *Service) Hub() *Hub { return s.hub }

// OrderView is the poll read. Push frames for the order carry the same value.
func (s *Service) OrderView(ctx context.Context, id types.ID) (OrderView, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	var rider *presence.Presence
	if o.RiderID != nil {
		rider, err = s.riders.Get(ctx, *o.RiderID)
		if err != nil {
			return OrderView{}, err
		}
	}
	return buildOrderView(o, rider), nil
}

func (s *Service) RiderView(ctx context.Context, id types.ID) (RiderView, error) {
	p, err := s.riders.Get(ctx, id)
	if err != nil {
		return RiderView{}, err
	}
	return buildRiderView(p), nil
}

// Snapshot returns the current frame for topic, used as the first frame of a
// new push stream.
func (s *Service) Snapshot(ctx context.Context, t EventType, id types.ID) (Envelope, error) {
	switch t {
	case TypeOrder:
		v, err := s.OrderView(ctx, id)
		if err != nil {
			return Envelope{}, err
		}
		return newEnvelope(TypeOrder, OrderTopic(id), v)
	case TypeRider:
		v, err := s.RiderView(ctx, id)
		if err != nil {
			return Envelope{}, err
		}
		return newEnvelope(TypeRider, RiderTopic(id), v)
	}
	return Envelope{}, errors.New("unknown snapshot type")
}

func (s *Service) Subscribe(topic string) *Subscription {
	return s.hub.Subscribe(topic)
}

// OrderChanged implements order.Notifier.
func (s *Service) OrderChanged(ctx context.Context, id types.ID) {
	s.publishSnapshot(ctx, TypeOrder, id)
}

// RiderChanged implements presence.Notifier. A position change refreshes the
// rider's active order too, since its view carries the rider position. A
// reservation change does not: the order write that goes with it publishes
// its own frame.
func (s *Service) RiderChanged(ctx context.Context, id types.ID, c presence.Change) {
	p, err := s.riders.Get(ctx, id)
	if err != nil {
		s.log.ErrorContext(ctx, "load rider for fanout", "rider_id", id, "error", err)
		return
	}
	e, err := newEnvelope(TypeRider, RiderTopic(id), buildRiderView(p))
	if err != nil {
		s.log.ErrorContext(ctx, "encode rider view", "rider_id", id, "error", err)
		return
	}
	s.publish(ctx, e)
	if c == presence.ChangePosition && p.ActiveOrderID != nil {
		s.publishSnapshot(ctx, TypeOrder, *p.ActiveOrderID)
	}
}

// OfferChanged implements dispatch.Notifier; the offer goes to its rider.
func (s *Service) OfferChanged(ctx context.Context, o dispatch.Offer) {
	e, err := newEnvelope(TypeOffer, RiderTopic(o.RiderID), o)
	if err != nil {
		s.log.ErrorContext(ctx, "encode offer", "offer_id", o.ID, "error", err)
		return
	}
	s.publish(ctx, e)
}

func (s *Service) NoRiderAvailable(ctx context.Context, orderID types.ID) {
	e, err := newEnvelope(TypeNoRiderAvailable, OrderTopic(orderID), map[string]types.ID{"order_id": orderID})
	if err != nil {
		return
	}
	s.publish(ctx, e)
}

// Run relays frames published by other instances into the local hub until
// ctx ends, reconnecting with exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	delay := retryMin
	for {
		err := s.broker.Listen(ctx, s.hub.Publish)
		if ctx.Err() != nil {
			return nil
		}
		s.log.WarnContext(ctx, "fanout broker disconnected", "error", err, "retry_in", delay)
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return nil
		}
		delay = clock.Backoff(delay, retryMax)
	}
}

func (s *Service) publishSnapshot(ctx context.Context, t EventType, id types.ID) {
	e, err := s.Snapshot(ctx, t, id)
	if err != nil {
		s.log.ErrorContext(ctx, "build snapshot", "type", t, "id", id, "error", err)
		return
	}
	s.publish(ctx, e)
}

func (s *Service) publish(ctx context.Context, e Envelope) {
	s.hub.Publish(e)
	if err := s.broker.Publish(ctx, e); err != nil {
		s.log.WarnContext(ctx, "relay fanout frame", "topic", e.Topic, "error", err)
	}
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, e); err != nil {
			s.log.WarnContext(ctx, "mirror fanout frame", "topic", e.Topic, "error", err)
		}
	}
}
