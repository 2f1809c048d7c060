// README: Dispatch arbiter; offers an order to one rider at a time and settles claims.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"relay/internal/clock"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/modules/ranking"
	"relay/internal/session"
	"relay/internal/types"
)

var (
	ErrNoOffer          = errors.New("no open offer for rider")
	ErrOfferExpired     = errors.New("offer expired")
	ErrAlreadyAssigned  = errors.New("order already assigned")
	ErrRiderBusy        = errors.New("rider already has an active order")
	ErrOrderUnavailable = errors.New("order no longer available")
	ErrOrderNotReady    = errors.New("order is not ready for dispatch")
	ErrNoRiderAvailable = errors.New("no rider available")
	ErrForbidden        = errors.New("actor not allowed to dispatch order")
	ErrOfferElsewhere   = errors.New("order has an open offer on another node")
)

const sweepBatch = 100

type Ledger interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Apply(ctx context.Context, id types.ID, actor session.Actor, kind order.EventKind, decide order.Decision) (*order.Order, error)
	Cancel(ctx context.Context, cmd order.CancelCommand) (*order.Order, error)
	ListByStatus(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
}

type Riders interface {
	Get(ctx context.Context, id types.ID) (*presence.Presence, error)
	Reserve(ctx context.Context, rider, orderID types.ID) (types.ID, bool, error)
	Release(ctx context.Context, rider, orderID types.ID) (bool, error)
}

// Notifier learns about offer state changes and exhausted dispatch rounds.
type Notifier interface {
	OfferChanged(ctx context.Context, o Offer)
	NoRiderAvailable(ctx context.Context, orderID types.ID)
}

type Deps struct {
	Ledger   Ledger
	Riders   Riders
	Ranker   ranking.Ranker
	Clock    clock.Clock
	Notifier Notifier
	Logger   *slog.Logger
	Policy   Policy
	Board    Board
}

type Service struct {
	ledger   Ledger
	riders   Riders
	ranker   ranking.Ranker
	clock    clock.Clock
	notifier Notifier
	log      *slog.Logger
	policy   Policy
	board    Board

	locks *keyedMutex

	mu     sync.Mutex
	rounds map[types.ID]*round
}

func NewService(deps Deps) *Service {
	s := &Service{
		ledger:   deps.Ledger,
		riders:   deps.Riders,
		ranker:   deps.Ranker,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		log:      deps.Logger,
		policy:   deps.Policy.withDefaults(),
		board:    deps.Board,
		locks:    newKeyedMutex(),
		rounds:   make(map[types.ID]*round),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.board == nil {
		s.board = NewMemoryBoard(s.clock)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "dispatch")
	return s
}

type ClaimCommand struct {
	OrderID types.ID
	Actor   session.Actor
}

type DeclineCommand struct {
	OrderID types.ID
	Actor   session.Actor
}

// Offer opens a dispatch round for a READY order, or returns the offer
// already open on any node. A round that gave up is restarted.
func (s *Service) Offer(ctx context.Context, orderID types.ID, actor session.Actor) (Offer, error) {
	off, _, err := s.offer(ctx, orderID, actor)
	return off, err
}

// offer reports whether this call opened the returned offer.
func (s *Service) offer(ctx context.Context, orderID types.ID, actor session.Actor) (Offer, bool, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return Offer{}, false, err
	}
	if !actor.Is(session.RoleSystem) && !(actor.Is(session.RoleRestaurant) && o.RestaurantID == actor.ID) {
		return Offer{}, false, ErrForbidden
	}
	if err := dispatchable(o); err != nil {
		return Offer{}, false, err
	}

	s.mu.Lock()
	if rd := s.rounds[orderID]; rd != nil && rd.current != nil {
		cur := *rd.current
		s.mu.Unlock()
		return cur, false, nil
	}
	s.mu.Unlock()

	if remote, ok, err := s.board.Current(ctx, orderID); err != nil {
		return Offer{}, false, err
	} else if ok {
		return remote, false, nil
	}

	s.mu.Lock()
	rd := s.rounds[orderID]
	if rd == nil || rd.exhaustedAt != nil {
		rd = newRound()
		s.rounds[orderID] = rd
	}
	s.mu.Unlock()

	off, err := s.openNextLocked(ctx, o, rd)
	if errors.Is(err, ErrOfferElsewhere) {
		s.mu.Lock()
		if rd.made == 0 && s.rounds[orderID] == rd {
			delete(s.rounds, orderID)
		}
		s.mu.Unlock()
		if remote, ok, berr := s.board.Current(ctx, orderID); berr == nil && ok {
			return remote, false, nil
		}
		return Offer{}, false, err
	}
	if err != nil {
		return Offer{}, false, err
	}
	return off, true, nil
}

// Claim assigns the order to the rider holding its open offer. The rider is
// reserved first; if the ledger write then fails the reservation is undone.
func (s *Service) Claim(ctx context.Context, cmd ClaimCommand) (*order.Order, error) {
	if !cmd.Actor.Is(session.RoleRider) {
		return nil, ErrForbidden
	}
	rider := cmd.Actor.ID

	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	off, err := s.openOfferFor(ctx, cmd.OrderID, rider)
	if err != nil {
		return nil, err
	}
	if err := s.reserve(ctx, rider, cmd.OrderID); err != nil {
		return nil, err
	}

	o, err := s.ledger.Apply(ctx, cmd.OrderID, cmd.Actor, order.KindTransition, func(o *order.Order) error {
		if err := dispatchable(o); err != nil {
			return err
		}
		o.Status = order.StatusAssigned
		o.RiderID = rider.Ptr()
		return nil
	})
	if err != nil {
		if _, rerr := s.riders.Release(ctx, rider, cmd.OrderID); rerr != nil {
			s.log.ErrorContext(ctx, "release after failed claim", "order_id", cmd.OrderID, "rider_id", rider, "error", rerr)
		}
		if errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrOrderUnavailable) {
			s.withdraw(ctx, cmd.OrderID)
		}
		return nil, err
	}

	if err := s.board.Close(ctx, cmd.OrderID, off.ID); err != nil {
		s.log.WarnContext(ctx, "close claimed offer", "order_id", cmd.OrderID, "error", err)
	}

	s.mu.Lock()
	var accepted *Offer
	if rd := s.rounds[cmd.OrderID]; rd != nil {
		if rd.current != nil && rd.current.ID == off.ID {
			rd.current.State = OfferAccepted
			c := *rd.current
			accepted = &c
		}
		if rd.timer != nil {
			rd.timer.Stop()
		}
		delete(s.rounds, cmd.OrderID)
	}
	s.mu.Unlock()

	if accepted == nil {
		// opened by another node
		off.State = OfferAccepted
		accepted = &off
	}

	s.log.InfoContext(ctx, "order claimed", "order_id", cmd.OrderID, "rider_id", rider, "round", off.Round)
	s.offerChanged(ctx, *accepted)
	return o, nil
}

// Decline ends the rider's open offer early; the next candidate is tried.
func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) error {
	if !cmd.Actor.Is(session.RoleRider) {
		return ErrForbidden
	}
	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	s.mu.Lock()
	rd := s.rounds[cmd.OrderID]
	if rd == nil || rd.current == nil || rd.current.RiderID != cmd.Actor.ID {
		s.mu.Unlock()
		return s.declineRemote(ctx, cmd)
	}
	rd.current.State = OfferExpired
	declined := *rd.current
	rd.current = nil
	if rd.timer != nil {
		rd.timer.Stop()
		rd.timer = nil
	}
	s.mu.Unlock()

	s.closeOnBoard(ctx, declined)
	s.log.InfoContext(ctx, "offer declined", "order_id", cmd.OrderID, "rider_id", cmd.Actor.ID)
	s.offerChanged(ctx, declined)
	s.advanceLocked(ctx, cmd.OrderID, rd)
	return nil
}

// declineRemote closes an offer opened by another node. That node moves to
// the next candidate when the offer's timer fires.
func (s *Service) declineRemote(ctx context.Context, cmd DeclineCommand) error {
	off, ok, err := s.board.Current(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if !ok || off.RiderID != cmd.Actor.ID {
		return ErrNoOffer
	}
	if err := s.board.Close(ctx, cmd.OrderID, off.ID); err != nil {
		return err
	}
	off.State = OfferExpired
	s.log.InfoContext(ctx, "offer declined", "order_id", cmd.OrderID, "rider_id", cmd.Actor.ID, "remote", true)
	s.offerChanged(ctx, off)
	return nil
}

// Cancel cancels the order in the ledger, withdraws any open offer and frees
// the assigned rider. The cancel and the release are separate writes; a rider
// whose release fails is freed by healStale on the next offer or claim.
func (s *Service) Cancel(ctx context.Context, cmd order.CancelCommand) (*order.Order, error) {
	unlock := s.locks.Lock(cmd.OrderID)
	defer unlock()

	prev, err := s.ledger.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	o, err := s.ledger.Cancel(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.withdraw(ctx, cmd.OrderID)
	if prev.RiderID != nil {
		if _, err := s.riders.Release(ctx, *prev.RiderID, cmd.OrderID); err != nil {
			s.log.ErrorContext(ctx, "release rider on cancel", "order_id", cmd.OrderID, "rider_id", *prev.RiderID, "error", err)
		}
	}
	return o, nil
}

// PendingOffer returns the open offer addressed to rider, if any, whichever
// node opened it.
func (s *Service) PendingOffer(ctx context.Context, rider types.ID) (Offer, bool) {
	s.mu.Lock()
	for _, rd := range s.rounds {
		if rd.current != nil && rd.current.RiderID == rider {
			cur := *rd.current
			s.mu.Unlock()
			return cur, true
		}
	}
	s.mu.Unlock()

	off, ok, err := s.board.ForRider(ctx, rider)
	if err != nil {
		s.log.WarnContext(ctx, "read offer board", "rider_id", rider, "error", err)
		return Offer{}, false
	}
	return off, ok
}

// Sweep re-dispatches READY orders that have no round, or whose round gave
// up at least SweepCooldown ago. Orders with an offer open on any node are
// left alone. It returns how many offers it opened.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	orders, err := s.ledger.ListByStatus(ctx, order.StatusReady, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list ready orders: %w", err)
	}
	now := s.clock.Now()
	opened := 0
	for _, o := range orders {
		s.mu.Lock()
		rd := s.rounds[o.ID]
		due := rd == nil || (rd.current == nil && rd.exhaustedAt != nil && now.Sub(*rd.exhaustedAt) >= s.policy.SweepCooldown)
		s.mu.Unlock()
		if !due {
			continue
		}
		_, ok, err := s.offer(ctx, o.ID, session.System)
		if err != nil {
			if !errors.Is(err, ErrNoRiderAvailable) && !errors.Is(err, ErrOfferElsewhere) {
				s.log.WarnContext(ctx, "sweep offer failed", "order_id", o.ID, "error", err)
			}
			continue
		}
		if ok {
			opened++
		}
	}
	return opened, nil
}

func (s *Service) openNextLocked(ctx context.Context, o *order.Order, rd *round) (Offer, error) {
	if rd.made >= s.policy.MaxRounds {
		return Offer{}, s.exhaustLocked(ctx, o.ID, rd)
	}
	cands, err := s.ranker.Rank(ctx, o.Restaurant)
	if err != nil {
		return Offer{}, fmt.Errorf("rank candidates: %w", err)
	}
	var pick types.ID
	for _, c := range cands {
		if rd.tried[c.RiderID] || s.hasOpenOffer(ctx, c.RiderID) {
			continue
		}
		p, err := s.riders.Get(ctx, c.RiderID)
		if err != nil {
			s.log.WarnContext(ctx, "presence lookup failed", "rider_id", c.RiderID, "error", err)
			continue
		}
		if p.Online && p.ActiveOrderID != nil && s.healStale(ctx, c.RiderID, *p.ActiveOrderID) {
			p.ActiveOrderID = nil
		}
		if p.Available() {
			pick = c.RiderID
			break
		}
	}
	if pick == "" {
		return Offer{}, s.exhaustLocked(ctx, o.ID, rd)
	}

	now := s.clock.Now()
	off := &Offer{
		ID:        types.NewID(),
		OrderID:   o.ID,
		RiderID:   pick,
		Round:     rd.made + 1,
		CreatedAt: now,
		ExpiresAt: now.Add(s.policy.TTL),
		State:     OfferOpen,
	}
	won, err := s.board.Open(ctx, *off, s.policy.TTL+boardGrace)
	if err != nil {
		return Offer{}, fmt.Errorf("publish offer: %w", err)
	}
	if !won {
		return Offer{}, ErrOfferElsewhere
	}
	orderID, offerID := o.ID, off.ID
	timer := s.clock.AfterFunc(s.policy.TTL, func() { s.expire(orderID, offerID) })

	s.mu.Lock()
	rd.made++
	rd.tried[pick] = true
	rd.current = off
	rd.timer = timer
	rd.exhaustedAt = nil
	rd.history = append(rd.history, off)
	opened := *off
	s.mu.Unlock()

	s.log.InfoContext(ctx, "offer opened", "order_id", o.ID, "rider_id", pick, "round", opened.Round, "expires_at", opened.ExpiresAt)
	s.offerChanged(ctx, opened)
	return opened, nil
}

func (s *Service) exhaustLocked(ctx context.Context, orderID types.ID, rd *round) error {
	now := s.clock.Now()
	s.mu.Lock()
	rd.current = nil
	rd.timer = nil
	rd.exhaustedAt = &now
	made := rd.made
	s.mu.Unlock()

	s.log.WarnContext(ctx, "no rider available", "order_id", orderID, "offers_made", made)
	if s.notifier != nil {
		s.notifier.NoRiderAvailable(ctx, orderID)
	}
	return ErrNoRiderAvailable
}

// expire runs on the offer's TTL timer.
func (s *Service) expire(orderID, offerID types.ID) {
	ctx := context.Background()
	unlock := s.locks.Lock(orderID)
	defer unlock()

	s.mu.Lock()
	rd := s.rounds[orderID]
	if rd == nil || rd.current == nil || rd.current.ID != offerID {
		s.mu.Unlock()
		return
	}
	rd.current.State = OfferExpired
	expired := *rd.current
	rd.current = nil
	rd.timer = nil
	s.mu.Unlock()

	held, err := s.onBoard(ctx, orderID, offerID)
	if err != nil {
		s.log.WarnContext(ctx, "read offer board", "order_id", orderID, "error", err)
		held = true
	}
	if held {
		s.closeOnBoard(ctx, expired)
		s.log.InfoContext(ctx, "offer expired", "order_id", orderID, "rider_id", expired.RiderID, "round", expired.Round)
		s.offerChanged(ctx, expired)
	}
	// An offer missing from the board was claimed or declined on another node.
	s.advanceLocked(ctx, orderID, rd)
}

// advanceLocked offers the order to the next candidate if it is still READY.
func (s *Service) advanceLocked(ctx context.Context, orderID types.ID, rd *round) {
	o, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		s.log.ErrorContext(ctx, "reload order for next offer", "order_id", orderID, "error", err)
		s.dropRound(orderID)
		return
	}
	if o.Status != order.StatusReady {
		s.dropRound(orderID)
		return
	}
	_, err = s.openNextLocked(ctx, o, rd)
	switch {
	case err == nil, errors.Is(err, ErrNoRiderAvailable):
	case errors.Is(err, ErrOfferElsewhere):
		s.dropRound(orderID)
	default:
		s.log.ErrorContext(ctx, "open next offer", "order_id", orderID, "error", err)
	}
}

// openOfferFor returns rider's live offer for the order, or the reason
// there is none.
func (s *Service) openOfferFor(ctx context.Context, orderID, rider types.ID) (Offer, error) {
	now := s.clock.Now()
	s.mu.Lock()
	var (
		cur    Offer
		open   bool
		hadOne bool
	)
	if rd := s.rounds[orderID]; rd != nil {
		if rd.current != nil && rd.current.RiderID == rider {
			cur, open = *rd.current, true
		}
		for _, h := range rd.history {
			if h.RiderID == rider {
				hadOne = true
			}
		}
	}
	s.mu.Unlock()

	if !open {
		remote, ok, err := s.board.Current(ctx, orderID)
		if err != nil {
			return Offer{}, err
		}
		if ok && remote.RiderID == rider {
			cur, open = remote, true
		}
	}
	if open {
		if !now.Before(cur.ExpiresAt) {
			return Offer{}, ErrOfferExpired
		}
		return cur, nil
	}
	o, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return Offer{}, err
	}
	if err := dispatchable(o); err != nil {
		return Offer{}, err
	}
	if hadOne {
		return Offer{}, ErrOfferExpired
	}
	return Offer{}, ErrNoOffer
}

// reserve marks rider busy with orderID. A reservation left behind for an
// order the rider no longer owns is released first.
func (s *Service) reserve(ctx context.Context, rider, orderID types.ID) error {
	held, ok, err := s.riders.Reserve(ctx, rider, orderID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !s.healStale(ctx, rider, held) {
		return ErrRiderBusy
	}
	_, ok, err = s.riders.Reserve(ctx, rider, orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRiderBusy
	}
	return nil
}

// healStale frees rider from a reservation on an order that no longer needs
// them, such as one cancelled while its release failed.
func (s *Service) healStale(ctx context.Context, rider, held types.ID) bool {
	if !s.staleReservation(ctx, rider, held) {
		return false
	}
	s.log.WarnContext(ctx, "releasing stale reservation", "rider_id", rider, "held_order_id", held)
	if _, err := s.riders.Release(ctx, rider, held); err != nil {
		s.log.ErrorContext(ctx, "release stale reservation", "rider_id", rider, "held_order_id", held, "error", err)
		return false
	}
	return true
}

func (s *Service) staleReservation(ctx context.Context, rider, held types.ID) bool {
	o, err := s.ledger.Get(ctx, held)
	if errors.Is(err, order.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	if o.Status.Terminal() {
		return true
	}
	// READY means a claim for held may be in flight.
	return o.Status != order.StatusReady && !o.AssignedTo(rider)
}

func (s *Service) withdraw(ctx context.Context, orderID types.ID) {
	s.mu.Lock()
	rd := s.rounds[orderID]
	delete(s.rounds, orderID)
	var withdrawn *Offer
	if rd != nil && rd.current != nil {
		rd.current.State = OfferWithdrawn
		c := *rd.current
		withdrawn = &c
		rd.current = nil
		if rd.timer != nil {
			rd.timer.Stop()
			rd.timer = nil
		}
	}
	s.mu.Unlock()
	if withdrawn == nil {
		remote, ok, err := s.board.Current(ctx, orderID)
		if err != nil {
			s.log.WarnContext(ctx, "read offer board", "order_id", orderID, "error", err)
		} else if ok {
			remote.State = OfferWithdrawn
			withdrawn = &remote
		}
	}
	if withdrawn != nil {
		s.closeOnBoard(ctx, *withdrawn)
		s.log.InfoContext(ctx, "offer withdrawn", "order_id", orderID, "rider_id", withdrawn.RiderID)
		s.offerChanged(ctx, *withdrawn)
	}
}

func (s *Service) onBoard(ctx context.Context, orderID, offerID types.ID) (bool, error) {
	off, ok, err := s.board.Current(ctx, orderID)
	if err != nil {
		return false, err
	}
	return ok && off.ID == offerID, nil
}

func (s *Service) closeOnBoard(ctx context.Context, off Offer) {
	if err := s.board.Close(ctx, off.OrderID, off.ID); err != nil {
		s.log.WarnContext(ctx, "close offer on board", "order_id", off.OrderID, "offer_id", off.ID, "error", err)
	}
}

func (s *Service) dropRound(orderID types.ID) {
	s.mu.Lock()
	delete(s.rounds, orderID)
	s.mu.Unlock()
}

func (s *Service) hasOpenOffer(ctx context.Context, rider types.ID) bool {
	_, ok := s.PendingOffer(ctx, rider)
	return ok
}

func (s *Service) offerChanged(ctx context.Context, o Offer) {
	if s.notifier != nil {
		s.notifier.OfferChanged(ctx, o)
	}
}

// dispatchable maps an order's status to the claim/offer error it implies.
func dispatchable(o *order.Order) error {
	switch o.Status {
	case order.StatusReady:
		return nil
	case order.StatusCancelled:
		return ErrOrderUnavailable
	case order.StatusAssigned, order.StatusPickedUp, order.StatusOnTheWay, order.StatusDelivered:
		return ErrAlreadyAssigned
	default:
		return ErrOrderNotReady
	}
}
