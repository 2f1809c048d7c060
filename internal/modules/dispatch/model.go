// README: Offer lifecycle and dispatch policy.
package dispatch

import (
	"time"

	"relay/internal/clock"
	"relay/internal/types"
)

type OfferState string

const (
	OfferOpen      OfferState = "open"
	OfferAccepted  OfferState = "accepted"
	OfferExpired   OfferState = "expired"
	OfferWithdrawn OfferState = "withdrawn"
)

// Offer is a time-limited invitation for one rider to claim one order.
// The open offer is published on a Board; rounds stay with the node that
// opened them. The ledger is the record of assignment.
type Offer struct {
	ID        types.ID   `json:"offer_id"`
	OrderID   types.ID   `json:"order_id"`
	RiderID   types.ID   `json:"candidate_rider_id"`
	Round     int        `json:"round"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	State     OfferState `json:"state"`
}

type Policy struct {
	TTL           time.Duration
	MaxRounds     int
	SweepCooldown time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TTL:           30 * time.Second,
		MaxRounds:     3,
		SweepCooldown: time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TTL <= 0 {
		p.TTL = d.TTL
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = d.MaxRounds
	}
	if p.SweepCooldown <= 0 {
		p.SweepCooldown = d.SweepCooldown
	}
	return p
}

// round tracks the offers made for one order since it became dispatchable.
type round struct {
	current     *Offer
	timer       clock.Timer
	tried       map[types.ID]bool
	made        int
	history     []*Offer
	exhaustedAt *time.Time
}

func newRound() *round {
	return &round{tried: make(map[types.ID]bool)}
}
