// README: Rider presence record, position reports and throttle verdicts.
package presence

import (
	"time"

	"relay/internal/types"
)

// Position is a reported location. At is the device timestamp of the fix.
type Position struct {
	Point types.Point `json:"point"`
	At    time.Time   `json:"timestamp"`
}

type Presence struct {
	RiderID       types.ID
	Online        bool
	Position      *Position
	ActiveOrderID *types.ID
}

// Available reports whether the rider may receive a new offer.
func (p *Presence) Available() bool {
	return p.Online && p.ActiveOrderID == nil
}

func (p *Presence) Clone() *Presence {
	c := *p
	if p.Position != nil {
		pos := *p.Position
		c.Position = &pos
	}
	if p.ActiveOrderID != nil {
		c.ActiveOrderID = p.ActiveOrderID.Ptr()
	}
	return &c
}

type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictStale     Verdict = "stale"
	VerdictThrottled Verdict = "throttled"
)

// Judge decides whether a report at ts replaces last. A report must be
// strictly newer and at least minInterval after the stored one.
func Judge(last *Position, ts time.Time, minInterval time.Duration) Verdict {
	if last == nil {
		return VerdictAccepted
	}
	if !ts.After(last.At) {
		return VerdictStale
	}
	if ts.Sub(last.At) < minInterval {
		return VerdictThrottled
	}
	return VerdictAccepted
}

// Candidate is an online rider near a query origin.
type Candidate struct {
	RiderID    types.ID
	Point      types.Point
	DistanceKm float64
}
