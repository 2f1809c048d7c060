// README: Candidate ranking for dispatch; nearest online riders first.
package ranking

import (
	"context"

	"relay/internal/modules/presence"
	"relay/internal/types"
)

// Ranker returns candidate riders for a pickup point, best first.
type Ranker interface {
	Rank(ctx context.Context, origin types.Point) ([]presence.Candidate, error)
}

// NearbySource lists online riders around a point sorted by distance.
type NearbySource interface {
	Nearby(ctx context.Context, origin types.Point, radiusKm float64, limit int) ([]presence.Candidate, error)
}

type NearbyRanker struct {
	src      NearbySource
	radiusKm float64
	limit    int
}

func NewNearbyRanker(src NearbySource, radiusKm float64, limit int) *NearbyRanker {
	return &NearbyRanker{src: src, radiusKm: radiusKm, limit: limit}
}

func (r *NearbyRanker) Rank(ctx context.Context, origin types.Point) ([]presence.Candidate, error) {
	return r.src.Nearby(ctx, origin, r.radiusKm, r.limit)
}

// Static returns a fixed order regardless of origin.
type Static []presence.Candidate

func (s Static) Rank(context.Context, types.Point) ([]presence.Candidate, error) {
	out := make([]presence.Candidate, len(s))
	copy(out, s)
	return out, nil
}
