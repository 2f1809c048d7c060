// README: Re-ranks nearby riders by Google Distance Matrix driving time to the restaurant.
package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"googlemaps.github.io/maps"

	"relay/internal/modules/presence"
	"relay/internal/types"
)

// DistanceMatrixer is the subset of *maps.Client used here.
type DistanceMatrixer interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

type MapsRanker struct {
	base   Ranker
	matrix DistanceMatrixer
	log    *slog.Logger
}

func NewMapsClient(apiKey string) (*maps.Client, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}

func NewMapsRanker(base Ranker, matrix DistanceMatrixer, log *slog.Logger) *MapsRanker {
	if log == nil {
		log = slog.Default()
	}
	return &MapsRanker{base: base, matrix: matrix, log: log.With("component", "maps_ranker")}
}

// Rank keeps the base order when the API fails; riders without a route go last.
func (r *MapsRanker) Rank(ctx context.Context, origin types.Point) ([]presence.Candidate, error) {
	cands, err := r.base.Rank(ctx, origin)
	if err != nil || len(cands) < 2 {
		return cands, err
	}

	req := &maps.DistanceMatrixRequest{
		Origins:      make([]string, len(cands)),
		Destinations: []string{latLng(origin)},
		Mode:         maps.TravelModeDriving,
	}
	for i, c := range cands {
		req.Origins[i] = latLng(c.Point)
	}
	resp, err := r.matrix.DistanceMatrix(ctx, req)
	if err != nil {
		r.log.WarnContext(ctx, "distance matrix failed, keeping straight-line order", "error", err)
		return cands, nil
	}
	if len(resp.Rows) != len(cands) {
		r.log.WarnContext(ctx, "distance matrix row mismatch", "rows", len(resp.Rows), "candidates", len(cands))
		return cands, nil
	}

	eta := make([]time.Duration, len(cands))
	for i, row := range resp.Rows {
		eta[i] = -1
		if len(row.Elements) > 0 && row.Elements[0].Status == "OK" {
			eta[i] = row.Elements[0].Duration
		}
	}
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := eta[idx[a]], eta[idx[b]]
		if ea < 0 || eb < 0 {
			return eb < 0 && ea >= 0
		}
		return ea < eb
	})
	out := make([]presence.Candidate, len(cands))
	for i, j := range idx {
		out[i] = cands[j]
	}
	return out, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}
