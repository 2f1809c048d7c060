// README: In-process presence store; one lock covers every rider record.
package presence

import (
	"context"
	"sync"
	"time"

	"relay/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	riders map[types.ID]*Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{riders: make(map[types.ID]*Presence)}
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.riders[id]
	if !ok {
		return &Presence{RiderID: id}, nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SetOnline(_ context.Context, id types.ID, online bool) (*Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.recordLocked(id)
	p.Online = online
	return p.Clone(), nil
}

func (s *MemoryStore) ApplyPosition(_ context.Context, id types.ID, pos Position, minInterval time.Duration) (Verdict, *Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.recordLocked(id)
	v := Judge(p.Position, pos.At, minInterval)
	if v == VerdictAccepted {
		c := pos
		p.Position = &c
	}
	return v, p.Clone(), nil
}

func (s *MemoryStore) Reserve(_ context.Context, id, orderID types.ID) (types.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.recordLocked(id)
	if p.ActiveOrderID != nil && *p.ActiveOrderID != orderID {
		return *p.ActiveOrderID, false, nil
	}
	p.ActiveOrderID = orderID.Ptr()
	return orderID, true, nil
}

func (s *MemoryStore) Release(_ context.Context, id, orderID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.riders[id]
	if !ok || p.ActiveOrderID == nil || *p.ActiveOrderID != orderID {
		return false, nil
	}
	p.ActiveOrderID = nil
	return true, nil
}

func (s *MemoryStore) Nearby(_ context.Context, origin types.Point, radiusKm float64, limit int) ([]Candidate, error) {
	s.mu.Lock()
	var out []Candidate
	for id, p := range s.riders {
		if !p.Online || p.Position == nil {
			continue
		}
		d := DistanceKm(origin, p.Position.Point)
		if d <= radiusKm {
			out = append(out, Candidate{RiderID: id, Point: p.Position.Point, DistanceKm: d})
		}
	}
	s.mu.Unlock()

	nearestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) recordLocked(id types.ID) *Presence {
	p, ok := s.riders[id]
	if !ok {
		p = &Presence{RiderID: id}
		s.riders[id] = p
	}
	return p
}
