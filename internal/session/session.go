// README: Authenticated actor and connection-scoped session registry.
package session

import (
	"sync"
	"time"

	"relay/internal/types"
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleRider      Role = "rider"
	RoleSystem     Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleRestaurant, RoleRider, RoleSystem:
		return true
	}
	return false
}

// Actor is the authenticated caller supplied by the session/auth collaborator.
type Actor struct {
	ID   types.ID
	Role Role
}

func (a Actor) Is(role Role) bool { return a.Role == role }

// System is the actor used for engine-initiated writes (timers, sweeps).
var System = Actor{ID: "system", Role: RoleSystem}

type Session struct {
	ID        string
	Actor     Actor
	CreatedAt time.Time
}

// Registry tracks live sessions. A session is opened on connect and closed
// on disconnect or logout.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), now: time.Now}
}

func (r *Registry) Open(a Actor) *Session {
	s := &Session{ID: string(types.NewID()), Actor: a, CreatedAt: r.now()}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Close(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountFor returns the number of live sessions held by actor id.
func (r *Registry) CountFor(id types.ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Actor.ID == id {
			n++
		}
	}
	return n
}
