// README: Shared identifiers and geo value objects used across modules.
package types

import (
	"strings"

	"github.com/google/uuid"
)

// ID is an opaque identifier for orders, riders, restaurants and customers.
type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewID returns a random 32-char hex id.
func NewID() ID {
	return ID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (id ID) String() string { return string(id) }

// Ptr returns a pointer to a copy of id.
func (id ID) Ptr() *ID {
	v := id
	return &v
}
