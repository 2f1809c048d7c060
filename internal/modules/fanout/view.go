// README: Snapshot payloads shared by push and poll; consumers overwrite, never merge.
package fanout

import (
	"encoding/json"
	"time"

	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/types"
)

type EventType string

const (
	TypeOrder            EventType = "order"
	TypeRider            EventType = "rider"
	TypeOffer            EventType = "offer"
	TypeNoRiderAvailable EventType = "no_rider_available"
)

func OrderTopic(id types.ID) string { return "order:" + string(id) }
func RiderTopic(id types.ID) string { return "rider:" + string(id) }

// OrderView is the full order state a subscriber renders.
type OrderView struct {
	OrderID                types.ID           `json:"order_id"`
	Status                 order.Status       `json:"status"`
	Version                int                `json:"version"`
	AssignedRider          *types.ID          `json:"assigned_rider"`
	SubstatusTimestamps    order.Substatus    `json:"substatus_timestamps"`
	LastKnownRiderPosition *presence.Position `json:"last_known_rider_position"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

type RiderView struct {
	RiderID       types.ID           `json:"rider_id"`
	Online        bool               `json:"online"`
	LastPosition  *presence.Position `json:"last_position"`
	ActiveOrderID *types.ID          `json:"active_order_id"`
}

// Envelope is one pushed frame.
type Envelope struct {
	Type  EventType       `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func newEnvelope(t EventType, topic string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Topic: topic, Data: data}, nil
}

func buildOrderView(o *order.Order, rider *presence.Presence) OrderView {
	v := OrderView{
		OrderID:             o.ID,
		Status:              o.Status,
		Version:             o.StatusVersion,
		AssignedRider:       o.RiderID,
		SubstatusTimestamps: o.Substatus,
		UpdatedAt:           o.UpdatedAt,
	}
	if rider != nil && rider.Position != nil {
		pos := *rider.Position
		v.LastKnownRiderPosition = &pos
	}
	return v
}

func buildRiderView(p *presence.Presence) RiderView {
	return RiderView{
		RiderID:       p.RiderID,
		Online:        p.Online,
		LastPosition:  p.Position,
		ActiveOrderID: p.ActiveOrderID,
	}
}
