// README: Order handlers for placement, codes, restaurant transitions, cancel and history.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/modules/dispatch"
	"relay/internal/modules/order"
	"relay/internal/session"
	"relay/internal/types"
)

type OrderHandler struct {
	orders   *order.Service
	dispatch *dispatch.Service
}

func NewOrderHandler(orders *order.Service, dispatch *dispatch.Service) *OrderHandler {
	return &OrderHandler{orders: orders, dispatch: dispatch}
}

type orderResponse struct {
	OrderID       types.ID        `json:"order_id"`
	CustomerID    types.ID        `json:"customer_id"`
	RestaurantID  types.ID        `json:"restaurant_id"`
	Status        order.Status    `json:"status"`
	Version       int             `json:"version"`
	AssignedRider *types.ID       `json:"assigned_rider"`
	Substatus     order.Substatus `json:"substatus_timestamps"`
	CodesIssued   bool            `json:"codes_issued"`
	CancelReason  *string         `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toOrderResponse(o *order.Order) orderResponse {
	return orderResponse{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		RestaurantID:  o.RestaurantID,
		Status:        o.Status,
		Version:       o.StatusVersion,
		AssignedRider: o.RiderID,
		Substatus:     o.Substatus,
		CodesIssued:   o.CodesIssued(),
		CancelReason:  o.CancelReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

type createOrderReq struct {
	OrderID      string      `json:"order_id"`
	CustomerID   string      `json:"customer_id"`
	RestaurantID string      `json:"restaurant_id"`
	Restaurant   types.Point `json:"restaurant"`
	Customer     types.Point `json:"customer"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if req.OrderID != "" && !isValidID(req.OrderID) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid order_id")
		return
	}
	o, err := h.orders.Create(c.Request.Context(), actor, order.CreateCommand{
		ID:           types.ID(req.OrderID),
		CustomerID:   types.ID(req.CustomerID),
		RestaurantID: types.ID(req.RestaurantID),
		Restaurant:   req.Restaurant,
		Customer:     req.Customer,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toOrderResponse(o))
}

type attachCodesReq struct {
	PickupCode   string `json:"pickup_code"`
	DeliveryCode string `json:"delivery_code"`
}

// AttachCodes receives the OTPs from the issuance collaborator.
func (h *OrderHandler) AttachCodes(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req attachCodesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	o, err := h.orders.AttachCodes(c.Request.Context(), actor, order.AttachCodesCommand{
		OrderID:      id,
		PickupCode:   req.PickupCode,
		DeliveryCode: req.DeliveryCode,
	})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *OrderHandler) Accept(c *gin.Context)  { h.restaurant(c, h.orders.Accept) }
func (h *OrderHandler) Reject(c *gin.Context)  { h.restaurant(c, h.orders.Reject) }
func (h *OrderHandler) Prepare(c *gin.Context) { h.restaurant(c, h.orders.StartPreparing) }

// Ready marks the order READY and starts dispatch right away; if nobody is
// available the sweep job retries later.
func (h *OrderHandler) Ready(c *gin.Context) {
	o, ok := h.restaurantMove(c, h.orders.MarkReady)
	if !ok {
		return
	}
	if _, err := h.dispatch.Offer(c.Request.Context(), o.ID, session.System); err != nil && !errors.Is(err, dispatch.ErrNoRiderAvailable) {
		_ = c.Error(err)
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type restaurantMove func(ctx context.Context, cmd order.RestaurantCommand) (*order.Order, error)

func (h *OrderHandler) restaurant(c *gin.Context, move restaurantMove) {
	if o, ok := h.restaurantMove(c, move); ok {
		writeJSON(c, http.StatusOK, toOrderResponse(o))
	}
}

func (h *OrderHandler) restaurantMove(c *gin.Context, move restaurantMove) (*order.Order, bool) {
	actor, ok := caller(c)
	if !ok {
		return nil, false
	}
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	o, err := move(c.Request.Context(), order.RestaurantCommand{OrderID: id, Actor: actor})
	if err != nil {
		writeDomainError(c, err)
		return nil, false
	}
	return o, true
}

type cancelReq struct {
	Reason string `json:"reason"`
}

// Cancel goes through dispatch so an open offer is withdrawn and the rider
// freed together with the ledger write.
func (h *OrderHandler) Cancel(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
			return
		}
	}
	o, err := h.dispatch.Cancel(c.Request.Context(), order.CancelCommand{OrderID: id, Actor: actor, Reason: req.Reason})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type eventResponse struct {
	ID         int64        `json:"id"`
	Kind       string       `json:"kind"`
	FromStatus order.Status `json:"from_status"`
	ToStatus   order.Status `json:"to_status"`
	ActorRole  string       `json:"actor_role"`
	ActorID    types.ID     `json:"actor_id"`
	Version    int          `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (h *OrderHandler) History(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.orders.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if !canView(actor, o) {
		writeDomainError(c, order.ErrForbidden)
		return
	}
	events, err := h.orders.History(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:         e.ID,
			Kind:       string(e.Kind),
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			ActorRole:  string(e.ActorRole),
			ActorID:    e.ActorID,
			Version:    e.Version,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "events": out})
}

// canView reports whether actor is a party to o.
func canView(actor session.Actor, o *order.Order) bool {
	switch actor.Role {
	case session.RoleSystem:
		return true
	case session.RoleCustomer:
		return o.CustomerID == actor.ID
	case session.RoleRestaurant:
		return o.RestaurantID == actor.ID
	case session.RoleRider:
		return o.AssignedTo(actor.ID)
	}
	return false
}
