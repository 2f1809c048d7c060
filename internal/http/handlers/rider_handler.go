// README: Rider handlers: OTP submissions, progress pings, availability and position.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/modules/fanout"
	"relay/internal/modules/gate"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/types"
)

type RiderHandler struct {
	gate     *gate.Service
	presence *presence.Service
	fanout   *fanout.Service
}

func NewRiderHandler(g *gate.Service, p *presence.Service, f *fanout.Service) *RiderHandler {
	return &RiderHandler{gate: g, presence: p, fanout: f}
}

type codeReq struct {
	Code string `json:"code" binding:"required"`
}

func (h *RiderHandler) Pickup(c *gin.Context)   { h.submit(c, h.gate.SubmitPickup) }
func (h *RiderHandler) Delivery(c *gin.Context) { h.submit(c, h.gate.SubmitDelivery) }

func (h *RiderHandler) ArrivedRestaurant(c *gin.Context) { h.ping(c, h.gate.ArrivedAtRestaurant) }
func (h *RiderHandler) ArrivedCustomer(c *gin.Context)   { h.ping(c, h.gate.ArrivedAtCustomer) }
func (h *RiderHandler) StartDelivery(c *gin.Context)     { h.ping(c, h.gate.StartDelivery) }

func (h *RiderHandler) submit(c *gin.Context, op func(context.Context, gate.CodeCommand) (*order.Order, error)) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req codeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "code is required")
		return
	}
	o, err := op(c.Request.Context(), gate.CodeCommand{OrderID: id, Actor: actor, Code: req.Code})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *RiderHandler) ping(c *gin.Context, op func(context.Context, gate.PingCommand) (*order.Order, error)) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := op(c.Request.Context(), gate.PingCommand{OrderID: id, Actor: actor})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

type onlineReq struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *RiderHandler) SetOnline(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "online is required")
		return
	}
	if _, err := h.presence.SetOnline(c.Request.Context(), actor, *req.Online); err != nil {
		writeDomainError(c, err)
		return
	}
	h.writeRider(c, actor.ID)
}

type positionReq struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Timestamp *time.Time `json:"timestamp"`
}

// Position answers 200 for throttled and stale reports as well; the verdict
// says whether the report was kept.
func (h *RiderHandler) Position(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	r := presence.Report{Point: types.Point{Lat: req.Lat, Lng: req.Lng}}
	if req.Timestamp != nil {
		r.At = *req.Timestamp
	}
	v, _, err := h.presence.ReportPosition(c.Request.Context(), actor, r)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	view, err := h.fanout.RiderView(c.Request.Context(), actor.ID)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"verdict": v, "rider": view})
}

func (h *RiderHandler) writeRider(c *gin.Context, id types.ID) {
	view, err := h.fanout.RiderView(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}
