// README: Sync handlers; poll reads and SSE push streams share one snapshot builder.
package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/modules/dispatch"
	"relay/internal/modules/fanout"
	"relay/internal/modules/order"
	"relay/internal/session"
	"relay/internal/types"
)

const heartbeatEvery = 15 * time.Second

type SyncHandler struct {
	orders   *order.Service
	dispatch *dispatch.Service
	fanout   *fanout.Service
}

func NewSyncHandler(orders *order.Service, d *dispatch.Service, f *fanout.Service) *SyncHandler {
	return &SyncHandler{orders: orders, dispatch: d, fanout: f}
}

func (h *SyncHandler) PollOrder(c *gin.Context) {
	id, ok := h.authorizeOrder(c)
	if !ok {
		return
	}
	v, err := h.fanout.OrderView(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (h *SyncHandler) PollRider(c *gin.Context) {
	id, ok := h.authorizeRider(c)
	if !ok {
		return
	}
	v, err := h.fanout.RiderView(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (h *SyncHandler) StreamOrder(c *gin.Context) {
	id, ok := h.authorizeOrder(c)
	if !ok {
		return
	}
	h.stream(c, fanout.TypeOrder, id, fanout.OrderTopic(id))
}

func (h *SyncHandler) StreamRider(c *gin.Context) {
	id, ok := h.authorizeRider(c)
	if !ok {
		return
	}
	h.stream(c, fanout.TypeRider, id, fanout.RiderTopic(id))
}

// stream subscribes before reading the snapshot so no change in between is
// lost; a duplicate frame is harmless because every frame is a full state.
// The event name carries the frame type and the data is the same view the
// poll endpoints return.
func (h *SyncHandler) stream(c *gin.Context, t fanout.EventType, id types.ID, topic string) {
	sub := h.fanout.Subscribe(topic)
	defer sub.Close()

	first, err := h.fanout.Snapshot(c.Request.Context(), t, id)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(first.Type), first.Data)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e.Data)
			return true
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		}
	})
}

func (h *SyncHandler) authorizeOrder(c *gin.Context) (types.ID, bool) {
	actor, ok := caller(c)
	if !ok {
		return "", false
	}
	id, ok := pathID(c)
	if !ok {
		return "", false
	}
	o, err := h.orders.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, err)
		return "", false
	}
	if !canView(actor, o) && !h.offeredTo(c.Request.Context(), actor, id) {
		writeDomainError(c, order.ErrForbidden)
		return "", false
	}
	return id, true
}

func (h *SyncHandler) offeredTo(ctx context.Context, actor session.Actor, orderID types.ID) bool {
	if !actor.Is(session.RoleRider) {
		return false
	}
	off, ok := h.dispatch.PendingOffer(ctx, actor.ID)
	return ok && off.OrderID == orderID
}

// authorizeRider admits the rider and system actors. Customers see the
// rider position through the order view.
func (h *SyncHandler) authorizeRider(c *gin.Context) (types.ID, bool) {
	actor, ok := caller(c)
	if !ok {
		return "", false
	}
	raw := c.Param("id")
	if raw == "me" {
		raw = string(actor.ID)
	}
	if !isValidID(raw) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return "", false
	}
	id := types.ID(raw)
	if !actor.Is(session.RoleSystem) && !(actor.Is(session.RoleRider) && actor.ID == id) {
		writeDomainError(c, order.ErrForbidden)
		return "", false
	}
	return id, true
}
