// README: Dispatch handlers: open an offer, claim, decline, and the rider's pending offer.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/modules/dispatch"
)

type DispatchHandler struct {
	dispatch *dispatch.Service
}

func NewDispatchHandler(svc *dispatch.Service) *DispatchHandler {
	return &DispatchHandler{dispatch: svc}
}

func (h *DispatchHandler) Offer(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	off, err := h.dispatch.Offer(c.Request.Context(), id, actor)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, off)
}

func (h *DispatchHandler) Claim(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	o, err := h.dispatch.Claim(c.Request.Context(), dispatch.ClaimCommand{OrderID: id, Actor: actor})
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toOrderResponse(o))
}

func (h *DispatchHandler) Decline(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.dispatch.Decline(c.Request.Context(), dispatch.DeclineCommand{OrderID: id, Actor: actor}); err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MyOffer lets a reconnecting rider recover an offer it missed on the stream.
func (h *DispatchHandler) MyOffer(c *gin.Context) {
	actor, ok := caller(c)
	if !ok {
		return
	}
	off, ok := h.dispatch.PendingOffer(c.Request.Context(), actor.ID)
	if !ok {
		writeError(c, http.StatusNotFound, "no_offer", "no open offer")
		return
	}
	writeJSON(c, http.StatusOK, off)
}
