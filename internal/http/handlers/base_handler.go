// README: Base handler utilities (JSON helpers, caller lookup, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/http/middleware"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/gate"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/session"
	"relay/internal/types"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// isValidID accepts client and generated ids: up to 64 chars of [A-Za-z0-9_-].
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: code, Message: msg})
}

// pathID reads :id and rejects malformed values.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "bad_request", "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) (session.Actor, bool) {
	a, ok := middleware.Actor(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "unauthorized", "no authenticated caller")
	}
	return a, ok
}

type errMapping struct {
	err     error
	status  int
	code    string
	message string
}

// errorTable maps domain errors to transport errors. A lost claim race reads
// as "order no longer available" whichever way it was lost.
var errorTable = []errMapping{
	{order.ErrNotFound, http.StatusNotFound, "not_found", "order not found"},
	{order.ErrBadRequest, http.StatusBadRequest, "bad_request", ""},
	{presence.ErrBadRequest, http.StatusBadRequest, "bad_request", ""},
	{order.ErrForbidden, http.StatusForbidden, "forbidden", "not allowed"},
	{dispatch.ErrForbidden, http.StatusForbidden, "forbidden", "not allowed"},
	{presence.ErrForbidden, http.StatusForbidden, "forbidden", "not allowed"},
	{gate.ErrNotAssignedRider, http.StatusForbidden, "not_assigned_rider", "you are not the rider for this order"},
	{order.ErrAlreadyExists, http.StatusConflict, "already_exists", "order already exists"},
	{order.ErrCodesAlreadyIssued, http.StatusConflict, "codes_already_issued", "codes already issued"},
	{order.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "action not allowed in the current order state"},
	{order.ErrStaleWrite, http.StatusConflict, "stale_write", "order changed, refresh and retry"},
	{dispatch.ErrOfferExpired, http.StatusConflict, "offer_expired", "order no longer available"},
	{dispatch.ErrAlreadyAssigned, http.StatusConflict, "already_assigned", "order no longer available"},
	{dispatch.ErrOrderUnavailable, http.StatusConflict, "order_unavailable", "order no longer available"},
	{dispatch.ErrNoOffer, http.StatusConflict, "no_offer", "order no longer available"},
	{dispatch.ErrRiderBusy, http.StatusConflict, "rider_busy", "finish your current delivery first"},
	{dispatch.ErrOrderNotReady, http.StatusConflict, "order_not_ready", "order is not ready for pickup"},
	{dispatch.ErrNoRiderAvailable, http.StatusConflict, "no_rider_available", "no rider available"},
	{dispatch.ErrOfferElsewhere, http.StatusConflict, "offer_elsewhere", "order is being offered"},
	{gate.ErrInvalidCode, http.StatusUnprocessableEntity, "invalid_code", "incorrect code, try again"},
	{gate.ErrAlreadyConsumed, http.StatusConflict, "already_consumed", "code already used"},
	{gate.ErrCodeNotIssued, http.StatusConflict, "code_not_issued", "code not issued yet"},
}

func writeDomainError(c *gin.Context, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			msg := m.message
			if msg == "" {
				msg = err.Error()
			}
			writeError(c, m.status, m.code, msg)
			return
		}
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal", "internal error")
}
