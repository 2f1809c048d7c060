// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"relay/internal/http/handlers"
	"relay/internal/http/middleware"
	"relay/internal/modules/dispatch"
	"relay/internal/modules/fanout"
	"relay/internal/modules/gate"
	"relay/internal/modules/order"
	"relay/internal/modules/presence"
	"relay/internal/session"
)

type RouterDeps struct {
	Orders   *order.Service
	Dispatch *dispatch.Service
	Gate     *gate.Service
	Presence *presence.Service
	Fanout   *fanout.Service
	Sessions *session.Registry
	// Auth resolves the caller; middleware.Auth or middleware.HeaderAuth.
	Auth   gin.HandlerFunc
	Logger *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Logger), middleware.Logging(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": deps.Sessions.Count()})
	})

	api := r.Group("/api", deps.Auth)

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Dispatch)
	api.POST("/orders", orderHandler.Create)
	api.POST("/orders/:id/codes", orderHandler.AttachCodes)
	api.POST("/orders/:id/accept", orderHandler.Accept)
	api.POST("/orders/:id/reject", orderHandler.Reject)
	api.POST("/orders/:id/prepare", orderHandler.Prepare)
	api.POST("/orders/:id/ready", orderHandler.Ready)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)

	dispatchHandler := handlers.NewDispatchHandler(deps.Dispatch)
	api.POST("/orders/:id/offer", dispatchHandler.Offer)
	api.POST("/orders/:id/claim", dispatchHandler.Claim)
	api.POST("/orders/:id/decline", dispatchHandler.Decline)
	api.GET("/riders/me/offer", dispatchHandler.MyOffer)

	riderHandler := handlers.NewRiderHandler(deps.Gate, deps.Presence, deps.Fanout)
	api.POST("/orders/:id/pickup", riderHandler.Pickup)
	api.POST("/orders/:id/delivery", riderHandler.Delivery)
	api.POST("/orders/:id/arrived-restaurant", riderHandler.ArrivedRestaurant)
	api.POST("/orders/:id/arrived-customer", riderHandler.ArrivedCustomer)
	api.POST("/orders/:id/start-delivery", riderHandler.StartDelivery)
	api.PUT("/riders/me/online", riderHandler.SetOnline)
	api.PUT("/riders/me/position", riderHandler.Position)

	syncHandler := handlers.NewSyncHandler(deps.Orders, deps.Dispatch, deps.Fanout)
	poll := api.Group("", gzip.Gzip(gzip.DefaultCompression))
	poll.GET("/orders/:id", syncHandler.PollOrder)
	poll.GET("/orders/:id/history", orderHandler.History)
	poll.GET("/riders/:id", syncHandler.PollRider)
	api.GET("/stream/orders/:id", syncHandler.StreamOrder)
	api.GET("/stream/riders/:id", syncHandler.StreamRider)

	return r
}
