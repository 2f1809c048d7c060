// README: Offer push to rider devices over FCM topics, plus a notifier combinator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"

	"relay/internal/modules/dispatch"
	"relay/internal/types"
)

// Sender is the part of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// RiderTopic is the FCM topic a rider's devices subscribe to.
func RiderTopic(id types.ID) string { return "rider_" + string(id) }

// FCMNotifier pushes every newly opened offer to the candidate's devices.
// Other offer states reach the rider through the fanout stream only.
type FCMNotifier struct {
	sender Sender
	log    *slog.Logger
}

func NewFCMNotifier(sender Sender, log *slog.Logger) *FCMNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &FCMNotifier{sender: sender, log: log.With("component", "fcm")}
}

func (n *FCMNotifier) OfferChanged(ctx context.Context, o dispatch.Offer) {
	if o.State != dispatch.OfferOpen {
		return
	}
	msg := &messaging.Message{
		Topic: RiderTopic(o.RiderID),
		Data: map[string]string{
			"type":       "new_offer",
			"offer_id":   string(o.ID),
			"order_id":   string(o.OrderID),
			"round":      strconv.Itoa(o.Round),
			"expires_at": o.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New delivery offer",
			Body:  fmt.Sprintf("Claim within %s", o.ExpiresAt.Sub(o.CreatedAt).Round(time.Second)),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	id, err := n.sender.Send(ctx, msg)
	if err != nil {
		n.log.WarnContext(ctx, "push offer", "order_id", o.OrderID, "rider_id", o.RiderID, "error", err)
		return
	}
	n.log.DebugContext(ctx, "offer pushed", "order_id", o.OrderID, "rider_id", o.RiderID, "message_id", id)
}

func (n *FCMNotifier) NoRiderAvailable(context.Context, types.ID) {}

// Multi forwards every call to each notifier in order.
type Multi []dispatch.Notifier

func (m Multi) OfferChanged(ctx context.Context, o dispatch.Offer) {
	for _, n := range m {
		n.OfferChanged(ctx, o)
	}
}

func (m Multi) NoRiderAvailable(ctx context.Context, orderID types.ID) {
	for _, n := range m {
		n.NoRiderAvailable(ctx, orderID)
	}
}
