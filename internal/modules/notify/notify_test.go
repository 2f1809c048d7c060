package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/modules/dispatch"
	"relay/internal/types"
)

type fakeSender struct {
	sent []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg *messaging.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "projects/p/messages/1", nil
}

func offer(state dispatch.OfferState) dispatch.Offer {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return dispatch.Offer{ID: "off1", OrderID: "o1", RiderID: "r1", Round: 2, CreatedAt: now, ExpiresAt: now.Add(30 * time.Second), State: state}
}

func TestFCMPushesOpenOffers(t *testing.T) {
	s := &fakeSender{}
	n := NewFCMNotifier(s, nil)

	n.OfferChanged(context.Background(), offer(dispatch.OfferOpen))
	require.Len(t, s.sent, 1)
	msg := s.sent[0]
	assert.Equal(t, "rider_r1", msg.Topic)
	assert.Equal(t, "new_offer", msg.Data["type"])
	assert.Equal(t, "o1", msg.Data["order_id"])
	assert.Equal(t, "2", msg.Data["round"])
	assert.Equal(t, "2024-05-01T12:00:30Z", msg.Data["expires_at"])
	assert.Equal(t, "Claim within 30s", msg.Notification.Body)
}

func TestFCMIgnoresClosedOffers(t *testing.T) {
	s := &fakeSender{}
	n := NewFCMNotifier(s, nil)
	for _, st := range []dispatch.OfferState{dispatch.OfferAccepted, dispatch.OfferExpired, dispatch.OfferWithdrawn} {
		n.OfferChanged(context.Background(), offer(st))
	}
	assert.Empty(t, s.sent)
}

func TestFCMSendFailureIsSwallowed(t *testing.T) {
	n := NewFCMNotifier(&fakeSender{err: errors.New("unavailable")}, nil)
	assert.NotPanics(t, func() { n.OfferChanged(context.Background(), offer(dispatch.OfferOpen)) })
}

type countingNotifier struct {
	offers  int
	noRider []types.ID
}

func (c *countingNotifier) OfferChanged(context.Context, dispatch.Offer) { c.offers++ }
func (c *countingNotifier) NoRiderAvailable(_ context.Context, id types.ID) {
	c.noRider = append(c.noRider, id)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	m := Multi{a, b}
	m.OfferChanged(context.Background(), offer(dispatch.OfferOpen))
	m.NoRiderAvailable(context.Background(), "o9")
	assert.Equal(t, 1, a.offers)
	assert.Equal(t, 1, b.offers)
	assert.Equal(t, []types.ID{"o9"}, b.noRider)
}
