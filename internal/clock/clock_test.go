package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var got []string
	c.AfterFunc(20*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(10*time.Second, func() { got = append(got, "a") })
	c.AfterFunc(40*time.Second, func() { got = append(got, "c") })

	c.Advance(30 * time.Second)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, time.Unix(30, 0), c.Now())
}

func TestFakeStopPreventsCallback(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		count++
		if count < 3 {
			c.AfterFunc(10*time.Second, arm)
		}
	}
	c.AfterFunc(10*time.Second, arm)

	c.Advance(time.Minute)
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, c.Pending())
}

func TestSleepCancelled(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, c, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(time.Second, time.Minute))
	assert.Equal(t, time.Minute, Backoff(45*time.Second, time.Minute))
}
