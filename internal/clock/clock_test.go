package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []string
	var firedAt []time.Time
	c.AfterFunc(20*time.Second, func() { order = append(order, "b"); firedAt = append(firedAt, c.Now()) })
	c.AfterFunc(10*time.Second, func() { order = append(order, "a"); firedAt = append(firedAt, c.Now()) })
	c.AfterFunc(time.Minute, func() { order = append(order, "late") })

	c.Advance(30 * time.Second)
	require.Equal(t, []string{"a", "b"}, order)
	require.Equal(t, start.Add(10*time.Second), firedAt[0])
	require.Equal(t, start.Add(20*time.Second), firedAt[1])
	require.Equal(t, start.Add(30*time.Second), c.Now())
	require.Equal(t, 1, c.Armed())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(time.Hour)
	require.False(t, fired)
	require.Zero(t, c.Armed())
}

func TestFake_CallbackMayScheduleWithinSameAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var hits int
	c.AfterFunc(time.Second, func() {
		hits++
		c.AfterFunc(time.Second, func() { hits++ })
	})

	c.Advance(5 * time.Second)
	require.Equal(t, 2, hits)
}
