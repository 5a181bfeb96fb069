package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var order []string
	m.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	m.AfterFunc(100*time.Millisecond, func() { order = append(order, "b") })

	m.Advance(99 * time.Millisecond)
	assert.Empty(t, order)

	m.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, start.Add(1100*time.Millisecond), m.Now())
}

func TestManualChainedTimersFireWithinWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []time.Duration

	var arm func()
	arm = func() {
		m.AfterFunc(150*time.Millisecond, func() {
			fired = append(fired, m.Now().Sub(time.Unix(0, 0)))
			if len(fired) < 3 {
				arm()
			}
		})
	}
	arm()

	m.Advance(time.Second)
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 300 * time.Millisecond, 450 * time.Millisecond}, fired)
	assert.Zero(t, m.Pending())
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })

	require.Equal(t, 1, m.Pending())
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, called)
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}
