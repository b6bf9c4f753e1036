package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_After(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(5 * time.Second)
	assert.Equal(t, 1, c.Waiters())

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_AfterZero(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration must fire immediately")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_Set(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ch := c.After(time.Minute)

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())
	require.Equal(t, 1, c.Waiters(), "moving backwards fires nothing")

	c.Set(start.Add(time.Hour))
	select {
	case <-ch:
	default:
		t.Fatal("jumping past the deadline must fire")
	}
}

func TestRealClock(t *testing.T) {
	c := NewRealClock()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("real clock never fired")
	}
}
