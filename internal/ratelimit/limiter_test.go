package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLimiter_AdmitsUpToThreshold(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{Window: time.Minute, Limit: 100, Now: clk.Now})

	for i := 0; i < 100; i++ {
		require.Truef(t, l.Allow("U1"), "call %d should be admitted", i+1)
		clk.Advance(100 * time.Millisecond)
	}
	assert.False(t, l.Allow("U1"), "101st call inside the window must be rejected")
	assert.Equal(t, 0, l.Remaining("U1"))
}

func TestLimiter_RejectedAttemptNotRecorded(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{Window: 10 * time.Second, Limit: 2, Now: clk.Now})

	require.True(t, l.Allow("U1"))
	clk.Advance(time.Second)
	require.True(t, l.Allow("U1"))

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		require.False(t, l.Allow("U1"))
	}

	// 10s after the first admitted call only that one has expired.
	clk.Advance(4 * time.Second)
	assert.True(t, l.Allow("U1"))
	assert.False(t, l.Allow("U1"))
}

func TestLimiter_AcceptsAgainAfterWindow(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{Window: time.Minute, Limit: 3, Now: clk.Now})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("U1"))
	}
	require.False(t, l.Allow("U1"))

	clk.Advance(time.Minute)
	assert.True(t, l.Allow("U1"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Config{Window: time.Minute, Limit: 1})

	assert.True(t, l.Allow("U1"))
	assert.False(t, l.Allow("U1"))
	assert.True(t, l.Allow("U2"))
}

func TestLimiter_RollingWindowNeverExceedsThreshold(t *testing.T) {
	clk := newFakeClock()
	const limit = 5
	window := 10 * time.Second
	l := New(Config{Window: window, Limit: limit, Now: clk.Now})

	var admitted []time.Time
	for i := 0; i < 200; i++ {
		if l.Allow("U1") {
			admitted = append(admitted, clk.Now())
		}
		clk.Advance(700 * time.Millisecond)
	}

	for i := range admitted {
		count := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < window; j++ {
			count++
		}
		require.LessOrEqualf(t, count, limit, "window starting at %v", admitted[i])
	}
}

func TestLimiter_SweepEvictsIdleKeys(t *testing.T) {
	clk := newFakeClock()
	l := New(Config{Window: time.Minute, Limit: 10, Now: clk.Now})

	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("U%08d", i))
	}
	clk.Advance(30 * time.Second)
	l.Allow("UACTIVE01")
	require.Equal(t, 51, l.Len())

	clk.Advance(31 * time.Second)
	assert.Equal(t, 50, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, defaultWindow, l.window)
	assert.Equal(t, defaultLimit, l.limit)
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l := New(Config{Window: 10 * time.Millisecond, Limit: 1})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.Allow("U1")
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := New(Config{Window: time.Minute, Limit: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("U1") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, admitted)
}
