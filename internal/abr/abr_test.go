package abr

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestEstimator_firstSampleSeedsAverage(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	e := NewEstimator(clk.now)

	e.StartTimer()
	clk.advance(2 * time.Second)
	avg, ok := e.Sample(1000)

	require.True(t, ok)
	assert.Equal(t, 500.0, avg)
}

func TestEstimator_converges(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	e := NewEstimator(clk.now)

	e.StartTimer()
	clk.advance(time.Second)
	_, ok := e.Sample(10_000)
	require.True(t, ok)

	var avg float64
	for i := 0; i < 200; i++ {
		e.StartTimer()
		clk.advance(time.Second)
		avg, ok = e.Sample(2_000)
		require.True(t, ok)
	}
	assert.InDelta(t, 2_000, avg, 1e-6)
}

func TestEstimator_blendsWithWeight(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	e := NewEstimator(clk.now)

	e.StartTimer()
	clk.advance(time.Second)
	e.Sample(1000)

	e.StartTimer()
	clk.advance(time.Second)
	avg, ok := e.Sample(2000)
	require.True(t, ok)
	assert.InDelta(t, 1000+1000*Smoothing, avg, 1e-9)
}

func TestEstimator_noTimerGuard(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	e := NewEstimator(clk.now)

	_, ok := e.Sample(1000)
	assert.False(t, ok)
	_, seeded := e.Average()
	assert.False(t, seeded)

	e.StartTimer()
	clk.advance(time.Second)
	first, ok := e.Sample(1000)
	require.True(t, ok)

	// the timer is consumed by the first sample
	_, ok = e.Sample(99999)
	assert.False(t, ok)
	avg, _ := e.Average()
	assert.Equal(t, first, avg)
}

func TestEstimator_nonPositiveElapsed(t *testing.T) {
	clk := &fakeClock{t: time.Unix(50, 0)}
	e := NewEstimator(clk.now)

	e.StartTimer()
	_, ok := e.Sample(1000)
	assert.False(t, ok)

	e.StartTimer()
	clk.advance(-time.Second)
	_, ok = e.Sample(1000)
	assert.False(t, ok)

	_, seeded := e.Average()
	assert.False(t, seeded)
}

func TestSelectLevel_examples(t *testing.T) {
	ladder := []uint64{0, 500_000, 1_000_000, 2_000_000}

	assert.Equal(t, 1, SelectLevel(900_000, ladder))
	assert.Equal(t, 3, SelectLevel(2_500_000, ladder))
	assert.Equal(t, 1, SelectLevel(1_000_000, ladder), "ties do not advance")
	assert.Equal(t, 2, SelectLevel(1_000_001, ladder))
	assert.Equal(t, 1, SelectLevel(0, ladder))
}

func TestSelectLevel_bounds(t *testing.T) {
	ladder := []uint64{0, 100, 200, 400, 800}
	for _, est := range []float64{-1, 0, 50, 150, 399, 401, 1e12, math.Inf(1)} {
		lvl := SelectLevel(est, ladder)
		assert.GreaterOrEqual(t, lvl, 1)
		assert.LessOrEqual(t, lvl, len(ladder)-1)
	}
	assert.Equal(t, 0, SelectLevel(1e9, []uint64{0}))
	assert.Equal(t, 1, SelectLevel(1e9, []uint64{0, 10}))
}

func TestSelectLevel_monotone(t *testing.T) {
	ladder := []uint64{0, 300_000, 750_000, 1_500_000, 3_000_000, 6_000_000}
	prev := 0
	for est := 0.0; est < 8_000_000; est += 25_000 {
		lvl := SelectLevel(est, ladder)
		assert.GreaterOrEqual(t, lvl, prev, "estimate %v", est)
		prev = lvl
	}
}

func TestSelectPlayableLevel_skipsRejectedLevels(t *testing.T) {
	ladder := []uint64{0, 500_000, 1_000_000, 2_000_000}
	not2 := func(level int) bool { return level != 2 }

	assert.Equal(t, 3, SelectPlayableLevel(1_500_000, ladder, not2))
	assert.Equal(t, 1, SelectPlayableLevel(900_000, ladder, not2))
	assert.Equal(t, 3, SelectPlayableLevel(0, ladder, func(level int) bool { return level == 3 }))
	assert.Equal(t, 0, SelectPlayableLevel(1e9, ladder, func(int) bool { return false }))
}
