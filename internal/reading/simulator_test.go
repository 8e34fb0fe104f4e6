package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_Deterministic(t *testing.T) {
	p := DefaultProfile()
	p.Seed = 42

	a := NewSimulator(p)
	b := NewSimulator(p)

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		now = now.Add(p.SampleEvery)
		sa := a.Step(now)
		sb := b.Step(now)
		assert.Equal(t, sa, sb, "same seed must produce the same stream")
	}
}

func TestSimulator_StaysNearBaseline(t *testing.T) {
	p := DefaultProfile()
	sim := NewSimulator(p)

	now := time.Now()
	for i := 0; i < 200; i++ {
		now = now.Add(p.SampleEvery)
		s := sim.Step(now)
		assert.InDelta(t, p.BaselineSpO2, s.SpO2, float64(p.JitterSpO2))
		assert.InDelta(t, p.BaselineHR, s.HeartRate, float64(p.JitterHR))
		assert.LessOrEqual(t, s.SpO2, 100)
		assert.Equal(t, now, s.Timestamp)
	}
}

func TestSimulator_ScriptedSpO2(t *testing.T) {
	p := DefaultProfile()
	p.ScriptedSpO2 = map[int]int{3: 70, 4: 71}
	sim := NewSimulator(p)

	now := time.Now()
	var got []int
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		got = append(got, sim.Step(now).SpO2)
	}
	assert.Equal(t, 70, got[2], "tick 3 forced low")
	assert.Equal(t, 71, got[3], "tick 4 forced low")
	assert.Greater(t, got[4], 90, "script releases after the listed ticks")
}

func TestSimulator_InvalidEvery(t *testing.T) {
	p := DefaultProfile()
	p.InvalidEvery = 4
	sim := NewSimulator(p)

	now := time.Now()
	var invalid int
	for i := 1; i <= 12; i++ {
		now = now.Add(time.Second)
		s := sim.Step(now)
		if s.SpO2 == 0 && s.HeartRate == 0 {
			invalid++
			assert.Equal(t, 0, i%4, "glitches land on every 4th tick")
		}
	}
	assert.Equal(t, 3, invalid)
}

func TestSimulator_DeliversToHandlers(t *testing.T) {
	sim := NewSimulator(DefaultProfile())

	var delivered []Sample
	sim.OnReading(func(s Sample) { delivered = append(delivered, s) })

	now := time.Now()
	sim.Step(now)
	sim.Step(now.Add(time.Second))

	require.Len(t, delivered, 2)
	assert.Equal(t, now, delivered[0].Timestamp)
}
