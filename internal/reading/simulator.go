package reading

import (
	"context"
	"math/rand"
	"time"
)

// Profile shapes the simulated physiology.
type Profile struct {
	BaselineSpO2 int
	BaselineHR   int
	JitterSpO2   int // max +/- wobble per sample
	JitterHR     int
	Seed         int64
	SampleEvery  time.Duration
	ScriptedSpO2 map[int]int // tick index -> forced SpO2 value
	InvalidEvery int         // every Nth sample reports implausible values (0 = never)
}

// DefaultProfile simulates a healthy resting subject at 1 Hz.
func DefaultProfile() Profile {
	return Profile{
		BaselineSpO2: 96,
		BaselineHR:   68,
		JitterSpO2:   2,
		JitterHR:     6,
		Seed:         1,
		SampleEvery:  time.Second,
	}
}

// Simulator is a deterministic Source: the same profile and seed always
// produce the same sample stream. Tests drive it tick by tick with Step;
// the CLI runs it on a ticker with Run.
type Simulator struct {
	profile  Profile
	rng      *rand.Rand
	handlers []func(Sample)
	tick     int
	running  bool
}

// NewSimulator creates a simulator for the given profile.
func NewSimulator(p Profile) *Simulator {
	if p.SampleEvery <= 0 {
		p.SampleEvery = time.Second
	}
	return &Simulator{
		profile: p,
		rng:     rand.New(rand.NewSource(p.Seed)),
	}
}

func (s *Simulator) OnReading(fn func(Sample)) {
	s.handlers = append(s.handlers, fn)
}

func (s *Simulator) IsConnected() bool { return s.running }

// Step generates and delivers exactly one sample stamped with the given
// time, returning it for assertions.
func (s *Simulator) Step(now time.Time) Sample {
	sample := s.next(now)
	for _, fn := range s.handlers {
		fn(sample)
	}
	return sample
}

// Run delivers samples on the profile cadence until the context ends.
func (s *Simulator) Run(ctx context.Context) {
	s.running = true
	defer func() { s.running = false }()

	ticker := time.NewTicker(s.profile.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

func (s *Simulator) next(now time.Time) Sample {
	s.tick++

	if s.profile.InvalidEvery > 0 && s.tick%s.profile.InvalidEvery == 0 {
		// Sensor glitch: values outside physiological bounds.
		return Sample{Timestamp: now, SpO2: 0, HeartRate: 0}
	}

	spo2 := s.profile.BaselineSpO2
	if s.profile.JitterSpO2 > 0 {
		spo2 += s.rng.Intn(2*s.profile.JitterSpO2+1) - s.profile.JitterSpO2
	}
	if forced, ok := s.profile.ScriptedSpO2[s.tick]; ok {
		spo2 = forced
	}
	if spo2 > 100 {
		spo2 = 100
	}

	hr := s.profile.BaselineHR
	if s.profile.JitterHR > 0 {
		hr += s.rng.Intn(2*s.profile.JitterHR+1) - s.profile.JitterHR
	}

	return Sample{Timestamp: now, SpO2: spo2, HeartRate: hr}
}
