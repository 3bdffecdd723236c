// Package mixer sums decoded peer streams into the output cadence and
// keeps the result inside [-1, 1] with a soft limiter.
package mixer

import (
	"math"
	"sync"

	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// One-pole release for the limiter gain, applied once per sample: a
	// time constant of roughly 80ms at the canonical rate.
	limiterRelease = 1 - 1.0/(0.080*frame.CanonicalSampleRate)
)

// Mixer combines per-peer frames at each output tick.
type Mixer struct {
	mu sync.RWMutex

	meter *metrics.Engine

	masterGain float64
	userGain   map[uint32]float64

	limiterGain float32
}

func New(meter *metrics.Engine) *Mixer {
	if meter == nil {
		meter = metrics.New()
	}
	return &Mixer{
		meter:       meter,
		masterGain:  1.0,
		userGain:    make(map[uint32]float64),
		limiterGain: 1.0,
	}
}

// SetMasterGain sets the output volume, clamped to [0, 2].
func (m *Mixer) SetMasterGain(gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masterGain = clampGain(gain)
}

// SetUserGain sets one peer's gain, clamped to [0, 2]. A gain of 1.0
// removes the override.
func (m *Mixer) SetUserGain(session uint32, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gain == 1.0 {
		delete(m.userGain, session)
		return
	}
	m.userGain[session] = clampGain(gain)
}

// DropUser forgets a peer's gain override, called on UserRemove.
func (m *Mixer) DropUser(session uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userGain, session)
}

// UserGain reports the effective gain for a session.
func (m *Mixer) UserGain(session uint32) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if gain, ok := m.userGain[session]; ok {
		return gain
	}
	return 1.0
}

// MixTick sums one tick of audio from each contributing peer into a fresh
// output frame. Short or nil input frames contribute silence for their
// missing tail.
func (m *Mixer) MixTick(inputs map[uint32]frame.PCMFrame) frame.PCMFrame {
	m.mu.RLock()
	masterGain := float32(m.masterGain)
	gains := make(map[uint32]float32, len(inputs))
	for session := range inputs {
		gain := float32(1.0)
		if override, ok := m.userGain[session]; ok {
			gain = float32(override)
		}
		gains[session] = gain
	}
	m.mu.RUnlock()

	out := make(frame.PCMFrame, frame.SamplesPerTick)
	for session, pcm := range inputs {
		gain := gains[session]
		n := len(pcm)
		if n > len(out) {
			n = len(out)
		}
		for i := 0; i < n; i++ {
			out[i] += pcm[i] * gain
		}
	}

	var nonFinite, clipped uint64
	for i, sample := range out {
		sample *= masterGain

		if math.IsNaN(float64(sample)) || math.IsInf(float64(sample), 0) {
			nonFinite++
			out[i] = 0
			continue
		}

		out[i] = m.limit(sample, &clipped)
	}

	if nonFinite > 0 {
		m.meter.MixerNonFiniteSamples.Add(nonFinite)
	}
	if clipped > 0 {
		m.meter.MixerClippedSamples.Add(clipped)
	}
	return out
}

// limit applies the single-pole soft limiter: the gain dips just enough to
// keep the current sample inside the rails, then releases back toward unity.
func (m *Mixer) limit(sample float32, clipped *uint64) float32 {
	limited := sample * m.limiterGain
	if abs32(limited) > 1.0 {
		*clipped++
		m.limiterGain = 1.0 / abs32(sample)
		limited = sample * m.limiterGain
	} else {
		m.limiterGain = m.limiterGain*limiterRelease + (1.0 - limiterRelease)
		if m.limiterGain > 1.0 {
			m.limiterGain = 1.0
		}
	}
	return limited
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clampGain(gain float64) float64 {
	if gain < 0 {
		return 0
	}
	if gain > 2 {
		return 2
	}
	return gain
}
