// Package vad holds the transmit gate: energy-based voice activity
// detection with hysteresis, or push-to-talk edges when PTT is enabled.
package vad

import (
	"math"
	"sync"
	"time"

	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// Hysteresis: RMS must stay above the open threshold this long before
	// the gate opens, and below the close threshold this long before it
	// shuts.
	openHold  = 30 * time.Millisecond
	closeHold = 200 * time.Millisecond

	// Trailing window feeding the noise-floor calibration.
	noiseFloorWindow = 400 * time.Millisecond

	// The open threshold sits this factor above the calibrated floor; the
	// close threshold is a fraction of the open one.
	openFloorFactor  = 3.0
	closeRatio       = 0.7
	minOpenThreshold = 0.015
)

// Mode selects how the gate is driven.
type Mode int

const (
	ModeContinuous Mode = iota
	ModePushToTalk
)

// Decision is the gate's verdict for one frame.
type Decision struct {
	// Open reports whether the frame should be encoded and sent.
	Open bool
	// Edge reports that Open changed with this frame.
	Edge bool
	// Level is the frame RMS in dBFS, for the local speaking meter.
	Level float64
}

// Gate applies VAD or PTT gating to capture frames. Methods are safe to
// call from the hotkey goroutine while ProcessFrame runs on the encode
// loop.
type Gate struct {
	mu sync.Mutex

	mode  Mode
	muted bool

	// PTT state, driven by hotkey edges.
	pttPressed bool

	// VAD state.
	openThreshold  float64
	closeThreshold float64
	aboveSince     time.Duration
	belowSince     time.Duration

	// Trailing noise floor, an exponential average of quiet-frame RMS.
	noiseFloor float64

	open bool
}

func NewGate(mode Mode) *Gate {
	return &Gate{
		mode:           mode,
		openThreshold:  minOpenThreshold,
		closeThreshold: minOpenThreshold * closeRatio,
		noiseFloor:     0.002,
	}
}

// SetMode switches between continuous (VAD) and push-to-talk gating.
// Switching modes closes the gate; the next frame re-evaluates.
func (g *Gate) SetMode(mode Mode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
	g.open = false
	g.aboveSince = 0
	g.belowSince = 0
}

// SetMuted forces the gate closed while true.
func (g *Gate) SetMuted(muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.muted = muted
}

// PressEdge and ReleaseEdge deliver PTT transitions from the hotkey
// service. They are ignored in continuous mode.
func (g *Gate) PressEdge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pttPressed = true
}

func (g *Gate) ReleaseEdge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pttPressed = false
}

// ProcessFrame evaluates one capture frame and returns the gate decision.
// frameDuration is the wall-clock span of the frame, normally one tick.
func (g *Gate) ProcessFrame(pcm frame.PCMFrame, frameDuration time.Duration) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	rms := rmsOf(pcm)
	level := dbfs(rms)

	wasOpen := g.open

	switch {
	case g.muted:
		g.open = false
	case g.mode == ModePushToTalk:
		g.open = g.pttPressed
	default:
		g.updateVAD(rms, frameDuration)
	}

	return Decision{
		Open:  g.open,
		Edge:  g.open != wasOpen,
		Level: level,
	}
}

// updateVAD runs the hysteresis machine. Must be called with the lock held.
func (g *Gate) updateVAD(rms float64, frameDuration time.Duration) {
	// Calibrate the floor from frames that are clearly not speech, then
	// derive both thresholds from it.
	if rms < g.openThreshold {
		weight := float64(frameDuration) / float64(noiseFloorWindow)
		if weight > 1 {
			weight = 1
		}
		g.noiseFloor = g.noiseFloor*(1-weight) + rms*weight

		threshold := g.noiseFloor * openFloorFactor
		if threshold < minOpenThreshold {
			threshold = minOpenThreshold
		}
		g.openThreshold = threshold
		g.closeThreshold = threshold * closeRatio
	}

	if g.open {
		if rms < g.closeThreshold {
			g.belowSince += frameDuration
			if g.belowSince >= closeHold {
				g.open = false
				g.aboveSince = 0
			}
		} else {
			g.belowSince = 0
		}
		return
	}

	if rms > g.openThreshold {
		g.aboveSince += frameDuration
		if g.aboveSince >= openHold {
			g.open = true
			g.belowSince = 0
		}
	} else {
		g.aboveSince = 0
	}
}

// Open reports the current gate state.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func rmsOf(pcm frame.PCMFrame) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range pcm {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func dbfs(rms float64) float64 {
	if rms <= 0 {
		return -120
	}
	db := 20 * math.Log10(rms)
	if db < -120 {
		db = -120
	}
	return db
}

// PeakDBFS returns the peak level of a frame in dBFS; the receive path
// uses it for the speaking indicator threshold.
func PeakDBFS(pcm frame.PCMFrame) float64 {
	var peak float64
	for _, sample := range pcm {
		abs := math.Abs(float64(sample))
		if abs > peak {
			peak = abs
		}
	}
	if peak <= 0 {
		return -120
	}
	db := 20 * math.Log10(peak)
	if db < -120 {
		db = -120
	}
	return db
}
