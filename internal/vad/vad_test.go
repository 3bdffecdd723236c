package vad

import (
	"testing"
	"time"

	"github.com/partyline-chat/partyline/pkg/frame"
)

const tick = 10 * time.Millisecond

func toneFrame(amplitude float32) frame.PCMFrame {
	pcm := make(frame.PCMFrame, frame.SamplesPerTick)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amplitude
		} else {
			pcm[i] = -amplitude
		}
	}
	return pcm
}

func silence() frame.PCMFrame {
	return make(frame.PCMFrame, frame.SamplesPerTick)
}

func TestVADOpensAfterHold(t *testing.T) {
	g := NewGate(ModeContinuous)

	// First loud frame accumulates hold time but must not open yet at 10ms.
	d := g.ProcessFrame(toneFrame(0.5), tick)
	if d.Open {
		t.Fatal("gate opened before 30ms of speech")
	}

	// By 30ms of sustained level the gate opens.
	g.ProcessFrame(toneFrame(0.5), tick)
	d = g.ProcessFrame(toneFrame(0.5), tick)
	if !d.Open {
		t.Fatal("gate failed to open after 30ms of speech")
	}
	if !d.Edge {
		t.Error("opening frame should report an edge")
	}
}

func TestVADClosesAfterTrailingSilence(t *testing.T) {
	g := NewGate(ModeContinuous)
	for i := 0; i < 5; i++ {
		g.ProcessFrame(toneFrame(0.5), tick)
	}
	if !g.Open() {
		t.Fatal("gate should be open")
	}

	// 200ms of silence closes it; 190ms does not.
	for i := 0; i < 19; i++ {
		if d := g.ProcessFrame(silence(), tick); !d.Open {
			t.Fatalf("gate closed early at %dms", (i+1)*10)
		}
	}
	if d := g.ProcessFrame(silence(), tick); d.Open {
		t.Fatal("gate still open after 200ms of silence")
	}
}

func TestPTTBypassesVAD(t *testing.T) {
	g := NewGate(ModePushToTalk)

	// Loud audio without a press stays gated.
	for i := 0; i < 10; i++ {
		if d := g.ProcessFrame(toneFrame(0.5), tick); d.Open {
			t.Fatal("ptt gate opened without a press")
		}
	}

	g.PressEdge()
	if d := g.ProcessFrame(silence(), tick); !d.Open {
		t.Fatal("ptt gate closed while pressed")
	}
	g.ReleaseEdge()
	if d := g.ProcessFrame(toneFrame(0.5), tick); d.Open {
		t.Fatal("ptt gate open after release")
	}
}

func TestFastPressReleaseProducesBothEdges(t *testing.T) {
	// A press and release inside one frame interval still yields an open
	// edge on the next frame and a close edge on the one after.
	g := NewGate(ModePushToTalk)

	g.PressEdge()
	open := g.ProcessFrame(silence(), tick)
	g.ReleaseEdge()
	closed := g.ProcessFrame(silence(), tick)

	if !open.Open || !open.Edge {
		t.Errorf("press frame: open=%v edge=%v, want true/true", open.Open, open.Edge)
	}
	if closed.Open || !closed.Edge {
		t.Errorf("release frame: open=%v edge=%v, want false/true", closed.Open, closed.Edge)
	}
}

func TestMuteForcesGateClosed(t *testing.T) {
	g := NewGate(ModePushToTalk)
	g.PressEdge()
	g.SetMuted(true)

	if d := g.ProcessFrame(toneFrame(0.5), tick); d.Open {
		t.Fatal("muted gate opened")
	}

	g.SetMuted(false)
	if d := g.ProcessFrame(silence(), tick); !d.Open {
		t.Fatal("unmuted ptt gate should re-open while still pressed")
	}
}

func TestNoiseFloorCalibrationRaisesThreshold(t *testing.T) {
	g := NewGate(ModeContinuous)

	// A second of loud-ish steady noise drags the floor up.
	for i := 0; i < 100; i++ {
		g.ProcessFrame(toneFrame(0.01), tick)
	}
	raised := g.openThreshold
	if raised <= minOpenThreshold {
		t.Skipf("floor stayed at minimum (%f); noise below calibration knee", raised)
	}

	// The same noise must then not open the gate.
	for i := 0; i < 10; i++ {
		if d := g.ProcessFrame(toneFrame(0.01), tick); d.Open {
			t.Fatal("calibrated gate opened on steady noise")
		}
	}
}

func TestLevelReportedInDBFS(t *testing.T) {
	g := NewGate(ModeContinuous)
	d := g.ProcessFrame(silence(), tick)
	if d.Level > -100 {
		t.Errorf("silence level = %f dBFS, want near floor", d.Level)
	}

	d = g.ProcessFrame(toneFrame(0.5), tick)
	if d.Level < -10 || d.Level > 0 {
		t.Errorf("loud level = %f dBFS, want roughly -6", d.Level)
	}
}

func TestPeakDBFS(t *testing.T) {
	if got := PeakDBFS(silence()); got != -120 {
		t.Errorf("silence peak = %f, want -120", got)
	}
	// A -45dBFS threshold should split these two.
	quiet := toneFrame(0.001) // ~-60dBFS
	loud := toneFrame(0.1)    // -20dBFS
	if got := PeakDBFS(quiet); got > -45 {
		t.Errorf("quiet peak = %f, want below -45", got)
	}
	if got := PeakDBFS(loud); got < -45 {
		t.Errorf("loud peak = %f, want above -45", got)
	}
}
