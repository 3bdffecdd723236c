package hotkey

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantKey   string
		wantMods  int
		wantError bool
	}{
		{name: "bare modifier", raw: "AltLeft", wantKey: "alt"},
		{name: "modifier plus letter", raw: "ControlLeft+V", wantKey: "v", wantMods: 1},
		{name: "two modifiers", raw: "ControlLeft+ShiftLeft+P", wantKey: "p", wantMods: 2},
		{name: "case insensitive", raw: "altleft", wantKey: "alt"},
		{name: "function key", raw: "F8", wantKey: "f8"},
		{name: "digit", raw: "ControlLeft+3", wantKey: "3", wantMods: 1},
		{name: "empty", raw: "", wantError: true},
		{name: "unknown token", raw: "HyperLeft", wantError: true},
		{name: "non-modifier prefix", raw: "V+AltLeft", wantError: true},
		{name: "dangling plus", raw: "AltLeft+", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			combo, err := Parse(tt.raw)
			if tt.wantError {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.raw)
				}
				if !errors.Is(err, ErrInvalidHotkey) {
					t.Errorf("error %v is not ErrInvalidHotkey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.raw, err)
			}
			if combo.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", combo.Key, tt.wantKey)
			}
			if len(combo.Modifiers) != tt.wantMods {
				t.Errorf("modifiers = %v, want %d", combo.Modifiers, tt.wantMods)
			}
		})
	}
}

// scriptedSource lets the tests drive edges without an OS hook.
type scriptedSource struct {
	edges chan Edge
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{edges: make(chan Edge, 8)}
}

func (s *scriptedSource) Edges() <-chan Edge { return s.edges }
func (s *scriptedSource) Close()             { close(s.edges) }

func TestServiceDeliversEdges(t *testing.T) {
	source := newScriptedSource()
	received := make(chan Edge, 8)

	service := NewService(
		func(e Edge) { received <- e },
		func(Combination) (EdgeSource, error) { return source, nil },
	)
	defer service.Close()

	if err := service.Register("AltLeft"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if service.FocusOnly {
		t.Error("FocusOnly set after successful registration")
	}

	source.edges <- PressEdge
	source.edges <- ReleaseEdge

	for _, want := range []Edge{PressEdge, ReleaseEdge} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("edge = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("edge never delivered")
		}
	}
}

func TestServiceFallsBackToFocusOnly(t *testing.T) {
	service := NewService(
		func(Edge) {},
		func(Combination) (EdgeSource, error) { return nil, errors.New("hook denied") },
	)
	defer service.Close()

	err := service.Register("AltLeft")
	if err == nil {
		t.Fatal("Register should surface the hook failure")
	}
	if !service.FocusOnly {
		t.Error("FocusOnly not set after hook failure")
	}
	if service.FocusSource() == nil {
		t.Error("focus fallback source not installed")
	}
}

func TestServiceRejectsInvalidWithoutReplacingSource(t *testing.T) {
	source := newScriptedSource()
	service := NewService(
		func(Edge) {},
		func(Combination) (EdgeSource, error) { return source, nil },
	)
	defer service.Close()

	if err := service.Register("AltLeft"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := service.Register("NotAKey"); err == nil {
		t.Fatal("invalid hotkey accepted")
	}
	if service.Combination().String() != "AltLeft" {
		t.Errorf("combination = %q, want AltLeft kept", service.Combination())
	}
}
