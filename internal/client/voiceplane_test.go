package client

import "testing"

func TestFrameTicksFor(t *testing.T) {
	tests := []struct {
		name    string
		frameMs int
		want    int
	}{
		{name: "10ms", frameMs: 10, want: 1},
		{name: "20ms default", frameMs: 20, want: 2},
		{name: "40ms", frameMs: 40, want: 4},
		{name: "60ms", frameMs: 60, want: 6},
		{name: "zero falls back", frameMs: 0, want: defaultFrameTicks},
		{name: "odd value falls back", frameMs: 25, want: defaultFrameTicks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frameTicksFor(tt.frameMs); got != tt.want {
				t.Errorf("frameTicksFor(%d) = %d, want %d", tt.frameMs, got, tt.want)
			}
		})
	}
}
