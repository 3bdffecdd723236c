package soundboard

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/partyline-chat/partyline/pkg/frame"
)

// makeWAV renders a sine tone as 16-bit mono WAV bytes.
func makeWAV(t *testing.T, sampleRate int, durationMS int) []byte {
	t.Helper()

	numSamples := sampleRate * durationMS / 1000
	intBuf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, numSamples),
	}
	for i := range intBuf.Data {
		intBuf.Data[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	var buf seekableBuffer
	encoder := wav.NewEncoder(&buf, sampleRate, 16, 1, 1)
	if err := encoder.Write(intBuf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := encoder.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	return buf.Bytes()
}

// seekableBuffer gives wav.NewEncoder the WriteSeeker it needs.
type seekableBuffer struct {
	data []byte
	pos  int
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if b.pos+len(p) > len(b.data) {
		grown := make([]byte, b.pos+len(p))
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		b.pos = int(offset)
	case 1:
		b.pos += int(offset)
	case 2:
		b.pos = len(b.data) + int(offset)
	}
	return int64(b.pos), nil
}

func (b *seekableBuffer) Bytes() []byte { return b.data }

func TestImportListPlayDelete(t *testing.T) {
	board := NewBoard(t.TempDir(), nil)

	clip, err := board.Import("airhorn", makeWAV(t, 48000, 500))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if clip.DurationMS < 450 || clip.DurationMS > 550 {
		t.Errorf("duration = %dms, want ~500", clip.DurationMS)
	}

	clips := board.List()
	if len(clips) != 1 || clips[0].Label != "airhorn" {
		t.Fatalf("List = %+v", clips)
	}

	samples, err := board.Samples(clip.ID)
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	want := frame.CanonicalSampleRate / 2
	if len(samples) < want-500 || len(samples) > want+500 {
		t.Errorf("samples = %d, want ~%d", len(samples), want)
	}
	// Normalized audio, not raw integer values.
	for i, s := range samples[:100] {
		if s > 1.0 || s < -1.0 {
			t.Fatalf("sample %d = %f outside [-1, 1]", i, s)
		}
	}

	if err := board.Delete(clip.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := board.Samples(clip.ID); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("Samples after delete = %v, want ErrClipNotFound", err)
	}
}

func TestImportResamplesToCanonicalRate(t *testing.T) {
	board := NewBoard(t.TempDir(), nil)

	clip, err := board.Import("tone", makeWAV(t, 44100, 1000))
	if err != nil {
		t.Fatalf("Import 44.1k clip: %v", err)
	}
	samples, err := board.Samples(clip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) < frame.CanonicalSampleRate*95/100 || len(samples) > frame.CanonicalSampleRate*105/100 {
		t.Errorf("resampled length = %d, want ~%d", len(samples), frame.CanonicalSampleRate)
	}
}

func TestImportValidation(t *testing.T) {
	board := NewBoard(t.TempDir(), nil)
	valid := makeWAV(t, 48000, 100)

	tests := []struct {
		name    string
		label   string
		data    []byte
		wantErr error
	}{
		{name: "empty label", label: "", data: valid, wantErr: ErrBadLabel},
		{name: "label too long", label: strings.Repeat("x", maxLabelChars+1), data: valid, wantErr: ErrBadLabel},
		{name: "not wav", label: "junk", data: []byte("definitely not riff"), wantErr: ErrNotWAV},
		{name: "too large", label: "big", data: bytes.Repeat([]byte{0}, maxImportBytes+1), wantErr: ErrClipTooLarge},
		{name: "too long", label: "long", data: makeWAV(t, 48000, (maxClipSeconds+1)*1000), wantErr: ErrClipTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := board.Import(tt.label, tt.data); !errors.Is(err, tt.wantErr) {
				t.Errorf("Import err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManifestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	board := NewBoard(dir, nil)
	clip, err := board.Import("keep-me", makeWAV(t, 48000, 200))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	reopened := NewBoard(dir, nil)
	clips := reopened.List()
	if len(clips) != 1 || clips[0].ID != clip.ID || clips[0].Label != "keep-me" {
		t.Fatalf("reopened List = %+v, want original clip", clips)
	}
	if _, err := reopened.Samples(clip.ID); err != nil {
		t.Errorf("Samples after reopen: %v", err)
	}
}
