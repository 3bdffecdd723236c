// Package soundboard stores short PCM clips and hands them to the voice
// engine for injection into the transmit mix. Clips are imported as WAV
// bytes, decoded once, resampled to the canonical rate and kept in memory;
// imported files and a manifest persist under the app data directory.
package soundboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/partyline-chat/partyline/internal/audiodevice"
	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	manifestFile = "manifest.json"
	clipsDir     = "clips"

	maxImportBytes = 6 * 1024 * 1024
	maxClipSeconds = 8
	maxClipSamples = frame.CanonicalSampleRate * maxClipSeconds
	maxLabelChars  = 36
)

var (
	ErrClipNotFound = errors.New("soundboard clip not found")
	ErrClipTooLarge = errors.New("clip exceeds import size limit")
	ErrClipTooLong  = errors.New("clip exceeds maximum duration")
	ErrBadLabel     = errors.New("clip label empty or too long")
	ErrNotWAV       = errors.New("clip data is not a valid wav file")
)

// Clip is the externally visible clip descriptor.
type Clip struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	DurationMS int    `json:"duration_ms"`
}

type storedClip struct {
	clip    Clip
	samples frame.PCMFrame
}

type manifest struct {
	Clips []manifestClip `json:"clips"`
}

type manifestClip struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	FileName string `json:"file_name"`
}

// Board is the clip store. All methods are safe for concurrent use.
type Board struct {
	logger *slog.Logger

	baseDir string

	mu    sync.RWMutex
	clips map[string]*storedClip
}

// NewBoard opens the clip store rooted at baseDir, loading any previously
// imported clips named in the manifest. Clips that fail to load are
// skipped, not fatal.
func NewBoard(baseDir string, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}

	board := &Board{
		logger:  logger.With("component", "soundboard"),
		baseDir: baseDir,
		clips:   make(map[string]*storedClip),
	}
	board.loadManifest()
	return board
}

func (b *Board) loadManifest() {
	data, err := os.ReadFile(filepath.Join(b.baseDir, manifestFile))
	if err != nil {
		return
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		b.logger.Warn("soundboard manifest unreadable, starting empty", "err", err)
		return
	}

	for _, entry := range m.Clips {
		raw, err := os.ReadFile(filepath.Join(b.baseDir, clipsDir, entry.FileName))
		if err != nil {
			b.logger.Warn("skipping missing clip file", "id", entry.ID, "err", err)
			continue
		}
		samples, err := decodeWAV(raw)
		if err != nil {
			b.logger.Warn("skipping undecodable clip file", "id", entry.ID, "err", err)
			continue
		}
		b.clips[entry.ID] = &storedClip{
			clip: Clip{
				ID:         entry.ID,
				Label:      entry.Label,
				DurationMS: len(samples) * 1000 / frame.CanonicalSampleRate,
			},
			samples: samples,
		}
	}
}

func (b *Board) saveManifestLocked() error {
	m := manifest{}
	for id, stored := range b.clips {
		m.Clips = append(m.Clips, manifestClip{
			ID:       id,
			Label:    stored.clip.Label,
			FileName: id + ".wav",
		})
	}
	sort.Slice(m.Clips, func(i, j int) bool { return m.Clips[i].ID < m.Clips[j].ID })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.baseDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.baseDir, manifestFile), data, 0o644)
}

// List returns every clip, sorted by label.
func (b *Board) List() []Clip {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clips := make([]Clip, 0, len(b.clips))
	for _, stored := range b.clips {
		clips = append(clips, stored.clip)
	}
	sort.Slice(clips, func(i, j int) bool { return clips[i].Label < clips[j].Label })
	return clips
}

// Import decodes WAV bytes into a new clip and persists them. The label
// is what the UI shows; the original file name is only a hint and is not
// retained.
func (b *Board) Import(label string, wavBytes []byte) (Clip, error) {
	if label == "" || len([]rune(label)) > maxLabelChars {
		return Clip{}, ErrBadLabel
	}
	if len(wavBytes) > maxImportBytes {
		return Clip{}, ErrClipTooLarge
	}

	samples, err := decodeWAV(wavBytes)
	if err != nil {
		return Clip{}, err
	}
	if len(samples) > maxClipSamples {
		return Clip{}, ErrClipTooLong
	}

	clip := Clip{
		ID:         uuid.NewString(),
		Label:      label,
		DurationMS: len(samples) * 1000 / frame.CanonicalSampleRate,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.baseDir, clipsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Clip{}, fmt.Errorf("create clips dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, clip.ID+".wav"), wavBytes, 0o644); err != nil {
		return Clip{}, fmt.Errorf("write clip file: %w", err)
	}

	b.clips[clip.ID] = &storedClip{clip: clip, samples: samples}
	if err := b.saveManifestLocked(); err != nil {
		b.logger.Warn("could not persist soundboard manifest", "err", err)
	}
	return clip, nil
}

// Samples returns the decoded PCM for a clip. The returned slice is shared
// and must not be written.
func (b *Board) Samples(id string) (frame.PCMFrame, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored, ok := b.clips[id]
	if !ok {
		return nil, ErrClipNotFound
	}
	return stored.samples, nil
}

// Delete removes a clip and its file.
func (b *Board) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clips[id]; !ok {
		return ErrClipNotFound
	}
	delete(b.clips, id)

	if err := os.Remove(filepath.Join(b.baseDir, clipsDir, id+".wav")); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("could not remove clip file", "id", id, "err", err)
	}
	if err := b.saveManifestLocked(); err != nil {
		b.logger.Warn("could not persist soundboard manifest", "err", err)
	}
	return nil
}

// decodeWAV turns WAV bytes into canonical 48kHz mono float32 samples.
func decodeWAV(data []byte) (frame.PCMFrame, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, ErrNotWAV
	}

	intBuf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	floatBuf := intBuf.AsFloat32Buffer()
	samples := normalizeFloat32(floatBuf, int(decoder.BitDepth))

	props := audiodevice.DeviceProperties{
		SampleRate:  int(decoder.SampleRate),
		NumChannels: int(decoder.NumChans),
	}
	canonical := audiodevice.DeviceProperties{
		SampleRate:  frame.CanonicalSampleRate,
		NumChannels: frame.CanonicalChannels,
	}
	if props == canonical {
		return samples, nil
	}

	// The converter's scratch buffers hold device-callback-sized frames,
	// so a whole clip is fed through in slices.
	converter := audiodevice.NewConverter(props, canonical)
	const sliceSamples = 4096
	var out frame.PCMFrame
	for start := 0; start < len(samples); start += sliceSamples {
		end := start + sliceSamples
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, converter.Convert(samples[start:end])...)
	}
	return out, nil
}

// normalizeFloat32 rescales go-audio's integer-valued float buffer into
// [-1, 1] using the source bit depth.
func normalizeFloat32(buf *goaudio.Float32Buffer, bitDepth int) frame.PCMFrame {
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int(1) << (bitDepth - 1))

	samples := make(frame.PCMFrame, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = v / scale
	}
	return samples
}
