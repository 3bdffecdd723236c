package client

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/partyline-chat/partyline/internal/audiodevice"
	"github.com/partyline-chat/partyline/internal/bus"
	"github.com/partyline-chat/partyline/internal/config"
	"github.com/partyline-chat/partyline/internal/hotkey"
	"github.com/partyline-chat/partyline/internal/soundboard"
	"github.com/partyline-chat/partyline/pkg/frame"
)

func TestMain(m *testing.M) {
	// Engine tests must not install a real OS keyboard hook.
	hotkeySourceFactory = func(hotkey.Combination) (hotkey.EdgeSource, error) {
		return hotkey.NewFocusFallback(), nil
	}
	m.Run()
}

// fakeBackend satisfies audiodevice.Backend without touching hardware.
type fakeBackend struct{}

func (f *fakeBackend) ListDevices() ([]audiodevice.Info, []audiodevice.Info, error) {
	return []audiodevice.Info{{ID: "mic0", Name: "Fake Mic", IsDefault: true}},
		[]audiodevice.Info{{ID: "spk0", Name: "Fake Speakers", IsDefault: true}},
		nil
}

func (f *fakeBackend) OpenInput(string) (audiodevice.InputStream, error) {
	return &fakeInput{frames: make(chan frame.PCMFrame)}, nil
}

func (f *fakeBackend) OpenOutput(string) (audiodevice.OutputStream, error) {
	return &fakeOutput{}, nil
}

func (f *fakeBackend) Close() error { return nil }

type fakeInput struct{ frames chan frame.PCMFrame }

func (f *fakeInput) GetStream() <-chan frame.PCMFrame { return f.frames }
func (f *fakeInput) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 1}
}
func (f *fakeInput) Close() {}

type fakeOutput struct{}

func (f *fakeOutput) TryWrite(frame.PCMFrame) bool { return true }
func (f *fakeOutput) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 1}
}
func (f *fakeOutput) Close() {}

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()

	dir := t.TempDir()
	store, err := config.NewStore(filepath.Join(dir, "config.json"), nil)
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	board := soundboard.NewBoard(filepath.Join(dir, "soundboard"), nil)
	events := bus.New(nil)

	engine := New(store, board, &fakeBackend{}, events, nil, nil)
	t.Cleanup(engine.Close)
	return engine, events
}

func drainSelfEvents(ch <-chan bus.Event, window time.Duration) []bus.SelfEvent {
	deadline := time.After(window)
	var out []bus.SelfEvent
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			if self, isSelf := event.(bus.SelfEvent); isSelf {
				out = append(out, self)
			}
		case <-deadline:
			return out
		}
	}
}

func TestConnectValidatesNickname(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name     string
		nickname string
		wantErr  error
	}{
		{name: "empty", nickname: "", wantErr: ErrEmptyNickname},
		{name: "spaces only", nickname: "   ", wantErr: ErrEmptyNickname},
		{name: "too long", nickname: "abcdefghijklmnopqrstuvwxyz0123456789", wantErr: ErrNicknameTooLong},
		{name: "no host configured", nickname: "alice", wantErr: ErrNoServerHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.Connect(tt.nickname, nil); !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect(%q) = %v, want %v", tt.nickname, err, tt.wantErr)
			}
		})
	}
}

func TestSendMessageValidatesLength(t *testing.T) {
	engine, _ := newTestEngine(t)

	long := make([]rune, maxMessageChars+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := engine.SendMessage(string(long)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("SendMessage err = %v, want ErrMessageTooLong", err)
	}
	if err := engine.SendMessage("hello"); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
}

func TestSetMuteIsIdempotent(t *testing.T) {
	engine, events := newTestEngine(t)
	ch := events.Subscribe()

	engine.SetMute(true)
	engine.SetMute(true)

	selfEvents := drainSelfEvents(ch, 300*time.Millisecond)
	if len(selfEvents) != 1 {
		t.Fatalf("self events = %d, want exactly 1", len(selfEvents))
	}
	if !selfEvents[0].Muted {
		t.Error("self event does not reflect mute")
	}
}

func TestDeafenAutoMutes(t *testing.T) {
	engine, events := newTestEngine(t)
	ch := events.Subscribe()

	engine.SetDeafen(true)

	selfEvents := drainSelfEvents(ch, 300*time.Millisecond)
	if len(selfEvents) == 0 {
		t.Fatal("no self event after deafen")
	}
	last := selfEvents[len(selfEvents)-1]
	if !last.Deafened || !last.Muted {
		t.Errorf("self after deafen = %+v, want muted and deafened", last)
	}
}

func TestSetPTTHotkeyValidatesSyntax(t *testing.T) {
	engine, _ := newTestEngine(t)

	if err := engine.SetPTTHotkey("NotARealKey++"); err == nil {
		t.Error("invalid hotkey accepted")
	}
	if err := engine.SetPTTHotkey("ControlLeft+V"); err != nil {
		t.Errorf("valid hotkey rejected: %v", err)
	}
}

func TestBootstrapSnapshot(t *testing.T) {
	engine, _ := newTestEngine(t)

	snapshot := engine.GetBootstrap()
	if snapshot.Connection.State != bus.StateDisconnected {
		t.Errorf("initial state = %s, want disconnected", snapshot.Connection.State)
	}
	if len(snapshot.Devices.Inputs) != 1 || snapshot.Devices.Inputs[0].Name != "Fake Mic" {
		t.Errorf("devices = %+v", snapshot.Devices)
	}
	if snapshot.Config.Server.Port != config.DefaultPort {
		t.Errorf("config port = %d", snapshot.Config.Server.Port)
	}
}

func TestVoiceQualityPresetRejected(t *testing.T) {
	engine, _ := newTestEngine(t)

	if err := engine.SetVoiceQuality("cinematic"); err == nil {
		t.Error("unknown preset accepted")
	}
	if err := engine.SetVoiceQuality("balanced"); err != nil {
		t.Errorf("balanced preset rejected: %v", err)
	}
}

func TestConnectPersistsBadgeProfile(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetServerEndpoint("demo.example", 64738)

	// Give the actor a moment to apply the endpoint before connecting.
	time.Sleep(50 * time.Millisecond)
	if err := engine.Connect("alice", []string{"party-parrot", "party-parrot", "crown"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	engine.Disconnect()

	profile := engine.store.Current().BadgeProfiles["alice"]
	want := []string{"party-parrot", "crown"}
	if !equalStrings(profile, want) {
		t.Errorf("badge profile = %v, want %v", profile, want)
	}
}
