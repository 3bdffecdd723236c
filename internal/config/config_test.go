package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, path
}

func TestDefaultsAppliedWhenFileMissing(t *testing.T) {
	store, _ := newTestStore(t)

	snapshot := store.Current()
	if snapshot.Server.Port != DefaultPort {
		t.Errorf("default port = %d, want %d", snapshot.Server.Port, DefaultPort)
	}
	if snapshot.PTTHotkey != DefaultPTTHotkey {
		t.Errorf("default hotkey = %q, want %q", snapshot.PTTHotkey, DefaultPTTHotkey)
	}
	if snapshot.VoiceQuality.JitterTarget != DefaultJitterTarget {
		t.Errorf("default jitter target = %d, want %d", snapshot.VoiceQuality.JitterTarget, DefaultJitterTarget)
	}
	if snapshot.VoiceQuality.FrameMs != DefaultFrameMs {
		t.Errorf("default frame duration = %dms, want %d", snapshot.VoiceQuality.FrameMs, DefaultFrameMs)
	}
}

func TestValidFrameMs(t *testing.T) {
	tests := []struct {
		ms    int
		valid bool
	}{
		{ms: 10, valid: true},
		{ms: 20, valid: true},
		{ms: 40, valid: true},
		{ms: 60, valid: true},
		{ms: 0, valid: false},
		{ms: 30, valid: false},
		{ms: 120, valid: false},
	}

	for _, tt := range tests {
		if got := ValidFrameMs(tt.ms); got != tt.valid {
			t.Errorf("ValidFrameMs(%d) = %v, want %v", tt.ms, got, tt.valid)
		}
	}
}

func TestUpdatePersistsAndPublishes(t *testing.T) {
	store, path := newTestStore(t)

	updated, err := store.Update(func(s *Snapshot) {
		s.Nickname = "alice"
		s.Server.Host = "demo.example"
		s.BadgeProfiles = map[string][]string{"alice": {"party-parrot"}}
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Nickname != "alice" {
		t.Errorf("updated nickname = %q, want alice", updated.Nickname)
	}
	if store.Current().Server.Host != "demo.example" {
		t.Errorf("published host = %q, want demo.example", store.Current().Server.Host)
	}

	// A fresh store sees the persisted values.
	reloaded, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	snapshot := reloaded.Current()
	if snapshot.Nickname != "alice" {
		t.Errorf("reloaded nickname = %q, want alice", snapshot.Nickname)
	}
	if codes := snapshot.BadgeProfiles["alice"]; len(codes) != 1 || codes[0] != "party-parrot" {
		t.Errorf("reloaded badge profile = %v, want [party-parrot]", codes)
	}
}

func TestUnknownFieldsSurviveRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	seed := map[string]any{
		"nickname":       "bob",
		"future_feature": map[string]any{"enabled": true},
	}
	data, err := json.Marshal(seed)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Update(func(s *Snapshot) { s.Nickname = "bob2" }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rewritten map[string]any
	if err := json.Unmarshal(raw, &rewritten); err != nil {
		t.Fatalf("rewritten file is not JSON: %v", err)
	}
	if _, ok := rewritten["future_feature"]; !ok {
		t.Error("unknown field future_feature was dropped on rewrite")
	}
	if rewritten["nickname"] != "bob2" {
		t.Errorf("nickname = %v, want bob2", rewritten["nickname"])
	}
}

func TestCorruptFileIsBackedUpAndReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("NewStore on corrupt file: %v", err)
	}
	if store.Current().Server.Port != DefaultPort {
		t.Errorf("corrupt load did not reset to defaults")
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected corrupt backup file: %v", err)
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name    string
		preset  string
		wantErr bool
	}{
		{name: "balanced exists", preset: "balanced"},
		{name: "low exists", preset: "low"},
		{name: "high exists", preset: "high"},
		{name: "unknown rejected", preset: "ultra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quality, err := Preset(tt.preset)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Preset(%q) err = %v, wantErr %v", tt.preset, err, tt.wantErr)
			}
			if err == nil && quality.Bitrate == 0 {
				t.Errorf("preset %q has zero bitrate", tt.preset)
			}
			if err == nil && !ValidFrameMs(quality.FrameMs) {
				t.Errorf("preset %q carries invalid frame duration %dms", tt.preset, quality.FrameMs)
			}
		})
	}
}
