package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/viper"
)

const (
	appConfigDir  = "partyline"
	appConfigFile = "config.json"

	DefaultPort           = 64738
	DefaultChannel        = "Game Night"
	DefaultPTTHotkey      = "AltLeft"
	DefaultOutputVolume   = 0.8
	DefaultJitterTarget   = 3
	DefaultJitterMax      = 12
	DefaultBitrate        = 40000
	DefaultLossPercentage = 10
	DefaultFrameMs        = 20
)

// VoiceQuality bundles the encoder and jitter parameters that are applied
// together. See Preset for the named bundles.
type VoiceQuality struct {
	Bitrate      int  `mapstructure:"bitrate" json:"bitrate"`
	LossPerc     int  `mapstructure:"loss_perc" json:"loss_perc"`
	JitterTarget int  `mapstructure:"jitter_target" json:"jitter_target"`
	JitterMax    int  `mapstructure:"jitter_max" json:"jitter_max"`
	FEC          bool `mapstructure:"fec" json:"fec"`
	FrameMs      int  `mapstructure:"frame_ms" json:"frame_ms"`
}

// ValidFrameMs reports whether a frame duration is one Opus accepts on
// this transmit path. Longer frames trade latency for bandwidth.
func ValidFrameMs(ms int) bool {
	switch ms {
	case 10, 20, 40, 60:
		return true
	}
	return false
}

// Server is the immutable endpoint descriptor. A new value takes effect at
// the next connect, never mid-session.
type Server struct {
	Host             string `mapstructure:"host" json:"host"`
	Port             int    `mapstructure:"port" json:"port"`
	Password         string `mapstructure:"password" json:"password,omitempty"`
	DefaultChannel   string `mapstructure:"default_channel" json:"default_channel"`
	AllowInsecureTLS bool   `mapstructure:"allow_insecure_tls" json:"allow_insecure_tls"`
}

// Snapshot is one immutable view of the persisted state. The engine shares a
// snapshot pointer between goroutines and swaps in a fresh one on change, so
// readers never need a lock.
type Snapshot struct {
	Nickname         string              `mapstructure:"nickname" json:"nickname"`
	RememberMe       bool                `mapstructure:"remember_me" json:"remember_me"`
	PTTEnabled       bool                `mapstructure:"ptt_enabled" json:"ptt_enabled"`
	PTTHotkey        string              `mapstructure:"ptt_hotkey" json:"ptt_hotkey"`
	InputDevice      string              `mapstructure:"input_device" json:"input_device,omitempty"`
	OutputDevice     string              `mapstructure:"output_device" json:"output_device,omitempty"`
	OutputVolume     float64             `mapstructure:"output_volume" json:"output_volume"`
	AutoMuteOnDeafen bool                `mapstructure:"auto_mute_on_deafen" json:"auto_mute_on_deafen"`
	VoiceQuality     VoiceQuality        `mapstructure:"voice_quality" json:"voice_quality"`
	Server           Server              `mapstructure:"server" json:"server"`
	BadgeProfiles    map[string][]string `mapstructure:"badge_profiles" json:"badge_profiles"`
}

// Store loads and saves the persisted state blob.
//
// Unknown fields survive a load/save round trip: viper keys the entire file
// into its settings map, and WriteConfigAs writes every key back out, not
// just the ones the engine understands.
type Store struct {
	logger *slog.Logger

	path string

	mu      sync.Mutex
	v       *viper.Viper
	current atomic.Pointer[Snapshot]
}

// DefaultPath resolves the config file inside the user's application-data
// directory, e.g. ~/.config/partyline/config.json on Linux.
func DefaultPath() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(baseDir, appConfigDir, appConfigFile), nil
}

// NewStore creates a store bound to the given file path and loads it.
//
// A missing file is not an error: defaults apply and the file is created on
// the first save. A malformed file is moved aside to <path>.corrupt and
// replaced with defaults, so a bad write never locks the user out.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store := &Store{
		logger: logger.With("component", "config"),
		path:   path,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nickname", "")
	v.SetDefault("remember_me", true)
	v.SetDefault("ptt_enabled", false)
	v.SetDefault("ptt_hotkey", DefaultPTTHotkey)
	v.SetDefault("input_device", "")
	v.SetDefault("output_device", "")
	v.SetDefault("output_volume", DefaultOutputVolume)
	v.SetDefault("auto_mute_on_deafen", true)
	v.SetDefault("voice_quality.bitrate", DefaultBitrate)
	v.SetDefault("voice_quality.loss_perc", DefaultLossPercentage)
	v.SetDefault("voice_quality.jitter_target", DefaultJitterTarget)
	v.SetDefault("voice_quality.jitter_max", DefaultJitterMax)
	v.SetDefault("voice_quality.fec", true)
	v.SetDefault("voice_quality.frame_ms", DefaultFrameMs)
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.password", "")
	v.SetDefault("server.default_channel", DefaultChannel)
	v.SetDefault("server.allow_insecure_tls", false)
	v.SetDefault("badge_profiles", map[string][]string{})
}

func (store *Store) load() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	v := newViper(store.path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			store.logger.Info("no config file found, using defaults", "path", store.path)
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			store.logger.Info("no config file found, using defaults", "path", store.path)
		} else {
			// Malformed file. Keep it around for inspection, then start clean.
			corruptPath := store.path + ".corrupt"
			store.logger.Warn("config file unreadable, resetting to defaults",
				"path", store.path,
				"backup", corruptPath,
				"err", err,
			)
			if renameErr := os.Rename(store.path, corruptPath); renameErr != nil {
				store.logger.Error("could not back up corrupt config", "err", renameErr)
			}
			v = newViper(store.path)
		}
	}

	var snapshot Snapshot
	if err := v.Unmarshal(&snapshot); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	store.v = v
	store.current.Store(&snapshot)
	return nil
}

// Current returns the live immutable snapshot. The returned pointer must be
// treated as read-only.
func (store *Store) Current() *Snapshot {
	return store.current.Load()
}

// Update applies fn to a copy of the current snapshot, persists the result,
// and publishes it as the new current snapshot.
func (store *Store) Update(fn func(*Snapshot)) (*Snapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	next := *store.current.Load()
	if next.BadgeProfiles != nil {
		profiles := make(map[string][]string, len(next.BadgeProfiles))
		for nickname, codes := range next.BadgeProfiles {
			profiles[nickname] = append([]string(nil), codes...)
		}
		next.BadgeProfiles = profiles
	}
	fn(&next)

	store.v.Set("nickname", next.Nickname)
	store.v.Set("remember_me", next.RememberMe)
	store.v.Set("ptt_enabled", next.PTTEnabled)
	store.v.Set("ptt_hotkey", next.PTTHotkey)
	store.v.Set("input_device", next.InputDevice)
	store.v.Set("output_device", next.OutputDevice)
	store.v.Set("output_volume", next.OutputVolume)
	store.v.Set("auto_mute_on_deafen", next.AutoMuteOnDeafen)
	store.v.Set("voice_quality.bitrate", next.VoiceQuality.Bitrate)
	store.v.Set("voice_quality.loss_perc", next.VoiceQuality.LossPerc)
	store.v.Set("voice_quality.jitter_target", next.VoiceQuality.JitterTarget)
	store.v.Set("voice_quality.jitter_max", next.VoiceQuality.JitterMax)
	store.v.Set("voice_quality.fec", next.VoiceQuality.FEC)
	store.v.Set("voice_quality.frame_ms", next.VoiceQuality.FrameMs)
	store.v.Set("server.host", next.Server.Host)
	store.v.Set("server.port", next.Server.Port)
	store.v.Set("server.password", next.Server.Password)
	store.v.Set("server.default_channel", next.Server.DefaultChannel)
	store.v.Set("server.allow_insecure_tls", next.Server.AllowInsecureTLS)
	store.v.Set("badge_profiles", next.BadgeProfiles)

	if err := os.MkdirAll(filepath.Dir(store.path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := store.v.WriteConfigAs(store.path); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}

	store.current.Store(&next)
	return &next, nil
}
