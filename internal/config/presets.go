package config

import "fmt"

// Named voice-quality bundles. A preset is persisted as one snapshot
// update. On a live session the encoder is reconfigured at once, while the
// jitter parameters only apply to peer buffers created afterwards.
var presets = map[string]VoiceQuality{
	"low": {
		Bitrate:      24000,
		LossPerc:     20,
		JitterTarget: 5,
		JitterMax:    16,
		FEC:          true,
		FrameMs:      40,
	},
	"balanced": {
		Bitrate:      DefaultBitrate,
		LossPerc:     DefaultLossPercentage,
		JitterTarget: DefaultJitterTarget,
		JitterMax:    DefaultJitterMax,
		FEC:          true,
		FrameMs:      DefaultFrameMs,
	},
	"high": {
		Bitrate:      72000,
		LossPerc:     5,
		JitterTarget: 2,
		JitterMax:    8,
		FEC:          false,
		FrameMs:      10,
	},
}

// Preset returns the named voice-quality bundle.
func Preset(name string) (VoiceQuality, error) {
	preset, ok := presets[name]
	if !ok {
		return VoiceQuality{}, fmt.Errorf("unknown voice quality preset %q", name)
	}
	return preset, nil
}
