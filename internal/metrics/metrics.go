package metrics

import "sync/atomic"

// Engine holds the counters and gauges observed from every component.
// All fields are updated with atomic operations so the audio and network
// goroutines never contend on a lock for bookkeeping.
type Engine struct {
	// Audio I/O
	InputDroppedChunks    atomic.Uint64
	OutputUnderflowEvents atomic.Uint64

	// Transmit path
	TxPacketsSentUDP atomic.Uint64
	TxPacketsSentTCP atomic.Uint64
	TxEncodeErrors   atomic.Uint64
	TxFramesDropped  atomic.Uint64

	// Receive path
	RxPacketsUDP          atomic.Uint64
	RxPacketsTunnel       atomic.Uint64
	RxDecryptFailures     atomic.Uint64
	RxLateFramesDropped   atomic.Uint64
	RxGapEvents           atomic.Uint64
	RxPLCFrames           atomic.Uint64
	RxMalformedPackets    atomic.Uint64
	MixerNonFiniteSamples atomic.Uint64
	MixerClippedSamples   atomic.Uint64

	// Control plane
	PingsSent      atomic.Uint64
	PingsAcked     atomic.Uint64
	ProtocolErrors atomic.Uint64
	Reconnects     atomic.Uint64

	// Gauges (stored as raw bits / plain values)
	TCPLatencyMs atomic.Int64
	UDPLatencyMs atomic.Int64
	JitterDepth  atomic.Int64
	BitrateBPS   atomic.Int64
}

// Snapshot is a plain-value copy of every counter, suitable for events
// and for test assertions.
type Snapshot struct {
	InputDroppedChunks    uint64 `json:"input_dropped_chunks"`
	OutputUnderflowEvents uint64 `json:"output_underflow_events"`

	TxPacketsSentUDP uint64 `json:"tx_packets_sent_udp"`
	TxPacketsSentTCP uint64 `json:"tx_packets_sent_tcp"`
	TxEncodeErrors   uint64 `json:"tx_encode_errors"`
	TxFramesDropped  uint64 `json:"tx_frames_dropped"`

	RxPacketsUDP          uint64 `json:"rx_packets_udp"`
	RxPacketsTunnel       uint64 `json:"rx_packets_tunnel"`
	RxDecryptFailures     uint64 `json:"rx_decrypt_failures"`
	RxLateFramesDropped   uint64 `json:"rx_late_frames_dropped"`
	RxGapEvents           uint64 `json:"rx_gap_events"`
	RxPLCFrames           uint64 `json:"rx_plc_frames"`
	RxMalformedPackets    uint64 `json:"rx_malformed_packets"`
	MixerNonFiniteSamples uint64 `json:"mixer_non_finite_samples"`
	MixerClippedSamples   uint64 `json:"mixer_clipped_samples"`

	PingsSent      uint64 `json:"pings_sent"`
	PingsAcked     uint64 `json:"pings_acked"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	Reconnects     uint64 `json:"reconnects"`

	TCPLatencyMs int64 `json:"tcp_latency_ms"`
	UDPLatencyMs int64 `json:"udp_latency_ms"`
	JitterDepth  int64 `json:"jitter_depth"`
	BitrateBPS   int64 `json:"bitrate_bps"`
}

func New() *Engine {
	return &Engine{}
}

// Snapshot copies every counter into a plain struct.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		InputDroppedChunks:    e.InputDroppedChunks.Load(),
		OutputUnderflowEvents: e.OutputUnderflowEvents.Load(),

		TxPacketsSentUDP: e.TxPacketsSentUDP.Load(),
		TxPacketsSentTCP: e.TxPacketsSentTCP.Load(),
		TxEncodeErrors:   e.TxEncodeErrors.Load(),
		TxFramesDropped:  e.TxFramesDropped.Load(),

		RxPacketsUDP:          e.RxPacketsUDP.Load(),
		RxPacketsTunnel:       e.RxPacketsTunnel.Load(),
		RxDecryptFailures:     e.RxDecryptFailures.Load(),
		RxLateFramesDropped:   e.RxLateFramesDropped.Load(),
		RxGapEvents:           e.RxGapEvents.Load(),
		RxPLCFrames:           e.RxPLCFrames.Load(),
		RxMalformedPackets:    e.RxMalformedPackets.Load(),
		MixerNonFiniteSamples: e.MixerNonFiniteSamples.Load(),
		MixerClippedSamples:   e.MixerClippedSamples.Load(),

		PingsSent:      e.PingsSent.Load(),
		PingsAcked:     e.PingsAcked.Load(),
		ProtocolErrors: e.ProtocolErrors.Load(),
		Reconnects:     e.Reconnects.Load(),

		TCPLatencyMs: e.TCPLatencyMs.Load(),
		UDPLatencyMs: e.UDPLatencyMs.Load(),
		JitterDepth:  e.JitterDepth.Load(),
		BitrateBPS:   e.BitrateBPS.Load(),
	}
}
