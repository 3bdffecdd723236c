package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/partyline-chat/partyline/internal/audiodevice"
	"github.com/partyline-chat/partyline/internal/codec"
	"github.com/partyline-chat/partyline/internal/config"
	"github.com/partyline-chat/partyline/internal/jitter"
	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/internal/mixer"
	"github.com/partyline-chat/partyline/internal/mumble"
	"github.com/partyline-chat/partyline/internal/mumble/cryptstate"
	"github.com/partyline-chat/partyline/internal/vad"
	"github.com/partyline-chat/partyline/pkg/frame"
)

const (
	// Peers whose decoded frames peak above this are "speaking" in the UI.
	speakingPeakDBFS = -45.0

	// Sequence step assumed for the extra frames of a bundled ingress
	// packet. Mainstream clients bundle at the protocol-default 20ms.
	defaultFrameTicks = 2

	// When voice rides the TCP tunnel, two Opus frames share a packet to
	// amortize the framing overhead.
	tunnelFramesPerPacket = 2
)

// frameTicksFor maps a configured frame duration onto 10ms ticks, falling
// back to the 20ms default for anything Opus would reject.
func frameTicksFor(frameMs int) int {
	if !config.ValidFrameMs(frameMs) {
		return defaultFrameTicks
	}
	return frameMs / 10
}

// planeCallbacks are how the voice plane reports upward into the control
// actor without touching its state directly.
type planeCallbacks struct {
	// onSelfLevel carries the local gate state after each capture tick.
	onSelfLevel func(transmitting bool, level float64)
	// onPeerSpeaking fires on peer speaking transitions observed in the mix.
	onPeerSpeaking func(session uint32, speaking bool, level float64)
	// onUDPPong fires when a voice-plane ping echo arrives.
	onUDPPong func(timestamp int64)
}

// silentDecoder stands in when a real Opus decoder cannot be created;
// every frame renders as silence.
type silentDecoder struct{}

func (silentDecoder) Decode(frame.EncodedFrame) (frame.PCMFrame, error) {
	return make(frame.PCMFrame, frame.SamplesPerTick), nil
}

func (silentDecoder) DecodePLC(frameSamples int) (frame.PCMFrame, error) {
	return make(frame.PCMFrame, frameSamples), nil
}

func (silentDecoder) Reset() error { return nil }

// peerStream is the receive state for one session: a decoder feeding a
// jitter buffer, plus speaking bookkeeping owned by the mix loop.
type peerStream struct {
	buffer *jitter.Buffer

	speaking   bool
	speakingAt time.Time
}

// voicePlane owns both real-time pipelines of a live session. The control
// actor creates one per connection and tears it down on disconnect.
type voicePlane struct {
	logger *slog.Logger
	meter  *metrics.Engine

	transport *transport
	crypt     *cryptstate.CryptState
	gate      *vad.Gate
	mix       *mixer.Mixer
	callbacks planeCallbacks

	encoder  *codec.Encoder
	sequence int64

	// Opus frame length on the transmit path, in 10ms ticks.
	frameTicks int

	// Voice path selection. udpOpen flips when a ping echo proves the
	// datagram path; tunnelPermanent latches when crypto never comes up.
	udpOpen         atomic.Bool
	tunnelPermanent atomic.Bool

	// Loopback flips the voice target so the server echoes our stream.
	loopback atomic.Bool

	deafened atomic.Bool

	jitterTarget int
	jitterMax    int

	peersMu sync.Mutex
	peers   map[uint32]*peerStream

	// Active soundboard clip, mixed into the transmit path.
	clipMu     sync.Mutex
	clip       frame.PCMFrame
	clipOffset int

	stopOnce sync.Once
	stopped  chan struct{}
}

func newVoicePlane(
	t *transport,
	crypt *cryptstate.CryptState,
	gate *vad.Gate,
	mix *mixer.Mixer,
	quality config.VoiceQuality,
	callbacks planeCallbacks,
	meter *metrics.Engine,
	logger *slog.Logger,
) (*voicePlane, error) {
	encoder, err := codec.NewEncoder(codec.Settings{
		Bitrate:        quality.Bitrate,
		LossPercentage: quality.LossPerc,
		InbandFEC:      quality.FEC,
	})
	if err != nil {
		return nil, err
	}
	meter.BitrateBPS.Store(int64(quality.Bitrate))

	return &voicePlane{
		logger:       logger.With("component", "voice"),
		meter:        meter,
		transport:    t,
		crypt:        crypt,
		gate:         gate,
		mix:          mix,
		callbacks:    callbacks,
		encoder:      encoder,
		frameTicks:   frameTicksFor(quality.FrameMs),
		jitterTarget: quality.JitterTarget,
		jitterMax:    quality.JitterMax,
		peers:        make(map[uint32]*peerStream),
		stopped:      make(chan struct{}),
	}, nil
}

func (p *voicePlane) stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// --------------------------------------------------------------------------------
// Transmit path

// runTransmit consumes the capture stream until it closes or the plane
// stops. Frames arrive at device rate and are converted, re-chunked to
// ticks, gated, mixed with any soundboard clip, encoded and sent.
func (p *voicePlane) runTransmit(input audiodevice.InputStream) {
	props := input.GetDeviceProperties()
	converter := audiodevice.NewConverter(props, audiodevice.DeviceProperties{
		SampleRate:  frame.CanonicalSampleRate,
		NumChannels: frame.CanonicalChannels,
	})
	chunker := audiodevice.NewChunker(frame.SamplesPerTick)

	var (
		pcmAccum      frame.PCMFrame
		pendingFrames []mumble.OpusFrame
		wasActive     bool
	)

	for {
		select {
		case <-p.stopped:
			return
		case raw, ok := <-input.GetStream():
			if !ok {
				return
			}

			for _, tick := range chunker.Push(converter.Convert(raw)) {
				decision := p.gate.ProcessFrame(tick, frame.TickDuration)

				clipTick, clipActive := p.nextClipTick()
				active := decision.Open || clipActive

				if decision.Edge && decision.Open {
					// Fresh utterance: stale encoder state would color its
					// first frames.
					if err := p.encoder.Reset(); err != nil {
						p.logger.Warn("encoder reset failed", "err", err)
					}
				}

				p.callbacks.onSelfLevel(active, decision.Level)

				if !active {
					if wasActive {
						pendingFrames = p.flushUtterance(pcmAccum, pendingFrames)
						pcmAccum = nil
					}
					wasActive = false
					continue
				}
				wasActive = true

				if clipActive {
					tick = tick.Clone()
					for i := range tick {
						if i < len(clipTick) {
							tick[i] += clipTick[i]
						}
					}
				}

				pcmAccum = append(pcmAccum, tick...)
				if len(pcmAccum) < p.frameTicks*frame.SamplesPerTick {
					continue
				}

				payload, err := p.encoder.Encode(pcmAccum)
				pcmAccum = pcmAccum[:0]
				if err != nil {
					p.meter.TxEncodeErrors.Add(1)
					continue
				}

				pendingFrames = append(pendingFrames, mumble.OpusFrame{
					Payload: append([]byte(nil), payload...),
				})
				pendingFrames = p.maybeSend(pendingFrames, false)
			}
		}
	}
}

// nextClipTick pops one tick of the active soundboard clip, if any.
func (p *voicePlane) nextClipTick() (frame.PCMFrame, bool) {
	p.clipMu.Lock()
	defer p.clipMu.Unlock()

	if p.clip == nil {
		return nil, false
	}
	remaining := len(p.clip) - p.clipOffset
	if remaining <= 0 {
		p.clip = nil
		p.clipOffset = 0
		return nil, false
	}

	n := frame.SamplesPerTick
	if n > remaining {
		n = remaining
	}
	tick := p.clip[p.clipOffset : p.clipOffset+n]
	p.clipOffset += n
	return tick, true
}

// playClip queues a decoded clip for injection into the transmit mix,
// replacing any clip already playing.
func (p *voicePlane) playClip(samples frame.PCMFrame) {
	p.clipMu.Lock()
	defer p.clipMu.Unlock()
	p.clip = samples
	p.clipOffset = 0
}

// maybeSend transmits the pending frames once enough have accumulated for
// the current path. A final flush sends whatever is left.
func (p *voicePlane) maybeSend(pending []mumble.OpusFrame, final bool) []mumble.OpusFrame {
	framesPerPacket := 1
	if !p.useUDP() {
		framesPerPacket = tunnelFramesPerPacket
	}
	if !final && len(pending) < framesPerPacket {
		return pending
	}
	if len(pending) == 0 {
		return pending
	}

	p.sendVoicePacket(pending)
	return pending[:0]
}

// flushUtterance sends any buffered audio followed by the stop marker that
// lets receivers finalize the stream.
func (p *voicePlane) flushUtterance(pcmAccum frame.PCMFrame, pending []mumble.OpusFrame) []mumble.OpusFrame {
	// A partial tick accumulation is padded to a full frame so the last
	// syllable is not clipped off.
	if len(pcmAccum) > 0 {
		padded := make(frame.PCMFrame, p.frameTicks*frame.SamplesPerTick)
		copy(padded, pcmAccum)
		if payload, err := p.encoder.Encode(padded); err == nil {
			pending = append(pending, mumble.OpusFrame{Payload: append([]byte(nil), payload...)})
		}
	}

	pending = append(pending, mumble.OpusFrame{Terminator: true})
	return p.maybeSend(pending, true)
}

func (p *voicePlane) sendVoicePacket(frames []mumble.OpusFrame) {
	target := byte(mumble.TargetNormal)
	if p.loopback.Load() {
		target = mumble.TargetLoopback
	}

	packet, err := mumble.EncodeVoicePacket(target, p.sequence, frames)
	if err != nil {
		p.meter.TxEncodeErrors.Add(1)
		return
	}
	for _, f := range frames {
		if len(f.Payload) > 0 {
			p.sequence += int64(p.frameTicks)
		}
	}

	if p.useUDP() {
		sealed, err := p.crypt.Encrypt(packet)
		if err == nil {
			if err := p.transport.sendUDP(sealed); err == nil {
				p.meter.TxPacketsSentUDP.Add(1)
				return
			}
		}
		// Fall through to the tunnel on any UDP failure.
	}

	if err := p.transport.sendControl(mumble.TypeUDPTunnel, packet); err != nil {
		p.meter.TxFramesDropped.Add(uint64(len(frames)))
		return
	}
	p.meter.TxPacketsSentTCP.Add(1)
}

// sendUDPPing emits a voice-plane ping when the datagram path is still
// worth probing.
func (p *voicePlane) sendUDPPing(timestamp int64) {
	if p.tunnelPermanent.Load() || !p.crypt.Ready() {
		return
	}
	sealed, err := p.crypt.Encrypt(mumble.EncodeVoicePing(timestamp))
	if err != nil {
		return
	}
	_ = p.transport.sendUDP(sealed)
}

func (p *voicePlane) useUDP() bool {
	return p.udpOpen.Load() && !p.tunnelPermanent.Load() && p.crypt.Ready()
}

// --------------------------------------------------------------------------------
// Receive path

// runUDPReceive drains the UDP socket until it closes.
func (p *voicePlane) runUDPReceive() {
	buf := make([]byte, 2048)
	for {
		n, err := p.transport.readUDP(buf)
		if err != nil {
			return
		}

		plain, err := p.crypt.Decrypt(buf[:n])
		if err != nil {
			p.meter.RxDecryptFailures.Add(1)
			continue
		}
		p.meter.RxPacketsUDP.Add(1)

		if timestamp, ok := mumble.DecodeVoicePing(plain); ok {
			p.callbacks.onUDPPong(timestamp)
			continue
		}
		p.ingestVoicePacket(plain)
	}
}

// ingestTunnel handles a voice payload that arrived inside the control
// stream. Tunneled packets are plaintext.
func (p *voicePlane) ingestTunnel(payload []byte) {
	p.meter.RxPacketsTunnel.Add(1)
	if timestamp, ok := mumble.DecodeVoicePing(payload); ok {
		p.callbacks.onUDPPong(timestamp)
		return
	}
	p.ingestVoicePacket(payload)
}

// ingestVoicePacket demultiplexes one parsed packet into the sender's
// jitter buffer.
func (p *voicePlane) ingestVoicePacket(data []byte) {
	packet, err := mumble.DecodeVoicePacket(data)
	if err != nil {
		p.meter.RxMalformedPackets.Add(1)
		return
	}

	peer := p.peer(packet.Session)
	seq := packet.Sequence
	for _, f := range packet.Frames {
		if f.IsStopMarker() {
			p.finishPeerUtterance(packet.Session)
			continue
		}
		peer.buffer.Push(seq, f.Payload)
		seq += defaultFrameTicks
	}
}

// peer returns the receive state for a session, creating it on first
// contact.
func (p *voicePlane) peer(session uint32) *peerStream {
	p.peersMu.Lock()
	defer p.peersMu.Unlock()

	if peer, ok := p.peers[session]; ok {
		return peer
	}

	var decoder jitter.FrameDecoder
	if opusDecoder, err := codec.NewDecoder(); err == nil {
		decoder = opusDecoder
	} else {
		// Out of memory territory; a silent stream beats a dead engine.
		p.logger.Error("could not create decoder for peer", "session", session, "err", err)
		decoder = silentDecoder{}
	}
	peer := &peerStream{
		buffer: jitter.New(decoder, p.jitterTarget, p.jitterMax, p.meter),
	}
	p.peers[session] = peer
	return peer
}

// finishPeerUtterance clears the speaking flag promptly on a stop marker
// instead of waiting for the hold timer.
func (p *voicePlane) finishPeerUtterance(session uint32) {
	p.peersMu.Lock()
	peer, ok := p.peers[session]
	if ok && peer.speaking {
		peer.speaking = false
		peer.speakingAt = time.Time{}
	}
	p.peersMu.Unlock()
	if ok {
		p.callbacks.onPeerSpeaking(session, false, 0)
	}
}

// dropPeer forgets a session's receive state, on UserRemove.
func (p *voicePlane) dropPeer(session uint32) {
	p.peersMu.Lock()
	defer p.peersMu.Unlock()
	delete(p.peers, session)
}

// --------------------------------------------------------------------------------
// Mix/output path

// runMix drives the output cadence: every 10ms it pulls one tick from
// each peer buffer, updates speaking indicators, mixes and writes to the
// device. Deafened keeps the clocks ticking but renders silence.
func (p *voicePlane) runMix(output audiodevice.OutputStream) {
	props := output.GetDeviceProperties()
	converter := audiodevice.NewConverter(audiodevice.DeviceProperties{
		SampleRate:  frame.CanonicalSampleRate,
		NumChannels: frame.CanonicalChannels,
	}, props)

	ticker := time.NewTicker(frame.TickDuration)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case now := <-ticker.C:
			inputs := p.collectTick(now)

			if p.deafened.Load() {
				continue
			}

			mixed := p.mix.MixTick(inputs)
			out := converter.Convert(mixed).Clone()
			output.TryWrite(out)
		}
	}
}

// collectTick pulls one tick per peer and maintains speaking state.
func (p *voicePlane) collectTick(now time.Time) map[uint32]frame.PCMFrame {
	p.peersMu.Lock()
	sessions := make([]uint32, 0, len(p.peers))
	streams := make([]*peerStream, 0, len(p.peers))
	for session, peer := range p.peers {
		sessions = append(sessions, session)
		streams = append(streams, peer)
	}
	p.peersMu.Unlock()

	inputs := make(map[uint32]frame.PCMFrame, len(sessions))
	for i, session := range sessions {
		peer := streams[i]
		pcm := peer.buffer.Tick()
		inputs[session] = pcm

		peak := vad.PeakDBFS(pcm)
		if peak > speakingPeakDBFS {
			peer.speakingAt = now
			if !peer.speaking {
				peer.speaking = true
				p.callbacks.onPeerSpeaking(session, true, peak)
			}
		} else if peer.speaking && now.Sub(peer.speakingAt) > speakingHold {
			peer.speaking = false
			p.callbacks.onPeerSpeaking(session, false, peak)
		}
	}
	return inputs
}

// reconfigureQuality applies a voice-quality bundle to the live encoder.
// Jitter parameters apply to peers created afterwards.
func (p *voicePlane) reconfigureQuality(quality config.VoiceQuality) error {
	p.frameTicks = frameTicksFor(quality.FrameMs)
	p.jitterTarget = quality.JitterTarget
	p.jitterMax = quality.JitterMax
	p.meter.BitrateBPS.Store(int64(quality.Bitrate))
	return p.encoder.Reconfigure(codec.Settings{
		Bitrate:        quality.Bitrate,
		LossPercentage: quality.LossPerc,
		InbandFEC:      quality.FEC,
	})
}
