// Package client is the voice engine proper: the protocol state machine,
// the connection supervisor and the command surface exposed to the
// presentation layer.
//
// All protocol and roster state is owned by a single control-actor
// goroutine. Commands and internal notifications arrive on its queue as
// closures, so that state never needs a lock.
package client

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/partyline-chat/partyline/internal/audiodevice"
	"github.com/partyline-chat/partyline/internal/bus"
	"github.com/partyline-chat/partyline/internal/config"
	"github.com/partyline-chat/partyline/internal/hotkey"
	"github.com/partyline-chat/partyline/internal/metrics"
	"github.com/partyline-chat/partyline/internal/mixer"
	"github.com/partyline-chat/partyline/internal/mumble"
	"github.com/partyline-chat/partyline/internal/mumble/cryptstate"
	"github.com/partyline-chat/partyline/internal/soundboard"
	"github.com/partyline-chat/partyline/internal/vad"
)

const (
	clientReleaseName = "partyline"

	// Wire protocol version presented to the server: 1.4.0.
	protocolVersion = 1<<16 | 4<<8

	maxNicknameChars = 32
	maxMessageChars  = 1024

	pingInterval = 5 * time.Second

	// How long the engine keeps probing UDP after Connected before
	// latching the TCP tunnel for the whole session.
	udpEstablishDeadline = 15 * time.Second

	// An established UDP path with no ping echo for this long falls back
	// to the tunnel.
	udpSilenceLimit = 6 * time.Second

	rosterCoalesceInterval = 100 * time.Millisecond

	// Protocol-error storm threshold: more than this many in one window
	// drops the connection.
	protocolErrorLimit  = 30
	protocolErrorWindow = 3 * time.Second

	commandQueueDepth = 64

	// The reserved nickname that routes authentication through the
	// server's privileged account.
	superuserNickname = "SuperUser"
)

// hotkeySourceFactory overrides the hotkey edge source; nil means the
// real global OS hook. Tests substitute a scripted source here.
var hotkeySourceFactory func(hotkey.Combination) (hotkey.EdgeSource, error)

// identity is what the UI passed into connect.
type identity struct {
	nickname   string
	badgeCodes []string
}

// session is the state of one connection attempt/lifetime, owned by the
// control actor.
type session struct {
	transport *transport
	crypt     *cryptstate.CryptState
	plane     *voicePlane

	roster *roster

	identity identity

	connectedAt time.Time
	udpOpen     bool
	lastUDPAck  time.Time
	synced      bool
	userClosed  bool

	protocolErrors     int
	protocolErrorsFrom time.Time
}

// Engine is the voice engine. Exported methods are the command surface;
// events flow out on the Bus.
type Engine struct {
	logger *slog.Logger
	meter  *metrics.Engine
	events *bus.Bus
	store  *config.Store
	board  *soundboard.Board

	backend audiodevice.Backend
	gate    *vad.Gate
	mix     *mixer.Mixer
	hotkeys *hotkey.Service

	rosterEmitter *bus.Coalescer

	// The actor queue. Every mutation of actor-owned state goes through
	// here.
	commands chan func()
	closed   chan struct{}

	// --- actor-owned state below; only the actor goroutine touches it ---

	connState   bus.ConnectionState
	lastReason  string
	current     *session
	attempt     int
	retryTimer  *time.Timer
	wantSession bool

	selfMuted    bool
	selfDeafened bool
	pttEnabled   bool
	transmitting bool

	activeChannel string

	pinnedFingerprint string

	input  audiodevice.InputStream
	output audiodevice.OutputStream
}

// New assembles an engine around its collaborators. The config store and
// soundboard must be ready; the audio backend is opened lazily.
func New(
	store *config.Store,
	board *soundboard.Board,
	backend audiodevice.Backend,
	events *bus.Bus,
	meter *metrics.Engine,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.New()
	}

	snapshot := store.Current()

	mode := vad.ModeContinuous
	if snapshot.PTTEnabled {
		mode = vad.ModePushToTalk
	}

	engine := &Engine{
		logger:    logger.With("component", "engine"),
		meter:     meter,
		events:    events,
		store:     store,
		board:     board,
		backend:   backend,
		gate:      vad.NewGate(mode),
		mix:       mixer.New(meter),
		commands:  make(chan func(), commandQueueDepth),
		closed:    make(chan struct{}),
		connState: bus.StateDisconnected,
	}
	engine.mix.SetMasterGain(snapshot.OutputVolume)
	engine.pttEnabled = snapshot.PTTEnabled

	engine.rosterEmitter = bus.NewCoalescer(rosterCoalesceInterval, events.Publish)

	engine.hotkeys = hotkey.NewService(engine.onHotkeyEdge, hotkeySourceFactory)
	if err := engine.hotkeys.Register(snapshot.PTTHotkey); err != nil {
		engine.logger.Warn("global hotkey unavailable, focus-only fallback", "hotkey", snapshot.PTTHotkey, "err", err)
	}

	go engine.runActor()
	return engine
}

func (e *Engine) onHotkeyEdge(edge hotkey.Edge) {
	switch edge {
	case hotkey.PressEdge:
		e.gate.PressEdge()
	case hotkey.ReleaseEdge:
		e.gate.ReleaseEdge()
	}
}

// post enqueues a closure for the actor, dropping it when the engine has
// shut down.
func (e *Engine) post(fn func()) {
	select {
	case e.commands <- fn:
	case <-e.closed:
	}
}

// runActor is the control actor: the single goroutine that owns protocol,
// roster and self state.
func (e *Engine) runActor() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	speakTicker := time.NewTicker(rosterCoalesceInterval)
	defer speakTicker.Stop()

	for {
		select {
		case <-e.closed:
			e.teardownSession(false)
			return
		case fn := <-e.commands:
			fn()
		case <-pingTicker.C:
			e.actorPingTick()
		case <-speakTicker.C:
			e.actorSpeakingTick()
		}
	}
}

// Close shuts the engine down: session torn down, hotkey hook released,
// event bus closed.
func (e *Engine) Close() {
	done := make(chan struct{})
	e.post(func() {
		e.teardownSession(false)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	close(e.closed)
	e.hotkeys.Close()
	e.rosterEmitter.Stop()
	if e.input != nil {
		e.input.Close()
	}
	if e.output != nil {
		e.output.Close()
	}
	e.events.Close()
}

// --------------------------------------------------------------------------------
// Command surface

// Bootstrap is the state snapshot a freshly attached presentation layer
// renders from before any events arrive.
type Bootstrap struct {
	Config     config.Snapshot     `json:"config"`
	Connection bus.ConnectionEvent `json:"connection"`
	Roster     bus.RosterEvent     `json:"roster"`
	Devices    bus.DevicesEvent    `json:"devices"`
	SelfState  bus.SelfEvent       `json:"self_state"`
}

// GetBootstrap assembles the snapshot on the actor so it is internally
// consistent.
func (e *Engine) GetBootstrap() Bootstrap {
	result := make(chan Bootstrap, 1)
	e.post(func() {
		snapshot := Bootstrap{
			Config:     *e.store.Current(),
			Connection: bus.ConnectionEvent{State: e.connState, Reason: e.lastReason},
			SelfState:  e.selfEvent(),
			Devices:    e.listDevices(),
		}
		if e.current != nil && e.current.synced {
			snapshot.Roster = e.current.roster.buildEvent()
		}
		result <- snapshot
	})
	select {
	case snapshot := <-result:
		return snapshot
	case <-e.closed:
		return Bootstrap{}
	}
}

// Connect starts a session as the given identity. Validation is
// synchronous; the dial itself is not.
func (e *Engine) Connect(nickname string, badgeCodes []string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrEmptyNickname
	}
	if len([]rune(nickname)) > maxNicknameChars {
		return ErrNicknameTooLong
	}
	if e.store.Current().Server.Host == "" {
		return ErrNoServerHost
	}

	badges := normalizeBadgeCodes(badgeCodes)
	if _, err := e.store.Update(func(s *config.Snapshot) {
		s.Nickname = nickname
		if s.BadgeProfiles == nil {
			s.BadgeProfiles = make(map[string][]string)
		}
		s.BadgeProfiles[nickname] = badges
	}); err != nil {
		e.logger.Warn("could not persist identity", "err", err)
	}

	e.post(func() {
		if e.wantSession {
			return
		}
		e.wantSession = true
		e.attempt = 0
		e.startSession(identity{nickname: nickname, badgeCodes: badges})
	})
	return nil
}

// Disconnect ends the session. Per protocol there is no goodbye message;
// the TLS stream is closed cleanly.
func (e *Engine) Disconnect() {
	e.post(func() {
		e.wantSession = false
		e.cancelRetry()
		e.teardownSession(true)
		e.setConnState(bus.StateDisconnected, "")
	})
}

// ReconnectNow skips the current backoff delay.
func (e *Engine) ReconnectNow() {
	e.post(func() {
		if !e.wantSession || e.current != nil || e.retryTimer == nil {
			return
		}
		e.cancelRetry()
		e.startSession(e.lastIdentity())
	})
}

// SetMute flips the local microphone mute.
func (e *Engine) SetMute(muted bool) {
	e.post(func() { e.applyMuteDeafen(muted, e.selfDeafened) })
}

// SetDeafen flips local deafen; deafening also mutes when the config says
// so.
func (e *Engine) SetDeafen(deafened bool) {
	e.post(func() {
		muted := e.selfMuted
		if deafened && e.store.Current().AutoMuteOnDeafen {
			muted = true
		}
		e.applyMuteDeafen(muted, deafened)
	})
}

// SetPTT switches between push-to-talk and continuous transmission.
func (e *Engine) SetPTT(enabled bool) {
	e.post(func() {
		if e.pttEnabled == enabled {
			return
		}
		e.pttEnabled = enabled
		if enabled {
			e.gate.SetMode(vad.ModePushToTalk)
		} else {
			e.gate.SetMode(vad.ModeContinuous)
		}
		e.persist(func(s *config.Snapshot) { s.PTTEnabled = enabled })
		e.emitSelf()
	})
}

// SetPTTHotkey re-registers the global hotkey. Syntax errors are
// synchronous; registration failures surface as a degraded (focus-only)
// mode but keep the engine running.
func (e *Engine) SetPTTHotkey(raw string) error {
	if _, err := hotkey.Parse(raw); err != nil {
		return err
	}

	err := e.hotkeys.Register(raw)
	e.post(func() {
		e.persist(func(s *config.Snapshot) { s.PTTHotkey = raw })
	})
	if err != nil {
		return fmt.Errorf("hotkey registered focus-only: %w", err)
	}
	return nil
}

// SetInputDevice reopens capture on the given device id.
func (e *Engine) SetInputDevice(deviceID string) {
	e.post(func() {
		e.persist(func(s *config.Snapshot) { s.InputDevice = deviceID })
		e.reopenInput(deviceID)
	})
}

// SetOutputDevice reopens playback on the given device id.
func (e *Engine) SetOutputDevice(deviceID string) {
	e.post(func() {
		e.persist(func(s *config.Snapshot) { s.OutputDevice = deviceID })
		e.reopenOutput(deviceID)
	})
}

// RefreshDevices re-enumerates and publishes the device lists.
func (e *Engine) RefreshDevices() {
	e.post(func() { e.events.Publish(e.listDevices()) })
}

// SetServerEndpoint replaces the endpoint; it takes effect at the next
// connect.
func (e *Engine) SetServerEndpoint(host string, port int) {
	e.post(func() {
		e.persist(func(s *config.Snapshot) {
			s.Server.Host = host
			if port > 0 {
				s.Server.Port = port
			}
		})
	})
}

// SetOutputVolume adjusts the master output gain.
func (e *Engine) SetOutputVolume(volume float64) {
	e.post(func() {
		e.mix.SetMasterGain(volume)
		e.persist(func(s *config.Snapshot) { s.OutputVolume = volume })
	})
}

// SetUserVolume adjusts one peer's playback gain. Persistence is a future
// config field.
func (e *Engine) SetUserVolume(session uint32, gain float64) {
	e.post(func() { e.mix.SetUserGain(session, gain) })
}

// SetVoiceQuality persists a named preset as one bundle and applies it to
// the live encoder; jitter parameters apply to peer buffers created
// afterwards, existing peer buffers keep theirs.
func (e *Engine) SetVoiceQuality(preset string) error {
	quality, err := config.Preset(preset)
	if err != nil {
		return err
	}
	e.post(func() {
		e.persist(func(s *config.Snapshot) { s.VoiceQuality = quality })
		if e.current != nil && e.current.plane != nil {
			if err := e.current.plane.reconfigureQuality(quality); err != nil {
				e.logger.Warn("voice quality reconfigure failed", "err", err)
			}
		}
	})
	return nil
}

// SetLoopback toggles the server echo target for a self mic test.
func (e *Engine) SetLoopback(enabled bool) {
	e.post(func() {
		if e.current != nil && e.current.plane != nil {
			e.current.plane.loopback.Store(enabled)
		}
	})
}

// SendMessage posts a text message to the current channel.
func (e *Engine) SendMessage(message string) error {
	if len([]rune(message)) > maxMessageChars {
		return ErrMessageTooLong
	}
	e.post(func() {
		if e.current == nil || !e.current.synced {
			return
		}
		channelID := e.current.roster.selfChannelID()
		msg := &mumble.TextMessage{ChannelIDs: []uint32{channelID}, Message: message}
		if err := e.current.transport.sendControl(mumble.TypeTextMessage, msg.Marshal()); err != nil {
			e.handleTransportLoss(&transportError{reason: "send message failed", err: err})
		}
	})
	return nil
}

// ListClips, ImportClip, PlayClip and DeleteClip are the soundboard
// commands. Playback is injected into the transmit mix so remote peers
// hear the clip.
func (e *Engine) ListClips() []soundboard.Clip { return e.board.List() }

func (e *Engine) ImportClip(label string, wavBytes []byte) (soundboard.Clip, error) {
	return e.board.Import(label, wavBytes)
}

func (e *Engine) PlayClip(id string) error {
	samples, err := e.board.Samples(id)
	if err != nil {
		return err
	}
	e.post(func() {
		if e.current != nil && e.current.plane != nil {
			e.current.plane.playClip(samples)
		}
	})
	return nil
}

func (e *Engine) DeleteClip(id string) error { return e.board.Delete(id) }

// --------------------------------------------------------------------------------
// Actor internals: session lifecycle

func (e *Engine) lastIdentity() identity {
	snapshot := e.store.Current()
	return identity{
		nickname:   snapshot.Nickname,
		badgeCodes: snapshot.BadgeProfiles[snapshot.Nickname],
	}
}

// startSession dials in a worker goroutine and hands the result back to
// the actor. Runs on the actor.
func (e *Engine) startSession(who identity) {
	if e.current != nil {
		return
	}

	state := bus.StateConnecting
	if e.attempt > 0 {
		state = bus.StateReconnecting
	}
	e.setConnState(state, e.lastReason)

	snapshot := e.store.Current()
	server := snapshot.Server
	pinned := e.pinnedFingerprint

	go func() {
		t, err := dialTransport(server, pinned)
		e.post(func() { e.finishDial(who, t, err) })
	}()
}

// finishDial completes connection setup once the dial worker reports in.
// Runs on the actor.
func (e *Engine) finishDial(who identity, t *transport, err error) {
	if !e.wantSession {
		if t != nil {
			t.close()
		}
		return
	}
	if err != nil {
		e.scheduleRetry(err.Error())
		return
	}

	if cert := t.peerCertificate(); cert != nil && e.pinnedFingerprint == "" {
		e.pinnedFingerprint = CertFingerprint(cert)
	}

	snapshot := e.store.Current()
	sess := &session{
		transport: t,
		crypt:     &cryptstate.CryptState{},
		roster:    newRoster(snapshot.Server.DefaultChannel, e.logger),
		identity:  who,
	}

	plane, planeErr := newVoicePlane(
		t,
		sess.crypt,
		e.gate,
		e.mix,
		snapshot.VoiceQuality,
		planeCallbacks{
			onSelfLevel:    e.makeSelfLevelCallback(),
			onPeerSpeaking: e.onPeerSpeaking,
			onUDPPong:      e.onUDPPong,
		},
		e.meter,
		e.logger,
	)
	if planeErr != nil {
		t.close()
		e.scheduleRetry("codec init failed: " + planeErr.Error())
		return
	}
	sess.plane = plane
	e.current = sess

	if err := e.sendHandshake(sess); err != nil {
		e.handleTransportLoss(err)
		return
	}

	go e.runControlReader(sess)
}

// sendHandshake emits Version and Authenticate. Runs on the actor.
func (e *Engine) sendHandshake(sess *session) error {
	version := &mumble.Version{
		Version: protocolVersion,
		Release: clientReleaseName,
		OS:      runtime.GOOS,
	}
	if err := sess.transport.sendControl(mumble.TypeVersion, version.Marshal()); err != nil {
		return &transportError{reason: "send version failed", err: err}
	}

	username, password := deriveAuthProfile(sess.identity.nickname, e.store.Current().Server)
	auth := &mumble.Authenticate{
		Username: username,
		Password: password,
		Opus:     true,
	}
	if err := sess.transport.sendControl(mumble.TypeAuthenticate, auth.Marshal()); err != nil {
		return &transportError{reason: "send authenticate failed", err: err}
	}
	return nil
}

// deriveAuthProfile maps the UI nickname onto wire credentials. The
// reserved superuser nickname routes the configured password through the
// privileged account; everything else authenticates as itself.
func deriveAuthProfile(nickname string, server config.Server) (username, password string) {
	if strings.EqualFold(nickname, superuserNickname) {
		return superuserNickname, server.Password
	}
	return nickname, server.Password
}

// runControlReader pumps control frames into the actor until the stream
// dies.
func (e *Engine) runControlReader(sess *session) {
	for {
		controlFrame, err := sess.transport.readControl()
		if err != nil {
			e.post(func() {
				if e.current != sess || sess.userClosed {
					return
				}
				e.handleTransportLoss(&transportError{reason: "transport closed", err: err})
			})
			return
		}
		e.post(func() {
			if e.current != sess {
				return
			}
			e.handleControlFrame(sess, controlFrame)
		})
	}
}

// teardownSession closes the live session, if any. Runs on the actor.
func (e *Engine) teardownSession(userInitiated bool) {
	sess := e.current
	if sess == nil {
		return
	}
	sess.userClosed = userInitiated
	sess.plane.stop()
	sess.transport.close()
	e.current = nil
	e.setTransmitting(false)
	e.rosterEmitter.Stop()
}

// scheduleRetry arms the backoff timer for the next attempt. Runs on the
// actor.
func (e *Engine) scheduleRetry(reason string) {
	if !e.wantSession {
		return
	}
	e.attempt++
	e.meter.Reconnects.Add(1)
	e.lastReason = reason
	e.setConnState(bus.StateReconnecting, reason)

	delay := reconnectDelay(e.attempt)
	e.logger.Info("scheduling reconnect", "attempt", e.attempt, "delay", delay, "reason", reason)
	e.retryTimer = time.AfterFunc(delay, func() {
		e.post(func() {
			e.retryTimer = nil
			if !e.wantSession || e.current != nil {
				return
			}
			e.startSession(e.lastIdentity())
		})
	})
}

func (e *Engine) cancelRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// handleTransportLoss tears the session down and, unless the failure was
// terminal, enters the reconnect cycle. Runs on the actor.
func (e *Engine) handleTransportLoss(err error) {
	e.teardownSession(false)

	if auth, ok := err.(*authError); ok {
		e.wantSession = false
		e.setConnState(bus.StateDisconnected, auth.reason)
		return
	}

	reason := "transport closed"
	if terr, ok := err.(*transportError); ok {
		reason = terr.reason
	}
	e.scheduleRetry(reason)
}

// --------------------------------------------------------------------------------
// Actor internals: control plane

func (e *Engine) handleControlFrame(sess *session, controlFrame mumble.ControlFrame) {
	switch controlFrame.Type {
	case mumble.TypeVersion, mumble.TypeCodecVersion, mumble.TypeServerConfig,
		mumble.TypePermissionDenied, mumble.TypeUserList, mumble.TypeACL:
		// Informational; the engine requires nothing from these.

	case mumble.TypeCryptSetup:
		e.handleCryptSetup(sess, controlFrame.Payload)

	case mumble.TypeReject:
		var reject mumble.Reject
		if err := reject.Unmarshal(controlFrame.Payload); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		e.handleTransportLoss(&authError{reason: reject.ReasonText()})

	case mumble.TypeServerSync:
		e.handleServerSync(sess, controlFrame.Payload)

	case mumble.TypeChannelState:
		var msg mumble.ChannelState
		if err := msg.Unmarshal(controlFrame.Payload); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		if sess.roster.applyChannelState(&msg) && sess.synced {
			e.offerRoster(sess)
		}

	case mumble.TypeChannelRemove:
		var msg mumble.ChannelRemove
		if err := msg.Unmarshal(controlFrame.Payload); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		if sess.roster.removeChannel(msg.ChannelID) && sess.synced {
			e.offerRoster(sess)
		}

	case mumble.TypeUserState:
		e.handleUserState(sess, controlFrame.Payload)

	case mumble.TypeUserRemove:
		var msg mumble.UserRemove
		if err := msg.Unmarshal(controlFrame.Payload); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		if sess.roster.removeUser(msg.Session) {
			sess.plane.dropPeer(msg.Session)
			e.mix.DropUser(msg.Session)
			if sess.synced {
				e.offerRoster(sess)
			}
		}

	case mumble.TypeTextMessage:
		e.handleTextMessage(sess, controlFrame.Payload)

	case mumble.TypePing:
		var ping mumble.Ping
		if err := ping.Unmarshal(controlFrame.Payload); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		e.meter.PingsAcked.Add(1)
		if ping.Timestamp != 0 {
			sentAt := time.UnixMilli(int64(ping.Timestamp))
			e.meter.TCPLatencyMs.Store(time.Since(sentAt).Milliseconds())
		}

	case mumble.TypeUDPTunnel:
		sess.plane.ingestTunnel(controlFrame.Payload)

	default:
		e.countProtocolError(sess, fmt.Errorf("unexpected message type %d", controlFrame.Type))
	}
}

func (e *Engine) handleCryptSetup(sess *session, payload []byte) {
	var setup mumble.CryptSetup
	if err := setup.Unmarshal(payload); err != nil {
		e.countProtocolError(sess, err)
		return
	}

	if setup.Key != nil && setup.ClientNonce != nil && setup.ServerNonce != nil {
		if err := sess.crypt.SetKey(setup.Key, setup.ClientNonce, setup.ServerNonce); err != nil {
			e.countProtocolError(sess, err)
			return
		}
		go sess.plane.runUDPReceive()
		sess.plane.sendUDPPing(time.Now().UnixMilli())
		return
	}

	if setup.ServerNonce != nil {
		_ = sess.crypt.SetServerNonce(setup.ServerNonce)
		return
	}

	// An empty CryptSetup is the server asking for our nonce back.
	reply := &mumble.CryptSetup{ClientNonce: sess.crypt.ClientNonce()}
	_ = sess.transport.sendControl(mumble.TypeCryptSetup, reply.Marshal())
}

func (e *Engine) handleServerSync(sess *session, payload []byte) {
	var sync mumble.ServerSync
	if err := sync.Unmarshal(payload); err != nil {
		e.countProtocolError(sess, err)
		return
	}

	sess.roster.setSelfSession(sync.Session)
	sess.synced = true
	sess.connectedAt = time.Now()
	e.attempt = 0
	e.lastReason = ""

	e.setConnState(bus.StateConnected, "")

	// Restore self state, badges and channel selection, then announce the
	// initial roster and self snapshot.
	e.sendSelfState(sess)
	e.joinChannel(sess, e.preferredChannel())
	e.ensureAudio()

	e.offerRoster(sess)
	e.emitSelf()
}

func (e *Engine) preferredChannel() string {
	if e.activeChannel != "" {
		return e.activeChannel
	}
	return e.store.Current().Server.DefaultChannel
}

// joinChannel resolves a channel by name and asks the server to move us.
// The server's UserState echo is what actually updates the roster.
func (e *Engine) joinChannel(sess *session, name string) {
	if name == "" {
		return
	}
	channelID, ok := sess.roster.channelIDByName(name)
	if !ok {
		e.logger.Warn("channel not found, staying put", "channel", name)
		return
	}
	e.activeChannel = name

	selfSession := sess.roster.selfSession
	msg := &mumble.UserState{Session: &selfSession, ChannelID: &channelID}
	if err := sess.transport.sendControl(mumble.TypeUserState, msg.Marshal()); err != nil {
		e.handleTransportLoss(&transportError{reason: "channel join failed", err: err})
	}
}

// sendSelfState pushes local mute/deafen and the badge comment to the
// server.
func (e *Engine) sendSelfState(sess *session) {
	if !sess.synced {
		return
	}
	selfSession := sess.roster.selfSession
	muted, deafened := e.selfMuted, e.selfDeafened
	msg := &mumble.UserState{
		Session:  &selfSession,
		SelfMute: &muted,
		SelfDeaf: &deafened,
	}
	if comment := formatBadgeComment(sess.identity.badgeCodes); comment != "" {
		msg.Comment = &comment
	}
	if err := sess.transport.sendControl(mumble.TypeUserState, msg.Marshal()); err != nil {
		e.handleTransportLoss(&transportError{reason: "self state update failed", err: err})
	}
}

func (e *Engine) handleUserState(sess *session, payload []byte) {
	var msg mumble.UserState
	if err := msg.Unmarshal(payload); err != nil {
		e.countProtocolError(sess, err)
		return
	}

	changed, selfChanged := sess.roster.applyUserState(&msg)
	if selfChanged {
		// The server view of our mute/deafen is authoritative, e.g. a
		// server-side mute.
		if user, ok := sess.roster.user(sess.roster.selfSession); ok {
			e.selfMuted = user.muted || user.selfMuted
			e.selfDeafened = user.deafened || user.selfDeafened
			e.gate.SetMuted(e.selfMuted)
			if sess.plane != nil {
				sess.plane.deafened.Store(e.selfDeafened)
			}
		}
		e.emitSelf()
	}
	if changed && sess.synced {
		e.offerRoster(sess)
	}
}

func (e *Engine) handleTextMessage(sess *session, payload []byte) {
	var msg mumble.TextMessage
	if err := msg.Unmarshal(payload); err != nil {
		e.countProtocolError(sess, err)
		return
	}

	event := bus.MessageEvent{
		Message:     msg.Message,
		TimestampMS: time.Now().UnixMilli(),
	}
	if msg.Actor != nil {
		event.ActorSession = msg.Actor
		if user, ok := sess.roster.user(*msg.Actor); ok {
			event.ActorName = user.name
		}
	}
	if len(msg.ChannelIDs) > 0 {
		event.ChannelID = &msg.ChannelIDs[0]
	}
	e.events.Publish(event)
}

// countProtocolError applies the storm rule: repeated malformed traffic
// is a broken transport, not something to limp through.
func (e *Engine) countProtocolError(sess *session, err error) {
	e.meter.ProtocolErrors.Add(1)
	e.logger.Warn("protocol error", "err", err)

	now := time.Now()
	if sess.protocolErrorsFrom.IsZero() || now.Sub(sess.protocolErrorsFrom) > protocolErrorWindow {
		sess.protocolErrorsFrom = now
		sess.protocolErrors = 0
	}
	sess.protocolErrors++
	if sess.protocolErrors > protocolErrorLimit {
		e.handleTransportLoss(&transportError{reason: "protocol error storm"})
	}
}

// --------------------------------------------------------------------------------
// Actor internals: periodic work

// actorPingTick sends the 5s pings and applies the UDP path rules. Runs
// on the actor.
func (e *Engine) actorPingTick() {
	sess := e.current
	if sess == nil {
		return
	}

	now := time.Now()
	good, late, lost, resync := sess.crypt.Stats()
	ping := &mumble.Ping{
		Timestamp: uint64(now.UnixMilli()),
		Good:      good,
		Late:      late,
		Lost:      lost,
		Resync:    resync,
	}
	if err := sess.transport.sendControl(mumble.TypePing, ping.Marshal()); err != nil {
		e.handleTransportLoss(&transportError{reason: "ping failed", err: err})
		return
	}
	e.meter.PingsSent.Add(1)
	e.events.Publish(bus.MetricsEvent{Snapshot: e.meter.Snapshot()})

	sess.plane.sendUDPPing(now.UnixMilli())

	if !sess.synced {
		return
	}

	if !sess.udpOpen {
		// Crypto or the network path never came up; latch the tunnel so
		// the session stops burning probes.
		if sess.lastUDPAck.IsZero() && now.Sub(sess.connectedAt) > udpEstablishDeadline && !sess.plane.tunnelPermanent.Load() {
			e.logger.Info("udp never established, tunneling voice over tcp for this session")
			sess.plane.tunnelPermanent.Store(true)
		}
		return
	}

	if now.Sub(sess.lastUDPAck) > udpSilenceLimit {
		e.logger.Warn("udp path went quiet, falling back to tcp tunnel")
		sess.udpOpen = false
		sess.plane.udpOpen.Store(false)
	}
}

// actorSpeakingTick expires peer speaking flags tracked in the roster.
func (e *Engine) actorSpeakingTick() {
	sess := e.current
	if sess == nil || !sess.synced {
		return
	}
	if expired := sess.roster.expireSpeaking(time.Now()); len(expired) > 0 {
		for _, session := range expired {
			e.events.Publish(bus.SpeakingEvent{UserID: session, Speaking: false})
		}
		e.offerRoster(sess)
	}
}

// --------------------------------------------------------------------------------
// Actor internals: plane callbacks

// makeSelfLevelCallback dedupes the per-tick gate reports down to
// transmit-state transitions.
func (e *Engine) makeSelfLevelCallback() func(bool, float64) {
	var lastTransmitting bool
	return func(transmitting bool, level float64) {
		if transmitting == lastTransmitting {
			return
		}
		lastTransmitting = transmitting
		e.post(func() {
			e.setTransmitting(transmitting)
			if e.current != nil && e.current.synced {
				levelCopy := level
				e.events.Publish(bus.SpeakingEvent{
					UserID:   e.current.roster.selfSession,
					Speaking: transmitting,
					Level:    &levelCopy,
				})
			}
		})
	}
}

func (e *Engine) onPeerSpeaking(session uint32, speaking bool, level float64) {
	e.post(func() {
		sess := e.current
		if sess == nil || !sess.synced {
			return
		}
		if speaking {
			if sess.roster.markSpeaking(session, time.Now()) {
				levelCopy := level
				e.events.Publish(bus.SpeakingEvent{UserID: session, Speaking: true, Level: &levelCopy})
				e.offerRoster(sess)
			}
		} else if sess.roster.stopSpeaking(session) {
			e.events.Publish(bus.SpeakingEvent{UserID: session, Speaking: false})
			e.offerRoster(sess)
		}
	})
}

func (e *Engine) onUDPPong(timestamp int64) {
	e.post(func() {
		sess := e.current
		if sess == nil {
			return
		}
		sess.lastUDPAck = time.Now()
		if !sess.udpOpen {
			e.logger.Info("udp voice path established")
			sess.udpOpen = true
			sess.plane.udpOpen.Store(true)
		}
		if timestamp != 0 {
			e.meter.UDPLatencyMs.Store(time.Now().UnixMilli() - timestamp)
		}
	})
}

// --------------------------------------------------------------------------------
// Actor internals: audio devices and self state

// ensureAudio opens capture and playback if they are not already running
// and binds them to the live plane.
func (e *Engine) ensureAudio() {
	snapshot := e.store.Current()
	if e.input == nil {
		e.reopenInput(snapshot.InputDevice)
	} else if e.current != nil {
		go e.current.plane.runTransmit(e.input)
	}
	if e.output == nil {
		e.reopenOutput(snapshot.OutputDevice)
	} else if e.current != nil {
		go e.current.plane.runMix(e.output)
	}
}

func (e *Engine) reopenInput(deviceID string) {
	if e.input != nil {
		e.input.Close()
		e.input = nil
	}
	input, err := e.backend.OpenInput(deviceID)
	if err != nil {
		// AudioError: surfaced, engine continues with silent input.
		e.logger.Error("could not open capture device", "deviceID", deviceID, "err", err)
		e.events.Publish(e.listDevices())
		return
	}
	e.input = input
	if e.current != nil && e.current.plane != nil {
		go e.current.plane.runTransmit(input)
	}
}

func (e *Engine) reopenOutput(deviceID string) {
	if e.output != nil {
		e.output.Close()
		e.output = nil
	}
	output, err := e.backend.OpenOutput(deviceID)
	if err != nil {
		e.logger.Error("could not open playback device", "deviceID", deviceID, "err", err)
		e.events.Publish(e.listDevices())
		return
	}
	e.output = output
	if e.current != nil && e.current.plane != nil {
		go e.current.plane.runMix(output)
	}
}

func (e *Engine) listDevices() bus.DevicesEvent {
	inputs, outputs, err := e.backend.ListDevices()
	if err != nil {
		e.logger.Error("device enumeration failed", "err", err)
		return bus.DevicesEvent{}
	}

	event := bus.DevicesEvent{}
	for _, info := range inputs {
		event.Inputs = append(event.Inputs, bus.DeviceInfo{ID: info.ID, Name: info.Name, IsDefault: info.IsDefault})
	}
	for _, info := range outputs {
		event.Outputs = append(event.Outputs, bus.DeviceInfo{ID: info.ID, Name: info.Name, IsDefault: info.IsDefault})
	}
	return event
}

// applyMuteDeafen is the single writer for the local mute/deafen pair.
// Runs on the actor.
func (e *Engine) applyMuteDeafen(muted, deafened bool) {
	if e.selfMuted == muted && e.selfDeafened == deafened {
		// Idempotent command: no state change, no event.
		return
	}
	e.selfMuted = muted
	e.selfDeafened = deafened

	e.gate.SetMuted(muted)
	if e.current != nil && e.current.plane != nil {
		e.current.plane.deafened.Store(deafened)
	}
	if e.current != nil && e.current.synced {
		e.sendSelfState(e.current)
	}
	e.emitSelf()
}

func (e *Engine) setTransmitting(transmitting bool) {
	transmitting = transmitting && !e.selfMuted && e.connState == bus.StateConnected
	if e.transmitting == transmitting {
		return
	}
	e.transmitting = transmitting
	e.emitSelf()
}

func (e *Engine) selfEvent() bus.SelfEvent {
	return bus.SelfEvent{
		Muted:        e.selfMuted,
		Deafened:     e.selfDeafened,
		PTTEnabled:   e.pttEnabled,
		Transmitting: e.transmitting,
	}
}

func (e *Engine) emitSelf() {
	e.events.Publish(e.selfEvent())
}

func (e *Engine) setConnState(state bus.ConnectionState, reason string) {
	if e.connState == state && e.lastReason == reason {
		return
	}
	e.connState = state
	e.lastReason = reason
	e.events.Publish(bus.ConnectionEvent{State: state, Reason: reason})
}

func (e *Engine) offerRoster(sess *session) {
	e.rosterEmitter.Offer(sess.roster.buildEvent())
}

func (e *Engine) persist(fn func(*config.Snapshot)) {
	if _, err := e.store.Update(fn); err != nil {
		e.logger.Warn("could not persist config change", "err", err)
	}
}
