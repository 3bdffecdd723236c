// Package bus is the event surface toward the presentation layer: typed
// events out, fanned to any number of subscribers. The inbound command
// surface is the engine's exported methods; invalid commands are rejected
// synchronously there rather than echoed as events.
package bus

import (
	"log/slog"
	"sync"

	"github.com/partyline-chat/partyline/internal/metrics"
)

// Topics, stable strings the presentation layer switches on.
const (
	TopicConnection = "core/connection"
	TopicRoster     = "core/roster"
	TopicSpeaking   = "core/speaking"
	TopicDevices    = "core/devices"
	TopicSelf       = "core/self"
	TopicMessage    = "core/message"
	TopicMetrics    = "core/metrics"
)

// ConnectionState mirrors the supervisor's state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Event is anything the engine publishes toward the UI.
type Event interface {
	Topic() string
}

type ConnectionEvent struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

func (ConnectionEvent) Topic() string { return TopicConnection }

type ChannelInfo struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

type RosterUser struct {
	ID         uint32   `json:"id"`
	Name       string   `json:"name"`
	BadgeCodes []string `json:"badge_codes"`
	Muted      bool     `json:"muted"`
	Deafened   bool     `json:"deafened"`
	Speaking   bool     `json:"speaking"`
}

type RosterEvent struct {
	Channel ChannelInfo  `json:"channel"`
	Users   []RosterUser `json:"users"`
}

func (RosterEvent) Topic() string { return TopicRoster }

type SpeakingEvent struct {
	UserID   uint32   `json:"user_id"`
	Speaking bool     `json:"speaking"`
	Level    *float64 `json:"level,omitempty"`
}

func (SpeakingEvent) Topic() string { return TopicSpeaking }

type DeviceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

type DevicesEvent struct {
	Inputs  []DeviceInfo `json:"inputs"`
	Outputs []DeviceInfo `json:"outputs"`
}

func (DevicesEvent) Topic() string { return TopicDevices }

type SelfEvent struct {
	Muted        bool `json:"muted"`
	Deafened     bool `json:"deafened"`
	PTTEnabled   bool `json:"ptt_enabled"`
	Transmitting bool `json:"transmitting"`
}

func (SelfEvent) Topic() string { return TopicSelf }

type MessageEvent struct {
	ActorSession *uint32 `json:"actor_session,omitempty"`
	ActorName    string  `json:"actor_name"`
	ChannelID    *uint32 `json:"channel_id,omitempty"`
	Message      string  `json:"message"`
	TimestampMS  int64   `json:"timestamp_ms"`
}

func (MessageEvent) Topic() string { return TopicMessage }

type MetricsEvent struct {
	Snapshot metrics.Snapshot `json:"snapshot"`
}

func (MetricsEvent) Topic() string { return TopicMetrics }

// --------------------------------------------------------------------------------

const subscriberQueueDepth = 64

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining loses its oldest queued events.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers []chan Event
	closed      bool
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "bus")}
}

// Subscribe registers a new event consumer. The returned channel closes
// when the bus shuts down.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberQueueDepth)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers an event to every subscriber, dropping the oldest
// queued event for any subscriber whose queue is full.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
				b.logger.Debug("slow subscriber, dropped oldest event", "topic", event.Topic())
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close shuts every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
