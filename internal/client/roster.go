package client

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/partyline-chat/partyline/internal/bus"
	"github.com/partyline-chat/partyline/internal/mumble"
)

// speakingHold is how long a peer stays marked speaking after their last
// audible frame.
const speakingHold = 250 * time.Millisecond

type rosterUser struct {
	session      uint32
	name         string
	channelID    uint32
	muted        bool
	deafened     bool
	selfMuted    bool
	selfDeafened bool
	badgeCodes   []string

	speaking   bool
	speakingAt time.Time
}

type channelInfo struct {
	id        uint32
	name      string
	parent    uint32
	hasParent bool
}

// roster is the control actor's private view of the server state: users
// and channels keyed by id, plus which session is the local self. It is
// only ever touched from the actor goroutine, so it carries no lock.
type roster struct {
	logger *slog.Logger

	users    map[uint32]*rosterUser
	channels map[uint32]*channelInfo

	selfSession    uint32
	haveSelf       bool
	defaultChannel string
}

func newRoster(defaultChannel string, logger *slog.Logger) *roster {
	if logger == nil {
		logger = slog.Default()
	}
	return &roster{
		logger:         logger,
		users:          make(map[uint32]*rosterUser),
		channels:       make(map[uint32]*channelInfo),
		defaultChannel: defaultChannel,
	}
}

func (r *roster) setSelfSession(session uint32) {
	r.selfSession = session
	r.haveSelf = true
}

// applyChannelState folds one partial channel update in, reporting whether
// anything visible changed.
func (r *roster) applyChannelState(msg *mumble.ChannelState) bool {
	if msg.ChannelID == nil {
		return false
	}

	id := *msg.ChannelID
	channel, ok := r.channels[id]
	if !ok {
		channel = &channelInfo{id: id}
		r.channels[id] = channel
	}

	changed := !ok
	if msg.Name != nil && channel.name != *msg.Name {
		channel.name = *msg.Name
		changed = true
	}
	if msg.Parent != nil {
		channel.parent = *msg.Parent
		channel.hasParent = true
	}

	if !r.parentChainTerminates(id) {
		// A parent loop cannot be rendered as a tree; the channel is kept
		// addressable but detached.
		r.logger.Warn("channel parent chain does not terminate, treating as orphaned", "channelID", id)
		channel.hasParent = false
	}
	return changed
}

// parentChainTerminates walks parents looking for the root. Channel 0 is
// the root by protocol definition.
func (r *roster) parentChainTerminates(id uint32) bool {
	seen := make(map[uint32]bool)
	for current := id; current != 0; {
		if seen[current] {
			return false
		}
		seen[current] = true

		channel, ok := r.channels[current]
		if !ok || !channel.hasParent {
			// An unknown parent just means the tree is still streaming in.
			return true
		}
		current = channel.parent
	}
	return true
}

func (r *roster) removeChannel(id uint32) bool {
	if _, ok := r.channels[id]; !ok {
		return false
	}
	delete(r.channels, id)
	return true
}

// applyUserState folds one partial user update in. It returns whether the
// visible roster changed and whether the update touched the local self.
func (r *roster) applyUserState(msg *mumble.UserState) (changed bool, selfChanged bool) {
	if msg.Session == nil {
		return false, false
	}

	session := *msg.Session
	user, ok := r.users[session]
	if !ok {
		user = &rosterUser{session: session}
		r.users[session] = user
		changed = true
	}

	if msg.Name != nil && user.name != *msg.Name {
		user.name = *msg.Name
		changed = true
	}
	if msg.ChannelID != nil && user.channelID != *msg.ChannelID {
		user.channelID = *msg.ChannelID
		changed = true
	}
	if msg.Mute != nil && user.muted != *msg.Mute {
		user.muted = *msg.Mute
		changed = true
	}
	if msg.Deaf != nil && user.deafened != *msg.Deaf {
		user.deafened = *msg.Deaf
		changed = true
	}
	if msg.SelfMute != nil && user.selfMuted != *msg.SelfMute {
		user.selfMuted = *msg.SelfMute
		changed = true
	}
	if msg.SelfDeaf != nil && user.selfDeafened != *msg.SelfDeaf {
		user.selfDeafened = *msg.SelfDeaf
		changed = true
	}
	if msg.Comment != nil {
		badges := parseBadgeComment(*msg.Comment)
		if !equalStrings(user.badgeCodes, badges) {
			user.badgeCodes = badges
			changed = true
		}
	}

	selfChanged = r.haveSelf && session == r.selfSession
	return changed, selfChanged
}

func (r *roster) removeUser(session uint32) bool {
	if _, ok := r.users[session]; !ok {
		return false
	}
	delete(r.users, session)
	return true
}

func (r *roster) user(session uint32) (*rosterUser, bool) {
	user, ok := r.users[session]
	return user, ok
}

// channelIDByName resolves a channel by case-insensitive name.
func (r *roster) channelIDByName(name string) (uint32, bool) {
	for id, channel := range r.channels {
		if strings.EqualFold(channel.name, name) {
			return id, true
		}
	}
	return 0, false
}

// selfChannelID is the channel the local user currently occupies.
func (r *roster) selfChannelID() uint32 {
	if !r.haveSelf {
		return 0
	}
	if user, ok := r.users[r.selfSession]; ok {
		return user.channelID
	}
	return 0
}

// markSpeaking records audible audio from a session. It returns true when
// this flips the user's speaking flag.
func (r *roster) markSpeaking(session uint32, now time.Time) bool {
	user, ok := r.users[session]
	if !ok {
		return false
	}
	user.speakingAt = now
	if user.speaking {
		return false
	}
	user.speaking = true
	return true
}

// stopSpeaking force-clears a user's speaking flag (stop marker received).
func (r *roster) stopSpeaking(session uint32) bool {
	user, ok := r.users[session]
	if !ok || !user.speaking {
		return false
	}
	user.speaking = false
	user.speakingAt = time.Time{}
	return true
}

// expireSpeaking clears speaking flags that have gone quiet, returning the
// affected sessions.
func (r *roster) expireSpeaking(now time.Time) []uint32 {
	var expired []uint32
	for _, user := range r.users {
		if !user.speaking || user.speakingAt.IsZero() {
			continue
		}
		if now.Sub(user.speakingAt) > speakingHold {
			user.speaking = false
			user.speakingAt = time.Time{}
			expired = append(expired, user.session)
		}
	}
	return expired
}

// buildEvent renders the UI roster: the self channel and the users in it,
// sorted by name.
func (r *roster) buildEvent() bus.RosterEvent {
	channelID := r.selfChannelID()
	channelName := r.defaultChannel
	if channel, ok := r.channels[channelID]; ok && channel.name != "" {
		channelName = channel.name
	}

	var users []bus.RosterUser
	for _, user := range r.users {
		if channelID != 0 && user.channelID != channelID {
			continue
		}
		users = append(users, bus.RosterUser{
			ID:         user.session,
			Name:       user.name,
			BadgeCodes: append([]string(nil), user.badgeCodes...),
			Muted:      user.muted || user.selfMuted,
			Deafened:   user.deafened || user.selfDeafened,
			Speaking:   user.speaking,
		})
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Name) < strings.ToLower(users[j].Name)
	})

	return bus.RosterEvent{
		Channel: bus.ChannelInfo{ID: channelID, Name: channelName},
		Users:   users,
	}
}

func (r *roster) reset() {
	r.users = make(map[uint32]*rosterUser)
	r.channels = make(map[uint32]*channelInfo)
	r.haveSelf = false
	r.selfSession = 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
