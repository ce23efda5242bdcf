package gateway

// EventKind enumerates the domain event catalogue. The set is closed:
// dispatch behavior switches exhaustively on it rather than on wire
// strings, so scope mistakes surface at compile time.
type EventKind uint8

const (
	EventReady EventKind = iota
	EventResumed
	EventMessageCreate
	EventMessageUpdate
	EventMessageDelete
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
	EventGuildCreate
	EventGuildUpdate
	EventGuildDelete
	EventGuildMemberAdd
	EventGuildMemberRemove
	EventPresenceUpdate
	EventVoiceStateUpdate
	EventUserUpdate
	EventUserSettingsUpdate
	EventLogout
)

var eventNames = map[EventKind]string{
	EventReady:              "READY",
	EventResumed:            "RESUMED",
	EventMessageCreate:      "MESSAGE_CREATE",
	EventMessageUpdate:      "MESSAGE_UPDATE",
	EventMessageDelete:      "MESSAGE_DELETE",
	EventChannelCreate:      "CHANNEL_CREATE",
	EventChannelUpdate:      "CHANNEL_UPDATE",
	EventChannelDelete:      "CHANNEL_DELETE",
	EventGuildCreate:        "GUILD_CREATE",
	EventGuildUpdate:        "GUILD_UPDATE",
	EventGuildDelete:        "GUILD_DELETE",
	EventGuildMemberAdd:     "GUILD_MEMBER_ADD",
	EventGuildMemberRemove:  "GUILD_MEMBER_REMOVE",
	EventPresenceUpdate:     "PRESENCE_UPDATE",
	EventVoiceStateUpdate:   "VOICE_STATE_UPDATE",
	EventUserUpdate:         "USER_UPDATE",
	EventUserSettingsUpdate: "USER_SETTINGS_UPDATE",
	EventLogout:             "LOGOUT",
}

// String returns the wire name carried in the dispatch frame's t field.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is an immutable domain event. The per-recipient sequence number
// is attached at send time, never stored here.
type Event struct {
	Kind    EventKind
	Payload any
}

// ScopeKind selects the recipient resolution algorithm.
type ScopeKind uint8

const (
	// ScopeSession targets exactly one session.
	ScopeSession ScopeKind = iota
	// ScopeAccount targets every live session of one account.
	ScopeAccount
	// ScopeGuild targets every live session of every guild member.
	ScopeGuild
	// ScopeGuildExcept is ScopeGuild minus one account.
	ScopeGuildExcept
	// ScopeBroadcast targets every live session on the server.
	ScopeBroadcast
)

// Scope describes who should receive an event.
type Scope struct {
	Kind           ScopeKind
	SessionID      string
	AccountID      int64
	GuildID        int64
	ExcludeAccount int64
}

// ToSession scopes delivery to a single session.
func ToSession(sessionID string) Scope {
	return Scope{Kind: ScopeSession, SessionID: sessionID}
}

// ToAccount scopes delivery to every live session of an account.
func ToAccount(accountID int64) Scope {
	return Scope{Kind: ScopeAccount, AccountID: accountID}
}

// ToGuild scopes delivery to every live session of every guild member.
func ToGuild(guildID int64) Scope {
	return Scope{Kind: ScopeGuild, GuildID: guildID}
}

// ToGuildExcept scopes delivery to a guild minus one account, used when
// the actor should not receive the echo of its own action.
func ToGuildExcept(guildID, excludeAccount int64) Scope {
	return Scope{Kind: ScopeGuildExcept, GuildID: guildID, ExcludeAccount: excludeAccount}
}

// ToEveryone scopes delivery to all live sessions.
func ToEveryone() Scope {
	return Scope{Kind: ScopeBroadcast}
}
