package gateway

import (
	"encoding/json"
	"errors"
)

// Gateway opcodes. Numbering matches the proprietary client this server
// is compatible with, so stock clients can connect unmodified.
const (
	OpDispatch       = 0  // server -> client, carries event name + sequence + payload
	OpHeartbeat      = 1  // client -> server
	OpPresenceUpdate = 3  // client -> server, status change request
	OpVoiceState     = 4  // client -> server, voice join/move/leave
	OpIdentify       = 2  // client -> server
	OpResume         = 6  // client -> server
	OpReconnect      = 7  // server -> client, reconnect and attempt resume
	OpInvalidSession = 9  // server -> client
	OpHello          = 10 // server -> client, carries heartbeat interval
	OpHeartbeatAck   = 11 // server -> client
)

// Close codes sent when the server terminates a connection.
const (
	CloseNormal           = 1000
	CloseServerShutdown   = 1001
	CloseProtocolError    = 4001
	CloseAuthFailed       = 4004
	CloseSessionInvalid   = 4006
	CloseRateLimited      = 4008
	CloseHeartbeatTimeout = 4009
	CloseSlowConsumer     = 4010
)

var (
	// ErrSendQueueFull indicates the session's outbound queue overflowed.
	ErrSendQueueFull = errors.New("outbound queue full")
	// ErrConnClosed indicates a write against a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// inboundFrame is the envelope for every client -> server message.
type inboundFrame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// outboundFrame is the envelope for every server -> client message.
// S is only set on OpDispatch frames; T is the event name.
type outboundFrame struct {
	Op int    `json:"op"`
	D  any    `json:"d"`
	S  *int64 `json:"s"`
	T  string `json:"t,omitempty"`
}

func encodeFrame(f *outboundFrame) ([]byte, error) {
	return json.Marshal(f)
}

// HelloPayload is sent immediately after the connection is accepted.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyPayload authenticates a new session.
type IdentifyPayload struct {
	Token        string `json:"token"`
	Capabilities int64  `json:"capabilities"`
}

// ResumePayload reclaims a disconnected session's event stream.
type ResumePayload struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresencePayload is a client status change request.
type PresencePayload struct {
	Status string `json:"status"` // online, idle, offline
}

// VoiceStatePayload is a client voice join/move/leave request.
// A null channel_id leaves voice.
type VoiceStatePayload struct {
	GuildID   int64  `json:"guild_id,string"`
	ChannelID *int64 `json:"channel_id,string"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

// ReadyPayload is the initial state snapshot delivered once a session
// reaches the ready state.
type ReadyPayload struct {
	SessionID         string         `json:"session_id"`
	User              Account        `json:"user"`
	Guilds            []Guild        `json:"guilds"`
	HeartbeatInterval int64          `json:"heartbeat_interval"`
	VoiceStates       []VoiceState   `json:"voice_states"`
	Presences         []PresenceInfo `json:"presences"`
}

// PresenceInfo is the wire form of one account's presence.
type PresenceInfo struct {
	AccountID int64  `json:"account_id,string"`
	Status    string `json:"status"`
}

// ResumedPayload terminates a successful replay.
type ResumedPayload struct {
	SessionID string `json:"session_id"`
}
