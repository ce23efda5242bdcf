// Package client is a Go client for the Concord gateway: it handles
// the identify handshake, heartbeating, and transparent resume across
// reconnects, surfacing dispatched events on a channel.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionStateType represents the connection status.
type ConnectionStateType int

const (
	StateConnected ConnectionStateType = iota
	StateDisconnected
	StateReconnecting
)

// ConnectionStateUpdate represents a connection state change.
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Event is a dispatched gateway event as received by the client.
type Event struct {
	Kind    string
	Seq     int64
	Payload json.RawMessage
}

// ErrClosed indicates the connection was shut down by the caller.
var ErrClosed = errors.New("connection closed")

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  string          `json:"t"`
}

// Connection is a client connection to a gateway server.
type Connection struct {
	url   string
	token string

	mu        sync.RWMutex
	ws        *websocket.Conn
	sessionID string
	connected bool

	writeMu sync.Mutex // serializes writers on the live socket

	seq atomic.Int64 // last dispatch sequence seen

	events      chan Event
	stateChange chan ConnectionStateUpdate
	errors      chan error

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client for the gateway at url (a ws:// or
// wss:// endpoint) authenticating with token.
func NewConnection(url, token string) *Connection {
	return &Connection{
		url:               url,
		token:             token,
		events:            make(chan Event, 100),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		errors:            make(chan error, 10),
		autoReconnect:     true,
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events.
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on loss.
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// Events is the stream of dispatched events across reconnects.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// StateChanges reports connect/disconnect/reconnect transitions.
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// Errors reports non-fatal connection errors.
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// SessionID returns the gateway session id, empty before READY.
func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Seq returns the last dispatch sequence number received.
func (c *Connection) Seq() int64 {
	return c.seq.Load()
}

// Connect performs the identify handshake and starts the read and
// heartbeat loops. Blocks until READY or failure.
func (c *Connection) Connect() error {
	ws, interval, err := c.handshake(false)
	if err != nil {
		return err
	}
	c.startLoops(ws, interval)
	return nil
}

// Close shuts the connection down and stops reconnecting.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
	c.mu.Lock()
	if c.ws != nil {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// handshake dials, consumes HELLO and authenticates, either by resuming
// (when resume is set and a prior session exists) or by identifying.
// Returns the live socket and the heartbeat interval.
func (c *Connection) handshake(resume bool) (*websocket.Conn, time.Duration, error) {
	ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial failed: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello frame
	if err := ws.ReadJSON(&hello); err != nil || hello.Op != opHello {
		ws.Close()
		return nil, 0, fmt.Errorf("expected HELLO: %w", err)
	}
	var hp struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &hp); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("malformed HELLO: %w", err)
	}
	interval := time.Duration(hp.HeartbeatInterval) * time.Millisecond

	if resume && c.SessionID() != "" {
		return c.finishResume(ws, interval)
	}
	return c.finishIdentify(ws, interval)
}

func (c *Connection) finishIdentify(ws *websocket.Conn, interval time.Duration) (*websocket.Conn, time.Duration, error) {
	payload := map[string]any{"token": c.token}
	if err := ws.WriteJSON(map[string]any{"op": opIdentify, "d": payload}); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("identify write failed: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ready frame
	if err := ws.ReadJSON(&ready); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("waiting for READY: %w", err)
	}
	if ready.Op != opDispatch || ready.T != "READY" {
		ws.Close()
		return nil, 0, fmt.Errorf("expected READY, got op %d t %s", ready.Op, ready.T)
	}

	var rp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(ready.D, &rp); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("malformed READY: %w", err)
	}

	c.mu.Lock()
	c.sessionID = rp.SessionID
	c.mu.Unlock()
	if ready.S != nil {
		c.seq.Store(*ready.S)
	}

	c.deliver(Event{Kind: ready.T, Seq: c.seq.Load(), Payload: ready.D})
	c.logf("identified, session %s", rp.SessionID)
	return ws, interval, nil
}

// finishResume attempts to reclaim the previous session. On
// INVALID_SESSION it falls back to a fresh identify.
func (c *Connection) finishResume(ws *websocket.Conn, interval time.Duration) (*websocket.Conn, time.Duration, error) {
	payload := map[string]any{"session_id": c.SessionID(), "seq": c.seq.Load()}
	if err := ws.WriteJSON(map[string]any{"op": opResume, "d": payload}); err != nil {
		ws.Close()
		return nil, 0, fmt.Errorf("resume write failed: %w", err)
	}

	// Replayed dispatches arrive before RESUMED; deliver them all.
	for {
		ws.SetReadDeadline(time.Now().Add(10 * time.Second))
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			ws.Close()
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
			c.seq.Store(0)
			c.logf("resume rejected, re-identifying")
			return c.handshake(false)
		}

		switch f.Op {
		case opInvalidSession:
			continue // close frame follows, the read error path re-identifies
		case opDispatch:
			if f.S != nil {
				c.seq.Store(*f.S)
			}
			c.deliver(Event{Kind: f.T, Seq: c.seq.Load(), Payload: f.D})
			if f.T == "RESUMED" {
				c.logf("resumed session %s at seq %d", c.SessionID(), c.seq.Load())
				return ws, interval, nil
			}
		}
	}
}

func (c *Connection) startLoops(ws *websocket.Conn, interval time.Duration) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()
	c.notifyState(ConnectionStateUpdate{State: StateConnected})

	done := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(ws, done, interval)
	go c.heartbeatLoop(ws, done, interval)
}

func (c *Connection) readLoop(ws *websocket.Conn, done chan struct{}, interval time.Duration) {
	defer c.wg.Done()
	defer close(done)

	for {
		ws.SetReadDeadline(time.Now().Add(interval * 2))
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			c.handleDisconnect(err, interval)
			return
		}

		switch f.Op {
		case opDispatch:
			if f.S != nil {
				c.seq.Store(*f.S)
			}
			c.deliver(Event{Kind: f.T, Seq: c.seq.Load(), Payload: f.D})
		case opHeartbeatAck:
			// liveness confirmed
		case opReconnect:
			c.logf("server requested reconnect")
			ws.Close()
			c.handleDisconnect(errors.New("server requested reconnect"), interval)
			return
		case opInvalidSession:
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
			c.seq.Store(0)
		}
	}
}

func (c *Connection) heartbeatLoop(ws *websocket.Conn, done chan struct{}, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			if err := c.writeJSON(ws, map[string]any{"op": opHeartbeat, "d": c.seq.Load()}); err != nil {
				return
			}
		}
	}
}

// handleDisconnect runs the reconnect-with-backoff loop, resuming the
// previous session when the server still holds it.
func (c *Connection) handleDisconnect(cause error, interval time.Duration) {
	c.mu.Lock()
	c.connected = false
	c.ws = nil
	reconnect := c.autoReconnect
	c.mu.Unlock()

	c.notifyState(ConnectionStateUpdate{State: StateDisconnected, Err: cause})
	if !reconnect {
		c.reportError(cause)
		return
	}

	delay := c.reconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-c.shutdown:
			return
		case <-time.After(delay):
		}

		c.notifyState(ConnectionStateUpdate{State: StateReconnecting, Attempt: attempt})
		ws, newInterval, err := c.handshake(true)
		if err == nil {
			c.startLoops(ws, newInterval)
			return
		}

		c.logf("reconnect attempt %d failed: %v", attempt, err)
		delay *= 2
		if delay > c.maxReconnectDelay {
			delay = c.maxReconnectDelay
		}
	}
}

// SetPresence sends a presence status change ("online", "idle",
// "offline").
func (c *Connection) SetPresence(status string) error {
	return c.writeFrame(3, map[string]any{"status": status})
}

// JoinVoice joins (or moves to) a voice channel in a guild.
func (c *Connection) JoinVoice(guildID, channelID int64, mute, deaf bool) error {
	return c.writeFrame(4, map[string]any{
		"guild_id":   fmt.Sprint(guildID),
		"channel_id": fmt.Sprint(channelID),
		"self_mute":  mute,
		"self_deaf":  deaf,
	})
}

// LeaveVoice leaves voice in a guild.
func (c *Connection) LeaveVoice(guildID int64) error {
	return c.writeFrame(4, map[string]any{
		"guild_id":   fmt.Sprint(guildID),
		"channel_id": nil,
	})
}

func (c *Connection) writeFrame(op int, d any) error {
	c.mu.RLock()
	ws := c.ws
	connected := c.connected
	c.mu.RUnlock()

	if !connected || ws == nil {
		return ErrClosed
	}
	return c.writeJSON(ws, map[string]any{"op": op, "d": d})
}

// writeJSON is the single choke point for outbound frames once loops
// are running: gorilla/websocket allows at most one concurrent writer,
// and heartbeats race caller writes without it.
func (c *Connection) writeJSON(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(v)
}

func (c *Connection) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.shutdown:
	}
}

func (c *Connection) notifyState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
