package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

// Account is the authenticated identity behind a session.
type Account struct {
	ID       int64  `json:"id,string"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Guild is the slice of guild state the gateway needs for the READY
// snapshot and subscription sets.
type Guild struct {
	ID      int64  `json:"id,string"`
	Name    string `json:"name"`
	OwnerID int64  `json:"owner_id,string"`
}

// Directory is the account/guild lookup collaborator, backed by the
// persistence layer.
type Directory interface {
	VerifyToken(token string) (*Account, error)
	GuildsForAccount(accountID int64) ([]Guild, error)
	MembershipResolver
}

// SessionHook observes session lifecycle transitions, for presence and
// telemetry consumers outside the gateway.
type SessionHook func(sess *Session)

type closeRequest struct {
	sessionID string
	code      int
	reason    string
	resumable bool
}

// Server is the gateway: it accepts websocket connections, drives each
// through the protocol state machine and owns the registry, dispatcher,
// heartbeat monitor and voice/presence trackers.
type Server struct {
	cfg        Config
	dir        Directory
	registry   *Registry
	dispatcher *Dispatcher
	voice      *VoiceTracker
	presence   *presenceTracker
	hb         *heartbeatMonitor
	metrics    *Metrics
	upgrader   websocket.Upgrader

	closeCh  chan closeRequest
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hookMu     sync.RWMutex
	readyHooks []SessionHook
	closeHooks []SessionHook
}

// NewServer creates a gateway server. reg may be nil to skip metrics
// registration (tests that don't scrape).
func NewServer(cfg Config, dir Directory, reg prometheus.Registerer) *Server {
	s := &Server{
		cfg:      cfg,
		dir:      dir,
		registry: NewRegistry(),
		voice:    NewVoiceTracker(),
		hb:       newHeartbeatMonitor(cfg.HeartbeatInterval + cfg.HeartbeatGrace),
		closeCh:  make(chan closeRequest, 1024),
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.presence = newPresenceTracker(cfg.OfflineDebounce, s.presenceChanged)
	s.dispatcher = NewDispatcher(s.registry, dir, s.connectionDead)

	if reg != nil {
		s.metrics = NewMetrics(reg)
		s.dispatcher.SetMetrics(s.metrics)
	}
	return s
}

// EnableDebugLogging turns on per-frame debug output.
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start launches the close loop and the resume-window sweeper.
func (s *Server) Start() {
	s.wg.Add(2)
	go s.closeLoop()
	go s.sweepLoop()
}

// Stop closes every live session with a going-away code, after telling
// clients to reconnect and resume against a healthy instance.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()

		for _, sess := range s.registry.Snapshot() {
			if conn := sess.sink(); conn != nil {
				if data, err := encodeFrame(&outboundFrame{Op: OpReconnect}); err == nil {
					conn.enqueue(data)
				}
			}
			s.destroySession(sess.ID, CloseServerShutdown, "server shutting down")
		}
	})
}

// OnSessionReady registers a hook fired when a session reaches ready.
func (s *Server) OnSessionReady(hook SessionHook) {
	s.hookMu.Lock()
	s.readyHooks = append(s.readyHooks, hook)
	s.hookMu.Unlock()
}

// OnSessionClose registers a hook fired when a session is destroyed.
func (s *Server) OnSessionClose(hook SessionHook) {
	s.hookMu.Lock()
	s.closeHooks = append(s.closeHooks, hook)
	s.hookMu.Unlock()
}

func (s *Server) fireHooks(closing bool, sess *Session) {
	s.hookMu.RLock()
	hooks := s.readyHooks
	if closing {
		hooks = s.closeHooks
	}
	snapshot := make([]SessionHook, len(hooks))
	copy(snapshot, hooks)
	s.hookMu.RUnlock()

	for _, hook := range snapshot {
		hook(sess)
	}
}

// HandleWebSocket upgrades an HTTP request and runs the connection's
// protocol state machine in its own goroutine.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket upgrade failed: %v", err)
		return
	}
	go s.handleConnection(ws)
}

// handleConnection drives one connection from handshake to teardown.
func (s *Server) handleConnection(ws *websocket.Conn) {
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	conn := newWSConn(ws, s.cfg.SendQueueSize)
	limiter := rate.NewLimiter(s.cfg.FrameRate, s.cfg.FrameBurst)

	hello := &outboundFrame{Op: OpHello, D: HelloPayload{
		HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
	}}
	if data, err := encodeFrame(hello); err == nil {
		conn.enqueue(data)
	}

	// Until the connection authenticates, the read deadline doubles as
	// the identify timeout. Afterwards the heartbeat monitor owns
	// liveness and the deadline is cleared.
	ws.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout))

	var sess *Session
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleDisconnect(sess, conn)
			return
		}

		if !limiter.Allow() {
			debugLog.Printf("connection %s exceeded frame rate", conn.remoteAddr())
			s.handleRateLimited(sess, conn)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.protocolViolation(sess, conn, "malformed frame")
			return
		}

		if s.metrics != nil {
			s.metrics.RecordFrameReceived(opName(frame.Op))
		}
		debugLog.Printf("conn %s ← op=%d len=%d", conn.remoteAddr(), frame.Op, len(data))

		if sess == nil {
			next, fatal := s.handlePreAuth(conn, frame)
			if fatal {
				return
			}
			if next != nil {
				sess = next
				ws.SetReadDeadline(time.Time{})
			}
			continue
		}

		if !s.handleFrame(sess, conn, frame) {
			return
		}
	}
}

// handlePreAuth processes frames on a connection that has not yet
// authenticated. Returns the new session (nil if none yet) and whether
// the connection was closed.
func (s *Server) handlePreAuth(conn *wsConn, frame inboundFrame) (*Session, bool) {
	switch frame.Op {
	case OpHeartbeat:
		s.sendHeartbeatAck(conn, 0)
		return nil, false
	case OpIdentify:
		sess := s.handleIdentify(conn, frame.D)
		return sess, sess == nil
	case OpResume:
		sess := s.handleResume(conn, frame.D)
		return sess, sess == nil
	default:
		conn.close(CloseProtocolError, "unexpected opcode before identify")
		return nil, true
	}
}

// handleFrame processes one frame on an authenticated connection.
// Returns false when the connection should stop reading.
func (s *Server) handleFrame(sess *Session, conn *wsConn, frame inboundFrame) bool {
	switch frame.Op {
	case OpHeartbeat:
		var ack int64
		if len(frame.D) > 0 {
			json.Unmarshal(frame.D, &ack)
		}
		sess.Ack(ack)
		s.hb.Beat(sess.ID)
		s.sendHeartbeatAck(conn, sess.Seq())
		return true

	case OpPresenceUpdate:
		var p PresencePayload
		if err := json.Unmarshal(frame.D, &p); err != nil {
			s.protocolViolation(sess, conn, "malformed presence update")
			return false
		}
		s.presence.SetStatus(sess.AccountID, p.Status)
		return true

	case OpVoiceState:
		var p VoiceStatePayload
		if err := json.Unmarshal(frame.D, &p); err != nil {
			s.protocolViolation(sess, conn, "malformed voice state")
			return false
		}
		s.handleVoiceState(sess, p)
		return true

	default:
		s.protocolViolation(sess, conn, "unexpected opcode")
		return false
	}
}

// handleIdentify authenticates a connection and allocates its session.
// Returns nil after closing the connection on any failure.
func (s *Server) handleIdentify(conn *wsConn, raw json.RawMessage) *Session {
	var p IdentifyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		conn.close(CloseProtocolError, "malformed identify")
		return nil
	}

	account, err := s.dir.VerifyToken(p.Token)
	if err != nil {
		debugLog.Printf("identify from %s rejected: %v", conn.remoteAddr(), err)
		conn.close(CloseAuthFailed, "authentication failed")
		return nil
	}

	if s.registry.CountForAccount(account.ID) >= s.cfg.MaxSessionsPerAccount {
		conn.close(CloseRateLimited, "too many sessions for account")
		return nil
	}

	guilds, err := s.dir.GuildsForAccount(account.ID)
	if err != nil {
		log.Printf("gateway: guild lookup for account %d failed: %v", account.ID, err)
		conn.close(websocket.CloseInternalServerErr, "internal error")
		return nil
	}

	// Flip presence before registering: the online fan-out reaches the
	// account's other guild members but not this session, whose first
	// frame must be READY at sequence 1.
	s.presence.SessionReady(account.ID)

	sess := newSession(uuid.NewString(), account.ID, p.Capabilities, conn, s.cfg.ReplayBufferSize)
	guildIDs := make([]int64, len(guilds))
	for i, g := range guilds {
		guildIDs[i] = g.ID
	}
	sess.setGuilds(guildIDs)
	sess.setState(StateReady)
	s.registry.Register(sess)

	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
		s.metrics.RecordActiveSessions(s.registry.Count())
	}

	s.hb.Watch(sess.ID)

	ready := ReadyPayload{
		SessionID:         sess.ID,
		User:              *account,
		Guilds:            guilds,
		HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
		Presences: []PresenceInfo{
			{AccountID: account.ID, Status: s.presence.Status(account.ID)},
		},
	}
	for _, id := range guildIDs {
		ready.VoiceStates = append(ready.VoiceStates, s.voice.Snapshot(id)...)
	}
	s.dispatcher.Dispatch(Event{Kind: EventReady, Payload: ready}, ToSession(sess.ID))

	s.fireHooks(false, sess)
	log.Printf("gateway: session %s ready for account %d (%s)", sess.ID, account.ID, conn.remoteAddr())
	return sess
}

// handleResume reclaims a detached session's event stream. On any
// failure the client receives INVALID_SESSION and must re-identify.
func (s *Server) handleResume(conn *wsConn, raw json.RawMessage) *Session {
	var p ResumePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		conn.close(CloseProtocolError, "malformed resume")
		return nil
	}

	sess, ok := s.registry.Lookup(p.SessionID)
	if !ok || !s.resumeAttach(sess, conn, p.Seq) {
		s.invalidSession(conn)
		return nil
	}

	s.hb.Watch(sess.ID)
	if s.metrics != nil {
		s.metrics.RecordSessionResumed()
	}

	s.dispatcher.Dispatch(Event{Kind: EventResumed, Payload: ResumedPayload{SessionID: sess.ID}}, ToSession(sess.ID))
	s.presence.SessionReady(sess.AccountID)
	log.Printf("gateway: session %s resumed from seq %d (%s)", sess.ID, p.Seq, conn.remoteAddr())
	return sess
}

// resumeAttach validates the grace window, replays the missed range and
// installs the new connection, all under the session's send mutex so
// live dispatches order strictly after the replayed frames. A destroy
// can race the caller's lookup, and its detach call resets detachedAt;
// the grace check alone can't catch that, so the registry is checked
// again after the attach and the claim rolled back if the session is
// gone.
func (s *Server) resumeAttach(sess *Session, conn frameSink, fromSeq int64) bool {
	deadline, detached := sess.resumeDeadline(s.cfg.ResumeGrace)
	if !detached || time.Now().After(deadline) {
		return false
	}

	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	frames, ok := sess.replay.since(fromSeq, sess.Seq())
	if !ok || !sess.tryAttach(conn) {
		return false
	}
	if cur, ok := s.registry.Lookup(sess.ID); !ok || cur != sess {
		sess.detachIf(conn, time.Now())
		return false
	}

	for _, data := range frames {
		if conn.enqueue(data) != nil {
			break
		}
	}
	return true
}

// handleVoiceState applies a client voice join/move/leave and fans the
// result out to the guild.
func (s *Server) handleVoiceState(sess *Session, p VoiceStatePayload) {
	if !sess.InGuild(p.GuildID) {
		return
	}

	var channelID int64
	if p.ChannelID != nil {
		channelID = *p.ChannelID
	}

	state := s.voice.Apply(p.GuildID, VoiceState{
		AccountID: sess.AccountID,
		ChannelID: channelID,
		Mute:      p.SelfMute,
		Deaf:      p.SelfDeaf,
	})

	s.dispatcher.Dispatch(Event{
		Kind:    EventVoiceStateUpdate,
		Payload: VoiceStateEvent{GuildID: p.GuildID, VoiceState: state},
	}, ToGuild(p.GuildID))
}

// VoiceStateEvent is the payload of a VOICE_STATE_UPDATE dispatch.
type VoiceStateEvent struct {
	GuildID int64 `json:"guild_id,string"`
	VoiceState
}

// PresenceEvent is the payload of a PRESENCE_UPDATE dispatch.
type PresenceEvent struct {
	GuildID int64 `json:"guild_id,string"`
	PresenceInfo
}

// handleDisconnect runs when a connection's read loop ends. A ready
// session is detached into its resume grace window; the registry entry
// survives until the sweeper reaps it.
func (s *Server) handleDisconnect(sess *Session, conn *wsConn) {
	if sess == nil {
		conn.close(CloseProtocolError, "no identify")
		return
	}

	if sess.detachIf(conn, time.Now()) {
		s.hb.Stop(sess.ID)
		debugLog.Printf("session %s detached, resumable for %s", sess.ID, s.cfg.ResumeGrace)
	}
	conn.close(CloseNormal, "")
}

func (s *Server) handleRateLimited(sess *Session, conn *wsConn) {
	if sess != nil && sess.detachIf(conn, time.Now()) {
		s.hb.Stop(sess.ID)
	}
	conn.close(CloseRateLimited, "rate limited")
}

// protocolViolation closes the connection and destroys the session; a
// client speaking the protocol wrong does not get to resume.
func (s *Server) protocolViolation(sess *Session, conn *wsConn, reason string) {
	if sess != nil {
		s.enqueueClose(closeRequest{sessionID: sess.ID, code: CloseProtocolError, reason: reason})
	}
	conn.close(CloseProtocolError, reason)
}

func (s *Server) invalidSession(conn *wsConn) {
	if data, err := encodeFrame(&outboundFrame{Op: OpInvalidSession, D: false}); err == nil {
		conn.enqueue(data)
	}
	conn.close(CloseSessionInvalid, "invalid session")
}

func (s *Server) sendHeartbeatAck(conn *wsConn, seq int64) {
	if data, err := encodeFrame(&outboundFrame{Op: OpHeartbeatAck, D: seq}); err == nil {
		conn.enqueue(data)
	}
}

// connectionDead is the dispatcher's per-recipient failure callback. It
// must not mutate the registry inline: fan-out may still be iterating.
// Queue overflow is a hard teardown; a write against an already-closed
// connection detaches instead, the client may still resume.
func (s *Server) connectionDead(sess *Session, err error) {
	if err == ErrSendQueueFull {
		s.enqueueClose(closeRequest{sessionID: sess.ID, code: CloseSlowConsumer, reason: "too slow to keep up"})
		return
	}
	s.enqueueClose(closeRequest{sessionID: sess.ID, code: CloseNormal, reason: "write failed", resumable: true})
}

func (s *Server) enqueueClose(req closeRequest) {
	select {
	case s.closeCh <- req:
	default:
		go func() {
			select {
			case s.closeCh <- req:
			case <-s.shutdown:
			}
		}()
	}
}

// closeLoop is the single execution path for every session-close cause:
// heartbeat expiry, slow consumers, protocol violations, forced logout.
func (s *Server) closeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case sessionID := <-s.hb.Expired():
			if s.metrics != nil {
				s.metrics.RecordSessionTimedOut()
			}
			s.detachSession(sessionID, CloseHeartbeatTimeout, "session timed out")
		case req := <-s.closeCh:
			if req.resumable {
				s.detachSession(req.sessionID, req.code, req.reason)
			} else {
				s.destroySession(req.sessionID, req.code, req.reason)
			}
		}
	}
}

// sweepLoop reaps detached sessions whose resume grace window expired.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range s.registry.Snapshot() {
				if deadline, detached := sess.resumeDeadline(s.cfg.ResumeGrace); detached && now.After(deadline) {
					s.destroySession(sess.ID, CloseSessionInvalid, "resume window expired")
				}
			}
		}
	}
}

// detachSession closes the session's connection but keeps it resumable
// for the grace window. Heartbeat timeouts land here, since a missed
// heartbeat usually means a client-side network failure.
func (s *Server) detachSession(sessionID string, code int, reason string) {
	sess, ok := s.registry.Lookup(sessionID)
	if !ok {
		return
	}

	s.hb.Stop(sessionID)
	if conn := sess.detach(time.Now()); conn != nil {
		conn.close(code, reason)
	}
	debugLog.Printf("session %s detached: %s", sessionID, reason)
}

// destroySession removes a session permanently: registry and account
// index in one step, connection closed, voice and presence cleaned up
// when this was the account's last session.
func (s *Server) destroySession(sessionID string, code int, reason string) {
	sess, ok := s.registry.Remove(sessionID)
	if !ok {
		return
	}

	sess.setState(StateClosing)
	s.hb.Stop(sessionID)
	if conn := sess.detach(time.Now()); conn != nil {
		conn.close(code, reason)
	}

	if s.metrics != nil {
		s.metrics.RecordActiveSessions(s.registry.Count())
	}

	if s.registry.CountForAccount(sess.AccountID) == 0 {
		for _, guildID := range s.voice.DropAccount(sess.AccountID) {
			s.dispatcher.Dispatch(Event{
				Kind:    EventVoiceStateUpdate,
				Payload: VoiceStateEvent{GuildID: guildID, VoiceState: VoiceState{AccountID: sess.AccountID}},
			}, ToGuild(guildID))
		}
		s.presence.LastSessionClosed(sess.AccountID)
	}

	s.fireHooks(true, sess)
	log.Printf("gateway: session %s closed (%d: %s)", sessionID, code, reason)
}

// presenceChanged fans a presence transition out to every guild the
// account belongs to.
func (s *Server) presenceChanged(accountID int64, status string) {
	guilds, err := s.dir.GuildsForAccount(accountID)
	if err != nil {
		log.Printf("gateway: presence fanout for account %d failed: %v", accountID, err)
		return
	}

	for _, g := range guilds {
		s.dispatcher.Dispatch(Event{
			Kind:    EventPresenceUpdate,
			Payload: PresenceEvent{GuildID: g.ID, PresenceInfo: PresenceInfo{AccountID: accountID, Status: status}},
		}, ToGuild(g.ID))
	}
}

// DispatchEventInGuild delivers an event to every live session of every
// guild member. Returns the number of sessions reached.
func (s *Server) DispatchEventInGuild(guildID int64, kind EventKind, payload any) int {
	return s.dispatcher.Dispatch(Event{Kind: kind, Payload: payload}, ToGuild(guildID))
}

// DispatchEventInGuildExcept is DispatchEventInGuild minus one account,
// used when the actor should not see the echo of its own action.
func (s *Server) DispatchEventInGuildExcept(guildID, exceptAccount int64, kind EventKind, payload any) int {
	return s.dispatcher.Dispatch(Event{Kind: kind, Payload: payload}, ToGuildExcept(guildID, exceptAccount))
}

// DispatchToAccount delivers an event to every live session of one
// account, for forced logouts and cross-device settings sync.
func (s *Server) DispatchToAccount(accountID int64, kind EventKind, payload any) int {
	return s.dispatcher.Dispatch(Event{Kind: kind, Payload: payload}, ToAccount(accountID))
}

// Broadcast delivers an event to every live session on the server, for
// announcements and settings pushed to all clients at once.
func (s *Server) Broadcast(kind EventKind, payload any) int {
	return s.dispatcher.Dispatch(Event{Kind: kind, Payload: payload}, ToEveryone())
}

// ForceLogout pushes a LOGOUT event to all of an account's sessions and
// then closes each one. Used after moderation bans and deletes. Returns
// the number of sessions closed.
func (s *Server) ForceLogout(accountID int64) int {
	s.DispatchToAccount(accountID, EventLogout, struct{}{})

	sessions := s.registry.SessionsForAccount(accountID)
	for _, sess := range sessions {
		s.destroySession(sess.ID, CloseSessionInvalid, "account disabled")
	}
	return len(sessions)
}

// SessionCount returns how many live sessions an account holds, for
// "already connected" checks on the REST surface.
func (s *Server) SessionCount(accountID int64) int {
	return s.registry.CountForAccount(accountID)
}

// VoiceOccupancy returns a snapshot of a guild's live voice states.
func (s *Server) VoiceOccupancy(guildID int64) []VoiceState {
	return s.voice.Snapshot(guildID)
}

// Presence returns an account's derived presence status.
func (s *Server) Presence(accountID int64) string {
	return s.presence.Status(accountID)
}

// RefreshSubscriptions recomputes the subscribed-guild set of every
// live session of an account, after a guild join or leave.
func (s *Server) RefreshSubscriptions(accountID int64) error {
	guilds, err := s.dir.GuildsForAccount(accountID)
	if err != nil {
		return err
	}

	ids := make([]int64, len(guilds))
	for i, g := range guilds {
		ids[i] = g.ID
	}
	for _, sess := range s.registry.SessionsForAccount(accountID) {
		sess.setGuilds(ids)
	}
	return nil
}

func opName(op int) string {
	switch op {
	case OpDispatch:
		return "DISPATCH"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpIdentify:
		return "IDENTIFY"
	case OpPresenceUpdate:
		return "PRESENCE_UPDATE"
	case OpVoiceState:
		return "VOICE_STATE_UPDATE"
	case OpResume:
		return "RESUME"
	case OpReconnect:
		return "RECONNECT"
	case OpInvalidSession:
		return "INVALID_SESSION"
	case OpHello:
		return "HELLO"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return strconv.Itoa(op)
	}
}
