package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// SessionState tracks a session's lifecycle. Sessions are created only
// once a connection authenticates, so Ready is the initial state; the
// pre-auth handshake has no session at all.
type SessionState int32

const (
	StateReady SessionState = iota
	StateClosing
)

// Session is the server-side state for one authenticated connection.
// The registry exclusively owns its lifetime; the dispatcher only
// borrows references for the duration of a fan-out pass.
type Session struct {
	ID           string
	AccountID    int64
	Capabilities int64

	seq    int64 // last assigned sequence number (atomic)
	ackSeq int64 // last sequence acknowledged by the client (atomic)
	state  int32 // SessionState (atomic)

	// sendMu orders sequence assignment, replay recording and enqueue
	// as one step, so a session's stream is gap-free even under
	// concurrent dispatches.
	sendMu sync.Mutex
	replay *replayRing

	mu         sync.RWMutex // guards conn, guilds, detachedAt
	conn       frameSink    // nil while detached awaiting resume
	guilds     map[int64]struct{}
	detachedAt time.Time // zero while attached
}

func newSession(id string, accountID, capabilities int64, conn frameSink, replaySize int) *Session {
	return &Session{
		ID:           id,
		AccountID:    accountID,
		Capabilities: capabilities,
		conn:         conn,
		guilds:       make(map[int64]struct{}),
		replay:       newReplayRing(replaySize),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(st SessionState) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Seq returns the last sequence number assigned to this session.
func (s *Session) Seq() int64 {
	return atomic.LoadInt64(&s.seq)
}

// Ack records the client's last acknowledged sequence number. Stale
// acks never move it backwards.
func (s *Session) Ack(seq int64) {
	for {
		cur := atomic.LoadInt64(&s.ackSeq)
		if seq <= cur || atomic.CompareAndSwapInt64(&s.ackSeq, cur, seq) {
			return
		}
	}
}

// InGuild reports whether the session is subscribed to a guild.
func (s *Session) InGuild(guildID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok
}

// Guilds returns a snapshot of the session's subscribed guild set.
func (s *Session) Guilds() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) setGuilds(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	s.guilds = set
	s.mu.Unlock()
}

func (s *Session) addGuild(guildID int64) {
	s.mu.Lock()
	s.guilds[guildID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeGuild(guildID int64) {
	s.mu.Lock()
	delete(s.guilds, guildID)
	s.mu.Unlock()
}

// detach drops the connection handle but keeps the session alive for
// the resume grace window. Returns the sink so the caller can close it.
func (s *Session) detach(now time.Time) frameSink {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.conn
	s.conn = nil
	s.detachedAt = now
	return conn
}

// detachIf drops the connection handle only if it still is the given
// one, so a dead connection's read loop can't detach a successor
// installed by a concurrent resume.
func (s *Session) detachIf(conn frameSink, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn == nil || s.conn != conn {
		return false
	}
	s.conn = nil
	s.detachedAt = now
	return true
}

// tryAttach installs a new connection after a successful resume. Fails
// if another connection claimed the session first.
func (s *Session) tryAttach(conn frameSink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return false
	}
	s.conn = conn
	s.detachedAt = time.Time{}
	return true
}

// sink returns the current connection handle, or nil while detached.
func (s *Session) sink() frameSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// resumeDeadline reports whether the session is detached and, if so,
// when its grace window expires.
func (s *Session) resumeDeadline(grace time.Duration) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.detachedAt.IsZero() {
		return time.Time{}, false
	}
	return s.detachedAt.Add(grace), true
}

// Registry is the process-wide session table plus the account-to-sessions
// index. Mutations touch both under one critical section so a session id
// can never dangle in the index.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	accounts map[int64]map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		accounts: make(map[int64]map[string]*Session),
	}
}

// Register adds a session to the table and the account index.
func (r *Registry) Register(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.ID] = sess

	byAccount, ok := r.accounts[sess.AccountID]
	if !ok {
		byAccount = make(map[string]*Session)
		r.accounts[sess.AccountID] = byAccount
	}
	byAccount[sess.ID] = sess
}

// Lookup returns a session by id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// SessionsForAccount returns a snapshot of an account's live sessions.
func (r *Registry) SessionsForAccount(accountID int64) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byAccount := r.accounts[accountID]
	sessions := make([]*Session, 0, len(byAccount))
	for _, sess := range byAccount {
		sessions = append(sessions, sess)
	}
	return sessions
}

// CountForAccount returns how many sessions an account currently holds.
func (r *Registry) CountForAccount(accountID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts[accountID])
}

// Remove deletes a session from the table and the account index as one
// atomic step. Returns the removed session, or false if unknown.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)

	if byAccount, ok := r.accounts[sess.AccountID]; ok {
		delete(byAccount, sessionID)
		if len(byAccount) == 0 {
			delete(r.accounts, sess.AccountID)
		}
	}
	return sess, true
}

// Snapshot returns all sessions. Callers must tolerate entries being
// removed concurrently after the snapshot is taken.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
