package gateway

import (
	"log"
	"sync/atomic"
	"time"
)

// MembershipResolver supplies guild membership, an external collaborator
// backed by the persistence layer.
type MembershipResolver interface {
	MembersOf(guildID int64) ([]int64, error)
	GuildOf(channelID int64) (int64, error)
}

// Dispatcher resolves an event's scope to the concrete set of live
// sessions and pushes a sequenced copy to each. It never fails outright:
// per-recipient write failures feed the teardown path and the fan-out
// continues.
type Dispatcher struct {
	registry *Registry
	members  MembershipResolver
	metrics  *Metrics

	// onDead is invoked when a recipient's connection rejects a write
	// (overflow or closed). It must not block: implementations enqueue
	// a close request rather than mutating the registry inline.
	onDead func(sess *Session, err error)
}

// NewDispatcher creates a dispatcher over the given registry and
// membership source. onDead may be nil.
func NewDispatcher(registry *Registry, members MembershipResolver, onDead func(*Session, error)) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		members:  members,
		onDead:   onDead,
	}
}

// SetMetrics attaches metrics to the dispatcher.
func (d *Dispatcher) SetMetrics(m *Metrics) {
	d.metrics = m
}

// Dispatch delivers an event to every session the scope resolves to and
// returns the number of sessions reached. Recipients that vanish
// mid-pass are skipped, never an error.
func (d *Dispatcher) Dispatch(ev Event, scope Scope) int {
	start := time.Now()
	recipients := d.resolve(scope)

	delivered := 0
	for _, sess := range recipients {
		if d.deliver(sess, ev) {
			delivered++
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch(ev.Kind.String(), delivered, time.Since(start).Seconds())
	}
	return delivered
}

// resolve computes the recipient set under the registry's read lock and
// releases it before any send happens, so no lock is held across the
// fan-out itself.
func (d *Dispatcher) resolve(scope Scope) []*Session {
	switch scope.Kind {
	case ScopeSession:
		sess, ok := d.registry.Lookup(scope.SessionID)
		if !ok {
			return nil
		}
		return []*Session{sess}

	case ScopeAccount:
		return d.registry.SessionsForAccount(scope.AccountID)

	case ScopeGuild, ScopeGuildExcept:
		members, err := d.members.MembersOf(scope.GuildID)
		if err != nil {
			log.Printf("dispatch: membership lookup for guild %d failed: %v", scope.GuildID, err)
			return nil
		}

		var recipients []*Session
		for _, accountID := range members {
			if scope.Kind == ScopeGuildExcept && accountID == scope.ExcludeAccount {
				continue
			}
			recipients = append(recipients, d.registry.SessionsForAccount(accountID)...)
		}
		return recipients

	case ScopeBroadcast:
		return d.registry.Snapshot()
	}
	return nil
}

// deliver assigns the session's next sequence number, records the frame
// in the replay ring and hands it to the connection. Detached sessions
// still consume sequence numbers so a later resume can replay exactly
// what was missed.
func (d *Dispatcher) deliver(sess *Session, ev Event) bool {
	if sess.State() == StateClosing {
		return false
	}

	sess.sendMu.Lock()
	seq := atomic.AddInt64(&sess.seq, 1)
	frame := &outboundFrame{
		Op: OpDispatch,
		D:  ev.Payload,
		S:  &seq,
		T:  ev.Kind.String(),
	}

	data, err := encodeFrame(frame)
	if err != nil {
		// Undo the sequence bump so the stream stays gap-free.
		atomic.AddInt64(&sess.seq, -1)
		sess.sendMu.Unlock()
		log.Printf("dispatch: encode %s for session %s failed: %v", ev.Kind, sess.ID, err)
		return false
	}

	sess.replay.add(seq, data)

	conn := sess.sink()
	if conn == nil {
		// Detached awaiting resume: buffered for replay only.
		sess.sendMu.Unlock()
		return false
	}

	err = conn.enqueue(data)
	sess.sendMu.Unlock()

	if err != nil {
		if d.metrics != nil && err == ErrSendQueueFull {
			d.metrics.RecordSlowConsumer()
		}
		if d.onDead != nil {
			d.onDead(sess, err)
		}
		return false
	}
	return true
}

// replayEntry pairs a sequence number with its already-encoded frame.
type replayEntry struct {
	seq  int64
	data []byte
}

// replayRing is a fixed-capacity per-session buffer of delivered frames.
// Eviction of a requested range is unconditional grounds for resume
// failure.
type replayRing struct {
	buf   []replayEntry
	start int // index of oldest entry
	count int
}

func newReplayRing(capacity int) *replayRing {
	if capacity < 1 {
		capacity = 1
	}
	return &replayRing{buf: make([]replayEntry, capacity)}
}

// add records a frame, evicting the oldest when full. Callers hold the
// session's sendMu.
func (r *replayRing) add(seq int64, data []byte) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = replayEntry{seq: seq, data: data}
	r.count++
}

// since returns, in order, every buffered frame with sequence greater
// than ack. ok is false when the range has been evicted, in which case
// the session cannot be resumed.
func (r *replayRing) since(ack, current int64) ([][]byte, bool) {
	if ack >= current {
		return nil, ack == current
	}

	if r.count == 0 {
		// Events were assigned but already evicted.
		return nil, false
	}

	oldest := r.buf[r.start].seq
	if oldest > ack+1 {
		return nil, false
	}

	frames := make([][]byte, 0, r.count)
	for i := 0; i < r.count; i++ {
		entry := r.buf[(r.start+i)%len(r.buf)]
		if entry.seq > ack {
			frames = append(frames, entry.data)
		}
	}
	return frames, true
}
