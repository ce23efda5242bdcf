package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	sess := newSession("s1", 100, 0, newFakeSink(16), 16)
	r.Register(sess)

	got, ok := r.Lookup("s1")
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got != sess {
		t.Fatal("lookup returned a different session")
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected missing session to not be found")
	}
}

func TestRegistrySessionsForAccount(t *testing.T) {
	r := NewRegistry()
	r.Register(newSession("s1", 100, 0, newFakeSink(16), 16))
	r.Register(newSession("s2", 100, 0, newFakeSink(16), 16))
	r.Register(newSession("s3", 200, 0, newFakeSink(16), 16))

	sessions := r.SessionsForAccount(100)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for account 100, got %d", len(sessions))
	}
	if r.CountForAccount(200) != 1 {
		t.Fatalf("expected 1 session for account 200, got %d", r.CountForAccount(200))
	}
	if r.CountForAccount(999) != 0 {
		t.Fatalf("expected 0 sessions for unknown account, got %d", r.CountForAccount(999))
	}
}

func TestRegistryRemoveClearsAccountIndex(t *testing.T) {
	r := NewRegistry()
	r.Register(newSession("s1", 100, 0, newFakeSink(16), 16))
	r.Register(newSession("s2", 100, 0, newFakeSink(16), 16))

	if _, ok := r.Remove("s1"); !ok {
		t.Fatal("expected remove to succeed")
	}
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("removed session still found by lookup")
	}
	if r.CountForAccount(100) != 1 {
		t.Fatalf("expected 1 remaining session, got %d", r.CountForAccount(100))
	}

	if _, ok := r.Remove("s2"); !ok {
		t.Fatal("expected second remove to succeed")
	}
	if sessions := r.SessionsForAccount(100); len(sessions) != 0 {
		t.Fatalf("expected empty session set after removals, got %d", len(sessions))
	}

	if _, ok := r.Remove("s1"); ok {
		t.Fatal("expected double remove to report not found")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			r.Register(newSession(id, int64(n%5), 0, newFakeSink(16), 16))
			r.Lookup(id)
			r.SessionsForAccount(int64(n % 5))
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d sessions", r.Count())
	}
}

func TestSessionGuildSubscriptions(t *testing.T) {
	sess := newSession("s1", 100, 0, newFakeSink(16), 16)
	sess.setGuilds([]int64{1, 2, 3})

	if !sess.InGuild(2) {
		t.Fatal("expected session to be subscribed to guild 2")
	}
	if sess.InGuild(4) {
		t.Fatal("expected session to not be subscribed to guild 4")
	}

	sess.removeGuild(2)
	if sess.InGuild(2) {
		t.Fatal("expected guild 2 to be unsubscribed")
	}

	sess.addGuild(4)
	if !sess.InGuild(4) {
		t.Fatal("expected guild 4 to be subscribed")
	}

	guilds := sess.Guilds()
	if len(guilds) != 3 {
		t.Fatalf("expected 3 subscribed guilds, got %d", len(guilds))
	}
}

func TestSessionDetachAndResume(t *testing.T) {
	conn := newFakeSink(16)
	sess := newSession("s1", 100, 0, conn, 16)

	now := time.Now()
	if got := sess.detach(now); got != conn {
		t.Fatal("detach did not return the active connection")
	}
	if sess.sink() != nil {
		t.Fatal("expected nil sink after detach")
	}

	deadline, detached := sess.resumeDeadline(90 * time.Second)
	if !detached {
		t.Fatal("expected session to report detached")
	}
	if want := now.Add(90 * time.Second); !deadline.Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, deadline)
	}

	replacement := newFakeSink(16)
	if !sess.tryAttach(replacement) {
		t.Fatal("expected attach to a detached session to succeed")
	}
	if sess.sink() != replacement {
		t.Fatal("sink is not the newly attached connection")
	}

	// Attaching over a live connection must fail.
	if sess.tryAttach(newFakeSink(16)) {
		t.Fatal("expected attach over a live connection to fail")
	}
}

func TestSessionDetachIfIgnoresStaleConnection(t *testing.T) {
	stale := newFakeSink(16)
	sess := newSession("s1", 100, 0, stale, 16)

	sess.detach(time.Now())
	fresh := newFakeSink(16)
	if !sess.tryAttach(fresh) {
		t.Fatal("expected attach to succeed")
	}

	// The stale connection's read loop fires late; it must not detach
	// the successor.
	if sess.detachIf(stale, time.Now()) {
		t.Fatal("stale connection detached the resumed session")
	}
	if sess.sink() != fresh {
		t.Fatal("fresh connection was dropped")
	}

	if !sess.detachIf(fresh, time.Now()) {
		t.Fatal("expected detachIf with the live connection to succeed")
	}
}

func TestSessionSequenceAndAck(t *testing.T) {
	sess := newSession("s1", 100, 0, newFakeSink(16), 16)

	if sess.Seq() != 0 {
		t.Fatalf("expected initial sequence 0, got %d", sess.Seq())
	}

	sess.Ack(5)
	sess.Ack(3) // acks never regress
	if got := sess.ackSeq; got != 5 {
		t.Fatalf("expected ack to stay at 5, got %d", got)
	}
}

// Sessions exist only once a connection has authenticated, so Ready is
// the zero state and Closing is the only transition.
func TestSessionStateLifecycle(t *testing.T) {
	sess := newSession("s1", 100, 0, newFakeSink(16), 16)

	if sess.State() != StateReady {
		t.Fatalf("expected new session to be ready, got %d", sess.State())
	}
	sess.setState(StateClosing)
	if sess.State() != StateClosing {
		t.Fatalf("expected closing state, got %d", sess.State())
	}
}
