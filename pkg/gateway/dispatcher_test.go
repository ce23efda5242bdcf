package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"
)

type msgPayload struct {
	Content string `json:"content"`
}

func setupDispatcher(t *testing.T) (*Registry, *mockDirectory, *Dispatcher, *[]string) {
	t.Helper()
	registry := NewRegistry()
	dir := newMockDirectory()

	var deadMu sync.Mutex
	dead := &[]string{}
	d := NewDispatcher(registry, dir, func(sess *Session, err error) {
		deadMu.Lock()
		*dead = append(*dead, sess.ID)
		deadMu.Unlock()
	})
	return registry, dir, d, dead
}

// Account with two live sessions in the same guild: both receive the
// event, each with its own sequence number.
func TestDispatchGuildReachesEverySessionOfMember(t *testing.T) {
	registry, dir, d, _ := setupDispatcher(t)
	dir.AddGuild(Guild{ID: 1, Name: "general"}, 100, 200)

	s1conn, s2conn, s3conn := newFakeSink(16), newFakeSink(16), newFakeSink(16)
	s1 := newSession("s1", 100, 0, s1conn, 16)
	s2 := newSession("s2", 100, 0, s2conn, 16)
	s3 := newSession("s3", 200, 0, s3conn, 16)
	registry.Register(s1)
	registry.Register(s2)
	registry.Register(s3)

	delivered := d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "hi"}}, ToGuild(1))
	if delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %d", delivered)
	}

	for _, conn := range []*fakeSink{s1conn, s2conn, s3conn} {
		if conn.frameCount() != 1 {
			t.Fatalf("expected 1 frame, got %d", conn.frameCount())
		}
		op, seq, kind, payload := conn.decoded(0)
		if op != OpDispatch {
			t.Fatalf("expected DISPATCH op, got %d", op)
		}
		if seq != 1 {
			t.Fatalf("expected per-session sequence 1, got %d", seq)
		}
		if kind != "MESSAGE_CREATE" {
			t.Fatalf("expected MESSAGE_CREATE, got %s", kind)
		}
		var p msgPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Content != "hi" {
			t.Fatalf("payload did not round-trip: %v %+v", err, p)
		}
	}
}

func TestDispatchGuildExceptExcludesAllSessionsOfAccount(t *testing.T) {
	registry, dir, d, _ := setupDispatcher(t)
	dir.AddGuild(Guild{ID: 1, Name: "general"}, 100, 200)

	actor1, actor2, other := newFakeSink(16), newFakeSink(16), newFakeSink(16)
	registry.Register(newSession("a1", 100, 0, actor1, 16))
	registry.Register(newSession("a2", 100, 0, actor2, 16))
	registry.Register(newSession("o1", 200, 0, other, 16))

	delivered := d.Dispatch(Event{Kind: EventGuildDelete, Payload: msgPayload{}}, ToGuildExcept(1, 100))
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if actor1.frameCount() != 0 || actor2.frameCount() != 0 {
		t.Fatal("excluded account received the event")
	}
	if other.frameCount() != 1 {
		t.Fatal("other member did not receive the event")
	}
}

func TestDispatchToAccountHitsOnlyThatAccount(t *testing.T) {
	registry, _, d, _ := setupDispatcher(t)

	target, bystander := newFakeSink(16), newFakeSink(16)
	registry.Register(newSession("t1", 100, 0, target, 16))
	registry.Register(newSession("b1", 200, 0, bystander, 16))

	if got := d.Dispatch(Event{Kind: EventLogout, Payload: struct{}{}}, ToAccount(100)); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if bystander.frameCount() != 0 {
		t.Fatal("bystander received an account-scoped event")
	}
}

func TestDispatchBroadcastReachesEveryone(t *testing.T) {
	registry, _, d, _ := setupDispatcher(t)

	conns := make([]*fakeSink, 3)
	for i := range conns {
		conns[i] = newFakeSink(16)
		registry.Register(newSession(fmt.Sprintf("s%d", i), int64(100+i), 0, conns[i], 16))
	}

	if got := d.Dispatch(Event{Kind: EventUserSettingsUpdate, Payload: msgPayload{}}, ToEveryone()); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
	for i, conn := range conns {
		if conn.frameCount() != 1 {
			t.Fatalf("session %d received %d frames", i, conn.frameCount())
		}
	}
}

func TestDispatchUnknownRecipientIsSkipped(t *testing.T) {
	_, _, d, _ := setupDispatcher(t)

	if got := d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{}}, ToSession("missing")); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
}

// A slow consumer's overflow tears only that session down; delivery to
// the rest of the fan-out completes.
func TestDispatchSlowConsumerDoesNotStallOthers(t *testing.T) {
	registry, dir, d, dead := setupDispatcher(t)
	dir.AddGuild(Guild{ID: 1, Name: "general"}, 100, 200)

	slow := newFakeSink(2) // fills after two frames
	fast := newFakeSink(64)
	registry.Register(newSession("slow", 100, 0, slow, 64))
	registry.Register(newSession("fast", 200, 0, fast, 64))

	for i := 0; i < 5; i++ {
		d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "x"}}, ToGuild(1))
	}

	if fast.frameCount() != 5 {
		t.Fatalf("expected 5 frames to the healthy session, got %d", fast.frameCount())
	}
	if len(*dead) == 0 {
		t.Fatal("expected the slow session to be reported dead")
	}
	for _, id := range *dead {
		if id != "slow" {
			t.Fatalf("unexpected dead session %s", id)
		}
	}
}

// Events dispatched while a session is detached still consume sequence
// numbers and land in the replay ring.
func TestDispatchToDetachedSessionBuffersForReplay(t *testing.T) {
	registry, dir, d, _ := setupDispatcher(t)
	dir.AddGuild(Guild{ID: 1, Name: "general"}, 100)

	conn := newFakeSink(16)
	sess := newSession("s1", 100, 0, conn, 16)
	registry.Register(sess)

	d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "a"}}, ToGuild(1))
	sess.detach(time.Now())
	d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "b"}}, ToGuild(1))
	d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "c"}}, ToGuild(1))

	if conn.frameCount() != 1 {
		t.Fatalf("expected only the pre-detach frame on the wire, got %d", conn.frameCount())
	}
	if sess.Seq() != 3 {
		t.Fatalf("expected sequence to advance to 3 while detached, got %d", sess.Seq())
	}

	frames, ok := sess.replay.since(1, sess.Seq())
	if !ok {
		t.Fatal("expected replay range to be available")
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames to replay, got %d", len(frames))
	}
}

func TestDispatchConcurrentSequencesAreGapFree(t *testing.T) {
	registry, dir, d, _ := setupDispatcher(t)
	dir.AddGuild(Guild{ID: 1, Name: "general"}, 100)

	conn := newFakeSink(4096)
	sess := newSession("s1", 100, 0, conn, 16)
	registry.Register(sess)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				d.Dispatch(Event{Kind: EventMessageCreate, Payload: msgPayload{Content: "x"}}, ToGuild(1))
			}
		}()
	}
	wg.Wait()

	total := workers * perWorker
	if conn.frameCount() != total {
		t.Fatalf("expected %d frames, got %d", total, conn.frameCount())
	}

	seen := make(map[int64]bool, total)
	for i := 0; i < total; i++ {
		_, seq, _, _ := conn.decoded(i)
		if seen[seq] {
			t.Fatalf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
	for seq := int64(1); seq <= int64(total); seq++ {
		if !seen[seq] {
			t.Fatalf("gap at sequence %d", seq)
		}
	}
}

func TestReplayRingEvictsOldest(t *testing.T) {
	ring := newReplayRing(3)
	for seq := int64(1); seq <= 5; seq++ {
		ring.add(seq, []byte{byte(seq)})
	}

	// 1 and 2 are evicted; resuming from ack 1 must fail.
	if _, ok := ring.since(1, 5); ok {
		t.Fatal("expected evicted range to fail")
	}

	frames, ok := ring.since(3, 5)
	if !ok {
		t.Fatal("expected buffered range to succeed")
	}
	if len(frames) != 2 || frames[0][0] != 4 || frames[1][0] != 5 {
		t.Fatalf("unexpected replay contents %v", frames)
	}

	// Fully caught up: empty replay.
	frames, ok = ring.since(5, 5)
	if !ok || len(frames) != 0 {
		t.Fatalf("expected empty replay, got ok=%v len=%d", ok, len(frames))
	}

	// Claiming a future sequence is invalid.
	if _, ok := ring.since(6, 5); ok {
		t.Fatal("expected ack beyond current to fail")
	}
}

// Property: for any sequence of adds, since(ack) either returns exactly
// the frames ack+1..current in order, or reports the range evicted.
func TestReplayRingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		total := rapid.IntRange(0, 64).Draw(t, "total")

		ring := newReplayRing(capacity)
		for seq := int64(1); seq <= int64(total); seq++ {
			ring.add(seq, []byte{byte(seq)})
		}

		ack := int64(rapid.IntRange(0, total).Draw(t, "ack"))
		frames, ok := ring.since(ack, int64(total))

		// The ring holds the newest min(total, capacity) frames.
		buffered := min(total, capacity)
		wantOK := ack >= int64(total-buffered)

		if ok != wantOK {
			t.Fatalf("since(%d) ok=%v, want %v (capacity %d, total %d)", ack, ok, wantOK, capacity, total)
		}
		if !ok {
			return
		}
		if int64(len(frames)) != int64(total)-ack {
			t.Fatalf("expected %d frames, got %d", int64(total)-ack, len(frames))
		}
		for i, f := range frames {
			if want := byte(ack + int64(i) + 1); f[0] != want {
				t.Fatalf("frame %d has seq %d, want %d", i, f[0], want)
			}
		}
	})
}
