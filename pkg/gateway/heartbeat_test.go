package gateway

import (
	"testing"
	"time"
)

func TestHeartbeatExpiryEmitsSessionID(t *testing.T) {
	m := newHeartbeatMonitor(20 * time.Millisecond)
	m.Watch("s1")

	select {
	case id := <-m.Expired():
		if id != "s1" {
			t.Fatalf("expected s1 to expire, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestHeartbeatBeatDefersExpiry(t *testing.T) {
	m := newHeartbeatMonitor(60 * time.Millisecond)
	m.Watch("s1")

	// Keep beating past a full deadline's worth of time.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		m.Beat("s1")
	}

	select {
	case id := <-m.Expired():
		t.Fatalf("session %s expired despite heartbeats", id)
	default:
	}

	// Stop beating; now it must expire.
	select {
	case <-m.Expired():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry after beats stopped")
	}
}

func TestHeartbeatStopCancelsTimer(t *testing.T) {
	m := newHeartbeatMonitor(20 * time.Millisecond)
	m.Watch("s1")
	m.Stop("s1")

	select {
	case id := <-m.Expired():
		t.Fatalf("stopped session %s still expired", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatRewatchAfterExpiry(t *testing.T) {
	m := newHeartbeatMonitor(20 * time.Millisecond)
	m.Watch("s1")
	<-m.Expired()

	// A resumed session is watched again and expires again.
	m.Watch("s1")
	select {
	case <-m.Expired():
	case <-time.After(time.Second):
		t.Fatal("rewatched session never expired")
	}
}
