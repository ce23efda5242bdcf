package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/concord-chat/concord/pkg/gateway"
)

type stubDirectory struct{}

func (stubDirectory) VerifyToken(token string) (*gateway.Account, error) {
	if token != "good-token" {
		return nil, errors.New("bad token")
	}
	return &gateway.Account{ID: 100, Username: "alice"}, nil
}

func (stubDirectory) GuildsForAccount(accountID int64) ([]gateway.Guild, error) {
	return []gateway.Guild{{ID: 1, Name: "general"}}, nil
}

func (stubDirectory) MembersOf(guildID int64) ([]int64, error) {
	return []int64{100}, nil
}

func (stubDirectory) GuildOf(channelID int64) (int64, error) {
	return 1, nil
}

func startGateway(t *testing.T) (*gateway.Server, string) {
	t.Helper()

	cfg := gateway.DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatGrace = 100 * time.Millisecond
	cfg.ResumeGrace = 5 * time.Second
	gw := gateway.NewServer(cfg, stubDirectory{}, nil)
	gw.Start()
	t.Cleanup(gw.Stop)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	t.Cleanup(srv.Close)

	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientConnectReceivesReadyAndEvents(t *testing.T) {
	gw, url := startGateway(t)

	conn := NewConnection(url, "good-token")
	if err := conn.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()

	if conn.SessionID() == "" {
		t.Fatal("expected session id after connect")
	}

	select {
	case ev := <-conn.Events():
		if ev.Kind != "READY" || ev.Seq != 1 {
			t.Fatalf("expected READY seq 1, got %s seq %d", ev.Kind, ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("READY never surfaced on the event channel")
	}

	gw.DispatchEventInGuild(1, gateway.EventMessageCreate, map[string]string{"content": "hi"})

	select {
	case ev := <-conn.Events():
		if ev.Kind != "MESSAGE_CREATE" {
			t.Fatalf("expected MESSAGE_CREATE, got %s", ev.Kind)
		}
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.Content != "hi" {
			t.Fatalf("payload did not round-trip: %v %+v", err, payload)
		}
		if ev.Seq != conn.Seq() {
			t.Fatalf("event seq %d does not match tracked seq %d", ev.Seq, conn.Seq())
		}
	case <-time.After(time.Second):
		t.Fatal("dispatched event never arrived")
	}
}

func TestClientConnectBadToken(t *testing.T) {
	_, url := startGateway(t)

	conn := NewConnection(url, "wrong-token")
	if err := conn.Connect(); err == nil {
		conn.Close()
		t.Fatal("expected connect with a bad token to fail")
	}
}

// Caller writes share the socket with the heartbeat ticker; both must
// go through the serialized writer or the race detector trips here.
func TestClientWritesConcurrentWithHeartbeats(t *testing.T) {
	gw, url := startGateway(t)

	conn := NewConnection(url, "good-token")
	if err := conn.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()
	<-conn.Events() // READY

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-conn.Events():
			case <-done:
				return
			}
		}
	}()

	// Spans several heartbeat ticks, paced under the server's frame
	// rate limit.
	for i := 0; i < 20; i++ {
		if err := conn.SetPresence("idle"); err != nil {
			t.Fatalf("presence write %d failed: %v", i, err)
		}
		time.Sleep(25 * time.Millisecond)
	}

	if gw.SessionCount(100) != 1 {
		t.Fatalf("expected session to survive concurrent writes, count %d", gw.SessionCount(100))
	}
}

func TestClientHeartbeatsKeepSessionAlive(t *testing.T) {
	gw, url := startGateway(t)

	conn := NewConnection(url, "good-token")
	if err := conn.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()
	<-conn.Events() // READY

	// Outlive several heartbeat deadlines; the session must stay up.
	time.Sleep(500 * time.Millisecond)

	if gw.SessionCount(100) != 1 {
		t.Fatalf("expected session to survive, count %d", gw.SessionCount(100))
	}

	gw.DispatchEventInGuild(1, gateway.EventMessageCreate, map[string]string{"content": "still here"})
	select {
	case ev := <-conn.Events():
		if ev.Kind != "MESSAGE_CREATE" {
			t.Fatalf("expected MESSAGE_CREATE, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("event after heartbeats never arrived")
	}
}
