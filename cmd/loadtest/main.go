// Load generator for the Concord gateway. Registers N accounts through
// the REST surface, connects each over the gateway, keeps them
// heartbeating, and hammers the message endpoint while measuring
// dispatch latency from POST to the event arriving on a connection.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/concord-chat/concord/pkg/client"
)

const lorem = "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

var loremWords = strings.Fields(lorem)

type stats struct {
	messagesPosted   atomic.Int64
	messagesReceived atomic.Int64
	postFailures     atomic.Int64
	reconnects       atomic.Int64
	totalLatencyUs   atomic.Int64
	latencySamples   atomic.Int64
}

func (s *stats) report() {
	var avgLatency time.Duration
	if n := s.latencySamples.Load(); n > 0 {
		avgLatency = time.Duration(s.totalLatencyUs.Load()/n) * time.Microsecond
	}
	log.Printf("posted=%d received=%d failures=%d reconnects=%d avg_dispatch_latency=%v",
		s.messagesPosted.Load(), s.messagesReceived.Load(),
		s.postFailures.Load(), s.reconnects.Load(), avgLatency)
}

type bot struct {
	id      int
	baseURL string
	token   string
	conn    *client.Connection
	stats   *stats
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func postJSON(baseURL, path, token string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequest("POST", baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// setupBot registers an account, logs in and connects to the gateway.
func setupBot(id int, baseURL, gatewayURL string, s *stats) (*bot, error) {
	username := fmt.Sprintf("loadbot-%d-%d", os.Getpid(), id)
	password := "loadtest-password"

	if err := postJSON(baseURL, "/api/auth/register", "", map[string]string{
		"username": username, "password": password,
	}, nil); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	var login struct {
		Token string `json:"token"`
	}
	if err := postJSON(baseURL, "/api/auth/login", "", map[string]string{
		"username": username, "password": password,
	}, &login); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	conn := client.NewConnection(gatewayURL, login.Token)
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}

	b := &bot{id: id, baseURL: baseURL, token: login.Token, conn: conn, stats: s}
	go b.consume()
	return b, nil
}

// consume counts dispatched events and measures latency from the
// timestamp embedded in message payloads.
func (b *bot) consume() {
	go func() {
		for update := range b.conn.StateChanges() {
			if update.State == client.StateReconnecting && update.Attempt == 1 {
				b.stats.reconnects.Add(1)
			}
		}
	}()

	for ev := range b.conn.Events() {
		if ev.Kind != "MESSAGE_CREATE" {
			continue
		}
		b.stats.messagesReceived.Add(1)

		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if i := strings.LastIndex(payload.Content, "["); i >= 0 {
			var sentAt int64
			if _, err := fmt.Sscanf(payload.Content[i:], "[%d]", &sentAt); err == nil {
				b.stats.totalLatencyUs.Add(time.Now().UnixMicro() - sentAt)
				b.stats.latencySamples.Add(1)
			}
		}
	}
}

// chat posts messages to the shared channel at the given rate.
func (b *bot) chat(channelID int64, interval time.Duration, shutdown <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			body := map[string]any{
				"content": fmt.Sprintf("%s [%d]", randomMessage(), time.Now().UnixMicro()),
			}
			path := fmt.Sprintf("/api/channels/%d/messages", channelID)
			if err := postJSON(b.baseURL, path, b.token, body, nil); err != nil {
				b.stats.postFailures.Add(1)
				continue
			}
			b.stats.messagesPosted.Add(1)
		}
	}
}

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	server := flag.String("server", "http://localhost:8080", "Server base URL")
	bots := flag.Int("bots", 10, "Number of concurrent bot connections")
	rate := flag.Duration("rate", 2*time.Second, "Per-bot message interval")
	duration := flag.Duration("duration", 0, "Run duration (0 = until interrupted)")
	flag.Parse()

	gatewayURL := "ws" + strings.TrimPrefix(*server, "http") + "/gateway"
	s := &stats{}

	// The first bot owns a shared guild and channel; the rest join it.
	first, err := setupBot(0, *server, gatewayURL, s)
	if err != nil {
		log.Fatalf("Failed to set up first bot: %v", err)
	}

	var guild struct {
		ID string `json:"id"`
	}
	if err := postJSON(*server, "/api/guilds", first.token, map[string]string{"name": "loadtest"}, &guild); err != nil {
		log.Fatalf("Failed to create guild: %v", err)
	}
	var channel struct {
		ID string `json:"id"`
	}
	if err := postJSON(*server, "/api/guilds/"+guild.ID+"/channels", first.token, map[string]string{"name": "flood"}, &channel); err != nil {
		log.Fatalf("Failed to create channel: %v", err)
	}
	var channelID int64
	if _, err := fmt.Sscan(channel.ID, &channelID); err != nil {
		log.Fatalf("Bad channel id %q: %v", channel.ID, err)
	}

	all := []*bot{first}
	for i := 1; i < *bots; i++ {
		b, err := setupBot(i, *server, gatewayURL, s)
		if err != nil {
			log.Printf("Bot %d failed to start: %v", i, err)
			continue
		}
		if err := postJSON(*server, "/api/guilds/"+guild.ID+"/members", b.token, struct{}{}, nil); err != nil {
			log.Printf("Bot %d failed to join guild: %v", i, err)
			continue
		}
		all = append(all, b)
	}
	log.Printf("%d bots connected, flooding channel %d every %v", len(all), channelID, *rate)

	shutdown := make(chan struct{})
	var wg sync.WaitGroup
	for _, b := range all {
		wg.Add(1)
		go func(b *bot) {
			defer wg.Done()
			b.chat(channelID, *rate, shutdown)
		}(b)
	}

	stop := func() {
		close(shutdown)
		wg.Wait()
		for _, b := range all {
			b.conn.Close()
		}
		s.report()
	}

	reportTicker := time.NewTicker(5 * time.Second)
	defer reportTicker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	for {
		select {
		case <-reportTicker.C:
			s.report()
		case <-sigChan:
			log.Println("Interrupted, shutting down")
			stop()
			return
		case <-timeout:
			log.Println("Duration elapsed, shutting down")
			stop()
			return
		}
	}
}
