package gateway

import (
	"encoding/json"
	"errors"
	"sync"
)

// mockDirectory is a simple in-memory directory for testing.
type mockDirectory struct {
	mu       sync.RWMutex
	accounts map[string]*Account // token -> account
	guilds   map[int64]Guild
	members  map[int64][]int64 // guild -> accounts
	channels map[int64]int64   // channel -> guild
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		accounts: make(map[string]*Account),
		guilds:   make(map[int64]Guild),
		members:  make(map[int64][]int64),
		channels: make(map[int64]int64),
	}
}

// AddAccount registers an account reachable via the given token.
func (m *mockDirectory) AddAccount(token string, account Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[token] = &account
}

// AddGuild creates a guild with the given members.
func (m *mockDirectory) AddGuild(g Guild, memberIDs ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guilds[g.ID] = g
	m.members[g.ID] = append([]int64(nil), memberIDs...)
}

func (m *mockDirectory) VerifyToken(token string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	copied := *account
	return &copied, nil
}

func (m *mockDirectory) GuildsForAccount(accountID int64) ([]Guild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var guilds []Guild
	for guildID, members := range m.members {
		for _, id := range members {
			if id == accountID {
				guilds = append(guilds, m.guilds[guildID])
				break
			}
		}
	}
	return guilds, nil
}

func (m *mockDirectory) MembersOf(guildID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.members[guildID]...), nil
}

func (m *mockDirectory) GuildOf(channelID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	guildID, ok := m.channels[channelID]
	if !ok {
		return 0, errors.New("unknown channel")
	}
	return guildID, nil
}

// fakeSink captures enqueued frames for inspection. capacity bounds the
// queue like a real connection's send buffer.
type fakeSink struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	closed   bool
	code     int
}

func newFakeSink(capacity int) *fakeSink {
	return &fakeSink{capacity: capacity}
}

func (f *fakeSink) enqueue(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnClosed
	}
	if len(f.frames) >= f.capacity {
		return ErrSendQueueFull
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSink) close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeSink) remoteAddr() string { return "test" }

func (f *fakeSink) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// decoded unmarshals the i-th captured frame.
func (f *fakeSink) decoded(i int) (op int, seq int64, kind string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frame struct {
		Op int             `json:"op"`
		D  json.RawMessage `json:"d"`
		S  *int64          `json:"s"`
		T  string          `json:"t"`
	}
	if err := json.Unmarshal(f.frames[i], &frame); err != nil {
		panic(err)
	}
	if frame.S != nil {
		seq = *frame.S
	}
	return frame.Op, seq, frame.T, frame.D
}
