package gateway

import (
	"sync"
	"time"
)

// VoiceState is one account's voice-channel occupancy within a guild.
// A ChannelID of 0 means not in voice.
type VoiceState struct {
	AccountID int64     `json:"account_id,string"`
	ChannelID int64     `json:"channel_id,string"`
	Mute      bool      `json:"mute"`
	Deaf      bool      `json:"deaf"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VoiceTracker holds per-guild voice occupancy. Mutation is serialized
// per tracker; voice events are low-frequency relative to message
// dispatch, so a single mutex is acceptable.
type VoiceTracker struct {
	mu     sync.Mutex
	guilds map[int64][]VoiceState // ordered by join time, one entry per account
}

// NewVoiceTracker creates an empty voice state tracker.
func NewVoiceTracker() *VoiceTracker {
	return &VoiceTracker{guilds: make(map[int64][]VoiceState)}
}

// Apply records a voice join/move/update for an account in a guild and
// returns the resulting state. A ChannelID of 0 removes the entry.
// An account appears at most once per guild.
func (v *VoiceTracker) Apply(guildID int64, state VoiceState) VoiceState {
	v.mu.Lock()
	defer v.mu.Unlock()

	state.UpdatedAt = time.Now()
	states := v.guilds[guildID]

	for i, existing := range states {
		if existing.AccountID != state.AccountID {
			continue
		}
		if state.ChannelID == 0 {
			v.guilds[guildID] = append(states[:i], states[i+1:]...)
		} else {
			states[i] = state
		}
		return state
	}

	if state.ChannelID != 0 {
		v.guilds[guildID] = append(states, state)
	}
	return state
}

// Snapshot returns a copy of a guild's voice occupancy.
func (v *VoiceTracker) Snapshot(guildID int64) []VoiceState {
	v.mu.Lock()
	defer v.mu.Unlock()

	states := v.guilds[guildID]
	out := make([]VoiceState, len(states))
	copy(out, states)
	return out
}

// DropAccount removes an account's occupancy from every guild, returning
// the ids of the guilds that were affected. Called when the account's
// last live session closes.
func (v *VoiceTracker) DropAccount(accountID int64) []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var affected []int64
	for guildID, states := range v.guilds {
		for i, st := range states {
			if st.AccountID == accountID {
				v.guilds[guildID] = append(states[:i], states[i+1:]...)
				affected = append(affected, guildID)
				break
			}
		}
	}
	return affected
}

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// presenceTracker derives each account's presence from its live session
// count, with a short debounce before going offline so rapid reconnects
// don't flap.
type presenceTracker struct {
	debounce time.Duration
	onChange func(accountID int64, status string)

	mu       sync.Mutex
	statuses map[int64]string
	pending  map[int64]*time.Timer // scheduled offline transitions
}

func newPresenceTracker(debounce time.Duration, onChange func(int64, string)) *presenceTracker {
	return &presenceTracker{
		debounce: debounce,
		onChange: onChange,
		statuses: make(map[int64]string),
		pending:  make(map[int64]*time.Timer),
	}
}

// SessionReady notes that a session for the account reached ready. The
// first live session flips the account online.
func (p *presenceTracker) SessionReady(accountID int64) {
	p.mu.Lock()
	if t, ok := p.pending[accountID]; ok {
		t.Stop()
		delete(p.pending, accountID)
	}

	changed := p.statuses[accountID] != StatusOnline && p.statuses[accountID] != StatusIdle
	if changed {
		p.statuses[accountID] = StatusOnline
	}
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(accountID, StatusOnline)
	}
}

// LastSessionClosed schedules the offline transition for an account
// whose final session closed.
func (p *presenceTracker) LastSessionClosed(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.pending[accountID]; ok {
		t.Stop()
	}
	p.pending[accountID] = time.AfterFunc(p.debounce, func() {
		p.goOffline(accountID)
	})
}

func (p *presenceTracker) goOffline(accountID int64) {
	p.mu.Lock()
	delete(p.pending, accountID)
	changed := p.statuses[accountID] != StatusOffline && p.statuses[accountID] != ""
	delete(p.statuses, accountID)
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(accountID, StatusOffline)
	}
}

// SetStatus applies an explicit status change request.
func (p *presenceTracker) SetStatus(accountID int64, status string) bool {
	if status != StatusOnline && status != StatusIdle && status != StatusOffline {
		return false
	}

	p.mu.Lock()
	changed := p.statuses[accountID] != status
	p.statuses[accountID] = status
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(accountID, status)
	}
	return true
}

// Status returns an account's presence, defaulting to offline.
func (p *presenceTracker) Status(accountID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status, ok := p.statuses[accountID]; ok {
		return status
	}
	return StatusOffline
}
