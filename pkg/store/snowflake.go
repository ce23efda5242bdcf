package store

import (
	"sync"
	"time"
)

// Snowflake generates unique 64-bit IDs:
// 1 unused bit | 41 bits timestamp (ms since epoch) | 10 bits node | 12 bits sequence.
type Snowflake struct {
	mu    sync.Mutex
	epoch int64
	node  int64
	last  int64 // last timestamp an ID was issued for
	seq   int64
}

const (
	nodeBits       = 10
	seqBits        = 12
	nodeShift      = seqBits
	timestampShift = seqBits + nodeBits
	seqMask        = (1 << seqBits) - 1
	maxNode        = (1 << nodeBits) - 1
)

// NewSnowflake creates a generator. node must be unique per server
// instance when running more than one (0-1023).
func NewSnowflake(epoch, node int64) *Snowflake {
	if node < 0 || node > maxNode {
		node = 0
	}
	return &Snowflake{epoch: epoch, node: node}
}

// NextID returns the next unique ID. Safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.last {
		// Clock went backwards; keep issuing against the last
		// timestamp so IDs stay monotonic.
		now = s.last
	}

	if now == s.last {
		s.seq = (s.seq + 1) & seqMask
		if s.seq == 0 {
			// Over 4096 IDs in one millisecond, spin to the next.
			for now <= s.last {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.seq = 0
	}
	s.last = now

	return ((now - s.epoch) << timestampShift) | (s.node << nodeShift) | s.seq
}
