package collab

import "sync"

// Snapshot is a point-in-time copy of the session counters.
type Snapshot struct {
	MessagesDecoded    int64 `json:"messagesDecoded"`
	MessagesMalformed  int64 `json:"messagesMalformed"`
	MessagesUnknown    int64 `json:"messagesUnknown"`
	CandidatesAccepted int64 `json:"candidatesAccepted"`
	CandidatesRejected int64 `json:"candidatesRejected"`
	PeerTimeouts       int64 `json:"peerTimeouts"`
	PeerDisconnects    int64 `json:"peerDisconnects"`
	Acceptances        int64 `json:"acceptances"`
}

// Counters accumulates session metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Counters struct {
	mu sync.Mutex
	s  Snapshot
}

// NewCounters creates a zeroed collector
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) do(fn func(s *Snapshot)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	fn(&c.s)
	c.mu.Unlock()
}

// IncDecoded records a successfully decoded message.
func (c *Counters) IncDecoded() { c.do(func(s *Snapshot) { s.MessagesDecoded++ }) }

// IncMalformed records a message dropped for a bad length or layout.
func (c *Counters) IncMalformed() { c.do(func(s *Snapshot) { s.MessagesMalformed++ }) }

// IncUnknown records a message dropped for an undeclared type id.
func (c *Counters) IncUnknown() { c.do(func(s *Snapshot) { s.MessagesUnknown++ }) }

// IncCandidatesAccepted records a candidate queued for consensus.
func (c *Counters) IncCandidatesAccepted() { c.do(func(s *Snapshot) { s.CandidatesAccepted++ }) }

// IncCandidatesRejected records a candidate that failed validation.
func (c *Counters) IncCandidatesRejected() { c.do(func(s *Snapshot) { s.CandidatesRejected++ }) }

// IncPeerTimeout records a connection dropped by its read timeout.
func (c *Counters) IncPeerTimeout() { c.do(func(s *Snapshot) { s.PeerTimeouts++ }) }

// IncPeerDisconnect records a connection closed by the peer.
func (c *Counters) IncPeerDisconnect() { c.do(func(s *Snapshot) { s.PeerDisconnects++ }) }

// IncAcceptances records a change of any pair's accepted transform.
func (c *Counters) IncAcceptances() { c.do(func(s *Snapshot) { s.Acceptances++ }) }

// Snapshot returns a copy of the current counters. A nil collector yields zeros.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
