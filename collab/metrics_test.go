package collab

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	c := NewCounters()
	c.IncDecoded()
	c.IncDecoded()
	c.IncMalformed()
	c.IncUnknown()
	c.IncCandidatesAccepted()
	c.IncCandidatesRejected()
	c.IncPeerTimeout()
	c.IncPeerDisconnect()
	c.IncAcceptances()

	want := Snapshot{
		MessagesDecoded:    2,
		MessagesMalformed:  1,
		MessagesUnknown:    1,
		CandidatesAccepted: 1,
		CandidatesRejected: 1,
		PeerTimeouts:       1,
		PeerDisconnects:    1,
		Acceptances:        1,
	}
	if got := c.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestCounters_Concurrent(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncDecoded()
			}
		}()
	}
	wg.Wait()
	if got := c.Snapshot().MessagesDecoded; got != 800 {
		t.Errorf("MessagesDecoded = %d, want 800", got)
	}
}

func TestCounters_Nil(t *testing.T) {
	var c *Counters
	c.IncDecoded()
	c.IncAcceptances()
	if got := c.Snapshot(); got != (Snapshot{}) {
		t.Errorf("nil Snapshot() = %+v, want zero", got)
	}
}
