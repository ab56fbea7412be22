package collab

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Aggregator collects candidate relative transforms per agent pair until the
// consensus estimator drains them.
type Aggregator struct {
	mu      sync.Mutex
	pending map[AgentPair][]Candidate
	now     func() time.Time
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{
		pending: make(map[AgentPair][]Candidate),
		now:     time.Now,
	}
}

// ValidateCandidate checks that a candidate can take part in consensus
func ValidateCandidate(c Candidate) error {
	switch {
	case c.Source == "" || c.Target == "":
		return fmt.Errorf("%w: source and target agents are required", ErrInvalidCandidate)
	case c.Source == c.Target:
		return fmt.Errorf("%w: source and target are both %q", ErrInvalidCandidate, c.Source)
	case math.IsNaN(c.Confidence) || math.IsInf(c.Confidence, 0):
		return fmt.Errorf("%w: confidence %v is not finite", ErrInvalidCandidate, c.Confidence)
	case !c.Transform.IsFinite():
		return fmt.Errorf("%w: transform is not finite", ErrInvalidCandidate)
	}
	return nil
}

// Add stores a candidate under its canonical pair. A zero timestamp is
// replaced by the arrival time.
func (a *Aggregator) Add(c Candidate) error {
	if err := ValidateCandidate(c); err != nil {
		return err
	}
	c.Transform = NewPose(c.Transform.Rotation, c.Transform.Translation)
	c = c.canonical()

	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Timestamp.IsZero() {
		c.Timestamp = a.now()
	}
	pair := c.Pair()
	a.pending[pair] = append(a.pending[pair], c)
	return nil
}

// Drain removes and returns every pending candidate, grouped by pair
func (a *Aggregator) Drain() map[AgentPair][]Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = make(map[AgentPair][]Candidate)
	return out
}

// Pending returns the number of candidates waiting for a pair
func (a *Aggregator) Pending(pair AgentPair) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending[pair])
}

// PendingTotal returns the number of candidates waiting across all pairs
func (a *Aggregator) PendingTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, cs := range a.pending {
		n += len(cs)
	}
	return n
}

// Reset discards every pending candidate
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[AgentPair][]Candidate)
}
