package collab

import (
	"fmt"
	"time"
)

// Vec3 is a point or displacement in an agent's coordinate frame
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is a rotation stored as a unit quaternion (W is the scalar part)
type Quat struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a rigid transform: rotation first, then translation.
// Pose values are immutable; every operation returns a new Pose.
type Pose struct {
	Rotation    Quat `json:"rotation"`
	Translation Vec3 `json:"translation"`
}

// AgentPair identifies an unordered pair of agents.
// The canonical form always has A < B; use NewAgentPair to build one.
type AgentPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewAgentPair returns the canonical pair for two agent ids
func NewAgentPair(a, b string) AgentPair {
	if b < a {
		a, b = b, a
	}
	return AgentPair{A: a, B: b}
}

// String implements fmt.Stringer
func (p AgentPair) String() string {
	return fmt.Sprintf("%s<->%s", p.A, p.B)
}

// Contains reports whether agent is one side of the pair
func (p AgentPair) Contains(agent string) bool {
	return p.A == agent || p.B == agent
}

// Candidate is an unverified relative transform proposed by an external
// relocaliser. Transform maps Source's frame into Target's frame.
type Candidate struct {
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Transform  Pose      `json:"transform"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pair returns the canonical agent pair of the candidate
func (c Candidate) Pair() AgentPair {
	return NewAgentPair(c.Source, c.Target)
}

// canonical rewrites the candidate so that it maps pair.A into pair.B
func (c Candidate) canonical() Candidate {
	pair := c.Pair()
	if c.Source == pair.A {
		return c
	}
	c.Source, c.Target = pair.A, pair.B
	c.Transform = c.Transform.Inverse()
	return c
}

// AcceptedTransform is the currently trusted relative transform for a pair.
// Transform maps Pair.A's frame into Pair.B's frame.
type AcceptedTransform struct {
	Pair         AgentPair `json:"pair"`
	Transform    Pose      `json:"transform"`
	SupportCount int       `json:"supportCount"`
	Tier         int       `json:"tier"`
	LastUpdated  time.Time `json:"lastUpdated"`

	// Stale is set when the backing cluster was retired or the transform
	// was restored from a previous session. A stale transform is still
	// served but yields to the next cluster that crosses the threshold.
	Stale bool `json:"stale"`
}

// PairState is the acceptance state of one agent pair
type PairState int

const (
	// StateNoData means no candidate has been seen for the pair
	StateNoData PairState = iota
	// StateProvisional means clusters exist but none has been accepted
	StateProvisional
	// StateAccepted means a cluster crossed the support threshold
	StateAccepted
)

// String implements fmt.Stringer
func (s PairState) String() string {
	switch s {
	case StateNoData:
		return "no-data"
	case StateProvisional:
		return "provisional"
	case StateAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// MarshalText lets PairState render as its name in JSON
func (s PairState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ClusterSummary is a read-only view of one consensus cluster
type ClusterSummary struct {
	Members        int       `json:"members"`
	Tier           int       `json:"tier"`
	Representative Pose      `json:"representative"`
	LastSupport    time.Time `json:"lastSupport"`
	Accepted       bool      `json:"accepted"`
}

// PairStatus is the snapshot of a pair published by the estimator
type PairStatus struct {
	Pair      AgentPair        `json:"pair"`
	State     PairState        `json:"state"`
	Updates   int              `json:"updates"` // number of times the accepted transform changed
	Clusters  []ClusterSummary `json:"clusters"`
	Processed int              `json:"processed"` // candidates clustered so far
}

// Registered reports whether the pair has an accepted transform
func (s PairStatus) Registered() bool {
	return s.State == StateAccepted
}
