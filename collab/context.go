package collab

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Context is the shared state of one collaborative session: per-agent
// trajectories, accepted transforms per pair, pending candidates and the
// pair statuses published by the estimator.
//
// Trajectories are written by the ingest path, accepted transforms and
// statuses only by the Estimator. Every getter returns a copy.
type Context struct {
	id      string
	log     *zap.Logger
	metrics *Counters

	mu           sync.RWMutex
	trajectories map[string][]Pose
	agents       map[string]struct{}
	accepted     map[AgentPair]AcceptedTransform
	statuses     map[AgentPair]PairStatus
	closed       bool

	candidates *Aggregator
	onSubmit   func()
}

// NewContext creates the state of a new session
func NewContext(sessionID string, logger *zap.Logger, metrics *Counters) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{
		id:           sessionID,
		log:          logger.Named("context"),
		metrics:      metrics,
		trajectories: make(map[string][]Pose),
		agents:       make(map[string]struct{}),
		accepted:     make(map[AgentPair]AcceptedTransform),
		statuses:     make(map[AgentPair]PairStatus),
		candidates:   NewAggregator(),
	}
}

// ID returns the session id
func (c *Context) ID() string {
	return c.id
}

func (c *Context) setSubmitHook(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubmit = fn
}

// SubmitCandidate queues a relative transform mapping source's frame into
// target's frame, stamped with the arrival time.
func (c *Context) SubmitCandidate(source, target string, transform Pose, confidence float64) error {
	return c.Submit(Candidate{
		Source:     source,
		Target:     target,
		Transform:  transform,
		Confidence: confidence,
	})
}

// Submit queues a fully specified candidate. A zero timestamp is replaced by
// the arrival time. Rejected candidates leave every pair untouched.
func (c *Context) Submit(cand Candidate) error {
	c.mu.RLock()
	closed, hook := c.closed, c.onSubmit
	c.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}

	if err := c.candidates.Add(cand); err != nil {
		c.metrics.IncCandidatesRejected()
		c.log.Debug("candidate rejected",
			zap.String("source", cand.Source),
			zap.String("target", cand.Target),
			zap.Error(err))
		return err
	}
	c.metrics.IncCandidatesAccepted()
	if hook != nil {
		hook()
	}
	return nil
}

// GetAcceptedTransform returns the accepted transform mapping a's frame into
// b's frame, and false when the pair is not yet registered.
func (c *Context) GetAcceptedTransform(a, b string) (Pose, bool) {
	pair := NewAgentPair(a, b)
	c.mu.RLock()
	at, ok := c.accepted[pair]
	c.mu.RUnlock()
	if !ok {
		return Pose{}, false
	}
	if a == pair.A {
		return at.Transform, true
	}
	return at.Transform.Inverse(), true
}

// RegisterAgent records an agent as a session participant
func (c *Context) RegisterAgent(agent string) error {
	if agent == "" {
		return fmt.Errorf("%w: empty agent id", ErrInvalidCandidate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if _, ok := c.agents[agent]; !ok {
		c.agents[agent] = struct{}{}
		c.log.Info("agent joined", zap.String("agent", agent))
	}
	return nil
}

// AppendTrajectoryPose appends a verified pose to an agent's trajectory,
// creating the trajectory on the first pose.
func (c *Context) AppendTrajectoryPose(agent string, pose Pose) error {
	if agent == "" {
		return fmt.Errorf("%w: empty agent id", ErrInvalidCandidate)
	}
	if !pose.IsFinite() {
		return fmt.Errorf("%w: pose for %s is not finite", ErrInvalidCandidate, agent)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	if _, ok := c.agents[agent]; !ok {
		c.agents[agent] = struct{}{}
		c.log.Info("agent joined", zap.String("agent", agent))
	}
	c.trajectories[agent] = append(c.trajectories[agent], NewPose(pose.Rotation, pose.Translation))
	return nil
}

// Trajectory returns a copy of an agent's trajectory
func (c *Context) Trajectory(agent string) []Pose {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Pose(nil), c.trajectories[agent]...)
}

// Agents returns the sorted ids of every agent seen this session
func (c *Context) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.agents))
	for a := range c.agents {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AcceptedTransforms returns every accepted transform sorted by pair
func (c *Context) AcceptedTransforms() []AcceptedTransform {
	c.mu.RLock()
	out := make([]AcceptedTransform, 0, len(c.accepted))
	for _, at := range c.accepted {
		out = append(out, at)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return pairLess(out[i].Pair, out[j].Pair) })
	return out
}

// PairStatuses returns the latest status of every pair sorted by pair
func (c *Context) PairStatuses() []PairStatus {
	c.mu.RLock()
	out := make([]PairStatus, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, copyStatus(st))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return pairLess(out[i].Pair, out[j].Pair) })
	return out
}

// Status returns the status of one pair; unseen pairs report StateNoData
func (c *Context) Status(a, b string) PairStatus {
	pair := NewAgentPair(a, b)
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.statuses[pair]
	if !ok {
		return PairStatus{Pair: pair, State: StateNoData}
	}
	return copyStatus(st)
}

// Pending returns the number of candidates waiting for the next pass
func (c *Context) Pending(a, b string) int {
	return c.candidates.Pending(NewAgentPair(a, b))
}

// Closed reports whether the session has ended
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close ends the session and discards pending candidates. Accepted
// transforms and trajectories stay readable. Close is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	dropped := c.candidates.PendingTotal()
	c.candidates.Reset()
	c.log.Info("session closed", zap.Int("dropped_candidates", dropped))
	return nil
}

func (c *Context) drainCandidates() map[AgentPair][]Candidate {
	return c.candidates.Drain()
}

// commit stores estimator results
func (c *Context) commit(changed []AcceptedTransform, statuses []PairStatus) {
	if len(changed) == 0 && len(statuses) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, at := range changed {
		c.accepted[at.Pair] = at
	}
	for _, st := range statuses {
		c.statuses[st.Pair] = st
	}
}

func copyStatus(st PairStatus) PairStatus {
	st.Clusters = append([]ClusterSummary(nil), st.Clusters...)
	return st
}

func pairLess(a, b AgentPair) bool {
	if a.A != b.A {
		return a.A < b.A
	}
	return a.B < b.B
}
