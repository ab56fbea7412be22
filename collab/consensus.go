package collab

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSupportThreshold is the minimum cluster size for acceptance
	DefaultSupportThreshold = 3
	// DefaultClusterTTL retires clusters that received no support for this long
	DefaultClusterTTL = 2 * time.Minute
	// DefaultProcessInterval is the periodic consensus pass interval
	DefaultProcessInterval = time.Second
)

// EstimatorConfig holds the consensus parameters.
type EstimatorConfig struct {
	Tiers            Tiers
	SupportThreshold int
	ClusterTTL       time.Duration
	ProcessInterval  time.Duration
}

// DefaultEstimatorConfig returns the seven default tiers with the default
// threshold, TTL and interval.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Tiers:            DefaultTiers(),
		SupportThreshold: DefaultSupportThreshold,
		ClusterTTL:       DefaultClusterTTL,
		ProcessInterval:  DefaultProcessInterval,
	}
}

// Validate rejects a configuration no session can run with.
func (c EstimatorConfig) Validate() error {
	if err := c.Tiers.Validate(); err != nil {
		return err
	}
	if c.SupportThreshold < 1 {
		return fmt.Errorf("%w: support threshold must be at least 1, got %d", ErrInvalidConfig, c.SupportThreshold)
	}
	if c.ClusterTTL <= 0 {
		return fmt.Errorf("%w: cluster TTL must be positive, got %s", ErrInvalidConfig, c.ClusterTTL)
	}
	if c.ProcessInterval <= 0 {
		return fmt.Errorf("%w: process interval must be positive, got %s", ErrInvalidConfig, c.ProcessInterval)
	}
	return nil
}

// cluster is a set of mutually consistent candidates for one pair.
type cluster struct {
	id          int
	members     []Candidate
	tier        int // loosest tier at which any member joined
	rep         Candidate
	lastSupport time.Time
}

// add appends a member and recomputes the representative: highest confidence,
// ties broken by most recent timestamp.
func (c *cluster) add(cand Candidate, tier int, now time.Time) {
	c.members = append(c.members, cand)
	switch {
	case len(c.members) <= 2:
		// A singleton sits at the loosest tier; the first join replaces it.
		c.tier = tier
	case tier > c.tier:
		c.tier = tier
	}
	c.lastSupport = now

	best := c.members[0]
	for _, m := range c.members[1:] {
		if m.Confidence > best.Confidence ||
			(m.Confidence == best.Confidence && m.Timestamp.After(best.Timestamp)) {
			best = m
		}
	}
	c.rep = best
}

// newest returns the most recent member timestamp
func (c *cluster) newest() time.Time {
	var t time.Time
	for _, m := range c.members {
		if m.Timestamp.After(t) {
			t = m.Timestamp
		}
	}
	return t
}

func (c *cluster) summary(accepted bool) ClusterSummary {
	return ClusterSummary{
		Members:        len(c.members),
		Tier:           c.tier,
		Representative: c.rep.Transform,
		LastSupport:    c.lastSupport,
		Accepted:       accepted,
	}
}

// pairConsensus is the clustering state of one agent pair.
type pairConsensus struct {
	pair      AgentPair
	clusters  []*cluster
	nextID    int
	processed int

	accepted        *AcceptedTransform
	acceptedCluster int // cluster id backing accepted; -1 when stale
	updates         int
}

func newPairConsensus(pair AgentPair) *pairConsensus {
	return &pairConsensus{pair: pair, acceptedCluster: -1}
}

// assign places a candidate into the first cluster matching at the tightest
// tier any cluster matches, or seeds a new singleton at the loosest tier.
func (p *pairConsensus) assign(c Candidate, tiers Tiers, now time.Time) {
	p.processed++
	for ti := range tiers {
		for _, cl := range p.clusters {
			if tiers[ti].Matches(cl.rep.Transform, c.Transform) {
				cl.add(c, ti, now)
				return
			}
		}
	}
	cl := &cluster{id: p.nextID, tier: tiers.Loosest()}
	p.nextID++
	cl.add(c, tiers.Loosest(), now)
	p.clusters = append(p.clusters, cl)
}

// retire drops clusters without support since the cutoff and reports whether
// the accepted cluster was among them.
func (p *pairConsensus) retire(cutoff time.Time) bool {
	kept := p.clusters[:0]
	lostAccepted := false
	for _, cl := range p.clusters {
		if cl.lastSupport.Before(cutoff) {
			if cl.id == p.acceptedCluster {
				lostAccepted = true
			}
			continue
		}
		kept = append(kept, cl)
	}
	clear(p.clusters[len(kept):])
	p.clusters = kept
	return lostAccepted
}

// best returns the largest cluster with ties broken by tightest tier, then
// most recent member timestamp.
func (p *pairConsensus) best() *cluster {
	var best *cluster
	for _, cl := range p.clusters {
		switch {
		case best == nil:
			best = cl
		case len(cl.members) != len(best.members):
			if len(cl.members) > len(best.members) {
				best = cl
			}
		case cl.tier != best.tier:
			if cl.tier < best.tier {
				best = cl
			}
		case cl.newest().After(best.newest()):
			best = cl
		}
	}
	return best
}

func (p *pairConsensus) find(id int) *cluster {
	for _, cl := range p.clusters {
		if cl.id == id {
			return cl
		}
	}
	return nil
}

// decide applies the acceptance rule and returns the new accepted transform
// when it changed.
func (p *pairConsensus) decide(threshold int, now time.Time) (AcceptedTransform, bool) {
	best := p.best()
	if best == nil || len(best.members) < threshold {
		return AcceptedTransform{}, false
	}

	current := p.find(p.acceptedCluster)
	switch {
	case p.accepted == nil, p.accepted.Stale, current == nil:
		// first acceptance, or the previous consensus lost its backing
	case current == best:
		if p.accepted.SupportCount == len(best.members) &&
			p.accepted.Tier == best.tier &&
			p.accepted.Transform == best.rep.Transform {
			return AcceptedTransform{}, false
		}
	case len(best.members) > len(current.members):
		// displaced by strictly higher support
	default:
		// Keep the current acceptance in sync with its own cluster.
		best = current
		if p.accepted.SupportCount == len(best.members) &&
			p.accepted.Tier == best.tier &&
			p.accepted.Transform == best.rep.Transform {
			return AcceptedTransform{}, false
		}
	}

	at := AcceptedTransform{
		Pair:         p.pair,
		Transform:    best.rep.Transform,
		SupportCount: len(best.members),
		Tier:         best.tier,
		LastUpdated:  now,
	}
	p.accepted = &at
	p.acceptedCluster = best.id
	p.updates++
	return at, true
}

func (p *pairConsensus) status() PairStatus {
	st := PairStatus{
		Pair:      p.pair,
		State:     StateProvisional,
		Updates:   p.updates,
		Processed: p.processed,
	}
	if p.accepted != nil {
		st.State = StateAccepted
	} else if len(p.clusters) == 0 && p.processed == 0 {
		st.State = StateNoData
	}
	for _, cl := range p.clusters {
		st.Clusters = append(st.Clusters, cl.summary(cl.id == p.acceptedCluster))
	}
	return st
}

// Estimator turns each pair's pending candidates into an accepted transform.
// Passes run serially; the candidate snapshot is taken under the aggregator's
// lock and results are committed to the Context after clustering.
type Estimator struct {
	cfg     EstimatorConfig
	session *Context
	log     *zap.Logger
	metrics *Counters

	mu    sync.Mutex
	pairs map[AgentPair]*pairConsensus

	trigger chan struct{}

	cbMu       sync.RWMutex
	onAccepted []func(AcceptedTransform)
}

// NewEstimator validates cfg and binds an estimator to a session. Submitting
// a candidate to the session triggers a pass when Run is active.
func NewEstimator(session *Context, cfg EstimatorConfig, logger *zap.Logger, metrics *Counters) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Estimator{
		cfg:     cfg,
		session: session,
		log:     logger.Named("consensus"),
		metrics: metrics,
		pairs:   make(map[AgentPair]*pairConsensus),
		trigger: make(chan struct{}, 1),
	}
	session.setSubmitHook(e.Trigger)
	return e, nil
}

// Config returns the estimator configuration
func (e *Estimator) Config() EstimatorConfig {
	return e.cfg
}

// OnAccepted registers a callback fired after every change of a pair's
// accepted transform. Callbacks run on the estimator goroutine.
func (e *Estimator) OnAccepted(fn func(AcceptedTransform)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onAccepted = append(e.onAccepted, fn)
}

// Trigger requests a pass without blocking; repeated triggers coalesce.
func (e *Estimator) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Seed installs accepted transforms from a previous session. Seeded
// transforms are stale: served until any cluster crosses the threshold.
func (e *Estimator) Seed(transforms []AcceptedTransform) {
	e.mu.Lock()
	var statuses []PairStatus
	var seeded []AcceptedTransform
	for _, at := range transforms {
		pair := NewAgentPair(at.Pair.A, at.Pair.B)
		if pair != at.Pair {
			at.Transform = at.Transform.Inverse()
			at.Pair = pair
		}
		at.Stale = true
		pc := e.pairLocked(pair)
		pc.accepted = &at
		pc.acceptedCluster = -1
		statuses = append(statuses, pc.status())
		seeded = append(seeded, at)
	}
	e.mu.Unlock()

	e.session.commit(seeded, statuses)
	e.log.Info("seeded accepted transforms", zap.Int("count", len(seeded)))
}

func (e *Estimator) pairLocked(pair AgentPair) *pairConsensus {
	pc, ok := e.pairs[pair]
	if !ok {
		pc = newPairConsensus(pair)
		e.pairs[pair] = pc
	}
	return pc
}

// Process runs one consensus pass at the given time and returns the accepted
// transforms that changed.
func (e *Estimator) Process(now time.Time) []AcceptedTransform {
	batch := e.session.drainCandidates()

	e.mu.Lock()
	cutoff := now.Add(-e.cfg.ClusterTTL)
	pairs := make([]AgentPair, 0, len(e.pairs)+len(batch))
	for pair := range e.pairs {
		pairs = append(pairs, pair)
	}
	for pair := range batch {
		if _, ok := e.pairs[pair]; !ok {
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairLess(pairs[i], pairs[j]) })

	var changed []AcceptedTransform
	statuses := make([]PairStatus, 0, len(pairs))
	for _, pair := range pairs {
		pc := e.pairLocked(pair)
		before := len(pc.clusters)
		retired := false
		if pc.retire(cutoff) && pc.accepted != nil && !pc.accepted.Stale {
			stale := *pc.accepted
			stale.Stale = true
			pc.accepted = &stale
			pc.acceptedCluster = -1
			changed = append(changed, stale)
			retired = true
			e.log.Info("accepted cluster retired",
				zap.Stringer("pair", pair),
				zap.Int("support", stale.SupportCount))
		}
		if n := before - len(pc.clusters); n > 0 {
			e.log.Debug("clusters retired", zap.Stringer("pair", pair), zap.Int("count", n))
		}

		for _, c := range batch[pair] {
			pc.assign(c, e.cfg.Tiers, now)
		}

		if at, ok := pc.decide(e.cfg.SupportThreshold, now); ok {
			// One entry per pair: a replacement supersedes the stale notice.
			if retired {
				changed[len(changed)-1] = at
			} else {
				changed = append(changed, at)
			}
			e.metrics.IncAcceptances()
			e.log.Info("accepted transform updated",
				zap.Stringer("pair", pair),
				zap.Int("support", at.SupportCount),
				zap.Stringer("tier", e.cfg.Tiers[at.Tier]),
				zap.Int("updates", pc.updates))
		}
		statuses = append(statuses, pc.status())
	}
	e.mu.Unlock()

	e.session.commit(changed, statuses)

	e.cbMu.RLock()
	callbacks := slices.Clone(e.onAccepted)
	e.cbMu.RUnlock()
	for _, at := range changed {
		for _, fn := range callbacks {
			fn(at)
		}
	}
	return changed
}

// Discard drops every cluster that never reached acceptance. Accepted
// transforms stay in the session.
func (e *Estimator) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	for _, pc := range e.pairs {
		kept := pc.clusters[:0]
		for _, cl := range pc.clusters {
			if cl.id == pc.acceptedCluster {
				kept = append(kept, cl)
				continue
			}
			dropped++
		}
		pc.clusters = kept
	}
	e.log.Debug("provisional clusters discarded", zap.Int("count", dropped))
}

// Run processes on every tick and trigger until ctx is cancelled.
func (e *Estimator) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ProcessInterval)
	defer ticker.Stop()

	e.log.Info("consensus loop started", zap.Duration("interval", e.cfg.ProcessInterval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("consensus loop stopped")
			return nil
		case <-ticker.C:
		case <-e.trigger:
		}
		e.Process(time.Now())
	}
}
