package collab

import (
	"fmt"
	"math"
	"math/rand"
)

// DefaultPruneRadius is the distance under which two binned estimates are
// considered near-duplicates
const DefaultPruneRadius = 0.1

// EvalConfig configures the offline accuracy classifier.
type EvalConfig struct {
	// Tiers bins the estimates, tightest first
	Tiers Tiers
	// Accuracy is the tolerance an estimate must meet against its own
	// ground-truth test pose to be scored at all
	Accuracy Tier
}

// DefaultEvalConfig returns the default tiers with a 0.05/5° accuracy test
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		Tiers:    DefaultTiers(),
		Accuracy: Tier{MaxTranslation: 0.05, MaxAngleDeg: 5},
	}
}

// Entry is one scored estimate.
type Entry struct {
	Index      int     `json:"index"` // position in the test sequence
	Test       Pose    `json:"test"`
	Estimate   Pose    `json:"estimate"`
	TrainIndex int     `json:"trainIndex"` // -1 in the overflow bin
	Train      Pose    `json:"train"`
	Distance   float64 `json:"distance"` // translation distance test to train, -1 in overflow
}

// Classification is the result of binning a test sequence.
// Bins has one entry per tier plus a final overflow bin.
type Classification struct {
	Tiers     Tiers
	Bins      [][]Entry
	Discarded []int // test indices whose estimate failed the accuracy test
	Total     int
}

// Overflow returns the bin of estimates no tier could place
func (c *Classification) Overflow() []Entry {
	return c.Bins[len(c.Bins)-1]
}

// Scored returns the number of estimates that passed the accuracy test
func (c *Classification) Scored() int {
	return c.Total - len(c.Discarded)
}

// Classify bins each accurate estimate by how far its test pose lies from the
// training trajectory: the tightest tier at which any training pose matches
// the test pose, with the closest such training pose recorded. test and
// estimates must have equal lengths.
func Classify(train, test, estimates []Pose, cfg EvalConfig) (*Classification, error) {
	if len(test) != len(estimates) {
		return nil, fmt.Errorf("%w: %d test poses, %d estimates", ErrLengthMismatch, len(test), len(estimates))
	}
	if err := cfg.Tiers.Validate(); err != nil {
		return nil, err
	}

	c := &Classification{
		Tiers: cfg.Tiers,
		Bins:  make([][]Entry, len(cfg.Tiers)+1),
		Total: len(test),
	}
	for i := range test {
		if !cfg.Accuracy.Matches(test[i], estimates[i]) {
			c.Discarded = append(c.Discarded, i)
			continue
		}
		bin, entry := locate(train, test[i], cfg.Tiers)
		entry.Index = i
		entry.Estimate = estimates[i]
		c.Bins[bin] = append(c.Bins[bin], entry)
	}
	return c, nil
}

// locate finds the tightest tier at which a training pose matches the test
// pose, and the closest training pose within it
func locate(train []Pose, test Pose, tiers Tiers) (int, Entry) {
	for ti, tier := range tiers {
		best, bestDist := -1, math.Inf(1)
		for j, tp := range train {
			if !tier.Matches(test, tp) {
				continue
			}
			if d := TranslationDistance(test, tp); d < bestDist {
				best, bestDist = j, d
			}
		}
		if best >= 0 {
			return ti, Entry{Test: test, TrainIndex: best, Train: train[best], Distance: bestDist}
		}
	}
	return len(tiers), Entry{Test: test, TrainIndex: -1, Distance: -1}
}

// PruneNearPoses keeps the first-seen entries and drops any entry whose
// estimate lies closer than radius to an entry already kept
func PruneNearPoses(entries []Entry, radius float64) []Entry {
	var kept []Entry
	for _, e := range entries {
		near := false
		for _, k := range kept {
			if TranslationDistance(e.Estimate, k.Estimate) < radius {
				near = true
				break
			}
		}
		if !near {
			kept = append(kept, e)
		}
	}
	return kept
}

// BinReport summarises one bin.
type BinReport struct {
	Tier            *Tier   `json:"tier,omitempty"` // nil for the overflow bin
	Count           int     `json:"count"`
	Pruned          int     `json:"pruned"` // entries left after pruning
	Representatives []Entry `json:"representatives"`
}

// Label names the bin by its tier, or "overflow"
func (b BinReport) Label() string {
	if b.Tier == nil {
		return "overflow"
	}
	return b.Tier.String()
}

// Report prunes each bin and selects up to n representatives. With a nil rng
// the first n pruned entries are kept, otherwise they are shuffled first.
func (c *Classification) Report(radius float64, n int, rng *rand.Rand) []BinReport {
	out := make([]BinReport, len(c.Bins))
	for i, bin := range c.Bins {
		pruned := PruneNearPoses(bin, radius)
		if rng != nil {
			rng.Shuffle(len(pruned), func(a, b int) { pruned[a], pruned[b] = pruned[b], pruned[a] })
		}
		reps := pruned
		if len(reps) > n {
			reps = reps[:n]
		}
		r := BinReport{
			Count:           len(bin),
			Pruned:          len(pruned),
			Representatives: append([]Entry(nil), reps...),
		}
		if i < len(c.Tiers) {
			t := c.Tiers[i]
			r.Tier = &t
		}
		out[i] = r
	}
	return out
}
