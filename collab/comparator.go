package collab

import (
	"fmt"
	"math"
)

// Tier is one (max translation, max angle) tolerance pair
type Tier struct {
	MaxTranslation float64 `yaml:"maxTranslation" json:"maxTranslation"`
	MaxAngleDeg    float64 `yaml:"maxAngleDeg" json:"maxAngleDeg"`
}

// MaxAngle returns the angular tolerance in radians
func (t Tier) MaxAngle() float64 {
	return t.MaxAngleDeg * math.Pi / 180
}

// Matches reports whether two poses agree within the tier's tolerances
func (t Tier) Matches(reference, candidate Pose) bool {
	return PoseMatches(reference, candidate, t.MaxTranslation, t.MaxAngle())
}

// String implements fmt.Stringer
func (t Tier) String() string {
	return fmt.Sprintf("%.2f/%.0f°", t.MaxTranslation, t.MaxAngleDeg)
}

// Tiers is a tolerance table ordered tightest-first
type Tiers []Tier

// DefaultTiers returns the seven-tier table used for both online consensus
// and offline accuracy classification
func DefaultTiers() Tiers {
	return Tiers{
		{MaxTranslation: 0.05, MaxAngleDeg: 5},
		{MaxTranslation: 0.10, MaxAngleDeg: 10},
		{MaxTranslation: 0.20, MaxAngleDeg: 20},
		{MaxTranslation: 0.30, MaxAngleDeg: 30},
		{MaxTranslation: 0.40, MaxAngleDeg: 40},
		{MaxTranslation: 0.50, MaxAngleDeg: 50},
		{MaxTranslation: 0.70, MaxAngleDeg: 70},
	}
}

// FirstMatch returns the index of the tightest tier under which the poses
// match, considering only tiers before limit. It returns -1 when none does.
func (ts Tiers) FirstMatch(reference, candidate Pose, limit int) int {
	if limit > len(ts) || limit < 0 {
		limit = len(ts)
	}
	for i := 0; i < limit; i++ {
		if ts[i].Matches(reference, candidate) {
			return i
		}
	}
	return -1
}

// Loosest returns the index of the loosest tier
func (ts Tiers) Loosest() int {
	return len(ts) - 1
}

// Validate checks the table is non-empty, positive and sorted tightest-first
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("%w: no tolerance tiers configured", ErrInvalidConfig)
	}
	for i, t := range ts {
		if t.MaxTranslation <= 0 || t.MaxAngleDeg <= 0 {
			return fmt.Errorf("%w: tier[%d] %s must have positive tolerances", ErrInvalidConfig, i, t)
		}
		if t.MaxAngleDeg > 180 {
			return fmt.Errorf("%w: tier[%d] angle %.1f exceeds 180 degrees", ErrInvalidConfig, i, t.MaxAngleDeg)
		}
		if i > 0 {
			prev := ts[i-1]
			if t.MaxTranslation < prev.MaxTranslation || t.MaxAngleDeg < prev.MaxAngleDeg {
				return fmt.Errorf("%w: tier[%d] %s is tighter than tier[%d] %s", ErrInvalidConfig, i, t, i-1, prev)
			}
		}
	}
	return nil
}

// AngularSeparation returns the rotation angle in [0, π] of the transform
// mapping r1 onto r2 (the angle of r2·r1⁻¹).
//
// Computed from the chord between the unit quaternions rather than their
// product, so equal inputs give exactly 0 and swapping the arguments gives
// bit-identical results.
func AngularSeparation(r1, r2 Quat) float64 {
	a, b := r1.Normalize(), r2.Normalize()
	// q and -q are the same rotation; measure against the nearer one.
	if a.W*b.W+a.X*b.X+a.Y*b.Y+a.Z*b.Z < 0 {
		b = Quat{W: -b.W, X: -b.X, Y: -b.Y, Z: -b.Z}
	}
	diff := Quat{W: a.W - b.W, X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}.Norm()
	sum := Quat{W: a.W + b.W, X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z}.Norm()
	// The chord angle is half the rotation angle.
	return 4 * math.Atan2(diff, sum)
}

// PoseMatches reports whether candidate lies within maxTranslation (length
// units) and maxAngle (radians) of reference. Both tolerances must hold.
func PoseMatches(reference, candidate Pose, maxTranslation, maxAngle float64) bool {
	if TranslationDistance(reference, candidate) > maxTranslation {
		return false
	}
	return AngularSeparation(reference.Rotation, candidate.Rotation) <= maxAngle
}
