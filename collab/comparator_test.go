package collab

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngularSeparation(t *testing.T) {
	tests := []struct {
		name string
		a, b Quat
		want float64 // degrees
	}{
		{"identical", IdentityQuat(), IdentityQuat(), 0},
		{"tiny", IdentityQuat(), AxisAngleDeg(Vec3{Z: 1}, 1e-6), 1e-6},
		{"yaw 30", IdentityQuat(), AxisAngleDeg(Vec3{Z: 1}, 30), 30},
		{"both rotated", AxisAngleDeg(Vec3{Z: 1}, 10), AxisAngleDeg(Vec3{Z: 1}, 55), 45},
		{"near pi", IdentityQuat(), AxisAngleDeg(Vec3{X: 1}, 179.9), 179.9},
		{"pi", IdentityQuat(), AxisAngleDeg(Vec3{X: 1}, 180), 180},
		{"double cover", AxisAngleDeg(Vec3{Y: 1}, 20), Quat{W: -1}.Mul(AxisAngleDeg(Vec3{Y: 1}, 20)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AngularSeparation(tt.a, tt.b) * 180 / math.Pi
			assert.InDelta(t, tt.want, got, 1e-6)
			back := AngularSeparation(tt.b, tt.a) * 180 / math.Pi
			assert.InDelta(t, got, back, 1e-9, "separation must be symmetric")
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 180.0)
		})
	}
}

func randomPose(rng *rand.Rand) Pose {
	q := Quat{W: rng.NormFloat64(), X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	t := Vec3{X: rng.Float64()*20 - 10, Y: rng.Float64()*20 - 10, Z: rng.Float64()*20 - 10}
	return NewPose(q, t)
}

func TestAngularSeparation_SelfIsZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20000; i++ {
		p := randomPose(rng)
		if sep := AngularSeparation(p.Rotation, p.Rotation); sep != 0 {
			t.Fatalf("AngularSeparation(q, q) = %g for %+v", sep, p.Rotation)
		}
		if !PoseMatches(p, p, 0, 0) {
			t.Fatalf("PoseMatches(p, p, 0, 0) = false for %+v", p)
		}
	}
}

func TestPoseMatches_Symmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20000; i++ {
		a, b := randomPose(rng), randomPose(rng)
		ab := AngularSeparation(a.Rotation, b.Rotation)
		if ba := AngularSeparation(b.Rotation, a.Rotation); ab != ba {
			t.Fatalf("separation not symmetric: %g vs %g", ab, ba)
		}
		if ab < 0 || ab > math.Pi {
			t.Fatalf("separation %g outside [0, π]", ab)
		}
		// Tolerances exactly at the separation are the hardest case.
		dist := TranslationDistance(a, b)
		if !PoseMatches(a, b, dist, ab) || !PoseMatches(b, a, dist, ab) {
			t.Fatalf("PoseMatches at its own separation failed for pair %d", i)
		}
		if PoseMatches(a, b, dist, ab/2) != PoseMatches(b, a, dist, ab/2) {
			t.Fatalf("PoseMatches disagrees with its reverse for pair %d", i)
		}
	}
}

func TestAngularSeparation_MatchesProductAngle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		a, b := randomPose(rng).Rotation, randomPose(rng).Rotation
		d := b.Mul(a.Conjugate()).Normalize()
		want := 2 * math.Atan2(math.Sqrt(d.X*d.X+d.Y*d.Y+d.Z*d.Z), math.Abs(d.W))
		assert.InDelta(t, want, AngularSeparation(a, b), 1e-9)
	}
}

func TestPoseMatches(t *testing.T) {
	ref := NewPose(AxisAngleDeg(Vec3{Z: 1}, 40), Vec3{X: 1, Y: 1})
	tests := []struct {
		name string
		cand Pose
		tier Tier
		want bool
	}{
		{"self", ref, Tier{0.05, 5}, true},
		{"translation within", NewPose(ref.Rotation, Vec3{X: 1.04, Y: 1}), Tier{0.05, 5}, true},
		{"translation outside", NewPose(ref.Rotation, Vec3{X: 1.06, Y: 1}), Tier{0.05, 5}, false},
		{"angle within", NewPose(AxisAngleDeg(Vec3{Z: 1}, 44), ref.Translation), Tier{0.05, 5}, true},
		{"angle outside", NewPose(AxisAngleDeg(Vec3{Z: 1}, 46), ref.Translation), Tier{0.05, 5}, false},
		{"both needed", NewPose(AxisAngleDeg(Vec3{Z: 1}, 46), Vec3{X: 1.01, Y: 1}), Tier{0.5, 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tier.Matches(ref, tt.cand); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
			if got := tt.tier.Matches(tt.cand, ref); got != tt.want {
				t.Errorf("Matches() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTiers_FirstMatch(t *testing.T) {
	tiers := DefaultTiers()
	ref := Identity()

	assert.Equal(t, 0, tiers.FirstMatch(ref, Translation(0.01, 0, 0), -1))
	assert.Equal(t, 2, tiers.FirstMatch(ref, Translation(0.15, 0, 0), -1))
	assert.Equal(t, 6, tiers.FirstMatch(ref, NewPose(AxisAngleDeg(Vec3{Z: 1}, 60), Vec3{}), -1))
	assert.Equal(t, -1, tiers.FirstMatch(ref, Translation(1, 0, 0), -1))

	// limit excludes tiers at and beyond it
	assert.Equal(t, -1, tiers.FirstMatch(ref, Translation(0.15, 0, 0), 2))
	assert.Equal(t, 6, tiers.Loosest())
}

func TestTiers_Validate(t *testing.T) {
	tests := []struct {
		name  string
		tiers Tiers
		ok    bool
	}{
		{"default", DefaultTiers(), true},
		{"single", Tiers{{0.1, 10}}, true},
		{"empty", Tiers{}, false},
		{"zero translation", Tiers{{0, 5}}, false},
		{"zero angle", Tiers{{0.1, 0}}, false},
		{"angle above 180", Tiers{{0.1, 190}}, false},
		{"unsorted translation", Tiers{{0.2, 10}, {0.1, 20}}, false},
		{"unsorted angle", Tiers{{0.1, 20}, {0.2, 10}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tiers.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "0.05/5°", Tier{0.05, 5}.String())
	assert.Equal(t, "0.70/70°", Tier{0.7, 70}.String())
}
