package collab

import (
	"errors"
	"fmt"
	"math"
)

// IdentityQuat returns the rotation that leaves every vector unchanged
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Identity returns the identity pose (no rotation, no translation)
func Identity() Pose {
	return Pose{Rotation: IdentityQuat()}
}

// NewPose builds a pose from a rotation and translation, normalising the rotation
func NewPose(r Quat, t Vec3) Pose {
	return Pose{Rotation: r.Normalize(), Translation: t}
}

// Translation creates a translation-only pose
func Translation(x, y, z float64) Pose {
	return Pose{Rotation: IdentityQuat(), Translation: Vec3{X: x, Y: y, Z: z}}
}

// AxisAngle creates a unit quaternion rotating by angle radians about axis.
// A zero axis yields the identity rotation.
func AxisAngle(axis Vec3, angle float64) Quat {
	n := axis.Norm()
	if n < 1e-12 {
		return IdentityQuat()
	}
	s := math.Sin(angle/2) / n
	return Quat{W: math.Cos(angle / 2), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

// AxisAngleDeg is AxisAngle with the angle in degrees
func AxisAngleDeg(axis Vec3, degrees float64) Quat {
	return AxisAngle(axis, degrees*math.Pi/180)
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale returns v * s
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Norm returns the Euclidean length of v
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance returns the Euclidean distance between two points
func Distance(a, b Vec3) float64 {
	return a.Sub(b).Norm()
}

// Norm returns the quaternion magnitude
func (q Quat) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize rescales q to unit length and flips it into the W >= 0
// hemisphere so that equal rotations have equal representations.
// A degenerate quaternion normalises to the identity.
func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n < 1e-12 || math.IsNaN(n) || math.IsInf(n, 0) {
		return IdentityQuat()
	}
	if q.W < 0 {
		n = -n
	}
	return Quat{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Conjugate returns the inverse of a unit quaternion
func (q Quat) Conjugate() Quat {
	return Quat{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
}

// Mul returns the Hamilton product q*o (apply o first, then q)
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Rotate applies the rotation to a vector
func (q Quat) Rotate(v Vec3) Vec3 {
	// t = 2 * cross(q.xyz, v); v' = v + w*t + cross(q.xyz, t)
	tx := 2 * (q.Y*v.Z - q.Z*v.Y)
	ty := 2 * (q.Z*v.X - q.X*v.Z)
	tz := 2 * (q.X*v.Y - q.Y*v.X)
	return Vec3{
		X: v.X + q.W*tx + (q.Y*tz - q.Z*ty),
		Y: v.Y + q.W*ty + (q.Z*tx - q.X*tz),
		Z: v.Z + q.W*tz + (q.X*ty - q.Y*tx),
	}
}

// Matrix3 returns the rotation as a row-major 3x3 matrix
func (q Quat) Matrix3() [9]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// QuatFromMatrix3 converts a row-major rotation matrix to a unit quaternion.
// The branch on the largest diagonal term keeps the conversion stable for
// rotations near 180 degrees.
func QuatFromMatrix3(m [9]float64) Quat {
	m00, m01, m02 := m[0], m[1], m[2]
	m10, m11, m12 := m[3], m[4], m[5]
	m20, m21, m22 := m[6], m[7], m[8]

	var q Quat
	trace := m00 + m11 + m22
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = Quat{W: s / 4, X: (m21 - m12) / s, Y: (m02 - m20) / s, Z: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = Quat{W: (m21 - m12) / s, X: s / 4, Y: (m01 + m10) / s, Z: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = Quat{W: (m02 - m20) / s, X: (m01 + m10) / s, Y: s / 4, Z: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = Quat{W: (m10 - m01) / s, X: (m02 + m20) / s, Y: (m12 + m21) / s, Z: s / 4}
	}
	return q.Normalize()
}

// Matrix returns the pose as a row-major 4x4 homogeneous matrix
func (p Pose) Matrix() [16]float64 {
	r := p.Rotation.Matrix3()
	t := p.Translation
	return [16]float64{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// PoseFromMatrix builds a pose from a row-major 4x4 homogeneous matrix.
// The bottom row is ignored.
func PoseFromMatrix(m [16]float64) Pose {
	r := [9]float64{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]}
	return Pose{
		Rotation:    QuatFromMatrix3(r),
		Translation: Vec3{X: m[3], Y: m[7], Z: m[11]},
	}
}

// orthonormalTolerance bounds the |R·Rᵀ - I| entries accepted from a pose
// matrix read off a file or the wire
const orthonormalTolerance = 1e-2

// checkMatrix rejects a row-major pose matrix whose entries are not finite or
// whose rotation block is not a proper rotation.
func checkMatrix(m [16]float64) error {
	for i, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("matrix entry %d is not finite", i)
		}
	}
	r := [3][3]float64{
		{m[0], m[1], m[2]},
		{m[4], m[5], m[6]},
		{m[8], m[9], m[10]},
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r[i][0]*r[j][0] + r[i][1]*r[j][1] + r[i][2]*r[j][2]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > orthonormalTolerance {
				return errors.New("rotation block is not orthonormal")
			}
		}
	}
	det := r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
	if det <= 0 {
		return errors.New("rotation block is a reflection")
	}
	return nil
}

// Compose returns p*o: applying the result equals applying o first, then p.
// The rotation is re-normalised to keep it a unit quaternion.
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Rotation:    p.Rotation.Mul(o.Rotation).Normalize(),
		Translation: p.Rotation.Rotate(o.Translation).Add(p.Translation),
	}
}

// Inverse returns the pose that undoes p
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Conjugate()
	return Pose{
		Rotation:    inv.Normalize(),
		Translation: inv.Rotate(p.Translation).Scale(-1),
	}
}

// Apply transforms a point by the pose
func (p Pose) Apply(v Vec3) Vec3 {
	return p.Rotation.Rotate(v).Add(p.Translation)
}

// IsFinite reports whether every component of the pose is a finite number
func (p Pose) IsFinite() bool {
	for _, f := range []float64{
		p.Rotation.W, p.Rotation.X, p.Rotation.Y, p.Rotation.Z,
		p.Translation.X, p.Translation.Y, p.Translation.Z,
	} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// TranslationDistance returns the Euclidean distance between the translations of two poses
func TranslationDistance(a, b Pose) float64 {
	return Distance(a.Translation, b.Translation)
}
