package spatial

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// normalizationTolerance is the maximum accepted deviation of quaternion norm from 1.
const normalizationTolerance = 1e-6

// Identity returns orientation representing no rotation.
func Identity() Orientation {
	return Orientation{q: quat.Number{Real: 1}}
}

// New creates orientation from normalized quaternion w + xi + yj + zk.
func New(w, x, y, z float64) (Orientation, error) {
	q := quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
	if quat.IsNaN(q) || quat.IsInf(q) {
		return Orientation{}, errors.Errorf("invalid quaternion %v", q)
	}
	if norm := quat.Abs(q); math.Abs(norm-1) > normalizationTolerance {
		return Orientation{}, errors.Errorf("quaternion %v is not normalized, norm: %f", q, norm)
	}
	return Orientation{q: q}, nil
}

// FromAxisAngle creates orientation rotating by angle radians around the axis.
func FromAxisAngle(axis r3.Vector, angle float64) (Orientation, error) {
	norm := axis.Norm()
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return Orientation{}, errors.Errorf("invalid rotation axis %v", axis)
	}
	axis = axis.Mul(1 / norm)
	sin, cos := math.Sincos(angle / 2)
	return Orientation{q: quat.Number{Real: cos, Imag: axis.X * sin, Jmag: axis.Y * sin, Kmag: axis.Z * sin}}, nil
}

// Orientation is the rotation of an object stored as unit quaternion.
type Orientation struct {
	q quat.Number
}

// Quaternion returns orientation as quaternion.
func (o Orientation) Quaternion() quat.Number {
	return o.q
}

// Then returns orientation equal to applying o first and next second.
func (o Orientation) Then(next Orientation) Orientation {
	q := quat.Mul(next.q, o.q)
	return Orientation{q: quat.Scale(1/quat.Abs(q), q)}
}

// Equal tells if orientations represent the same rotation within tolerance.
func (o Orientation) Equal(o2 Orientation) bool {
	// q and -q represent the same rotation.
	dot := o.q.Real*o2.q.Real + o.q.Imag*o2.q.Imag + o.q.Jmag*o2.q.Jmag + o.q.Kmag*o2.q.Kmag
	return math.Abs(math.Abs(dot)-1) <= normalizationTolerance
}

// IsIdentity tells if orientation represents no rotation.
func (o Orientation) IsIdentity() bool {
	return o.Equal(Identity())
}

// YawPitchRoll returns rotation angles in radians, applied as roll around X first, then pitch around Y and yaw
// around Z.
func (o Orientation) YawPitchRoll() Angles {
	w, x, y, z := o.q.Real, o.q.Imag, o.q.Jmag, o.q.Kmag

	sinPitch := 2 * (w*y - z*x)
	// Out-of-range values are possible because of rounding errors.
	sinPitch = math.Max(-1, math.Min(1, sinPitch))

	return Angles{
		Yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
		Pitch: math.Asin(sinPitch),
		Roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
	}
}

// Angles stores rotation decomposed to yaw, pitch and roll.
type Angles struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Matrix returns rotation matrix.
func (a Angles) Matrix() Matrix {
	sy, cy := math.Sincos(a.Yaw)
	sp, cp := math.Sincos(a.Pitch)
	sr, cr := math.Sincos(a.Roll)

	return Matrix{
		{cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr},
		{sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr},
		{-sp, cp * sr, cp * cr},
	}
}

// Matrix is 3x3 rotation matrix.
type Matrix [3][3]float64

// Apply rotates the vector.
func (m Matrix) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// ApplyInverse rotates the vector in the opposite direction. Matrix is orthonormal so its transposition is used.
func (m Matrix) ApplyInverse(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z,
	}
}
