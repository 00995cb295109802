package model

import "math"

// Vec3 is a position or direction in world metres.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v*s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Quat is a unit quaternion stored as (W, X, Y, Z).
type Quat struct {
	W float64
	X float64
	Y float64
	Z float64
}

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{W: 1}

// Normalize returns q scaled to unit length. A zero quaternion becomes the identity.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuat
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	// v' = v + 2w(u x v) + 2(u x (u x v))
	u := Vec3{q.X, q.Y, q.Z}
	c1 := cross(u, v)
	c2 := cross(u, c1)
	return v.Add(c1.Scale(2 * q.W)).Add(c2.Scale(2))
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		a.Y*b.Z - a.Z*b.Y,
		a.Z*b.X - a.X*b.Z,
		a.X*b.Y - a.Y*b.X,
	}
}

// Transform is a rigid transform: rotation followed by translation.
type Transform struct {
	Rot   Quat
	Trans Vec3
}

// IdentityTransform returns the transform that leaves points unchanged.
func IdentityTransform() Transform {
	return Transform{Rot: IdentityQuat}
}

// Apply maps a point from the local frame into the parent frame.
func (t Transform) Apply(p Vec3) Vec3 {
	return t.Rot.Rotate(p).Add(t.Trans)
}

// TriMesh is an indexed triangle mesh. Indices come in triples.
type TriMesh struct {
	Vertices []Vec3
	Indices  []int
}

// Append merges other into m, offsetting its indices.
func (m *TriMesh) Append(other TriMesh) {
	base := len(m.Vertices)
	m.Vertices = append(m.Vertices, other.Vertices...)
	for _, idx := range other.Indices {
		m.Indices = append(m.Indices, base+idx)
	}
}

// BoxMesh returns the 12-triangle mesh of an axis-aligned box with the given
// half extents, transformed by t.
func BoxMesh(t Transform, extents Vec3) TriMesh {
	var m TriMesh
	for i := range 8 {
		c := Vec3{extents.X, extents.Y, extents.Z}
		if i&1 != 0 {
			c.X = -c.X
		}
		if i&2 != 0 {
			c.Y = -c.Y
		}
		if i&4 != 0 {
			c.Z = -c.Z
		}
		m.Vertices = append(m.Vertices, t.Apply(c))
	}
	m.Indices = []int{
		0, 1, 3, 0, 3, 2, // +z
		4, 6, 7, 4, 7, 5, // -z
		0, 4, 5, 0, 5, 1, // +y
		2, 3, 7, 2, 7, 6, // -y
		0, 2, 6, 0, 6, 4, // +x
		1, 5, 7, 1, 7, 3, // -x
	}
	return m
}
