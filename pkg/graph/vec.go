package graph

import "math"

// Vec3 is a point or direction in orb space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Len() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

func (v Vec3) DistanceTo(o Vec3) float64 { return v.Sub(o).Len() }

// Normalize returns the unit vector of v, or the zero vector for a zero input.
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return Vec3{}
	}
	return v.Scale(1 / l)
}

// Lerp interpolates from v (t=0) to o (t=1).
func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	return v.Add(o.Sub(v).Scale(t))
}

// Spherical coordinates: Azimuth (theta) around Z, Polar (phi) from +Z.
type Spherical struct {
	Azimuth float64 `json:"azimuth"`
	Polar   float64 `json:"polar"`
	Radius  float64 `json:"radius"`
}

// Cartesian converts s to x/y/z.
func (s Spherical) Cartesian() Vec3 {
	sinPhi := math.Sin(s.Polar)
	return Vec3{
		X: s.Radius * sinPhi * math.Cos(s.Azimuth),
		Y: s.Radius * sinPhi * math.Sin(s.Azimuth),
		Z: s.Radius * math.Cos(s.Polar),
	}
}

// Smoothstep eases t in [0,1].
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}
