package utils

import (
	"math"
	"sort"
)

// ConvexHull computes the convex hull of a set of points using the
// monotone chain algorithm. Returns the hull in CCW order without
// duplicating the first point at the end.
func ConvexHull(pts []Point) []Point {
	n := len(pts)
	if n <= 1 {
		return append([]Point(nil), pts...)
	}
	p := make([]Point, n)
	copy(p, pts)
	sort.Slice(p, func(i, j int) bool {
		if p[i].X != p[j].X {
			return p[i].X < p[j].X
		}
		return p[i].Y < p[j].Y
	})
	p = removeDuplicatePoints(p)
	if len(p) <= 1 {
		return p
	}
	lower := buildHalfHull(p, false)
	upper := buildHalfHull(p, true)
	hull := make([]Point, 0, len(lower)+len(upper)-2)
	hull = append(hull, lower[:len(lower)-1]...)
	hull = append(hull, upper[:len(upper)-1]...)
	return hull
}

func removeDuplicatePoints(p []Point) []Point {
	q := p[:0]
	for i, pt := range p {
		if i == 0 || pt != q[len(q)-1] {
			q = append(q, pt)
		}
	}
	return q
}

func buildHalfHull(p []Point, reverse bool) []Point {
	half := make([]Point, 0, len(p))
	for i := range p {
		pt := p[i]
		if reverse {
			pt = p[len(p)-1-i]
		}
		for len(half) >= 2 && cross(half[len(half)-2], half[len(half)-1], pt) <= 0 {
			half = half[:len(half)-1]
		}
		half = append(half, pt)
	}
	return half
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// MinimumAreaRectangle computes the minimum-area enclosing rectangle using a
// rotating calipers approach over the convex hull. Returns 4 corners or nil
// when fewer than three distinct points are given.
func MinimumAreaRectangle(pts []Point) []Point {
	hull := ConvexHull(pts)
	if len(hull) < 3 {
		return nil
	}

	bestArea := math.Inf(1)
	var bestU, bestV Point
	var minS, maxS, minT, maxT float64
	for i := range hull {
		a := hull[i]
		b := hull[(i+1)%len(hull)]
		l := Distance(a, b)
		if l == 0 {
			continue
		}
		u := Point{X: (b.X - a.X) / l, Y: (b.Y - a.Y) / l}
		v := Point{X: -u.Y, Y: u.X}
		s0, s1 := math.Inf(1), math.Inf(-1)
		t0, t1 := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			s := p.X*u.X + p.Y*u.Y
			t := p.X*v.X + p.Y*v.Y
			s0, s1 = math.Min(s0, s), math.Max(s1, s)
			t0, t1 = math.Min(t0, t), math.Max(t1, t)
		}
		if area := (s1 - s0) * (t1 - t0); area < bestArea {
			bestArea = area
			bestU, bestV = u, v
			minS, maxS, minT, maxT = s0, s1, t0, t1
		}
	}

	corner := func(s, t float64) Point {
		return Point{X: bestU.X*s + bestV.X*t, Y: bestU.Y*s + bestV.Y*t}
	}
	return []Point{corner(minS, minT), corner(maxS, minT), corner(maxS, maxT), corner(minS, maxT)}
}

// OrderCorners returns the four corners of a quadrilateral ordered
// clockwise in image space starting from the top-left corner.
func OrderCorners(quad []Point) []Point {
	if len(quad) != 4 {
		return append([]Point(nil), quad...)
	}
	var cx, cy float64
	for _, p := range quad {
		cx += p.X
		cy += p.Y
	}
	cx /= 4
	cy /= 4

	out := append([]Point(nil), quad...)
	// Angles grow clockwise on screen because the y axis points down.
	sort.Slice(out, func(i, j int) bool {
		return math.Atan2(out[i].Y-cy, out[i].X-cx) < math.Atan2(out[j].Y-cy, out[j].X-cx)
	})

	start := 0
	best := math.Inf(1)
	for i, p := range out {
		if s := p.X + p.Y; s < best {
			best = s
			start = i
		}
	}
	ordered := make([]Point, 4)
	for i := range 4 {
		ordered[i] = out[(start+i)%4]
	}
	return ordered
}

// PolygonArea returns the absolute area of a simple polygon (shoelace formula).
func PolygonArea(pts []Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

// IsConvexQuad reports whether the four points form a non-degenerate convex quadrilateral.
func IsConvexQuad(quad []Point) bool {
	if len(quad) != 4 {
		return false
	}
	sign := 0
	for i := range 4 {
		c := cross(quad[i], quad[(i+1)%4], quad[(i+2)%4])
		if math.Abs(c) < 1e-12 {
			return false
		}
		s := 1
		if c < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}
