package native

import (
	"image"
	"math"
	"sort"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// ContourArea returns the absolute shoelace area of the contour polygon.
func (e *Engine) ContourArea(c vision.Contour) float64 {
	return polygonArea(c)
}

// MinAreaRect finds the minimum-area enclosing rectangle with rotating
// calipers over the convex hull.
func (e *Engine) MinAreaRect(c vision.Contour) vision.RotatedRect {
	return minAreaRect(c)
}

func polygonArea(c vision.Contour) float64 {
	if len(c) < 3 {
		return 0
	}
	sum := 0
	for i := range c {
		j := (i + 1) % len(c)
		sum += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return math.Abs(float64(sum)) / 2
}

func minAreaRect(c vision.Contour) vision.RotatedRect {
	hull := convexHull(c)
	switch len(hull) {
	case 0:
		return vision.RotatedRect{Angle: -90}
	case 1:
		return vision.RotatedRect{
			Center: vision.Point2f{X: float64(hull[0].X), Y: float64(hull[0].Y)},
			Angle:  -90,
		}
	}

	bestArea := math.Inf(1)
	var best struct {
		ux, uy                 float64
		minS, maxS, minT, maxT float64
	}
	for i := range hull {
		a := hull[i]
		b := hull[(i+1)%len(hull)]
		dx, dy := float64(b.X-a.X), float64(b.Y-a.Y)
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		ux, uy := dx/l, dy/l
		vx, vy := -uy, ux
		minS, maxS := math.Inf(1), math.Inf(-1)
		minT, maxT := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			s := float64(p.X)*ux + float64(p.Y)*uy
			t := float64(p.X)*vx + float64(p.Y)*vy
			minS, maxS = math.Min(minS, s), math.Max(maxS, s)
			minT, maxT = math.Min(minT, t), math.Max(maxT, t)
		}
		// Tolerance keeps the first edge on ties so results are stable.
		if area := (maxS - minS) * (maxT - minT); area < bestArea-1e-9 {
			bestArea = area
			best.ux, best.uy = ux, uy
			best.minS, best.maxS, best.minT, best.maxT = minS, maxS, minT, maxT
		}
	}

	vx, vy := -best.uy, best.ux
	ms := (best.minS + best.maxS) / 2
	mt := (best.minT + best.maxT) / 2
	center := vision.Point2f{X: best.ux*ms + vx*mt, Y: best.uy*ms + vy*mt}

	width := best.maxS - best.minS
	height := best.maxT - best.minT
	deg := math.Atan2(best.uy, best.ux) * 180 / math.Pi
	angle, quarterTurns := reduceAngle(deg)
	if quarterTurns%2 != 0 {
		width, height = height, width
	}

	return vision.RotatedRect{Center: center, Width: width, Height: height, Angle: angle}
}

// reduceAngle maps an edge direction in degrees into [-90, 0) and reports
// how many quarter turns were removed.
func reduceAngle(deg float64) (float64, int) {
	a := math.Mod(deg, 90)
	if a >= 0 {
		a -= 90
	}
	turns := int(math.Round((deg - a) / 90))
	if turns < 0 {
		turns = -turns
	}
	return a, turns
}

// convexHull is Andrew's monotone chain. The hull is returned without a
// repeated closing point.
func convexHull(c vision.Contour) []image.Point {
	if len(c) == 0 {
		return nil
	}
	p := make([]image.Point, len(c))
	copy(p, c)
	sort.Slice(p, func(i, j int) bool {
		if p[i].X != p[j].X {
			return p[i].X < p[j].X
		}
		return p[i].Y < p[j].Y
	})
	uniq := p[:1]
	for _, pt := range p[1:] {
		if pt != uniq[len(uniq)-1] {
			uniq = append(uniq, pt)
		}
	}
	p = uniq
	if len(p) <= 2 {
		return p
	}

	cross := func(o, a, b image.Point) int {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}
	hull := make([]image.Point, 0, 2*len(p))
	for _, pt := range p {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	lower := len(hull) + 1
	for i := len(p) - 2; i >= 0; i-- {
		pt := p[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	return hull[:len(hull)-1]
}
