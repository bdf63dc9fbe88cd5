package native

import (
	"container/list"
	"fmt"
	"image"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// FindContours labels 8-connected regions of nonzero pixels and traces the
// outer boundary of each with Moore-neighbor tracing.
//
// Both retrieval modes report outer boundaries only. Hole boundaries are
// never larger than the region enclosing them, so callers looking for the
// dominant contour see the same result as with a full hierarchy.
func (e *Engine) FindContours(in vision.Mat, mode vision.RetrievalMode, approx vision.ChainApprox) ([]vision.Contour, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	m, err := e.unwrapPixels(in, 1)
	if err != nil {
		return nil, err
	}
	if mode != vision.RetrievalExternal && mode != vision.RetrievalList {
		return nil, fmt.Errorf("native: unsupported retrieval mode %d", mode)
	}

	labels, seeds := labelComponents(m.pix, m.cols, m.rows)
	contours := make([]vision.Contour, 0, len(seeds))
	for i, seed := range seeds {
		c := traceBoundary(labels, m.cols, m.rows, int32(i+1), seed, approx == vision.ChainApproxSimple)
		if len(c) > 0 {
			contours = append(contours, c)
		}
	}
	if mode == vision.RetrievalExternal {
		contours = dropEnclosed(contours)
	}
	return contours, nil
}

// labelComponents assigns 8-connected labels starting at 1. seeds holds the
// first pixel of each component in raster order, which is always its
// top-most, left-most boundary pixel.
func labelComponents(pix []uint8, w, h int) ([]int32, []image.Point) {
	labels := make([]int32, w*h)
	var seeds []image.Point
	label := int32(0)

	q := list.New()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if pix[idx] == 0 || labels[idx] != 0 {
				continue
			}
			label++
			seeds = append(seeds, image.Point{X: x, Y: y})
			labels[idx] = label
			q.PushBack(idx)
			for q.Len() > 0 {
				e := q.Front()
				q.Remove(e)
				ci, _ := e.Value.(int)
				cx, cy := ci%w, ci/w
				for _, d := range moore {
					nx, ny := cx+d.X, cy+d.Y
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					ni := ny*w + nx
					if pix[ni] != 0 && labels[ni] == 0 {
						labels[ni] = label
						q.PushBack(ni)
					}
				}
			}
		}
	}
	return labels, seeds
}

// moore lists the 8-neighborhood clockwise on screen: E, SE, S, SW, W, NW, N, NE.
var moore = [8]image.Point{
	{X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}, {X: -1, Y: 1},
	{X: -1, Y: 0}, {X: -1, Y: -1}, {X: 0, Y: -1}, {X: 1, Y: -1},
}

func mooreIndex(dx, dy int) int {
	for i, d := range moore {
		if d.X == dx && d.Y == dy {
			return i
		}
	}
	return 0
}

// traceBoundary walks the outer boundary of one component starting at its
// seed. With simplify set, interior points of straight runs are dropped.
func traceBoundary(labels []int32, w, h int, label int32, seed image.Point, simplify bool) vision.Contour {
	isLabel := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && labels[y*w+x] == label
	}

	pts := make(vision.Contour, 0, 64)
	add := func(p image.Point) {
		n := len(pts)
		if n > 0 && pts[n-1] == p {
			return
		}
		if simplify && n >= 2 && sameDirection(pts[n-2], pts[n-1], p) {
			pts[n-1] = p
			return
		}
		pts = append(pts, p)
	}

	cur := seed
	back := image.Point{X: seed.X - 1, Y: seed.Y}
	add(cur)

	// Stop when the walk leaves the seed along its first edge again.
	var first image.Point
	maxSteps := w*h*4 + 8
	for step := 0; step < maxSteps; step++ {
		next, nextBack, ok := mooreStep(isLabel, cur, back)
		if !ok {
			// Isolated pixel.
			break
		}
		if step == 0 {
			first = next
		} else if cur == seed && next == first {
			break
		}
		cur, back = next, nextBack
		add(cur)
	}

	if n := len(pts); n >= 2 && pts[0] == pts[n-1] {
		pts = pts[:n-1]
	}
	if simplify && len(pts) >= 3 && sameDirection(pts[len(pts)-1], pts[0], pts[1]) {
		pts = pts[1:]
	}
	return pts
}

// mooreStep scans the neighbors of cur clockwise, starting just after the
// backtrack pixel, and returns the first foreground neighbor together with
// the background pixel examined before it.
func mooreStep(isLabel func(x, y int) bool, cur, back image.Point) (image.Point, image.Point, bool) {
	start := (mooreIndex(back.X-cur.X, back.Y-cur.Y) + 1) % 8
	for k := 0; k < 8; k++ {
		i := (start + k) % 8
		t := image.Point{X: cur.X + moore[i].X, Y: cur.Y + moore[i].Y}
		if isLabel(t.X, t.Y) {
			prev := (i + 7) % 8
			return t, image.Point{X: cur.X + moore[prev].X, Y: cur.Y + moore[prev].Y}, true
		}
	}
	return image.Point{}, back, false
}

// sameDirection reports whether b lies on the straight continuation from a
// to c.
func sameDirection(a, b, c image.Point) bool {
	v1x, v1y := b.X-a.X, b.Y-a.Y
	v2x, v2y := c.X-b.X, c.Y-b.Y
	return v1x*v2y-v1y*v2x == 0 && v1x*v2x+v1y*v2y > 0
}

// dropEnclosed removes contours that start inside a larger contour, which
// leaves only outermost boundaries.
func dropEnclosed(contours []vision.Contour) []vision.Contour {
	areas := make([]float64, len(contours))
	for i, c := range contours {
		areas[i] = polygonArea(c)
	}
	out := make([]vision.Contour, 0, len(contours))
	for i, c := range contours {
		enclosed := false
		for j, other := range contours {
			if i == j || len(other) < 3 || areas[j] <= areas[i] {
				continue
			}
			if pointInPolygon(c[0], other) {
				enclosed = true
				break
			}
		}
		if !enclosed {
			out = append(out, c)
		}
	}
	return out
}

// pointInPolygon is the even-odd ray casting test on pixel centers.
func pointInPolygon(p image.Point, poly vision.Contour) bool {
	in := false
	px, py := float64(p.X), float64(p.Y)
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		xi, yi := float64(poly[i].X), float64(poly[i].Y)
		xj, yj := float64(poly[j].X), float64(poly[j].Y)
		if (yi > py) != (yj > py) && px < (xj-xi)*(py-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}
