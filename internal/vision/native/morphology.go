package native

import (
	"fmt"
	"image"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// MorphologyEx applies op with a kw x kh rectangle anchored at
// (kw/2, kh/2). Pixels outside the image never influence the result.
func (e *Engine) MorphologyEx(in vision.Mat, op vision.MorphOp, kernel image.Point) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	m, err := e.unwrapPixels(in, 1)
	if err != nil {
		return nil, err
	}
	if kernel.X <= 0 || kernel.Y <= 0 {
		return nil, fmt.Errorf("native: invalid structuring element %v", kernel)
	}

	k := rectKernel{w: kernel.X, h: kernel.Y, ax: kernel.X / 2, ay: kernel.Y / 2}
	var pix []uint8
	switch op {
	case vision.MorphErode:
		pix = erode(m.pix, m.cols, m.rows, k)
	case vision.MorphDilate:
		pix = dilate(m.pix, m.cols, m.rows, k)
	case vision.MorphOpen:
		pix = dilate(erode(m.pix, m.cols, m.rows, k), m.cols, m.rows, k)
	case vision.MorphClose:
		pix = erode(dilate(m.pix, m.cols, m.rows, k), m.cols, m.rows, k)
	default:
		return nil, fmt.Errorf("native: unsupported morphology op %d", op)
	}

	out := e.newMat(m.rows, m.cols, 1)
	copy(out.pix, pix)
	return out, nil
}

type rectKernel struct {
	w, h   int
	ax, ay int
}

// erode takes the minimum over the kernel footprint. A rectangle is
// separable, so rows and columns are processed independently.
func erode(pix []uint8, w, h int, k rectKernel) []uint8 {
	return morph(pix, w, h, k, func(a, b uint8) bool { return b < a })
}

// dilate takes the maximum over the kernel footprint.
func dilate(pix []uint8, w, h int, k rectKernel) []uint8 {
	return morph(pix, w, h, k, func(a, b uint8) bool { return b > a })
}

// morph runs a separable rank filter; better(a, b) reports whether b
// should replace the running extreme a.
func morph(pix []uint8, w, h int, k rectKernel, better func(a, b uint8) bool) []uint8 {
	if k.w == 1 && k.h == 1 {
		return append([]uint8(nil), pix...)
	}

	tmp := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			first := true
			var v uint8
			for kx := 0; kx < k.w; kx++ {
				nx := x + kx - k.ax
				if nx < 0 || nx >= w {
					continue
				}
				c := pix[y*w+nx]
				if first || better(v, c) {
					v, first = c, false
				}
			}
			tmp[y*w+x] = v
		}
	}

	out := make([]uint8, len(pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			first := true
			var v uint8
			for ky := 0; ky < k.h; ky++ {
				ny := y + ky - k.ay
				if ny < 0 || ny >= h {
					continue
				}
				c := tmp[ny*w+x]
				if first || better(v, c) {
					v, first = c, false
				}
			}
			out[y*w+x] = v
		}
	}
	return out
}
