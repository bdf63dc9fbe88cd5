// Package native is a pure-Go vision backend. It follows OpenCV semantics
// closely enough for the scan pipeline (nonzero pixels are foreground,
// minimum-area rectangle angles in [-90, 0), counter-clockwise positive
// rotations) without any cgo dependency.
package native

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// Name is the backend identifier used in configuration.
const Name = "native"

var errClosed = errors.New("native: engine closed")

// Engine implements vision.Engine and vision.Binarizer in Go.
type Engine struct {
	ledger vision.Ledger
	closed atomic.Bool
}

var (
	_ vision.Engine    = (*Engine)(nil)
	_ vision.Binarizer = (*Engine)(nil)
)

// New returns a ready engine.
func New() *Engine {
	return &Engine{}
}

// Factory is a vision.Factory for the native backend.
func Factory(ctx context.Context) (vision.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(), nil
}

func (e *Engine) Name() string { return Name }

// Stats returns the buffer counters.
func (e *Engine) Stats() vision.BufferStats { return e.ledger.Stats() }

// Close marks the engine unusable. Outstanding buffers stay valid until
// closed by their owners.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return errClosed
	}
	return nil
}

// FromImage copies img into a 4-channel buffer.
func (e *Engine) FromImage(img image.Image) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, errors.New("native: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("native: empty image bounds %v", b)
	}
	src := imaging.Clone(img)
	m := e.newMat(b.Dy(), b.Dx(), 4)
	for y := 0; y < m.rows; y++ {
		copy(m.pix[y*m.cols*4:(y+1)*m.cols*4], src.Pix[y*src.Stride:y*src.Stride+m.cols*4])
	}
	return m, nil
}

// ToImage copies a buffer into an *image.Gray (1 channel) or
// *image.NRGBA (4 channels).
func (e *Engine) ToImage(in vision.Mat) (image.Image, error) {
	m, err := e.unwrapPixels(in, 0)
	if err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, m.cols, m.rows)
	switch m.channels {
	case 1:
		out := image.NewGray(rect)
		copy(out.Pix, m.pix)
		return out, nil
	case 4:
		out := image.NewNRGBA(rect)
		copy(out.Pix, m.pix)
		return out, nil
	default:
		return nil, fmt.Errorf("native: unsupported channel count %d", m.channels)
	}
}

// Clone returns a deep copy.
func (e *Engine) Clone(in vision.Mat) (vision.Mat, error) {
	m, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	if m.affine != nil {
		return e.newAffine(*m.affine), nil
	}
	out := e.newMat(m.rows, m.cols, m.channels)
	copy(out.pix, m.pix)
	return out, nil
}

// CvtColor converts between RGBA and single-channel gray.
func (e *Engine) CvtColor(in vision.Mat, code vision.ColorConversion) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	switch code {
	case vision.ColorRGBAToGray:
		m, err := e.unwrapPixels(in, 4)
		if err != nil {
			return nil, err
		}
		// imaging uses the same 0.299/0.587/0.114 weights as OpenCV.
		gray := imaging.Grayscale(m.nrgba())
		out := e.newMat(m.rows, m.cols, 1)
		for i := range out.pix {
			out.pix[i] = gray.Pix[i*4]
		}
		return out, nil
	case vision.ColorGrayToRGBA:
		m, err := e.unwrapPixels(in, 1)
		if err != nil {
			return nil, err
		}
		out := e.newMat(m.rows, m.cols, 4)
		for i, v := range m.pix {
			o := i * 4
			out.pix[o], out.pix[o+1], out.pix[o+2], out.pix[o+3] = v, v, v, 255
		}
		return out, nil
	default:
		return nil, fmt.Errorf("native: unsupported color conversion %d", code)
	}
}

// GaussianBlur smooths the buffer. A non-positive sigma is derived from
// the kernel width the way OpenCV does.
func (e *Engine) GaussianBlur(in vision.Mat, ksize image.Point, sigma float64) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	m, err := e.unwrapPixels(in, 0)
	if err != nil {
		return nil, err
	}
	if ksize.X <= 0 || ksize.X%2 == 0 || ksize.Y <= 0 || ksize.Y%2 == 0 {
		return nil, fmt.Errorf("native: blur kernel must be positive and odd, got %v", ksize)
	}
	if sigma <= 0 {
		sigma = gaussianSigma(ksize.X)
	}

	var src image.Image
	if m.channels == 1 {
		src = m.gray()
	} else {
		src = m.nrgba()
	}
	blurred := imaging.Blur(src, sigma)

	out := e.newMat(m.rows, m.cols, m.channels)
	if m.channels == 1 {
		for i := range out.pix {
			out.pix[i] = blurred.Pix[i*4]
		}
	} else {
		copy(out.pix, blurred.Pix)
	}
	return out, nil
}

// gaussianSigma mirrors OpenCV's getGaussianKernel default.
func gaussianSigma(ksize int) float64 {
	return 0.3*((float64(ksize)-1)*0.5-1) + 0.8
}

func (m *mat) gray() *image.Gray {
	return &image.Gray{Pix: m.pix, Stride: m.cols, Rect: image.Rect(0, 0, m.cols, m.rows)}
}

func (m *mat) nrgba() *image.NRGBA {
	return &image.NRGBA{Pix: m.pix, Stride: m.cols * 4, Rect: image.Rect(0, 0, m.cols, m.rows)}
}
