//go:build gocv

package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// Available reports whether the OpenCV backend is compiled in.
func Available() bool { return true }

// Factory opens an OpenCV engine. It exercises a tiny conversion so a
// broken native installation fails here rather than on the first scan.
func Factory(ctx context.Context) (vision.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := &Engine{}
	probe := gocv.NewMatWithSize(1, 1, gocv.MatTypeCV8UC4)
	defer probe.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	if err := gocv.CvtColor(probe, &gray, gocv.ColorRGBAToGray); err != nil {
		return nil, fmt.Errorf("opencv probe failed: %w", err)
	}
	return e, nil
}

// Engine implements vision.Engine on top of gocv.
type Engine struct {
	ledger vision.Ledger
	closed atomic.Bool
}

var _ vision.Engine = (*Engine)(nil)

type mat struct {
	owner    *Engine
	m        gocv.Mat
	released atomic.Bool
}

func (m *mat) Rows() int     { return m.m.Rows() }
func (m *mat) Cols() int     { return m.m.Cols() }
func (m *mat) Channels() int { return m.m.Channels() }

func (m *mat) Close() error {
	if m.released.Swap(true) {
		return nil
	}
	m.owner.ledger.Release()
	return m.m.Close()
}

func (e *Engine) wrap(m gocv.Mat) *mat {
	e.ledger.Alloc()
	return &mat{owner: e, m: m}
}

func (e *Engine) unwrap(in vision.Mat) (gocv.Mat, error) {
	if e.closed.Load() {
		return gocv.Mat{}, errors.New("opencv: engine closed")
	}
	m, ok := in.(*mat)
	if !ok || m.owner != e {
		return gocv.Mat{}, vision.ErrForeignMat
	}
	if m.released.Load() {
		return gocv.Mat{}, vision.ErrReleased
	}
	return m.m, nil
}

// run allocates a destination, applies op and wraps the result. The
// destination is closed if op fails.
func (e *Engine) run(op func(dst *gocv.Mat) error) (vision.Mat, error) {
	dst := gocv.NewMat()
	if err := op(&dst); err != nil {
		_ = dst.Close()
		return nil, err
	}
	return e.wrap(dst), nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Stats() vision.BufferStats { return e.ledger.Stats() }

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) FromImage(img image.Image) (vision.Mat, error) {
	if e.closed.Load() {
		return nil, errors.New("opencv: engine closed")
	}
	m, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("opencv: image to mat: %w", err)
	}
	return e.wrap(m), nil
}

func (e *Engine) ToImage(in vision.Mat) (image.Image, error) {
	m, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	return m.ToImage()
}

func (e *Engine) Clone(in vision.Mat) (vision.Mat, error) {
	m, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	return e.wrap(m.Clone()), nil
}

func (e *Engine) CvtColor(in vision.Mat, code vision.ColorConversion) (vision.Mat, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	var cc gocv.ColorConversionCode
	switch code {
	case vision.ColorRGBAToGray:
		cc = gocv.ColorRGBAToGray
	case vision.ColorGrayToRGBA:
		cc = gocv.ColorGrayToRGBA
	default:
		return nil, fmt.Errorf("opencv: unsupported color conversion %d", code)
	}
	return e.run(func(dst *gocv.Mat) error { return gocv.CvtColor(src, dst, cc) })
}

func (e *Engine) GaussianBlur(in vision.Mat, ksize image.Point, sigma float64) (vision.Mat, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	return e.run(func(dst *gocv.Mat) error {
		return gocv.GaussianBlur(src, dst, ksize, sigma, sigma, gocv.BorderDefault)
	})
}

func (e *Engine) AdaptiveThreshold(in vision.Mat, maxValue float64, method vision.AdaptiveMethod,
	typ vision.ThresholdType, blockSize int, c float64,
) (vision.Mat, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	am := gocv.AdaptiveThresholdMean
	if method == vision.AdaptiveGaussian {
		am = gocv.AdaptiveThresholdGaussian
	}
	tt := gocv.ThresholdBinary
	if typ == vision.ThresholdBinaryInv {
		tt = gocv.ThresholdBinaryInv
	}
	return e.run(func(dst *gocv.Mat) error {
		return gocv.AdaptiveThreshold(src, dst, float32(maxValue), am, tt, blockSize, float32(c))
	})
}

func (e *Engine) MorphologyEx(in vision.Mat, op vision.MorphOp, kernel image.Point) (vision.Mat, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	var mt gocv.MorphType
	switch op {
	case vision.MorphErode:
		mt = gocv.MorphErode
	case vision.MorphDilate:
		mt = gocv.MorphDilate
	case vision.MorphOpen:
		mt = gocv.MorphOpen
	case vision.MorphClose:
		mt = gocv.MorphClose
	default:
		return nil, fmt.Errorf("opencv: unsupported morphology op %d", op)
	}
	k := gocv.GetStructuringElement(gocv.MorphRect, kernel)
	defer k.Close()
	return e.run(func(dst *gocv.Mat) error { return gocv.MorphologyEx(src, dst, mt, k) })
}

func (e *Engine) FindContours(in vision.Mat, mode vision.RetrievalMode, approx vision.ChainApprox) ([]vision.Contour, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	rm := gocv.RetrievalList
	if mode == vision.RetrievalExternal {
		rm = gocv.RetrievalExternal
	}
	cm := gocv.ChainApproxSimple
	if approx == vision.ChainApproxNone {
		cm = gocv.ChainApproxNone
	}
	pv := gocv.FindContours(src, rm, cm)
	defer pv.Close()

	out := make([]vision.Contour, 0, pv.Size())
	for i := 0; i < pv.Size(); i++ {
		out = append(out, vision.Contour(pv.At(i).ToPoints()))
	}
	return out, nil
}

func (e *Engine) ContourArea(c vision.Contour) float64 {
	pv := gocv.NewPointVectorFromPoints(c)
	defer pv.Close()
	return gocv.ContourArea(pv)
}

// MinAreaRect reports the angle in [-90, 0). OpenCV 4.5+ returns (0, 90];
// both describe the same edge modulo a quarter turn.
func (e *Engine) MinAreaRect(c vision.Contour) vision.RotatedRect {
	pv := gocv.NewPointVectorFromPoints(c)
	defer pv.Close()
	rr := gocv.MinAreaRect(pv)

	angle := rr.Angle
	w, h := float64(rr.Width), float64(rr.Height)
	for angle >= 0 {
		angle -= 90
		w, h = h, w
	}
	for angle < -90 {
		angle += 90
		w, h = h, w
	}
	return vision.RotatedRect{
		Center: vision.Point2f{X: float64(rr.Center.X), Y: float64(rr.Center.Y)},
		Width:  w,
		Height: h,
		Angle:  angle,
	}
}

// RotationMatrix2D fills the matrix directly so fractional centers survive;
// gocv.GetRotationMatrix2D only takes integer points.
func (e *Engine) RotationMatrix2D(center vision.Point2f, angle, scale float64) (vision.Mat, error) {
	if e.closed.Load() {
		return nil, errors.New("opencv: engine closed")
	}
	rad := angle * math.Pi / 180
	alpha := scale * math.Cos(rad)
	beta := scale * math.Sin(rad)
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	m.SetDoubleAt(0, 0, alpha)
	m.SetDoubleAt(0, 1, beta)
	m.SetDoubleAt(0, 2, (1-alpha)*center.X-beta*center.Y)
	m.SetDoubleAt(1, 0, -beta)
	m.SetDoubleAt(1, 1, alpha)
	m.SetDoubleAt(1, 2, beta*center.X+(1-alpha)*center.Y)
	return e.wrap(m), nil
}

func (e *Engine) WarpAffine(in, m vision.Mat, size image.Point, interp vision.Interpolation,
	border vision.BorderMode, fill color.Color,
) (vision.Mat, error) {
	src, err := e.unwrap(in)
	if err != nil {
		return nil, err
	}
	rot, err := e.unwrap(m)
	if err != nil {
		return nil, err
	}
	flags := gocv.InterpolationLinear
	if interp == vision.InterpolationNearest {
		flags = gocv.InterpolationNearestNeighbor
	}
	bt := gocv.BorderConstant
	if border == vision.BorderReplicate {
		bt = gocv.BorderReplicate
	}
	if fill == nil {
		fill = color.Black
	}
	fc := color.RGBAModel.Convert(fill).(color.RGBA)
	return e.run(func(dst *gocv.Mat) error {
		return gocv.WarpAffineWithParams(src, dst, rot, size, flags, bt, fc)
	})
}
