package native

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// RotationMatrix2D builds the forward affine matrix for a rotation about
// center. Positive angles are counter-clockwise on screen.
func (e *Engine) RotationMatrix2D(center vision.Point2f, angle, scale float64) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	rad := angle * math.Pi / 180
	alpha := scale * math.Cos(rad)
	beta := scale * math.Sin(rad)
	return e.newAffine([6]float64{
		alpha, beta, (1-alpha)*center.X - beta*center.Y,
		-beta, alpha, beta*center.X + (1-alpha)*center.Y,
	}), nil
}

// WarpAffine maps src through the forward matrix m into a buffer of the
// given size. Each destination pixel samples the source at the inverse
// transformed position.
func (e *Engine) WarpAffine(in, m vision.Mat, size image.Point, interp vision.Interpolation,
	border vision.BorderMode, fill color.Color,
) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	src, err := e.unwrapPixels(in, 0)
	if err != nil {
		return nil, err
	}
	am, err := e.unwrap(m)
	if err != nil {
		return nil, err
	}
	if am.affine == nil {
		return nil, errors.New("native: warp matrix is not an affine transform")
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("native: invalid warp size %v", size)
	}
	inv, ok := invertAffine(*am.affine)
	if !ok {
		return nil, errors.New("native: warp matrix is singular")
	}

	fillPx := fillPixel(fill, src.channels)
	out := e.newMat(size.Y, size.X, src.channels)
	s := sampler{m: src, border: border, fill: fillPx}
	ch := src.channels
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			fx := inv[0]*float64(x) + inv[1]*float64(y) + inv[2]
			fy := inv[3]*float64(x) + inv[4]*float64(y) + inv[5]
			o := (y*size.X + x) * ch
			if interp == vision.InterpolationNearest {
				s.nearest(fx, fy, out.pix[o:o+ch])
			} else {
				s.bilinear(fx, fy, out.pix[o:o+ch])
			}
		}
	}
	return out, nil
}

func invertAffine(m [6]float64) ([6]float64, bool) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < 1e-12 {
		return m, false
	}
	a := m[4] / det
	b := -m[1] / det
	c := -m[3] / det
	d := m[0] / det
	return [6]float64{
		a, b, -(a*m[2] + b*m[5]),
		c, d, -(c*m[2] + d*m[5]),
	}, true
}

func fillPixel(c color.Color, channels int) []uint8 {
	if c == nil {
		c = color.Black
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	if channels == 1 {
		return []uint8{color.GrayModel.Convert(c).(color.Gray).Y}
	}
	return []uint8{n.R, n.G, n.B, n.A}
}

type sampler struct {
	m      *mat
	border vision.BorderMode
	fill   []uint8
}

// pixel returns the channel values at (x, y), applying the border policy
// outside the source.
func (s sampler) pixel(x, y int) []uint8 {
	if x < 0 || y < 0 || x >= s.m.cols || y >= s.m.rows {
		if s.border == vision.BorderConstant {
			return s.fill
		}
		x = clampInt(x, 0, s.m.cols-1)
		y = clampInt(y, 0, s.m.rows-1)
	}
	o := (y*s.m.cols + x) * s.m.channels
	return s.m.pix[o : o+s.m.channels]
}

func (s sampler) nearest(fx, fy float64, dst []uint8) {
	copy(dst, s.pixel(int(math.Round(fx)), int(math.Round(fy))))
}

// bilinear blends the four surrounding pixels; neighbors outside the
// source contribute the border value.
func (s sampler) bilinear(fx, fy float64, dst []uint8) {
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)
	c00 := s.pixel(x0, y0)
	c10 := s.pixel(x0+1, y0)
	c01 := s.pixel(x0, y0+1)
	c11 := s.pixel(x0+1, y0+1)
	for i := range dst {
		v := lerp(lerp(float64(c00[i]), float64(c10[i]), tx), lerp(float64(c01[i]), float64(c11[i]), tx), ty)
		dst[i] = uint8(math.Min(255, math.Max(0, math.Round(v))))
	}
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
