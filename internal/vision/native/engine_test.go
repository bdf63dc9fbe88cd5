package native

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

func grayMat(t *testing.T, e *Engine, w, h int, fill func(x, y int) uint8) vision.Mat {
	t.Helper()
	m := e.newMat(h, w, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m.pix[y*w+x] = fill(x, y)
		}
	}
	return m
}

func solid(v uint8) func(x, y int) uint8 {
	return func(int, int) uint8 { return v }
}

func TestFactory(t *testing.T) {
	eng, err := Factory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Name, eng.Name())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Factory(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromImageToImageRoundTrip(t *testing.T) {
	e := New()
	src := image.NewRGBA(image.Rect(0, 0, 4, 3))
	src.Set(1, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	m, err := e.FromImage(src)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 3, m.Rows())
	assert.Equal(t, 4, m.Cols())
	assert.Equal(t, 4, m.Channels())

	img, err := e.ToImage(m)
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 2).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestFromImageOffsetBounds(t *testing.T) {
	e := New()
	src := image.NewGray(image.Rect(5, 5, 9, 8))
	src.SetGray(5, 5, color.Gray{Y: 200})

	m, err := e.FromImage(src)
	require.NoError(t, err)
	defer m.Close()
	gray, err := e.CvtColor(m, vision.ColorRGBAToGray)
	require.NoError(t, err)
	defer gray.Close()
	assert.Equal(t, uint8(200), gray.(*mat).at(0, 0))
}

func TestFromImageRejectsEmpty(t *testing.T) {
	e := New()
	_, err := e.FromImage(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
	_, err = e.FromImage(nil)
	assert.Error(t, err)
}

func TestCvtColorGrayWeights(t *testing.T) {
	e := New()
	src := image.NewRGBA(image.Rect(0, 0, 1, 1))
	src.Set(0, 0, color.RGBA{R: 255, A: 255})
	m, err := e.FromImage(src)
	require.NoError(t, err)
	defer m.Close()

	gray, err := e.CvtColor(m, vision.ColorRGBAToGray)
	require.NoError(t, err)
	defer gray.Close()
	assert.Equal(t, 1, gray.Channels())
	// 0.299 * 255 = 76.2
	assert.Equal(t, uint8(76), gray.(*mat).at(0, 0))

	back, err := e.CvtColor(gray, vision.ColorGrayToRGBA)
	require.NoError(t, err)
	defer back.Close()
	assert.Equal(t, []uint8{76, 76, 76, 255}, back.(*mat).pix)
}

func TestCvtColorChannelMismatch(t *testing.T) {
	e := New()
	g := grayMat(t, e, 2, 2, solid(0))
	defer g.Close()
	_, err := e.CvtColor(g, vision.ColorRGBAToGray)
	assert.Error(t, err)
}

func TestGaussianBlurKeepsUniform(t *testing.T) {
	e := New()
	g := grayMat(t, e, 9, 9, solid(128))
	defer g.Close()

	out, err := e.GaussianBlur(g, image.Pt(5, 5), 0)
	require.NoError(t, err)
	defer out.Close()
	for _, v := range out.(*mat).pix {
		assert.InDelta(t, 128, int(v), 1)
	}

	_, err = e.GaussianBlur(g, image.Pt(4, 4), 0)
	assert.Error(t, err)
}

func TestAdaptiveThresholdUniformIsForeground(t *testing.T) {
	e := New()
	for _, v := range []uint8{0, 128, 255} {
		g := grayMat(t, e, 20, 20, solid(v))
		bin, err := e.AdaptiveThreshold(g, 255, vision.AdaptiveGaussian, vision.ThresholdBinary, 15, 15)
		require.NoError(t, err)
		for _, p := range bin.(*mat).pix {
			require.Equal(t, uint8(255), p, "uniform %d", v)
		}
		_ = bin.Close()
		_ = g.Close()
	}
}

func TestAdaptiveThresholdDarkStrokeOnWhite(t *testing.T) {
	e := New()
	g := grayMat(t, e, 30, 30, func(x, y int) uint8 {
		if x == 15 {
			return 0
		}
		return 255
	})
	defer g.Close()

	bin, err := e.AdaptiveThreshold(g, 255, vision.AdaptiveGaussian, vision.ThresholdBinary, 15, 15)
	require.NoError(t, err)
	defer bin.Close()
	m := bin.(*mat)
	assert.Equal(t, uint8(0), m.at(15, 10))
	assert.Equal(t, uint8(255), m.at(3, 10))

	inv, err := e.AdaptiveThreshold(g, 255, vision.AdaptiveMean, vision.ThresholdBinaryInv, 15, 15)
	require.NoError(t, err)
	defer inv.Close()
	assert.Equal(t, uint8(255), inv.(*mat).at(15, 10))
	assert.Equal(t, uint8(0), inv.(*mat).at(3, 10))
}

func TestAdaptiveThresholdRejectsEvenBlock(t *testing.T) {
	e := New()
	g := grayMat(t, e, 5, 5, solid(0))
	defer g.Close()
	_, err := e.AdaptiveThreshold(g, 255, vision.AdaptiveGaussian, vision.ThresholdBinary, 4, 2)
	assert.Error(t, err)
}

func TestSauvolaWhitePage(t *testing.T) {
	e := New()
	g := grayMat(t, e, 16, 16, solid(255))
	defer g.Close()
	bin, err := e.Sauvola(g, 0.3, 8)
	require.NoError(t, err)
	defer bin.Close()
	assert.Equal(t, 16, bin.Cols())
	for _, p := range bin.(*mat).pix {
		require.Equal(t, uint8(255), p)
	}
}

func TestMorphologyOpenRemovesSpecks(t *testing.T) {
	e := New()
	g := grayMat(t, e, 10, 10, func(x, y int) uint8 {
		switch {
		case x == 2 && y == 2:
			return 255 // single-pixel speck
		case x >= 5 && x <= 8 && y >= 5 && y <= 8:
			return 255 // 4x4 block
		}
		return 0
	})
	defer g.Close()

	out, err := e.MorphologyEx(g, vision.MorphOpen, image.Pt(2, 2))
	require.NoError(t, err)
	defer out.Close()
	m := out.(*mat)
	assert.Equal(t, uint8(0), m.at(2, 2))
	for y := 5; y <= 8; y++ {
		for x := 5; x <= 8; x++ {
			assert.Equal(t, uint8(255), m.at(x, y), "block pixel (%d,%d)", x, y)
		}
	}
	assert.Equal(t, uint8(0), m.at(9, 9))
}

func TestMorphologyCheckerboardOpensToBlack(t *testing.T) {
	e := New()
	g := grayMat(t, e, 12, 12, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 255
		}
		return 0
	})
	defer g.Close()
	out, err := e.MorphologyEx(g, vision.MorphOpen, image.Pt(2, 2))
	require.NoError(t, err)
	defer out.Close()
	for _, p := range out.(*mat).pix {
		require.Equal(t, uint8(0), p)
	}
}

func TestMorphologyErodeDilateClose(t *testing.T) {
	e := New()
	g := grayMat(t, e, 5, 5, func(x, y int) uint8 {
		if x == 2 && y == 2 {
			return 0
		}
		return 255
	})
	defer g.Close()

	closed, err := e.MorphologyEx(g, vision.MorphClose, image.Pt(3, 3))
	require.NoError(t, err)
	defer closed.Close()
	assert.Equal(t, uint8(255), closed.(*mat).at(2, 2))

	eroded, err := e.MorphologyEx(g, vision.MorphErode, image.Pt(3, 3))
	require.NoError(t, err)
	defer eroded.Close()
	assert.Equal(t, uint8(0), eroded.(*mat).at(1, 1))
	assert.Equal(t, uint8(255), eroded.(*mat).at(4, 4))

	_, err = e.MorphologyEx(g, vision.MorphDilate, image.Pt(0, 3))
	assert.Error(t, err)
}

func TestFindContoursNone(t *testing.T) {
	e := New()
	g := grayMat(t, e, 8, 8, solid(0))
	defer g.Close()
	cs, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestFindContoursFrameOfFullImage(t *testing.T) {
	e := New()
	g := grayMat(t, e, 10, 6, solid(255))
	defer g.Close()
	cs, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.ElementsMatch(t, vision.Contour{{0, 0}, {9, 0}, {9, 5}, {0, 5}}, cs[0])
	assert.InDelta(t, 45.0, e.ContourArea(cs[0]), 1e-9)

	rr := e.MinAreaRect(cs[0])
	assert.InDelta(t, -90.0, rr.Angle, 1e-9)
	assert.InDelta(t, 4.5, rr.Center.X, 1e-9)
	assert.InDelta(t, 2.5, rr.Center.Y, 1e-9)
}

func TestFindContoursSeparateComponents(t *testing.T) {
	e := New()
	g := grayMat(t, e, 20, 10, func(x, y int) uint8 {
		if (x >= 1 && x <= 3 && y >= 1 && y <= 3) || (x >= 8 && x <= 17 && y >= 2 && y <= 7) {
			return 255
		}
		return 0
	})
	defer g.Close()
	cs, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.InDelta(t, 4.0, e.ContourArea(cs[0]), 1e-9)
	assert.InDelta(t, 45.0, e.ContourArea(cs[1]), 1e-9)
}

func TestFindContoursChainApproxNoneKeepsAllPoints(t *testing.T) {
	e := New()
	g := grayMat(t, e, 5, 5, func(x, y int) uint8 {
		if x >= 1 && x <= 3 && y >= 1 && y <= 3 {
			return 255
		}
		return 0
	})
	defer g.Close()
	cs, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxNone)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Len(t, cs[0], 8)

	simple, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	assert.Len(t, simple[0], 4)
}

func TestFindContoursExternalDropsIslandInHole(t *testing.T) {
	e := New()
	g := grayMat(t, e, 12, 12, func(x, y int) uint8 {
		ring := x >= 1 && x <= 10 && y >= 1 && y <= 10 && (x <= 2 || x >= 9 || y <= 2 || y >= 9)
		island := x >= 5 && x <= 6 && y >= 5 && y <= 6
		if ring || island {
			return 255
		}
		return 0
	})
	defer g.Close()

	list, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	ext, err := e.FindContours(g, vision.RetrievalExternal, vision.ChainApproxSimple)
	require.NoError(t, err)
	assert.Len(t, ext, 1)
}

func TestSinglePixelAndLineContours(t *testing.T) {
	e := New()
	g := grayMat(t, e, 10, 3, func(x, y int) uint8 {
		if y == 1 && (x == 0 || (x >= 3 && x <= 8)) {
			return 255
		}
		return 0
	})
	defer g.Close()
	cs, err := e.FindContours(g, vision.RetrievalList, vision.ChainApproxSimple)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, vision.Contour{{0, 1}}, cs[0])
	assert.Equal(t, vision.Contour{{3, 1}, {8, 1}}, cs[1])
	assert.Zero(t, e.ContourArea(cs[1]))
}

func TestMinAreaRectTiltedSquare(t *testing.T) {
	e := New()
	// Diamond: a square rotated 45 degrees.
	c := vision.Contour{{10, 0}, {20, 10}, {10, 20}, {0, 10}}
	rr := e.MinAreaRect(c)
	assert.InDelta(t, -45.0, rr.Angle, 1e-9)
	assert.InDelta(t, 10.0, rr.Center.X, 1e-9)
	assert.InDelta(t, 10.0, rr.Center.Y, 1e-9)
	assert.InDelta(t, 200.0, rr.Width*rr.Height, 1e-6)
}

func TestMinAreaRectEdgeAngleSign(t *testing.T) {
	e := New()
	// Long edge rising to the right on screen: direction (cos, -sin) of 10 degrees.
	c := vision.Contour{{0, 18}, {100, 0}, {104, 22}, {4, 40}}
	rr := e.MinAreaRect(c)
	assert.Less(t, rr.Angle, 0.0)
	assert.GreaterOrEqual(t, rr.Angle, -90.0)
	assert.InDelta(t, -10.2, rr.Angle, 0.5)
}

func TestRotationMatrixIdentityWarp(t *testing.T) {
	e := New()
	g := grayMat(t, e, 7, 5, func(x, y int) uint8 { return uint8(x*30 + y) })
	defer g.Close()

	rot, err := e.RotationMatrix2D(vision.Point2f{X: 3.5, Y: 2.5}, 0, 1)
	require.NoError(t, err)
	defer rot.Close()

	out, err := e.WarpAffine(g, rot, image.Pt(7, 5), vision.InterpolationLinear, vision.BorderConstant, vision.White)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, g.(*mat).pix, out.(*mat).pix)
}

func TestWarpAffineFillsWhiteOutside(t *testing.T) {
	e := New()
	g := grayMat(t, e, 20, 20, solid(0))
	defer g.Close()

	rot, err := e.RotationMatrix2D(vision.Point2f{X: 10, Y: 10}, 30, 1)
	require.NoError(t, err)
	defer rot.Close()
	out, err := e.WarpAffine(g, rot, image.Pt(20, 20), vision.InterpolationLinear, vision.BorderConstant, vision.White)
	require.NoError(t, err)
	defer out.Close()
	m := out.(*mat)
	assert.Equal(t, uint8(255), m.at(0, 0))
	assert.Equal(t, uint8(0), m.at(10, 10))
}

func TestRotationDirectionCounterClockwise(t *testing.T) {
	e := New()
	// A single bright pixel right of center moves up on screen for +90.
	g := grayMat(t, e, 21, 21, func(x, y int) uint8 {
		if x == 15 && y == 10 {
			return 255
		}
		return 0
	})
	defer g.Close()
	rot, err := e.RotationMatrix2D(vision.Point2f{X: 10, Y: 10}, 90, 1)
	require.NoError(t, err)
	defer rot.Close()
	out, err := e.WarpAffine(g, rot, image.Pt(21, 21), vision.InterpolationNearest, vision.BorderConstant, color.Black)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, uint8(255), out.(*mat).at(10, 5))
}

func TestWarpAffineRejectsPixelMatrix(t *testing.T) {
	e := New()
	g := grayMat(t, e, 3, 3, solid(0))
	defer g.Close()
	_, err := e.WarpAffine(g, g, image.Pt(3, 3), vision.InterpolationLinear, vision.BorderConstant, vision.White)
	assert.Error(t, err)
}

func TestLedgerBalancedAfterClose(t *testing.T) {
	e := New()
	g := grayMat(t, e, 4, 4, solid(255))
	c, err := e.Clone(g)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Stats().Live())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close()) // second close is a no-op
	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), e.Stats().Live())
	assert.Equal(t, int64(2), e.Stats().Allocated)
}

func TestUseAfterCloseAndForeignMat(t *testing.T) {
	e := New()
	other := New()
	g := grayMat(t, e, 2, 2, solid(0))
	require.NoError(t, g.Close())
	_, err := e.Clone(g)
	assert.ErrorIs(t, err, vision.ErrReleased)

	f := grayMat(t, other, 2, 2, solid(0))
	defer f.Close()
	_, err = e.Clone(f)
	assert.ErrorIs(t, err, vision.ErrForeignMat)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	e := New()
	require.NoError(t, e.Close())
	_, err := e.FromImage(image.NewGray(image.Rect(0, 0, 1, 1)))
	assert.Error(t, err)
}
