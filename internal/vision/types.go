// Package vision defines the image-processing engine contract used by the
// scan pipeline, the readiness handle that wraps asynchronous engine
// initialization, and the buffer ledger shared by all backends.
//
// Two backends implement Engine: the pure-Go backend in vision/native and
// an OpenCV backend in vision/opencv that is only linked when building
// with the `gocv` tag.
package vision

import (
	"errors"
	"image"
	"image/color"
)

var (
	// ErrEngineUnavailable reports that the engine failed to initialize or
	// did not become ready before the configured timeout.
	ErrEngineUnavailable = errors.New("vision engine unavailable")

	// ErrReleased is returned when a buffer is used after Close.
	ErrReleased = errors.New("vision: buffer already released")

	// ErrForeignMat is returned when a Mat created by one engine is passed
	// to another.
	ErrForeignMat = errors.New("vision: mat does not belong to this engine")
)

// Mat is an engine-owned pixel buffer. Every Mat returned by an Engine
// must be closed exactly once.
type Mat interface {
	Rows() int
	Cols() int
	Channels() int
	Close() error
}

// ColorConversion selects a color space conversion.
type ColorConversion int

const (
	ColorRGBAToGray ColorConversion = iota
	ColorGrayToRGBA
)

// AdaptiveMethod selects how the local threshold is computed.
type AdaptiveMethod int

const (
	// AdaptiveMean uses the unweighted mean of the block.
	AdaptiveMean AdaptiveMethod = iota
	// AdaptiveGaussian uses a Gaussian-weighted mean of the block.
	AdaptiveGaussian
)

// ThresholdType selects the binary output polarity.
type ThresholdType int

const (
	// ThresholdBinary sets pixels above the local threshold to maxValue.
	ThresholdBinary ThresholdType = iota
	// ThresholdBinaryInv sets pixels above the local threshold to zero.
	ThresholdBinaryInv
)

// MorphOp is a morphological operation.
type MorphOp int

const (
	MorphErode MorphOp = iota
	MorphDilate
	MorphOpen
	MorphClose
)

// String returns the lowercase name of the operation.
func (op MorphOp) String() string {
	switch op {
	case MorphErode:
		return "erode"
	case MorphDilate:
		return "dilate"
	case MorphOpen:
		return "open"
	case MorphClose:
		return "close"
	default:
		return "unknown"
	}
}

// RetrievalMode controls which contours FindContours reports.
type RetrievalMode int

const (
	// RetrievalExternal reports only outermost contours.
	RetrievalExternal RetrievalMode = iota
	// RetrievalList reports every contour without hierarchy.
	RetrievalList
)

// ChainApprox controls contour point compression.
type ChainApprox int

const (
	// ChainApproxNone keeps every boundary point.
	ChainApproxNone ChainApprox = iota
	// ChainApproxSimple drops points on straight horizontal, vertical and
	// diagonal runs, keeping only their end points.
	ChainApproxSimple
)

// Interpolation selects the resampling kernel for warps.
type Interpolation int

const (
	InterpolationNearest Interpolation = iota
	InterpolationLinear
)

// BorderMode selects how pixels outside the source are filled.
type BorderMode int

const (
	// BorderConstant fills with the supplied color.
	BorderConstant BorderMode = iota
	// BorderReplicate repeats the nearest edge pixel.
	BorderReplicate
)

// Contour is a closed boundary in pixel coordinates.
type Contour []image.Point

// Point2f is a sub-pixel position.
type Point2f struct {
	X float64
	Y float64
}

// RotatedRect is the minimum-area rectangle enclosing a contour.
//
// Angle is in degrees in the range [-90, 0). It is the angle of one
// rectangle edge measured in image coordinates (y grows downward); an
// axis-aligned rectangle reports -90.
type RotatedRect struct {
	Center Point2f
	Width  float64
	Height float64
	Angle  float64
}

// BufferStats counts engine buffer allocations and releases.
type BufferStats struct {
	Allocated int64 `json:"allocated"`
	Released  int64 `json:"released"`
}

// Live returns the number of buffers not yet released.
func (s BufferStats) Live() int64 {
	return s.Allocated - s.Released
}

// White is the constant border fill used by the deskew warp.
var White = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Engine is the contract a vision backend fulfils. Operations never mutate
// their inputs; each returns a new Mat owned by the caller.
type Engine interface {
	// Name identifies the backend ("native", "opencv").
	Name() string

	FromImage(img image.Image) (Mat, error)
	// ToImage copies a 1- or 4-channel Mat into Go memory.
	ToImage(m Mat) (image.Image, error)
	Clone(m Mat) (Mat, error)

	CvtColor(src Mat, code ColorConversion) (Mat, error)
	GaussianBlur(src Mat, ksize image.Point, sigma float64) (Mat, error)
	AdaptiveThreshold(src Mat, maxValue float64, method AdaptiveMethod, typ ThresholdType, blockSize int, c float64) (Mat, error)
	// MorphologyEx applies op with a rectangular structuring element of the
	// given size, anchored at its center.
	MorphologyEx(src Mat, op MorphOp, kernel image.Point) (Mat, error)

	// FindContours traces boundaries of nonzero regions in a 1-channel Mat.
	FindContours(src Mat, mode RetrievalMode, approx ChainApprox) ([]Contour, error)
	ContourArea(c Contour) float64
	MinAreaRect(c Contour) RotatedRect

	// RotationMatrix2D returns a 2x3 affine matrix. Positive angles rotate
	// counter-clockwise as seen on screen.
	RotationMatrix2D(center Point2f, angle, scale float64) (Mat, error)
	WarpAffine(src, m Mat, size image.Point, interp Interpolation, border BorderMode, fill color.Color) (Mat, error)

	Stats() BufferStats
	Close() error
}

// Binarizer is implemented by engines that offer Sauvola binarization.
type Binarizer interface {
	Sauvola(src Mat, k float64, window int) (Mat, error)
}
