package scan

import (
	"fmt"
	"image"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// DeskewResult describes what the estimator measured and applied.
type DeskewResult struct {
	// Contours is the number of contours found in the binary image.
	Contours int `json:"contours"`
	// Rotated is false when no contour had a positive area and the input
	// was returned unchanged.
	Rotated bool `json:"rotated"`
	// Area of the dominant contour.
	Area float64 `json:"area"`
	// RawAngle is the minimum-area rectangle angle in [-90, 0).
	RawAngle float64 `json:"raw_angle"`
	// Angle is the normalized rotation passed to the warp, in [-45, 45).
	Angle float64 `json:"angle"`
}

// NormalizeAngle folds a rectangle angle from [-90, 0) into [-45, 45).
func NormalizeAngle(theta float64) float64 {
	if theta < -45 {
		return theta + 90
	}
	return theta
}

// Deskew estimates the dominant orientation of bin from its largest
// contour and rotates the image about its center to cancel it. Uncovered
// corners are filled white. With no contour of positive area the result is
// an unmodified copy. The returned Mat is owned by the caller.
func Deskew(eng vision.Engine, bin vision.Mat) (out vision.Mat, res DeskewResult, err error) {
	sc := &scope{}
	defer func() {
		if cerr := sc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("release deskew buffers: %w", cerr)
			if out != nil {
				_ = out.Close()
				out = nil
			}
		}
	}()

	contours, err := eng.FindContours(bin, vision.RetrievalList, vision.ChainApproxSimple)
	if err != nil {
		return nil, res, fmt.Errorf("find contours: %w", err)
	}
	res.Contours = len(contours)

	best := -1
	maxArea := 0.0
	for i, c := range contours {
		// Strict comparison keeps the first of equal areas.
		if a := eng.ContourArea(c); a > maxArea {
			maxArea = a
			best = i
		}
	}
	if best < 0 {
		out, err = eng.Clone(bin)
		if err != nil {
			return nil, res, fmt.Errorf("clone input: %w", err)
		}
		return out, res, nil
	}

	rect := eng.MinAreaRect(contours[best])
	res.Area = maxArea
	res.RawAngle = rect.Angle
	res.Angle = NormalizeAngle(rect.Angle)

	center := vision.Point2f{X: float64(bin.Cols()) / 2, Y: float64(bin.Rows()) / 2}
	rot, err := eng.RotationMatrix2D(center, res.Angle, 1.0)
	if err != nil {
		return nil, res, fmt.Errorf("rotation matrix: %w", err)
	}
	sc.track(rot)

	out, err = eng.WarpAffine(bin, rot, image.Pt(bin.Cols(), bin.Rows()),
		vision.InterpolationLinear, vision.BorderConstant, vision.White)
	if err != nil {
		return nil, res, fmt.Errorf("warp: %w", err)
	}
	res.Rotated = true
	return out, res, nil
}
