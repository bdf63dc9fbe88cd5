package support

import (
	"context"
	"image"
	"math"
	"sync"
	"time"

	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
	"github.com/MeKo-Tech/scanpreview/internal/vision/native"
)

// heldEngine blocks the first image it receives until released.
type heldEngine struct {
	vision.Engine
	gate        chan struct{}
	entered     chan struct{}
	first       sync.Once
	releaseOnce sync.Once
}

func newHeldEngine() *heldEngine {
	return &heldEngine{
		Engine:  native.New(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
}

func (h *heldEngine) FromImage(img image.Image) (vision.Mat, error) {
	held := false
	h.first.Do(func() { held = true })
	if held {
		close(h.entered)
		<-h.gate
	}
	return h.Engine.FromImage(img)
}

// Release lets the held run continue.
func (h *heldEngine) Release() {
	h.releaseOnce.Do(func() { close(h.gate) })
}

// loadingHandle returns a handle whose engine loads once release closes.
func loadingHandle(release <-chan struct{}) *vision.Handle {
	return vision.Open(context.Background(), native.Name, func(ctx context.Context) (vision.Engine, error) {
		select {
		case <-release:
			return native.New(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, time.Minute)
}

// dominantAngle measures the normalized angle of the largest contour in a
// binary image.
func dominantAngle(img image.Image) (float64, error) {
	eng := native.New()
	defer func() { _ = eng.Close() }()

	rgba, err := eng.FromImage(img)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rgba.Close() }()
	gray, err := eng.CvtColor(rgba, vision.ColorRGBAToGray)
	if err != nil {
		return 0, err
	}
	defer func() { _ = gray.Close() }()

	contours, err := eng.FindContours(gray, vision.RetrievalList, vision.ChainApproxSimple)
	if err != nil {
		return 0, err
	}
	best, area := -1, 0.0
	for i, c := range contours {
		if a := eng.ContourArea(c); a > area {
			best, area = i, a
		}
	}
	if best < 0 {
		return math.NaN(), nil
	}
	return scan.NormalizeAngle(eng.MinAreaRect(contours[best]).Angle), nil
}
