// Package scan runs the scanned-document pipeline: grayscale, adaptive
// threshold, morphological opening and contour-based deskew, on top of a
// vision engine.
package scan

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"

	"golang.org/x/image/draw"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// Output is the result of one successful run.
type Output struct {
	Image   *image.RGBA   `json:"-"`
	Deskew  DeskewResult  `json:"deskew"`
	Timings []StageTiming `json:"timings"`
	Preset  string        `json:"preset"`
	Engine  string        `json:"engine"`
}

// Runner executes the fixed pipeline with one preset. A Runner is safe for
// concurrent use; MaxConcurrent bounds how many runs execute at once.
type Runner struct {
	preset Preset
	sem    chan struct{}
}

// NewRunner validates p and returns a runner allowing maxConcurrent
// simultaneous runs (NumCPU when <= 0).
func NewRunner(p Preset, maxConcurrent int) (*Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preset %s: %w", p.Name, err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Runner{preset: p, sem: make(chan struct{}, maxConcurrent)}, nil
}

// Preset returns the runner's parameters.
func (r *Runner) Preset() Preset { return r.preset }

// Run processes src on eng. The result has the same dimensions as src.
// Every engine buffer is released before Run returns, whatever the
// outcome. Stage failures and panics are reported as *StageError wrapping
// ErrProcessing; cancellation returns the context error.
func (r *Runner) Run(ctx context.Context, eng vision.Engine, src image.Image) (out *Output, err error) {
	if src == nil || src.Bounds().Empty() {
		return nil, &StageError{Stage: StageUpload, Err: fmt.Errorf("empty image")}
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("scan not started: %w", ctx.Err())
	}

	sc := &scope{}
	current := StageUpload
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Scan pipeline panicked", "stage", current, "panic", rec)
			out, err = nil, &StageError{Stage: current, Err: fmt.Errorf("panic: %v", rec)}
		}
		if cerr := sc.Close(); cerr != nil {
			slog.Warn("Failed to release engine buffers", "error", cerr)
			if err == nil {
				out, err = nil, &StageError{Stage: StageRender, Err: cerr}
			}
		}
	}()

	res := &Output{Preset: r.preset.Name, Engine: eng.Name()}
	step := func(name string, fn func() (vision.Mat, error)) (vision.Mat, error) {
		current = name
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("scan cancelled before %s: %w", name, cerr)
		}
		t := startStage(name)
		m, ferr := fn()
		if ferr != nil {
			return nil, &StageError{Stage: name, Err: ferr}
		}
		sc.track(m)
		timing := t.stop()
		res.Timings = append(res.Timings, timing)
		slog.Debug("Scan stage done", "stage", name, "duration", timing.Duration)
		return m, nil
	}

	rgba, err := step(StageUpload, func() (vision.Mat, error) { return eng.FromImage(src) })
	if err != nil {
		return nil, err
	}
	gray, err := step(StageGrayscale, func() (vision.Mat, error) {
		return eng.CvtColor(rgba, vision.ColorRGBAToGray)
	})
	if err != nil {
		return nil, err
	}
	if r.preset.BlurKernel > 0 {
		k := image.Pt(r.preset.BlurKernel, r.preset.BlurKernel)
		gray, err = step(StageBlur, func() (vision.Mat, error) { return eng.GaussianBlur(gray, k, 0) })
		if err != nil {
			return nil, err
		}
	}
	bin, err := step(StageThreshold, func() (vision.Mat, error) { return r.binarize(eng, gray) })
	if err != nil {
		return nil, err
	}
	opened, err := step(StageMorph, func() (vision.Mat, error) {
		return eng.MorphologyEx(bin, vision.MorphOpen, r.preset.MorphKernel)
	})
	if err != nil {
		return nil, err
	}
	deskewed, err := step(StageDeskew, func() (vision.Mat, error) {
		m, dr, derr := Deskew(eng, opened)
		res.Deskew = dr
		return m, derr
	})
	if err != nil {
		return nil, err
	}
	final, err := step(StageRender, func() (vision.Mat, error) {
		return eng.CvtColor(deskewed, vision.ColorGrayToRGBA)
	})
	if err != nil {
		return nil, err
	}

	img, err := eng.ToImage(final)
	if err != nil {
		return nil, &StageError{Stage: StageRender, Err: err}
	}
	res.Image = toRGBA(img)

	slog.Debug("Scan finished",
		"engine", res.Engine,
		"preset", res.Preset,
		"contours", res.Deskew.Contours,
		"angle", res.Deskew.Angle,
		"duration", Total(res.Timings))
	return res, nil
}

func (r *Runner) binarize(eng vision.Engine, gray vision.Mat) (vision.Mat, error) {
	p := r.preset
	if p.Binarization == BinarizeSauvola {
		if b, ok := eng.(vision.Binarizer); ok {
			return b.Sauvola(gray, p.SauvolaK, p.SauvolaWindow)
		}
		slog.Warn("Engine has no Sauvola support, using Gaussian adaptive threshold", "engine", eng.Name())
		d := GaussianPreset()
		return eng.AdaptiveThreshold(gray, d.MaxValue, d.Method, vision.ThresholdBinary, d.BlockSize, d.Offset)
	}
	return eng.AdaptiveThreshold(gray, p.MaxValue, p.Method, vision.ThresholdBinary, p.BlockSize, p.Offset)
}

// toRGBA returns img as an *image.RGBA anchored at the origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Steps names what the pipeline did, for display.
func (o *Output) Steps() []string {
	steps := []string{"Grayscale"}
	for _, t := range o.Timings {
		if t.Stage == StageBlur {
			steps = append(steps, "Blurred")
		}
	}
	steps = append(steps, "Contrast Enhanced", "Noise Reduced")
	if o.Deskew.Rotated {
		steps = append(steps, "Deskewed")
	}
	return steps
}
