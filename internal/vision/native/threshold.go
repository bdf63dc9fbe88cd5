package native

import (
	"fmt"
	"math"

	"rescribe.xyz/preproc"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// AdaptiveThreshold binarizes a gray buffer against a local mean computed
// over a blockSize x blockSize neighborhood with replicated borders.
// Pixels whose value exceeds mean-c become maxValue for ThresholdBinary.
func (e *Engine) AdaptiveThreshold(in vision.Mat, maxValue float64, method vision.AdaptiveMethod,
	typ vision.ThresholdType, blockSize int, c float64,
) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	m, err := e.unwrapPixels(in, 1)
	if err != nil {
		return nil, err
	}
	if blockSize < 3 || blockSize%2 == 0 {
		return nil, fmt.Errorf("native: block size must be odd and >= 3, got %d", blockSize)
	}
	if maxValue < 0 {
		return nil, fmt.Errorf("native: negative max value %.1f", maxValue)
	}

	var kernel []float64
	switch method {
	case vision.AdaptiveGaussian:
		kernel = gaussianKernel(blockSize, 0)
	case vision.AdaptiveMean:
		kernel = boxKernel(blockSize)
	default:
		return nil, fmt.Errorf("native: unsupported adaptive method %d", method)
	}

	mean := separableFilter(m.pix, m.cols, m.rows, kernel)

	maxV := uint8(math.Min(maxValue, 255) + 0.5)
	// Integer comparison as OpenCV does: src - mean > -ceil(c) for binary,
	// src - mean <= -floor(c) for inverted.
	var idelta int
	if typ == vision.ThresholdBinary {
		idelta = int(math.Ceil(c))
	} else {
		idelta = int(math.Floor(c))
	}

	out := e.newMat(m.rows, m.cols, 1)
	for i, v := range m.pix {
		diff := int(v) - int(mean[i])
		above := diff > -idelta
		switch typ {
		case vision.ThresholdBinary:
			if above {
				out.pix[i] = maxV
			}
		case vision.ThresholdBinaryInv:
			if !above {
				out.pix[i] = maxV
			}
		default:
			_ = out.Close()
			return nil, fmt.Errorf("native: unsupported threshold type %d", typ)
		}
	}
	return out, nil
}

// Sauvola binarizes with the integral-image Sauvola method. Background
// becomes 255 and ink 0, matching ThresholdBinary polarity.
func (e *Engine) Sauvola(in vision.Mat, k float64, window int) (vision.Mat, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	m, err := e.unwrapPixels(in, 1)
	if err != nil {
		return nil, err
	}
	if window < 3 {
		return nil, fmt.Errorf("native: sauvola window must be >= 3, got %d", window)
	}
	if window%2 == 0 {
		window++
	}
	bin := preproc.IntegralSauvola(m.gray(), k, window)

	out := e.newMat(m.rows, m.cols, 1)
	b := bin.Bounds()
	for y := 0; y < m.rows; y++ {
		for x := 0; x < m.cols; x++ {
			out.pix[y*m.cols+x] = bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y
		}
	}
	return out, nil
}

// gaussianKernel returns normalized 1-D Gaussian weights. A non-positive
// sigma is derived from n.
func gaussianKernel(n int, sigma float64) []float64 {
	if sigma <= 0 {
		sigma = gaussianSigma(n)
	}
	k := make([]float64, n)
	half := n / 2
	sum := 0.0
	for i := range k {
		x := float64(i - half)
		k[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func boxKernel(n int) []float64 {
	k := make([]float64, n)
	for i := range k {
		k[i] = 1 / float64(n)
	}
	return k
}

// separableFilter convolves an 8-bit plane with kernel along both axes,
// replicating edge pixels, and rounds the result back to 8 bits.
func separableFilter(pix []uint8, w, h int, kernel []float64) []uint8 {
	half := len(kernel) / 2
	tmp := make([]float64, w*h)

	for y := 0; y < h; y++ {
		row := pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			s := 0.0
			for i, kv := range kernel {
				s += kv * float64(row[clampInt(x+i-half, 0, w-1)])
			}
			tmp[y*w+x] = s
		}
	}

	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := 0.0
			for i, kv := range kernel {
				s += kv * tmp[clampInt(y+i-half, 0, h-1)*w+x]
			}
			out[y*w+x] = uint8(math.Min(255, math.Max(0, math.Round(s))))
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
