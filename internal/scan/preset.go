package scan

import (
	"fmt"
	"image"
	"strings"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// Pipeline constants. They are tuning policy, not derived values.
const (
	// BinaryMaxValue is the foreground value written by thresholding.
	BinaryMaxValue = 255

	// DefaultBlockSize and DefaultOffset drive the default Gaussian
	// adaptive threshold.
	DefaultBlockSize = 15
	DefaultOffset    = 15

	// BlurKernelSize, BlurredBlockSize and BlurredOffset drive the
	// blur-first preset.
	BlurKernelSize   = 5
	BlurredBlockSize = 11
	BlurredOffset    = 2

	// MorphKernelSize is the side of the square opening element.
	MorphKernelSize = 2

	// SauvolaK and SauvolaWindow drive the Sauvola preset.
	SauvolaK      = 0.3
	SauvolaWindow = 19
)

// Preset names.
const (
	PresetGaussian = "gaussian"
	PresetBlurred  = "blurred"
	PresetSauvola  = "sauvola"
)

// Binarization selects the thresholding algorithm.
type Binarization int

const (
	BinarizeAdaptive Binarization = iota
	BinarizeSauvola
)

// Preset is the full set of pipeline parameters.
type Preset struct {
	Name string

	// BlurKernel is the Gaussian blur size applied before thresholding;
	// zero disables blurring.
	BlurKernel int

	Binarization Binarization
	Method       vision.AdaptiveMethod
	BlockSize    int
	Offset       float64
	MaxValue     float64

	SauvolaK      float64
	SauvolaWindow int

	MorphKernel image.Point
}

// GaussianPreset is the default: Gaussian adaptive threshold, block 15,
// offset 15, then a 2x2 opening.
func GaussianPreset() Preset {
	return Preset{
		Name:         PresetGaussian,
		Binarization: BinarizeAdaptive,
		Method:       vision.AdaptiveGaussian,
		BlockSize:    DefaultBlockSize,
		Offset:       DefaultOffset,
		MaxValue:     BinaryMaxValue,
		MorphKernel:  image.Pt(MorphKernelSize, MorphKernelSize),
	}
}

// BlurredPreset blurs with a 5x5 Gaussian first and thresholds with a
// smaller block and offset.
func BlurredPreset() Preset {
	p := GaussianPreset()
	p.Name = PresetBlurred
	p.BlurKernel = BlurKernelSize
	p.BlockSize = BlurredBlockSize
	p.Offset = BlurredOffset
	return p
}

// SauvolaPreset binarizes with Sauvola on engines that support it.
func SauvolaPreset() Preset {
	p := GaussianPreset()
	p.Name = PresetSauvola
	p.Binarization = BinarizeSauvola
	p.SauvolaK = SauvolaK
	p.SauvolaWindow = SauvolaWindow
	return p
}

// PresetNames lists the accepted preset names.
func PresetNames() []string {
	return []string{PresetGaussian, PresetBlurred, PresetSauvola}
}

// PresetByName returns the named preset.
func PresetByName(name string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetGaussian:
		return GaussianPreset(), nil
	case PresetBlurred:
		return BlurredPreset(), nil
	case PresetSauvola:
		return SauvolaPreset(), nil
	default:
		return Preset{}, fmt.Errorf("unknown preset %q (must be one of: %s)", name, strings.Join(PresetNames(), ", "))
	}
}

// Validate checks parameter ranges.
func (p Preset) Validate() error {
	if p.BlurKernel < 0 || (p.BlurKernel > 0 && p.BlurKernel%2 == 0) {
		return fmt.Errorf("invalid blur kernel: %d (must be 0 or a positive odd number)", p.BlurKernel)
	}
	if p.BlockSize < 3 || p.BlockSize%2 == 0 {
		return fmt.Errorf("invalid block size: %d (must be odd and >= 3)", p.BlockSize)
	}
	if p.MaxValue <= 0 || p.MaxValue > 255 {
		return fmt.Errorf("invalid max value: %.0f (must be between 1 and 255)", p.MaxValue)
	}
	if p.MorphKernel.X <= 0 || p.MorphKernel.Y <= 0 {
		return fmt.Errorf("invalid morphology kernel: %v (must be positive)", p.MorphKernel)
	}
	if p.Binarization == BinarizeSauvola && p.SauvolaWindow < 3 {
		return fmt.Errorf("invalid sauvola window: %d (must be >= 3)", p.SauvolaWindow)
	}
	return nil
}
