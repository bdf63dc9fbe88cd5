package scan

import (
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

func TestGaussianPresetDefaults(t *testing.T) {
	p := GaussianPreset()
	assert.Equal(t, vision.AdaptiveGaussian, p.Method)
	assert.Equal(t, 15, p.BlockSize)
	assert.InDelta(t, 15.0, p.Offset, 1e-9)
	assert.InDelta(t, 255.0, p.MaxValue, 1e-9)
	assert.Equal(t, image.Pt(2, 2), p.MorphKernel)
	assert.Zero(t, p.BlurKernel)
	require.NoError(t, p.Validate())
}

func TestPresetByName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", PresetGaussian},
		{"gaussian", PresetGaussian},
		{" Blurred ", PresetBlurred},
		{"SAUVOLA", PresetSauvola},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := PresetByName(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name)
			require.NoError(t, p.Validate())
		})
	}

	_, err := PresetByName("otsu")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gaussian, blurred, sauvola")
}

func TestPresetValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Preset)
		errMsg string
	}{
		{"even blur", func(p *Preset) { p.BlurKernel = 4 }, "blur kernel"},
		{"negative blur", func(p *Preset) { p.BlurKernel = -1 }, "blur kernel"},
		{"tiny block", func(p *Preset) { p.BlockSize = 1 }, "block size"},
		{"zero max", func(p *Preset) { p.MaxValue = 0 }, "max value"},
		{"flat kernel", func(p *Preset) { p.MorphKernel = image.Pt(2, 0) }, "morphology kernel"},
		{"sauvola window", func(p *Preset) { p.Binarization = BinarizeSauvola; p.SauvolaWindow = 1 }, "sauvola window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := GaussianPreset()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestStageErrorMatchesBoth(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", &StageError{Stage: StageThreshold, Err: cause})

	assert.ErrorIs(t, err, ErrProcessing)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "wrapped: scan stage threshold: boom", err.Error())
}

func TestStageTimingString(t *testing.T) {
	assert.Equal(t, "deskew: 0s", StageTiming{Stage: StageDeskew}.String())
	assert.Zero(t, Total(nil))
}
