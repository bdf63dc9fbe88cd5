package testutil

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDocumentConfig(t *testing.T) {
	cfg := DefaultDocumentConfig()
	assert.Equal(t, MediumSize, cfg.Canvas)
	assert.True(t, cfg.Checkerboard)
	assert.InDelta(t, 0.0, cfg.Tilt, 0.0001)
	assert.NotEmpty(t, cfg.Lines)
}

func TestGenerateDocumentKeepsCanvasSize(t *testing.T) {
	for _, tilt := range []float64{0, 10, -10, 30} {
		cfg := DefaultDocumentConfig()
		cfg.Tilt = tilt

		img, err := GenerateDocument(cfg)
		require.NoError(t, err)
		assert.Equal(t, MediumSize.Width, img.Bounds().Dx())
		assert.Equal(t, MediumSize.Height, img.Bounds().Dy())
	}
}

func TestGenerateDocumentCenterIsPaper(t *testing.T) {
	cfg := DefaultDocumentConfig()
	cfg.Lines = nil
	cfg.Tilt = 10

	img, err := GenerateDocument(cfg)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(MediumSize.Width/2, MediumSize.Height/2))
}

func TestGenerateDocumentRejectsOversizedPage(t *testing.T) {
	cfg := DefaultDocumentConfig()
	cfg.Page = ImageSize{1000, 1000}

	_, err := GenerateDocument(cfg)
	require.Error(t, err)
}

func TestCheckerboard(t *testing.T) {
	img := Checkerboard(4, 4)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(1, 0))
	assert.Equal(t, 8, CountWhite(img))
}

func TestWhitePage(t *testing.T) {
	img := WhitePage(16)
	assert.Equal(t, 256, CountWhite(img))
}

func TestEncodeRoundTrip(t *testing.T) {
	src := WhitePage(8)

	decoded, format, err := image.Decode(bytes.NewReader(EncodePNG(t, src)))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.True(t, CompareImages(src, decoded, 0))

	_, format, err = image.Decode(bytes.NewReader(EncodeJPEG(t, src)))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestLoadImageFile(t *testing.T) {
	img := Checkerboard(10, 10)
	path := WriteTempFile(t, "board.png", EncodePNG(t, img))

	loaded, err := LoadImageFile(path)
	require.NoError(t, err)
	assert.True(t, CompareImages(img, loaded, 0))
}

func TestLoadImageFileMissing(t *testing.T) {
	_, err := LoadImageFile("/non/existent.png")
	require.Error(t, err)
}

func TestCompareImagesDifferentSizes(t *testing.T) {
	assert.False(t, CompareImages(WhitePage(4), WhitePage(5), 1))
	assert.False(t, CompareImages(WhitePage(4), CreateTestImage(4, 4, color.Black), 0.1))
}
