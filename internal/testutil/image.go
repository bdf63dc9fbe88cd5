package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

// MediumSize is the default photo canvas.
var MediumSize = ImageSize{320, 240}

// DocumentConfig describes a synthetic photographed page.
type DocumentConfig struct {
	// Canvas is the full photo size.
	Canvas ImageSize
	// Page is the paper size before tilting.
	Page ImageSize
	// Tilt rotates the page counter-clockwise, in degrees.
	Tilt float64
	// Lines of text printed on the page.
	Lines []string
	Paper color.Color
	Ink   color.Color
	// Checkerboard draws a 1px checkerboard behind the page instead of a
	// flat dark background.
	Checkerboard bool
}

// DefaultDocumentConfig returns an untilted page on a checkerboard.
func DefaultDocumentConfig() DocumentConfig {
	return DocumentConfig{
		Canvas:       MediumSize,
		Page:         ImageSize{160, 110},
		Lines:        []string{"INVOICE 2024-117", "Total due: 42.00", "Thank you"},
		Paper:        color.White,
		Ink:          color.Black,
		Checkerboard: true,
	}
}

// GenerateDocument renders a page onto a background and returns the photo.
func GenerateDocument(cfg DocumentConfig) (*image.RGBA, error) {
	if cfg.Page.Width <= 0 || cfg.Page.Height <= 0 {
		return nil, fmt.Errorf("invalid page size %dx%d", cfg.Page.Width, cfg.Page.Height)
	}
	if cfg.Canvas.Width < cfg.Page.Width || cfg.Canvas.Height < cfg.Page.Height {
		return nil, fmt.Errorf("page %dx%d does not fit canvas %dx%d",
			cfg.Page.Width, cfg.Page.Height, cfg.Canvas.Width, cfg.Canvas.Height)
	}

	var canvas *image.RGBA
	if cfg.Checkerboard {
		canvas = Checkerboard(cfg.Canvas.Width, cfg.Canvas.Height)
	} else {
		canvas = CreateTestImage(cfg.Canvas.Width, cfg.Canvas.Height, color.RGBA{40, 40, 40, 255})
	}

	page := image.NewNRGBA(image.Rect(0, 0, cfg.Page.Width, cfg.Page.Height))
	draw.Draw(page, page.Bounds(), &image.Uniform{cfg.Paper}, image.Point{}, draw.Src)
	drawLines(page, cfg.Lines, cfg.Ink)

	var placed image.Image = page
	if cfg.Tilt != 0 {
		placed = imaging.Rotate(page, cfg.Tilt, color.Transparent)
	}

	b := placed.Bounds()
	offset := image.Pt((cfg.Canvas.Width-b.Dx())/2, (cfg.Canvas.Height-b.Dy())/2)
	draw.Draw(canvas, b.Sub(b.Min).Add(offset), placed, b.Min, draw.Over)
	return canvas, nil
}

func drawLines(dst draw.Image, lines []string, ink color.Color) {
	if len(lines) == 0 {
		return
	}
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: &image.Uniform{ink}, Face: face}
	lineHeight := face.Metrics().Height.Ceil() + 4
	y := 20
	for _, line := range lines {
		if y >= dst.Bounds().Dy()-4 {
			break
		}
		drawer.Dot = fixed.P(10, y)
		drawer.DrawString(line)
		y += lineHeight
	}
}

// Checkerboard returns a 1px black and white checkerboard.
func Checkerboard(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

// CreateTestImage creates a simple test image with the specified dimensions and color.
func CreateTestImage(width, height int, backgroundColor color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)
	return img
}

// WhitePage returns a plain white square.
func WhitePage(side int) *image.RGBA {
	return CreateTestImage(side, side, color.White)
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// EncodeJPEG encodes img as JPEG bytes at quality 95.
func EncodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// CompareImages reports whether two images have the same bounds and a mean
// normalized color distance within tolerance.
func CompareImages(img1, img2 image.Image, tolerance float64) bool {
	bounds1 := img1.Bounds()
	bounds2 := img2.Bounds()

	if bounds1.Dx() != bounds2.Dx() || bounds1.Dy() != bounds2.Dy() {
		return false
	}

	var totalDiff float64
	var pixelCount float64

	for y := 0; y < bounds1.Dy(); y++ {
		for x := 0; x < bounds1.Dx(); x++ {
			r1, g1, b1, a1 := img1.At(bounds1.Min.X+x, bounds1.Min.Y+y).RGBA()
			r2, g2, b2, a2 := img2.At(bounds2.Min.X+x, bounds2.Min.Y+y).RGBA()

			dr := float64(r1) - float64(r2)
			dg := float64(g1) - float64(g2)
			db := float64(b1) - float64(b2)
			da := float64(a1) - float64(a2)

			totalDiff += math.Sqrt(dr*dr + dg*dg + db*db + da*da)
			pixelCount++
		}
	}

	avgDiff := totalDiff / pixelCount
	maxDiff := math.Sqrt(4 * 65535 * 65535)

	return (avgDiff / maxDiff) <= tolerance
}

// CountWhite returns how many pixels of img are pure white.
func CountWhite(img image.Image) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r == 0xffff && g == 0xffff && bl == 0xffff {
				n++
			}
		}
	}
	return n
}

// LoadImageFile loads an image from the specified path (non-testing version).
func LoadImageFile(path string) (image.Image, error) {
	file, err := os.Open(path) //nolint:gosec // G304: Opening user-provided image file is expected
	if err != nil {
		return nil, fmt.Errorf("failed to open image file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}
