package export

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/testutil"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatPNG, false},
		{"png", FormatPNG, false},
		{" PDF ", FormatPDF, false},
		{"tiff", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatNames(t *testing.T) {
	assert.Equal(t, "scanned-document.png", FormatPNG.FileName(""))
	assert.Equal(t, "page-scanned.pdf", FormatPDF.FileName("page-scanned"))
	assert.Equal(t, "image/png", FormatPNG.ContentType())
	assert.Equal(t, "application/pdf", FormatPDF.ContentType())
}

func TestEncodePNGPreservesPixels(t *testing.T) {
	src := testutil.Checkerboard(9, 7)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, FormatPNG))

	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 9, 7), decoded.Bounds())
	assert.True(t, testutil.CompareImages(src, decoded, 0))
}

func TestEncodePDFHasOnePage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testutil.WhitePage(50), FormatPDF))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))

	pages, err := api.PageCount(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
}

func TestEncodeUnknownFormat(t *testing.T) {
	require.Error(t, Encode(&bytes.Buffer{}, testutil.WhitePage(2), Format("gif")))
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	path, err := WriteFile(dir, FormatPNG.FileName(""), testutil.WhitePage(4), FormatPNG)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scanned-document.png"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteFileFailureLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanned-document.png")
	require.NoError(t, os.WriteFile(path, []byte("earlier scan"), 0o600))

	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	_, err := WriteFile(dir, "scanned-document.png", empty, FormatPNG)
	require.Error(t, err)

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the test
	require.NoError(t, err)
	assert.Equal(t, "earlier scan", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be removed")
}
