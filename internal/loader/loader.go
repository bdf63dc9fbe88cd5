// Package loader validates user-selected files and decodes them into
// images for the scan pipeline.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/MeKo-Tech/scanpreview/internal/blob"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
)

// Limits applied when the caller leaves them zero.
const (
	DefaultMaxPixels = 40_000_000
	DefaultMaxBytes  = 50 << 20
)

var (
	// ErrInvalidInputKind is returned for files that are not images.
	ErrInvalidInputKind = errors.New("selected file is not an image")
	// ErrDecode is returned when an image file cannot be decoded.
	ErrDecode = errors.New("image could not be decoded")
	// ErrTooLarge is returned for files over the byte or pixel limits.
	ErrTooLarge = errors.New("image too large")
)

// SupportedImageExtensions lists extensions used when no content type is
// declared and sniffing is inconclusive.
var SupportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}

// IsSupportedImage reports whether the path has a supported image extension.
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedImageExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// Error records the loader operation that failed. Decode and size
// failures also match scan.ErrProcessing.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	if errors.Is(e.Err, ErrInvalidInputKind) {
		return []error{e.Err}
	}
	return []error{scan.ErrProcessing, e.Err}
}

// FileRef is a user-selected file.
type FileRef struct {
	Name string
	// ContentType is the declared MIME type; empty means unknown.
	ContentType string
	Reader      io.Reader
}

// SourceImage is a decoded file.
type SourceImage struct {
	Name        string      `json:"name"`
	ContentType string      `json:"content_type"`
	Format      string      `json:"format"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	SizeBytes   int64       `json:"size_bytes"`
	Blob        blob.Handle `json:"blob"`
	Image       image.Image `json:"-"`
}

// Loader turns FileRefs into SourceImages.
type Loader struct {
	MaxPixels int
	MaxBytes  int64
	// Blobs, when set, receives the raw bytes of every accepted file. The
	// caller releases the handle in SourceImage.Blob.
	Blobs *blob.Store
}

// New returns a loader with default limits registering bytes in blobs.
func New(blobs *blob.Store) *Loader {
	return &Loader{MaxPixels: DefaultMaxPixels, MaxBytes: DefaultMaxBytes, Blobs: blobs}
}

// Load validates and decodes ref. A non-image fails with
// ErrInvalidInputKind before anything is decoded or stored.
func (l *Loader) Load(ref FileRef) (*SourceImage, error) {
	if ref.Reader == nil {
		return nil, &Error{Op: "read", Err: errors.New("no file")}
	}

	maxBytes := l.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(ref.Reader, maxBytes+1))
	if err != nil {
		return nil, &Error{Op: "read", Err: err}
	}
	if int64(len(data)) > maxBytes {
		return nil, &Error{Op: "read", Err: fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)}
	}

	contentType := ResolveContentType(ref.Name, ref.ContentType, data)
	if !IsImageType(contentType) {
		slog.Debug("Rejected non-image file", "name", ref.Name, "content_type", contentType)
		return nil, &Error{Op: "validate", Err: fmt.Errorf("%w: %s", ErrInvalidInputKind, contentType)}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("%w: %w", ErrDecode, err)}
	}
	maxPixels := l.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("%w: empty %dx%d image", ErrDecode, cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, &Error{Op: "validate", Err: fmt.Errorf("%w: %dx%d exceeds %d pixels",
			ErrTooLarge, cfg.Width, cfg.Height, maxPixels)}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Op: "decode", Err: fmt.Errorf("%w: %w", ErrDecode, err)}
	}

	src := &SourceImage{
		Name:        ref.Name,
		ContentType: contentType,
		Format:      format,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		SizeBytes:   int64(len(data)),
		Image:       img,
	}
	if l.Blobs != nil {
		src.Blob = l.Blobs.Put(data, contentType)
	}
	return src, nil
}

// LoadFile loads an image from disk, sniffing its type.
func (l *Loader) LoadFile(path string) (*SourceImage, error) {
	f, err := os.Open(path) //nolint:gosec // G304: Reading user-provided image file path is expected
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	defer func() { _ = f.Close() }()

	return l.Load(FileRef{Name: filepath.Base(path), Reader: f})
}

// ResolveContentType returns the declared type when present, otherwise
// the sniffed type, falling back to the file extension. A declared
// application/octet-stream counts as undeclared.
func ResolveContentType(name, declared string, data []byte) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		mt, _, err := mime.ParseMediaType(declared)
		if err != nil {
			return strings.ToLower(declared)
		}
		if mt != "application/octet-stream" {
			return mt
		}
	}
	sniffed := http.DetectContentType(data)
	if mt, _, err := mime.ParseMediaType(sniffed); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if IsSupportedImage(name) {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			mt, _, _ := mime.ParseMediaType(byExt)
			return mt
		}
	}
	return "application/octet-stream"
}

// IsImageType reports whether a MIME type is in the image/ family.
func IsImageType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}
