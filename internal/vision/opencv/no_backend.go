//go:build !gocv

package opencv

import (
	"context"
	"errors"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// ErrNoBackend is returned by Factory when OpenCV is not compiled in.
var ErrNoBackend = errors.New("opencv: backend not linked; build with -tags=gocv")

// Available reports whether the OpenCV backend is compiled in.
func Available() bool { return false }

// Factory always fails in builds without the gocv tag.
func Factory(_ context.Context) (vision.Engine, error) {
	return nil, ErrNoBackend
}
