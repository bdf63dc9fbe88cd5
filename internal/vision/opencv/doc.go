// Package opencv provides the OpenCV-backed vision engine via gocv.
//
// The default build links no OpenCV code so the module builds without cgo
// or a system OpenCV installation; Factory then returns ErrNoBackend. Enable the
// backend with the build tag `gocv`:
//
//	go build -tags=gocv ./...
package opencv

// Name is the backend identifier used in configuration.
const Name = "opencv"
