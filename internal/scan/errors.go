package scan

import (
	"errors"
	"fmt"
)

// ErrProcessing is the umbrella error for any failed pipeline stage.
var ErrProcessing = errors.New("processing failed")

// Stage names used in errors, timings and logs.
const (
	StageUpload    = "upload"
	StageGrayscale = "grayscale"
	StageBlur      = "blur"
	StageThreshold = "threshold"
	StageMorph     = "morphology"
	StageDeskew    = "deskew"
	StageRender    = "render"
)

// StageError records the stage that failed. It matches both ErrProcessing
// and the underlying cause with errors.Is.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("scan stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrProcessing, e.Err}
}
