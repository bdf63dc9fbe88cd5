package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// State is the preview lifecycle of one session.
type State int

const (
	StateIdle State = iota
	StateAwaitingEngine
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingEngine:
		return "awaiting_engine"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Terminal reports whether no further transition happens without a new
// selection.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateDone || s == StateFailed
}

// Errors callers match with errors.Is. The first three are the ones a
// user can see.
var (
	ErrInvalidInputKind  = loader.ErrInvalidInputKind
	ErrProcessing        = scan.ErrProcessing
	ErrEngineUnavailable = vision.ErrEngineUnavailable

	ErrClosed   = errors.New("session closed")
	ErrNotFound = errors.New("session not found")
)

// Error kinds reported in snapshots.
const (
	KindInvalidInput      = "invalid_input"
	KindProcessing        = "processing"
	KindEngineUnavailable = "engine_unavailable"
)

// ErrorKind classifies err for clients.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInputKind):
		return KindInvalidInput
	case errors.Is(err, ErrEngineUnavailable):
		return KindEngineUnavailable
	default:
		return KindProcessing
	}
}

// UserMessage is the text shown for err. Processing details stay in logs.
func UserMessage(err error) string {
	switch ErrorKind(err) {
	case KindInvalidInput:
		return "Please select an image file"
	case KindEngineUnavailable:
		return "Image processing engine is unavailable"
	case KindProcessing:
		return "Processing failed, try another file"
	default:
		return ""
	}
}

// SourceInfo describes the selected file.
type SourceInfo struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeBytes   int64  `json:"size_bytes"`
}

func sourceInfo(src *loader.SourceImage) *SourceInfo {
	if src == nil {
		return nil
	}
	return &SourceInfo{
		Name:        src.Name,
		ContentType: src.ContentType,
		Format:      src.Format,
		Width:       src.Width,
		Height:      src.Height,
		SizeBytes:   src.SizeBytes,
	}
}

// Snapshot is a point-in-time view of a session, safe to serialize.
type Snapshot struct {
	ID         string             `json:"id"`
	State      State              `json:"state"`
	Generation uint64             `json:"generation"`
	RunID      string             `json:"run_id,omitempty"`
	Source     *SourceInfo        `json:"source,omitempty"`
	HasResult  bool               `json:"has_result"`
	Steps      []string           `json:"steps,omitempty"`
	Deskew     *scan.DeskewResult `json:"deskew,omitempty"`
	Timings    []scan.StageTiming `json:"timings,omitempty"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Result is a published processed image.
type Result struct {
	Generation uint64
	RunID      string
	Source     SourceInfo
	Output     *scan.Output
	Steps      []string
	Finished   time.Time
}
