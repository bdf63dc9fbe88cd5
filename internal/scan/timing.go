package scan

import (
	"fmt"
	"time"
)

// StageTiming is the wall time spent in one pipeline stage.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ns"`
}

// String returns "stage: duration".
func (s StageTiming) String() string {
	return fmt.Sprintf("%s: %v", s.Stage, s.Duration)
}

// stageTimer measures one named stage.
type stageTimer struct {
	name  string
	start time.Time
}

func startStage(name string) stageTimer {
	return stageTimer{name: name, start: time.Now()}
}

func (t stageTimer) stop() StageTiming {
	return StageTiming{Stage: t.name, Duration: time.Since(t.start)}
}

// Total sums stage durations.
func Total(timings []StageTiming) time.Duration {
	var d time.Duration
	for _, t := range timings {
		d += t.Duration
	}
	return d
}
