package scan

import (
	"errors"
	"sync"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// scope owns every engine buffer allocated during one run. Close releases
// them in reverse order and must be deferred immediately after creation.
type scope struct {
	mu   sync.Mutex
	mats []vision.Mat
}

// track registers m for release and returns it.
func (s *scope) track(m vision.Mat) vision.Mat {
	if m == nil {
		return nil
	}
	s.mu.Lock()
	s.mats = append(s.mats, m)
	s.mu.Unlock()
	return m
}

// Close releases all tracked buffers, collecting every error.
func (s *scope) Close() error {
	s.mu.Lock()
	mats := s.mats
	s.mats = nil
	s.mu.Unlock()

	var errs []error
	for i := len(mats) - 1; i >= 0; i-- {
		if err := mats[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
