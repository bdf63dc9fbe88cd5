package native

import (
	"fmt"
	"sync/atomic"

	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// mat is an interleaved 8-bit buffer with 1 or 4 channels, or a 2x3
// affine matrix when affine is non-nil.
type mat struct {
	owner    *Engine
	rows     int
	cols     int
	channels int
	pix      []uint8
	affine   *[6]float64
	released atomic.Bool
}

func (m *mat) Rows() int     { return m.rows }
func (m *mat) Cols() int     { return m.cols }
func (m *mat) Channels() int { return m.channels }

// Close releases the buffer. Closing twice is a no-op.
func (m *mat) Close() error {
	if m.released.Swap(true) {
		return nil
	}
	m.pix = nil
	m.owner.ledger.Release()
	return nil
}

func (m *mat) at(x, y int) uint8 {
	return m.pix[y*m.cols+x]
}

func (e *Engine) newMat(rows, cols, channels int) *mat {
	e.ledger.Alloc()
	return &mat{
		owner:    e,
		rows:     rows,
		cols:     cols,
		channels: channels,
		pix:      make([]uint8, rows*cols*channels),
	}
}

func (e *Engine) newAffine(m [6]float64) *mat {
	e.ledger.Alloc()
	return &mat{owner: e, rows: 2, cols: 3, channels: 1, affine: &m}
}

// unwrap checks ownership and liveness of an incoming Mat.
func (e *Engine) unwrap(m vision.Mat) (*mat, error) {
	nm, ok := m.(*mat)
	if !ok || nm.owner != e {
		return nil, vision.ErrForeignMat
	}
	if nm.released.Load() {
		return nil, vision.ErrReleased
	}
	return nm, nil
}

// unwrapPixels is unwrap restricted to pixel buffers with the given
// channel count (0 accepts 1 or 4).
func (e *Engine) unwrapPixels(m vision.Mat, channels int) (*mat, error) {
	nm, err := e.unwrap(m)
	if err != nil {
		return nil, err
	}
	if nm.affine != nil {
		return nil, fmt.Errorf("native: expected pixel buffer, got affine matrix")
	}
	if channels != 0 && nm.channels != channels {
		return nil, fmt.Errorf("native: expected %d channel(s), got %d", channels, nm.channels)
	}
	return nm, nil
}
