package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory constructs an engine. It should honor ctx cancellation, but a
// factory that ignores it is still bounded by the handle's timeout.
type Factory func(ctx context.Context) (Engine, error)

// State is the readiness state of a Handle.
type State int

const (
	StateLoading State = iota
	StateReady
	StateUnavailable
)

// String returns the state name used in health responses.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Handle owns an engine whose initialization runs asynchronously.
type Handle struct {
	backend string
	done    chan struct{}

	mu      sync.RWMutex
	engine  Engine
	err     error
	elapsed time.Duration
	closed  bool
}

// DefaultInitTimeout bounds engine initialization when no timeout is given.
const DefaultInitTimeout = 30 * time.Second

// Open starts engine initialization in the background and returns
// immediately. If the factory fails or does not return within timeout the
// handle becomes unavailable; an engine that arrives late is closed.
func Open(ctx context.Context, backend string, factory Factory, timeout time.Duration) *Handle {
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	h := &Handle{backend: backend, done: make(chan struct{})}

	go func() {
		start := time.Now()
		initCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			eng Engine
			err error
		}
		ch := make(chan result, 1)
		go func() {
			eng, err := safeFactory(initCtx, factory)
			ch <- result{eng: eng, err: err}
		}()

		select {
		case r := <-ch:
			h.finish(r.eng, r.err, time.Since(start))
		case <-initCtx.Done():
			h.finish(nil, initCtx.Err(), time.Since(start))
			go func() {
				if r := <-ch; r.eng != nil {
					_ = r.eng.Close()
				}
			}()
		}
	}()

	return h
}

// Ready wraps an already constructed engine in a ready handle.
func Ready(eng Engine) *Handle {
	h := &Handle{backend: eng.Name(), done: make(chan struct{}), engine: eng}
	close(h.done)
	return h
}

func safeFactory(ctx context.Context, factory Factory) (eng Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("engine factory panicked: %v", r)
		}
	}()
	return factory(ctx)
}

func (h *Handle) finish(eng Engine, err error, elapsed time.Duration) {
	h.mu.Lock()
	if err == nil && eng == nil {
		err = errors.New("factory returned no engine")
	}
	if err != nil {
		h.err = fmt.Errorf("%w: %s: %w", ErrEngineUnavailable, h.backend, err)
		slog.Error("Vision engine failed to initialize", "backend", h.backend, "error", err, "elapsed", elapsed)
	} else {
		h.engine = eng
		slog.Info("Vision engine ready", "backend", h.backend, "elapsed", elapsed)
	}
	h.elapsed = elapsed
	closed := h.closed
	h.mu.Unlock()
	close(h.done)

	// Close raced ahead of initialization.
	if closed && eng != nil {
		_ = eng.Close()
	}
}

// Wait blocks until the engine is ready, unavailable, or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Engine, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, fmt.Errorf("%w: handle closed", ErrEngineUnavailable)
	}
	return h.engine, h.err
}

// Done is closed once initialization has finished either way.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State reports the current readiness without blocking.
func (h *Handle) State() State {
	select {
	case <-h.done:
	default:
		return StateLoading
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.err != nil || h.closed {
		return StateUnavailable
	}
	return StateReady
}

// IsReady reports whether the engine can be used right now.
func (h *Handle) IsReady() bool {
	return h.State() == StateReady
}

// Backend returns the configured backend name.
func (h *Handle) Backend() string {
	return h.backend
}

// Err returns the initialization error, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// InitDuration is how long initialization took; zero while loading.
func (h *Handle) InitDuration() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.elapsed
}

// Stats returns the engine's buffer counters, or zero while not ready.
func (h *Handle) Stats() BufferStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.engine == nil {
		return BufferStats{}
	}
	return h.engine.Stats()
}

// Close releases the engine. It is safe to call before initialization
// finishes; the engine is then closed as soon as it arrives.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.engine != nil {
		return h.engine.Close()
	}
	return nil
}
