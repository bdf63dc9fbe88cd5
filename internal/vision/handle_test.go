package vision

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEngine satisfies Engine for handle tests; only Name and Close matter.
type stubEngine struct {
	Engine
	mu     sync.Mutex
	closed bool
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubEngine) Stats() BufferStats { return BufferStats{Allocated: 3, Released: 1} }

func (s *stubEngine) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not finish")
	}
}

func TestOpenBecomesReady(t *testing.T) {
	release := make(chan struct{})
	eng := &stubEngine{}
	h := Open(context.Background(), "stub", func(ctx context.Context) (Engine, error) {
		<-release
		return eng, nil
	}, time.Second)

	assert.Equal(t, StateLoading, h.State())
	assert.False(t, h.IsReady())
	assert.Equal(t, BufferStats{}, h.Stats())

	close(release)
	got, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, eng, got)
	assert.Equal(t, StateReady, h.State())
	assert.Equal(t, int64(2), h.Stats().Live())
	assert.Equal(t, "stub", h.Backend())

	require.NoError(t, h.Close())
	assert.True(t, eng.isClosed())
	assert.Equal(t, StateUnavailable, h.State())
}

func TestOpenFactoryError(t *testing.T) {
	h := Open(context.Background(), "broken", func(context.Context) (Engine, error) {
		return nil, errors.New("no opencv")
	}, time.Second)

	_, err := h.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "no opencv")
	assert.Equal(t, StateUnavailable, h.State())
	assert.ErrorIs(t, h.Err(), ErrEngineUnavailable)
}

func TestOpenFactoryPanic(t *testing.T) {
	h := Open(context.Background(), "panicky", func(context.Context) (Engine, error) {
		panic("boom")
	}, time.Second)
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestOpenFactoryNilEngine(t *testing.T) {
	h := Open(context.Background(), "empty", func(context.Context) (Engine, error) {
		return nil, nil
	}, time.Second)
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestOpenTimeoutClosesLateEngine(t *testing.T) {
	release := make(chan struct{})
	late := &stubEngine{}
	h := Open(context.Background(), "slow", func(context.Context) (Engine, error) {
		<-release // ignores ctx on purpose
		return late, nil
	}, 20*time.Millisecond)

	_, err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateUnavailable, h.State())

	close(release)
	assert.Eventually(t, late.isClosed, time.Second, 5*time.Millisecond)
}

func TestWaitHonorsCallerContext(t *testing.T) {
	h := Open(context.Background(), "never", func(ctx context.Context) (Engine, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateLoading, h.State())
	require.NoError(t, h.Close())
}

func TestCloseBeforeReadyClosesEngine(t *testing.T) {
	release := make(chan struct{})
	eng := &stubEngine{}
	h := Open(context.Background(), "stub", func(context.Context) (Engine, error) {
		<-release
		return eng, nil
	}, time.Second)

	require.NoError(t, h.Close())
	close(release)
	waitDone(t, h)
	assert.Eventually(t, eng.isClosed, time.Second, 5*time.Millisecond)
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestReadyHandle(t *testing.T) {
	eng := &stubEngine{}
	h := Ready(eng)
	assert.True(t, h.IsReady())
	got, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, eng, got)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unavailable", StateUnavailable.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "open", MorphOpen.String())
}

func TestLedgerNeverNegative(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("live equals allocs minus releases", prop.ForAll(
		func(allocs, releases int) bool {
			if releases > allocs {
				releases = allocs
			}
			var l Ledger
			var wg sync.WaitGroup
			for i := 0; i < allocs; i++ {
				l.Alloc()
			}
			for i := 0; i < releases; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l.Release()
				}()
			}
			wg.Wait()
			s := l.Stats()
			return s.Live() == int64(allocs-releases) && s.Live() >= 0
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestWhiteIsOpaque(t *testing.T) {
	var c color.Color = White
	_, _, _, a := c.RGBA()
	assert.Equal(t, uint32(0xffff), a)
}
