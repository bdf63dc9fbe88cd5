package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/testutil"
)

func TestManagerCreateGetDelete(t *testing.T) {
	f := newFixture(t, nil)
	m := NewManager(f.deps, 0)

	s, err := m.Create()
	require.NoError(t, err)
	assert.Len(t, s.ID(), 27)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, m.Delete(s.ID()))
	assert.ErrorIs(t, m.Delete(s.ID()), ErrNotFound)
	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerSweepExpiresIdleSessions(t *testing.T) {
	f := newFixture(t, nil)
	m := NewManager(f.deps, time.Minute)

	old, err := m.Create()
	require.NoError(t, err)
	require.NoError(t, old.Select(context.Background(), pngRef(t, "a.png", testutil.WhitePage(8))))
	_, err = old.Await(awaitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, f.blobs.Len())

	assert.Zero(t, m.Sweep(time.Now()))
	assert.Equal(t, 1, m.Sweep(time.Now().Add(2*time.Minute)))
	assert.Zero(t, m.Len())
	assert.Zero(t, f.blobs.Len())
}

func TestManagerSweepKeepsWatchedSessions(t *testing.T) {
	f := newFixture(t, nil)
	m := NewManager(f.deps, time.Minute)

	watched, err := m.Create()
	require.NoError(t, err)
	updates, cancel := watched.Subscribe()
	<-updates
	assert.True(t, watched.Watched())

	later := time.Now().Add(2 * time.Minute)
	assert.Zero(t, m.Sweep(later))
	_, err = m.Get(watched.ID())
	require.NoError(t, err)

	cancel()
	assert.False(t, watched.Watched())
	assert.Equal(t, 1, m.Sweep(later.Add(2*time.Minute)))
}

func TestManagerCloseRejectsCreate(t *testing.T) {
	f := newFixture(t, nil)
	m := NewManager(f.deps, time.Minute)
	_, err := m.Create()
	require.NoError(t, err)

	m.Close()
	assert.Zero(t, m.Len())
	_, err = m.Create()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManagerRunStopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	m := NewManager(f.deps, 20*time.Millisecond)
	_, err := m.Create()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
