package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/scanpreview/internal/blob"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/testutil"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
	"github.com/MeKo-Tech/scanpreview/internal/vision/native"
)

// gatedEngine blocks the first FromImage call until gate is closed.
type gatedEngine struct {
	vision.Engine
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (g *gatedEngine) FromImage(img image.Image) (vision.Mat, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.Engine.FromImage(img)
}

type fixture struct {
	eng   *native.Engine
	blobs *blob.Store
	deps  Deps
}

func newFixture(t *testing.T, handle *vision.Handle) *fixture {
	t.Helper()
	eng := native.New()
	t.Cleanup(func() { _ = eng.Close() })
	if handle == nil {
		handle = vision.Ready(eng)
	}
	runner, err := scan.NewRunner(scan.GaussianPreset(), 2)
	require.NoError(t, err)
	blobs := blob.NewStore()
	return &fixture{
		eng:   eng,
		blobs: blobs,
		deps: Deps{
			Engine: handle,
			Runner: runner,
			Loader: loader.New(blobs),
			Blobs:  blobs,
		},
	}
}

func pngRef(t *testing.T, name string, img image.Image) loader.FileRef {
	t.Helper()
	return loader.FileRef{Name: name, ContentType: "image/png", Reader: bytes.NewReader(testutil.EncodePNG(t, img))}
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewSessionIsIdle(t *testing.T) {
	f := newFixture(t, nil)
	s := New("", f.deps)

	snap := s.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.HasResult)
	_, ok := s.Result()
	assert.False(t, ok)
	_, _, ok = s.Original()
	assert.False(t, ok)
}

func TestSelectNonImageLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)

	err := s.Select(context.Background(), loader.FileRef{Name: "notes.txt", ContentType: "text/plain", Reader: strings.NewReader("hi")})
	require.ErrorIs(t, err, ErrInvalidInputKind)

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, uint64(0), snap.Generation)
	assert.Empty(t, snap.Error)
	assert.Zero(t, f.blobs.Len())
}

func TestSelectNonImageKeepsPreviousResult(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)

	require.NoError(t, s.Select(context.Background(), pngRef(t, "page.png", testutil.WhitePage(20))))
	_, err := s.Await(awaitCtx(t))
	require.NoError(t, err)

	err = s.Select(context.Background(), loader.FileRef{Name: "a.txt", ContentType: "text/plain", Reader: strings.NewReader("x")})
	require.ErrorIs(t, err, ErrInvalidInputKind)

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "page.png", res.Source.Name)
}

func TestSelectWhitePageProducesResult(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)

	require.NoError(t, s.Select(context.Background(), pngRef(t, "white.png", testutil.WhitePage(32))))
	snap, err := s.Await(awaitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, StateDone, snap.State)
	assert.True(t, snap.HasResult)
	require.NotNil(t, snap.Deskew)
	assert.InDelta(t, 0.0, snap.Deskew.Angle, 1e-9)
	assert.Contains(t, snap.Steps, "Grayscale")

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 32, 32), res.Output.Image.Bounds())
	assert.Equal(t, 32*32, testutil.CountWhite(res.Output.Image))

	data, contentType, ok := s.Original()
	require.True(t, ok)
	assert.Equal(t, "image/png", contentType)
	assert.NotEmpty(t, data)
	assert.Equal(t, int64(0), f.eng.Stats().Live())
}

func TestSelectCorruptImageFails(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)

	err := s.Select(context.Background(), loader.FileRef{Name: "bad.png", ContentType: "image/png", Reader: strings.NewReader("garbage")})
	require.ErrorIs(t, err, ErrProcessing)

	snap, err := s.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, KindProcessing, snap.ErrorKind)
	assert.Equal(t, "Processing failed, try another file", snap.Error)
	assert.Nil(t, snap.Source)
}

func TestAwaitingEngineThenRunning(t *testing.T) {
	release := make(chan struct{})
	eng := native.New()
	t.Cleanup(func() { _ = eng.Close() })
	handle := vision.Open(context.Background(), native.Name, func(ctx context.Context) (vision.Engine, error) {
		select {
		case <-release:
			return eng, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 10*time.Second)
	t.Cleanup(func() { _ = handle.Close() })

	f := newFixture(t, handle)
	s := New("s1", f.deps)
	updates, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Select(context.Background(), pngRef(t, "white.png", testutil.WhitePage(16))))
	assert.Equal(t, StateAwaitingEngine, s.Snapshot().State)

	close(release)
	snap, err := s.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateDone, snap.State)

	var states []State
	for len(states) == 0 || states[len(states)-1] != StateDone {
		select {
		case u := <-updates:
			states = append(states, u.State)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw %v", states)
		}
	}
	assert.Equal(t, []State{StateIdle, StateAwaitingEngine, StateRunning, StateDone}, states)
}

func TestEngineUnavailableFailsSession(t *testing.T) {
	handle := vision.Open(context.Background(), "broken", func(context.Context) (vision.Engine, error) {
		return nil, errors.New("no wasm for you")
	}, time.Second)
	f := newFixture(t, handle)
	s := New("s1", f.deps)

	require.NoError(t, s.Select(context.Background(), pngRef(t, "white.png", testutil.WhitePage(8))))
	snap, err := s.Await(awaitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, KindEngineUnavailable, snap.ErrorKind)
	assert.ErrorIs(t, s.Err(), ErrEngineUnavailable)
}

func TestNewerSelectionWins(t *testing.T) {
	base := native.New()
	t.Cleanup(func() { _ = base.Close() })
	gated := &gatedEngine{Engine: base, gate: make(chan struct{}), entered: make(chan struct{})}

	f := newFixture(t, vision.Ready(gated))
	s := New("s1", f.deps)

	require.NoError(t, s.Select(context.Background(), pngRef(t, "first.png", testutil.WhitePage(40))))
	<-gated.entered

	require.NoError(t, s.Select(context.Background(), pngRef(t, "second.png", testutil.WhitePage(24))))
	snap, err := s.Await(awaitCtx(t))
	require.NoError(t, err)
	close(gated.gate)

	assert.Equal(t, StateDone, snap.State)
	assert.Equal(t, uint64(2), snap.Generation)

	// Give the superseded run time to wake up and try to publish.
	time.Sleep(50 * time.Millisecond)

	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "second.png", res.Source.Name)
	assert.Equal(t, uint64(2), res.Generation)
	assert.Equal(t, image.Rect(0, 0, 24, 24), res.Output.Image.Bounds())
	assert.Equal(t, 1, f.blobs.Len())

	require.Eventually(t, func() bool { return base.Stats().Live() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)
	updates, cancel := s.Subscribe()
	defer cancel()

	s.mu.Lock()
	for i := 0; i < subscriberBuffer*2; i++ {
		s.gen = uint64(i)
		s.setStateLocked(StateRunning)
	}
	s.mu.Unlock()

	var last Snapshot
	for i := 0; i < subscriberBuffer; i++ {
		last = <-updates
	}
	assert.Equal(t, uint64(subscriberBuffer*2-1), last.Generation)
}

func TestCloseEndsSubscriptionsAndRejectsSelect(t *testing.T) {
	f := newFixture(t, nil)
	s := New("s1", f.deps)
	require.NoError(t, s.Select(context.Background(), pngRef(t, "white.png", testutil.WhitePage(8))))
	_, err := s.Await(awaitCtx(t))
	require.NoError(t, err)

	updates, cancel := s.Subscribe()
	<-updates
	s.Close()
	s.Close()
	cancel()

	_, open := <-updates
	assert.False(t, open)
	assert.Zero(t, f.blobs.Len())
	assert.ErrorIs(t, s.Select(context.Background(), pngRef(t, "x.png", testutil.WhitePage(4))), ErrClosed)
}

func TestStateText(t *testing.T) {
	for st := StateIdle; st <= StateFailed; st++ {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, st, back)
	}
	assert.Equal(t, "unknown", State(42).String())
	var bad State
	require.Error(t, bad.UnmarshalText([]byte("sleeping")))

	data, err := json.Marshal(Snapshot{ID: "x", State: StateAwaitingEngine})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"awaiting_engine"`)
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, KindInvalidInput, ErrorKind(ErrInvalidInputKind))
	assert.Equal(t, KindEngineUnavailable, ErrorKind(ErrEngineUnavailable))
	assert.Equal(t, KindProcessing, ErrorKind(errors.New("anything")))
	assert.Equal(t, "Please select an image file", UserMessage(ErrInvalidInputKind))
	assert.Empty(t, UserMessage(nil))
}
