// Package session tracks one user's file selection and its processed
// preview. Each selection starts a run; a newer selection cancels the
// older run and only the newest run may publish a result.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/MeKo-Tech/scanpreview/internal/blob"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

const subscriberBuffer = 8

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Engine *vision.Handle
	Runner *scan.Runner
	Loader *loader.Loader
	Blobs  *blob.Store
	// OnRun, when set, is called after every run that was not superseded.
	OnRun func(out *scan.Output, err error, elapsed time.Duration)
}

// Session is safe for concurrent use.
type Session struct {
	id   string
	deps Deps

	mu         sync.Mutex
	state      State
	gen        uint64
	runID      string
	cancel     context.CancelFunc
	settled    chan struct{}
	source     *loader.SourceImage
	result     *Result
	err        error
	updated    time.Time
	lastActive time.Time
	closed     bool

	subs    map[int]chan Snapshot
	nextSub int
}

// New returns an idle session.
func New(id string, deps Deps) *Session {
	if id == "" {
		id = ksuid.New().String()
	}
	now := time.Now()
	settled := make(chan struct{})
	close(settled)
	return &Session{
		id:         id,
		deps:       deps,
		settled:    settled,
		updated:    now,
		lastActive: now,
		subs:       make(map[int]chan Snapshot),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Select loads ref and starts processing it in the background. A file
// that is not an image returns ErrInvalidInputKind and leaves the session
// untouched. Any earlier run is cancelled and its result is never shown.
func (s *Session) Select(ctx context.Context, ref loader.FileRef) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.lastActive = time.Now()
	s.mu.Unlock()

	src, err := s.deps.Loader.Load(ref)
	if errors.Is(err, ErrInvalidInputKind) {
		slog.Info("Rejected selection", "session", s.id, "file", ref.Name, "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if src != nil {
			s.releaseBlob(src)
		}
		return ErrClosed
	}

	s.supersedeLocked()
	s.gen++
	s.runID = ksuid.New().String()
	s.result = nil
	s.err = nil

	if err != nil {
		// The file looked like an image but could not be read.
		s.source = nil
		s.err = err
		s.setStateLocked(StateFailed)
		slog.Warn("Selection failed to load", "session", s.id, "run", s.runID, "file", ref.Name, "error", err)
		return err
	}

	s.source = src
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	settled := make(chan struct{})
	s.cancel = cancel
	s.settled = settled

	if s.deps.Engine.IsReady() {
		s.setStateLocked(StateRunning)
	} else {
		s.setStateLocked(StateAwaitingEngine)
	}
	slog.Info("File selected", "session", s.id, "run", s.runID, "file", src.Name,
		"width", src.Width, "height", src.Height, "state", s.state)

	go s.run(runCtx, s.gen, s.runID, src, settled)
	return nil
}

// supersedeLocked cancels the active run and drops the previous file.
func (s *Session) supersedeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.source != nil {
		s.releaseBlob(s.source)
		s.source = nil
	}
}

func (s *Session) releaseBlob(src *loader.SourceImage) {
	if s.deps.Blobs != nil && src.Blob.ID != "" {
		s.deps.Blobs.Release(src.Blob.ID)
	}
}

func (s *Session) run(ctx context.Context, gen uint64, runID string, src *loader.SourceImage, settled chan struct{}) {
	defer close(settled)

	eng, err := s.deps.Engine.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.finish(gen, nil, err, 0)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.state == StateAwaitingEngine {
		s.setStateLocked(StateRunning)
	}
	s.mu.Unlock()

	start := time.Now()
	out, err := s.deps.Runner.Run(ctx, eng, src.Image)
	if ctx.Err() != nil {
		slog.Debug("Run superseded", "session", s.id, "run", runID)
		return
	}
	s.finish(gen, out, err, time.Since(start))
}

// finish publishes the outcome of generation gen if it is still current.
func (s *Session) finish(gen uint64, out *scan.Output, err error, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.closed {
		return
	}
	s.cancel = nil

	if s.deps.OnRun != nil {
		s.deps.OnRun(out, err, elapsed)
	}

	if err != nil {
		s.err = err
		s.setStateLocked(StateFailed)
		slog.Warn("Run failed", "session", s.id, "run", s.runID, "kind", ErrorKind(err), "error", err)
		return
	}

	s.result = &Result{
		Generation: gen,
		RunID:      s.runID,
		Source:     *sourceInfo(s.source),
		Output:     out,
		Steps:      out.Steps(),
		Finished:   time.Now(),
	}
	s.setStateLocked(StateDone)
	slog.Info("Run finished", "session", s.id, "run", s.runID,
		"angle", out.Deskew.Angle, "contours", out.Deskew.Contours, "duration", elapsed)
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.updated = time.Now()
	s.broadcastLocked(s.snapshotLocked())
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Generation: s.gen,
		RunID:      s.runID,
		Source:     sourceInfo(s.source),
		UpdatedAt:  s.updated,
	}
	if s.result != nil {
		snap.HasResult = true
		snap.Steps = s.result.Steps
		d := s.result.Output.Deskew
		snap.Deskew = &d
		snap.Timings = s.result.Output.Timings
	}
	if s.err != nil {
		snap.ErrorKind = ErrorKind(s.err)
		snap.Error = UserMessage(s.err)
	}
	return snap
}

// Result returns the processed image of the current selection, if done.
func (s *Session) Result() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDone || s.result == nil {
		return nil, false
	}
	return s.result, true
}

// Err returns the error of the current selection, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Original returns the bytes of the selected file. It is available as
// soon as the selection is accepted.
func (s *Session) Original() ([]byte, string, bool) {
	s.mu.Lock()
	src := s.source
	s.mu.Unlock()
	if src == nil || s.deps.Blobs == nil || src.Blob.ID == "" {
		return nil, "", false
	}
	data, h, err := s.deps.Blobs.Get(src.Blob.ID)
	if err != nil {
		return nil, "", false
	}
	return data, h.ContentType, true
}

// Await blocks until the newest selection has settled in Done, Failed
// or Idle, following any selections made while waiting.
func (s *Session) Await(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		settled, gen := s.settled, s.gen
		s.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}

		s.mu.Lock()
		snap := s.snapshotLocked()
		current := s.gen == gen
		s.mu.Unlock()
		if current && snap.State.Terminal() {
			return snap, nil
		}
		if s.isClosed() {
			return snap, ErrClosed
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribe returns a channel receiving the current snapshot followed by
// every change. Slow subscribers lose intermediate snapshots, never the
// latest. The cancel func must be called when done.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) broadcastLocked(snap Snapshot) {
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Drop the oldest queued snapshot to make room for the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Touch marks the session as used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Watched reports whether any subscriber is following the session.
func (s *Session) Watched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

// LastActive is the time of the last selection or lookup.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close cancels any run, releases the selected file and ends all
// subscriptions. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.supersedeLocked()
	s.result = nil
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	slog.Debug("Session closed", "session", s.id)
}
