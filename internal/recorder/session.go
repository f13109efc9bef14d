package recorder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryliehm/cassette/pkg/audio"
)

// State is the lifecycle phase of a [Session]. Transitions are
// one-directional: Idle → Recording → Finalizing → Closed.
type State int32

const (
	// StateIdle: the session exists but does not yet accept frames for
	// encoding (only the manager's standing pre-buffer fills).
	StateIdle State = iota

	// StateRecording: frames route into the session's speaker buffers and
	// flow through the pump into the container.
	StateRecording

	// StateFinalizing: no new frames are accepted; already-buffered frames
	// drain into the container before it is closed.
	StateFinalizing

	// StateClosed: the container is finalized and the scope is free for a
	// new recording.
	StateClosed
)

// String returns the lowercase phase name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so states read as names in
// JSON status feeds.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] for status feed
// consumers.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "recording":
		*s = StateRecording
	case "finalizing":
		*s = StateFinalizing
	case "closed":
		*s = StateClosed
	default:
		return fmt.Errorf("recorder: unknown state %q", b)
	}
	return nil
}

// SpeakerStats summarizes one speaker's track after or during a recording.
type SpeakerStats struct {
	// Frames is the number of packets written to the track, silence
	// included.
	Frames uint64 `json:"frames"`

	// Silence is how many of those packets were synthesized gap filler.
	Silence uint64 `json:"silence"`

	// OverflowLoss counts frames evicted from a full ring buffer.
	OverflowLoss uint64 `json:"overflow_loss"`

	// LateLoss counts frames that arrived too old to retain.
	LateLoss uint64 `json:"late_loss"`

	// OutOfOrder counts frames the muxer dropped for violating per-speaker
	// timestamp order.
	OutOfOrder uint64 `json:"out_of_order"`

	// DriftClamps counts frames whose reported timestamps diverged from the
	// session clock beyond tolerance and were clamped.
	DriftClamps uint64 `json:"drift_clamps"`

	// Duration is the track's play time.
	Duration time.Duration `json:"duration"`
}

// Result is the terminal summary of a recording. When Incomplete is set the
// file at Path exists but may be missing trailing audio; Duration and Bytes
// reflect what was actually flushed.
type Result struct {
	Scope     string        `json:"scope"`
	Path      string        `json:"path"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Bytes     int64         `json:"bytes"`

	// Incomplete marks a recording cut short by a sink write failure.
	Incomplete bool `json:"incomplete"`

	// Err is the sink failure behind an incomplete recording, nil otherwise.
	Err error `json:"-"`

	Speakers map[string]SpeakerStats `json:"speakers"`
}

// Status is a non-mutating snapshot of a live session.
type Status struct {
	Scope     string                  `json:"scope"`
	State     State                   `json:"state"`
	Path      string                  `json:"path"`
	StartedAt time.Time               `json:"started_at"`
	Elapsed   time.Duration           `json:"elapsed"`
	Bytes     int64                   `json:"bytes"`
	Speakers  map[string]SpeakerStats `json:"speakers"`
}

// Session is one recording: a set of speaker buffers draining through a
// timeline merge into a single muxer. Created and owned by the [Manager].
type Session struct {
	scope   string
	tuning  Tuning
	clock   func() time.Time
	origin  time.Time // session clock zero (earliest seeded frame or start)
	started time.Time // wall-clock start
	path    string

	state atomic.Int32

	mu       sync.Mutex
	speakers map[string]*speakerStream

	// Owned by the pump goroutine after start.
	timeline *Timeline
	mux      *Muxer
	sink     io.Closer

	stopc    chan struct{}
	donec    chan struct{}
	stopOnce sync.Once

	resMu  sync.Mutex
	result Result
}

// speakerStream is one speaker's state inside a session: a ring buffer plus
// presence. The lock covers the ring and presence; frame producers and the
// pump contend on it per speaker only.
type speakerStream struct {
	id string

	mu       sync.Mutex
	ring     *Ring
	present  bool
	lastSeen time.Time

	// drift mirrors the timeline's clamp counter so status snapshots never
	// touch pump-owned state.
	drift atomic.Uint64
}

func newSession(scope, path string, origin time.Time, tuning Tuning, clock func() time.Time, sink io.WriteCloser, newEncoder EncoderFactory) *Session {
	s := &Session{
		scope:    scope,
		tuning:   tuning,
		clock:    clock,
		origin:   origin,
		started:  clock(),
		path:     path,
		speakers: make(map[string]*speakerStream),
		timeline: NewTimeline(origin, tuning),
		mux:      NewMuxer(&deadlineWriter{w: sink, timeout: tuning.WriteTimeout}, origin, tuning, newEncoder),
		sink:     sink,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State reports the session's lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// onFrame routes a frame into the speaker's ring. Reports false when the
// session no longer accepts frames, so the manager can fall back to the
// standing pre-buffer.
func (s *Session) onFrame(speakerID string, f audio.Frame) bool {
	if s.State() != StateRecording {
		return false
	}
	st := s.stream(speakerID)
	st.mu.Lock()
	st.ring.Push(f)
	st.lastSeen = f.Timestamp
	st.mu.Unlock()
	return true
}

// speakerJoined ensures the speaker has a stream and marks it present.
func (s *Session) speakerJoined(speakerID string) {
	st := s.stream(speakerID)
	st.mu.Lock()
	st.present = true
	st.mu.Unlock()
}

// speakerLeft marks the speaker absent. Buffered audio still drains; no
// silence is synthesized for absent speakers.
func (s *Session) speakerLeft(speakerID string) {
	s.mu.Lock()
	st := s.speakers[speakerID]
	s.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.present = false
	st.mu.Unlock()
}

// seed preloads a speaker's ring with pre-buffered frames captured before
// the recording trigger. Called by the manager before the pump starts.
func (s *Session) seed(speakerID string, frames []audio.Frame) {
	st := s.stream(speakerID)
	st.mu.Lock()
	for _, f := range frames {
		st.ring.Push(f)
	}
	if n := len(frames); n > 0 {
		st.lastSeen = frames[n-1].Timestamp
	}
	st.mu.Unlock()
}

// stream returns the speaker's stream, creating it on first audio.
func (s *Session) stream(speakerID string) *speakerStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.speakers[speakerID]
	if !ok {
		st = &speakerStream{
			id:      speakerID,
			ring:    NewRing(s.tuning.frames(s.tuning.PreBuffer)),
			present: true,
		}
		s.speakers[speakerID] = st
	}
	return st
}

// start transitions to Recording and launches the pump.
func (s *Session) start() {
	s.state.Store(int32(StateRecording))
	go s.run()
}

// stop requests finalization and waits for the pump to close the container.
// Safe to call at any time and from multiple goroutines; all callers get the
// same Result. A ctx expiry abandons the wait, not the finalize.
func (s *Session) stop(ctx context.Context) (Result, error) {
	s.stopOnce.Do(func() {
		s.state.CompareAndSwap(int32(StateRecording), int32(StateFinalizing))
		close(s.stopc)
	})
	select {
	case <-s.donec:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return s.result, nil
}

// run is the pump: the session's single sequential consumer and the only
// goroutine that touches the timeline and muxer.
func (s *Session) run() {
	defer close(s.donec)
	tick := time.NewTicker(s.tuning.FrameDuration)
	defer tick.Stop()
	for {
		select {
		case <-s.stopc:
			s.finalize(nil)
			return
		case <-tick.C:
			if err := s.pumpOnce(s.clock(), false); err != nil {
				slog.Error("recorder: sink write failed, finalizing what was written",
					"scope", s.scope, "path", s.path, "err", err)
				s.finalize(err)
				return
			}
		}
	}
}

// pumpOnce drains every speaker ring up to the holdback watermark, merges
// the drained frames on the timeline, and writes the merged emission. With
// final set, rings drain completely and the timeline flushes.
func (s *Session) pumpOnce(now time.Time, final bool) error {
	watermark := now.Add(-s.tuning.Holdback)

	streams := s.snapshot()
	var maxSeen time.Time
	for _, st := range streams {
		s.timeline.Ensure(st.id)
		st.mu.Lock()
		var frames []audio.Frame
		if final {
			for f := range st.ring.DrainSince(time.Time{}) {
				frames = append(frames, f)
			}
		} else {
			frames = st.ring.DrainUntil(watermark)
		}
		present := st.present
		if st.lastSeen.After(maxSeen) {
			maxSeen = st.lastSeen
		}
		st.mu.Unlock()
		s.timeline.SetPresent(st.id, present)
		s.timeline.Feed(st.id, frames)
	}

	until := watermark
	if final {
		until = maxSeen.Add(s.tuning.FrameDuration)
	}
	for _, f := range s.timeline.Emit(until, final) {
		if err := s.mux.Write(f); err != nil {
			return err
		}
	}
	for _, st := range streams {
		_, drift := s.timeline.Stats(st.id)
		st.drift.Store(drift)
	}
	return nil
}

// finalize drains the tail, closes the container, and records the Result.
// writeErr non-nil means the pump hit a sink failure mid-recording; the
// session still closes every stream it can and reports an incomplete file.
func (s *Session) finalize(writeErr error) {
	s.state.Store(int32(StateFinalizing))

	if writeErr == nil {
		writeErr = s.pumpOnce(s.clock(), true)
	}
	if err := s.mux.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := s.sink.Close(); err != nil && writeErr == nil {
		writeErr = err
	}

	res := Result{
		Scope:      s.scope,
		Path:       s.path,
		StartedAt:  s.started,
		EndedAt:    s.clock(),
		Duration:   s.mux.Duration(),
		Bytes:      s.mux.BytesWritten(),
		Incomplete: writeErr != nil,
		Err:        writeErr,
		Speakers:   s.speakerStats(),
	}

	s.resMu.Lock()
	s.result = res
	s.resMu.Unlock()
	s.state.Store(int32(StateClosed))

	slog.Info("recording finalized",
		"scope", s.scope,
		"path", s.path,
		"duration", res.Duration,
		"bytes", res.Bytes,
		"speakers", len(res.Speakers),
		"incomplete", res.Incomplete,
	)
}

// statusSnapshot builds a point-in-time Status without mutating anything.
func (s *Session) statusSnapshot() Status {
	return Status{
		Scope:     s.scope,
		State:     s.State(),
		Path:      s.path,
		StartedAt: s.started,
		Elapsed:   s.clock().Sub(s.started),
		Bytes:     s.mux.BytesWritten(),
		Speakers:  s.speakerStats(),
	}
}

// speakerStats merges ring, timeline, and muxer counters per speaker.
// Drift counts in a live status may lag one pump tick.
func (s *Session) speakerStats() map[string]SpeakerStats {
	out := make(map[string]SpeakerStats)
	for _, st := range s.snapshot() {
		st.mu.Lock()
		stats := SpeakerStats{
			OverflowLoss: st.ring.OverflowLoss(),
			LateLoss:     st.ring.LateLoss(),
		}
		st.mu.Unlock()
		frames, silence, dropped, dur := s.mux.TrackStats(st.id)
		stats.Frames = frames
		stats.Silence = silence
		stats.OutOfOrder = dropped
		stats.Duration = dur
		stats.DriftClamps = st.drift.Load()
		out[st.id] = stats
	}
	return out
}

// snapshot returns the speaker streams sorted by ID.
func (s *Session) snapshot() []*speakerStream {
	s.mu.Lock()
	streams := make([]*speakerStream, 0, len(s.speakers))
	for _, st := range s.speakers {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })
	return streams
}

// deadlineWriter applies a per-write deadline when the sink supports one.
// Regular files do not; for them the write proceeds unbounded and the Stop
// context bounds finalization instead.
type deadlineWriter struct {
	w       io.Writer
	timeout time.Duration
}

func (dw *deadlineWriter) Write(p []byte) (int, error) {
	if dw.timeout > 0 {
		if d, ok := dw.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
			// Best effort: os.File returns ErrNoDeadline for regular files.
			_ = d.SetWriteDeadline(time.Now().Add(dw.timeout))
		}
	}
	return dw.w.Write(p)
}
