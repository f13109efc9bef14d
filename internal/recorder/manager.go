// Package recorder implements the voice recording engine: bounded
// per-speaker buffering, timeline synchronization across speakers, stateful
// Opus encoding, and Ogg container multiplexing.
//
// The [Manager] is the only entry point the command layer uses. It keeps a
// standing per-speaker pre-buffer per scope while no recording is live, so a
// Start can capture audio from before the trigger, and it enforces the
// one-live-recording-per-scope invariant.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ryliehm/cassette/internal/observe"
	"github.com/ryliehm/cassette/pkg/audio"
)

// Compile-time check: the Manager is the frame sink capture adapters feed.
var _ audio.Sink = (*Manager)(nil)

// outputTimeFormat names finished files by their start instant.
const outputTimeFormat = "2006-01-02_15-04-05"

// pruneInterval spaces out standing-buffer retention sweeps.
const pruneInterval = time.Minute

// ManagerConfig holds the dependencies of a [Manager]. Only Tuning matters
// for correctness; the rest default sensibly.
type ManagerConfig struct {
	Tuning Tuning

	// Metrics receives engine counters. Nil disables instrumentation.
	Metrics *observe.Metrics

	// NewEncoder overrides the encoder construction, mainly for tests.
	// Defaults to [OpusEncoderFactory].
	NewEncoder EncoderFactory

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Manager owns every recording session and the standing pre-buffers. All
// exported methods are safe for concurrent use; operations on distinct
// scopes do not block each other beyond brief map access.
type Manager struct {
	tuning     Tuning
	metrics    *observe.Metrics
	newEncoder EncoderFactory
	clock      func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	standing  map[string]*standingBuffer
	lastPrune time.Time
}

// standingBuffer is one scope's session-independent pre-buffer: a ring per
// speaker, filling continuously while no recording is live.
type standingBuffer struct {
	mu       sync.RWMutex // guards the speakers map only
	speakers map[string]*standingSpeaker
}

type standingSpeaker struct {
	mu       sync.Mutex
	ring     *Ring
	lastSeen time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newEncoder := cfg.NewEncoder
	if newEncoder == nil {
		newEncoder = OpusEncoderFactory
	}
	return &Manager{
		tuning:     cfg.Tuning.withDefaults(),
		metrics:    cfg.Metrics,
		newEncoder: newEncoder,
		clock:      clock,
		sessions:   make(map[string]*Session),
		standing:   make(map[string]*standingBuffer),
	}
}

// Start begins a recording for scope. Each named speaker's stream is seeded
// from the standing pre-buffer, so audio from up to the pre-buffer window
// before the trigger lands in the file. Returns [ErrAlreadyRecording] if the
// scope already has a live recording; under concurrent Start calls exactly
// one wins.
func (m *Manager) Start(ctx context.Context, scope string, speakers []string) (Status, error) {
	now := m.clock()

	m.mu.Lock()
	if prev, ok := m.sessions[scope]; ok {
		if prev.State() != StateClosed {
			m.mu.Unlock()
			return Status{}, ErrAlreadyRecording
		}
		// A session that self-closed on a sink failure lingers until Stop
		// collects it. Starting over discards that unfetched result.
		delete(m.sessions, scope)
		slog.Warn("recorder: discarding unfetched result of failed recording", "scope", scope)
	}

	seeds, origin := m.drainStandingLocked(scope, now)
	if origin.IsZero() || origin.After(now) {
		origin = now
	}

	path := filepath.Join(m.tuning.OutputDir, fmt.Sprintf("%s_%s.ogg", sanitizeScope(scope), now.Format(outputTimeFormat)))
	file, err := createOutput(path)
	if err != nil {
		m.mu.Unlock()
		return Status{}, err
	}

	sess := newSession(scope, path, origin, m.tuning, m.clock, file, m.newEncoder)
	for _, id := range speakers {
		sess.speakerJoined(id)
	}
	for id, frames := range seeds {
		sess.seed(id, frames)
	}
	m.sessions[scope] = sess
	m.mu.Unlock()

	sess.start()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("recording started",
		"scope", scope,
		"path", path,
		"speakers", len(speakers),
		"seeded_speakers", len(seeds),
	)
	return sess.statusSnapshot(), nil
}

// Stop finalizes the scope's recording: buffered frames drain through the
// timeline into the container, every track gets its end-of-stream marker,
// and the summary is returned. A second Stop returns [ErrNoActiveSession];
// there is never a second file. If the session already failed on a sink
// write, Stop returns its partial Result with Incomplete set.
func (m *Manager) Stop(ctx context.Context, scope string) (Result, error) {
	m.mu.Lock()
	sess, ok := m.sessions[scope]
	if ok {
		delete(m.sessions, scope)
	}
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrNoActiveSession
	}

	start := m.clock()
	res, err := sess.stop(ctx)
	if err != nil {
		// The pump keeps finalizing in the background; the result is lost to
		// the caller but the file is still closed properly.
		return Result{}, fmt.Errorf("recorder: stop %s: %w", scope, err)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
		m.metrics.FinalizeDuration.Record(ctx, m.clock().Sub(start).Seconds())
		m.metrics.BytesWritten.Add(ctx, res.Bytes)
		m.recordLosses(ctx, res)
	}
	return res, nil
}

// Status returns a snapshot of the scope's live recording, or
// [ErrNoActiveSession].
func (m *Manager) Status(scope string) (Status, error) {
	m.mu.RLock()
	sess, ok := m.sessions[scope]
	m.mu.RUnlock()
	if !ok {
		return Status{}, ErrNoActiveSession
	}
	return sess.statusSnapshot(), nil
}

// Active returns snapshots of every live recording, sorted by scope.
func (m *Manager) Active() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.statusSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Grab writes the scope's standing pre-buffer (the trailing window, or all
// of it when window <= 0) to a file without a prior Start. The drained
// frames are consumed: a subsequent Grab starts empty.
func (m *Manager) Grab(ctx context.Context, scope string, window time.Duration) (Result, error) {
	now := m.clock()
	since := time.Time{}
	if window > 0 {
		since = now.Add(-window)
	}

	m.mu.Lock()
	sb := m.standing[scope]
	m.mu.Unlock()
	if sb == nil {
		return Result{}, ErrNoBufferedAudio
	}

	seeds := make(map[string][]audio.Frame)
	var origin time.Time
	sb.mu.RLock()
	speakers := make(map[string]*standingSpeaker, len(sb.speakers))
	for id, sp := range sb.speakers {
		speakers[id] = sp
	}
	sb.mu.RUnlock()
	for id, sp := range speakers {
		sp.mu.Lock()
		var frames []audio.Frame
		for f := range sp.ring.DrainSince(since) {
			frames = append(frames, f)
		}
		sp.mu.Unlock()
		if len(frames) == 0 {
			continue
		}
		seeds[id] = frames
		if origin.IsZero() || frames[0].Timestamp.Before(origin) {
			origin = frames[0].Timestamp
		}
	}
	if len(seeds) == 0 {
		return Result{}, ErrNoBufferedAudio
	}

	path := filepath.Join(m.tuning.OutputDir, fmt.Sprintf("%s_%s_grab.ogg", sanitizeScope(scope), now.Format(outputTimeFormat)))
	file, err := createOutput(path)
	if err != nil {
		return Result{}, err
	}

	// Offline batch: one timeline, one muxer, no pump.
	tl := NewTimeline(origin, m.tuning)
	mux := NewMuxer(&deadlineWriter{w: file, timeout: m.tuning.WriteTimeout}, origin, m.tuning, m.newEncoder)
	var writeErr error
	ids := make([]string, 0, len(seeds))
	for id := range seeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var maxSeen time.Time
	for _, id := range ids {
		frames := seeds[id]
		tl.Feed(id, frames)
		if end := frames[len(frames)-1].Timestamp; end.After(maxSeen) {
			maxSeen = end
		}
	}
	for _, f := range tl.Emit(maxSeen.Add(m.tuning.FrameDuration), false) {
		if writeErr = mux.Write(f); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		for _, f := range tl.Emit(time.Time{}, true) {
			if writeErr = mux.Write(f); writeErr != nil {
				break
			}
		}
	}
	if err := mux.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if err := file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}

	res := Result{
		Scope:      scope,
		Path:       path,
		StartedAt:  origin,
		EndedAt:    now,
		Duration:   mux.Duration(),
		Bytes:      mux.BytesWritten(),
		Incomplete: writeErr != nil,
		Err:        writeErr,
		Speakers:   make(map[string]SpeakerStats, len(ids)),
	}
	for _, id := range ids {
		frames, silence, dropped, dur := mux.TrackStats(id)
		res.Speakers[id] = SpeakerStats{Frames: frames, Silence: silence, OutOfOrder: dropped, Duration: dur}
	}
	if m.metrics != nil {
		m.metrics.BytesWritten.Add(ctx, res.Bytes)
	}
	slog.Info("pre-buffer grab written", "scope", scope, "path", path, "duration", res.Duration)
	return res, nil
}

// OnFrame routes a captured frame. Frames for a scope with a live recording
// flow into its session; everything else lands in the standing pre-buffer so
// a later Start (or Grab) can retrieve recent history.
func (m *Manager) OnFrame(scope string, f audio.Frame) {
	if m.metrics != nil {
		m.metrics.FramesReceived.Add(context.Background(), 1)
	}

	m.mu.RLock()
	sess := m.sessions[scope]
	m.mu.RUnlock()
	if sess != nil && sess.onFrame(f.Speaker, f) {
		return
	}

	sp := m.standingSpeaker(scope, f.Speaker)
	sp.mu.Lock()
	sp.ring.Push(f)
	sp.lastSeen = f.Timestamp
	sp.mu.Unlock()

	m.maybePrune()
}

// SpeakerJoined adds the speaker to the scope's live recording, if any. The
// standing pre-buffer needs no notice: it creates streams on first audio.
func (m *Manager) SpeakerJoined(scope, speakerID string) {
	m.mu.RLock()
	sess := m.sessions[scope]
	m.mu.RUnlock()
	if sess != nil && sess.State() == StateRecording {
		sess.speakerJoined(speakerID)
	}
}

// SpeakerLeft marks the speaker idle in the scope's live recording without
// disturbing the other tracks.
func (m *Manager) SpeakerLeft(scope, speakerID string) {
	m.mu.RLock()
	sess := m.sessions[scope]
	m.mu.RUnlock()
	if sess != nil {
		sess.speakerLeft(speakerID)
	}
}

// Close stops every live recording. Used at process shutdown so in-flight
// recordings are finalized rather than truncated.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	scopes := make([]string, 0, len(m.sessions))
	for scope := range m.sessions {
		scopes = append(scopes, scope)
	}
	m.mu.Unlock()

	var errs []error
	for _, scope := range scopes {
		if _, err := m.Stop(ctx, scope); err != nil && !errors.Is(err, ErrNoActiveSession) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drainStandingLocked consumes the scope's standing buffers and returns the
// seed frames per speaker plus the earliest seeded timestamp. Caller holds
// m.mu.
func (m *Manager) drainStandingLocked(scope string, now time.Time) (map[string][]audio.Frame, time.Time) {
	sb := m.standing[scope]
	if sb == nil {
		return nil, time.Time{}
	}
	since := now.Add(-m.tuning.PreBuffer)

	seeds := make(map[string][]audio.Frame)
	var origin time.Time
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for id, sp := range sb.speakers {
		sp.mu.Lock()
		var frames []audio.Frame
		for f := range sp.ring.DrainSince(since) {
			frames = append(frames, f)
		}
		sp.mu.Unlock()
		if len(frames) == 0 {
			continue
		}
		seeds[id] = frames
		if origin.IsZero() || frames[0].Timestamp.Before(origin) {
			origin = frames[0].Timestamp
		}
	}
	return seeds, origin
}

// standingSpeaker returns the scope's standing ring for a speaker, creating
// both lazily.
func (m *Manager) standingSpeaker(scope, speakerID string) *standingSpeaker {
	m.mu.RLock()
	sb := m.standing[scope]
	m.mu.RUnlock()
	if sb == nil {
		m.mu.Lock()
		sb = m.standing[scope]
		if sb == nil {
			sb = &standingBuffer{speakers: make(map[string]*standingSpeaker)}
			m.standing[scope] = sb
		}
		m.mu.Unlock()
	}

	sb.mu.RLock()
	sp := sb.speakers[speakerID]
	sb.mu.RUnlock()
	if sp != nil {
		return sp
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sp = sb.speakers[speakerID]
	if sp == nil {
		sp = &standingSpeaker{ring: NewRing(m.tuning.frames(m.tuning.PreBuffer))}
		sb.speakers[speakerID] = sp
	}
	return sp
}

// maybePrune drops standing streams for speakers silent beyond the retention
// window. Runs at most once per pruneInterval.
func (m *Manager) maybePrune() {
	now := m.clock()

	m.mu.Lock()
	if now.Sub(m.lastPrune) < pruneInterval {
		m.mu.Unlock()
		return
	}
	m.lastPrune = now
	buffers := make([]*standingBuffer, 0, len(m.standing))
	for _, sb := range m.standing {
		buffers = append(buffers, sb)
	}
	m.mu.Unlock()

	cutoff := now.Add(-m.tuning.PreBuffer)
	for _, sb := range buffers {
		sb.mu.Lock()
		for id, sp := range sb.speakers {
			sp.mu.Lock()
			stale := sp.lastSeen.Before(cutoff)
			sp.mu.Unlock()
			if stale {
				delete(sb.speakers, id)
			}
		}
		sb.mu.Unlock()
	}
}

// recordLosses feeds a finished recording's loss counters into the metrics.
func (m *Manager) recordLosses(ctx context.Context, res Result) {
	var overflow, late, outOfOrder, silence int64
	for _, st := range res.Speakers {
		overflow += int64(st.OverflowLoss)
		late += int64(st.LateLoss)
		outOfOrder += int64(st.OutOfOrder)
		silence += int64(st.Silence)
	}
	m.metrics.RecordDropped(ctx, "overflow", overflow)
	m.metrics.RecordDropped(ctx, "late", late)
	m.metrics.RecordDropped(ctx, "out_of_order", outOfOrder)
	m.metrics.SilenceSynthesized.Add(ctx, silence)
}

// createOutput creates the output file, making the directory as needed.
func createOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create output file: %w", err)
	}
	return f, nil
}

// sanitizeScope makes a scope ID safe for use in a file name.
func sanitizeScope(scope string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, scope)
}
