package recorder

import (
	"slices"
	"time"

	"github.com/ryliehm/cassette/pkg/audio"
)

// Timeline merges per-speaker frame sequences onto one session-wide clock.
//
// Every track keeps a cursor: the session-relative instant its next frame
// must start at. Emission repeatedly picks the track with the smallest
// cursor (ties broken by speaker ID, so interleaving is deterministic) and
// emits either the track's next real frame or a synthesized silence frame,
// renormalizing frame timestamps onto the cursor so every track stays
// decodable against the shared clock. A speaker silent beyond MaxGap is
// marked idle; its cursor jumps forward when real audio resumes instead of
// filling the whole gap with silence.
//
// Timeline is not safe for concurrent use; the session pump is its only
// caller.
type Timeline struct {
	origin time.Time
	tuning Tuning

	tracks map[string]*track
	order  []string // sorted speaker IDs for deterministic tie-break
}

type track struct {
	id      string
	pending []audio.Frame

	cursor   time.Time // start of the next slot on the session clock
	lastReal time.Time // end of the last real (non-silence) emission
	present  bool      // speaker currently in the channel
	idle     bool      // silence synthesis suspended after MaxGap

	silence uint64
	drift   uint64
}

// NewTimeline creates a Timeline anchored at origin, the session clock zero.
func NewTimeline(origin time.Time, tuning Tuning) *Timeline {
	return &Timeline{
		origin: origin,
		tuning: tuning.withDefaults(),
		tracks: make(map[string]*track),
	}
}

// Ensure registers a speaker track if absent. New tracks start at the
// session origin and present.
func (tl *Timeline) Ensure(id string) {
	if _, ok := tl.tracks[id]; ok {
		return
	}
	tl.tracks[id] = &track{
		id:       id,
		cursor:   tl.origin,
		lastReal: tl.origin,
		present:  true,
	}
	i, _ := slices.BinarySearch(tl.order, id)
	tl.order = slices.Insert(tl.order, i, id)
}

// SetPresent marks a speaker as present in or absent from the channel.
// Absent speakers get no synthesized silence; their buffered frames still
// drain normally.
func (tl *Timeline) SetPresent(id string, present bool) {
	if tr, ok := tl.tracks[id]; ok {
		tr.present = present
	}
}

// Feed appends drained frames for a speaker. Frames must be in ascending
// timestamp order, which the per-speaker [Ring] guarantees.
func (tl *Timeline) Feed(id string, frames []audio.Frame) {
	if len(frames) == 0 {
		return
	}
	tl.Ensure(id)
	tr := tl.tracks[id]
	tr.pending = append(tr.pending, frames...)
}

// Emit advances every track up to the watermark and returns the merged
// emission in timeline order. With final set, pending frames are emitted
// regardless of the watermark and no silence is synthesized, so tracks end
// at their own last real frame.
func (tl *Timeline) Emit(until time.Time, final bool) []audio.Frame {
	var out []audio.Frame
	for {
		tr := tl.next(until, final)
		if tr == nil {
			return out
		}
		if f, ok := tl.step(tr, final); ok {
			out = append(out, f)
		}
	}
}

// Stats reports the synthesis and drift counters for one speaker.
func (tl *Timeline) Stats(id string) (silence, drift uint64) {
	if tr, ok := tl.tracks[id]; ok {
		return tr.silence, tr.drift
	}
	return 0, 0
}

// next returns the eligible track with the smallest cursor, ties broken by
// ascending speaker ID, or nil when no track can emit.
func (tl *Timeline) next(until time.Time, final bool) *track {
	var best *track
	for _, id := range tl.order {
		tr := tl.tracks[id]
		if !tl.eligible(tr, until, final) {
			continue
		}
		if best == nil || tr.cursor.Before(best.cursor) {
			best = tr
		}
	}
	return best
}

func (tl *Timeline) eligible(tr *track, until time.Time, final bool) bool {
	if len(tr.pending) > 0 {
		return final || tr.cursor.Before(until)
	}
	// Silence candidate: only live, present, non-idle tracks, and never on
	// the final flush.
	if final || !tr.present || tr.idle {
		return false
	}
	return tr.cursor.Before(until)
}

// step emits one frame (real or silence) for the track, or marks it idle and
// reports false.
func (tl *Timeline) step(tr *track, final bool) (audio.Frame, bool) {
	fd := tl.tuning.FrameDuration

	if len(tr.pending) == 0 {
		if tr.cursor.Sub(tr.lastReal) >= tl.tuning.MaxGap {
			tr.idle = true
			return audio.Frame{}, false
		}
		f := tl.silenceFrame(tr.id, tr.cursor)
		tr.cursor = tr.cursor.Add(fd)
		tr.silence++
		return f, true
	}

	next := tr.pending[0]

	// A prolonged gap is skipped, not filled: snap the cursor onto the frame
	// grid at the resuming frame.
	if gap := next.Timestamp.Sub(tr.cursor); tr.idle || (gap >= fd && tr.cursor.Sub(tr.lastReal) >= tl.tuning.MaxGap) {
		tr.cursor = tl.snap(next.Timestamp)
		tr.idle = false
	}

	if delta := next.Timestamp.Sub(tr.cursor); delta >= fd && !final {
		// Short gap ahead of the cursor: fill one slot with silence.
		f := tl.silenceFrame(tr.id, tr.cursor)
		tr.cursor = tr.cursor.Add(fd)
		tr.silence++
		return f, true
	} else if final && delta >= fd {
		// Final flush never synthesizes; jump straight to the frame.
		tr.cursor = tl.snap(next.Timestamp)
	}

	// Emit the real frame renormalized onto the session clock.
	tr.pending = tr.pending[1:]
	if d := next.Timestamp.Sub(tr.cursor); d > tl.tuning.DriftTolerance || -d > tl.tuning.DriftTolerance {
		tr.drift++
	}
	out := next
	out.Timestamp = tr.cursor
	tr.cursor = tr.cursor.Add(out.Duration(fd))
	tr.lastReal = tr.cursor
	return out, true
}

// snap aligns a timestamp down onto the session frame grid.
func (tl *Timeline) snap(ts time.Time) time.Time {
	off := ts.Sub(tl.origin)
	if off < 0 {
		return tl.origin
	}
	return tl.origin.Add(off - off%tl.tuning.FrameDuration)
}

func (tl *Timeline) silenceFrame(id string, ts time.Time) audio.Frame {
	return audio.Frame{
		Speaker:    id,
		Timestamp:  ts,
		SampleRate: tl.tuning.SampleRate,
		Channels:   tl.tuning.Channels,
		Payload:    audio.Payload{Kind: audio.PayloadSilence},
	}
}
