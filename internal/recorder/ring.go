package recorder

import (
	"iter"
	"sort"
	"time"

	"github.com/ryliehm/cassette/pkg/audio"
)

// Ring is a bounded, time-ordered buffer of frames for one speaker. It
// retains at most its capacity in frames, evicting the oldest on overflow,
// and keeps frames in ascending timestamp order even when they arrive out of
// order. Losses are counted, never surfaced as errors.
//
// Ring carries no lock of its own; callers serialize access per speaker.
type Ring struct {
	cap   int
	buf   []audio.Frame
	start int // index of the oldest retained frame within buf

	overflow uint64
	late     uint64
}

// NewRing creates a Ring retaining at most capacity frames. Capacity is
// usually derived from a retention duration via [Tuning.frames]. Storage
// grows with use; an idle ring costs almost nothing.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{cap: capacity}
}

// Len reports the number of retained frames.
func (r *Ring) Len() int {
	return len(r.buf) - r.start
}

// Cap reports the frame capacity.
func (r *Ring) Cap() int {
	return r.cap
}

// OverflowLoss reports how many frames were evicted because the ring was
// full.
func (r *Ring) OverflowLoss() uint64 {
	return r.overflow
}

// LateLoss reports how many frames arrived older than the oldest retained
// timestamp and were dropped.
func (r *Ring) LateLoss() uint64 {
	return r.late
}

// Newest returns the timestamp of the most recent retained frame and whether
// the ring holds any frames.
func (r *Ring) Newest() (time.Time, bool) {
	if r.Len() == 0 {
		return time.Time{}, false
	}
	return r.buf[len(r.buf)-1].Timestamp, true
}

// Oldest returns the timestamp of the oldest retained frame and whether the
// ring holds any frames.
func (r *Ring) Oldest() (time.Time, bool) {
	if r.Len() == 0 {
		return time.Time{}, false
	}
	return r.buf[r.start].Timestamp, true
}

// Push inserts a frame, keeping timestamps ascending. Frames older than the
// oldest retained timestamp are dropped and counted as late loss. Insertion
// at capacity evicts the oldest frame and counts it as overflow loss.
func (r *Ring) Push(f audio.Frame) {
	n := r.Len()
	if n > 0 && f.Timestamp.Before(r.buf[len(r.buf)-1].Timestamp) {
		// Out-of-order arrival: place it inside the trailing window.
		if f.Timestamp.Before(r.buf[r.start].Timestamp) {
			r.late++
			return
		}
		window := r.buf[r.start:]
		i := sort.Search(len(window), func(i int) bool {
			return window[i].Timestamp.After(f.Timestamp)
		})
		r.buf = append(r.buf, audio.Frame{})
		copy(r.buf[r.start+i+1:], r.buf[r.start+i:])
		r.buf[r.start+i] = f
	} else {
		r.buf = append(r.buf, f)
	}

	if r.Len() > r.cap {
		r.buf[r.start] = audio.Frame{}
		r.start++
		r.overflow++
	}
	r.compact()
}

// DrainSince removes every retained frame and returns those with timestamps
// at or after t, in ascending order, as a one-shot sequence. Frames older
// than t are discarded. The returned sequence is finite and must be consumed
// at most once; frames yielded are owned by the caller.
func (r *Ring) DrainSince(t time.Time) iter.Seq[audio.Frame] {
	frames := r.take()
	i := sort.Search(len(frames), func(i int) bool {
		return !frames[i].Timestamp.Before(t)
	})
	frames = frames[i:]
	return func(yield func(audio.Frame) bool) {
		for _, f := range frames {
			if !yield(f) {
				return
			}
		}
	}
}

// DrainUntil removes and returns the frames with timestamps strictly before
// t, in ascending order, keeping newer frames retained. This is the pump's
// holdback cut: frames newer than the watermark stay in the ring so late
// arrivals can still be sequenced ahead of them.
func (r *Ring) DrainUntil(t time.Time) []audio.Frame {
	n := r.Len()
	if n == 0 {
		return nil
	}
	window := r.buf[r.start:]
	i := sort.Search(len(window), func(i int) bool {
		return !window[i].Timestamp.Before(t)
	})
	if i == 0 {
		return nil
	}
	out := make([]audio.Frame, i)
	copy(out, window[:i])
	for j := range i {
		r.buf[r.start+j] = audio.Frame{}
	}
	r.start += i
	r.compact()
	return out
}

// take removes and returns all retained frames in order.
func (r *Ring) take() []audio.Frame {
	frames := r.buf[r.start:]
	r.buf = nil
	r.start = 0
	return frames
}

// compact reclaims the evicted prefix once it dominates the backing slice.
func (r *Ring) compact() {
	if r.start > 0 && (r.start >= len(r.buf) || r.start > r.cap) {
		n := copy(r.buf, r.buf[r.start:])
		clear(r.buf[n:])
		r.buf = r.buf[:n]
		r.start = 0
	}
}
