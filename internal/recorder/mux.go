package recorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryliehm/cassette/internal/recorder/ogg"
	"github.com/ryliehm/cassette/pkg/audio"
)

// muxVendor is the vendor string stamped into every OpusTags header.
const muxVendor = "cassette"

// Muxer interleaves encoded packets from every speaker into one Ogg sink.
// Each speaker gets an independent [PacketEncoder] and an Ogg logical stream
// with a serial allocated at its first frame.
//
// Exactly one goroutine may call Write and Close: the container format
// requires a single append point with strictly increasing page sequence
// numbers and granule positions. The stats accessors are safe to call
// concurrently with writes.
type Muxer struct {
	tuning     Tuning
	origin     time.Time
	w          *ogg.Writer
	newEncoder EncoderFactory

	mu      sync.RWMutex // guards streams map for concurrent stats reads
	streams map[string]*muxStream
	serials map[uint32]bool
	closed  bool
}

type muxStream struct {
	serial uint32
	st     *ogg.Stream
	enc    PacketEncoder
	conv   *audio.FormatConverter

	lastTS  time.Time // capture timestamp of the last accepted frame
	started bool

	frames  atomic.Uint64
	silence atomic.Uint64
	dropped atomic.Uint64 // out-of-order frames discarded
	granule atomic.Uint64
}

// NewMuxer creates a Muxer writing to sink. origin anchors granule positions:
// a packet ending at capture time ts gets granule samples(ts-origin), which
// keeps all tracks aligned against the shared session clock, including
// across skipped idle gaps.
func NewMuxer(sink io.Writer, origin time.Time, tuning Tuning, newEncoder EncoderFactory) *Muxer {
	return &Muxer{
		tuning:     tuning.withDefaults(),
		origin:     origin,
		w:          ogg.NewWriter(sink),
		newEncoder: newEncoder,
		streams:    make(map[string]*muxStream),
		serials:    make(map[uint32]bool),
	}
}

// Write encodes and appends one frame to the speaker's logical stream.
// Frames must arrive in strictly increasing capture-timestamp order per
// speaker; violations are dropped and counted, not fatal. Encoding failures
// likewise drop the single frame. Only sink I/O failures return an error,
// wrapped in [ErrSinkWrite].
func (m *Muxer) Write(f audio.Frame) error {
	ms, err := m.stream(f.Speaker)
	if err != nil {
		return err
	}

	if ms.started && !f.Timestamp.After(ms.lastTS) {
		ms.dropped.Add(1)
		return nil
	}

	var pkt []byte
	switch f.Payload.Kind {
	case audio.PayloadOpus:
		pkt = f.Payload.Opus
	case audio.PayloadSilence:
		pkt = ms.enc.Silence()
		ms.silence.Add(1)
	case audio.PayloadPCM:
		g := ms.conv.Convert(f)
		pkt, err = ms.enc.Encode(g.Payload.PCM)
		if err != nil {
			slog.Warn("recorder: frame encode failed, dropping",
				"speaker", f.Speaker, "err", err)
			ms.dropped.Add(1)
			return nil
		}
	default:
		ms.dropped.Add(1)
		return nil
	}

	granule := m.tuning.samples(f.End(m.tuning.FrameDuration).Sub(m.origin))
	if err := ms.st.WritePacket(pkt, granule); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}

	ms.lastTS = f.Timestamp
	ms.started = true
	ms.granule.Store(granule)
	ms.frames.Add(1)
	return nil
}

// Flush forces any partially filled pages out to the sink.
func (m *Muxer) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ms := range m.streams {
		if err := ms.st.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrSinkWrite, err)
		}
	}
	return nil
}

// Close emits an end-of-stream page for every speaker track exactly once.
// Safe to call more than once; later calls are no-ops. Even on error, every
// stream is attempted so a partial file carries as many EOS markers as the
// sink accepted.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		ms := m.streams[id]
		if err := ms.st.Close(ms.granule.Load()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	return nil
}

// BytesWritten reports the container bytes written so far.
func (m *Muxer) BytesWritten() int64 {
	return m.w.BytesWritten()
}

// Duration reports the longest track's play time.
func (m *Muxer) Duration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, ms := range m.streams {
		if g := ms.granule.Load(); g > max {
			max = g
		}
	}
	return time.Duration(max) * time.Second / time.Duration(m.tuning.SampleRate)
}

// Speakers returns the IDs of all tracks created so far.
func (m *Muxer) Speakers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrackStats reports per-speaker emission counters.
func (m *Muxer) TrackStats(id string) (frames, silence, dropped uint64, dur time.Duration) {
	m.mu.RLock()
	ms, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return 0, 0, 0, 0
	}
	dur = time.Duration(ms.granule.Load()) * time.Second / time.Duration(m.tuning.SampleRate)
	return ms.frames.Load(), ms.silence.Load(), ms.dropped.Load(), dur
}

// stream returns the speaker's track, creating it on first use: allocating
// the serial, emitting the Opus header pages, and constructing the encoder.
func (m *Muxer) stream(id string) (*muxStream, error) {
	m.mu.RLock()
	ms, ok := m.streams[id]
	m.mu.RUnlock()
	if ok {
		return ms, nil
	}

	enc, err := m.newEncoder(m.tuning)
	if err != nil {
		return nil, fmt.Errorf("recorder: create encoder for speaker %s: %w", id, err)
	}

	m.mu.Lock()
	serial := m.allocSerial()
	st := m.w.NewStream(serial)
	ms = &muxStream{
		serial: serial,
		st:     st,
		enc:    enc,
		conv: &audio.FormatConverter{Target: audio.Format{
			SampleRate: m.tuning.SampleRate,
			Channels:   m.tuning.Channels,
		}},
	}
	m.streams[id] = ms
	m.mu.Unlock()

	// RFC 7845: each header packet terminates its own page.
	if err := st.WritePacket(ogg.OpusHead(m.tuning.Channels, m.tuning.SampleRate), 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	if err := st.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	if err := st.WritePacket(ogg.OpusTags(muxVendor), 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	if err := st.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	return ms, nil
}

// allocSerial picks a serial unique within this muxer. Seeded with the
// process ID so concurrent processes writing to shared storage do not mint
// identical serials at the same instant. Caller holds m.mu.
func (m *Muxer) allocSerial() uint32 {
	serial := rand.Uint32() ^ uint32(os.Getpid())
	for m.serials[serial] {
		serial++
	}
	m.serials[serial] = true
	return serial
}
