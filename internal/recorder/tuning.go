package recorder

import "time"

// Defaults match Discord voice delivery: 48 kHz stereo Opus in 20 ms frames,
// with a half-hour standing pre-buffer.
const (
	DefaultSampleRate     = 48000
	DefaultChannels       = 2
	DefaultFrameDuration  = 20 * time.Millisecond
	DefaultBitrate        = 24000
	DefaultPreBuffer      = 30 * time.Minute
	DefaultMaxGap         = 3 * time.Second
	DefaultDriftTolerance = 200 * time.Millisecond
	DefaultWriteTimeout   = 10 * time.Second
)

// Tuning holds the engine's operating constants. The zero value is not
// usable; call [DefaultTuning] or fill every field. All durations are
// independent of each other except Holdback, which should be at least one
// FrameDuration for reordering to have any effect.
type Tuning struct {
	// FrameDuration is the nominal length of one frame. Gap detection,
	// silence synthesis, and ring capacity accounting are all denominated
	// in this unit.
	FrameDuration time.Duration

	// PreBuffer is the retention window of the standing per-speaker
	// pre-buffers that fill while no recording is live.
	PreBuffer time.Duration

	// MaxGap bounds silence synthesis: a speaker silent for longer is
	// marked idle until real audio resumes.
	MaxGap time.Duration

	// Holdback delays emission behind the arrival clock so late packets can
	// still be sequenced. Two frame durations absorbs typical network
	// reordering.
	Holdback time.Duration

	// DriftTolerance is how far a speaker's reported timestamps may diverge
	// from the session timeline before the clamp is counted as drift.
	DriftTolerance time.Duration

	// SampleRate and Channels describe the output tracks. Inbound PCM in
	// another format is converted before encoding.
	SampleRate int
	Channels   int

	// Bitrate is the Opus target in bits per second.
	Bitrate int

	// OutputDir is where finished container files are written.
	OutputDir string

	// WriteTimeout bounds individual sink writes when the sink supports
	// deadlines. Regular files do not; the bound then applies only to
	// finalize as a whole via the Stop context.
	WriteTimeout time.Duration
}

// DefaultTuning returns the production constants with output in the current
// directory.
func DefaultTuning() Tuning {
	return Tuning{
		FrameDuration:  DefaultFrameDuration,
		PreBuffer:      DefaultPreBuffer,
		MaxGap:         DefaultMaxGap,
		Holdback:       2 * DefaultFrameDuration,
		DriftTolerance: DefaultDriftTolerance,
		SampleRate:     DefaultSampleRate,
		Channels:       DefaultChannels,
		Bitrate:        DefaultBitrate,
		OutputDir:      ".",
		WriteTimeout:   DefaultWriteTimeout,
	}
}

// withDefaults fills zero fields from [DefaultTuning] so partially
// constructed tunings in tests and config remain usable.
func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.FrameDuration <= 0 {
		t.FrameDuration = d.FrameDuration
	}
	if t.PreBuffer <= 0 {
		t.PreBuffer = d.PreBuffer
	}
	if t.MaxGap <= 0 {
		t.MaxGap = d.MaxGap
	}
	if t.Holdback <= 0 {
		t.Holdback = 2 * t.FrameDuration
	}
	if t.DriftTolerance <= 0 {
		t.DriftTolerance = d.DriftTolerance
	}
	if t.SampleRate <= 0 {
		t.SampleRate = d.SampleRate
	}
	if t.Channels <= 0 {
		t.Channels = d.Channels
	}
	if t.Bitrate <= 0 {
		t.Bitrate = d.Bitrate
	}
	if t.OutputDir == "" {
		t.OutputDir = d.OutputDir
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = d.WriteTimeout
	}
	return t
}

// frames converts a duration into a frame count, rounding up so capacity
// bounds err on the side of retaining slightly more.
func (t Tuning) frames(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int((d + t.FrameDuration - 1) / t.FrameDuration)
	if n < 1 {
		n = 1
	}
	return n
}

// samples converts a duration to a sample count at the output rate.
func (t Tuning) samples(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Nanoseconds()) * uint64(t.SampleRate) / uint64(time.Second)
}

// frameSamples is the number of samples per channel in one nominal frame.
func (t Tuning) frameSamples() int {
	return int(t.samples(t.FrameDuration))
}
