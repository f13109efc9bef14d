// Package audio defines the frame representation shared by capture adapters
// and the recording engine.
//
// A [Frame] is the atomic unit of audio transport: one speaker, one capture
// timestamp, one payload. Payloads are a tagged variant — decoded PCM
// samples, an already-encoded Opus packet, or synthesized silence — so that
// the encoder can treat re-encoding and passthrough uniformly.
//
// This package lives under pkg/ because external capture adapters (Discord
// today, other platforms later) are expected to produce [Frame] values and
// deliver them to a [Sink].
package audio

import "time"

// PayloadKind discriminates the variant held by a [Payload].
type PayloadKind int

const (
	// PayloadPCM means the frame carries decoded interleaved int16 samples.
	PayloadPCM PayloadKind = iota

	// PayloadOpus means the frame carries one pre-encoded Opus packet that
	// can be muxed without re-encoding.
	PayloadOpus

	// PayloadSilence marks a synthesized gap-filler frame. It carries no
	// sample data; the encoder substitutes an encoded silence packet of the
	// nominal frame duration.
	PayloadSilence
)

// String returns the human-readable name of the payload kind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadPCM:
		return "PCM"
	case PayloadOpus:
		return "OPUS"
	case PayloadSilence:
		return "SILENCE"
	default:
		return "UNKNOWN"
	}
}

// Payload holds the audio data of a [Frame] in exactly one encoding.
// Only the field matching Kind is valid.
type Payload struct {
	Kind PayloadKind

	// PCM is interleaved int16 samples. Valid when Kind == PayloadPCM.
	PCM []int16

	// Opus is a single encoded Opus packet. Valid when Kind == PayloadOpus.
	Opus []byte
}

// Frame is one timestamped unit of audio for one speaker. Frames are
// immutable once created and move by ownership transfer: a capture adapter
// hands a Frame to a ring buffer, and the ring buffer hands it to the
// encoder, which consumes it.
type Frame struct {
	// Speaker is the platform-specific identity of the participant who
	// produced this audio (e.g. a Discord user ID).
	Speaker string

	// Timestamp is the monotonic capture time of the first sample.
	Timestamp time.Time

	// SampleRate in Hz (48000 for Discord voice).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	Payload Payload
}

// Samples returns the number of samples per channel carried by the frame.
// Silence and Opus frames report nominal samples for the given frame
// duration, since their sample count is not recoverable from the payload.
func (f Frame) Samples(nominal time.Duration) int {
	if f.Payload.Kind == PayloadPCM && f.Channels > 0 {
		return len(f.Payload.PCM) / f.Channels
	}
	if f.SampleRate <= 0 {
		return 0
	}
	return int(int64(f.SampleRate) * nominal.Nanoseconds() / int64(time.Second))
}

// Duration returns the play time covered by the frame. For Opus and silence
// payloads the nominal frame duration is assumed.
func (f Frame) Duration(nominal time.Duration) time.Duration {
	if f.Payload.Kind != PayloadPCM {
		return nominal
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Payload.PCM) / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// End returns the capture timestamp of the instant just past the frame's
// last sample.
func (f Frame) End(nominal time.Duration) time.Time {
	return f.Timestamp.Add(f.Duration(nominal))
}

// Sink consumes normalized frames and speaker lifecycle notifications from a
// capture adapter. The recording engine's session manager is the canonical
// implementation.
//
// Implementations must be safe for concurrent use: a capture adapter may
// deliver frames for many speakers from independent goroutines.
type Sink interface {
	// OnFrame delivers one captured frame scoped to a recording scope
	// (e.g. a guild ID). Ownership of the frame transfers to the sink.
	OnFrame(scopeID string, f Frame)

	// SpeakerJoined notifies the sink that a speaker became present in the
	// scope's voice channel.
	SpeakerJoined(scopeID, speakerID string)

	// SpeakerLeft notifies the sink that a speaker left the scope's voice
	// channel.
	SpeakerLeft(scopeID, speakerID string)
}
