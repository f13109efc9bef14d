package recorder

import (
	"github.com/ryliehm/cassette/internal/recorder/opusenc"
)

// PacketEncoder turns fixed-duration PCM frames into container-ready
// packets for one speaker track. Implementations carry cross-frame state
// and must not be shared between tracks.
type PacketEncoder interface {
	// Encode encodes one frame of interleaved PCM.
	Encode(pcm []int16) ([]byte, error)

	// Silence returns a pre-encoded packet of one frame of silence.
	Silence() []byte
}

// EncoderFactory creates a fresh [PacketEncoder] per speaker track.
type EncoderFactory func(t Tuning) (PacketEncoder, error)

// OpusEncoderFactory is the production factory backed by gopus.
func OpusEncoderFactory(t Tuning) (PacketEncoder, error) {
	return opusenc.New(t.SampleRate, t.Channels, t.frameSamples(), t.Bitrate)
}
