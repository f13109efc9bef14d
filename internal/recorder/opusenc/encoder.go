// Package opusenc wraps a gopus Opus encoder for one speaker track.
//
// Opus encoding carries cross-frame prediction state, so an Encoder must
// never be shared between speakers; the recording engine creates one per
// track. An Encoder is not safe for concurrent use.
package opusenc

import (
	"fmt"

	"layeh.com/gopus"
)

// maxPacket bounds the size of one encoded Opus packet. 4000 bytes is the
// customary ceiling for 20 ms frames at any bitrate Opus supports.
const maxPacket = 4000

// Encoder is a stateful Opus encoder producing fixed-duration packets.
type Encoder struct {
	enc          *gopus.Encoder
	channels     int
	frameSamples int // samples per channel per packet
	silence      []byte
}

// New creates an Encoder for the given format. frameSamples is the number of
// samples per channel per packet (960 for 20 ms at 48 kHz); bitrate is in
// bits per second. A silence packet is pre-encoded at construction so that
// gap filler costs no encoding work at runtime.
func New(sampleRate, channels, frameSamples, bitrate int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opusenc: create encoder: %w", err)
	}
	if bitrate > 0 {
		enc.SetBitrate(bitrate)
	}

	e := &Encoder{
		enc:          enc,
		channels:     channels,
		frameSamples: frameSamples,
	}

	silence, err := e.Encode(make([]int16, frameSamples*channels))
	if err != nil {
		return nil, fmt.Errorf("opusenc: encode silence packet: %w", err)
	}
	e.silence = silence
	return e, nil
}

// Encode encodes one frame of interleaved PCM into an Opus packet. Input
// shorter than one frame is zero-padded; input longer is truncated, since
// the engine normalizes everything to the nominal frame duration upstream.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	want := e.frameSamples * e.channels
	if len(pcm) != want {
		padded := make([]int16, want)
		copy(padded, pcm)
		pcm = padded
	}
	pkt, err := e.enc.Encode(pcm, e.frameSamples, maxPacket)
	if err != nil {
		return nil, fmt.Errorf("opusenc: encode: %w", err)
	}
	return pkt, nil
}

// Silence returns the pre-encoded silence packet. The returned slice is
// shared and must not be modified.
func (e *Encoder) Silence() []byte {
	return e.silence
}
