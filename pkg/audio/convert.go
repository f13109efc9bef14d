package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact "48000Hz/2ch" representation.
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// FormatConverter converts PCM frames to a target format before they enter
// the recording pipeline. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts a PCM frame to the target format. Frames whose format
// already matches, and frames that do not carry PCM payloads, are returned
// unchanged. Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if frame.Payload.Kind != PayloadPCM {
		return frame
	}

	// Fast path: source matches target.
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", Format{frame.SampleRate, frame.Channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Payload.PCM
	rate := frame.SampleRate
	channels := frame.Channels

	// Resample first so stereo content is not resampled twice when the
	// target is mono.
	if rate != c.Target.SampleRate {
		pcm = Resample16(pcm, channels, rate, c.Target.SampleRate)
		rate = c.Target.SampleRate
	}

	if channels != c.Target.Channels {
		switch {
		case channels == 1 && c.Target.Channels == 2:
			pcm = MonoToStereo(pcm)
		case channels == 2 && c.Target.Channels == 1:
			pcm = StereoToMono(pcm)
		}
		channels = c.Target.Channels
	}

	return Frame{
		Speaker:    frame.Speaker,
		Timestamp:  frame.Timestamp,
		SampleRate: rate,
		Channels:   channels,
		Payload:    Payload{Kind: PayloadPCM, PCM: pcm},
	}
}

// MonoToStereo duplicates each mono sample into a stereo L+R pair.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// Resample16 resamples interleaved int16 PCM from srcRate to dstRate using
// linear interpolation per channel. If srcRate == dstRate the input is
// returned unchanged.
func Resample16(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < channels {
		return pcm
	}

	srcFrames := len(pcm) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		for ch := range channels {
			s0 := pcm[srcIdx*channels+ch]
			s1 := s0
			if srcIdx+1 < srcFrames {
				s1 = pcm[(srcIdx+1)*channels+ch]
			}
			out[i*channels+ch] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
		}
	}
	return out
}
