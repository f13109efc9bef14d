package audio_test

import (
	"testing"
	"time"

	"github.com/ryliehm/cassette/pkg/audio"
)

func TestFrameSamplesAndDuration(t *testing.T) {
	t.Parallel()

	nominal := 20 * time.Millisecond
	tests := []struct {
		name        string
		frame       audio.Frame
		wantSamples int
		wantDur     time.Duration
	}{
		{
			name: "stereo pcm",
			frame: audio.Frame{
				SampleRate: 48000,
				Channels:   2,
				Payload:    audio.Payload{Kind: audio.PayloadPCM, PCM: make([]int16, 960*2)},
			},
			wantSamples: 960,
			wantDur:     20 * time.Millisecond,
		},
		{
			name: "half-length pcm",
			frame: audio.Frame{
				SampleRate: 48000,
				Channels:   2,
				Payload:    audio.Payload{Kind: audio.PayloadPCM, PCM: make([]int16, 480*2)},
			},
			wantSamples: 480,
			wantDur:     10 * time.Millisecond,
		},
		{
			name: "opus reports nominal",
			frame: audio.Frame{
				SampleRate: 48000,
				Channels:   2,
				Payload:    audio.Payload{Kind: audio.PayloadOpus, Opus: []byte{0xfc}},
			},
			wantSamples: 960,
			wantDur:     20 * time.Millisecond,
		},
		{
			name: "silence reports nominal",
			frame: audio.Frame{
				SampleRate: 48000,
				Channels:   2,
				Payload:    audio.Payload{Kind: audio.PayloadSilence},
			},
			wantSamples: 960,
			wantDur:     20 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.frame.Samples(nominal); got != tc.wantSamples {
				t.Errorf("Samples = %d, want %d", got, tc.wantSamples)
			}
			if got := tc.frame.Duration(nominal); got != tc.wantDur {
				t.Errorf("Duration = %v, want %v", got, tc.wantDur)
			}
		})
	}
}

func TestFrameEnd(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := audio.Frame{
		Timestamp:  base,
		SampleRate: 48000,
		Channels:   2,
		Payload:    audio.Payload{Kind: audio.PayloadPCM, PCM: make([]int16, 960*2)},
	}
	if got := f.End(20 * time.Millisecond); !got.Equal(base.Add(20 * time.Millisecond)) {
		t.Errorf("End = %v, want %v", got, base.Add(20*time.Millisecond))
	}
}

func TestPayloadKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind audio.PayloadKind
		want string
	}{
		{audio.PayloadPCM, "PCM"},
		{audio.PayloadOpus, "OPUS"},
		{audio.PayloadSilence, "SILENCE"},
		{audio.PayloadKind(99), "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("String(%d) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
