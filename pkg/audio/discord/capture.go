package discord

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/ryliehm/cassette/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	captureSampleRate = 48000
	captureChannels   = 2
	captureFrameSize  = captureSampleRate * 20 / 1000 // samples per channel
)

// resyncThreshold bounds how far an RTP-derived timestamp may drift from the
// wall clock before the per-speaker clock re-anchors. Discord restarts the
// RTP timeline when a speaker rejoins, so large jumps are expected.
const resyncThreshold = 2 * time.Second

// pcmDecoder decodes one Opus packet to interleaved int16 PCM.
// Overridden in tests.
type pcmDecoder interface {
	Decode(packet []byte) ([]int16, error)
}

// gopusDecoder wraps a stateful gopus decoder for one SSRC.
type gopusDecoder struct {
	dec *gopus.Decoder
}

func newGopusDecoder() (pcmDecoder, error) {
	dec, err := gopus.NewDecoder(captureSampleRate, captureChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &gopusDecoder{dec: dec}, nil
}

func (d *gopusDecoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, captureFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcm, nil
}

// rtpClock derives monotonic capture times from a speaker's 32-bit RTP
// timestamps. The first packet anchors the RTP timeline to the wall clock;
// later packets are placed relative to that anchor so jitter in packet
// arrival does not disturb frame spacing. Wraparound is handled by signed
// 32-bit delta arithmetic.
type rtpClock struct {
	anchor   time.Time
	anchorTS uint32
}

// timeOf maps an RTP timestamp to wall time. Re-anchors to now when the
// derived time drifts beyond [resyncThreshold].
func (c *rtpClock) timeOf(ts uint32, now time.Time) time.Time {
	if c.anchor.IsZero() {
		c.anchor, c.anchorTS = now, ts
		return now
	}
	delta := int32(ts - c.anchorTS)
	t := c.anchor.Add(time.Duration(delta) * time.Second / captureSampleRate)
	if d := t.Sub(now); d > resyncThreshold || d < -resyncThreshold {
		c.anchor, c.anchorTS = now, ts
		return now
	}
	return t
}

// Capture is one live voice-channel attachment. It owns the receive loop
// that turns Discord's Opus packet stream into [audio.Frame] deliveries.
type Capture struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	sink    audio.Sink

	mu       sync.RWMutex
	ssrcUser map[uint32]string

	newDecoder  func() (pcmDecoder, error)
	now         func() time.Time
	removeState func()

	done      chan struct{}
	closeOnce sync.Once
}

// newCapture attaches to an already-joined voice connection and starts the
// receive loop.
func newCapture(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, sink audio.Sink) *Capture {
	c := &Capture{
		vc:         vc,
		session:    session,
		guildID:    guildID,
		sink:       sink,
		ssrcUser:   make(map[uint32]string),
		newDecoder: newGopusDecoder,
		now:        time.Now,
		done:       make(chan struct{}),
	}

	// Speaking updates carry the SSRC→user binding; without them frames are
	// attributed to the bare SSRC.
	vc.AddHandler(c.handleSpeakingUpdate)
	c.removeState = session.AddHandler(c.handleVoiceStateUpdate)

	go c.recvLoop()
	return c
}

func (c *Capture) channelID() string {
	return c.vc.ChannelID
}

// leave stops the receive loop and disconnects the voice connection. Safe to
// call more than once.
func (c *Capture) leave() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeState != nil {
			c.removeState()
		}
		err = c.vc.Disconnect()
	})
	return err
}

// recvLoop demuxes incoming Opus packets by SSRC, decodes each speaker's
// stream with its own stateful decoder, and delivers PCM frames to the sink.
func (c *Capture) recvLoop() {
	decoders := make(map[uint32]pcmDecoder)
	clocks := make(map[uint32]*rtpClock)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = c.newDecoder()
				if err != nil {
					slog.Error("opus decoder unavailable", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
				clocks[pkt.SSRC] = &rtpClock{}
			}

			pcm, err := dec.Decode(pkt.Opus)
			if err != nil {
				slog.Warn("opus decode failed", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			c.sink.OnFrame(c.guildID, audio.Frame{
				Speaker:    c.speakerFor(pkt.SSRC),
				Timestamp:  clocks[pkt.SSRC].timeOf(pkt.Timestamp, c.now()),
				SampleRate: captureSampleRate,
				Channels:   captureChannels,
				Payload:    audio.Payload{Kind: audio.PayloadPCM, PCM: pcm},
			})
		}
	}
}

// speakerFor resolves an SSRC to a user ID, falling back to the SSRC itself
// until a speaking update provides the binding.
func (c *Capture) speakerFor(ssrc uint32) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if user, ok := c.ssrcUser[ssrc]; ok {
		return user
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// handleSpeakingUpdate records the SSRC→user binding announced when a
// participant starts speaking.
func (c *Capture) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// handleVoiceStateUpdate translates channel join/leave events for our voice
// channel into sink speaker notifications.
func (c *Capture) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.GuildID != c.guildID {
		return
	}
	if c.session.State != nil && c.session.State.User != nil && vsu.UserID == c.session.State.User.ID {
		return
	}

	channelID := c.vc.ChannelID

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		c.sink.SpeakerLeft(c.guildID, vsu.UserID)
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		c.sink.SpeakerJoined(c.guildID, vsu.UserID)
	}
}
