// Package discord captures voice-channel audio from Discord via the
// bwmarrin/discordgo library and feeds it to an [audio.Sink].
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. [Platform.Join] connects to a voice channel and starts a
// [Capture] that demuxes incoming Opus packets by SSRC, decodes them to PCM
// with a per-speaker gopus decoder, anchors RTP timestamps to the wall clock,
// and delivers one [audio.Frame] per packet to the sink.
package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/ryliehm/cassette/pkg/audio"
)

// Platform owns at most one voice connection per guild and routes all
// captured audio into a single sink. It is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	sink    audio.Sink

	mu      sync.Mutex
	capture *Capture
}

// New creates a Platform for the given session and guild. Captured frames
// and speaker lifecycle events are delivered to sink with the guild ID as
// the scope.
func New(session *discordgo.Session, guildID string, sink audio.Sink) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
		sink:    sink,
	}
}

// Join connects to the voice channel identified by channelID and starts
// capturing. If the platform is already connected it moves to the new
// channel. The ctx governs connection setup only; the capture lives until
// [Platform.Leave].
func (p *Platform) Join(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capture != nil {
		if p.capture.channelID() == channelID {
			return nil
		}
		if err := p.capture.leave(); err != nil {
			return fmt.Errorf("discord: leave previous channel: %w", err)
		}
		p.capture = nil
	}

	// mute=true: the recorder never transmits. deaf=false: we receive audio.
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	p.capture = newCapture(vc, p.session, p.guildID, p.sink)
	return nil
}

// Leave disconnects from the current voice channel and stops capturing.
// Leaving while not connected is a no-op.
func (p *Platform) Leave() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture == nil {
		return nil
	}
	err := p.capture.leave()
	p.capture = nil
	return err
}

// ChannelID returns the currently joined voice channel, or "" when not
// connected.
func (p *Platform) ChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capture == nil {
		return ""
	}
	return p.capture.channelID()
}
