// Package commands implements the /record slash command group.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ryliehm/cassette/internal/discord"
	"github.com/ryliehm/cassette/internal/recorder"
)

// commandTimeout bounds one slash command round trip, including the voice
// channel join and the finalize drain.
const commandTimeout = 30 * time.Second

// maxUploadBytes is Discord's attachment size limit for bots. Larger files
// stay on disk and the reply points at the path instead.
const maxUploadBytes = 25 << 20

// Recorder is the recording control surface the commands drive.
type Recorder interface {
	Start(ctx context.Context, scope string, speakers []string) (recorder.Status, error)
	Stop(ctx context.Context, scope string) (recorder.Result, error)
	Status(scope string) (recorder.Status, error)
	Grab(ctx context.Context, scope string, window time.Duration) (recorder.Result, error)
}

// Voice joins and leaves voice channels, feeding captured audio into the
// recorder while connected.
type Voice interface {
	Join(ctx context.Context, channelID string) error
	Leave() error
	ChannelID() string
}

// Cataloger persists finished recording metadata. Optional.
type Cataloger interface {
	Save(ctx context.Context, res recorder.Result) (int64, error)
}

// RecordCommands holds the dependencies for the /record command group.
type RecordCommands struct {
	mgr     Recorder
	voice   Voice
	catalog Cataloger
	perms   *discord.PermissionChecker
	guildID string
}

// NewRecordCommands creates a RecordCommands and registers its handlers with
// the bot's router. catalog may be nil when no database is configured.
func NewRecordCommands(bot *discord.Bot, mgr Recorder, voice Voice, catalog Cataloger) *RecordCommands {
	rc := &RecordCommands{
		mgr:     mgr,
		voice:   voice,
		catalog: catalog,
		perms:   bot.Permissions(),
		guildID: bot.GuildID(),
	}
	rc.Register(bot.Router())
	return rc
}

// Register registers the /record command group with the router.
func (rc *RecordCommands) Register(router *discord.CommandRouter) {
	def := rc.Definition()
	router.RegisterCommand("record", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/record start`, `/record stop`, `/record status` or `/record grab`.")
	})
	router.RegisterHandler("record/start", rc.handleStart)
	router.RegisterHandler("record/stop", rc.handleStop)
	router.RegisterHandler("record/status", rc.handleStatus)
	router.RegisterHandler("record/grab", rc.handleGrab)
}

// Definition returns the ApplicationCommand definition for Discord.
func (rc *RecordCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "record",
		Description: "Record the voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start recording your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active recording and post the file",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the active recording's status",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "grab",
				Description: "Dump the recent pre-buffer to a file without a prior start",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "minutes",
						Description: "How many trailing minutes to keep (default: everything buffered)",
						MinValue:    &grabMinutesMin,
					},
				},
			},
		},
	}
}

var grabMinutesMin = float64(1)

// start joins the voice channel and begins a recording seeded from the
// standing pre-buffer.
func (rc *RecordCommands) start(ctx context.Context, channelID string, speakers []string) (recorder.Status, error) {
	if err := rc.voice.Join(ctx, channelID); err != nil {
		return recorder.Status{}, err
	}
	st, err := rc.mgr.Start(ctx, rc.guildID, speakers)
	if err != nil {
		if !errors.Is(err, recorder.ErrAlreadyRecording) {
			if lerr := rc.voice.Leave(); lerr != nil {
				slog.Warn("voice leave after failed start", "err", lerr)
			}
		}
		return recorder.Status{}, err
	}
	return st, nil
}

// stop finalizes the recording, leaves the voice channel and catalogs the
// result.
func (rc *RecordCommands) stop(ctx context.Context) (recorder.Result, error) {
	res, err := rc.mgr.Stop(ctx, rc.guildID)
	if err != nil {
		return recorder.Result{}, err
	}
	if lerr := rc.voice.Leave(); lerr != nil {
		slog.Warn("voice leave after stop", "err", lerr)
	}
	rc.catalogSave(ctx, res)
	return res, nil
}

func (rc *RecordCommands) grab(ctx context.Context, window time.Duration) (recorder.Result, error) {
	res, err := rc.mgr.Grab(ctx, rc.guildID, window)
	if err != nil {
		return recorder.Result{}, err
	}
	rc.catalogSave(ctx, res)
	return res, nil
}

func (rc *RecordCommands) catalogSave(ctx context.Context, res recorder.Result) {
	if rc.catalog == nil {
		return
	}
	id, err := rc.catalog.Save(ctx, res)
	if err != nil {
		slog.Warn("catalog save failed", "scope", res.Scope, "err", err)
		return
	}
	slog.Info("recording catalogued", "scope", res.Scope, "id", id)
}

func (rc *RecordCommands) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !rc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to start a recording.")
		return
	}

	userID := interactionUserID(i)
	vs, err := s.State.VoiceState(rc.guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		discord.RespondEphemeral(s, i, "You must be in a voice channel to start a recording.")
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	st, err := rc.start(ctx, vs.ChannelID, channelSpeakers(s, rc.guildID, vs.ChannelID))
	if err != nil {
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			discord.FollowUp(s, i, "A recording is already running.")
			return
		}
		discord.FollowUp(s, i, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	discord.FollowUp(s, i, fmt.Sprintf(
		"Recording <#%s> to `%s`. The pre-buffer was folded in, so audio from before this command is included.",
		vs.ChannelID, filepath.Base(st.Path),
	))
}

func (rc *RecordCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !rc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to stop a recording.")
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := rc.stop(ctx)
	if err != nil {
		if errors.Is(err, recorder.ErrNoActiveSession) {
			discord.FollowUp(s, i, "No active recording.")
			return
		}
		discord.FollowUp(s, i, fmt.Sprintf("Failed to stop recording: %v", err))
		return
	}

	rc.deliver(s, i, res)
}

func (rc *RecordCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	st, err := rc.mgr.Status(rc.guildID)
	if err != nil {
		discord.RespondEphemeral(s, i, "No active recording.")
		return
	}
	discord.RespondEphemeral(s, i, formatStatus(st))
}

func (rc *RecordCommands) handleGrab(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !rc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to grab the pre-buffer.")
		return
	}

	var window time.Duration
	if opts := i.ApplicationCommandData().Options; len(opts) > 0 {
		for _, opt := range opts[0].Options {
			if opt.Name == "minutes" {
				window = time.Duration(opt.IntValue()) * time.Minute
			}
		}
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := rc.grab(ctx, window)
	if err != nil {
		if errors.Is(err, recorder.ErrNoBufferedAudio) {
			discord.FollowUp(s, i, "Nothing buffered yet.")
			return
		}
		discord.FollowUp(s, i, fmt.Sprintf("Failed to grab the pre-buffer: %v", err))
		return
	}

	rc.deliver(s, i, res)
}

// deliver posts the finished file as an attachment when it fits under
// Discord's upload limit, otherwise replies with the on-disk path.
func (rc *RecordCommands) deliver(s *discordgo.Session, i *discordgo.InteractionCreate, res recorder.Result) {
	summary := formatResult(res)

	if res.Bytes > maxUploadBytes {
		discord.FollowUp(s, i, summary+fmt.Sprintf("\nFile is too large to attach; it stays at `%s`.", res.Path))
		return
	}

	file, err := os.Open(res.Path)
	if err != nil {
		slog.Warn("recording file unreadable", "path", res.Path, "err", err)
		discord.FollowUp(s, i, summary+fmt.Sprintf("\nCould not attach the file; it stays at `%s`.", res.Path))
		return
	}
	defer file.Close()

	discord.FollowUpFile(s, i, summary, filepath.Base(res.Path), file)
}

// formatStatus renders a status snapshot for an ephemeral reply.
func formatStatus(st recorder.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**State:** %s\n", st.State)
	fmt.Fprintf(&b, "**Since:** %s (%s ago)\n",
		st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Truncate(time.Second))
	fmt.Fprintf(&b, "**Speakers:** %d\n", len(st.Speakers))
	fmt.Fprintf(&b, "**File:** `%s` (%d bytes so far)", filepath.Base(st.Path), st.Bytes)
	return b.String()
}

// formatResult renders a finished recording summary.
func formatResult(res recorder.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording finished: **%s**, %d speakers, %d bytes.",
		res.Duration.Truncate(time.Second), len(res.Speakers), res.Bytes)
	if res.Incomplete {
		b.WriteString("\n:warning: The recording is incomplete; the file holds everything flushed before the failure.")
	}
	return b.String()
}

// channelSpeakers lists the users currently in the voice channel, excluding
// the bot itself. Used to pre-create speaker streams at start.
func channelSpeakers(s *discordgo.Session, guildID, channelID string) []string {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return nil
	}
	selfID := ""
	if s.State.User != nil {
		selfID = s.State.User.ID
	}
	var speakers []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != selfID {
			speakers = append(speakers, vs.UserID)
		}
	}
	return speakers
}

// interactionUserID extracts the user ID from an interaction, handling both
// guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
