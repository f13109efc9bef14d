package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ryliehm/cassette/internal/discord"
	"github.com/ryliehm/cassette/internal/recorder"
)

// fakeVoice records join/leave calls.
type fakeVoice struct {
	joined  []string
	leaves  int
	joinErr error
	current string
}

func (v *fakeVoice) Join(_ context.Context, channelID string) error {
	if v.joinErr != nil {
		return v.joinErr
	}
	v.joined = append(v.joined, channelID)
	v.current = channelID
	return nil
}

func (v *fakeVoice) Leave() error {
	v.leaves++
	v.current = ""
	return nil
}

func (v *fakeVoice) ChannelID() string { return v.current }

// fakeCatalog records saved results.
type fakeCatalog struct {
	saved []recorder.Result
}

func (c *fakeCatalog) Save(_ context.Context, res recorder.Result) (int64, error) {
	c.saved = append(c.saved, res)
	return int64(len(c.saved)), nil
}

// failingRecorder fails every operation.
type failingRecorder struct{ err error }

func (r *failingRecorder) Start(context.Context, string, []string) (recorder.Status, error) {
	return recorder.Status{}, r.err
}

func (r *failingRecorder) Stop(context.Context, string) (recorder.Result, error) {
	return recorder.Result{}, r.err
}

func (r *failingRecorder) Status(string) (recorder.Status, error) {
	return recorder.Status{}, r.err
}

func (r *failingRecorder) Grab(context.Context, string, time.Duration) (recorder.Result, error) {
	return recorder.Result{}, r.err
}

func newTestCommands(t *testing.T) (*RecordCommands, *fakeVoice, *fakeCatalog) {
	t.Helper()
	mgr := recorder.NewManager(recorder.ManagerConfig{
		Tuning: recorder.Tuning{OutputDir: t.TempDir()},
	})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	voice := &fakeVoice{}
	cat := &fakeCatalog{}
	rc := &RecordCommands{
		mgr:     mgr,
		voice:   voice,
		catalog: cat,
		perms:   discord.NewPermissionChecker(""),
		guildID: "guild-1",
	}
	return rc, voice, cat
}

func TestStartStopFlow(t *testing.T) {
	t.Parallel()

	rc, voice, cat := newTestCommands(t)
	ctx := context.Background()

	st, err := rc.start(ctx, "vc-1", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Path == "" || st.State != recorder.StateRecording {
		t.Errorf("status = %+v, want a recording with a path", st)
	}
	if len(voice.joined) != 1 || voice.joined[0] != "vc-1" {
		t.Errorf("voice joins = %v, want [vc-1]", voice.joined)
	}

	// A second start must report the conflict and keep the voice connection.
	if _, err := rc.start(ctx, "vc-1", nil); !errors.Is(err, recorder.ErrAlreadyRecording) {
		t.Fatalf("second start err = %v, want ErrAlreadyRecording", err)
	}
	if voice.leaves != 0 {
		t.Errorf("voice left after duplicate start")
	}

	res, err := rc.stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res.Scope != "guild-1" {
		t.Errorf("result scope = %q", res.Scope)
	}
	if voice.leaves != 1 {
		t.Errorf("voice leaves = %d, want 1", voice.leaves)
	}
	if len(cat.saved) != 1 || cat.saved[0].Path != res.Path {
		t.Errorf("catalog saved = %+v, want the stop result", cat.saved)
	}

	if _, err := rc.stop(ctx); !errors.Is(err, recorder.ErrNoActiveSession) {
		t.Errorf("double stop err = %v, want ErrNoActiveSession", err)
	}
}

func TestStartLeavesVoiceOnFailure(t *testing.T) {
	t.Parallel()

	voice := &fakeVoice{}
	rc := &RecordCommands{
		mgr:     &failingRecorder{err: errors.New("disk full")},
		voice:   voice,
		perms:   discord.NewPermissionChecker(""),
		guildID: "guild-1",
	}

	if _, err := rc.start(context.Background(), "vc-1", nil); err == nil {
		t.Fatal("start succeeded, want error")
	}
	if voice.leaves != 1 {
		t.Errorf("voice leaves = %d, want 1 (rollback)", voice.leaves)
	}
}

func TestGrabWithoutBufferedAudio(t *testing.T) {
	t.Parallel()

	rc, _, cat := newTestCommands(t)
	if _, err := rc.grab(context.Background(), 2*time.Minute); !errors.Is(err, recorder.ErrNoBufferedAudio) {
		t.Fatalf("grab err = %v, want ErrNoBufferedAudio", err)
	}
	if len(cat.saved) != 0 {
		t.Errorf("catalog saved %d entries for a failed grab", len(cat.saved))
	}
}

func TestStopWithoutCatalog(t *testing.T) {
	t.Parallel()

	rc, _, _ := newTestCommands(t)
	rc.catalog = nil

	if _, err := rc.start(context.Background(), "vc-1", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rc.stop(context.Background()); err != nil {
		t.Fatalf("stop without catalog: %v", err)
	}
}

func TestDefinition(t *testing.T) {
	t.Parallel()

	def := (&RecordCommands{}).Definition()
	if def.Name != "record" {
		t.Errorf("name = %q", def.Name)
	}
	want := []string{"start", "stop", "status", "grab"}
	if len(def.Options) != len(want) {
		t.Fatalf("subcommands = %d, want %d", len(def.Options), len(want))
	}
	for i, name := range want {
		if def.Options[i].Name != name {
			t.Errorf("subcommand %d = %q, want %q", i, def.Options[i].Name, name)
		}
	}
	grab := def.Options[3]
	if len(grab.Options) != 1 || grab.Options[0].Name != "minutes" {
		t.Errorf("grab options = %+v, want a minutes option", grab.Options)
	}
}

func TestRegisterExposesOneTopLevelCommand(t *testing.T) {
	t.Parallel()

	rc, _, _ := newTestCommands(t)
	router := discord.NewCommandRouter()
	rc.Register(router)

	cmds := router.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "record" {
		t.Errorf("registered commands = %+v, want just /record", cmds)
	}
}

func TestOperatorGate(t *testing.T) {
	t.Parallel()

	perms := discord.NewPermissionChecker("op-role")
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: "user-1"},
				Roles: []string{"other-role"},
			},
		},
	}
	if perms.IsOperator(i) {
		t.Error("user without the role passed the operator gate")
	}

	i.Member.Roles = append(i.Member.Roles, "op-role")
	if !perms.IsOperator(i) {
		t.Error("user with the role failed the operator gate")
	}
}

func TestFormatResultMarksIncomplete(t *testing.T) {
	t.Parallel()

	res := recorder.Result{
		Duration: 90 * time.Second,
		Bytes:    1234,
		Speakers: map[string]recorder.SpeakerStats{"alice": {}},
	}
	if msg := formatResult(res); strings.Contains(msg, "incomplete") {
		t.Errorf("complete result flagged incomplete: %q", msg)
	}

	res.Incomplete = true
	if msg := formatResult(res); !strings.Contains(msg, "incomplete") {
		t.Errorf("incomplete result not flagged: %q", msg)
	}
}
