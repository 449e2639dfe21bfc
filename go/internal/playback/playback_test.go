package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

type fakePlayer struct {
	mu       sync.Mutex
	calls    []string
	position float64
	state    PlayerState
	posErr   error
}

func (p *fakePlayer) Seek(_ context.Context, seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, fmt.Sprintf("seek:%.0f", seconds))
	p.position = seconds
	return nil
}

func (p *fakePlayer) Play(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "play")
	p.state = PlayerPlaying
	return nil
}

func (p *fakePlayer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "pause")
	p.state = PlayerPaused
	return nil
}

func (p *fakePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, p.posErr
}

func (p *fakePlayer) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) set(position float64, state PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	p.state = state
}

// take returns and clears the recorded calls
func (p *fakePlayer) take() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = nil
	return calls
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func sameCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestController() (*Controller, *fakePlayer, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	player := &fakePlayer{state: PlayerUnstarted}
	c := NewController(player, clock, DefaultConfig(), nil)
	return c, player, clock
}

func TestCountdownThenPlayFromZero(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(5*time.Second), true))

	s := c.Status()
	if s.Phase != PhaseCountdown || s.Countdown != 5 || s.MediaID != "v1" {
		t.Fatalf("status = %+v, want 5s countdown", s)
	}
	if got := player.take(); !sameCalls(got, []string{"pause"}) {
		t.Fatalf("calls during countdown = %v", got)
	}

	clock.Advance(2500 * time.Millisecond)
	if s := c.Status(); s.Countdown != 3 {
		t.Errorf("countdown after 2.5s = %d, want 3", s.Countdown)
	}

	clock.Advance(2500 * time.Millisecond)
	waitFor(t, func() bool { return player.count() == 2 })
	if got := player.take(); !sameCalls(got, []string{"seek:0", "play"}) {
		t.Fatalf("calls at start = %v, want seek:0 play", got)
	}
	if s := c.Status(); s.Phase != PhasePlaying || s.Countdown != 0 {
		t.Errorf("status after countdown = %+v", s)
	}
}

func TestPastStartSeeksImmediately(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-10*time.Second), true))

	if got := player.take(); !sameCalls(got, []string{"seek:10", "play"}) {
		t.Fatalf("calls = %v, want seek:10 play", got)
	}
	if s := c.Status(); s.Phase != PhasePlaying || s.Countdown != 0 {
		t.Errorf("status = %+v, no countdown expected", s)
	}
}

func TestNewerAnchorCancelsCountdown(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(5*time.Second), true))
	c.ApplyAnchor(timeline.NewAnchor("v2", clock.Now().Add(10*time.Second), true))
	player.take()

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := player.take(); len(got) != 0 {
		t.Fatalf("superseded countdown fired: %v", got)
	}
	if s := c.Status(); s.Phase != PhaseCountdown || s.MediaID != "v2" || s.Countdown != 5 {
		t.Errorf("status = %+v", s)
	}

	clock.Advance(5 * time.Second)
	waitFor(t, func() bool { return player.count() == 2 })
	if got := player.take(); !sameCalls(got, []string{"seek:0", "play"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestStartTimeChangeRestarts(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-30*time.Second), true))
	player.take()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now(), true))
	if got := player.take(); !sameCalls(got, []string{"seek:0", "play"}) {
		t.Errorf("restart calls = %v, want seek:0 play", got)
	}

	// identical re-delivery is not a change
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now(), true))
	if got := player.take(); len(got) != 0 {
		t.Errorf("duplicate anchor produced %v", got)
	}
}

func TestBackwardStartIsStillApplied(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-5*time.Second), true))
	player.take()
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-20*time.Second), true))
	if got := player.take(); !sameCalls(got, []string{"seek:20", "play"}) {
		t.Errorf("calls = %v, want seek:20 play", got)
	}
}

func TestPausedAnchor(t *testing.T) {
	c, player, clock := newTestController()

	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(5*time.Second), true))
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-3*time.Second), false))
	player.take()

	if s := c.Status(); s.Phase != PhasePaused {
		t.Fatalf("phase = %s, want paused", s.Phase)
	}
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := player.take(); len(got) != 0 {
		t.Errorf("paused anchor must cancel the countdown, got %v", got)
	}

	c.ApplyAnchor(timeline.PlaybackAnchor{})
	if s := c.Status(); s.Phase != PhaseIdle {
		t.Errorf("empty anchor phase = %s, want idle", s.Phase)
	}
}

func TestCorrectSeeksOnDrift(t *testing.T) {
	c, player, clock := newTestController()
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-60*time.Second), true))
	player.take()

	player.set(60.5, PlayerPlaying)
	c.Correct(context.Background())
	if got := player.take(); len(got) != 0 {
		t.Errorf("drift within threshold produced %v", got)
	}

	player.set(55, PlayerPlaying)
	c.Correct(context.Background())
	if got := player.take(); !sameCalls(got, []string{"seek:60"}) {
		t.Errorf("calls = %v, want seek:60", got)
	}
}

func TestCorrectIgnoresUnreadablePosition(t *testing.T) {
	c, player, clock := newTestController()
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-60*time.Second), true))
	player.take()

	player.mu.Lock()
	player.posErr = errors.New("not loaded")
	player.mu.Unlock()

	c.Correct(context.Background())
	if got := player.take(); len(got) != 0 {
		t.Errorf("calls = %v", got)
	}
}

func TestCorrectResumesLocalPause(t *testing.T) {
	c, player, clock := newTestController()
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-60*time.Second), true))
	player.take()

	player.set(60, PlayerPaused)
	c.Correct(context.Background())
	if got := player.take(); !sameCalls(got, []string{"play"}) {
		t.Errorf("viewer calls = %v, want play", got)
	}

	c.SetHost(true)
	player.set(60, PlayerPaused)
	c.Correct(context.Background())
	if got := player.take(); len(got) != 0 {
		t.Errorf("host must not be forced to play, got %v", got)
	}
}

func TestCorrectSkippedUntilReady(t *testing.T) {
	c, player, clock := newTestController()
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-60*time.Second), true))
	player.take()

	player.set(0, PlayerPaused)
	c.Correct(context.Background())
	if got := player.take(); len(got) != 0 {
		t.Errorf("correction before ready: %v", got)
	}

	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventReady})
	if got := player.take(); !sameCalls(got, []string{"seek:60", "play"}) {
		t.Errorf("ready calls = %v, want seek:60 play", got)
	}
}

func TestCorrectSkippedDuringCountdown(t *testing.T) {
	c, player, clock := newTestController()
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(5*time.Second), true))
	player.take()

	player.set(42, PlayerPaused)
	c.Correct(context.Background())
	if got := player.take(); len(got) != 0 {
		t.Errorf("correction during countdown: %v", got)
	}
}

func TestAntiPauseRevertsViewerPause(t *testing.T) {
	c, player, clock := newTestController()
	ctx := context.Background()
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-10*time.Second), true))
	player.take()

	clock.Advance(2 * time.Second)
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventStateChanged, State: PlayerPaused})
	if got := player.take(); !sameCalls(got, []string{"seek:12", "play"}) {
		t.Errorf("calls = %v, want seek:12 play", got)
	}

	c.SetHost(true)
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventStateChanged, State: PlayerPaused})
	if got := player.take(); len(got) != 0 {
		t.Errorf("host pause must be left alone, got %v", got)
	}
}

func TestRunConvergesWithinOneInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, player, clock := newTestController()
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-100*time.Second), true))
	player.take()

	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("ticker never armed: %v", err)
	}

	player.set(3, PlayerPaused)
	clock.Advance(DefaultConfig().CorrectionInterval)
	waitFor(t, func() bool { return player.count() == 2 })

	got := player.take()
	if got[0] != "seek:101" || got[1] != "play" {
		t.Errorf("calls = %v, want seek:101 play", got)
	}
	pos, _ := player.Position()
	if math.Abs(pos-101.2) > 1.2 {
		t.Errorf("position %.1f not within threshold of expected", pos)
	}

	cancel()
	<-done
}

func TestEndOfMediaAdvancesOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	var advanced []string
	c := NewController(&fakePlayer{}, clock, DefaultConfig(), func(media string) {
		advanced = append(advanced, media)
	})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-200*time.Second), true))

	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded})
	if len(advanced) != 0 {
		t.Fatalf("viewer advanced the room")
	}

	c.SetHost(true)
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded})
	clock.Advance(500 * time.Millisecond)
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded})
	clock.Advance(2 * time.Second)
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded, MediaID: "v1"})
	if len(advanced) != 1 || advanced[0] != "v1" {
		t.Fatalf("advanced = %v, want exactly [v1]", advanced)
	}

	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded, MediaID: "v0"})
	if len(advanced) != 1 {
		t.Errorf("stale media end advanced the room")
	}

	c.ApplyAnchor(timeline.NewAnchor("v2", clock.Now().Add(-200*time.Second), true))
	c.HandlePlayerEvent(context.Background(), PlayerEvent{Kind: EventEnded})
	if len(advanced) != 2 || advanced[1] != "v2" {
		t.Errorf("advanced = %v, want [v1 v2]", advanced)
	}
}

func TestEmbedRejectedSuspendsSync(t *testing.T) {
	c, player, clock := newTestController()
	ctx := context.Background()
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventReady})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now().Add(-60*time.Second), true))
	player.take()

	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventEmbedRejected, MediaID: "v1"})
	if s := c.Status(); !s.Suspended {
		t.Fatalf("status = %+v, want suspended", s)
	}

	player.set(0, PlayerPaused)
	c.Correct(ctx)
	c.HandlePlayerEvent(ctx, PlayerEvent{Kind: EventStateChanged, State: PlayerPaused})
	c.ApplyAnchor(timeline.NewAnchor("v1", clock.Now(), true))
	if got := player.take(); len(got) != 0 {
		t.Errorf("suspended media still synced: %v", got)
	}

	c.ApplyAnchor(timeline.NewAnchor("v2", clock.Now().Add(-5*time.Second), true))
	if s := c.Status(); s.Suspended || s.MediaID != "v2" {
		t.Errorf("new media should lift suspension, got %+v", s)
	}
	if got := player.take(); !sameCalls(got, []string{"seek:5", "play"}) {
		t.Errorf("calls = %v", got)
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	paths  []string
	values []timeline.PlaybackAnchor
}

func (w *recordingWriter) Put(path string, v any, _ string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paths = append(w.paths, path)
	w.values = append(w.values, v.(timeline.PlaybackAnchor))
	return true
}

func TestHostResumeWhilePlayingKeepsStart(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	w := &recordingWriter{}
	h := NewHost(timeline.RoomPaths("r1"), w, clock)

	now := clock.Now()
	if err := h.Start("v1", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := h.Resume(30); !errors.Is(err, ErrAlreadyPlaying) {
		t.Fatalf("Resume while playing: %v, want ErrAlreadyPlaying", err)
	}
	if len(w.values) != 1 {
		t.Fatalf("wrote %d anchors, want only the start", len(w.values))
	}
	if got := h.Anchor(); !got.Equal(timeline.NewAnchor("v1", now, true)) {
		t.Errorf("anchor changed to %+v", got)
	}
}

func TestHostWritesAnchors(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	w := &recordingWriter{}
	paths := timeline.RoomPaths("r1")
	h := NewHost(paths, w, clock)

	if err := h.Pause(3); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("pause without media: %v", err)
	}
	if err := h.Start("", time.Second); !errors.Is(err, ErrNoMedia) {
		t.Fatalf("start without media: %v", err)
	}

	now := clock.Now()
	if err := h.Start("v1", 5*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clock.Advance(20 * time.Second)
	if err := h.Pause(15); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(time.Minute)
	if err := h.Resume(15); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := h.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	want := []timeline.PlaybackAnchor{
		timeline.NewAnchor("v1", now.Add(5*time.Second), true),
		timeline.NewAnchor("v1", now.Add(5*time.Second), false),
		timeline.NewAnchor("v1", now.Add(65*time.Second), true),
		timeline.NewAnchor("v1", now.Add(80*time.Second), true),
	}
	if len(w.values) != len(want) {
		t.Fatalf("wrote %d anchors, want %d", len(w.values), len(want))
	}
	for i := range want {
		if w.paths[i] != paths.Playback() {
			t.Errorf("write %d path = %s", i, w.paths[i])
		}
		if !w.values[i].Equal(want[i]) {
			t.Errorf("write %d = %+v, want %+v", i, w.values[i], want[i])
		}
	}
}
