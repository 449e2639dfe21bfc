package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// Phase is the sync state machine position
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhasePlaying   Phase = "playing"
	PhasePaused    Phase = "paused"
)

// Status is the sync state exposed to the UI
type Status struct {
	Phase Phase `json:"phase"`
	// Countdown is the remaining whole seconds while in PhaseCountdown
	Countdown int    `json:"countdown,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	// Suspended is set when the platform rejected the media item
	Suspended bool `json:"suspended,omitempty"`
}

// Config holds the sync tunables
type Config struct {
	DriftThreshold     time.Duration
	CorrectionInterval time.Duration
	EndDebounce        time.Duration
}

// DefaultConfig returns the default sync tunables
func DefaultConfig() Config {
	return Config{
		DriftThreshold:     1200 * time.Millisecond,
		CorrectionInterval: 1200 * time.Millisecond,
		EndDebounce:        1500 * time.Millisecond,
	}
}

// Controller keeps one local player consistent with the room's playback anchor
type Controller struct {
	player  Player
	clock   clockwork.Clock
	config  Config
	advance func(mediaID string)

	mu         sync.Mutex
	ctx        context.Context
	host       bool
	ready      bool
	anchor     timeline.PlaybackAnchor
	haveAnchor bool
	phase      Phase
	suspended  string

	// countdown timer, superseded by every new anchor
	gen         uint64
	timer       clockwork.Timer
	timerCancel chan struct{}

	lastEndMedia string
	lastEndAt    time.Time
	lastEndStart int64
}

// NewController creates a controller. advance is called by the host when a
// media item ends and may be nil.
func NewController(player Player, clock clockwork.Clock, cfg Config, advance func(mediaID string)) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = def.DriftThreshold
	}
	if cfg.CorrectionInterval <= 0 {
		cfg.CorrectionInterval = def.CorrectionInterval
	}
	if cfg.EndDebounce <= 0 {
		cfg.EndDebounce = def.EndDebounce
	}
	return &Controller{
		player:  player,
		clock:   clock,
		config:  cfg,
		advance: advance,
		ctx:     context.Background(),
		phase:   PhaseIdle,
	}
}

// SetHost switches the authoritative role
func (c *Controller) SetHost(host bool) {
	c.mu.Lock()
	c.host = host
	c.mu.Unlock()
}

// Status returns the current sync state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Phase:     c.phase,
		MediaID:   c.anchor.Media(),
		Suspended: c.suspended != "" && c.suspended == c.anchor.Media(),
	}
	if c.phase == PhaseCountdown {
		if start, ok := c.anchor.Start(); ok {
			if until := start.Sub(c.clock.Now()); until > 0 {
				s.Countdown = int(math.Ceil(until.Seconds()))
			}
		}
	}
	return s
}

// action is a player call computed under the lock and issued after it
type action func(ctx context.Context, p Player) error

func seekTo(seconds float64) action {
	return func(ctx context.Context, p Player) error { return p.Seek(ctx, seconds) }
}

func play(ctx context.Context, p Player) error  { return p.Play(ctx) }
func pause(ctx context.Context, p Player) error { return p.Pause(ctx) }

func (c *Controller) run(ctx context.Context, media string, actions []action) {
	for _, a := range actions {
		if err := a(ctx, c.player); err != nil {
			log.Warn().Err(err).Str("media_id", media).Msg("player command failed")
		}
	}
}

// ApplyAnchor reconciles the player against a newly observed anchor.
// Any pending countdown is cancelled first.
func (c *Controller) ApplyAnchor(a timeline.PlaybackAnchor) {
	c.mu.Lock()
	prev, had := c.anchor, c.haveAnchor
	if had && prev.Equal(a) {
		c.mu.Unlock()
		return
	}
	c.anchor = a
	c.haveAnchor = true
	c.cancelCountdownLocked()

	media := a.Media()
	if had && prev.IsPlaying && a.IsPlaying && prev.Media() == media {
		ps, pok := prev.Start()
		ns, nok := a.Start()
		if pok && nok && ns.Before(ps) {
			log.Warn().
				Str("media_id", media).
				Time("previous_start", ps).
				Time("start", ns).
				Msg("playback anchor start moved backward, applying latest")
		}
	}
	if c.suspended != "" && c.suspended != media {
		c.suspended = ""
	}

	actions := c.reconcileLocked()
	ctx := c.ctx
	c.mu.Unlock()

	c.run(ctx, media, actions)
}

func (c *Controller) reconcileLocked() []action {
	a := c.anchor
	media := a.Media()
	if c.suspended != "" && c.suspended == media {
		return nil
	}
	if !a.IsPlaying {
		if media == "" {
			c.phase = PhaseIdle
		} else {
			c.phase = PhasePaused
		}
		log.Info().Str("media_id", media).Msg("playback paused")
		return []action{pause}
	}

	start, ok := a.Start()
	if media == "" || !ok {
		c.phase = PhaseIdle
		return nil
	}

	until := start.Sub(c.clock.Now())
	if until > 0 {
		c.phase = PhaseCountdown
		c.armCountdownLocked(until)
		log.Info().Str("media_id", media).Dur("until_start", until).Msg("countdown started")
		return []action{pause}
	}
	return c.startPlayingLocked(start)
}

func (c *Controller) startPlayingLocked(start time.Time) []action {
	c.phase = PhasePlaying
	elapsed := math.Floor(c.clock.Since(start).Seconds())
	log.Info().Str("media_id", c.anchor.Media()).Float64("position", elapsed).Msg("playback started")
	return []action{seekTo(elapsed), play}
}

func (c *Controller) armCountdownLocked(d time.Duration) {
	timer := c.clock.NewTimer(d)
	cancel := make(chan struct{})
	c.timer = timer
	c.timerCancel = cancel
	gen := c.gen

	go func() {
		select {
		case <-timer.Chan():
			c.countdownFired(gen)
		case <-cancel:
		}
	}()
}

// cancelCountdownLocked stops any pending countdown and invalidates one that already fired
func (c *Controller) cancelCountdownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		close(c.timerCancel)
		c.timer = nil
		c.timerCancel = nil
	}
}

func (c *Controller) countdownFired(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.timerCancel = nil

	start, ok := c.anchor.Start()
	if !ok || !c.anchor.IsPlaying {
		c.mu.Unlock()
		return
	}
	actions := c.startPlayingLocked(start)
	media := c.anchor.Media()
	ctx := c.ctx
	c.mu.Unlock()

	c.run(ctx, media, actions)
}

// expectedLocked is the anchor position in seconds, never negative
func (c *Controller) expectedLocked() float64 {
	start, _ := c.anchor.Start()
	return math.Max(0, c.clock.Since(start).Seconds())
}

// syncingLocked reports whether the player should follow the anchor right now
func (c *Controller) syncingLocked() bool {
	return c.ready &&
		c.phase == PhasePlaying &&
		c.anchor.IsPlaying &&
		c.anchor.Media() != "" &&
		c.suspended != c.anchor.Media()
}

// Correct runs one drift-correction pass
func (c *Controller) Correct(ctx context.Context) {
	c.mu.Lock()
	if !c.syncingLocked() {
		c.mu.Unlock()
		return
	}
	expected := c.expectedLocked()
	host := c.host
	media := c.anchor.Media()
	c.mu.Unlock()

	var actions []action
	actual, err := c.player.Position()
	if err != nil {
		log.Debug().Err(err).Str("media_id", media).Msg("failed to read player position")
	} else if drift := math.Abs(actual - expected); drift > c.config.DriftThreshold.Seconds() {
		log.Info().
			Str("media_id", media).
			Float64("actual", actual).
			Float64("expected", expected).
			Msg("drift exceeded threshold, seeking")
		actions = append(actions, seekTo(expected))
	}

	if !host {
		switch c.player.State() {
		case PlayerPlaying, PlayerBuffering, PlayerEnded:
		default:
			log.Info().Str("media_id", media).Str("state", string(c.player.State())).Msg("player not playing, resuming")
			actions = append(actions, play)
		}
	}
	c.run(ctx, media, actions)
}

// HandlePlayerEvent reacts to a lifecycle notification from the player
func (c *Controller) HandlePlayerEvent(ctx context.Context, ev PlayerEvent) {
	switch ev.Kind {
	case EventReady:
		c.handleReady(ctx)
	case EventError:
		log.Warn().Err(ev.Err).Str("media_id", ev.MediaID).Msg("player reported an error")
	case EventEnded:
		c.handleEnded(ev.MediaID)
	case EventStateChanged:
		if ev.State == PlayerPaused {
			c.handlePaused(ctx)
		}
	case EventEmbedRejected:
		c.handleEmbedRejected(ev.MediaID)
	default:
		log.Debug().Str("kind", string(ev.Kind)).Msg("ignoring unknown player event")
	}
}

func (c *Controller) handleReady(ctx context.Context) {
	c.mu.Lock()
	c.ready = true
	if !c.syncingLocked() {
		c.mu.Unlock()
		return
	}
	expected := c.expectedLocked()
	media := c.anchor.Media()
	c.mu.Unlock()

	log.Info().Str("media_id", media).Float64("position", expected).Msg("player ready, syncing")
	c.run(ctx, media, []action{seekTo(expected), play})
}

// handlePaused reverts a local pause by a viewer while the room is playing
func (c *Controller) handlePaused(ctx context.Context) {
	c.mu.Lock()
	if c.host || !c.syncingLocked() {
		c.mu.Unlock()
		return
	}
	expected := c.expectedLocked()
	media := c.anchor.Media()
	c.mu.Unlock()

	log.Info().Str("media_id", media).Float64("position", expected).Msg("reverting local pause")
	c.run(ctx, media, []action{seekTo(expected), play})
}

// handleEnded advances the room once per media item. Only the host advances.
func (c *Controller) handleEnded(reported string) {
	c.mu.Lock()
	if !c.host {
		c.mu.Unlock()
		return
	}
	media := c.anchor.Media()
	if reported != "" && reported != media {
		c.mu.Unlock()
		log.Debug().Str("media_id", reported).Msg("ignoring end of stale media item")
		return
	}
	var start int64
	if c.anchor.StartTime != nil {
		start = *c.anchor.StartTime
	}
	now := c.clock.Now()
	if media == "" ||
		(media == c.lastEndMedia && (start == c.lastEndStart || now.Sub(c.lastEndAt) < c.config.EndDebounce)) {
		c.mu.Unlock()
		log.Debug().Str("media_id", media).Msg("ignoring duplicate end of media")
		return
	}
	c.lastEndMedia = media
	c.lastEndAt = now
	c.lastEndStart = start
	advance := c.advance
	c.mu.Unlock()

	log.Info().Str("media_id", media).Msg("media ended, advancing")
	if advance != nil {
		advance(media)
	}
}

func (c *Controller) handleEmbedRejected(reported string) {
	c.mu.Lock()
	media := c.anchor.Media()
	if reported != "" {
		media = reported
	}
	if media == "" {
		c.mu.Unlock()
		return
	}
	c.suspended = media
	if media == c.anchor.Media() {
		c.cancelCountdownLocked()
	}
	c.mu.Unlock()

	log.Warn().Err(ErrEmbedRejected).Str("media_id", media).Msg("sync suspended for media item")
}

// Run drives the correction loop until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.config.CorrectionInterval)
	defer ticker.Stop()

	defer func() {
		c.mu.Lock()
		c.cancelCountdownLocked()
		c.ctx = context.Background()
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("playback sync stopped")
			return nil
		case <-ticker.Chan():
			c.Correct(ctx)
		}
	}
}
