package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/watchparty/go/internal/latency"
	"github.com/mcdev12/watchparty/go/internal/micpolicy"
	"github.com/mcdev12/watchparty/go/internal/playback"
	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// ErrAlreadyRunning is returned by a second Run
var ErrAlreadyRunning = errors.New("room: client already running")

// Config identifies the client and carries the loop tunables
type Config struct {
	Room     string
	Identity string
	Host     bool

	Playback        playback.Config
	ProbeInterval   time.Duration
	Alpha           float64
	EnforceInterval time.Duration
}

// Pipeline is the outgoing microphone path. *micpipeline.Pipeline implements it.
type Pipeline interface {
	micpolicy.Device
	Start(ctx context.Context) error
	SetLatency(oneWay time.Duration) time.Duration
	TargetDelay() time.Duration
	PermissionDenied() bool
	Close() error
}

// Writer is the fire-and-forget command sink. *timeline.Writer implements it.
type Writer interface {
	Put(path string, v any, reason string) bool
	Delete(path, reason string) bool
}

// Deps are the collaborators of a client. Transport and Pipeline are optional.
type Deps struct {
	Store     timeline.Store
	Writer    Writer
	Player    playback.Player
	Transport latency.Transport
	Pipeline  Pipeline
	Clock     clockwork.Clock
	// OnAdvance is called on the host when the current media item ends
	OnAdvance func(mediaID string)
}

// MicStatus is the effective local microphone state
type MicStatus = micpolicy.State

// Status is everything the UI renders
type Status struct {
	Sync     playback.Status `json:"sync"`
	Mic      MicStatus       `json:"mic"`
	DelayMs  int64           `json:"delayMs"`
	OneWayMs int64           `json:"oneWayMs"`
	Samples  uint64          `json:"samples"`
}

// Client runs the sync engine for one identity in one room
type Client struct {
	config Config
	paths  timeline.Paths
	store  timeline.Store
	clock  clockwork.Clock

	sync      *playback.Controller
	host      *playback.Host
	mic       *micpolicy.Enforcer
	authority *micpolicy.Authority
	estimator *latency.Estimator
	prober    *latency.Prober
	pipeline  Pipeline

	mu      sync.Mutex
	running bool
}

// NewClient wires the controllers for cfg. Nothing runs until Run.
func NewClient(cfg Config, deps Deps) (*Client, error) {
	if deps.Store == nil || deps.Writer == nil || deps.Player == nil {
		return nil, errors.New("room: store, writer and player are required")
	}
	if cfg.Room == "" || cfg.Identity == "" {
		return nil, errors.New("room: room and identity are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	paths := timeline.RoomPaths(cfg.Room)
	c := &Client{
		config:    cfg,
		paths:     paths,
		store:     deps.Store,
		clock:     clock,
		host:      playback.NewHost(paths, deps.Writer, clock),
		authority: micpolicy.NewAuthority(paths, deps.Writer),
		estimator: latency.NewEstimator(cfg.Alpha),
		pipeline:  deps.Pipeline,
	}
	c.sync = playback.NewController(deps.Player, clock, cfg.Playback, deps.OnAdvance)
	c.sync.SetHost(cfg.Host)

	var device micpolicy.Device = noDevice{}
	if deps.Pipeline != nil {
		device = deps.Pipeline
	}
	c.mic = micpolicy.NewEnforcer(cfg.Identity, paths, device, deps.Writer, clock, cfg.EnforceInterval)
	if deps.Pipeline == nil {
		c.mic.SetPermissionDenied(true)
	}

	if deps.Transport != nil {
		interval := cfg.ProbeInterval
		if interval <= 0 {
			interval = latency.DefaultProbeInterval
		}
		c.prober = latency.NewProber(cfg.Identity, deps.Transport, clock, interval, c.observeRTT)
	}
	return c, nil
}

// noDevice stands in for a client that has no microphone
type noDevice struct{}

func (noDevice) SetEnabled(context.Context, bool) error { return nil }

func (c *Client) observeRTT(rtt time.Duration) {
	oneWay := c.estimator.Observe(rtt)
	if c.pipeline == nil {
		return
	}
	target := c.pipeline.SetLatency(oneWay)
	log.Debug().
		Dur("rtt", rtt).
		Dur("one_way", oneWay).
		Dur("target_delay", target).
		Msg("latency sample")
}

// Sync is the playback controller, for feeding player events
func (c *Client) Sync() *playback.Controller { return c.sync }

// Mic is the local mic policy enforcer
func (c *Client) Mic() *micpolicy.Enforcer { return c.mic }

// Host returns the anchor writer; only meaningful when the client is the host
func (c *Client) Host() *playback.Host { return c.host }

// Authority returns the mic policy writer; only meaningful when the client is the host
func (c *Client) Authority() *micpolicy.Authority { return c.authority }

// IsHost reports whether this client holds the authoritative role
func (c *Client) IsHost() bool { return c.config.Host }

// Identity is the local participant identity
func (c *Client) Identity() string { return c.config.Identity }

// Status returns the current sync, mic and delay state
func (c *Client) Status() Status {
	s := Status{
		Sync: c.sync.Status(),
		Mic:  c.mic.State(),
	}
	if c.pipeline != nil {
		s.DelayMs = c.pipeline.TargetDelay().Milliseconds()
	}
	if ow, ok := c.estimator.OneWay(); ok {
		s.OneWayMs = ow.Milliseconds()
	}
	s.Samples, _ = c.estimator.Samples()
	return s
}

// Run subscribes to the room state and drives every loop until ctx is done.
// All loops, watches and the microphone are torn down before it returns.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	logger := log.With().Str("room", c.config.Room).Str("identity", c.config.Identity).Logger()

	if c.pipeline != nil {
		if err := c.pipeline.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("microphone unavailable, client will not transmit")
			c.mic.SetPermissionDenied(true)
		}
		defer func() {
			if err := c.pipeline.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close mic pipeline")
			}
		}()
	}

	stops, err := c.subscribe(ctx)
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sync.Run(gctx) })
	g.Go(func() error { return c.mic.Run(gctx) })
	if c.prober != nil {
		g.Go(func() error { return c.prober.Run(gctx) })
	}

	logger.Info().Bool("host", c.config.Host).Msg("room client started")
	err = g.Wait()
	logger.Info().Msg("room client stopped")
	return err
}

func (c *Client) subscribe(ctx context.Context) ([]func(), error) {
	var stops []func()

	watches := []struct {
		path     string
		children bool
		fn       func(timeline.Snapshot)
	}{
		{c.paths.Playback(), false, c.onPlayback},
		{c.paths.MicPolicy(), false, c.onPolicy},
		{c.paths.ActiveSpeaker(), false, c.onSpeaker},
		{c.paths.MicLock(), false, c.onLock},
		{c.paths.ForceMute(), true, c.onForceMute},
		{c.paths.UnmuteRequests(), true, c.onUnmuteRequests},
	}
	for _, w := range watches {
		var (
			stop func()
			err  error
		)
		if w.children {
			stop, err = c.store.WatchChildren(ctx, w.path, w.fn)
		} else {
			stop, err = c.store.Watch(ctx, w.path, w.fn)
		}
		if err != nil {
			return stops, fmt.Errorf("watch %s: %w", w.path, err)
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

// Snapshot handlers keep the last known value when a snapshot cannot be decoded.

func (c *Client) onPlayback(s timeline.Snapshot) {
	a, err := timeline.DecodeAnchor(s.Value)
	if err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("ignoring playback snapshot")
		return
	}
	c.host.Observe(a)
	c.sync.ApplyAnchor(a)
}

func (c *Client) onPolicy(s timeline.Snapshot) {
	p, err := timeline.DecodePolicy(s.Value)
	if err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("ignoring mic policy snapshot")
		return
	}
	c.mic.SetPolicy(p)
}

func (c *Client) onSpeaker(s timeline.Snapshot) {
	speaker, err := timeline.DecodeSpeaker(s.Value)
	if err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("ignoring active speaker snapshot")
		return
	}
	c.mic.SetActiveSpeaker(speaker)
}

func (c *Client) onLock(s timeline.Snapshot) {
	locked, err := timeline.DecodeBool(s.Value)
	if err != nil {
		log.Warn().Err(err).Str("path", s.Path).Msg("ignoring mic lock snapshot")
		return
	}
	c.mic.SetMicLock(locked)
}

func (c *Client) onForceMute(s timeline.Snapshot) {
	c.mic.SetForceMute(timeline.DecodeFlags(s.Children))
}

func (c *Client) onUnmuteRequests(s timeline.Snapshot) {
	c.mic.SetUnmuteRequests(timeline.DecodeFlags(s.Children))
}
