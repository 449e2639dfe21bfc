package micpipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPermissionDenied means the capture device could not be opened.
	// The client must never transmit; it is not retried automatically.
	ErrPermissionDenied = errors.New("micpipeline: microphone permission denied")
	// ErrCaptureUnsupported means this platform has no capture driver
	ErrCaptureUnsupported = errors.New("micpipeline: microphone capture unsupported on this platform")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("micpipeline: already started")
	// ErrClosed is returned by Start after Close
	ErrClosed = errors.New("micpipeline: closed")
)

// Frame is one encoded audio frame
type Frame struct {
	Data       []byte
	Duration   time.Duration
	CapturedAt time.Time
}

// Capture is a local microphone producing encoded frames
type Capture interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// CaptureOpener acquires the capture device
type CaptureOpener func(ctx context.Context) (Capture, error)

// OutputKind names which signal is published
type OutputKind string

const (
	OutputNone    OutputKind = ""
	OutputRaw     OutputKind = "raw"
	OutputDelayed OutputKind = "delayed"
)

// Publisher sends the outgoing track to the room
type Publisher interface {
	Publish(kind OutputKind) error
	Unpublish() error
	WriteFrame(f Frame) error
}

// Config holds the delay compensation tunables
type Config struct {
	SafetyMargin time.Duration
	MaxDelay     time.Duration
	SmoothingTau time.Duration
	PumpInterval time.Duration
	// Bypass publishes the raw capture without compensation
	Bypass bool
}

// DefaultConfig returns the default compensation settings
func DefaultConfig() Config {
	return Config{
		SafetyMargin: 60 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
		SmoothingTau: 50 * time.Millisecond,
		PumpInterval: 10 * time.Millisecond,
	}
}

// Pipeline is capture -> delay line -> published track. Only one of the
// raw and delayed outputs is ever published.
type Pipeline struct {
	config    Config
	clock     clockwork.Clock
	open      CaptureOpener
	publisher Publisher
	delay     *DelayLine

	mu               sync.Mutex
	capture          Capture
	started          bool
	closed           bool
	enabled          bool
	permissionDenied bool
	published        OutputKind
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// New creates a pipeline. Nothing is acquired until Start.
func New(open CaptureOpener, publisher Publisher, clock clockwork.Clock, cfg Config) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = def.PumpInterval
	}
	p := &Pipeline{
		config:    cfg,
		clock:     clock,
		open:      open,
		publisher: publisher,
		delay:     NewDelayLine(cfg.SmoothingTau),
	}
	p.delay.SetTarget(TargetDelay(0, cfg.SafetyMargin, cfg.MaxDelay), clock.Now())
	return p
}

// Start acquires the capture device, publishes the output and starts
// moving frames. It may only succeed once per pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	capture, err := p.open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrCaptureUnsupported) {
			p.mu.Lock()
			p.permissionDenied = true
			p.mu.Unlock()
		}
		log.Error().Err(err).Msg("failed to acquire microphone")
		return fmt.Errorf("open capture: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = capture.Close()
		return ErrClosed
	}
	p.mu.Unlock()

	kind := OutputDelayed
	if p.config.Bypass {
		kind = OutputRaw
	}
	if err := p.publish(kind); err != nil && kind == OutputDelayed {
		log.Warn().Err(err).Msg("delayed output unavailable, publishing raw capture")
		kind = OutputRaw
		err = p.publish(kind)
		if err != nil {
			_ = capture.Close()
			return fmt.Errorf("publish raw capture: %w", err)
		}
	} else if err != nil {
		_ = capture.Close()
		return fmt.Errorf("publish %s output: %w", kind, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		// Close ran while publishing; anything still published came after it
		published := p.published
		p.published = OutputNone
		p.mu.Unlock()
		cancel()
		_ = capture.Close()
		if published != OutputNone {
			if err := p.publisher.Unpublish(); err != nil {
				log.Warn().Err(err).Msg("failed to unpublish after close")
			}
		}
		return ErrClosed
	}
	p.capture = capture
	p.cancel = cancel
	// under mu so a later Close waits for the loops
	p.wg.Add(1)
	if kind == OutputDelayed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	go p.captureLoop(runCtx, capture, kind)
	if kind == OutputDelayed {
		go p.pumpLoop(runCtx)
	}

	log.Info().
		Str("output", string(kind)).
		Dur("target_delay", p.delay.Target()).
		Msg("mic pipeline started")
	return nil
}

// publish swaps the published output to kind, unpublishing the other first
func (p *Pipeline) publish(kind OutputKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.published == kind {
		return nil
	}
	if p.published != OutputNone {
		if err := p.publisher.Unpublish(); err != nil {
			return fmt.Errorf("unpublish %s output: %w", p.published, err)
		}
		p.published = OutputNone
	}
	if err := p.publisher.Publish(kind); err != nil {
		return err
	}
	p.published = kind
	return nil
}

func (p *Pipeline) captureLoop(ctx context.Context, capture Capture, kind OutputKind) {
	defer p.wg.Done()

	for {
		frame, err := capture.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Error().Err(err).Msg("microphone capture failed")
			return
		}
		if !p.Enabled() {
			continue
		}

		now := p.clock.Now()
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = now
		}
		if kind == OutputRaw {
			if err := p.publisher.WriteFrame(frame); err != nil {
				log.Debug().Err(err).Msg("failed to write raw frame")
			}
			continue
		}
		p.delay.Push(frame, now)
	}
}

func (p *Pipeline) pumpLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.PumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, f := range p.delay.Pop(p.clock.Now()) {
				if err := p.publisher.WriteFrame(f); err != nil {
					log.Debug().Err(err).Msg("failed to write delayed frame")
				}
			}
		}
	}
}

// SetLatency applies a new smoothed one-way latency and returns the resulting target delay
func (p *Pipeline) SetLatency(oneWay time.Duration) time.Duration {
	target := TargetDelay(oneWay, p.config.SafetyMargin, p.config.MaxDelay)
	p.delay.SetTarget(target, p.clock.Now())
	return target
}

// TargetDelay returns the delay the output converges to
func (p *Pipeline) TargetDelay() time.Duration {
	return p.delay.Target()
}

// SetEnabled is the local microphone switch. Disabling drops frames
// instead of publishing them. Enabling fails without capture permission.
func (p *Pipeline) SetEnabled(ctx context.Context, enabled bool) error {
	p.mu.Lock()
	if enabled && p.permissionDenied {
		p.mu.Unlock()
		return ErrPermissionDenied
	}
	changed := p.enabled != enabled
	p.enabled = enabled
	p.mu.Unlock()

	if !enabled && changed {
		if n := p.delay.Drop(); n > 0 {
			log.Debug().Int("frames", n).Msg("dropped queued frames on mute")
		}
	}
	if changed {
		log.Info().Bool("enabled", enabled).Msg("microphone switched")
	}
	return nil
}

// Enabled reports whether captured frames are being transmitted
func (p *Pipeline) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// PermissionDenied reports whether capture could not be acquired
func (p *Pipeline) PermissionDenied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permissionDenied
}

// Published returns the output currently published
func (p *Pipeline) Published() OutputKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Close stops the loops, releases the capture device and unpublishes.
// It is safe to call repeatedly and on a pipeline that never started.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	capture := p.capture
	published := p.published
	p.cancel = nil
	p.capture = nil
	p.published = OutputNone
	p.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
	}
	p.wg.Wait()
	p.delay.Drop()

	if published != OutputNone {
		if err := p.publisher.Unpublish(); err != nil {
			errs = append(errs, fmt.Errorf("unpublish: %w", err))
		}
	}

	log.Info().Msg("mic pipeline closed")
	return errors.Join(errs...)
}
