package micpolicy

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

const (
	DefaultInterval = time.Second
	MinInterval     = 700 * time.Millisecond
	MaxInterval     = 2 * time.Second
)

// Device is the local microphone switch
type Device interface {
	SetEnabled(ctx context.Context, enabled bool) error
}

// Writer submits fire-and-forget store writes. *timeline.Writer implements it.
type Writer interface {
	Put(path string, v any, reason string) bool
	Delete(path, reason string) bool
}

// State is what the enforcer exposes to the UI
type State struct {
	Decision
	Locked        bool `json:"locked"`
	PendingUnmute bool `json:"pendingUnmute"`
}

// Enforcer keeps the local device in line with the room policy.
// Inputs are replaced on every store notification and read fresh on every tick.
type Enforcer struct {
	identity string
	key      string
	paths    timeline.Paths
	device   Device
	writer   Writer
	clock    clockwork.Clock
	interval time.Duration

	mu               sync.Mutex
	policy           timeline.MicPolicy
	speaker          string
	forceMute        map[string]bool
	unmuteRequests   map[string]bool
	locked           bool
	permissionDenied bool
	last             *Decision
}

// NewEnforcer creates an enforcer for identity. The interval is clamped to [MinInterval, MaxInterval].
func NewEnforcer(identity string, paths timeline.Paths, device Device, writer Writer, clock clockwork.Clock, interval time.Duration) *Enforcer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Enforcer{
		identity:       identity,
		key:            timeline.Key(identity),
		paths:          paths,
		device:         device,
		writer:         writer,
		clock:          clock,
		interval:       ClampInterval(interval),
		policy:         timeline.MicPolicy{Mode: timeline.MicModeAuto},
		forceMute:      make(map[string]bool),
		unmuteRequests: make(map[string]bool),
	}
}

// ClampInterval bounds the re-assertion interval; zero selects the default
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

func (e *Enforcer) SetPolicy(p timeline.MicPolicy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

func (e *Enforcer) SetActiveSpeaker(identity string) {
	e.mu.Lock()
	e.speaker = identity
	e.mu.Unlock()
}

func (e *Enforcer) SetForceMute(flags map[string]bool) {
	e.mu.Lock()
	e.forceMute = cloneFlags(flags)
	e.mu.Unlock()
}

func (e *Enforcer) SetUnmuteRequests(flags map[string]bool) {
	e.mu.Lock()
	pending := flags[e.key] && !e.unmuteRequests[e.key]
	e.unmuteRequests = cloneFlags(flags)
	e.mu.Unlock()

	if pending {
		log.Info().Str("identity", e.identity).Msg("host requested unmute")
	}
}

func cloneFlags(flags map[string]bool) map[string]bool {
	if flags == nil {
		return make(map[string]bool)
	}
	return maps.Clone(flags)
}

func (e *Enforcer) SetMicLock(locked bool) {
	e.mu.Lock()
	e.locked = locked
	e.mu.Unlock()
}

// SetPermissionDenied degrades the client to never transmitting
func (e *Enforcer) SetPermissionDenied(denied bool) {
	e.mu.Lock()
	e.permissionDenied = denied
	e.mu.Unlock()
}

// Decision evaluates the latest inputs
func (e *Enforcer) Decision() Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decideLocked()
}

func (e *Enforcer) decideLocked() Decision {
	return Decide(Inputs{
		Identity:         e.identity,
		Policy:           e.policy,
		ActiveSpeaker:    e.speaker,
		ForceMute:        e.forceMute,
		PermissionDenied: e.permissionDenied,
	})
}

// State returns the decision together with the lock and handshake flags
func (e *Enforcer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.decideLocked()
	return State{
		Decision:      d,
		Locked:        e.locked && !d.Transmit,
		PendingUnmute: e.unmuteRequests[e.key],
	}
}

// ControlsLocked reports whether local mic controls must be disabled.
// The enforcement loop stays authoritative either way.
func (e *Enforcer) ControlsLocked() bool {
	return e.State().Locked
}

// PendingUnmute reports whether the host asked this client to unmute
func (e *Enforcer) PendingUnmute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unmuteRequests[e.key]
}

// Enforce sets the device to the current decision, whatever its state was
func (e *Enforcer) Enforce(ctx context.Context) Decision {
	e.mu.Lock()
	d := e.decideLocked()
	changed := e.last == nil || *e.last != d
	e.last = &d
	e.mu.Unlock()

	if changed {
		log.Info().
			Str("identity", e.identity).
			Bool("transmit", d.Transmit).
			Str("reason", string(d.Reason)).
			Msg("mic decision changed")
	}
	if err := e.device.SetEnabled(ctx, d.Transmit); err != nil {
		log.Warn().Err(err).Str("identity", e.identity).Bool("transmit", d.Transmit).Msg("failed to set microphone state")
	}
	return d
}

// Run re-asserts the decision every interval until ctx is done
func (e *Enforcer) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	log.Info().Str("identity", e.identity).Dur("interval", e.interval).Msg("mic enforcer started")
	e.Enforce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("identity", e.identity).Msg("mic enforcer stopped")
			return nil
		case <-ticker.Chan():
			e.Enforce(ctx)
		}
	}
}

// ErrNoUnmuteRequest is returned when accepting or dismissing without a pending request
var ErrNoUnmuteRequest = errors.New("micpolicy: no pending unmute request")

// AcceptUnmute clears this client's force-mute and request, then re-enables
// the device as far as the policy allows.
func (e *Enforcer) AcceptUnmute(ctx context.Context) (Decision, error) {
	e.mu.Lock()
	if !e.unmuteRequests[e.key] {
		e.mu.Unlock()
		return Decision{}, ErrNoUnmuteRequest
	}
	e.forceMute[e.key] = false
	e.unmuteRequests[e.key] = false
	e.mu.Unlock()

	e.writer.Delete(e.paths.ForceMuteFor(e.key), "unmute accepted")
	e.writer.Delete(e.paths.UnmuteRequestFor(e.key), "unmute accepted")

	log.Info().Str("identity", e.identity).Msg("unmute request accepted")
	return e.Enforce(ctx), nil
}

// DismissUnmute clears the request and leaves the mute state unchanged
func (e *Enforcer) DismissUnmute(ctx context.Context) error {
	e.mu.Lock()
	if !e.unmuteRequests[e.key] {
		e.mu.Unlock()
		return ErrNoUnmuteRequest
	}
	e.unmuteRequests[e.key] = false
	e.mu.Unlock()

	e.writer.Delete(e.paths.UnmuteRequestFor(e.key), "unmute dismissed")
	log.Info().Str("identity", e.identity).Msg("unmute request dismissed")
	return nil
}
