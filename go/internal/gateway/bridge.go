package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/watchparty/go/internal/playback"
)

var (
	// ErrNoPage means no page is connected to receive player commands
	ErrNoPage = errors.New("gateway: no page connected")
	// ErrNoPosition means the page has not reported a position yet
	ErrNoPosition = errors.New("gateway: player position unknown")
)

// PlayerBridge is the page's video player seen as a playback.Player.
// Commands are queued to the page; position and state come from its last report.
type PlayerBridge struct {
	send  func(OutboundMessage) bool
	clock clockwork.Clock

	mu         sync.Mutex
	state      playback.PlayerState
	position   float64
	reportedAt time.Time
	known      bool
}

func NewPlayerBridge(send func(OutboundMessage) bool, clock clockwork.Clock) *PlayerBridge {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PlayerBridge{send: send, clock: clock, state: playback.PlayerUnstarted}
}

func (b *PlayerBridge) command(cmd Command, position *float64) error {
	if !b.send(OutboundMessage{Type: MessageCommand, Command: cmd, Position: position}) {
		return ErrNoPage
	}
	return nil
}

func (b *PlayerBridge) Seek(_ context.Context, seconds float64) error {
	if err := b.command(CommandSeek, &seconds); err != nil {
		return err
	}
	b.mu.Lock()
	b.position = seconds
	b.reportedAt = b.clock.Now()
	b.known = true
	b.mu.Unlock()
	return nil
}

func (b *PlayerBridge) Play(context.Context) error {
	return b.command(CommandPlay, nil)
}

func (b *PlayerBridge) Pause(context.Context) error {
	return b.command(CommandPause, nil)
}

// Position extrapolates the last report while the page is playing
func (b *PlayerBridge) Position() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known {
		return 0, ErrNoPosition
	}
	if b.state == playback.PlayerPlaying {
		return b.position + b.clock.Since(b.reportedAt).Seconds(), nil
	}
	return b.position, nil
}

func (b *PlayerBridge) State() playback.PlayerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Report records what the page last said about its player
func (b *PlayerBridge) Report(state playback.PlayerState, position *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state != "" {
		b.state = state
	}
	if position != nil {
		b.position = *position
		b.reportedAt = b.clock.Now()
		b.known = true
	}
}
