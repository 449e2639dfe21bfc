package playback

import (
	"context"
	"errors"
)

// ErrEmbedRejected means the platform refused to play the media item
var ErrEmbedRejected = errors.New("playback: embed rejected")

// PlayerState is the state reported by the video surface
type PlayerState string

const (
	PlayerUnstarted PlayerState = "unstarted"
	PlayerPlaying   PlayerState = "playing"
	PlayerPaused    PlayerState = "paused"
	PlayerBuffering PlayerState = "buffering"
	PlayerEnded     PlayerState = "ended"
)

// Player is the local video surface. Calls must not block on the
// underlying media; failures are reported and never retried by the caller.
type Player interface {
	Seek(ctx context.Context, seconds float64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Position() (float64, error)
	State() PlayerState
}

// EventKind is a lifecycle notification from the video surface
type EventKind string

const (
	EventReady         EventKind = "ready"
	EventError         EventKind = "error"
	EventEnded         EventKind = "ended"
	EventStateChanged  EventKind = "stateChanged"
	EventEmbedRejected EventKind = "embedRejected"
)

// PlayerEvent is one notification from the video surface
type PlayerEvent struct {
	Kind  EventKind
	State PlayerState
	// MediaID is the item the event refers to, when the surface knows it
	MediaID string
	Err     error
}

// Writer submits fire-and-forget store writes. *timeline.Writer implements it.
type Writer interface {
	Put(path string, v any, reason string) bool
}
