package playback

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// ErrNoMedia is returned by host actions that need a current media item
var ErrNoMedia = errors.New("playback: no media item")

// ErrAlreadyPlaying is returned by Resume while the media item is playing.
// Seeking a playing item would move its start time backward.
var ErrAlreadyPlaying = errors.New("playback: media already playing")

// Host writes the playback anchor for the authoritative role.
// Start times are always derived from now, so they never move backward
// for a media item that keeps playing.
type Host struct {
	path   string
	writer Writer
	clock  clockwork.Clock

	mu     sync.Mutex
	anchor timeline.PlaybackAnchor
}

func NewHost(paths timeline.Paths, writer Writer, clock clockwork.Clock) *Host {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Host{path: paths.Playback(), writer: writer, clock: clock}
}

// Observe records the anchor currently in the store
func (h *Host) Observe(a timeline.PlaybackAnchor) {
	h.mu.Lock()
	h.anchor = a
	h.mu.Unlock()
}

// Anchor returns the last anchor observed or written
func (h *Host) Anchor() timeline.PlaybackAnchor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anchor
}

func (h *Host) write(a timeline.PlaybackAnchor, reason string) bool {
	h.mu.Lock()
	h.anchor = a
	h.mu.Unlock()

	start, _ := a.Start()
	log.Info().
		Str("media_id", a.Media()).
		Bool("playing", a.IsPlaying).
		Time("start", start).
		Str("reason", reason).
		Msg("writing playback anchor")
	return h.writer.Put(h.path, a, reason)
}

// Start plays mediaID from zero after countdown
func (h *Host) Start(mediaID string, countdown time.Duration) error {
	if mediaID == "" {
		return ErrNoMedia
	}
	if countdown < 0 {
		countdown = 0
	}
	h.write(timeline.NewAnchor(mediaID, h.clock.Now().Add(countdown), true), "start media")
	return nil
}

// Pause stops the room at position seconds
func (h *Host) Pause(position float64) error {
	media := h.Anchor().Media()
	if media == "" {
		return ErrNoMedia
	}
	h.write(timeline.NewAnchor(media, h.startFor(position), false), "pause")
	return nil
}

// Resume continues a paused room from position seconds
func (h *Host) Resume(position float64) error {
	current := h.Anchor()
	media := current.Media()
	if media == "" {
		return ErrNoMedia
	}
	if current.IsPlaying {
		return ErrAlreadyPlaying
	}
	h.write(timeline.NewAnchor(media, h.startFor(position), true), "resume")
	return nil
}

// Restart plays the current media item from zero
func (h *Host) Restart() error {
	media := h.Anchor().Media()
	if media == "" {
		return ErrNoMedia
	}
	h.write(timeline.NewAnchor(media, h.clock.Now(), true), "restart")
	return nil
}

func (h *Host) startFor(position float64) time.Time {
	if position < 0 || math.IsNaN(position) {
		position = 0
	}
	return h.clock.Now().Add(-time.Duration(position * float64(time.Second)))
}
