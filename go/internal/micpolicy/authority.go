package micpolicy

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// Authority is the host's side of the mic policy. Every field is written
// separately; there is no multi-field transaction.
type Authority struct {
	paths  timeline.Paths
	writer Writer
}

func NewAuthority(paths timeline.Paths, writer Writer) *Authority {
	return &Authority{paths: paths, writer: writer}
}

func (a *Authority) SetMode(mode timeline.MicMode) bool {
	if mode != timeline.MicModeOpen {
		mode = timeline.MicModeAuto
	}
	log.Info().Str("mode", string(mode)).Msg("setting mic policy")
	return a.writer.Put(a.paths.MicPolicy(), timeline.MicPolicy{Mode: mode}, "set mic policy")
}

// SetActiveSpeaker designates identity; empty clears the speaker
func (a *Authority) SetActiveSpeaker(identity string) bool {
	if identity == "" {
		return a.writer.Put(a.paths.ActiveSpeaker(), nil, "clear active speaker")
	}
	return a.writer.Put(a.paths.ActiveSpeaker(), identity, "set active speaker")
}

func (a *Authority) SetForceMute(identity string, muted bool) bool {
	path := a.paths.ForceMuteFor(timeline.Key(identity))
	if !muted {
		return a.writer.Delete(path, "clear force mute")
	}
	return a.writer.Put(path, true, "force mute")
}

// RequestUnmute asks identity to re-enable its microphone. Only the target can act on it.
func (a *Authority) RequestUnmute(identity string) bool {
	return a.writer.Put(a.paths.UnmuteRequestFor(timeline.Key(identity)), true, "request unmute")
}

func (a *Authority) SetMicLock(locked bool) bool {
	return a.writer.Put(a.paths.MicLock(), locked, "set mic lock")
}
