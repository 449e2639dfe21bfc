package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PlaybackAnchor is the authoritative shared timeline for a room.
// StartTime is the wall-clock instant (epoch ms) at which MediaID was at position 0.
type PlaybackAnchor struct {
	IsPlaying bool    `json:"isPlaying"`
	MediaID   *string `json:"mediaId"`
	StartTime *int64  `json:"startTime"`
}

// NewAnchor builds an anchor for mediaID that was (or will be) at position 0 at start
func NewAnchor(mediaID string, start time.Time, playing bool) PlaybackAnchor {
	ms := start.UnixMilli()
	return PlaybackAnchor{
		IsPlaying: playing,
		MediaID:   &mediaID,
		StartTime: &ms,
	}
}

// Media returns the media id or "" when none is set
func (a PlaybackAnchor) Media() string {
	if a.MediaID == nil {
		return ""
	}
	return *a.MediaID
}

// Start returns the anchor start instant and whether one is set
func (a PlaybackAnchor) Start() (time.Time, bool) {
	if a.StartTime == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*a.StartTime), true
}

// Equal reports whether two anchors describe the same timeline
func (a PlaybackAnchor) Equal(b PlaybackAnchor) bool {
	if a.IsPlaying != b.IsPlaying || a.Media() != b.Media() {
		return false
	}
	as, aok := a.Start()
	bs, bok := b.Start()
	return aok == bok && as.Equal(bs)
}

// MicMode selects who may transmit audio
type MicMode string

const (
	// MicModeAuto lets only the active speaker transmit
	MicModeAuto MicMode = "auto"
	// MicModeOpen lets everyone transmit unless force-muted
	MicModeOpen MicMode = "open"
)

// MicPolicy is the room-wide microphone policy
type MicPolicy struct {
	Mode MicMode `json:"mode"`
}

// Key turns an identity into a store path segment. Bytes outside
// [A-Za-z0-9-] are written as '_' plus two hex digits, so distinct
// identities never share a key.
func Key(identity string) string {
	if identity == "" {
		return "_"
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(identity))
	for i := 0; i < len(identity); i++ {
		c := identity[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// Paths lays out the store paths of one room
type Paths struct {
	root string
}

// RoomPaths returns the path layout for room
func RoomPaths(room string) Paths {
	return Paths{root: "rooms/" + Key(room)}
}

func (p Paths) Playback() string       { return p.root + "/playback" }
func (p Paths) MicPolicy() string      { return p.root + "/mic/policy" }
func (p Paths) ActiveSpeaker() string  { return p.root + "/mic/activeSpeaker" }
func (p Paths) MicLock() string        { return p.root + "/mic/lock" }
func (p Paths) ForceMute() string      { return p.root + "/mic/forceMute" }
func (p Paths) UnmuteRequests() string { return p.root + "/mic/unmuteRequests" }

// ForceMuteFor is the per-participant force-mute flag
func (p Paths) ForceMuteFor(key string) string { return p.ForceMute() + "/" + key }

// UnmuteRequestFor is the per-participant unmute request flag
func (p Paths) UnmuteRequestFor(key string) string { return p.UnmuteRequests() + "/" + key }

func isNull(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

// DecodeAnchor decodes a stored anchor; an absent value is the zero anchor
func DecodeAnchor(data []byte) (PlaybackAnchor, error) {
	var a PlaybackAnchor
	if isNull(data) {
		return a, nil
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return PlaybackAnchor{}, fmt.Errorf("decode playback anchor: %w", err)
	}
	return a, nil
}

// DecodePolicy decodes a stored policy. Absent or unknown modes fall back to auto.
func DecodePolicy(data []byte) (MicPolicy, error) {
	p := MicPolicy{Mode: MicModeAuto}
	if isNull(data) {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return MicPolicy{Mode: MicModeAuto}, fmt.Errorf("decode mic policy: %w", err)
	}
	if p.Mode != MicModeOpen {
		p.Mode = MicModeAuto
	}
	return p, nil
}

// DecodeSpeaker decodes the active speaker identity; null means nobody
func DecodeSpeaker(data []byte) (string, error) {
	if isNull(data) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("decode active speaker: %w", err)
	}
	return s, nil
}

// DecodeBool decodes a stored flag; absent means false
func DecodeBool(data []byte) (bool, error) {
	if isNull(data) {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err != nil {
		return false, fmt.Errorf("decode flag: %w", err)
	}
	return v, nil
}

// DecodeFlags turns a children snapshot into a key -> flag set.
// Undecodable entries are skipped.
func DecodeFlags(children map[string][]byte) map[string]bool {
	flags := make(map[string]bool, len(children))
	for key, raw := range children {
		v, err := DecodeBool(raw)
		if err != nil {
			continue
		}
		flags[key] = v
	}
	return flags
}
