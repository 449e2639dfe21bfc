package gateway

import "github.com/mcdev12/watchparty/go/internal/room"

// MessageType identifies a websocket message
type MessageType string

const (
	// browser -> agent
	MessagePlayer MessageType = "player"
	MessageUnmute MessageType = "unmute"
	MessageHost   MessageType = "host"

	// agent -> browser
	MessageCommand MessageType = "command"
	MessageStatus  MessageType = "status"
	MessageAdvance MessageType = "advance"
	MessageError   MessageType = "error"
)

// PositionEvent is a player report that only carries position and state
const PositionEvent = "position"

// InboundMessage is anything the page sends. Fields are used per Type.
type InboundMessage struct {
	Type MessageType `json:"type"`

	// player
	Event    string   `json:"event,omitempty"`
	State    string   `json:"state,omitempty"`
	Position *float64 `json:"position,omitempty"`
	MediaID  string   `json:"mediaId,omitempty"`
	Error    string   `json:"error,omitempty"`

	// unmute and host
	Action string `json:"action,omitempty"`

	// host
	CountdownMs int64  `json:"countdownMs,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Identity    string `json:"identity,omitempty"`
	Value       bool   `json:"value,omitempty"`
}

// Command is a player instruction for the page
type Command string

const (
	CommandSeek  Command = "seek"
	CommandPlay  Command = "play"
	CommandPause Command = "pause"
)

// OutboundMessage is anything the agent sends to the page
type OutboundMessage struct {
	Type     MessageType  `json:"type"`
	Command  Command      `json:"command,omitempty"`
	Position *float64     `json:"position,omitempty"`
	MediaID  string       `json:"mediaId,omitempty"`
	Status   *room.Status `json:"status,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// host actions
const (
	ActionStart         = "start"
	ActionPause         = "pause"
	ActionResume        = "resume"
	ActionRestart       = "restart"
	ActionPolicy        = "policy"
	ActionSpeaker       = "speaker"
	ActionForceMute     = "forceMute"
	ActionRequestUnmute = "requestUnmute"
	ActionLock          = "lock"

	ActionAccept  = "accept"
	ActionDismiss = "dismiss"
)
