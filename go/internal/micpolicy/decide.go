package micpolicy

import "github.com/mcdev12/watchparty/go/internal/timeline"

// Reason explains a transmit decision
type Reason string

const (
	ReasonOpenPolicy       Reason = "open-policy"
	ReasonActiveSpeaker    Reason = "active-speaker"
	ReasonNotActiveSpeaker Reason = "not-active-speaker"
	ReasonForceMuted       Reason = "force-muted"
	ReasonNoPermission     Reason = "no-capture-permission"
)

// Inputs is everything the transmit decision depends on
type Inputs struct {
	Identity      string
	Policy        timeline.MicPolicy
	ActiveSpeaker string
	// ForceMute is keyed by timeline.Key(identity)
	ForceMute map[string]bool
	// PermissionDenied is set when the capture device could not be acquired
	PermissionDenied bool
}

// Decision is the effective local microphone state
type Decision struct {
	Transmit bool   `json:"transmit"`
	Reason   Reason `json:"reason"`
}

// Decide computes whether the local microphone may transmit:
//
//	(mode == open || identity == activeSpeaker) && !forceMute[key(identity)]
//
// A client without capture permission never transmits.
func Decide(in Inputs) Decision {
	if in.PermissionDenied {
		return Decision{Reason: ReasonNoPermission}
	}
	if in.ForceMute[timeline.Key(in.Identity)] {
		return Decision{Reason: ReasonForceMuted}
	}
	if in.Policy.Mode == timeline.MicModeOpen {
		return Decision{Transmit: true, Reason: ReasonOpenPolicy}
	}
	if in.ActiveSpeaker != "" && in.ActiveSpeaker == in.Identity {
		return Decision{Transmit: true, Reason: ReasonActiveSpeaker}
	}
	return Decision{Reason: ReasonNotActiveSpeaker}
}
