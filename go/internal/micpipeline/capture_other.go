//go:build !linux

package micpipeline

import (
	"context"

	"github.com/jonboulle/clockwork"
)

// MicrophoneOpener reports ErrCaptureUnsupported: the mediadevices
// microphone driver is only wired up on Linux.
func MicrophoneOpener(_ clockwork.Clock) CaptureOpener {
	return func(context.Context) (Capture, error) {
		return nil, ErrCaptureUnsupported
	}
}
