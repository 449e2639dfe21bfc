//go:build linux

package micpipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const opusSampleRate = 48000

// micCapture reads Opus frames from a mediadevices microphone track
type micCapture struct {
	track  mediadevices.Track
	reader mediadevices.EncodedReadCloser
	clock  clockwork.Clock
}

// MicrophoneOpener returns an opener for the default microphone (malgo driver),
// encoded to Opus.
func MicrophoneOpener(clock clockwork.Clock) CaptureOpener {
	return func(ctx context.Context) (Capture, error) {
		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, fmt.Errorf("opus params: %w", err)
		}
		opusParams.BitRate = 64_000

		codecSelector := mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		)

		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: codecSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}

		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, fmt.Errorf("%w: no audio track", ErrPermissionDenied)
		}
		track := tracks[0]
		for _, extra := range tracks[1:] {
			extra.Close()
		}
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Msg("microphone track ended")
			}
		})

		reader, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
		if err != nil {
			track.Close()
			return nil, fmt.Errorf("open opus reader: %w", err)
		}

		log.Info().Str("track_id", track.ID()).Msg("microphone captured")
		return &micCapture{track: track, reader: reader, clock: clock}, nil
	}
}

func (c *micCapture) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	buf, release, err := c.reader.Read()
	if err != nil {
		return Frame{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return Frame{
		Data:       data,
		Duration:   time.Duration(buf.Samples) * time.Second / opusSampleRate,
		CapturedAt: c.clock.Now(),
	}, nil
}

func (c *micCapture) Close() error {
	err := c.reader.Close()
	c.track.Close()
	return err
}
