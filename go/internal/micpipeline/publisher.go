package micpipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// OpusCodec is the capability of the published microphone track
var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: 48000,
	Channels:  2,
}

// TrackPublisher publishes the outgoing microphone to every connected peer.
// Each peer gets one audio sender at connect time; publishing swaps the
// track behind those senders, so no renegotiation is needed.
type TrackPublisher struct {
	streamID string

	mu      sync.Mutex
	idle    *webrtc.TrackLocalStaticSample
	track   *webrtc.TrackLocalStaticSample
	kind    OutputKind
	senders map[string]*webrtc.RTPSender
}

// NewTrackPublisher creates a publisher with no peers
func NewTrackPublisher(streamID string) *TrackPublisher {
	return &TrackPublisher{
		streamID: streamID,
		senders:  make(map[string]*webrtc.RTPSender),
	}
}

// AddPeer adds the microphone sender to pc. On the answering side it must
// run after the remote offer is applied so the offered transceiver is reused.
func (t *TrackPublisher) AddPeer(peer string, pc *webrtc.PeerConnection) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.senders[peer]; ok {
		return nil
	}

	track := t.track
	if track == nil {
		if t.idle == nil {
			idle, err := webrtc.NewTrackLocalStaticSample(OpusCodec, "mic", t.streamID)
			if err != nil {
				return fmt.Errorf("create idle track: %w", err)
			}
			t.idle = idle
		}
		track = t.idle
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add microphone sender for %s: %w", peer, err)
	}
	if t.track == nil {
		if err := sender.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("clear microphone sender for %s: %w", peer, err)
		}
	}

	go readRTCP(peer, sender)

	t.senders[peer] = sender
	log.Debug().Str("peer", peer).Str("output", string(t.kind)).Msg("microphone sender added")
	return nil
}

// readRTCP drains sender so interceptors run, logging receiver reports
func readRTCP(peer string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				log.Debug().
					Str("peer", peer).
					Uint32("ssrc", report.SSRC).
					Float64("fraction_lost", float64(report.FractionLost)/256).
					Uint32("jitter", report.Jitter).
					Msg("microphone receiver report")
			}
		}
	}
}

// RemovePeer forgets the sender for peer. The connection owner closes it.
func (t *TrackPublisher) RemovePeer(peer string) {
	t.mu.Lock()
	delete(t.senders, peer)
	t.mu.Unlock()
}

// Peers returns the peers with a microphone sender
func (t *TrackPublisher) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]string, 0, len(t.senders))
	for p := range t.senders {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// Publish puts a fresh track for kind behind every sender. Only one track
// may be published at a time.
func (t *TrackPublisher) Publish(kind OutputKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.track != nil {
		return fmt.Errorf("%s output already published", t.kind)
	}

	track, err := webrtc.NewTrackLocalStaticSample(OpusCodec, "mic-"+string(kind), t.streamID)
	if err != nil {
		return fmt.Errorf("create %s track: %w", kind, err)
	}
	if err := t.replaceLocked(track); err != nil {
		_ = t.replaceLocked(nil)
		return fmt.Errorf("publish %s track: %w", kind, err)
	}

	t.track = track
	t.kind = kind
	log.Info().Str("stream_id", t.streamID).Str("output", string(kind)).Int("peers", len(t.senders)).Msg("microphone track published")
	return nil
}

// Unpublish detaches the published track from every sender, if any
func (t *TrackPublisher) Unpublish() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.track == nil {
		return nil
	}
	err := t.replaceLocked(nil)

	log.Info().Str("stream_id", t.streamID).Str("output", string(t.kind)).Msg("microphone track unpublished")
	t.track = nil
	t.kind = OutputNone
	if err != nil {
		return fmt.Errorf("unpublish: %w", err)
	}
	return nil
}

// Published returns the output currently behind the senders
func (t *TrackPublisher) Published() OutputKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

func (t *TrackPublisher) replaceLocked(track webrtc.TrackLocal) error {
	var errs []error
	for peer, sender := range t.senders {
		err := sender.ReplaceTrack(track)
		if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// WriteFrame writes one encoded frame to the published track
func (t *TrackPublisher) WriteFrame(f Frame) error {
	t.mu.Lock()
	track := t.track
	t.mu.Unlock()

	if track == nil {
		return nil
	}
	return track.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration})
}
