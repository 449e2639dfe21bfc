package main

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/latency"
	"github.com/mcdev12/watchparty/go/internal/micpipeline"
)

// peerHandler attaches the probe channel and the microphone sender to
// every peer connection the signaler opens
type peerHandler struct {
	mesh      *latency.Mesh
	publisher *micpipeline.TrackPublisher
}

func (h *peerHandler) PeerConnected(peer string, pc *webrtc.PeerConnection, offerer bool) error {
	if offerer {
		if err := h.mesh.Open(pc, peer); err != nil {
			return err
		}
	} else {
		h.mesh.Accept(pc, peer)
	}
	if err := h.publisher.AddPeer(peer, pc); err != nil {
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("peer", peer).
			Str("track_id", track.ID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote microphone track received")
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})
	return nil
}

func (h *peerHandler) PeerDisconnected(peer string) {
	h.mesh.Detach(peer)
	h.publisher.RemovePeer(peer)
}
