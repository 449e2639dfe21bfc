package latency

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ProbeLabel is the data channel label used for latency probes
const ProbeLabel = "latency"

// ErrUnknownPeer is returned when sending to a peer without an open channel
var ErrUnknownPeer = errors.New("latency: no data channel for peer")

// ProbeChannelInit returns data channel options for unordered, unreliable delivery
func ProbeChannelInit() *webrtc.DataChannelInit {
	ordered := false
	maxRetransmits := uint16(0)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	}
}

// Mesh is a Transport over one WebRTC data channel per peer
type Mesh struct {
	mu       sync.RWMutex
	channels map[string]*webrtc.DataChannel
	handler  func(from string, data []byte)
}

// NewMesh creates an empty mesh
func NewMesh() *Mesh {
	return &Mesh{channels: make(map[string]*webrtc.DataChannel)}
}

// Open creates the probe data channel towards peer on pc
func (m *Mesh) Open(pc *webrtc.PeerConnection, peer string) error {
	dc, err := pc.CreateDataChannel(ProbeLabel, ProbeChannelInit())
	if err != nil {
		return fmt.Errorf("create data channel for %s: %w", peer, err)
	}
	m.Attach(peer, dc)
	return nil
}

// Accept attaches the probe data channel peer opens on pc
func (m *Mesh) Accept(pc *webrtc.PeerConnection, peer string) {
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ProbeLabel {
			return
		}
		m.Attach(peer, dc)
	})
}

// Attach registers dc as the channel to peer
func (m *Mesh) Attach(peer string, dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.channels[peer] = dc
	m.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(peer, msg.Data)
		}
	})
	dc.OnClose(func() {
		m.detachChannel(peer, dc)
	})

	log.Debug().Str("peer", peer).Str("label", dc.Label()).Msg("probe channel attached")
}

// Detach forgets the channel to peer
func (m *Mesh) Detach(peer string) {
	m.mu.Lock()
	delete(m.channels, peer)
	m.mu.Unlock()
}

// detachChannel forgets dc unless a newer channel to peer replaced it
func (m *Mesh) detachChannel(peer string, dc *webrtc.DataChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[peer] == dc {
		delete(m.channels, peer)
	}
}

// Peers returns the peers with a registered channel
func (m *Mesh) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]string, 0, len(m.channels))
	for p := range m.channels {
		peers = append(peers, p)
	}
	return peers
}

// Broadcast sends data on every open channel
func (m *Mesh) Broadcast(data []byte) error {
	m.mu.RLock()
	targets := make(map[string]*webrtc.DataChannel, len(m.channels))
	for p, dc := range m.channels {
		targets[p] = dc
	}
	m.mu.RUnlock()

	var errs []error
	for peer, dc := range targets {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.Send(data); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// SendTo sends data to one peer
func (m *Mesh) SendTo(peer string, data []byte) error {
	m.mu.RLock()
	dc, ok := m.channels[peer]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return dc.Send(data)
}

// OnMessage sets the handler for incoming messages
func (m *Mesh) OnMessage(fn func(from string, data []byte)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}
