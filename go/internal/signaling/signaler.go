package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// MessageType identifies a signaling message
type MessageType string

const (
	MessageHello  MessageType = "hello"
	MessageOffer  MessageType = "offer"
	MessageAnswer MessageType = "answer"
	MessageBye    MessageType = "bye"
)

// Message is the signaling wire format. SDP carries complete descriptions
// with every ICE candidate already gathered.
type Message struct {
	Type MessageType                `json:"type"`
	From string                     `json:"from"`
	SDP  *webrtc.SessionDescription `json:"sdp,omitempty"`
}

// PeerHandler attaches application channels and tracks to a new connection
// before its local description is created. The offerer is called before
// any remote description exists, the answerer right after the offer is applied.
type PeerHandler interface {
	PeerConnected(peer string, pc *webrtc.PeerConnection, offerer bool) error
	PeerDisconnected(peer string)
}

// Config holds signaling settings
type Config struct {
	Room       string
	Identity   string
	Heartbeat  time.Duration
	ICEServers []webrtc.ICEServer
}

const DefaultHeartbeat = 5 * time.Second

// staleHeartbeats is how many heartbeats a handshake may take before the
// offerer starts over
const staleHeartbeats = 3

// Signaler meshes every agent in a room. Agents announce themselves on the
// room presence subject; of each pair the lower identity sends the offer.
type Signaler struct {
	config  Config
	bus     Bus
	api     *webrtc.API
	handler PeerHandler
	clock   clockwork.Clock

	mu    sync.Mutex
	peers map[string]*peerConn
}

type peerConn struct {
	pc    *webrtc.PeerConnection
	since time.Time
}

func New(cfg Config, bus Bus, api *webrtc.API, handler PeerHandler, clock clockwork.Clock) *Signaler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if api == nil {
		api = webrtc.NewAPI()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signaler{
		config:  cfg,
		bus:     bus,
		api:     api,
		handler: handler,
		clock:   clock,
		peers:   make(map[string]*peerConn),
	}
}

// PresenceSubject is where agents of room announce themselves
func PresenceSubject(room string) string {
	return "watchparty." + timeline.Key(room) + ".presence"
}

// InboxSubject receives messages addressed to identity
func InboxSubject(room, identity string) string {
	return "watchparty." + timeline.Key(room) + ".peer." + timeline.Key(identity)
}

// Peers returns the identities with a live connection
func (s *Signaler) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]string, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// Run announces the agent and answers peers until ctx is done
func (s *Signaler) Run(ctx context.Context) error {
	presence := PresenceSubject(s.config.Room)
	inbox := InboxSubject(s.config.Room, s.config.Identity)

	var unsubs []func() error
	defer func() {
		for _, unsub := range unsubs {
			if err := unsub(); err != nil {
				log.Debug().Err(err).Msg("failed to unsubscribe")
			}
		}
	}()
	for _, subject := range []string{presence, inbox} {
		unsub, err := s.bus.Subscribe(subject, func(data []byte) { s.handle(ctx, data) })
		if err != nil {
			return err
		}
		unsubs = append(unsubs, unsub)
	}

	ticker := s.clock.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	log.Info().Str("room", s.config.Room).Str("identity", s.config.Identity).Msg("signaling started")
	s.announce()
	for {
		select {
		case <-ctx.Done():
			s.send(presence, Message{Type: MessageBye, From: s.config.Identity})
			s.closeAll()
			log.Info().Str("identity", s.config.Identity).Msg("signaling stopped")
			return nil
		case <-ticker.Chan():
			s.announce()
		}
	}
}

func (s *Signaler) announce() {
	s.send(PresenceSubject(s.config.Room), Message{Type: MessageHello, From: s.config.Identity})
}

func (s *Signaler) send(subject string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode signaling message")
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Msg("failed to send signaling message")
	}
}

func (s *Signaler) handle(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed signaling message")
		return
	}
	if msg.From == "" || msg.From == s.config.Identity {
		return
	}

	switch msg.Type {
	case MessageHello:
		s.handleHello(ctx, msg.From)
	case MessageOffer:
		if msg.SDP != nil {
			go s.answer(ctx, msg.From, *msg.SDP)
		}
	case MessageAnswer:
		if msg.SDP != nil {
			s.handleAnswer(msg.From, *msg.SDP)
		}
	case MessageBye:
		s.drop(msg.From)
	}
}

func (s *Signaler) handleHello(ctx context.Context, peer string) {
	offerer := s.config.Identity < peer

	s.mu.Lock()
	existing, known := s.peers[peer]
	s.mu.Unlock()
	if known {
		if !offerer || !s.stale(existing) {
			return
		}
		log.Warn().Str("peer", peer).Msg("handshake stalled, offering again")
		s.dropConn(peer, existing.pc)
	}
	if !offerer {
		// the peer offers; make sure it knows about us
		s.send(InboxSubject(s.config.Room, peer), Message{Type: MessageHello, From: s.config.Identity})
		return
	}
	pc, err := s.connect(peer, nil)
	if err != nil {
		if !errors.Is(err, errPeerExists) {
			log.Error().Err(err).Str("peer", peer).Msg("failed to connect to peer")
		}
		return
	}
	go s.offer(ctx, peer, pc)
}

func (s *Signaler) stale(p *peerConn) bool {
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return false
	}
	return s.clock.Since(p.since) > staleHeartbeats*s.config.Heartbeat
}

var errPeerExists = errors.New("signaling: peer already connected")

// connect creates and registers the connection to peer. A non-nil offer
// makes this side the answerer.
func (s *Signaler) connect(peer string, offer *webrtc.SessionDescription) (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peer]; ok {
		return nil, errPeerExists
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("peer", peer).Str("state", state.String()).Msg("peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go s.dropConn(peer, pc)
		}
	})
	if offer != nil {
		if err := pc.SetRemoteDescription(*offer); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set remote offer: %w", err)
		}
	}
	if err := s.handler.PeerConnected(peer, pc, offer == nil); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("attach peer %s: %w", peer, err)
	}
	s.peers[peer] = &peerConn{pc: pc, since: s.clock.Now()}
	return pc, nil
}

func (s *Signaler) offer(ctx context.Context, peer string, pc *webrtc.PeerConnection) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to create offer")
		s.dropConn(peer, pc)
		return
	}
	if err := s.setLocal(ctx, pc, offer); err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to set local offer")
		s.dropConn(peer, pc)
		return
	}
	s.send(InboxSubject(s.config.Room, peer), Message{Type: MessageOffer, From: s.config.Identity, SDP: pc.LocalDescription()})
	log.Debug().Str("peer", peer).Msg("offer sent")
}

// setLocal applies desc and waits for ICE gathering so the description is complete
func (s *Signaler) setLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return err
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Signaler) answer(ctx context.Context, peer string, offer webrtc.SessionDescription) {
	// a new offer from a known peer replaces the old connection
	s.drop(peer)

	pc, err := s.connect(peer, &offer)
	if err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to accept offer")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to create answer")
		s.dropConn(peer, pc)
		return
	}
	if err := s.setLocal(ctx, pc, answer); err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to set local answer")
		s.dropConn(peer, pc)
		return
	}
	s.send(InboxSubject(s.config.Room, peer), Message{Type: MessageAnswer, From: s.config.Identity, SDP: pc.LocalDescription()})
	log.Debug().Str("peer", peer).Msg("answer sent")
}

func (s *Signaler) handleAnswer(peer string, answer webrtc.SessionDescription) {
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if !ok {
		log.Debug().Str("peer", peer).Msg("ignoring answer from unknown peer")
		return
	}
	pc := p.pc
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debug().Str("peer", peer).Msg("ignoring unexpected answer")
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		log.Error().Err(err).Str("peer", peer).Msg("failed to apply answer")
		s.dropConn(peer, pc)
	}
}

// drop closes whatever connection peer has
func (s *Signaler) drop(peer string) {
	s.mu.Lock()
	p, ok := s.peers[peer]
	s.mu.Unlock()
	if ok {
		s.dropConn(peer, p.pc)
	}
}

// dropConn closes pc if it is still the connection registered for peer
func (s *Signaler) dropConn(peer string, pc *webrtc.PeerConnection) {
	s.mu.Lock()
	current, ok := s.peers[peer]
	if !ok || current.pc != pc {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer)
	s.mu.Unlock()

	s.handler.PeerDisconnected(peer)
	if err := pc.Close(); err != nil {
		log.Debug().Err(err).Str("peer", peer).Msg("failed to close peer connection")
	}
	log.Info().Str("peer", peer).Msg("peer dropped")
}

func (s *Signaler) closeAll() {
	for _, peer := range s.Peers() {
		s.drop(peer)
	}
}
