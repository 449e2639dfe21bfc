package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/micpolicy"
	"github.com/mcdev12/watchparty/go/internal/playback"
	"github.com/mcdev12/watchparty/go/internal/room"
	"github.com/mcdev12/watchparty/go/internal/timeline"
)

// ErrNotHost is reported to a page that sends host actions from a viewer agent
var ErrNotHost = errors.New("gateway: host action from non-host client")

// ErrMissingPosition is reported for pause and resume actions without a position
var ErrMissingPosition = errors.New("gateway: pause and resume need a position")

// Room is the local room client the gateway fronts. *room.Client implements it.
type Room interface {
	Status() room.Status
	IsHost() bool
	Sync() *playback.Controller
	Mic() *micpolicy.Enforcer
	Host() *playback.Host
	Authority() *micpolicy.Authority
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	StatusInterval   time.Duration
	AllowedOrigins   []string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		StatusInterval:   500 * time.Millisecond,
		AllowedOrigins:   []string{"*"},
	}
}

// Service bridges the browser page and the local room client
type Service struct {
	config  Config
	clock   clockwork.Clock
	manager *ConnectionManager
	player  *PlayerBridge

	mu   sync.RWMutex
	room Room
}

// NewService creates the gateway. The player bridge is available right away
// so the room client can be built on top of it.
func NewService(config Config, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = DefaultConfig().StatusInterval
	}
	s := &Service{config: config, clock: clock}
	s.manager = NewConnectionManager(config.ConnectionConfig, s.handleMessage)
	s.player = NewPlayerBridge(s.manager.Broadcast, clock)
	return s
}

// Player is the page's video player for the room client
func (s *Service) Player() *PlayerBridge { return s.player }

// Advance tells the page the host's media item ended. The page owns the queue.
func (s *Service) Advance(mediaID string) {
	if !s.manager.Broadcast(OutboundMessage{Type: MessageAdvance, MediaID: mediaID}) {
		log.Warn().Str("media_id", mediaID).Msg("no page to advance the queue")
	}
}

func (s *Service) currentRoom() Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Start serves r until ctx is done, pushing status every StatusInterval
func (s *Service) Start(ctx context.Context, r Room) error {
	s.mu.Lock()
	s.room = r
	s.mu.Unlock()

	log.Info().Dur("status_interval", s.config.StatusInterval).Msg("starting gateway service")
	go s.manager.Start(ctx)

	ticker := s.clock.NewTicker(s.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway service stopped")
			return nil
		case <-ticker.Chan():
			status := r.Status()
			s.manager.Broadcast(OutboundMessage{Type: MessageStatus, Status: &status})
		}
	}
}

// Handler returns the gateway routes wrapped in CORS
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// RegisterRoutes registers the gateway HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.currentRoom() == nil {
		http.Error(w, "room client not running", http.StatusServiceUnavailable)
		return
	}
	if err := s.manager.UpgradeConnection(w, r); err != nil {
		// the upgrader has already replied
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	rm := s.currentRoom()
	if rm == nil {
		http.Error(w, "room client not running", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rm.Status()); err != nil {
		log.Error().Err(err).Msg("failed to write status response")
	}
}

func (s *Service) handleMessage(conn *Connection, data []byte) {
	rm := s.currentRoom()
	if rm == nil {
		return
	}

	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("ignoring malformed message")
		s.replyError(conn, fmt.Errorf("malformed message: %w", err))
		return
	}

	ctx := context.Background()
	var err error
	switch msg.Type {
	case MessagePlayer:
		s.handlePlayer(ctx, rm, msg)
	case MessageUnmute:
		err = s.handleUnmute(ctx, rm, msg)
	case MessageHost:
		err = s.handleHost(rm, msg)
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Str("type", string(msg.Type)).Msg("message rejected")
		s.replyError(conn, err)
	}
}

func (s *Service) replyError(conn *Connection, err error) {
	s.manager.SendTo(conn, OutboundMessage{Type: MessageError, Error: err.Error()})
}

func (s *Service) handlePlayer(ctx context.Context, rm Room, msg InboundMessage) {
	state := playback.PlayerState(msg.State)
	if msg.Event == string(playback.EventEnded) && state == "" {
		state = playback.PlayerEnded
	}
	s.player.Report(state, msg.Position)
	if msg.Event == PositionEvent || msg.Event == "" {
		return
	}

	ev := playback.PlayerEvent{
		Kind:    playback.EventKind(msg.Event),
		State:   state,
		MediaID: msg.MediaID,
	}
	if msg.Error != "" {
		ev.Err = errors.New(msg.Error)
	}
	rm.Sync().HandlePlayerEvent(ctx, ev)
}

func (s *Service) handleUnmute(ctx context.Context, rm Room, msg InboundMessage) error {
	switch msg.Action {
	case ActionAccept:
		_, err := rm.Mic().AcceptUnmute(ctx)
		return err
	case ActionDismiss:
		return rm.Mic().DismissUnmute(ctx)
	}
	return fmt.Errorf("unknown unmute action %q", msg.Action)
}

func (s *Service) handleHost(rm Room, msg InboundMessage) error {
	if !rm.IsHost() {
		return ErrNotHost
	}
	host, authority := rm.Host(), rm.Authority()

	switch msg.Action {
	case ActionStart:
		return host.Start(msg.MediaID, time.Duration(msg.CountdownMs)*time.Millisecond)
	case ActionPause:
		if msg.Position == nil {
			return ErrMissingPosition
		}
		return host.Pause(*msg.Position)
	case ActionResume:
		if msg.Position == nil {
			return ErrMissingPosition
		}
		return host.Resume(*msg.Position)
	case ActionRestart:
		return host.Restart()
	case ActionPolicy:
		authority.SetMode(timeline.MicMode(msg.Mode))
	case ActionSpeaker:
		authority.SetActiveSpeaker(msg.Identity)
	case ActionForceMute:
		authority.SetForceMute(msg.Identity, msg.Value)
	case ActionRequestUnmute:
		authority.RequestUnmute(msg.Identity)
	case ActionLock:
		authority.SetMicLock(msg.Value)
	default:
		return fmt.Errorf("unknown host action %q", msg.Action)
	}
	return nil
}
