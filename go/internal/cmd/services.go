package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/watchparty/go/internal/config"
	"github.com/mcdev12/watchparty/go/internal/gateway"
	"github.com/mcdev12/watchparty/go/internal/latency"
	"github.com/mcdev12/watchparty/go/internal/micpipeline"
	"github.com/mcdev12/watchparty/go/internal/room"
	"github.com/mcdev12/watchparty/go/internal/signaling"
	"github.com/mcdev12/watchparty/go/internal/timeline"
)

type Services struct {
	Store     *timeline.KVStore
	Writer    *timeline.Writer
	Mesh      *latency.Mesh
	Publisher *micpipeline.TrackPublisher
	Signaler  *signaling.Signaler
	Gateway   *gateway.Service
	Room      *room.Client
}

func setupServices(ctx context.Context, cfg config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Timeline store → peer mesh → mic pipeline → gateway → room client
	clock := clockwork.NewRealClock()

	store, err := timeline.NewKVStore(ctx, cfg.KVConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect timeline store: %w", err)
	}
	writer := timeline.NewWriter(store, timeline.DefaultWriterConfig())

	api, err := newWebRTCAPI(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	mesh := latency.NewMesh()
	publisher := micpipeline.NewTrackPublisher(cfg.Identity)
	signaler := signaling.New(
		cfg.SignalingConfig(),
		signaling.NewNATSBus(store.Conn()),
		api,
		&peerHandler{mesh: mesh, publisher: publisher},
		clock,
	)

	gw := gateway.NewService(cfg.GatewayConfig(), clock)

	deps := room.Deps{
		Store:     store,
		Writer:    writer,
		Player:    gw.Player(),
		Transport: mesh,
		Clock:     clock,
		OnAdvance: gw.Advance,
	}
	if cfg.Mic.Enabled {
		deps.Pipeline = micpipeline.New(micpipeline.MicrophoneOpener(clock), publisher, clock, cfg.PipelineConfig())
	} else {
		log.Info().Msg("microphone disabled, joining listen-only")
	}

	client, err := room.NewClient(cfg.RoomConfig(), deps)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create room client: %w", err)
	}

	return &Services{
		Store:     store,
		Writer:    writer,
		Mesh:      mesh,
		Publisher: publisher,
		Signaler:  signaler,
		Gateway:   gw,
		Room:      client,
	}, nil
}

func (s *Services) Close() {
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close timeline store")
	}
}
