package latency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ProbeType tags latency probes on a shared data channel
const ProbeType = "latency-probe"

// DefaultProbeInterval is how often a probe is sent
const DefaultProbeInterval = time.Second

// Transport is an unordered, best-effort message channel to the room's peers
type Transport interface {
	Broadcast(data []byte) error
	SendTo(identity string, data []byte) error
	OnMessage(fn func(from string, data []byte))
}

// Probe is the wire format of a latency probe. Peers echo it back byte for byte.
type Probe struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	// Timestamp is the send time in epoch ms. Round trips are measured in
	// whole milliseconds on the same scale, so a sample is off by under 1ms.
	Timestamp int64 `json:"ts"`
}

// Prober periodically broadcasts probes, echoes peers' probes and reports
// the round trip of its own echoed probes. A lost probe yields no sample.
type Prober struct {
	identity  string
	transport Transport
	clock     clockwork.Clock
	interval  time.Duration
	onSample  func(rtt time.Duration)
}

// NewProber creates a prober and registers it for incoming messages on transport
func NewProber(identity string, transport Transport, clock clockwork.Clock, interval time.Duration, onSample func(rtt time.Duration)) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Prober{
		identity:  identity,
		transport: transport,
		clock:     clock,
		interval:  interval,
		onSample:  onSample,
	}
	transport.OnMessage(p.HandleMessage)
	return p
}

// Run sends a probe every interval until ctx is done
func (p *Prober) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().
		Str("identity", p.identity).
		Dur("interval", p.interval).
		Msg("latency prober started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("identity", p.identity).Msg("latency prober stopped")
			return nil
		case <-ticker.Chan():
			if err := p.SendProbe(); err != nil {
				log.Debug().Err(err).Str("identity", p.identity).Msg("latency probe not delivered")
			}
		}
	}
}

// SendProbe broadcasts one timestamped probe
func (p *Prober) SendProbe() error {
	data, err := json.Marshal(Probe{
		Type:      ProbeType,
		ID:        uuid.New().String(),
		From:      p.identity,
		Timestamp: p.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode probe: %w", err)
	}
	if err := p.transport.Broadcast(data); err != nil {
		return fmt.Errorf("broadcast probe: %w", err)
	}
	return nil
}

// HandleMessage processes one incoming data-channel message.
// Messages that are not probes are ignored.
func (p *Prober) HandleMessage(from string, data []byte) {
	var probe Probe
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type != ProbeType {
		return
	}

	if probe.From != p.identity {
		// echo unchanged, only to the sender
		if err := p.transport.SendTo(probe.From, data); err != nil {
			log.Debug().
				Err(err).
				Str("identity", p.identity).
				Str("peer", probe.From).
				Msg("failed to echo latency probe")
		}
		return
	}

	rtt := time.Duration(p.clock.Now().UnixMilli()-probe.Timestamp) * time.Millisecond
	if rtt < 0 {
		log.Debug().
			Str("identity", p.identity).
			Dur("rtt", rtt).
			Msg("discarding negative round trip")
		return
	}
	if p.onSample != nil {
		p.onSample(rtt)
	}
}
