package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/watchparty/go/internal/playback"
	"github.com/mcdev12/watchparty/go/internal/room"
	"github.com/mcdev12/watchparty/go/internal/timeline"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type testGateway struct {
	svc    *Service
	client *room.Client
	store  *timeline.MemoryStore
	clock  *clockwork.FakeClock
	server *httptest.Server
}

func startGateway(t *testing.T, ctx context.Context, host bool) *testGateway {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	store := timeline.NewMemoryStore()
	writer := timeline.NewWriter(store, timeline.DefaultWriterConfig())
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("writer start: %v", err)
	}
	t.Cleanup(func() { _ = writer.Stop() })

	svc := NewService(DefaultConfig(), clock)
	client, err := room.NewClient(
		room.Config{Room: "r1", Identity: "alice", Host: host},
		room.Deps{Store: store, Writer: writer, Player: svc.Player(), Clock: clock, OnAdvance: svc.Advance},
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	go func() { _ = client.Run(ctx) }()
	go func() { _ = svc.Start(ctx, client) }()
	// gateway status ticker plus the sync and mic loops
	if err := clock.BlockUntilContext(ctx, 3); err != nil {
		t.Fatalf("loops never armed: %v", err)
	}

	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return &testGateway{svc: svc, client: client, store: store, clock: clock, server: server}
}

func (g *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return g.svc.manager.Count() == 1 })
	return conn
}

// readUntil reads messages until match returns true
func readUntil(t *testing.T, conn *websocket.Conn, match func(OutboundMessage) bool) OutboundMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg OutboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, false)

	resp, err := http.Get(g.server.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status room.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Sync.Phase != playback.PhaseIdle {
		t.Errorf("phase = %s, want idle", status.Sync.Phase)
	}
	if status.Mic.Transmit {
		t.Errorf("agent without microphone transmits")
	}
}

func TestHostStartDrivesPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, true)
	conn := g.dial(t)

	if err := conn.WriteJSON(InboundMessage{Type: MessageHost, Action: ActionStart, MediaID: "v1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	seek := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageCommand })
	if seek.Command != CommandSeek || seek.Position == nil || *seek.Position != 0 {
		t.Errorf("first command = %+v, want seek to 0", seek)
	}
	play := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageCommand })
	if play.Command != CommandPlay {
		t.Errorf("second command = %+v, want play", play)
	}

	raw, err := g.store.Get(ctx, timeline.RoomPaths("r1").Playback())
	if err != nil {
		t.Fatalf("anchor not stored: %v", err)
	}
	if a, _ := timeline.DecodeAnchor(raw); !a.IsPlaying || a.Media() != "v1" {
		t.Errorf("anchor = %+v", a)
	}
}

func TestHostEndAdvancesPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, true)
	conn := g.dial(t)

	conn.WriteJSON(InboundMessage{Type: MessageHost, Action: ActionStart, MediaID: "v1"})
	waitFor(t, func() bool { return g.client.Status().Sync.Phase == playback.PhasePlaying })

	conn.WriteJSON(InboundMessage{Type: MessagePlayer, Event: "ended"})
	conn.WriteJSON(InboundMessage{Type: MessagePlayer, Event: "ended"})
	msg := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageAdvance })
	if msg.MediaID != "v1" {
		t.Errorf("advance = %+v", msg)
	}
}

func TestViewerCannotActAsHost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, false)
	conn := g.dial(t)

	conn.WriteJSON(InboundMessage{Type: MessageHost, Action: ActionStart, MediaID: "v1"})
	msg := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageError })
	if msg.Error != ErrNotHost.Error() {
		t.Errorf("error = %q", msg.Error)
	}
	if _, err := g.store.Get(ctx, timeline.RoomPaths("r1").Playback()); !errors.Is(err, timeline.ErrNotFound) {
		t.Errorf("viewer wrote the anchor")
	}
}

func TestHostResumeNeedsPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, true)
	conn := g.dial(t)
	path := timeline.RoomPaths("r1").Playback()

	conn.WriteJSON(InboundMessage{Type: MessageHost, Action: ActionStart, MediaID: "v1"})
	waitFor(t, func() bool { return g.client.Status().Sync.Phase == playback.PhasePlaying })

	pos := 42.0
	conn.WriteJSON(InboundMessage{Type: MessageHost, Action: ActionPause, Position: &pos})
	waitFor(t, func() bool { return g.client.Status().Sync.Phase == playback.PhasePaused })
	paused, err := g.store.Get(ctx, path)
	if err != nil {
		t.Fatalf("anchor not stored: %v", err)
	}

	for _, action := range []string{ActionResume, ActionPause} {
		conn.WriteJSON(InboundMessage{Type: MessageHost, Action: action})
		msg := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageError })
		if msg.Error != ErrMissingPosition.Error() {
			t.Errorf("%s without position: error = %q", action, msg.Error)
		}
	}

	raw, err := g.store.Get(ctx, path)
	if err != nil || string(raw) != string(paused) {
		t.Errorf("anchor rewritten without a position: %s", raw)
	}
}

func TestMalformedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, false)
	conn := g.dial(t)

	conn.WriteMessage(websocket.TextMessage, []byte("{"))
	readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageError })

	conn.WriteJSON(InboundMessage{Type: MessageUnmute, Action: ActionAccept})
	msg := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageError })
	if !strings.Contains(msg.Error, "no pending unmute request") {
		t.Errorf("error = %q", msg.Error)
	}
}

func TestStatusPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, false)
	conn := g.dial(t)

	g.clock.Advance(DefaultConfig().StatusInterval)
	msg := readUntil(t, conn, func(m OutboundMessage) bool { return m.Type == MessageStatus })
	if msg.Status == nil || msg.Status.Sync.Phase != playback.PhaseIdle {
		t.Errorf("status = %+v", msg.Status)
	}
}

func TestPlayerReportUpdatesBridge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := startGateway(t, ctx, false)
	conn := g.dial(t)

	pos := 12.0
	conn.WriteJSON(InboundMessage{Type: MessagePlayer, Event: PositionEvent, State: "paused", Position: &pos})
	waitFor(t, func() bool { return g.svc.Player().State() == playback.PlayerPaused })
	if got, err := g.svc.Player().Position(); err != nil || got != 12 {
		t.Errorf("Position() = %v, %v", got, err)
	}
}

func TestPlayerBridge(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	var sent []OutboundMessage
	connected := false
	b := NewPlayerBridge(func(m OutboundMessage) bool {
		if !connected {
			return false
		}
		sent = append(sent, m)
		return true
	}, clock)

	if err := b.Play(context.Background()); !errors.Is(err, ErrNoPage) {
		t.Errorf("Play without page = %v", err)
	}
	if _, err := b.Position(); !errors.Is(err, ErrNoPosition) {
		t.Errorf("Position before report = %v", err)
	}
	if b.State() != playback.PlayerUnstarted {
		t.Errorf("State = %s", b.State())
	}

	connected = true
	if err := b.Seek(context.Background(), 30); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(sent) != 1 || sent[0].Command != CommandSeek || *sent[0].Position != 30 {
		t.Fatalf("sent = %+v", sent)
	}

	pos := 40.0
	b.Report(playback.PlayerPlaying, &pos)
	clock.Advance(1500 * time.Millisecond)
	if got, _ := b.Position(); got != 41.5 {
		t.Errorf("extrapolated position = %v, want 41.5", got)
	}

	b.Report(playback.PlayerPaused, nil)
	if got, _ := b.Position(); got != 40 {
		t.Errorf("paused position = %v, want 40", got)
	}
}
