package micpipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTargetDelay(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		oneWay, margin, max, want time.Duration
	}{
		{0, 60 * ms, 250 * ms, 60 * ms},
		{20 * ms, 60 * ms, 250 * ms, 80 * ms},
		{100 * ms, 60 * ms, 250 * ms, 160 * ms},
		{500 * ms, 60 * ms, 250 * ms, 250 * ms},
		{-100 * ms, 60 * ms, 250 * ms, 0},
	}
	for _, tt := range tests {
		if got := TargetDelay(tt.oneWay, tt.margin, tt.max); got != tt.want {
			t.Errorf("TargetDelay(%v, %v, %v) = %v, want %v", tt.oneWay, tt.margin, tt.max, got, tt.want)
		}
	}
}

func TestTargetDelayNeverExceedsMaxAcrossLatencyStep(t *testing.T) {
	// smoothed one-way latency for an RTT step 40ms -> 200ms with alpha 0.2
	smoothed := 20.0
	for i := 0; i < 50; i++ {
		smoothed = smoothed*0.8 + 100*0.2
		d := TargetDelay(time.Duration(smoothed*float64(time.Millisecond)), 60*time.Millisecond, 250*time.Millisecond)
		if d > 250*time.Millisecond || d < 0 {
			t.Fatalf("step %d: delay %v out of range", i, d)
		}
	}
}

func TestDelayLineFirstTargetAppliesImmediately(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDelayLine(50 * time.Millisecond)
	d.SetTarget(80*time.Millisecond, now)
	if got := d.Current(now); got != 80*time.Millisecond {
		t.Errorf("Current = %v, want 80ms", got)
	}
}

func TestDelayLineSmoothsTargetChanges(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDelayLine(50 * time.Millisecond)
	d.SetTarget(60*time.Millisecond, now)
	d.SetTarget(160*time.Millisecond, now)

	if got := d.Current(now); got != 60*time.Millisecond {
		t.Errorf("no time elapsed: Current = %v, want 60ms", got)
	}

	// one time-constant closes ~63% of the gap
	got := d.Current(now.Add(50 * time.Millisecond))
	if got < 122*time.Millisecond || got > 124*time.Millisecond {
		t.Errorf("after tau: Current = %v, want ~123ms", got)
	}

	got = d.Current(now.Add(500 * time.Millisecond))
	if got < 159*time.Millisecond || got > 160*time.Millisecond {
		t.Errorf("after 10 tau: Current = %v, want ~160ms", got)
	}
	if d.Target() != 160*time.Millisecond {
		t.Errorf("Target = %v", d.Target())
	}
}

func TestDelayLineWithoutSmoothingAppliesTargetAtOnce(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDelayLine(0)
	d.SetTarget(100*time.Millisecond, t0)

	later := t0.Add(30 * time.Millisecond)
	d.SetTarget(40*time.Millisecond, later)
	if got := d.Current(later); got != 40*time.Millisecond {
		t.Errorf("Current = %v, want new target 40ms", got)
	}

	d.Push(Frame{Data: []byte{1}, CapturedAt: later}, later)
	if out := d.Pop(later.Add(40 * time.Millisecond)); len(out) != 1 {
		t.Errorf("frame pushed with the new target not released after 40ms: %v", out)
	}
}

func TestDelayLineReleasesInOrder(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDelayLine(0)
	d.SetTarget(100*time.Millisecond, t0)

	d.Push(Frame{Data: []byte{1}, CapturedAt: t0}, t0)
	d.Push(Frame{Data: []byte{2}, CapturedAt: t0.Add(20 * time.Millisecond)}, t0.Add(20*time.Millisecond))

	if out := d.Pop(t0.Add(99 * time.Millisecond)); len(out) != 0 {
		t.Fatalf("released early: %v", out)
	}
	out := d.Pop(t0.Add(100 * time.Millisecond))
	if len(out) != 1 || out[0].Data[0] != 1 {
		t.Fatalf("expected first frame at 100ms, got %v", out)
	}
	out = d.Pop(t0.Add(120 * time.Millisecond))
	if len(out) != 1 || out[0].Data[0] != 2 {
		t.Fatalf("expected second frame at 120ms, got %v", out)
	}
	if d.Len() != 0 {
		t.Errorf("queue not empty")
	}
}

func TestDelayLineNeverReordersWhenDelayShrinks(t *testing.T) {
	t0 := time.Unix(1000, 0)
	d := NewDelayLine(0)
	d.SetTarget(200*time.Millisecond, t0)
	d.Push(Frame{Data: []byte{1}, CapturedAt: t0}, t0)

	d.SetTarget(0, t0.Add(20*time.Millisecond))
	d.Push(Frame{Data: []byte{2}, CapturedAt: t0.Add(20 * time.Millisecond)}, t0.Add(20*time.Millisecond))

	if out := d.Pop(t0.Add(100 * time.Millisecond)); len(out) != 0 {
		t.Fatalf("second frame overtook the first: %v", out)
	}
	out := d.Pop(t0.Add(200 * time.Millisecond))
	if len(out) != 2 || out[0].Data[0] != 1 || out[1].Data[0] != 2 {
		t.Fatalf("unexpected release %v", out)
	}
}

type fakeCapture struct {
	frames chan Frame
	once   sync.Once
	closed chan struct{}
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (c *fakeCapture) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.closed:
		return Frame{}, io.EOF
	case f := <-c.frames:
		return f, nil
	}
}

func (c *fakeCapture) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakePublisher struct {
	mu          sync.Mutex
	live        []OutputKind
	history     []string
	written     []Frame
	failDelayed bool
	onPublish   func()
}

func (p *fakePublisher) Publish(kind OutputKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == OutputDelayed && p.failDelayed {
		return errors.New("graph unavailable")
	}
	p.live = append(p.live, kind)
	p.history = append(p.history, "publish:"+string(kind))
	if p.onPublish != nil {
		p.onPublish()
	}
	return nil
}

func (p *fakePublisher) Unpublish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, "unpublish")
	p.live = nil
	return nil
}

func (p *fakePublisher) WriteFrame(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, f)
	return nil
}

func (p *fakePublisher) writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

func (p *fakePublisher) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func openFake(c *fakeCapture) CaptureOpener {
	return func(context.Context) (Capture, error) { return c, nil }
}

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

func TestPipelineDelaysOutgoingFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	capture := newFakeCapture()
	pub := &fakePublisher{}
	p := New(openFake(capture), pub, clock, DefaultConfig())
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Published() != OutputDelayed {
		t.Fatalf("Published = %q, want delayed", p.Published())
	}
	if err := p.SetEnabled(ctx, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("pump never armed: %v", err)
	}

	capture.frames <- Frame{Data: []byte{7}, Duration: 20 * time.Millisecond, CapturedAt: clock.Now()}
	waitFor(t, func() bool { return p.delay.Len() == 1 })

	// initial target is the safety margin, 60ms
	for i := 0; i < 5; i++ {
		clock.Advance(10 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if pub.writes() != 0 {
		t.Fatalf("frame published before its delay elapsed")
	}
	clock.Advance(10 * time.Millisecond)
	waitFor(t, func() bool { return pub.writes() == 1 })
}

func TestPipelineDropsFramesWhileDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	capture := newFakeCapture()
	pub := &fakePublisher{}
	p := New(openFake(capture), pub, clock, Config{Bypass: true})
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Published() != OutputRaw {
		t.Fatalf("bypass should publish raw, got %q", p.Published())
	}

	capture.frames <- Frame{Data: []byte{1}}
	time.Sleep(20 * time.Millisecond)
	if pub.writes() != 0 {
		t.Fatalf("frame written while microphone disabled")
	}

	_ = p.SetEnabled(ctx, true)
	capture.frames <- Frame{Data: []byte{2}}
	waitFor(t, func() bool { return pub.writes() == 1 })
}

func TestPipelineFallsBackToRawOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &fakePublisher{failDelayed: true}
	p := New(openFake(newFakeCapture()), pub, clockwork.NewFakeClock(), DefaultConfig())
	defer p.Close()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Published() != OutputRaw {
		t.Errorf("Published = %q, want raw fallback", p.Published())
	}
	if pub.liveCount() != 1 {
		t.Errorf("exactly one output must be live, got %d", pub.liveCount())
	}
}

func TestPipelineSwapUnpublishesFirst(t *testing.T) {
	pub := &fakePublisher{}
	p := New(openFake(newFakeCapture()), pub, clockwork.NewFakeClock(), DefaultConfig())

	if err := p.publish(OutputRaw); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := p.publish(OutputDelayed); err != nil {
		t.Fatalf("publish delayed: %v", err)
	}
	want := []string{"publish:raw", "unpublish", "publish:delayed"}
	if len(pub.history) != len(want) {
		t.Fatalf("history = %v, want %v", pub.history, want)
	}
	for i := range want {
		if pub.history[i] != want[i] {
			t.Fatalf("history = %v, want %v", pub.history, want)
		}
	}
	if pub.liveCount() != 1 {
		t.Errorf("more than one output live")
	}
}

func TestPipelinePermissionDenied(t *testing.T) {
	open := func(context.Context) (Capture, error) { return nil, ErrPermissionDenied }
	pub := &fakePublisher{}
	p := New(open, pub, clockwork.NewFakeClock(), DefaultConfig())

	err := p.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if !p.PermissionDenied() {
		t.Errorf("PermissionDenied() = false")
	}
	if err := p.SetEnabled(context.Background(), true); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("enabling without permission: %v", err)
	}
	if err := p.SetEnabled(context.Background(), false); err != nil {
		t.Errorf("disabling without permission: %v", err)
	}
	if pub.liveCount() != 0 {
		t.Errorf("nothing should be published without capture")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close after failed start: %v", err)
	}
}

func TestPipelineSetLatency(t *testing.T) {
	p := New(openFake(newFakeCapture()), &fakePublisher{}, clockwork.NewFakeClock(), DefaultConfig())
	if got := p.TargetDelay(); got != 60*time.Millisecond {
		t.Errorf("initial target = %v, want 60ms", got)
	}
	if got := p.SetLatency(40 * time.Millisecond); got != 100*time.Millisecond {
		t.Errorf("SetLatency(40ms) = %v, want 100ms", got)
	}
	if got := p.SetLatency(time.Second); got != 250*time.Millisecond {
		t.Errorf("SetLatency(1s) = %v, want 250ms", got)
	}
}

func TestPipelineCloseDuringStartReleasesEverything(t *testing.T) {
	pub := &fakePublisher{}
	capture := newFakeCapture()
	p := New(openFake(capture), pub, clockwork.NewFakeClock(), DefaultConfig())

	closed := make(chan error, 1)
	pub.onPublish = func() {
		go func() { closed <- p.Close() }()
		// let Close queue behind the publish
		time.Sleep(20 * time.Millisecond)
	}

	startErr := p.Start(context.Background())
	if startErr != nil && !errors.Is(startErr, ErrClosed) {
		t.Fatalf("Start = %v, want nil or ErrClosed", startErr)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}

	if pub.liveCount() != 0 || p.Published() != OutputNone {
		t.Errorf("output still published after Close (start err %v)", startErr)
	}
	select {
	case <-capture.closed:
	default:
		t.Errorf("capture device not released (start err %v)", startErr)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	never := New(openFake(newFakeCapture()), &fakePublisher{}, clockwork.NewFakeClock(), DefaultConfig())
	if err := never.Close(); err != nil {
		t.Errorf("Close on never-started pipeline: %v", err)
	}
	if err := never.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := never.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}

	pub := &fakePublisher{}
	capture := newFakeCapture()
	p := New(openFake(capture), pub, clockwork.NewFakeClock(), DefaultConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if pub.liveCount() != 0 || p.Published() != OutputNone {
		t.Errorf("output still published after Close")
	}
	select {
	case <-capture.closed:
	default:
		t.Errorf("capture device not released")
	}
}
