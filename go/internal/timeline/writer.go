package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Command is one fire-and-forget write to the shared store
type Command struct {
	Path   string
	Value  []byte
	Delete bool
	Reason string
}

// WriterConfig holds configuration for the outbound writer
type WriterConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// DefaultWriterConfig returns default writer configuration
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
}

// WriterStats counts what happened to submitted commands
type WriterStats struct {
	Submitted uint64
	Written   uint64
	Failed    uint64
	Dropped   uint64
}

// Writer drains submitted commands into the store on its own goroutine.
// Failures are logged and counted; nothing is retried since the next
// reconciliation pass or host action supersedes a lost write.
type Writer struct {
	store  Store
	config WriterConfig
	queue  chan Command

	submitted atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWriter creates a writer for store
func NewWriter(store Store, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriterConfig().QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriterConfig().WriteTimeout
	}
	return &Writer{
		store:    store,
		config:   cfg,
		queue:    make(chan Command, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the drain goroutine
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("timeline writer already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().Int("queue_size", w.config.QueueSize).Msg("timeline writer started")
	return nil
}

// Stop halts the drain goroutine; queued commands are abandoned
func (w *Writer) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("timeline writer not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("timeline writer stopped")
	return nil
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case cmd := <-w.queue:
			w.apply(ctx, cmd)
		}
	}
}

func (w *Writer) apply(ctx context.Context, cmd Command) {
	writeCtx, cancel := context.WithTimeout(ctx, w.config.WriteTimeout)
	defer cancel()

	var err error
	if cmd.Delete {
		err = w.store.Delete(writeCtx, cmd.Path)
	} else {
		err = w.store.Put(writeCtx, cmd.Path, cmd.Value)
	}
	if err != nil {
		w.failed.Add(1)
		log.Error().
			Err(err).
			Str("path", cmd.Path).
			Str("reason", cmd.Reason).
			Msg("timeline write failed")
		return
	}

	w.written.Add(1)
	log.Debug().
		Str("path", cmd.Path).
		Str("reason", cmd.Reason).
		Bool("delete", cmd.Delete).
		Msg("timeline write applied")
}

// Submit enqueues cmd without blocking. It returns false when the queue is full.
func (w *Writer) Submit(cmd Command) bool {
	select {
	case w.queue <- cmd:
		w.submitted.Add(1)
		return true
	default:
		w.dropped.Add(1)
		log.Warn().
			Str("path", cmd.Path).
			Str("reason", cmd.Reason).
			Msg("timeline writer queue full, dropping command")
		return false
	}
}

// Put encodes v as JSON and submits it for path
func (w *Writer) Put(path string, v any, reason string) bool {
	data, err := json.Marshal(v)
	if err != nil {
		w.failed.Add(1)
		log.Error().Err(err).Str("path", path).Msg("failed to encode timeline value")
		return false
	}
	return w.Submit(Command{Path: path, Value: data, Reason: reason})
}

// Delete submits a removal of path
func (w *Writer) Delete(path, reason string) bool {
	return w.Submit(Command{Path: path, Delete: true, Reason: reason})
}

// Stats returns a snapshot of the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Submitted: w.submitted.Load(),
		Written:   w.written.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}
