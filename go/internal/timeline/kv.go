package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// KVConfig holds configuration for the JetStream key-value store
type KVConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
	History       uint8
}

// DefaultKVConfig returns default key-value store configuration
func DefaultKVConfig() KVConfig {
	return KVConfig{
		URL:           nats.DefaultURL,
		Bucket:        "WATCHPARTY",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		History:       1,
	}
}

// KVStore is a Store backed by a NATS JetStream key-value bucket.
// Paths map to dotted keys; while NATS is disconnected watchers simply
// stop delivering and consumers keep their last snapshot.
type KVStore struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config KVConfig
}

// NewKVStore connects to NATS and creates or binds the bucket
func NewKVStore(ctx context.Context, config KVConfig) (*KVStore, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected, timeline updates paused")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: "Watch party shared timeline",
		History:     config.History,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create key-value bucket %s: %w", config.Bucket, err)
	}

	log.Info().
		Str("url", config.URL).
		Str("bucket", config.Bucket).
		Msg("timeline key-value store ready")

	return &KVStore{nc: nc, js: js, kv: kv, config: config}, nil
}

// kvKey maps a slash path onto a NATS subject-style key
func kvKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (s *KVStore) Get(ctx context.Context, path string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, kvKey(path))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Put(ctx context.Context, path string, value []byte) error {
	if _, err := s.kv.Put(ctx, kvKey(path), value); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, path string) error {
	if err := s.kv.Delete(ctx, kvKey(path)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *KVStore) Watch(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	key := kvKey(path)
	var current []byte
	return s.watch(ctx, key, path, func(entry jetstream.KeyValueEntry) Snapshot {
		if entry != nil {
			if isDelete(entry) {
				current = nil
			} else {
				current = entry.Value()
			}
		}
		return Snapshot{Path: path, Value: clone(current)}
	}, fn)
}

func (s *KVStore) WatchChildren(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	prefix := kvKey(path) + "."
	children := make(map[string][]byte)
	return s.watch(ctx, prefix+">", path, func(entry jetstream.KeyValueEntry) Snapshot {
		if entry != nil {
			name := strings.TrimPrefix(entry.Key(), prefix)
			if !strings.Contains(name, ".") {
				if isDelete(entry) {
					delete(children, name)
				} else {
					children[name] = entry.Value()
				}
			}
		}
		snap := Snapshot{Path: path, Children: make(map[string][]byte, len(children))}
		for k, v := range children {
			snap.Children[k] = clone(v)
		}
		return snap
	}, fn)
}

// watch runs a JetStream watcher. apply folds an entry into the watched
// state and returns the resulting snapshot; the nil entry that ends the
// initial replay triggers the first delivery.
func (s *KVStore) watch(ctx context.Context, keys, path string, apply func(jetstream.KeyValueEntry) Snapshot, fn func(Snapshot)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.kv.Watch(watchCtx, keys)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Debug().Err(err).Str("path", path).Msg("stopping watcher")
			}
		}()

		replayed := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					log.Warn().Str("path", path).Msg("timeline watcher closed")
					return
				}
				snap := apply(entry)
				if entry == nil {
					replayed = true
				}
				if replayed {
					fn(snap)
				}
			}
		}
	}()

	log.Debug().Str("path", path).Str("keys", keys).Msg("watching timeline path")
	return cancel, nil
}

func isDelete(entry jetstream.KeyValueEntry) bool {
	op := entry.Operation()
	return op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge
}

// Connected reports whether the NATS connection is currently up
func (s *KVStore) Connected() bool {
	return s.nc != nil && s.nc.IsConnected()
}

// Close drains the NATS connection
func (s *KVStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// Conn returns the underlying NATS connection for core pub/sub users
func (s *KVStore) Conn() *nats.Conn {
	return s.nc
}
