package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the JetStream-backed stores.
type NATSConfig struct {
	URL       string
	DocBucket string
	EphBucket string
	// EphemeralTTL ages out ephemeral records whose writer crashed before
	// its disconnect hooks could run. Heartbeats keep live records fresh.
	EphemeralTTL  time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default store configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		DocBucket:     "PAIRGRID_DOCS",
		EphBucket:     "PAIRGRID_EPHEMERAL",
		EphemeralTTL:  2 * time.Minute,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATS implements both store contracts on JetStream key-value buckets.
// Documents live in a durable bucket; ephemeral records live in a bucket
// with a TTL so crashed writers cannot leave permanent residue.
type NATS struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	doc jetstream.KeyValue
	eph jetstream.KeyValue

	mu     sync.Mutex
	onDisc []string
}

// NewNATS connects to NATS and ensures both buckets exist.
func NewNATS(ctx context.Context, config NATSConfig) (*NATS, error) {
	n := &NATS{}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.runDisconnectHooks()
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

	doc, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: config.DocBucket,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure document bucket: %w", err)
	}

	eph, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: config.EphBucket,
		TTL:    config.EphemeralTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure ephemeral bucket: %w", err)
	}

	n.nc = nc
	n.js = js
	n.doc = doc
	n.eph = eph
	return n, nil
}

// Close runs the registered disconnect hooks and closes the connection.
func (n *NATS) Close() {
	n.runDisconnectHooks()
	n.nc.Close()
}

// Get implements DocumentStore.
func (n *NATS) Get(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := n.doc.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Set implements DocumentStore.
func (n *NATS) Set(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", key, err)
	}
	if _, err := n.doc.Put(ctx, encodeKey(key), data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (n *NATS) Delete(ctx context.Context, key string) error {
	if err := n.doc.Purge(ctx, encodeKey(key)); err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

// Subscribe implements DocumentStore. The watcher delivers the current
// value first, then every subsequent write, including this client's own.
func (n *NATS) Subscribe(key string, cb func(json.RawMessage)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := n.doc.Watch(ctx, encodeKey(key))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}

	go func() {
		for entry := range watcher.Updates() {
			if entry == nil {
				// End-of-initial-values marker.
				continue
			}
			if entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			cb(entry.Value())
		}
	}()

	unsubscribe := func() {
		if err := watcher.Stop(); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("stop watcher")
		}
		cancel()
	}
	return unsubscribe, nil
}

// Ephemeral returns the EphemeralStore view of this client.
func (n *NATS) Ephemeral() EphemeralStore {
	return (*natsEphemeral)(n)
}

func (n *NATS) runDisconnectHooks() {
	n.mu.Lock()
	paths := n.onDisc
	n.onDisc = nil
	n.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, path := range paths {
		if err := n.eph.Purge(ctx, encodeKey(path)); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("disconnect cleanup failed; bucket TTL will reap it")
		}
	}
}

// natsEphemeral adapts NATS to the EphemeralStore interface.
type natsEphemeral NATS

func (e *natsEphemeral) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal ephemeral %s: %w", path, err)
	}
	if _, err := e.eph.Put(ctx, encodeKey(path), data); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (e *natsEphemeral) Remove(ctx context.Context, path string) error {
	if err := e.eph.Purge(ctx, encodeKey(path)); err != nil {
		return fmt.Errorf("purge %s: %w", path, err)
	}
	return nil
}

func (e *natsEphemeral) OnValue(pathPrefix string, cb func(path string, value json.RawMessage)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := e.eph.Watch(ctx, encodeKey(pathPrefix)+".>")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", pathPrefix, err)
	}

	go func() {
		for entry := range watcher.Updates() {
			if entry == nil {
				continue
			}
			path := decodeKey(entry.Key())
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				cb(path, entry.Value())
			default:
				cb(path, nil)
			}
		}
	}()

	unsubscribe := func() {
		if err := watcher.Stop(); err != nil {
			log.Debug().Err(err).Str("prefix", pathPrefix).Msg("stop watcher")
		}
		cancel()
	}
	return unsubscribe, nil
}

func (e *natsEphemeral) OnDisconnectRemove(path string) error {
	n := (*NATS)(e)
	n.mu.Lock()
	n.onDisc = append(n.onDisc, path)
	n.mu.Unlock()
	return nil
}

// KV keys use '.' as the token separator, so store paths translate their
// '/' separators on the way in and out.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, "/", ".")
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
