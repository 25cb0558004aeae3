// Package keycache implements a Redis pub/sub backed
// keyregistry.Broadcaster: it fans the temporary-key-changed broadcast
// (fired on both persistent and temporary key changes) out to every
// other process sharing the same account, the same multi-process
// broadcast shape store/redis/store.go uses for job/event fan-out but
// narrowed to a single channel and a single message (the bare DC id).
package keycache

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dcrouter/mtpcore"
)

const (
	channelPrefix = "mtpcore:dc-key-changed:"
	snapshotPrefix = "mtpcore:dc-keys:"
)

// Broadcaster publishes temporary-key-changed notifications over a
// Redis channel keyed by account, and lets the caller subscribe to the
// same channel from every other process running against that account.
type Broadcaster struct {
	client  redis.Cmdable
	account string
	logger  *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// New creates a Broadcaster over client, scoped to account (so multiple
// accounts on one Redis instance never cross-publish).
func New(client redis.Cmdable, account string, opts ...Option) *Broadcaster {
	b := &Broadcaster{client: client, account: account, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements keyregistry.Broadcaster.
func (b *Broadcaster) Publish(ctx mtpcore.Context, bare mtpcore.BareDcId) {
	if err := b.client.Publish(ctx, channelPrefix+b.account, strconv.Itoa(int(bare))).Err(); err != nil {
		b.logger.Error("key-change broadcast failed",
			slog.Int("bare", int(bare)), slog.String("error", err.Error()))
	}
}

// Subscribe starts a subscription that calls onChanged for every bare
// DC id another process on the same account publishes. The returned
// func cancels the subscription. Subscribe returns right away; the
// blocking receive loop runs on its own goroutine.
func Subscribe(ctx context.Context, client *redis.Client, account string, onChanged func(bare mtpcore.BareDcId)) func() {
	sub := client.Subscribe(ctx, channelPrefix+account)
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n, err := strconv.Atoi(msg.Payload)
				if err != nil {
					continue
				}
				onChanged(mtpcore.BareDcId(n))
			}
		}
	}()
	return func() {
		close(done)
		sub.Close()
	}
}

// KeyStore implements mtpcore.KeyStoreSink over the same Redis client,
// msgpack-encoding the persistent-key snapshot — compact binary framing
// for key material, the same reason this codebase reaches for msgpack
// over encoding/json in its own durable-store sinks.
type KeyStore struct {
	client  redis.Cmdable
	account string
	logger  *slog.Logger
}

// NewKeyStore creates a KeyStore scoped to account.
func NewKeyStore(client redis.Cmdable, account string, opts ...Option) *KeyStore {
	b := &Broadcaster{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return &KeyStore{client: client, account: account, logger: b.logger}
}

// WriteKeys implements mtpcore.KeyStoreSink.
func (k *KeyStore) WriteKeys(ctx mtpcore.Context, snapshot map[mtpcore.BareDcId][]byte) error {
	encoded, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := k.client.Set(ctx, snapshotPrefix+k.account, encoded, 0).Err(); err != nil {
		k.logger.Error("key snapshot write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// LoadKeys returns the last persisted snapshot, or (nil, false) if none
// was ever written for this account.
func (k *KeyStore) LoadKeys(ctx mtpcore.Context) (map[mtpcore.BareDcId][]byte, bool, error) {
	raw, err := k.client.Get(ctx, snapshotPrefix+k.account).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	snapshot := make(map[mtpcore.BareDcId][]byte)
	if err := msgpack.Unmarshal(raw, &snapshot); err != nil {
		return nil, false, err
	}
	return snapshot, true, nil
}
