// Package keyregistry implements the Key Registry (component C): the
// authoritative map of DC to persistent auth key, plus the
// temporary-key-changed broadcast collaborators use to re-evaluate
// session options.
//
// The broadcast mechanism is grounded on this codebase's extension
// registry (ext/registry.go), which caches registered listeners at
// subscribe time and fires them in registration order without holding
// any lock during the callback — the same shape this registry uses for
// its single "temporary key changed" hook instead of ext's dozen
// job/workflow hooks.
package keyregistry

import (
	"log/slog"
	"sync"

	"github.com/dcrouter/mtpcore"
)

// TempKeyListener is notified whenever dcPersistentKeyChanged fires for
// a bare DC, whether or not the persistent value itself changed.
type TempKeyListener func(bare mtpcore.BareDcId)

// Broadcaster optionally fans the temporary-key-changed event out to
// other processes sharing the same account (see store/keycache for a
// Redis pub/sub-backed implementation). A nil Broadcaster means
// in-process only.
type Broadcaster interface {
	Publish(ctx mtpcore.Context, bare mtpcore.BareDcId)
}

// Registry holds persistent keys (normal mode, keyed by bare DC) or
// synthetic per-shifted-DC keys (destroyer mode, see §4.I).
type Registry struct {
	mu            sync.RWMutex
	keys          map[mtpcore.BareDcId][]byte
	destroyerKeys map[mtpcore.ShiftedDcId][]byte

	listenersMu sync.Mutex
	listeners   []TempKeyListener

	sink        mtpcore.KeyStoreSink
	broadcaster Broadcaster
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyStoreSink persists snapshots whenever a persistent key truly
// changes.
func WithKeyStoreSink(sink mtpcore.KeyStoreSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithBroadcaster wires a cross-process temporary-key-changed
// publisher.
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Registry) { r.broadcaster = b }
}

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		keys:          make(map[mtpcore.BareDcId][]byte),
		destroyerKeys: make(map[mtpcore.ShiftedDcId][]byte),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for the temporary-key-changed stream.
func (r *Registry) Subscribe(l TempKeyListener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

// Get returns the persistent key for a bare DC, if any.
func (r *Registry) Get(bare mtpcore.BareDcId) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[bare]
	return k, ok
}

// Update sets (or, with a nil key, clears) the persistent key for a
// bare DC without firing the temporary-key-changed broadcast. Used for
// plain bookkeeping writes that aren't a "persistent key changed"
// protocol event — callers reacting to dcPersistentKeyChanged should
// use OnPersistentChanged instead.
func (r *Registry) Update(bare mtpcore.BareDcId, key []byte) {
	r.mu.Lock()
	if key == nil {
		delete(r.keys, bare)
	} else {
		r.keys[bare] = key
	}
	r.mu.Unlock()
}

// OnPersistentChanged implements dcPersistentKeyChanged: it always
// fires the temporary-key-changed broadcast for bare first (downstream
// session options depend on a temporary key derived from the
// persistent one, regardless of whether the persistent value itself
// moved), then updates the stored key and persists only if the value
// truly changed.
func (r *Registry) OnPersistentChanged(ctx mtpcore.Context, bare mtpcore.BareDcId, key []byte) {
	r.fireTempChanged(ctx, bare)

	r.mu.Lock()
	old, had := r.keys[bare]
	changed := !had || string(old) != string(key)
	if key == nil {
		delete(r.keys, bare)
	} else {
		r.keys[bare] = key
	}
	r.mu.Unlock()

	if !changed {
		return
	}

	r.logger.Info("persistent key changed", slog.Int("dc", int(bare)))
	if r.sink != nil {
		if err := r.sink.WriteKeys(ctx, r.Snapshot()); err != nil {
			r.logger.Error("persist key snapshot failed",
				slog.Int("dc", int(bare)), slog.String("error", err.Error()))
		}
	}
}

// OnTemporaryChanged implements dcTemporaryKeyChanged: it only fires
// the broadcast, since the temporary key itself is owned by the
// session, not this registry.
func (r *Registry) OnTemporaryChanged(ctx mtpcore.Context, bare mtpcore.BareDcId) {
	r.fireTempChanged(ctx, bare)
}

func (r *Registry) fireTempChanged(ctx mtpcore.Context, bare mtpcore.BareDcId) {
	r.listenersMu.Lock()
	listeners := make([]TempKeyListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()

	for _, l := range listeners {
		l(bare)
	}
	if r.broadcaster != nil {
		r.broadcaster.Publish(ctx, bare)
	}
}

// Snapshot returns a defensive copy of the persistent-key map, for
// WriteKeys and for seeding Key Destroyer Mode.
func (r *Registry) Snapshot() map[mtpcore.BareDcId][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[mtpcore.BareDcId][]byte, len(r.keys))
	for k, v := range r.keys {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// --- Destroyer-mode synthetic shifted-DC keys (§4.I) ---

// SetDestroyerKey stores a key under a synthetic shifted DC so multiple
// keys for the same bare DC can coexist during destruction.
func (r *Registry) SetDestroyerKey(shifted mtpcore.ShiftedDcId, key []byte) {
	r.mu.Lock()
	r.destroyerKeys[shifted] = key
	r.mu.Unlock()
}

// GetDestroyerKey returns the key stored under a synthetic shifted DC.
func (r *Registry) GetDestroyerKey(shifted mtpcore.ShiftedDcId) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.destroyerKeys[shifted]
	return k, ok
}

// RemoveDestroyerKey drops the key for a shifted DC once
// completedKeyDestroy runs for it.
func (r *Registry) RemoveDestroyerKey(shifted mtpcore.ShiftedDcId) {
	r.mu.Lock()
	delete(r.destroyerKeys, shifted)
	r.mu.Unlock()
}

// DestroyerKeyCount reports how many destroyer-mode keys remain.
func (r *Registry) DestroyerKeyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.destroyerKeys)
}
