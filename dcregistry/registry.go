// Package dcregistry implements the DC Registry (component D): the map
// of shifted DC to DC control block, with creation on demand and
// deferred, asynchronous destruction.
//
// The pending-destruction list is grounded on this codebase's worker
// pool (worker/pool.go), which never frees active-job bookkeeping
// synchronously from the hot dequeue path either — it moves cancelled
// jobs into activeJobs/untrackJob bookkeeping drained by a separate
// goroutine. Here, Remove moves a block onto a pending slice; Drain is
// called from the façade's invoke-queue loop, never from a request
// path, for the same reentrancy reason documented in §5 of the spec.
package dcregistry

import (
	"log/slog"
	"sync"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
)

// Block is the DC control block: bare DC id plus whatever key is
// currently associated with this shifted slot (nil until a session
// authenticates).
type Block struct {
	Bare        mtpcore.BareDcId
	Shifted     mtpcore.ShiftedDcId
	CurrentKey  []byte
}

// Registry owns the shifted-DC -> Block map and the pending-destruction
// list.
type Registry struct {
	mu     sync.Mutex
	blocks map[mtpcore.ShiftedDcId]*Block

	pendingMu sync.Mutex
	pending   []*Block

	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		blocks: make(map[mtpcore.ShiftedDcId]*Block),
		logger: logger,
	}
}

// GetOrCreate returns the block stored under shifted, or a freshly
// created one with no key yet. Lookup and creation are keyed by the full
// shifted id; the block's Bare is extracted from shifted. A
// temporary-shift id gets its own block and is not mapped onto another.
func (r *Registry) GetOrCreate(shifted mtpcore.ShiftedDcId) (*Block, bool) {
	bare := dcid.BareDcId(shifted)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blocks[shifted]; ok {
		return b, false
	}
	b := &Block{Bare: bare, Shifted: shifted}
	r.blocks[shifted] = b
	r.logger.Debug("dc control block created",
		slog.Int("bare", int(bare)), slog.Int("shifted", int(shifted)))
	return b, true
}

// Get looks up an existing block without creating one.
func (r *Registry) Get(shifted mtpcore.ShiftedDcId) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[shifted]
	return b, ok
}

// SetKey updates the key held by a block (invariant 5: a session's
// shifted DC always has a matching control block before the session
// starts, so SetKey is only ever called after GetOrCreate).
func (r *Registry) SetKey(shifted mtpcore.ShiftedDcId, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.blocks[shifted]; ok {
		b.CurrentKey = key
	}
}

// Remove moves the block for shifted onto the pending-destruction list
// and returns it. It never blocks on anything beyond the map lock, and
// it does not itself destroy the key in the Key Registry — callers
// (Session Registry, destroyer) do that.
func (r *Registry) Remove(shifted mtpcore.ShiftedDcId) (*Block, bool) {
	r.mu.Lock()
	b, ok := r.blocks[shifted]
	if ok {
		delete(r.blocks, shifted)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	r.pendingMu.Lock()
	r.pending = append(r.pending, b)
	r.pendingMu.Unlock()
	return b, true
}

// Drain removes and returns every block queued for destruction,
// clearing the pending list. Must only be called from the main
// goroutine's invoke-queue loop, never reentrantly from a session
// callback.
func (r *Registry) Drain() []*Block {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	out := r.pending
	r.pending = nil
	return out
}

// Len reports how many live (non-pending) blocks remain, used by Key
// Destroyer Mode to decide when allKeysDestroyed should fire.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// Shifted returns every currently live shifted DC, used by restart()
// (no-argument form) to signal every session.
func (r *Registry) Shifted() []mtpcore.ShiftedDcId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mtpcore.ShiftedDcId, 0, len(r.blocks))
	for s := range r.blocks {
		out = append(out, s)
	}
	return out
}
