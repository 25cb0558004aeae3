// Package hooks implements the instance-wide signal registry: the
// account-updated, all-keys-destroyed, and state-changed notifications
// named across §4.H/§4.I/§12, each fired to listeners cached at
// subscribe time.
//
// This follows keyregistry's broadcast shape, itself grounded on this
// codebase's extension registry (ext/registry.go): listeners are
// type-cached per signal at Subscribe time and iterated without holding
// a lock during the callback. Three independent typed slices stand in
// for ext's dozen job/workflow hook types, since this domain only has
// three top-level signals.
package hooks

import "sync"

// AccountUpdated fires after a config load applies new settings.
type AccountUpdated func()

// AllKeysDestroyed fires exactly once when Key Destroyer Mode's DC
// registry empties.
type AllKeysDestroyed func()

// StateChanged fires whenever a session's reported connection state
// transitions.
type StateChanged func(shifted int32, state int)

// Registry holds the three signal listener lists.
type Registry struct {
	mu sync.Mutex

	accountUpdated   []AccountUpdated
	allKeysDestroyed []AllKeysDestroyed
	stateChanged     []StateChanged
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) OnAccountUpdated(h AccountUpdated) {
	r.mu.Lock()
	r.accountUpdated = append(r.accountUpdated, h)
	r.mu.Unlock()
}

func (r *Registry) OnAllKeysDestroyed(h AllKeysDestroyed) {
	r.mu.Lock()
	r.allKeysDestroyed = append(r.allKeysDestroyed, h)
	r.mu.Unlock()
}

func (r *Registry) OnStateChanged(h StateChanged) {
	r.mu.Lock()
	r.stateChanged = append(r.stateChanged, h)
	r.mu.Unlock()
}

func (r *Registry) EmitAccountUpdated() {
	r.mu.Lock()
	listeners := make([]AccountUpdated, len(r.accountUpdated))
	copy(listeners, r.accountUpdated)
	r.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (r *Registry) EmitAllKeysDestroyed() {
	r.mu.Lock()
	listeners := make([]AllKeysDestroyed, len(r.allKeysDestroyed))
	copy(listeners, r.allKeysDestroyed)
	r.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (r *Registry) EmitStateChanged(shifted int32, state int) {
	r.mu.Lock()
	listeners := make([]StateChanged, len(r.stateChanged))
	copy(listeners, r.stateChanged)
	r.mu.Unlock()
	for _, l := range listeners {
		l(shifted, state)
	}
}
