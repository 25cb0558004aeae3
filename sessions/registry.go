// Package sessions implements the Session Registry (component E): the
// map of shifted DC to Session handle, with creation on demand,
// deferred destruction, and main-session pinning.
//
// The deferred-destruction queue mirrors dcregistry's pending list for
// the same reentrancy reason (§5: destruction must never run
// synchronously from a path a session callback could re-enter). Restart
// storms are throttled through queue.Limiter, grounded on this
// codebase's token-bucket queue manager.
package sessions

import (
	"log/slog"
	"sync"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/dcregistry"
	"github.com/dcrouter/mtpcore/queue"
)

// Registry owns the shifted-DC -> Session map.
type Registry struct {
	mu      sync.Mutex
	byDc    map[mtpcore.ShiftedDcId]mtpcore.Session
	mainDc  mtpcore.ShiftedDcId
	hasMain bool

	pendingMu sync.Mutex
	pending   []mtpcore.Session

	dcs     *dcregistry.Registry
	factory mtpcore.SessionFactory
	limiter *queue.Limiter
	logger  *slog.Logger

	// destroyerMode, when true, makes every newly created session
	// schedule key destruction via OnSessionCreated instead of
	// participating in normal main-session pinning.
	destroyerMode    bool
	onSessionCreated func(shifted mtpcore.ShiftedDcId)
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithRestartLimiter(l *queue.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithDestroyerMode switches the registry into Key Destroyer Mode: no
// session is ever pinned as main, and onCreated is invoked for every
// newly constructed session so the destroyer package can enqueue its
// logout/destroy chain.
func WithDestroyerMode(onCreated func(shifted mtpcore.ShiftedDcId)) Option {
	return func(r *Registry) {
		r.destroyerMode = true
		r.onSessionCreated = onCreated
	}
}

// New creates a Registry backed by dcs for control-block lookups and
// factory for constructing new Session instances.
func New(dcs *dcregistry.Registry, factory mtpcore.SessionFactory, opts ...Option) *Registry {
	r := &Registry{
		byDc:    make(map[mtpcore.ShiftedDcId]mtpcore.Session),
		dcs:     dcs,
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// normalize implements the getOrCreate normalization rules from §4.E:
// shifted == 0 means "the main session"; a main-pinned value (PinMain,
// negative) means "the main-shift session for this specific bare DC" —
// resolved to its concrete Compose(bare, ShiftMain) key regardless of
// whatever is currently pinned as main, so the first main session can be
// bootstrapped and so auth-export/logout can target a bare DC's main
// session directly; a pure shift with no bare DC applies to the main DC.
func (r *Registry) normalize(shifted mtpcore.ShiftedDcId) (mtpcore.ShiftedDcId, error) {
	if shifted == 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.hasMain {
			return 0, mtpcore.ErrNoMainSession
		}
		return r.mainDc, nil
	}
	if dcid.IsPinnedMain(shifted) {
		return dcid.Compose(dcid.BareDcId(shifted), dcid.ShiftMain), nil
	}
	if dcid.BareDcId(shifted) == 0 {
		r.mu.Lock()
		hasMain, mainDc := r.hasMain, r.mainDc
		r.mu.Unlock()
		if !hasMain {
			return 0, mtpcore.ErrNoMainSession
		}
		return dcid.Compose(dcid.BareDcId(mainDc), dcid.ShiftOf(shifted)), nil
	}
	return shifted, nil
}

// GetOrCreate resolves and returns the session for shifted, constructing
// one (with a matching DC control block, per invariant 5) if absent.
func (r *Registry) GetOrCreate(shifted mtpcore.ShiftedDcId) (mtpcore.Session, error) {
	target, err := r.normalize(shifted)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if s, ok := r.byDc[target]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	block, _ := r.dcs.GetOrCreate(target)
	s := r.factory.New(target, block.Bare)

	r.mu.Lock()
	r.byDc[target] = s
	r.mu.Unlock()

	r.logger.Info("session created", slog.Int("shifted", int(target)), slog.Int("bare", int(block.Bare)))

	if r.destroyerMode && r.onSessionCreated != nil {
		r.onSessionCreated(target)
	}
	return s, nil
}

// SetMain designates shifted as the main session, creating it if
// necessary. Only valid outside destroyer mode. shifted is normalized
// before being recorded as mainDc, so a PinMain value used to bootstrap
// the first main session is stored under its resolved, concrete key —
// the same key GetOrCreate(0) later returns for "the main session".
func (r *Registry) SetMain(shifted mtpcore.ShiftedDcId) (mtpcore.Session, error) {
	if r.destroyerMode {
		return nil, mtpcore.ErrAlreadyInDestroyerMode
	}
	target, err := r.normalize(shifted)
	if err != nil {
		return nil, err
	}
	s, err := r.GetOrCreate(target)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.mainDc, r.hasMain = target, true
	r.mu.Unlock()
	return s, nil
}

// Main returns the current main session.
func (r *Registry) Main() (mtpcore.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasMain {
		return nil, false
	}
	return r.byDc[r.mainDc], true
}

// MainBareDc returns the bare DC id of the current main session.
func (r *Registry) MainBareDc() (mtpcore.BareDcId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasMain {
		return 0, false
	}
	return dcid.BareDcId(r.mainDc), true
}

// KillSession moves the session for shifted onto the destruction queue.
// If it was main, the registry is left with no main session: no
// replacement is started here, and Main reports false until SetMain is
// called again.
func (r *Registry) KillSession(shifted mtpcore.ShiftedDcId) {
	r.mu.Lock()
	s, ok := r.byDc[shifted]
	if ok {
		delete(r.byDc, shifted)
	}
	wasMain := ok && r.hasMain && r.mainDc == shifted
	if wasMain {
		r.hasMain = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.pendingMu.Lock()
	r.pending = append(r.pending, s)
	r.pendingMu.Unlock()

	r.logger.Info("session killed", slog.Int("shifted", int(shifted)), slog.Bool("was_main", wasMain))
}

// StopSession pauses a non-main session; main sessions cannot be
// stopped (invariant 2 — a main session always exists in normal mode).
func (r *Registry) StopSession(shifted mtpcore.ShiftedDcId) error {
	r.mu.Lock()
	s, ok := r.byDc[shifted]
	isMain := r.hasMain && r.mainDc == shifted
	r.mu.Unlock()
	if !ok {
		return mtpcore.ErrNoSessionForDC
	}
	if isMain {
		return mtpcore.ErrMainSessionPin
	}
	s.Stop()
	return nil
}

// Restart signals every live session to reconnect.
func (r *Registry) Restart() {
	r.mu.Lock()
	all := make([]mtpcore.Session, 0, len(r.byDc))
	for _, s := range r.byDc {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Restart()
	}
}

// RestartDC signals every session whose bare DC equals bareDc(shifted),
// throttled per bare DC if a limiter was configured.
func (r *Registry) RestartDC(shifted mtpcore.ShiftedDcId) {
	bare := dcid.BareDcId(shifted)
	if r.limiter != nil && !r.limiter.Allow(bare) {
		r.logger.Debug("restart throttled", slog.Int("bare", int(bare)))
		return
	}

	r.mu.Lock()
	var matched []mtpcore.Session
	for s, sess := range r.byDc {
		if dcid.BareDcId(s) == bare {
			matched = append(matched, sess)
		}
	}
	r.mu.Unlock()
	for _, s := range matched {
		s.Restart()
	}
}

// Drain removes and returns every session queued for destruction. Must
// be called from the façade's invoke-queue loop, not from a session
// callback.
func (r *Registry) Drain() []mtpcore.Session {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	out := r.pending
	r.pending = nil
	return out
}

// Get returns the session currently mapped to shifted, without
// creating one. shifted is normalized first, so a PinMain or pure-shift
// routing value left in the Request Table (e.g. after a main-DC
// migrate) resolves to the same concrete key GetOrCreate would use.
func (r *Registry) Get(shifted mtpcore.ShiftedDcId) (mtpcore.Session, bool) {
	target, err := r.normalize(shifted)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDc[target]
	return s, ok
}
