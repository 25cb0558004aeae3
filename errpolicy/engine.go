// Package errpolicy implements the Error Policy Engine (component G):
// the classifier and retry/migrate/auth-export control plane that turns
// an *mtpcore.RPCError arriving through execCallback into either a
// fully-owned retry or a "not handled, surface it" verdict.
//
// The classification chain and the auth-export/import state machine are
// grounded on this codebase's job executor (worker/executor.go), which
// likewise inspects a failure, decides retry-vs-terminal, and threads
// bookkeeping (retry count, backoff) through a shared store rather than
// holding it in the call stack.
package errpolicy

import (
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/keyregistry"
	"github.com/dcrouter/mtpcore/reqid"
	"github.com/dcrouter/mtpcore/reqtable"
	"github.com/dcrouter/mtpcore/scheduler"
	"github.com/dcrouter/mtpcore/sessions"
)

var migrateRe = regexp.MustCompile(`^(?:FILE|PHONE|NETWORK|USER)_MIGRATE_(\d+)$`)
var floodRe = regexp.MustCompile(`^FLOOD_WAIT_(\d+)$`)

// Engine owns the classification chain plus the auth export/import and
// bad-guest-DC bookkeeping described in §4.G. The zero value is not
// usable; use New.
type Engine struct {
	table    *reqtable.Table
	sessions *sessions.Registry
	keys     *keyregistry.Registry
	ids      *reqid.Allocator
	codec    mtpcore.AuthCodec
	cfg      mtpcore.Config
	logger   *slog.Logger
	now      func() time.Time

	sched *scheduler.Scheduler

	mu           sync.Mutex
	waiters      map[mtpcore.BareDcId][]mtpcore.RequestId
	exportByBare map[mtpcore.BareDcId]mtpcore.RequestId
	exportBare   map[mtpcore.RequestId]mtpcore.BareDcId
	badGuestDC   map[mtpcore.RequestId]bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the shared collaborators it rewrites on
// every handled error: the request table, session registry, key
// registry, id allocator, and the auth codec used to build the
// export/import wire payloads.
func New(
	table *reqtable.Table,
	sess *sessions.Registry,
	keys *keyregistry.Registry,
	ids *reqid.Allocator,
	codec mtpcore.AuthCodec,
	cfg mtpcore.Config,
	opts ...Option,
) *Engine {
	e := &Engine{
		table:        table,
		sessions:     sess,
		keys:         keys,
		ids:          ids,
		codec:        codec,
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		waiters:      make(map[mtpcore.BareDcId][]mtpcore.RequestId),
		exportByBare: make(map[mtpcore.BareDcId]mtpcore.RequestId),
		exportBare:   make(map[mtpcore.RequestId]mtpcore.BareDcId),
		badGuestDC:   make(map[mtpcore.RequestId]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttachScheduler wires the Delayed Scheduler used by the
// transient/server branch. The Engine itself implements
// scheduler.Dispatcher, so the façade typically does:
//
//	eng := errpolicy.New(...)
//	sched := scheduler.New(eng)
//	eng.AttachScheduler(sched)
func (e *Engine) AttachScheduler(s *scheduler.Scheduler) {
	e.sched = s
}

// Handle implements onErrorDefault: the classification chain from §4.G,
// evaluated in order with first match winning. It returns true when the
// core owns the retry and the caller's fail handler must not be
// invoked.
func (e *Engine) Handle(ctx mtpcore.Context, id mtpcore.RequestId, rpcErr *mtpcore.RPCError) bool {
	if m := migrateRe.FindStringSubmatch(rpcErr.Type); m != nil {
		return e.handleMigrate(ctx, id, m[1])
	}
	if s, ok := e.transientDelay(id, rpcErr); ok {
		return e.handleTransient(ctx, id, s)
	}
	if e.isUnauthorized(id, rpcErr) {
		return e.handleUnauthorized(ctx, id, rpcErr)
	}
	if rpcErr.Type == "CONNECTION_NOT_INITED" || rpcErr.Type == "CONNECTION_LAYER_INVALID" {
		return e.handleLayerInvalid(ctx, id)
	}
	if rpcErr.Type == "CONNECTION_LANG_CODE_INVALID" {
		// Not handled: the language collaborator lives outside this
		// module's scope (Non-goals: user-facing session lifecycles).
		// The request still fails upstream.
		return false
	}
	if rpcErr.Type == "MSG_WAIT_FAILED" {
		return e.handleDependentWait(ctx, id)
	}

	e.mu.Lock()
	delete(e.badGuestDC, id)
	e.mu.Unlock()
	return false
}

// transientDelay reports the delay (in seconds, as a duration) for the
// transient/server branch, or ok=false if rpcErr doesn't match it.
func (e *Engine) transientDelay(id mtpcore.RequestId, rpcErr *mtpcore.RPCError) (time.Duration, bool) {
	if m := floodRe.FindStringSubmatch(rpcErr.Type); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return time.Duration(secs) * time.Second, true
	}
	if rpcErr.Code < 0 || rpcErr.Code >= 500 {
		return e.bumpRetryDelay(id), true
	}
	return 0, false
}

// bumpRetryDelay implements the doubling-with-non-reset-cap arithmetic
// from §9: the stored value starts at RetryDelayInitial; while it is
// <= RetryDelayCap it doubles on each call; once it exceeds the cap it
// is returned and re-stored unchanged.
func (e *Engine) bumpRetryDelay(id mtpcore.RequestId) time.Duration {
	current, ok := e.table.RetryDelay(id)
	if !ok {
		e.table.SetRetryDelay(id, e.cfg.RetryDelayInitial)
		return e.cfg.RetryDelayInitial
	}
	next := current
	if current <= e.cfg.RetryDelayCap {
		next = current * 2
	}
	e.table.SetRetryDelay(id, next)
	return next
}

func (e *Engine) handleMigrate(ctx mtpcore.Context, id mtpcore.RequestId, target string) bool {
	n, err := strconv.Atoi(target)
	if err != nil {
		return false
	}
	current, ok := e.table.Routing(id)
	if !ok {
		return false
	}
	newBare := mtpcore.BareDcId(n)

	var next mtpcore.ShiftedDcId
	if dcid.IsPinnedMain(current) {
		// The source contains an inert, never-tested branch that would
		// export/import auth when migrating the main DC; this rewrite
		// keeps current behavior and just repoints main.
		next = dcid.PinMain(newBare)
		if _, err := e.sessions.SetMain(next); err != nil {
			e.logger.Warn("migrate could not repoint main session",
				slog.Int("bare", int(newBare)), slog.String("error", err.Error()))
		}
	} else {
		next = dcid.Compose(newBare, dcid.ShiftOf(current))
	}
	e.table.Register(id, next)
	e.resend(ctx, id, next)
	return true
}

func (e *Engine) handleTransient(ctx mtpcore.Context, id mtpcore.RequestId, delay time.Duration) bool {
	dueMs := e.now().Add(delay).Add(e.cfg.RetryDelayFloor).UnixMilli()
	if e.sched != nil {
		e.sched.Enqueue(id, dueMs)
	}
	return true
}

// isUnauthorized decides the "unauthorized on non-main" guard,
// including the bad-guest-DC suppression of a repeated FILE_ID_INVALID.
func (e *Engine) isUnauthorized(id mtpcore.RequestId, rpcErr *mtpcore.RPCError) bool {
	if rpcErr.Code == 401 && rpcErr.Type != "AUTH_KEY_PERM_EMPTY" {
		return true
	}
	if rpcErr.Code == 400 && rpcErr.Type == "FILE_ID_INVALID" {
		e.mu.Lock()
		already := e.badGuestDC[id]
		e.mu.Unlock()
		return !already
	}
	return false
}

func (e *Engine) handleUnauthorized(ctx mtpcore.Context, id mtpcore.RequestId, rpcErr *mtpcore.RPCError) bool {
	guestPath := rpcErr.Code == 400 && rpcErr.Type == "FILE_ID_INVALID"

	current, ok := e.table.Routing(id)
	if !ok {
		return false
	}
	newBare := dcid.BareDcId(current)
	mainBare, hasMain := e.sessions.MainBareDc()
	if newBare == 0 || (hasMain && newBare == mainBare) {
		return false
	}
	if _, has := e.keys.Get(newBare); !has {
		return false
	}

	e.mu.Lock()
	_, exporting := e.exportByBare[newBare]
	e.waiters[newBare] = append(e.waiters[newBare], id)
	if guestPath {
		e.badGuestDC[id] = true
	}
	e.mu.Unlock()

	if !exporting {
		e.startExport(ctx, newBare, mainBare)
	}
	return true
}

func (e *Engine) startExport(ctx mtpcore.Context, targetBare, mainBare mtpcore.BareDcId) {
	exportID := e.ids.Next()
	payload := e.codec.BuildExportAuthorization(ctx, targetBare)

	e.mu.Lock()
	e.exportByBare[targetBare] = exportID
	e.exportBare[exportID] = targetBare
	e.mu.Unlock()

	shifted := dcid.PinMain(mainBare)
	e.table.Register(exportID, shifted)
	e.table.Store(exportID, payload, mtpcore.Handlers{
		OnDone: func(ctx mtpcore.Context, id mtpcore.RequestId, payload []byte) {
			e.exportDone(ctx, id, payload)
		},
		OnFail: func(ctx mtpcore.Context, id mtpcore.RequestId, rpcErr *mtpcore.RPCError) bool {
			e.exportFail(id, rpcErr)
			return true
		},
	})
	e.resend(ctx, exportID, shifted)
}

// exportDone implements the exportDone contract: it builds and sends
// the matching import, pinned to the target DC, and clears the export
// entry.
func (e *Engine) exportDone(ctx mtpcore.Context, exportID mtpcore.RequestId, payload []byte) {
	e.mu.Lock()
	targetBare, ok := e.exportBare[exportID]
	if ok {
		delete(e.exportBare, exportID)
		delete(e.exportByBare, targetBare)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	exportedID, exportedBytes, err := e.codec.ParseExportedAuthorization(payload)
	if err != nil {
		e.logger.Error("parse exported authorization failed",
			slog.Int("bare", int(targetBare)), slog.String("error", err.Error()))
		e.exportFail(exportID, &mtpcore.RPCError{Type: "RESPONSE_PARSE_FAILED"})
		return
	}

	importID := e.ids.Next()
	importPayload := e.codec.BuildImportAuthorization(ctx, exportedID, exportedBytes)
	shifted := dcid.Compose(targetBare, dcid.ShiftMain)

	e.table.Register(importID, shifted)
	e.table.Store(importID, importPayload, mtpcore.Handlers{
		OnDone: func(ctx mtpcore.Context, id mtpcore.RequestId, _ []byte) {
			e.importDone(ctx, id)
		},
		OnFail: func(ctx mtpcore.Context, id mtpcore.RequestId, rpcErr *mtpcore.RPCError) bool {
			e.importFail(id, rpcErr)
			return true
		},
	})
	e.resend(ctx, importID, shifted)
}

// importDone implements the importDone contract: it resolves the
// target DC from the import request's own routing, then drains and
// resends every waiter for that DC.
func (e *Engine) importDone(ctx mtpcore.Context, importID mtpcore.RequestId) {
	shifted, ok := e.table.Routing(importID)
	if !ok {
		return
	}
	targetBare := dcid.BareDcId(shifted)

	e.mu.Lock()
	waiters := e.waiters[targetBare]
	delete(e.waiters, targetBare)
	e.mu.Unlock()

	for _, waitedID := range waiters {
		newShifted, ok := e.table.ChangeRouting(waitedID, targetBare)
		if !ok {
			continue
		}
		e.resend(ctx, waitedID, newShifted)
	}
}

// exportFail clears the waiter list for the export's target bare DC on
// any real error; every waiter is then surfaced by its own fail path.
func (e *Engine) exportFail(exportID mtpcore.RequestId, rpcErr *mtpcore.RPCError) {
	e.mu.Lock()
	targetBare, ok := e.exportBare[exportID]
	if ok {
		delete(e.exportBare, exportID)
		delete(e.exportByBare, targetBare)
	}
	var waiters []mtpcore.RequestId
	if ok && rpcErr != nil {
		waiters = e.waiters[targetBare]
		delete(e.waiters, targetBare)
	}
	e.mu.Unlock()

	if len(waiters) > 0 {
		e.logger.Warn("auth export failed, releasing waiters",
			slog.Int("bare", int(targetBare)), slog.Int("waiters", len(waiters)))
	}
}

// importFail is suppressed: a non-default import error does not log the
// user out here, matching the upstream caller's choice.
func (e *Engine) importFail(importID mtpcore.RequestId, rpcErr *mtpcore.RPCError) {
	e.logger.Debug("auth import failed, suppressed",
		slog.Int("request_id", int(importID)), slog.String("error", rpcErr.Error()))
}

func (e *Engine) handleLayerInvalid(ctx mtpcore.Context, id mtpcore.RequestId) bool {
	shifted, ok := e.table.Routing(id)
	if !ok {
		return false
	}
	e.table.SetNeedsLayer(id, true)
	e.resend(ctx, id, shifted)
	return true
}

func (e *Engine) handleDependentWait(ctx mtpcore.Context, id mtpcore.RequestId) bool {
	entry, ok := e.table.Get(id)
	if !ok || entry.After == nil {
		return false
	}
	dep := *entry.After

	depShifted, depOk := e.table.Routing(dep)
	curShifted, curOk := e.table.Routing(id)
	if !depOk || !curOk {
		return false
	}

	if depShifted != curShifted {
		e.table.SetAfter(id, nil)
		e.table.SetNeedsLayer(id, true)
		e.resend(ctx, id, curShifted)
		return true
	}

	e.mu.Lock()
	for bare, list := range e.waiters {
		for _, w := range list {
			if w == dep {
				present := false
				for _, x := range list {
					if x == id {
						present = true
						break
					}
				}
				if !present {
					e.waiters[bare] = append(e.waiters[bare], id)
				}
				if e.badGuestDC[dep] {
					e.badGuestDC[id] = true
				}
				e.mu.Unlock()
				return true
			}
		}
	}
	e.mu.Unlock()

	if e.sched != nil {
		return e.sched.EnqueueAfter(dep, id)
	}
	return false
}

// Dispatch implements scheduler.Dispatcher: it resolves the current
// routing and payload for id and hands it back to the session,
// returning false (logged by the scheduler) if either is missing.
func (e *Engine) Dispatch(id mtpcore.RequestId) bool {
	shifted, ok := e.table.Routing(id)
	if !ok {
		return false
	}
	entry, ok := e.table.Get(id)
	if !ok {
		return false
	}
	sess, err := e.sessions.GetOrCreate(shifted)
	if err != nil {
		e.logger.Warn("delayed dispatch could not resolve session",
			slog.Int("request_id", int(id)), slog.String("error", err.Error()))
		return false
	}
	e.table.Touch(id)
	sess.SendPrepared(entry.Payload, 0)
	return true
}

// resend hands the already-stored payload for id to the session
// resolved for shifted, used by every branch that rewrites routing and
// must re-deliver the same bytes.
func (e *Engine) resend(ctx mtpcore.Context, id mtpcore.RequestId, shifted mtpcore.ShiftedDcId) {
	entry, ok := e.table.Get(id)
	if !ok {
		e.logger.Debug("resend skipped: no payload", slog.Int("request_id", int(id)))
		return
	}
	sess, err := e.sessions.GetOrCreate(shifted)
	if err != nil {
		e.logger.Warn("resend could not resolve session",
			slog.Int("request_id", int(id)), slog.String("error", err.Error()))
		return
	}
	e.table.Touch(id)
	sess.SendPrepared(entry.Payload, 0)
}

// ClearRetryDelayOnSuccess drops the stored backoff for id once it
// resolves via a non-transient path, so an unrelated future failure
// starts fresh at RetryDelayInitial. The façade calls this from
// execCallback's success branch.
func (e *Engine) ClearRetryDelayOnSuccess(id mtpcore.RequestId) {
	e.table.ClearRetryDelay(id)
}
