// Package destroyer implements Key Destroyer Mode (component I): the
// alternate top-level lifecycle that logs out and destroys a batch of
// auth keys instead of running the normal request/response core.
//
// Bounding how many per-DC chains start concurrently with
// golang.org/x/sync/errgroup's SetLimit is grounded on this codebase's
// worker pool concurrency cap (worker/pool.go's WithPoolConcurrency),
// adapted from "N goroutines polling a shared job queue" to "N
// goroutines each seeding one DC's destruction chain".
package destroyer

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/dcregistry"
	"github.com/dcrouter/mtpcore/hooks"
	"github.com/dcrouter/mtpcore/keyregistry"
	"github.com/dcrouter/mtpcore/reqid"
	"github.com/dcrouter/mtpcore/reqtable"
	"github.com/dcrouter/mtpcore/sessions"
)

// Destroyer owns the synthetic shifted-DC seeding and the per-DC
// logout/destroy chain. The zero value is not usable; use New.
type Destroyer struct {
	dcs      *dcregistry.Registry
	keys     *keyregistry.Registry
	sessions *sessions.Registry
	book     mtpcore.DCBook
	codec    mtpcore.DestroyerCodec
	signals  *hooks.Registry
	ids      *reqid.Allocator
	table    *reqtable.Table
	cfg      mtpcore.Config
	logger   *slog.Logger

	mu       sync.Mutex
	fired    bool
}

// New creates a Destroyer. sess must have been constructed with
// sessions.WithDestroyerMode(d.onSessionCreated) so that every session
// it creates enters this chain as soon as it exists. ids and table are
// the same Request Id Allocator and Request Table the façade uses for
// normal requests — destroy_auth_key's response needs to correlate
// back to HandleDestroyResult the same way any other request
// correlates back through execCallback; logOut itself is fire-and-
// forget and never touches either.
func New(
	dcs *dcregistry.Registry,
	keys *keyregistry.Registry,
	sess *sessions.Registry,
	book mtpcore.DCBook,
	codec mtpcore.DestroyerCodec,
	signals *hooks.Registry,
	ids *reqid.Allocator,
	table *reqtable.Table,
	cfg mtpcore.Config,
	logger *slog.Logger,
) *Destroyer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Destroyer{
		dcs:      dcs,
		keys:     keys,
		sessions: sess,
		book:     book,
		codec:    codec,
		signals:  signals,
		ids:      ids,
		table:    table,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start seeds every key in the batch into the synthetic shifted DC
// Compose(bare, SyntheticShift(0)), bounded by cfg.DestroyerConcurrency
// chains starting at once. keys is a map with one key per bare DC, so
// the per-bare collision counter never goes past 0.
func (d *Destroyer) Start(ctx mtpcore.Context, keys map[mtpcore.BareDcId][]byte) error {
	seen := make(map[mtpcore.BareDcId]int)

	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.DestroyerConcurrency > 0 {
		g.SetLimit(d.cfg.DestroyerConcurrency)
	}

	for bare, key := range keys {
		bare, key := bare, key
		collision := seen[bare]
		seen[bare] = collision + 1
		shift := dcid.SyntheticShift(collision)
		shifted := dcid.Compose(bare, shift)

		g.Go(func() error {
			d.seed(gctx, shifted, key)
			return nil
		})
	}
	return g.Wait()
}

func (d *Destroyer) seed(ctx mtpcore.Context, shifted mtpcore.ShiftedDcId, key []byte) {
	d.dcs.GetOrCreate(shifted)
	d.keys.SetDestroyerKey(shifted, key)
	// GetOrCreate on a destroyer-mode session.Registry invokes
	// onSessionCreated, which kicks off this DC's logout/destroy chain
	// (see onSessionCreated below).
	if _, err := d.sessions.GetOrCreate(shifted); err != nil {
		d.logger.Error("destroyer session creation failed",
			slog.Int("shifted", int(shifted)), slog.String("error", err.Error()))
	}
}

// OnSessionCreated is the callback to pass to
// sessions.WithDestroyerMode. It begins step 1/2 of the destruction
// sequence for the newly created shifted DC.
func (d *Destroyer) OnSessionCreated(shifted mtpcore.ShiftedDcId) {
	bare := dcid.BareDcId(shifted)
	if d.book != nil && d.book.DcType(bare) == mtpcore.DcCDN {
		d.destroyAuthKey(shifted)
		return
	}
	d.logOut(shifted)
}

func (d *Destroyer) logOut(shifted mtpcore.ShiftedDcId) {
	sess, ok := d.sessions.Get(shifted)
	if !ok {
		return
	}
	payload := d.codec.BuildLogOut(nil)
	// logOut is sent without a request id and its response is not
	// awaited: destroy_auth_key is sent right after it, so logOut's own
	// outcome has no bearing on whether the key gets destroyed.
	sess.SendPrepared(payload, 0)
	d.destroyAuthKey(shifted)
}

func (d *Destroyer) destroyAuthKey(shifted mtpcore.ShiftedDcId) {
	sess, ok := d.sessions.Get(shifted)
	if !ok {
		return
	}
	payload := d.codec.BuildDestroyAuthKey(nil)

	id := d.ids.Next()
	d.table.Register(id, shifted)
	d.table.Store(id, payload, mtpcore.Handlers{
		OnDone: func(_ mtpcore.Context, _ mtpcore.RequestId, body []byte) {
			result, err := d.codec.ParseDestroyAuthKeyResult(body)
			if err != nil {
				d.HandleDestroyFailed(shifted)
				return
			}
			d.HandleDestroyResult(shifted, result)
		},
		OnFail: func(_ mtpcore.Context, _ mtpcore.RequestId, _ *mtpcore.RPCError) bool {
			d.HandleDestroyFailed(shifted)
			return true
		},
	})
	sess.SendPrepared(payload, 0)
}

// HandleDestroyResult is called once a destroy_auth_key response for
// shifted has been classified (via the OnDone handler registered in
// destroyAuthKey, itself driven by the façade's execCallback). All
// three result variants lead to completedKeyDestroy; only
// DestroyKeyFail additionally kills the session immediately.
func (d *Destroyer) HandleDestroyResult(shifted mtpcore.ShiftedDcId, result mtpcore.DestroyKeyResult) {
	if result == mtpcore.DestroyKeyFail {
		if sess, ok := d.sessions.Get(shifted); ok {
			sess.Kill()
		}
	}
	d.completedKeyDestroy(shifted)
}

// HandleDestroyFailed is called when the destroy_auth_key RPC itself
// failed (as opposed to succeeding with a fail-variant payload); it is
// treated the same as DestroyKeyFail.
func (d *Destroyer) HandleDestroyFailed(shifted mtpcore.ShiftedDcId) {
	d.HandleDestroyResult(shifted, mtpcore.DestroyKeyFail)
}

// completedKeyDestroy implements step 4: remove the DC block, remove
// the key, kill the session, and emit allKeysDestroyed exactly once
// when the registry empties.
func (d *Destroyer) completedKeyDestroy(shifted mtpcore.ShiftedDcId) {
	d.dcs.Remove(shifted)
	d.keys.RemoveDestroyerKey(shifted)
	if sess, ok := d.sessions.Get(shifted); ok {
		sess.Kill()
	}

	if d.dcs.Len() != 0 {
		return
	}
	d.mu.Lock()
	already := d.fired
	d.fired = true
	d.mu.Unlock()
	if !already && d.signals != nil {
		d.signals.EmitAllKeysDestroyed()
	}
}

// Drain exposes the DC registry's pending-destruction queue for the
// façade's invoke-queue loop, matching the non-reentrancy discipline
// the rest of the core uses for dcregistry.Remove.
func (d *Destroyer) Drain() []*dcregistry.Block {
	return d.dcs.Drain()
}
