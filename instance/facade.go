// Package instance implements the Instance Façade (component J): the
// single entry point that wires the Request Id Allocator, Request
// Table, Key Registry, DC Registry, Session Registry, Delayed
// Scheduler, Error Policy Engine, and Config Controller together
// behind Send/Cancel/State/Ping/Restart/SetMainDcId/SuggestMainDcId.
//
// The single-goroutine invoke-queue loop is grounded on this
// codebase's worker pool (worker/pool.go): the same
// stopCh-plus-sync.WaitGroup shutdown shape, narrowed from N polling
// worker goroutines down to exactly one, since every Façade entry
// point must run on a single designated goroutine (§5). Session
// callbacks arriving on background goroutines never touch shared state
// directly — they post a closure onto invoke and return.
package instance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/configctl"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/dcregistry"
	"github.com/dcrouter/mtpcore/destroyer"
	"github.com/dcrouter/mtpcore/errpolicy"
	"github.com/dcrouter/mtpcore/hooks"
	"github.com/dcrouter/mtpcore/keyregistry"
	"github.com/dcrouter/mtpcore/reqid"
	"github.com/dcrouter/mtpcore/reqtable"
	"github.com/dcrouter/mtpcore/scheduler"
	"github.com/dcrouter/mtpcore/sessions"
)

// Instance is the assembled core. The zero value is not usable; use
// New.
type Instance struct {
	ids      *reqid.Allocator
	table    *reqtable.Table
	keys     *keyregistry.Registry
	dcs      *dcregistry.Registry
	sess     *sessions.Registry
	sched    *scheduler.Scheduler
	policy   *errpolicy.Engine
	config   *configctl.Controller
	destroy  *destroyer.Destroyer
	codec    mtpcore.Codec
	keyIDer  mtpcore.KeyIDer
	logoutCodec mtpcore.DestroyerCodec
	signals  *hooks.Registry
	global   func(payload []byte)
	cfg      mtpcore.Config
	logger   *slog.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	requestsSent  metric.Int64Counter
	errorsHandled metric.Int64Counter

	invoke chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	forcedMainDc  *mtpcore.BareDcId
	persistence   mtpcore.Persistence
	loggedOutDcs  map[mtpcore.BareDcId]bool
}

// Option configures an Instance.
type Option func(*Instance)

func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) { i.logger = l }
}

func WithPersistence(p mtpcore.Persistence) Option {
	return func(i *Instance) { i.persistence = p }
}

func WithDestroyer(d *destroyer.Destroyer) Option {
	return func(i *Instance) { i.destroy = d }
}

// WithKeyIDer wires the collaborator keyDestroyedOnServer uses to
// compare a server-reported key id against the stored persistent key.
func WithKeyIDer(k mtpcore.KeyIDer) Option {
	return func(i *Instance) { i.keyIDer = k }
}

// WithLogoutCodec wires the auth.logOut payload builder logoutGuestDcs
// uses — the same shape as the Key Destroyer Mode codec, since both
// operations send exactly one auth.logOut.
func WithLogoutCodec(c mtpcore.DestroyerCodec) Option {
	return func(i *Instance) { i.logoutCodec = c }
}

// WithSignals wires the shared hooks registry onStateChange forwards
// state transitions through.
func WithSignals(s *hooks.Registry) Option {
	return func(i *Instance) { i.signals = s }
}

// WithGlobalHandler wires the callback globalCallback forwards
// session-pushed, request-independent payloads to.
func WithGlobalHandler(fn func(payload []byte)) Option {
	return func(i *Instance) { i.global = fn }
}

// New assembles an Instance over already-constructed collaborators.
// The caller wires sess with sessions.WithDestroyerMode beforehand if
// Key Destroyer Mode is wanted; this constructor does not itself
// decide normal-vs-destroyer lifecycle, it just holds onto whichever
// registries it is handed.
func New(
	ids *reqid.Allocator,
	table *reqtable.Table,
	keys *keyregistry.Registry,
	dcs *dcregistry.Registry,
	sess *sessions.Registry,
	policy *errpolicy.Engine,
	config *configctl.Controller,
	codec mtpcore.Codec,
	cfg mtpcore.Config,
	opts ...Option,
) *Instance {
	i := &Instance{
		ids:    ids,
		table:  table,
		keys:   keys,
		dcs:    dcs,
		sess:   sess,
		policy: policy,
		config: config,
		codec:  codec,
		cfg:    cfg,
		logger: slog.Default(),
		invoke:       make(chan func(), 256),
		stopCh:       make(chan struct{}),
		loggedOutDcs: make(map[mtpcore.BareDcId]bool),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.initTelemetry()
	i.sched = scheduler.New(policy, scheduler.WithLogger(i.logger))
	policy.AttachScheduler(i.sched)
	return i
}

// Run starts the single invoke-queue goroutine. It returns
// immediately; call Stop to shut it down.
func (i *Instance) Run() {
	i.wg.Add(1)
	go i.loop()
	if i.config != nil {
		i.config.Start(nil)
	}
}

// Stop drains and halts the invoke-queue goroutine and every owned
// timer-driven collaborator.
func (i *Instance) Stop() {
	if i.config != nil {
		i.config.Stop()
	}
	i.sched.Stop()
	close(i.stopCh)
	i.wg.Wait()
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for {
		select {
		case <-i.stopCh:
			return
		case fn := <-i.invoke:
			fn()
			i.drainPending()
		}
	}
}

// drainPending runs the DC Registry's and Session Registry's deferred
// destruction queues, always from this single goroutine (§5: never
// reentrantly from a session callback).
func (i *Instance) drainPending() {
	for range i.dcs.Drain() {
		// Control blocks carry no further teardown of their own; removing
		// them from the live map (already done by Remove) is sufficient.
	}
	for _, s := range i.sess.Drain() {
		s.Stop()
	}
}

// Post queues fn to run on the invoke-queue goroutine. Background
// session goroutines use this as their only way back into shared
// state.
func (i *Instance) Post(fn func()) {
	select {
	case i.invoke <- fn:
	case <-i.stopCh:
	}
}

// Send implements send(payload, handlers, shifted, msCanWait,
// needsLayer, afterId): it resolves (and if absent, creates) the
// target session, allocates an id, stores routing/payload/handlers,
// and hands the payload to the session.
func (i *Instance) Send(
	payload []byte,
	handlers mtpcore.Handlers,
	shifted mtpcore.ShiftedDcId,
	msCanWait time.Duration,
	needsLayer bool,
	afterID mtpcore.RequestId,
) (mtpcore.RequestId, error) {
	ctx, span := i.tracer.Start(context.Background(), "mtpcore.send")
	defer span.End()

	sess, err := i.sess.GetOrCreate(shifted)
	if err != nil {
		setSpanError(span, err)
		return 0, err
	}

	id := i.ids.Next()
	routing := sess.ShiftedDc()
	if shifted == 0 {
		routing = dcid.PinMain(dcid.BareDcId(routing))
	}
	i.table.Register(id, routing)
	i.table.Store(id, payload, handlers)
	if needsLayer {
		i.table.SetNeedsLayer(id, true)
	}
	if afterID != 0 {
		after := afterID
		i.table.SetAfter(id, &after)
	}

	span.SetAttributes(traceSpanAttrs(id)...)
	if i.requestsSent != nil {
		i.requestsSent.Add(ctx, 1)
	}

	sess.SendPrepared(payload, msCanWait)
	return id, nil
}

// Cancel implements cancel(id): it erases routing, payload, and
// handlers for id and asks the matching session to cancel it. No
// handler is ever invoked — cancellation is not a failure.
func (i *Instance) Cancel(id mtpcore.RequestId) {
	entry, hasEntry := i.table.Get(id)
	shifted, hasRouting := i.table.Routing(id)
	i.table.Unregister(id)

	if !hasRouting {
		return
	}
	sess, ok := i.sess.Get(shifted)
	if !ok {
		return
	}
	var msgID uint64
	if hasEntry && i.codec != nil {
		msgID, _ = i.codec.MessageID(entry.Payload)
	}
	sess.Cancel(id, msgID)
}

// State implements state(id): for id > 0 it resolves the request's
// current routing and asks the matching session; for id <= 0 it treats
// -id as a bare DC and queries that DC's main-shift session (the
// concrete Compose(bare, ShiftMain) session, not whatever happens to be
// designated main right now) directly with inner request id 0.
func (i *Instance) State(id mtpcore.RequestId) mtpcore.State {
	if id > 0 {
		shifted, ok := i.table.Routing(id)
		if !ok {
			return mtpcore.StateRequestSent
		}
		sess, ok := i.sess.Get(shifted)
		if !ok {
			return mtpcore.StateDisconnected
		}
		return sess.RequestState(id)
	}

	bare := mtpcore.BareDcId(-id)
	shifted := dcid.Compose(bare, dcid.ShiftMain)
	sess, ok := i.sess.Get(shifted)
	if !ok {
		return mtpcore.StateDisconnected
	}
	return sess.RequestState(0)
}

// Ping implements ping(): it pings the current main session, if any.
func (i *Instance) Ping() {
	if sess, ok := i.sess.Main(); ok {
		sess.Ping()
	}
}

// Restart implements the no-argument restart(): every live session
// reconnects.
func (i *Instance) Restart() {
	i.sess.Restart()
}

// RestartDC implements restart(shifted): every session sharing
// shifted's bare DC reconnects.
func (i *Instance) RestartDC(shifted mtpcore.ShiftedDcId) {
	i.sess.RestartDC(shifted)
}

// SetMainDcId implements setMainDcId(n): it requires an existing main
// session, remembers n as the forced choice, and — if the current main
// bare DC differs from n — kills the current main session and starts a
// new one pinned to n, then persists.
func (i *Instance) SetMainDcId(n mtpcore.BareDcId) error {
	mainBare, hasMain := i.sess.MainBareDc()
	if !hasMain {
		return mtpcore.ErrNoMainSession
	}

	i.mu.Lock()
	i.forcedMainDc = &n
	i.mu.Unlock()

	if mainBare != n {
		if mainSess, ok := i.sess.Main(); ok {
			i.sess.KillSession(mainSess.ShiftedDc())
		}
		if _, err := i.sess.SetMain(dcid.PinMain(n)); err != nil {
			return err
		}
	}

	if i.persistence != nil {
		return i.persistence.WriteSettings(nil)
	}
	return nil
}

// SuggestMainDcId implements suggestMainDcId(n): a no-op once a forced
// choice exists (from any prior setMainDcId or suggestMainDcId call);
// otherwise it behaves exactly as SetMainDcId, which also records the
// forced choice — so two consecutive suggestions are equivalent to
// one.
func (i *Instance) SuggestMainDcId(n mtpcore.BareDcId) error {
	i.mu.Lock()
	forced := i.forcedMainDc != nil
	i.mu.Unlock()
	if forced {
		return nil
	}
	return i.SetMainDcId(n)
}
