// Package reqtable implements the Request Table (component B): the
// thread-safe store of in-flight requests shared between the Façade
// goroutine and background session goroutines.
//
// The three maps and their distinct locks are grounded on this
// codebase's in-memory store convention (store/memory/store.go), which
// guards several independent maps behind a single struct using
// sync.RWMutex/sync.Mutex chosen per access pattern rather than one
// coarse lock for the whole store.
package reqtable

import (
	"sync"
	"time"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
)

// Entry is a snapshot of a request's payload-side state. Payload is
// immutable once stored; NeedsLayer and After may be rewritten in place
// by the error policy engine.
type Entry struct {
	Payload    []byte
	NeedsLayer bool
	After      *mtpcore.RequestId
	LastSentAt time.Time
}

// Table holds the routing, payload, and handlers maps plus the
// retry-delay bookkeeping described in §3/§4.B. Zero value is not
// usable; use New.
type Table struct {
	routingMu sync.Mutex
	routing   map[mtpcore.RequestId]mtpcore.ShiftedDcId

	payloadMu sync.RWMutex
	payload   map[mtpcore.RequestId]*Entry

	handlersMu sync.Mutex
	handlers   map[mtpcore.RequestId]mtpcore.Handlers

	retryMu    sync.Mutex
	retryDelay map[mtpcore.RequestId]time.Duration
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		routing:    make(map[mtpcore.RequestId]mtpcore.ShiftedDcId),
		payload:    make(map[mtpcore.RequestId]*Entry),
		handlers:   make(map[mtpcore.RequestId]mtpcore.Handlers),
		retryDelay: make(map[mtpcore.RequestId]time.Duration),
	}
}

// Register records routing for id. Called once per Send, and again
// whenever migrate/dependent-wait/auth-import retries rewrite routing
// for the same id (the auth-import path uses ChangeRouting; the migrate
// handler calls Register directly with the rewritten routing).
func (t *Table) Register(id mtpcore.RequestId, shifted mtpcore.ShiftedDcId) {
	t.routingMu.Lock()
	t.routing[id] = shifted
	t.routingMu.Unlock()
}

// Store installs the payload and handlers for a newly allocated id.
func (t *Table) Store(id mtpcore.RequestId, payload []byte, handlers mtpcore.Handlers) {
	t.payloadMu.Lock()
	t.payload[id] = &Entry{Payload: payload, LastSentAt: time.Now()}
	t.payloadMu.Unlock()

	t.handlersMu.Lock()
	t.handlers[id] = handlers
	t.handlersMu.Unlock()
}

// Get returns a copy of the stored entry for id. The returned Entry is
// a snapshot: mutating it does not affect the table.
func (t *Table) Get(id mtpcore.RequestId) (Entry, bool) {
	t.payloadMu.RLock()
	defer t.payloadMu.RUnlock()
	e, ok := t.payload[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Routing returns the current routing for id.
func (t *Table) Routing(id mtpcore.RequestId) (mtpcore.ShiftedDcId, bool) {
	t.routingMu.Lock()
	defer t.routingMu.Unlock()
	s, ok := t.routing[id]
	return s, ok
}

// ChangeRouting rewrites routing for id preserving sign and shift, per
// the Request Table's changeRouting contract: a main-pinned routing
// stays pinned to the new bare DC; an explicitly shifted routing is
// recomposed against the new bare DC with its existing shift.
func (t *Table) ChangeRouting(id mtpcore.RequestId, newBare mtpcore.BareDcId) (mtpcore.ShiftedDcId, bool) {
	t.routingMu.Lock()
	defer t.routingMu.Unlock()
	cur, ok := t.routing[id]
	if !ok {
		return 0, false
	}
	next := dcid.ChangeRouting(cur, newBare)
	t.routing[id] = next
	return next, true
}

// Unregister removes all trace of id: routing, payload, handlers, and
// retry-delay bookkeeping. It does not invoke handlers — callers that
// need the clearHandlers contract (synthesizing CLEAR_CALLBACK) must
// call ClearHandlers first.
func (t *Table) Unregister(id mtpcore.RequestId) {
	t.routingMu.Lock()
	delete(t.routing, id)
	t.routingMu.Unlock()

	t.payloadMu.Lock()
	delete(t.payload, id)
	t.payloadMu.Unlock()

	t.handlersMu.Lock()
	delete(t.handlers, id)
	t.handlersMu.Unlock()

	t.retryMu.Lock()
	delete(t.retryDelay, id)
	t.retryMu.Unlock()
}

// TakeHandlers removes and returns the handlers registered for id, if
// any.
func (t *Table) TakeHandlers(id mtpcore.RequestId) (mtpcore.Handlers, bool) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	h, ok := t.handlers[id]
	if ok {
		delete(t.handlers, id)
	}
	return h, ok
}

// PeekHandlers returns the handlers registered for id without removing
// them, used by execCallback's policy-handled branch where the
// request stays registered for a later retry.
func (t *Table) PeekHandlers(id mtpcore.RequestId) (mtpcore.Handlers, bool) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	h, ok := t.handlers[id]
	return h, ok
}

// ClearHandlers implements the clearHandlers(id, errorCode) contract:
// if handlers existed and errorCode != 0, the fail handler is invoked
// with a synthesized CLEAR_CALLBACK error before being dropped;
// otherwise handlers are dropped silently. It does not touch routing or
// payload.
func (t *Table) ClearHandlers(ctx mtpcore.Context, id mtpcore.RequestId, errorCode int) {
	h, ok := t.TakeHandlers(id)
	if !ok {
		return
	}
	if errorCode != 0 && h.OnFail != nil {
		h.OnFail(ctx, id, &mtpcore.RPCError{Code: errorCode, Type: "CLEAR_CALLBACK"})
	}
}

// SetNeedsLayer flips the needsLayer bit on the stored entry, used by
// the layer-invalid and dependent-wait policy branches. The payload
// pointer itself is not replaced; writers take the write lock so
// concurrent readers under the read lock see a consistent Entry value.
func (t *Table) SetNeedsLayer(id mtpcore.RequestId, needsLayer bool) bool {
	t.payloadMu.Lock()
	defer t.payloadMu.Unlock()
	e, ok := t.payload[id]
	if !ok {
		return false
	}
	e.NeedsLayer = needsLayer
	return true
}

// SetAfter sets or clears the dependent-request link.
func (t *Table) SetAfter(id mtpcore.RequestId, after *mtpcore.RequestId) bool {
	t.payloadMu.Lock()
	defer t.payloadMu.Unlock()
	e, ok := t.payload[id]
	if !ok {
		return false
	}
	e.After = after
	return true
}

// Touch stamps LastSentAt to now, called every time a payload is handed
// to a session (initial send or any retry re-send).
func (t *Table) Touch(id mtpcore.RequestId) {
	t.payloadMu.Lock()
	defer t.payloadMu.Unlock()
	if e, ok := t.payload[id]; ok {
		e.LastSentAt = time.Now()
	}
}

// RetryDelay returns the currently stored backoff for id, and whether
// one was stored yet.
func (t *Table) RetryDelay(id mtpcore.RequestId) (time.Duration, bool) {
	t.retryMu.Lock()
	defer t.retryMu.Unlock()
	d, ok := t.retryDelay[id]
	return d, ok
}

// SetRetryDelay stores the backoff for id.
func (t *Table) SetRetryDelay(id mtpcore.RequestId, d time.Duration) {
	t.retryMu.Lock()
	t.retryDelay[id] = d
	t.retryMu.Unlock()
}

// ClearRetryDelay drops the stored backoff for id (used once a request
// resolves via a non-transient path so the next unrelated failure
// starts fresh at RetryDelayInitial).
func (t *Table) ClearRetryDelay(id mtpcore.RequestId) {
	t.retryMu.Lock()
	delete(t.retryDelay, id)
	t.retryMu.Unlock()
}

// RoutingCount and HandlerCount support the testable invariant
// |routing| >= |handlers|.
func (t *Table) RoutingCount() int {
	t.routingMu.Lock()
	defer t.routingMu.Unlock()
	return len(t.routing)
}

func (t *Table) HandlerCount() int {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	return len(t.handlers)
}
