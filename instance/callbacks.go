package instance

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
)

// ExecCallback is the entry point every Session uses to hand a
// response back to the core. It always runs on the invoke-queue
// goroutine; callers on a background goroutine get this for free since
// Post is the only thing this method does before handing off.
func (i *Instance) ExecCallback(id mtpcore.RequestId, payload []byte) {
	i.Post(func() { i.execCallbackLocked(id, payload) })
}

func (i *Instance) execCallbackLocked(id mtpcore.RequestId, payload []byte) {
	_, span := i.tracer.Start(context.Background(), "mtpcore.exec_callback")
	defer span.End()
	span.SetAttributes(traceSpanAttrs(id)...)

	if _, ok := i.table.Get(id); !ok {
		// Cancelled or unknown: no handlers to invoke, nothing to drop.
		return
	}

	rpcErr, isError := i.parseResponse(payload)
	handlers, _ := i.table.PeekHandlers(id)

	if !isError {
		i.table.Unregister(id)
		i.policy.ClearRetryDelayOnSuccess(id)
		if handlers.OnDone != nil {
			handlers.OnDone(nil, id, payload)
		}
		return
	}

	i.rpcErrorOccured(id, handlers, rpcErr)
}

// parseResponse implements the protocol error framing rule from §6: a
// known leading marker means an RPC error; anything else goes to
// OnDone unparsed. A parse failure or empty frame becomes a locally
// synthesized RESPONSE_PARSE_FAILED.
func (i *Instance) parseResponse(payload []byte) (*mtpcore.RPCError, bool) {
	if len(payload) == 0 {
		return &mtpcore.RPCError{Type: "RESPONSE_PARSE_FAILED"}, true
	}
	if i.codec == nil {
		return nil, false
	}
	rpcErr, isError := i.codec.ParseResponse(payload)
	if isError && rpcErr == nil {
		return &mtpcore.RPCError{Type: "RESPONSE_PARSE_FAILED"}, true
	}
	return rpcErr, isError
}

// rpcErrorOccured implements the propagation rule from §7: the user's
// fail handler is consulted first (this is what "default-handled"
// means here — a collaborator-owned outcome the core never second-
// guesses); only if it does not claim the error is the policy engine
// consulted. The policy engine's own "handled" verdict keeps the
// request registered for its own retry; everything else drops it,
// having already told the user.
func (i *Instance) rpcErrorOccured(id mtpcore.RequestId, handlers mtpcore.Handlers, rpcErr *mtpcore.RPCError) {
	handled := false
	if handlers.OnFail != nil {
		handled = handlers.OnFail(nil, id, rpcErr)
	}
	if handled {
		i.recordErrorOutcome(rpcErr, "consumer")
		i.table.Unregister(id)
		return
	}
	if i.policy.Handle(nil, id, rpcErr) {
		i.recordErrorOutcome(rpcErr, "policy_retry")
		return
	}
	i.recordErrorOutcome(rpcErr, "dropped")
	i.table.Unregister(id)
}

func (i *Instance) recordErrorOutcome(rpcErr *mtpcore.RPCError, outcome string) {
	if i.errorsHandled == nil {
		return
	}
	i.errorsHandled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", rpcErr.Type),
		attribute.String("outcome", outcome),
	))
}

// GlobalCallback forwards a session-pushed payload that is not tied to
// any request id (e.g. an unsolicited update) to the configured global
// handler, if any. Parsing and dispatching the update stream itself is
// out of this module's scope; this is only the hand-off point.
func (i *Instance) GlobalCallback(payload []byte) {
	i.Post(func() {
		if i.global != nil {
			i.global(payload)
		}
	})
}

// ClearCallbacksDelayed implements clearCallbacksDelayed(list): every
// listed request's handlers are synthesized a CLEAR_CALLBACK failure
// and dropped, matching the Request Table's clearHandlers contract.
func (i *Instance) ClearCallbacksDelayed(ids []mtpcore.RequestId) {
	i.Post(func() {
		for _, id := range ids {
			i.table.ClearHandlers(nil, id, -1)
			i.table.Unregister(id)
		}
	})
}

// OnStateChange implements onStateChange(shifted, state): it forwards
// the transition to the shared signal registry, if wired.
func (i *Instance) OnStateChange(shifted mtpcore.ShiftedDcId, state int) {
	i.Post(func() {
		if i.signals != nil {
			i.signals.EmitStateChanged(int32(shifted), state)
		}
	})
}

// OnSessionReset implements onSessionReset(shifted): it only logs. A
// session reset invalidates sequencing state the session itself owns;
// this module has no additional bookkeeping tied to a shifted DC's
// reset beyond what the session already restarts on its own.
func (i *Instance) OnSessionReset(shifted mtpcore.ShiftedDcId) {
	i.Post(func() {
		i.logger.Info("session reset", slog.Int("shifted", int(shifted)))
	})
}

// DcPersistentKeyChanged implements dcPersistentKeyChanged(bare, key):
// it forwards straight to the Key Registry, which fires the
// temporary-key-changed broadcast before considering whether the
// persistent value itself moved.
func (i *Instance) DcPersistentKeyChanged(bare mtpcore.BareDcId, key []byte) {
	i.Post(func() {
		i.keys.OnPersistentChanged(nil, bare, key)
	})
}

// DcTemporaryKeyChanged implements dcTemporaryKeyChanged(bare).
func (i *Instance) DcTemporaryKeyChanged(bare mtpcore.BareDcId) {
	i.Post(func() {
		i.keys.OnTemporaryChanged(nil, bare)
	})
}

// KeyDestroyedOnServer implements keyDestroyedOnServer(shifted, keyId):
// it resolves shifted down to its bare DC before comparing keyId
// against the stored persistent key's id — the server notification is
// addressed by bare DC semantics, not by whichever shifted slot
// happened to deliver it. A mismatch is logged and ignored.
func (i *Instance) KeyDestroyedOnServer(shifted mtpcore.ShiftedDcId, keyId int64) {
	i.Post(func() {
		if i.keyIDer == nil {
			return
		}
		bare := dcid.BareDcId(shifted)
		stored, ok := i.keys.Get(bare)
		if !ok || i.keyIDer.KeyID(stored) != keyId {
			i.logger.Warn("key-destroyed notification did not match stored key",
				slog.Int("bare", int(bare)), slog.Int64("key_id", keyId))
			return
		}

		i.keys.Update(bare, nil)
		for _, sh := range i.dcs.Shifted() {
			if dcid.BareDcId(sh) == bare {
				i.sess.KillSession(sh)
			}
		}
	})
}

// SendAnything implements sendAnything(msCanWait): a zero-length,
// handler-less send to the main session, used to nudge a session into
// flushing queued-but-undelivered data.
func (i *Instance) SendAnything(msCanWait time.Duration) {
	i.Post(func() {
		if _, err := i.Send(nil, mtpcore.Handlers{}, 0, msCanWait, false, 0); err != nil {
			i.logger.Debug("sendAnything skipped", slog.String("error", err.Error()))
		}
	})
}

// LogoutGuestDcs implements logoutGuestDcs(): every known DC control
// block that is neither the main DC nor already logged out gets an
// auth.logOut issued against its main-shifted session; completion is
// tracked in loggedOutDcs so a repeated call never double-logs-out a
// DC. Distinct from Key Destroyer Mode: no key is destroyed here, only
// the server-side session is invalidated.
func (i *Instance) LogoutGuestDcs() {
	i.Post(func() {
		if i.logoutCodec == nil {
			return
		}
		mainBare, hasMain := i.sess.MainBareDc()

		seen := make(map[mtpcore.BareDcId]bool)
		for _, sh := range i.dcs.Shifted() {
			bare := dcid.BareDcId(sh)
			if (hasMain && bare == mainBare) || i.loggedOutDcs[bare] || seen[bare] {
				continue
			}
			seen[bare] = true
			i.loggedOutDcs[bare] = true
			i.issueLogOut(bare)
		}
	})
}

func (i *Instance) issueLogOut(bare mtpcore.BareDcId) {
	shifted := dcid.PinMain(bare)
	sess, err := i.sess.GetOrCreate(shifted)
	if err != nil {
		return
	}

	payload := i.logoutCodec.BuildLogOut(nil)
	id := i.ids.Next()
	i.table.Register(id, shifted)
	i.table.Store(id, payload, mtpcore.Handlers{
		OnDone: func(_ mtpcore.Context, _ mtpcore.RequestId, _ []byte) {
			i.logoutGuestDone(bare)
		},
		OnFail: func(_ mtpcore.Context, _ mtpcore.RequestId, _ *mtpcore.RPCError) bool {
			i.logoutGuestDone(bare)
			return true
		},
	})
	sess.SendPrepared(payload, 0)
}

// logoutGuestDone implements logoutGuestDone(bareDc): bookkeeping only
// — loggedOutDcs was already marked at issue time to prevent a
// concurrent second LogoutGuestDcs call from re-issuing the same
// logout while the first is still in flight.
func (i *Instance) logoutGuestDone(bare mtpcore.BareDcId) {
	i.Post(func() {
		i.loggedOutDcs[bare] = true
	})
}
