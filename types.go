package mtpcore

// RequestId is the caller-visible handle allocated by the Request Id
// Allocator. Positive values are ordinary allocated ids; the Façade's
// State also accepts negative values, meaning "the main session of DC
// |id|".
type RequestId int32

// BareDcId identifies a logical data center.
type BareDcId int32

// ShiftedDcId packs a BareDcId with a role shift (main, CDN,
// media-download, upload, temporary, logout-only, destroying-key, …).
// The core treats it as opaque except through the dcid package's
// accessors and predicates. A negative ShiftedDcId stored in routing is
// the main-pin convention: its literal negation is the bare DC id, not
// a bit-packed field, and it always means that bare DC's main-shift
// session.
type ShiftedDcId int32

// State is the opaque connection state reported by a Session.
type State int

const (
	// StateDisconnected is returned when the core has no session for
	// the queried shifted DC.
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateRequestSent is returned by state(id) for id > 0 when no
	// routing is known yet — an optimistic "already in flight" answer.
	StateRequestSent
)

// RPCError is the decoded shape of an `rpc_error` frame (or a locally
// synthesized error such as CLEAR_CALLBACK / RESPONSE_PARSE_FAILED).
type RPCError struct {
	Code        int
	Type        string
	Description string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "<nil rpc error>"
	}
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

// Handlers is the pair of callbacks a caller registers with Send. Either
// field may be nil. OnFail's boolean return is only consulted for
// default-handled errors (see the propagation rule in the error handling
// design): true means the collaborator fully owns the error and the
// instance should drop the request without further action.
type Handlers struct {
	OnDone func(ctx Context, id RequestId, payload []byte)
	OnFail func(ctx Context, id RequestId, err *RPCError) (handled bool)
}

// Empty reports whether h has no handlers registered at all (a "fire
// and forget" send).
func (h Handlers) Empty() bool {
	return h.OnDone == nil && h.OnFail == nil
}
