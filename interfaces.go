package mtpcore

import "time"

// Session is the per-shifted-DC connection + encryption context. The
// instance core treats it opaquely: it owns wire sequencing and message
// ids; the core only ever hands it already-serialized payloads and asks
// it to cancel, restart, stop, or report state.
type Session interface {
	ShiftedDc() ShiftedDcId
	SendPrepared(payload []byte, msCanWait time.Duration)
	Cancel(id RequestId, msgId uint64)
	Restart()
	Stop()
	Kill()
	Ping()
	RequestState(id RequestId) State
	Transport() string
	RefreshOptions()
	ReInitConnection()
	Unpaused()
}

// SessionFactory constructs a Session bound to a shifted DC and its
// current auth key. The instance calls it from the Session Registry's
// getOrCreate path; the registry calls no separate start step on the
// returned session.
type SessionFactory interface {
	New(shifted ShiftedDcId, bare BareDcId) Session
}

// DcType classifies a bare DC for routing decisions (CDN DCs skip
// log-out in destroyer mode). The DcType is not consulted when the main
// session is chosen.
type DcType int

const (
	DcRegular DcType = iota
	DcMedia
	DcCDN
	DcTemporary
)

// DCBook is the external address book: it maps a bare DC id to
// candidate endpoints and classifies DCs. The instance core only ever
// calls SetFromList/SetCDNConfig/DcType; endpoint resolution itself is
// out of scope.
type DCBook interface {
	SetFromList(list []DCInfo)
	SetCDNConfig(data []byte)
	DcType(bare BareDcId) DcType
}

// DCInfo is one entry of a config-returned DC list.
type DCInfo struct {
	Bare BareDcId
	Type DcType
	Host string
	Port int
}

// ConfigResult is what a one-shot config load resolves to.
type ConfigResult struct {
	DCs             []DCInfo
	ScalarSettings  map[string]int64
	ExpiresUnixSec  int64
	ServerUnixSec   int64
}

// ConfigLoader performs a one-shot config fetch. Load must not be called
// again concurrently; the Config Controller enforces that invariant, not
// the loader itself.
type ConfigLoader interface {
	Load(ctx Context) (ConfigResult, error)
}

// DomainResolver resolves the DC domain name scheme; modeled as an
// external collaborator with its own one-shot, non-reentrant load.
type DomainResolver interface {
	Resolve(ctx Context) error
}

// UnixtimeLoader fetches server time over HTTP as a fallback when no
// session is available to derive it from.
type UnixtimeLoader interface {
	Load(ctx Context) (int64, error)
}

// SettingsSink receives named scalar settings derived from a config
// load, replacing the source's "Global::Set…" calls with a single
// injected capability.
type SettingsSink interface {
	ApplySetting(name string, value int64)
}

// KeyStoreSink receives persistent-key snapshots for durable storage.
type KeyStoreSink interface {
	WriteKeys(ctx Context, snapshot map[BareDcId][]byte) error
}

// CDNConfigLoader performs a one-shot CDN public-key config fetch,
// gated separately from the main config load (§4.H / §12): at most one
// request in flight, and only while a main DC exists.
type CDNConfigLoader interface {
	Load(ctx Context) ([]byte, error)
}

// Codec produces serialized request payloads and parses response
// frames. The core treats payloads as opaque byte buffers with a known
// header layout: MessageID reads the 64-bit message id reserved at byte
// offset 4, used for server-side cancellation. ParseResponse classifies
// a response frame as a protocol error (by its leading marker) or an
// ordinary payload handed to the caller's OnDone unparsed.
type Codec interface {
	MessageID(payload []byte) (uint64, error)
	ParseResponse(payload []byte) (rpcErr *RPCError, isError bool)
}

// DestroyKeyResult classifies the three response variants destroy_auth_key
// can come back as (§4.I): the request succeeded in destroying the key,
// it failed, or the server reports no such key existed.
type DestroyKeyResult int

const (
	DestroyKeyOK DestroyKeyResult = iota
	DestroyKeyFail
	DestroyKeyNone
)

// DestroyerCodec builds the wire payloads for Key Destroyer Mode's
// logout/destroy chain and parses the destroy_auth_key result variant,
// the same opaque-payload boundary AuthCodec draws for the auth-export
// chain.
type DestroyerCodec interface {
	BuildLogOut(ctx Context) []byte
	BuildDestroyAuthKey(ctx Context) []byte
	ParseDestroyAuthKeyResult(payload []byte) (DestroyKeyResult, error)
}

// AuthCodec builds the two wire payloads the auth-export/import chain
// needs and parses the export result, so the Error Policy Engine never
// touches TL encoding directly — it only knows "build a request, get a
// parsed result back", the same opaque-payload contract Send uses
// everywhere else.
type AuthCodec interface {
	BuildExportAuthorization(ctx Context, targetBare BareDcId) []byte
	ParseExportedAuthorization(payload []byte) (exportedID int64, exportedBytes []byte, err error)
	BuildImportAuthorization(ctx Context, exportedID int64, exportedBytes []byte) []byte
}

// KeyIDer derives the wire key id (fingerprint) of a persistent auth
// key, the one piece of cryptographic derivation keyDestroyedOnServer
// needs to compare a server-reported key id against the stored key —
// kept behind this narrow interface for the same reason AuthCodec and
// DestroyerCodec stay out of this module's TL/crypto business.
type KeyIDer interface {
	KeyID(key []byte) int64
}

// Persistence is the narrow façade over "write config-derived
// application settings" and "remember the autoupdate prefix" — the two
// remaining persistence calls the source makes outside of key material.
type Persistence interface {
	WriteSettings(ctx Context) error
	WriteAutoupdatePrefix(prefix string) error
}
