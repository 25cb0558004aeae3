package mtpcore

import "errors"

var (
	// Routing / request table errors.
	ErrUnknownRequest  = errors.New("mtpcore: unknown request id")
	ErrNoRouting       = errors.New("mtpcore: request has no routing")
	ErrPayloadTooShort = errors.New("mtpcore: payload shorter than message-id header")

	// Session / DC errors.
	ErrNoMainSession  = errors.New("mtpcore: no main session")
	ErrNoSessionForDC = errors.New("mtpcore: no session for shifted dc")
	ErrMainSessionPin = errors.New("mtpcore: main session cannot be stopped")
	ErrNoAuthKey      = errors.New("mtpcore: no authorization key for dc")

	// Config controller errors.
	ErrConfigLoaderBusy  = errors.New("mtpcore: config loader already running")
	ErrNoDCList          = errors.New("mtpcore: config returned empty dc list")
	ErrUnixtimeLoaderBusy = errors.New("mtpcore: unixtime loader already running")

	// Destroyer mode errors.
	ErrNotInDestroyerMode    = errors.New("mtpcore: instance is not in key-destroyer mode")
	ErrAlreadyInDestroyerMode = errors.New("mtpcore: instance is already in key-destroyer mode")

	// Local synthesized errors surfaced verbatim to request fail handlers.
	ErrClearCallback       = errors.New("CLEAR_CALLBACK")
	ErrResponseParseFailed = errors.New("RESPONSE_PARSE_FAILED")
)
