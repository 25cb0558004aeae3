// Package dcid implements the bit-packing and sign-convention operations
// over mtpcore.ShiftedDcId described in §3 and §4.D/E of the
// specification. The core never inspects a ShiftedDcId directly; every
// other package goes through BareDcId/Shift/Compose/IsTemporary/IsCdn
// and the two sign helpers, PinMain/IsPinnedMain.
//
// There is no teacher analogue for this bit layout — it is a narrow,
// self-contained integer codec, implemented directly against the
// standard library (see DESIGN.md for why no pack dependency fits an
// integer bit-packing concern).
package dcid

import "github.com/dcrouter/mtpcore"

// Shift selects a role/variant for a bare DC: main, CDN, media
// download/upload slots, temporary key slot, logout-only, and
// destroying-key slots used by Key Destroyer Mode.
type Shift int32

const (
	ShiftMain Shift = iota
	ShiftMediaDownload
	ShiftMediaUpload
	ShiftUpload
	ShiftTemporary
	ShiftLogout
	ShiftDestroyKey
	ShiftCdn

	// shiftBits is wide enough to hold every Shift value above plus the
	// synthetic per-collision shifts Key Destroyer Mode allocates for
	// duplicate bare DCs (see destroyer.Start).
	shiftBits  = 8
	shiftMask  = (1 << shiftBits) - 1
	bareOffset = shiftBits
)

// Compose packs a bare DC id and a shift into a positive ShiftedDcId.
func Compose(bare mtpcore.BareDcId, shift Shift) mtpcore.ShiftedDcId {
	return mtpcore.ShiftedDcId(int32(bare)<<bareOffset | int32(shift)&shiftMask)
}

// BareDcId extracts the bare DC id. A negative value is the Request
// Table's "-bareDc" main-pin convention (PinMain), so it is the literal
// bare id, not a bit-packed field; only a positive value is unpacked via
// bareOffset.
func BareDcId(s mtpcore.ShiftedDcId) mtpcore.BareDcId {
	v := int32(s)
	if v < 0 {
		return mtpcore.BareDcId(-v)
	}
	return mtpcore.BareDcId(v >> bareOffset)
}

// ShiftOf extracts the role shift. A main-pinned value carries no
// packed shift field of its own — it always means ShiftMain.
func ShiftOf(s mtpcore.ShiftedDcId) Shift {
	if s < 0 {
		return ShiftMain
	}
	return Shift(int32(s) & shiftMask)
}

// IsPinnedMain reports whether s encodes "whichever DC is currently
// main" (the Request Table's -bareDc convention) rather than a
// concrete shifted DC.
func IsPinnedMain(s mtpcore.ShiftedDcId) bool {
	return int32(s) < 0
}

// PinMain returns the Request Table's "-bareDc" routing value for the
// given bare DC.
func PinMain(bare mtpcore.BareDcId) mtpcore.ShiftedDcId {
	return mtpcore.ShiftedDcId(-int32(bare))
}

// IsTemporary reports whether s carries the temporary-key-slot shift.
func IsTemporary(s mtpcore.ShiftedDcId) bool {
	return ShiftOf(s) == ShiftTemporary
}

// IsCdn reports whether s carries the CDN shift.
func IsCdn(s mtpcore.ShiftedDcId) bool {
	return ShiftOf(s) == ShiftCdn
}

// ChangeRouting implements the Request Table's changeRouting contract:
// it preserves sign and shift. If current is a main pin, the result
// pins the new bare DC to main; otherwise it recomposes with the
// current shift against the new bare DC.
func ChangeRouting(current mtpcore.ShiftedDcId, newBare mtpcore.BareDcId) mtpcore.ShiftedDcId {
	if IsPinnedMain(current) {
		return PinMain(newBare)
	}
	return Compose(newBare, ShiftOf(current))
}

// SyntheticShift returns a shift in the destroying-key family offset by
// collision, used by Key Destroyer Mode when two seeded keys share a
// bare DC id. collision must start at 0 for the first key seen for that
// bare DC.
func SyntheticShift(collision int) Shift {
	return ShiftDestroyKey + Shift(collision)
}
