// Package reqid implements the Request Id Allocator (component A): a
// process-wide monotonically increasing counter that wraps at half the
// int32 range. This is a narrow, self-contained atomic-counter concern
// with no analogue among the pack's id-generation libraries (they are
// all K-sortable opaque-string identifiers; RequestId is specified as a
// signed 32-bit wire value) — implemented directly against
// sync/atomic, documented as the stdlib exception it is in DESIGN.md.
package reqid

import (
	"math"
	"sync/atomic"

	"github.com/dcrouter/mtpcore"
)

// wrapAt is half the int32 range, per §3 invariant 6 and §8's boundary
// behavior ("after forcing counter = INT_MAX/2 - 1, the next id is
// INT_MAX/2, then 1").
const wrapAt = int32(math.MaxInt32 / 2)

// Allocator hands out RequestIds. The zero value is not usable; use
// New.
type Allocator struct {
	counter atomic.Int32
}

// New creates an Allocator starting from 0 (the first Next call returns
// 1).
func New() *Allocator {
	return &Allocator{}
}

// Next returns the next RequestId. It is always positive and never
// repeats within a single non-wrapped run. Reaching wrapAt resets the
// counter to 0 on the same call that returns wrapAt, so the id
// immediately following wrapAt is 1.
//
// Wrap-around can in principle collide with a still-live id — this is a
// known weakness carried over from the source rather than engineered
// away (see SPEC_FULL.md §9); callers that need a stronger guarantee
// should widen RequestId to 64 bits at the call site.
func (a *Allocator) Next() mtpcore.RequestId {
	for {
		cur := a.counter.Load()
		next := cur + 1
		if !a.counter.CompareAndSwap(cur, next) {
			continue
		}
		if next == wrapAt {
			a.counter.Store(0)
		}
		return mtpcore.RequestId(next)
	}
}
