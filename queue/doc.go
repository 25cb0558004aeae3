// Package queue throttles session restart storms. A flapping DC that
// keeps failing to connect must not be allowed to spin the Session
// Registry's restart() path in a tight loop; this package hands out
// per-bare-DC token-bucket permission the way the reference codebase's
// own queue manager throttled per-queue/per-tenant job dequeues.
//
// # Limiter
//
// [Limiter] enforces a per-bare-DC restart rate using a token-bucket
// (golang.org/x/time/rate):
//
//	l := queue.NewLimiter(1, 3) // 1/s sustained, burst of 3
//	if l.Allow(bareDc) {
//	    session.Restart()
//	}
//
// DCs without prior restart activity get a limiter lazily on first use.
package queue
