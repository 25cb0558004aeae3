// Package scheduler implements the Delayed Scheduler (component F): an
// ordered queue of (RequestId, dueTime) entries driven by a single
// re-armed timer.
//
// The single-timer-plus-stopCh shape is grounded on this codebase's
// worker pool heartbeat/reaper goroutines (worker/pool.go), which each
// run their own ticker loop gated by a shared stop channel; here a
// single timer.Timer (rather than a ticker) is re-armed for whatever
// the new head's due time is after every drain, since entries fire at
// arbitrary, non-periodic times.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dcrouter/mtpcore"
)

// Dispatcher is called once per drained entry with the request id only;
// it resolves the request's current routing and payload itself. It
// returns false if either is missing, so the caller can log-and-skip
// per §4.F.
type Dispatcher interface {
	Dispatch(id mtpcore.RequestId) (ok bool)
}

type entry struct {
	id    mtpcore.RequestId
	dueMs int64
}

// Scheduler owns the ordered deque and its timer.
type Scheduler struct {
	mu      sync.Mutex
	queue   []entry
	index   map[mtpcore.RequestId]int // position in queue, for dedup checks
	timer   *time.Timer
	stopped bool

	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that calls dispatcher.Dispatch for each entry
// as it comes due.
func New(dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		index:      make(map[mtpcore.RequestId]int),
		dispatcher: dispatcher,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue inserts (id, dueMs) at the first position whose due time is
// >= dueMs. If id already appears earlier in the queue, the existing
// (earlier) entry wins and this call is a no-op — this is the
// dedup rule from §4.F and the property referenced in §9's
// dependent-wait correctness note.
func (s *Scheduler) Enqueue(id mtpcore.RequestId, dueMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.index[id]; ok {
		if s.queue[pos].dueMs <= dueMs {
			return // earlier fire already scheduled; leave in place.
		}
		s.removeAt(pos)
	}

	s.insertLocked(id, dueMs)
	s.rearmLocked()
}

// EnqueueAfter inserts id immediately after the dependency's entry,
// using the dependency's exact due time, implementing the
// dependent-wait "insert immediately after" rule. If dependency has no
// entry, this is a no-op.
func (s *Scheduler) EnqueueAfter(dependency, id mtpcore.RequestId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; exists {
		return true
	}
	pos, ok := s.index[dependency]
	if !ok {
		return false
	}
	due := s.queue[pos].dueMs
	s.insertAtLocked(pos+1, entry{id: id, dueMs: due})
	s.rearmLocked()
	return true
}

func (s *Scheduler) insertLocked(id mtpcore.RequestId, dueMs int64) {
	i := 0
	for ; i < len(s.queue); i++ {
		if s.queue[i].dueMs >= dueMs {
			break
		}
	}
	s.insertAtLocked(i, entry{id: id, dueMs: dueMs})
}

func (s *Scheduler) insertAtLocked(pos int, e entry) {
	s.queue = append(s.queue, entry{})
	copy(s.queue[pos+1:], s.queue[pos:len(s.queue)-1])
	s.queue[pos] = e
	s.reindexLocked()
}

func (s *Scheduler) removeAt(pos int) {
	id := s.queue[pos].id
	s.queue = append(s.queue[:pos], s.queue[pos+1:]...)
	delete(s.index, id)
	s.reindexLocked()
}

func (s *Scheduler) reindexLocked() {
	for i, e := range s.queue {
		s.index[e.id] = i
	}
}

func (s *Scheduler) rearmLocked() {
	if s.stopped || len(s.queue) == 0 {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := time.Duration(s.queue[0].dueMs-s.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *Scheduler) fire() {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []mtpcore.RequestId
	i := 0
	for ; i < len(s.queue); i++ {
		if s.queue[i].dueMs > nowMs {
			break
		}
		due = append(due, s.queue[i].id)
	}
	s.queue = s.queue[i:]
	s.index = make(map[mtpcore.RequestId]int, len(s.queue))
	s.reindexLocked()
	s.rearmLocked()
	s.mu.Unlock()

	for _, id := range due {
		if !s.dispatcher.Dispatch(id) {
			s.logger.Debug("delayed dispatch skipped: missing routing or payload",
				slog.Int("request_id", int(id)))
		}
	}
}

// Cancel removes id from the queue, if present.
func (s *Scheduler) Cancel(id mtpcore.RequestId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.index[id]; ok {
		s.removeAt(pos)
		s.rearmLocked()
	}
}

// Len reports how many entries are currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop disarms the timer permanently. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}
