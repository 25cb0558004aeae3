package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
)

type recordingDispatcher struct {
	mu        sync.Mutex
	dispatched []mtpcore.RequestId
	ok         map[mtpcore.RequestId]bool
}

func (r *recordingDispatcher) Dispatch(id mtpcore.RequestId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, id)
	if r.ok == nil {
		return true
	}
	return r.ok[id]
}

func (r *recordingDispatcher) list() []mtpcore.RequestId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mtpcore.RequestId, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

func TestEnqueueFiresInOrder(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(d)
	defer s.Stop()

	now := time.Now().UnixMilli()
	s.Enqueue(1, now+5)
	s.Enqueue(2, now+1)
	s.Enqueue(3, now+3)

	require.Eventually(t, func() bool { return len(d.list()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []mtpcore.RequestId{2, 3, 1}, d.list())
	assert.Equal(t, 0, s.Len())
}

func TestEnqueueDedupKeepsEarlierEntry(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(d)
	defer s.Stop()

	now := time.Now().UnixMilli()
	s.Enqueue(1, now+1000)
	s.Enqueue(1, now+2000) // later duplicate must not replace the earlier one

	s.mu.Lock()
	assert.Len(t, s.queue, 1)
	assert.Equal(t, now+1000, s.queue[0].dueMs)
	s.mu.Unlock()
}

func TestEnqueueAfterInsertsImmediatelyAfterDependency(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(d)
	defer s.Stop()

	now := time.Now().UnixMilli() + 10_000
	s.Enqueue(1, now)
	s.Enqueue(5, now+500)

	ok := s.EnqueueAfter(1, 2)
	require.True(t, ok)

	s.mu.Lock()
	assert.Equal(t, []mtpcore.RequestId{1, 2, 5}, []mtpcore.RequestId{s.queue[0].id, s.queue[1].id, s.queue[2].id})
	assert.Equal(t, s.queue[0].dueMs, s.queue[1].dueMs)
	s.mu.Unlock()
}

func TestCancelRemovesEntry(t *testing.T) {
	d := &recordingDispatcher{}
	s := New(d)
	defer s.Stop()

	s.Enqueue(1, time.Now().UnixMilli()+10_000)
	s.Cancel(1)
	assert.Equal(t, 0, s.Len())
}
