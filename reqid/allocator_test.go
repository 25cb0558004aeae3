package reqid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcrouter/mtpcore"
)

func TestNextNeverZeroAndDistinct(t *testing.T) {
	a := New()
	seen := make(map[mtpcore.RequestId]bool)
	for i := 0; i < 1000; i++ {
		id := a.Next()
		assert.NotEqual(t, mtpcore.RequestId(0), id)
		assert.False(t, seen[id], "id %d repeated", id)
		seen[id] = true
	}
}

func TestWrapAround(t *testing.T) {
	a := New()
	a.counter.Store(wrapAt - 1)

	first := a.Next()
	assert.Equal(t, mtpcore.RequestId(wrapAt), first)

	second := a.Next()
	assert.Equal(t, mtpcore.RequestId(1), second)
}
