package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitAccountUpdatedFiresAllListeners(t *testing.T) {
	r := New()
	var count int
	r.OnAccountUpdated(func() { count++ })
	r.OnAccountUpdated(func() { count++ })

	r.EmitAccountUpdated()

	assert.Equal(t, 2, count)
}

func TestEmitAllKeysDestroyedFiresOnlyRegistered(t *testing.T) {
	r := New()
	fired := false
	r.OnAllKeysDestroyed(func() { fired = true })

	r.EmitAllKeysDestroyed()

	assert.True(t, fired)
}
