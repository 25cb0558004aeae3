package dcregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := New(nil)
	shifted := dcid.Compose(2, dcid.ShiftMain)

	b1, created1 := r.GetOrCreate(shifted)
	require.True(t, created1)
	assert.Equal(t, mtpcore.BareDcId(2), b1.Bare)

	b2, created2 := r.GetOrCreate(shifted)
	assert.False(t, created2)
	assert.Same(t, b1, b2)
}

func TestRemoveMovesToPendingAndDrain(t *testing.T) {
	r := New(nil)
	shifted := dcid.Compose(3, dcid.ShiftMain)
	r.GetOrCreate(shifted)

	_, ok := r.Remove(shifted)
	require.True(t, ok)
	assert.Equal(t, 0, r.Len())

	drained := r.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, mtpcore.BareDcId(3), drained[0].Bare)

	assert.Empty(t, r.Drain())
}

func TestLenReflectsAllKeysDestroyedCondition(t *testing.T) {
	r := New(nil)
	r.GetOrCreate(dcid.Compose(2, dcid.ShiftDestroyKey))
	r.GetOrCreate(dcid.Compose(3, dcid.ShiftDestroyKey))
	assert.Equal(t, 2, r.Len())

	r.Remove(dcid.Compose(2, dcid.ShiftDestroyKey))
	r.Remove(dcid.Compose(3, dcid.ShiftDestroyKey))
	assert.Equal(t, 0, r.Len())
}
