package keyregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
)

type fakeSink struct {
	snapshots []map[mtpcore.BareDcId][]byte
}

func (f *fakeSink) WriteKeys(_ mtpcore.Context, snap map[mtpcore.BareDcId][]byte) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func TestOnPersistentChangedAlwaysBroadcastsFirst(t *testing.T) {
	r := New()
	var fired []mtpcore.BareDcId
	r.Subscribe(func(bare mtpcore.BareDcId) { fired = append(fired, bare) })

	r.OnPersistentChanged(nil, 2, []byte("key-a"))
	assert.Equal(t, []mtpcore.BareDcId{2}, fired)

	// Same key again: broadcast still fires even though nothing changed.
	r.OnPersistentChanged(nil, 2, []byte("key-a"))
	assert.Equal(t, []mtpcore.BareDcId{2, 2}, fired)
}

func TestOnPersistentChangedPersistsOnlyWhenChanged(t *testing.T) {
	sink := &fakeSink{}
	r := New(WithKeyStoreSink(sink))

	r.OnPersistentChanged(nil, 2, []byte("key-a"))
	require.Len(t, sink.snapshots, 1)

	r.OnPersistentChanged(nil, 2, []byte("key-a"))
	assert.Len(t, sink.snapshots, 1, "unchanged key must not re-persist")

	r.OnPersistentChanged(nil, 2, []byte("key-b"))
	assert.Len(t, sink.snapshots, 2)
}

func TestDestroyerKeysCoexistPerShiftedDC(t *testing.T) {
	r := New()
	r.SetDestroyerKey(100, []byte("k1"))
	r.SetDestroyerKey(101, []byte("k2"))
	assert.Equal(t, 2, r.DestroyerKeyCount())

	k, ok := r.GetDestroyerKey(100)
	require.True(t, ok)
	assert.Equal(t, []byte("k1"), k)

	r.RemoveDestroyerKey(100)
	assert.Equal(t, 1, r.DestroyerKeyCount())
}
