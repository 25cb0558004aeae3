package reqtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
)

func TestStoreGetUnregister(t *testing.T) {
	tb := New()
	id := mtpcore.RequestId(7)
	tb.Register(id, dcid.PinMain(2))
	tb.Store(id, []byte("payload"), mtpcore.Handlers{})

	entry, ok := tb.Get(id)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), entry.Payload)

	routing, ok := tb.Routing(id)
	require.True(t, ok)
	assert.True(t, dcid.IsPinnedMain(routing))

	tb.Unregister(id)
	_, ok = tb.Get(id)
	assert.False(t, ok)
	_, ok = tb.Routing(id)
	assert.False(t, ok)
}

func TestChangeRoutingPreservesSign(t *testing.T) {
	tb := New()
	id := mtpcore.RequestId(11)
	tb.Register(id, dcid.PinMain(2))

	next, ok := tb.ChangeRouting(id, 4)
	require.True(t, ok)
	assert.Equal(t, dcid.PinMain(4), next)
}

func TestClearHandlersSynthesizesCallbackOnNonZeroCode(t *testing.T) {
	tb := New()
	id := mtpcore.RequestId(1)
	var gotErr *mtpcore.RPCError
	tb.Store(id, []byte{0, 0, 0, 0}, mtpcore.Handlers{
		OnFail: func(_ mtpcore.Context, _ mtpcore.RequestId, err *mtpcore.RPCError) bool {
			gotErr = err
			return true
		},
	})

	tb.ClearHandlers(nil, id, 1)
	require.NotNil(t, gotErr)
	assert.Equal(t, "CLEAR_CALLBACK", gotErr.Type)

	_, ok := tb.TakeHandlers(id)
	assert.False(t, ok)
}

func TestClearHandlersSilentOnZeroCode(t *testing.T) {
	tb := New()
	id := mtpcore.RequestId(2)
	called := false
	tb.Store(id, nil, mtpcore.Handlers{
		OnFail: func(_ mtpcore.Context, _ mtpcore.RequestId, _ *mtpcore.RPCError) bool {
			called = true
			return true
		},
	})
	tb.ClearHandlers(nil, id, 0)
	assert.False(t, called)
}

func TestRetryDelayRoundTrip(t *testing.T) {
	tb := New()
	id := mtpcore.RequestId(3)
	_, ok := tb.RetryDelay(id)
	assert.False(t, ok)

	tb.SetRetryDelay(id, 1)
	d, ok := tb.RetryDelay(id)
	require.True(t, ok)
	assert.EqualValues(t, 1, d)

	tb.ClearRetryDelay(id)
	_, ok = tb.RetryDelay(id)
	assert.False(t, ok)
}
