package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/dcregistry"
)

type fakeSession struct {
	shifted   mtpcore.ShiftedDcId
	restarted int
	stopped   bool
	killed    bool
}

func (f *fakeSession) ShiftedDc() mtpcore.ShiftedDcId                { return f.shifted }
func (f *fakeSession) SendPrepared(_ []byte, _ time.Duration)        {}
func (f *fakeSession) Cancel(_ mtpcore.RequestId, _ uint64)          {}
func (f *fakeSession) Restart()                                     { f.restarted++ }
func (f *fakeSession) Stop()                                        { f.stopped = true }
func (f *fakeSession) Kill()                                        { f.killed = true }
func (f *fakeSession) Ping()                                        {}
func (f *fakeSession) RequestState(_ mtpcore.RequestId) mtpcore.State { return mtpcore.StateConnected }
func (f *fakeSession) Transport() string                            { return "fake" }
func (f *fakeSession) RefreshOptions()                              {}
func (f *fakeSession) ReInitConnection()                            {}
func (f *fakeSession) Unpaused()                                    {}

type fakeFactory struct {
	created []mtpcore.ShiftedDcId
}

func (f *fakeFactory) New(shifted mtpcore.ShiftedDcId, _ mtpcore.BareDcId) mtpcore.Session {
	f.created = append(f.created, shifted)
	return &fakeSession{shifted: shifted}
}

func TestSetMainAndNormalizePureShift(t *testing.T) {
	dcs := dcregistry.New(nil)
	factory := &fakeFactory{}
	r := New(dcs, factory)

	main := dcid.PinMain(2)
	_, err := r.SetMain(main)
	require.NoError(t, err)

	// A pure shift (bare==0) should resolve against the main DC's bare id.
	s, err := r.GetOrCreate(dcid.Compose(0, dcid.ShiftMediaUpload))
	require.NoError(t, err)
	assert.Equal(t, dcid.Compose(2, dcid.ShiftMediaUpload), s.ShiftedDc())
}

func TestKillMainStartsNone(t *testing.T) {
	dcs := dcregistry.New(nil)
	factory := &fakeFactory{}
	r := New(dcs, factory)

	sess, err := r.SetMain(dcid.PinMain(2))
	require.NoError(t, err)
	r.KillSession(sess.ShiftedDc())

	_, ok := r.Main()
	assert.False(t, ok)

	drained := r.Drain()
	require.Len(t, drained, 1)
}

func TestStopSessionRejectsMain(t *testing.T) {
	dcs := dcregistry.New(nil)
	factory := &fakeFactory{}
	r := New(dcs, factory)
	sess, err := r.SetMain(dcid.PinMain(2))
	require.NoError(t, err)

	stopErr := r.StopSession(sess.ShiftedDc())
	assert.ErrorIs(t, stopErr, mtpcore.ErrMainSessionPin)
}
