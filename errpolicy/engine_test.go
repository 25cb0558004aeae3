package errpolicy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/dcid"
	"github.com/dcrouter/mtpcore/dcregistry"
	"github.com/dcrouter/mtpcore/keyregistry"
	"github.com/dcrouter/mtpcore/reqid"
	"github.com/dcrouter/mtpcore/reqtable"
	"github.com/dcrouter/mtpcore/scheduler"
	"github.com/dcrouter/mtpcore/sessions"
)

type fakeSession struct {
	mu      sync.Mutex
	shifted mtpcore.ShiftedDcId
	sent    [][]byte
}

func (f *fakeSession) ShiftedDc() mtpcore.ShiftedDcId { return f.shifted }
func (f *fakeSession) SendPrepared(payload []byte, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
}
func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
func (f *fakeSession) Cancel(mtpcore.RequestId, uint64)             {}
func (f *fakeSession) Restart()                                    {}
func (f *fakeSession) Stop()                                        {}
func (f *fakeSession) Kill()                                        {}
func (f *fakeSession) Ping()                                        {}
func (f *fakeSession) RequestState(mtpcore.RequestId) mtpcore.State { return mtpcore.StateConnected }
func (f *fakeSession) Transport() string                            { return "fake" }
func (f *fakeSession) RefreshOptions()                              {}
func (f *fakeSession) ReInitConnection()                            {}
func (f *fakeSession) Unpaused()                                    {}

type fakeFactory struct {
	mu       sync.Mutex
	sessions map[mtpcore.ShiftedDcId]*fakeSession
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{sessions: make(map[mtpcore.ShiftedDcId]*fakeSession)}
}

func (f *fakeFactory) New(shifted mtpcore.ShiftedDcId, _ mtpcore.BareDcId) mtpcore.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{shifted: shifted}
	f.sessions[shifted] = s
	return s
}

func (f *fakeFactory) at(shifted mtpcore.ShiftedDcId) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[shifted]
}

type fakeCodec struct{}

func (fakeCodec) BuildExportAuthorization(mtpcore.Context, mtpcore.BareDcId) []byte {
	return []byte("export-req")
}
func (fakeCodec) ParseExportedAuthorization(payload []byte) (int64, []byte, error) {
	return 42, []byte("exported-bytes"), nil
}
func (fakeCodec) BuildImportAuthorization(mtpcore.Context, int64, []byte) []byte {
	return []byte("import-req")
}

func newTestEngine() (*Engine, *reqtable.Table, *sessions.Registry, *keyregistry.Registry, *reqid.Allocator, *fakeFactory) {
	table := reqtable.New()
	dcs := dcregistry.New(nil)
	factory := newFakeFactory()
	sess := sessions.New(dcs, factory)
	keys := keyregistry.New()
	ids := reqid.New()
	eng := New(table, sess, keys, ids, fakeCodec{}, mtpcore.DefaultConfig())
	return eng, table, sess, keys, ids, factory
}

func TestFloodWaitSchedulesRetryThenResends(t *testing.T) {
	eng, table, sess, _, ids, factory := newTestEngine()

	_, err := sess.SetMain(dcid.PinMain(2))
	require.NoError(t, err)

	id := ids.Next()
	shifted := dcid.PinMain(2)
	table.Register(id, shifted)
	table.Store(id, []byte("payload"), mtpcore.Handlers{})

	sched := scheduler.New(eng)
	eng.AttachScheduler(sched)
	defer sched.Stop()

	handled := eng.Handle(nil, id, &mtpcore.RPCError{Code: -1, Type: "FLOOD_WAIT_0"})
	require.True(t, handled)

	// shifted is a main-pin routing value; the session it actually
	// resolves to (and resends through) is keyed by the concrete
	// main-shift composition.
	mainShifted := dcid.Compose(2, dcid.ShiftMain)
	require.Eventually(t, func() bool {
		return factory.at(mainShifted) != nil && factory.at(mainShifted).sentCount() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestFileMigrateRewritesRoutingAndResends(t *testing.T) {
	eng, table, sess, _, ids, factory := newTestEngine()

	id := ids.Next()
	shifted := dcid.Compose(2, dcid.ShiftMediaUpload)
	table.Register(id, shifted)
	table.Store(id, []byte("payload"), mtpcore.Handlers{})
	_, _ = sess.GetOrCreate(shifted)

	handled := eng.Handle(nil, id, &mtpcore.RPCError{Code: 303, Type: "FILE_MIGRATE_4"})
	require.True(t, handled)

	newShifted, ok := table.Routing(id)
	require.True(t, ok)
	assert.Equal(t, dcid.Compose(4, dcid.ShiftMediaUpload), newShifted)
	assert.Equal(t, 1, factory.at(newShifted).sentCount())
}

func TestGuestDCImportChain(t *testing.T) {
	eng, table, sess, keys, ids, factory := newTestEngine()

	_, err := sess.SetMain(dcid.PinMain(2))
	require.NoError(t, err)
	keys.Update(3, []byte("persistent-key-for-dc3"))

	// Allocation order inside this single-threaded test is deterministic:
	// call 1 mints waitedID, and the engine's own startExport/exportDone
	// mint the export and import ids right after it.
	waitedID := ids.Next()
	exportID := mtpcore.RequestId(2)
	importID := mtpcore.RequestId(3)

	waitedShifted := dcid.Compose(3, dcid.ShiftMain)
	table.Register(waitedID, waitedShifted)
	table.Store(waitedID, []byte("media-request"), mtpcore.Handlers{})
	_, _ = sess.GetOrCreate(waitedShifted)

	handled := eng.Handle(nil, waitedID, &mtpcore.RPCError{Code: 401, Type: "AUTH_KEY_UNREGISTERED"})
	require.True(t, handled)

	// The export request is routed via a main-pin value but actually
	// sent through the concrete main-shift session key.
	mainShifted := dcid.Compose(2, dcid.ShiftMain)
	require.Equal(t, 1, factory.at(mainShifted).sentCount())

	h, ok := table.TakeHandlers(exportID)
	require.True(t, ok)
	h.OnDone(nil, exportID, []byte("export-result"))

	// The import request itself is the first send on the guest DC's
	// session; the original waited request hasn't been resent yet.
	assert.Equal(t, 1, factory.at(waitedShifted).sentCount())

	h2, ok := table.TakeHandlers(importID)
	require.True(t, ok)
	h2.OnDone(nil, importID, []byte("import-result"))

	assert.Equal(t, 2, factory.at(waitedShifted).sentCount())

	finalShifted, ok := table.Routing(waitedID)
	require.True(t, ok)
	assert.Equal(t, waitedShifted, finalShifted)
}
