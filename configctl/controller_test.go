package configctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/hooks"
)

type fakeLoader struct {
	result mtpcore.ConfigResult
	err    error
	calls  int
}

func (f *fakeLoader) Load(mtpcore.Context) (mtpcore.ConfigResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeBook struct {
	dcs []mtpcore.DCInfo
}

func (f *fakeBook) SetFromList(list []mtpcore.DCInfo) { f.dcs = list }
func (f *fakeBook) SetCDNConfig([]byte)                {}
func (f *fakeBook) DcType(mtpcore.BareDcId) mtpcore.DcType { return mtpcore.DcRegular }

type fakeSettings struct {
	applied map[string]int64
}

func (f *fakeSettings) ApplySetting(name string, value int64) {
	if f.applied == nil {
		f.applied = make(map[string]int64)
	}
	f.applied[name] = value
}

type fakePersistence struct{ writes int }

func (f *fakePersistence) WriteSettings(mtpcore.Context) error {
	f.writes++
	return nil
}
func (f *fakePersistence) WriteAutoupdatePrefix(string) error { return nil }

func TestRequestConfigAppliesResultAndSchedulesExpiry(t *testing.T) {
	fixedNow := time.Now()
	loader := &fakeLoader{result: mtpcore.ConfigResult{
		DCs:            []mtpcore.DCInfo{{Bare: 2, Host: "1.2.3.4", Port: 443}},
		ScalarSettings: map[string]int64{"chat_size_max": 200},
		ServerUnixSec:  fixedNow.Unix(),
		ExpiresUnixSec: fixedNow.Unix() + 5,
	}}
	book := &fakeBook{}
	settings := &fakeSettings{}
	persistence := &fakePersistence{}
	signals := hooks.New()
	var accountUpdated int
	signals.OnAccountUpdated(func() { accountUpdated++ })

	c := New(loader, nil, book, settings, persistence, func() bool { return true }, signals, mtpcore.DefaultConfig(),
		WithClock(func() time.Time { return fixedNow }))

	c.RequestConfig(nil)

	require.Eventually(t, func() bool { return loader.calls == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return persistence.writes == 1 }, time.Second, 5*time.Millisecond)

	assert.Len(t, book.dcs, 1)
	assert.Equal(t, int64(200), settings.applied["chat_size_max"])
	assert.Equal(t, 1, accountUpdated)
	assert.WithinDuration(t, fixedNow.Add(5*time.Second), c.ConfigExpiresAt(), time.Millisecond)
}

func TestRequestConfigNoopWhileLoading(t *testing.T) {
	loader := &fakeLoader{result: mtpcore.ConfigResult{ServerUnixSec: 1, ExpiresUnixSec: 2}}
	book := &fakeBook{}
	settings := &fakeSettings{}
	c := New(loader, nil, book, settings, nil, func() bool { return false }, nil, mtpcore.DefaultConfig())

	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	c.RequestConfig(nil)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, loader.calls)
}

func TestRequestConfigNoopInDestroyerMode(t *testing.T) {
	loader := &fakeLoader{}
	book := &fakeBook{}
	settings := &fakeSettings{}
	c := New(loader, nil, book, settings, nil, func() bool { return false }, nil, mtpcore.DefaultConfig(), WithDestroyerMode())

	c.RequestConfig(nil)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, loader.calls)
}

func TestRequestCDNConfigSkippedWithoutMainSession(t *testing.T) {
	loader := &fakeLoader{}
	book := &fakeBook{}
	settings := &fakeSettings{}
	c := New(loader, nil, book, settings, nil, func() bool { return false }, nil, mtpcore.DefaultConfig())

	c.RequestCDNConfig(nil)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, c.cdnLoading)
}
