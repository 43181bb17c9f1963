package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"thing=t1", "model=devkit", "flag", "=orphan"})
	assert.Equal(t, TXTRecordMap{"thing": "t1", "model": "devkit", "flag": ""}, txt)

	back := StringsToTXTRecords(TXTRecordsToStrings(TXTRecordMap{"thing": "t2"}))
	assert.Equal(t, "t2", back[TXTKeyThing])
}

func TestThingFromEntry(t *testing.T) {
	assert.Equal(t, "", thingFromEntry(nil))

	e := &zeroconf.ServiceEntry{}
	e.Instance = "fallback"
	assert.Equal(t, "fallback", thingFromEntry(e))

	e.Text = []string{"thing=esp32"}
	assert.Equal(t, "esp32", thingFromEntry(e))
}

func fakeBrowse(found ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, _, _ string, entries, _ chan<- *zeroconf.ServiceEntry, _ ...zeroconf.ClientOption) error {
		for _, e := range found {
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func entry(instance string, txt ...string) *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{Text: txt}
	e.Instance = instance
	return e
}

func TestMDNSListPairedDevices(t *testing.T) {
	m := NewMDNS(MDNSConfig{Window: 50 * time.Millisecond})
	m.browse = fakeBrowse(
		entry("b", "thing=thermo-b"),
		entry("a", "thing=thermo-a"),
		entry("dup", "thing=thermo-a"),
		entry("bare"),
	)

	got, err := m.ListPairedDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bare", "thermo-a", "thermo-b"}, got)
}

func TestMDNSBrowseError(t *testing.T) {
	m := NewMDNS(MDNSConfig{Window: 50 * time.Millisecond})
	boom := errors.New("no multicast")
	m.browse = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry, chan<- *zeroconf.ServiceEntry, ...zeroconf.ClientOption) error {
		return boom
	}

	_, err := m.ListPairedDevices(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMDNSUnknownInterfaceFallsBack(t *testing.T) {
	m := NewMDNS(MDNSConfig{Interface: "does-not-exist0"})
	assert.Nil(t, m.browserOptions())
}

func TestAdvertiserRejectsBadName(t *testing.T) {
	a, err := NewAdvertiser("")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Advertise("", 8080, ""), ErrInstanceName)
	long := make([]byte, MaxInstanceNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	assert.ErrorIs(t, a.Advertise(string(long), 8080, ""), ErrInstanceName)
}

func TestAdvertiserRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires multicast networking")
	}

	a, err := NewAdvertiser("")
	require.NoError(t, err)
	defer a.StopAll()

	require.NoError(t, a.Advertise("roundtrip-thermo", 18443, "devkit"))

	m := NewMDNS(MDNSConfig{Window: 3 * time.Second})
	got, err := m.ListPairedDevices(context.Background())
	require.NoError(t, err)
	assert.Contains(t, got, "roundtrip-thermo")

	a.Stop("roundtrip-thermo")
}
