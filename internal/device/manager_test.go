package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netmuxd.dev/netmuxd/internal/frame"
)

type fakePairing struct {
	records map[string][]byte
}

func (f *fakePairing) GetPairingRecord(udid string) ([]byte, error) {
	rec, ok := f.records[udid]
	if !ok {
		return nil, errNotFound
	}
	return rec, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func startManager(t *testing.T, heartbeatEnabled bool, launch HeartbeatLauncher, records map[string][]byte) (*Manager, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	mgr := New(&fakePairing{records: records}, heartbeatEnabled, launch)
	go mgr.Run(ctx)
	t.Cleanup(cancel)
	return mgr, ctx, cancel
}

func TestDiscoverNetworkDeviceImmediateAddWhenHeartbeatDisabled(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"AAAA": []byte("pairing")})

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("192.168.1.10"), "svc", "Network", resp))

	select {
	case d := <-resp:
		require.Equal(t, int64(1), d["Result"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	devices := list["DeviceList"].([]any)
	require.Len(t, devices, 1)
}

func TestDiscoverUnknownUDIDIgnored(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, nil)

	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "ZZZZ", net.ParseIP("10.0.0.1"), "svc", "Network", nil))

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, list["DeviceList"].([]any))
}

func TestDeviceIDMonotonicity(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"A": {}, "B": {}, "C": {}})

	for _, udid := range []string{"A", "B", "C"} {
		resp := make(chan frame.Dict, 1)
		require.NoError(t, mgr.DiscoverNetworkDevice(ctx, udid, net.ParseIP("10.0.0.1"), "svc", "Network", resp))
		<-resp
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	var ids []uint64
	for _, entry := range list["DeviceList"].([]any) {
		ids = append(ids, entry.(frame.Dict)["DeviceID"].(uint64))
	}
	require.Len(t, ids, 3)
	require.ElementsMatch(t, []uint64{1, 2, 3}, ids)
}

func TestAtMostOneAddPerDiscovery(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"AAAA": {}})

	for i := 0; i < 3; i++ {
		resp := make(chan frame.Dict, 1)
		require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))
		select {
		case <-resp:
		case <-time.After(100 * time.Millisecond):
		}
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list["DeviceList"].([]any), 1)
}

func TestHeartbeatFailedEvictsAndFiresKillSignals(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"AAAA": {}})

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))
	<-resp

	kill1 := make(chan struct{})
	kill2 := make(chan struct{})
	require.NoError(t, mgr.RegisterOpenSocket(ctx, "AAAA", kill1))
	require.NoError(t, mgr.RegisterOpenSocket(ctx, "AAAA", kill2))

	require.NoError(t, mgr.ReportHeartbeatFailed(ctx, "AAAA"))

	select {
	case <-kill1:
	case <-time.After(time.Second):
		t.Fatal("kill1 never fired")
	}
	select {
	case <-kill2:
	case <-time.After(time.Second):
		t.Fatal("kill2 never fired")
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, list["DeviceList"].([]any))
}

func TestRemoveDeviceDoesNotFireKillSignals(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"AAAA": {}})

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))
	<-resp

	kill := make(chan struct{})
	require.NoError(t, mgr.RegisterOpenSocket(ctx, "AAAA", kill))
	require.NoError(t, mgr.RemoveDeviceByUDID(ctx, "AAAA"))

	select {
	case <-kill:
		t.Fatal("RemoveDevice must not fire kill signals")
	case <-time.After(100 * time.Millisecond):
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, list["DeviceList"].([]any))
}

func TestGetDeviceNetworkAddressFoundAndNotFound(t *testing.T) {
	mgr, ctx, _ := startManager(t, false, nil, map[string][]byte{"AAAA": {}})

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("192.168.1.10"), "svc", "Network", resp))
	<-resp

	found, err := mgr.NetworkAddressFor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, true, found["found"])
	require.Equal(t, "AAAA", found["udid"])

	notFound, err := mgr.NetworkAddressFor(ctx, 999)
	require.NoError(t, err)
	require.Equal(t, false, notFound["found"])
}

func TestDeferredMuxerAddHeartbeatPath(t *testing.T) {
	var launched Draft
	launch := func(ctx context.Context, draft Draft, record []byte, mgr *Manager, response chan frame.Dict) {
		launched = draft
		require.NoError(t, mgr.ConfirmDevice(ctx, draft, response))
	}
	mgr, ctx, _ := startManager(t, true, launch, map[string][]byte{"AAAA": []byte("rec")})

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("192.168.1.10"), "svc", "Network", resp))

	select {
	case d := <-resp:
		require.Equal(t, int64(1), d["Result"])
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, "AAAA", launched.SerialNumber)

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list["DeviceList"].([]any), 1)
}
