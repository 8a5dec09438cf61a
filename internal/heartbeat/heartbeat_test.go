package heartbeat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"netmuxd.dev/netmuxd/internal/device"
	"netmuxd.dev/netmuxd/internal/frame"
)

type fakeConn struct {
	mu          sync.Mutex
	marcoErr    error
	poloErr     error
	marcoCalls  int
	failAfter   int
	closed      bool
}

func (f *fakeConn) StartService(ctx context.Context, name string) (uint16, error) { return 4567, nil }

func (f *fakeConn) Marco(ctx context.Context, timeout time.Duration) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marcoCalls++
	if f.failAfter > 0 && f.marcoCalls > f.failAfter {
		return 0, errors.New("marco timed out")
	}
	return 10, f.marcoErr
}

func (f *fakeConn) Polo(ctx context.Context) error { return f.poloErr }
func (f *fakeConn) Close() error                   { f.closed = true; return nil }

type fakeSession struct {
	conn *fakeConn
}

func (s *fakeSession) OpenLockdown(ctx context.Context, port uint16) (Conn, error) {
	return s.conn, nil
}

func (s *fakeSession) DialService(ctx context.Context, port uint16) (Conn, error) {
	return s.conn, nil
}

// fakePairing lets these tests drive a real device.Manager without a real
// pairing resolver, since heartbeat tests only care about the supervisor's
// own handshake/probe logic.
type fakePairing struct{}

func (fakePairing) GetPairingRecord(udid string) ([]byte, error) { return []byte{}, nil }

func newTestManager(t *testing.T, launch device.HeartbeatLauncher) (*device.Manager, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr := device.New(fakePairing{}, true, launch)
	go mgr.Run(ctx)
	return mgr, ctx
}

func TestSuccessfulHandshakeConfirmsDevice(t *testing.T) {
	conn := &fakeConn{}
	sup := &Supervisor{
		LockdownPort: 62078,
		NewSession:   func(net.IP, []byte) (Session, error) { return &fakeSession{conn: conn}, nil },
	}

	mgr, ctx := newTestManager(t, sup.Launch)

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))

	select {
	case d := <-resp:
		require.Equal(t, int64(1), d["Result"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for confirmation")
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list["DeviceList"].([]any), 1)
}

func TestHandshakeFailureReportsResultZero(t *testing.T) {
	sup := &Supervisor{
		LockdownPort: 62078,
		NewSession:   func(net.IP, []byte) (Session, error) { return nil, errors.New("no cert material") },
	}

	mgr, ctx := newTestManager(t, sup.Launch)

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))

	select {
	case d := <-resp:
		require.Equal(t, int64(0), d["Result"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure response")
	}

	list, err := mgr.ListAllDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, list["DeviceList"].([]any))
}

func TestMarcoFailureEvictsDevice(t *testing.T) {
	conn := &fakeConn{failAfter: 1}
	sup := &Supervisor{
		LockdownPort: 62078,
		NewSession:   func(net.IP, []byte) (Session, error) { return &fakeSession{conn: conn}, nil },
	}

	mgr, ctx := newTestManager(t, sup.Launch)

	resp := make(chan frame.Dict, 1)
	require.NoError(t, mgr.DiscoverNetworkDevice(ctx, "AAAA", net.ParseIP("10.0.0.1"), "svc", "Network", resp))
	<-resp

	require.Eventually(t, func() bool {
		list, err := mgr.ListAllDevices(ctx)
		require.NoError(t, err)
		return len(list["DeviceList"].([]any)) == 0
	}, 3*time.Second, 10*time.Millisecond)
}
