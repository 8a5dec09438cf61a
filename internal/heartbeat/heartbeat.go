// Package heartbeat implements the per-device heartbeat supervisor: the
// task that establishes a TLS-wrapped lockdown session, probes liveness
// with marco/polo, and reports failures back to the device manager.
package heartbeat

import (
	"context"
	"net"
	"time"

	"netmuxd.dev/netmuxd/internal/device"
	"netmuxd.dev/netmuxd/internal/frame"
	"netmuxd.dev/netmuxd/internal/lockdown"
	"netmuxd.dev/netmuxd/internal/logging"
)

const (
	heartbeatServiceName = "com.apple.mobile.heartbeat"

	// initialInterval is the probe interval used until the device
	// advertises its own via a marco response.
	initialInterval = 10 * time.Second
)

// Conn is the capability surface the supervisor needs from a lockdown
// connection: start a named service, or run the marco/polo exchange.
// *lockdown.Conn satisfies this; tests substitute a fake.
type Conn interface {
	StartService(ctx context.Context, serviceName string) (uint16, error)
	Marco(ctx context.Context, timeout time.Duration) (intervalSeconds uint, err error)
	Polo(ctx context.Context) error
	Close() error
}

// Session is the capability surface the supervisor needs to open
// connections to one device. *lockdown.Session satisfies this through
// sessionAdapter.
type Session interface {
	OpenLockdown(ctx context.Context, lockdownPort uint16) (Conn, error)
	DialService(ctx context.Context, port uint16) (Conn, error)
}

// sessionAdapter adapts *lockdown.Session (whose methods return the
// concrete *lockdown.Conn) to the Session interface above.
type sessionAdapter struct{ s *lockdown.Session }

func (a sessionAdapter) OpenLockdown(ctx context.Context, port uint16) (Conn, error) {
	return a.s.OpenLockdown(ctx, port)
}

func (a sessionAdapter) DialService(ctx context.Context, port uint16) (Conn, error) {
	return a.s.DialService(ctx, port)
}

// Supervisor launches heartbeat tasks. LockdownPort and NewSession are
// overridable for tests.
type Supervisor struct {
	LockdownPort uint16
	NewSession   func(addr net.IP, pairingRecord []byte) (Session, error)
	log          *logging.Logger
}

// New constructs a Supervisor wired to the real lockdown package.
func New(lockdownPort uint16) *Supervisor {
	return &Supervisor{
		LockdownPort: lockdownPort,
		NewSession: func(addr net.IP, pairingRecord []byte) (Session, error) {
			s, err := lockdown.NewSession(addr, pairingRecord)
			if err != nil {
				return nil, err
			}
			return sessionAdapter{s}, nil
		},
		log: logging.WithComponent("heartbeat"),
	}
}

// Launch implements device.HeartbeatLauncher: it runs the handshake and
// probe loop below in its own goroutine and reports the outcome.
//
// Steps, per the supervisor contract: (1) open TCP+TLS lockdown session,
// (2) request the heartbeat service, (3) dial its dynamic port wrapped in a
// fresh TLS session, (4) confirm the device with the manager — the commit
// point that makes it visible to clients — then (5) loop marco/polo until
// either side fails, reporting HeartbeatFailed on any error.
func (s *Supervisor) Launch(ctx context.Context, draft device.Draft, pairingRecord []byte, mgr *device.Manager, response chan frame.Dict) {
	go s.run(ctx, draft, pairingRecord, mgr, response)
}

func (s *Supervisor) run(ctx context.Context, draft device.Draft, pairingRecord []byte, mgr *device.Manager, response chan frame.Dict) {
	base := s.log
	if base == nil {
		base = logging.WithComponent("heartbeat")
	}
	defer func() {
		if r := recover(); r != nil {
			base.Error("heartbeat task panicked", "udid", draft.SerialNumber, "panic", r)
		}
	}()
	log := base.WithFields(map[string]any{"udid": draft.SerialNumber})

	session, err := s.NewSession(draft.NetworkAddress, pairingRecord)
	if err != nil {
		log.Warn("failed to build lockdown session", "err", err)
		failOriginator(response)
		return
	}

	lockdownConn, err := session.OpenLockdown(ctx, s.LockdownPort)
	if err != nil {
		log.Debug("failed to open lockdown connection", "err", err)
		failOriginator(response)
		return
	}

	servicePort, err := lockdownConn.StartService(ctx, heartbeatServiceName)
	lockdownConn.Close()
	if err != nil {
		log.Debug("failed to start heartbeat service", "err", err)
		failOriginator(response)
		return
	}

	heartbeatConn, err := session.DialService(ctx, servicePort)
	if err != nil {
		log.Debug("failed to dial heartbeat service", "err", err)
		failOriginator(response)
		return
	}
	defer heartbeatConn.Close()

	if err := mgr.ConfirmDevice(ctx, draft, response); err != nil {
		log.Debug("manager unavailable while confirming device", "err", err)
		return
	}

	s.probeLoop(ctx, heartbeatConn, draft.SerialNumber, mgr, log)
}

// probeLoop runs marco/polo until failure, then reports HeartbeatFailed.
func (s *Supervisor) probeLoop(ctx context.Context, conn Conn, udid string, mgr *device.Manager, log *logging.Logger) {
	interval := initialInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		newInterval, err := conn.Marco(ctx, interval+5*time.Second)
		if err != nil {
			log.Info("marco failed, evicting device", "err", err)
			_ = mgr.ReportHeartbeatFailed(ctx, udid)
			return
		}
		if newInterval > 0 {
			interval = time.Duration(newInterval) * time.Second
		}

		if err := conn.Polo(ctx); err != nil {
			log.Info("polo failed, evicting device", "err", err)
			_ = mgr.ReportHeartbeatFailed(ctx, udid)
			return
		}
	}
}

func failOriginator(response chan frame.Dict) {
	if response == nil {
		return
	}
	response <- frame.Dict{"Result": int64(0)}
}
