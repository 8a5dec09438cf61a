package device

import (
	"context"
	"net"

	"netmuxd.dev/netmuxd/internal/frame"
	"netmuxd.dev/netmuxd/internal/logging"
)

// RequestKind identifies the kind of message sent to the manager.
type RequestKind int

const (
	DiscoveredNetworkDevice RequestKind = iota
	DeferredMuxerAdd
	RemoveDevice
	ListDevices
	GetDeviceNetworkAddress
	HeartbeatFailed
	OpenSocket
)

// Request is a typed message sent to the manager's channel. Response, when
// non-nil, is a one-shot channel the manager writes exactly one dictionary
// to (or never writes to, per the precondition/effect table for each kind).
type Request struct {
	Kind     RequestKind
	UDID     string
	Draft    Draft
	DeviceID uint64
	Kill     chan struct{}
	Response chan frame.Dict
}

// PairingResolver is the capability surface the manager needs from the
// pairing-record subsystem: resolving a UDID's pairing record bytes.
type PairingResolver interface {
	GetPairingRecord(udid string) ([]byte, error)
}

// HeartbeatLauncher spawns the heartbeat supervisor task for a newly
// discovered device. It is injected rather than imported directly so that
// the heartbeat package (which needs to send requests back to the manager)
// does not create an import cycle with this package.
//
// draft describes the device as discovered (no DeviceID assigned yet);
// pairingRecord is the raw bytes resolved for its UDID; response, if
// non-nil, must eventually receive exactly one dictionary — either
// {Result: 0} on handshake failure or the {Result: 1} the manager sends
// once DeferredMuxerAdd completes.
type HeartbeatLauncher func(ctx context.Context, draft Draft, pairingRecord []byte, mgr *Manager, response chan frame.Dict)

// Manager owns the device table and open-socket registry exclusively; it is
// the only goroutine that ever reads or mutates them.
type Manager struct {
	requests         chan Request
	pairing          PairingResolver
	heartbeatEnabled bool
	launchHeartbeat  HeartbeatLauncher
	log              *logging.Logger
}

// New constructs a Manager. Call Run in its own goroutine to start the
// event loop; Manager is useless until Run is running.
func New(pairing PairingResolver, heartbeatEnabled bool, launch HeartbeatLauncher) *Manager {
	return &Manager{
		requests:         make(chan Request, 64),
		pairing:          pairing,
		heartbeatEnabled: heartbeatEnabled,
		launchHeartbeat:  launch,
		log:              logging.WithComponent("device"),
	}
}

// enqueue sends req on the manager channel, respecting ctx cancellation.
func (m *Manager) enqueue(ctx context.Context, req Request) error {
	select {
	case m.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DiscoverNetworkDevice reports a device observed over mDNS (or the
// administrative AddDevice path). response, if non-nil, receives the
// discovery's outcome when the device is added or its heartbeat handshake
// fails; the caller must be prepared for the reply to arrive only after a
// heartbeat handshake completes, which can take seconds. Nothing is sent on
// response when the UDID is already tracked or has no pairing record.
func (m *Manager) DiscoverNetworkDevice(ctx context.Context, udid string, addr net.IP, serviceName, connectionType string, response chan frame.Dict) error {
	return m.enqueue(ctx, Request{
		Kind: DiscoveredNetworkDevice,
		UDID: udid,
		Draft: Draft{
			SerialNumber:   udid,
			ConnectionType: connectionType,
			NetworkAddress: addr,
			ServiceName:    serviceName,
		},
		Response: response,
	})
}

// ConfirmDevice is called by a heartbeat task once its handshake succeeds;
// it is the commit point that makes the device visible to ListDevices.
func (m *Manager) ConfirmDevice(ctx context.Context, draft Draft, response chan frame.Dict) error {
	return m.enqueue(ctx, Request{Kind: DeferredMuxerAdd, Draft: draft, Response: response})
}

// RemoveDeviceByUDID removes udid from the table. It does not signal open
// sockets; only HeartbeatFailed does, per the documented asymmetry.
func (m *Manager) RemoveDeviceByUDID(ctx context.Context, udid string) error {
	return m.enqueue(ctx, Request{Kind: RemoveDevice, UDID: udid})
}

// ListAllDevices requests a snapshot of the table, blocking for the response.
func (m *Manager) ListAllDevices(ctx context.Context) (frame.Dict, error) {
	resp := make(chan frame.Dict, 1)
	if err := m.enqueue(ctx, Request{Kind: ListDevices, Response: resp}); err != nil {
		return nil, err
	}
	select {
	case d := <-resp:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NetworkAddressFor resolves a device_id to its network address, blocking
// for the response.
func (m *Manager) NetworkAddressFor(ctx context.Context, deviceID uint64) (frame.Dict, error) {
	resp := make(chan frame.Dict, 1)
	if err := m.enqueue(ctx, Request{Kind: GetDeviceNetworkAddress, DeviceID: deviceID, Response: resp}); err != nil {
		return nil, err
	}
	select {
	case d := <-resp:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReportHeartbeatFailed evicts udid and fires every kill signal registered
// against it.
func (m *Manager) ReportHeartbeatFailed(ctx context.Context, udid string) error {
	return m.enqueue(ctx, Request{Kind: HeartbeatFailed, UDID: udid})
}

// RegisterOpenSocket registers kill as the signal to fire if udid's
// heartbeat fails while this relay is active.
func (m *Manager) RegisterOpenSocket(ctx context.Context, udid string, kill chan struct{}) error {
	return m.enqueue(ctx, Request{Kind: OpenSocket, UDID: udid, Kill: kill})
}

// Run is the manager's single-owner event loop. It must be run in exactly
// one goroutine; its death is fatal to the daemon, per the ownership model.
func (m *Manager) Run(ctx context.Context) {
	devices := make(map[string]Device)
	openSockets := make(map[string][]chan struct{})
	var lastIndex, lastInterfaceIndex uint64

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-m.requests:
			if !ok {
				m.log.Debug("all senders closed, stopping manager")
				return
			}
			m.handle(ctx, req, devices, openSockets, &lastIndex, &lastInterfaceIndex)
		}
	}
}

func (m *Manager) handle(ctx context.Context, req Request, devices map[string]Device, openSockets map[string][]chan struct{}, lastIndex, lastInterfaceIndex *uint64) {
	switch req.Kind {
	case DiscoveredNetworkDevice:
		if _, present := devices[req.UDID]; present {
			return
		}
		record, err := m.pairing.GetPairingRecord(req.UDID)
		if err != nil {
			m.log.Debug("no pairing record for discovered device, ignoring", "udid", req.UDID, "err", err)
			return
		}

		if !m.heartbeatEnabled {
			dev := draftToDevice(req.Draft, nextID(lastIndex), nextID(lastInterfaceIndex))
			devices[dev.SerialNumber] = dev
			replyResult(req.Response, 1)
			return
		}

		if m.launchHeartbeat == nil {
			m.log.Warn("heartbeat enabled but no launcher wired, ignoring discovery", "udid", req.UDID)
			return
		}
		m.launchHeartbeat(ctx, req.Draft, record, m, req.Response)

	case DeferredMuxerAdd:
		dev := draftToDevice(req.Draft, nextID(lastIndex), nextID(lastInterfaceIndex))
		m.log.Info("adding device", "udid", dev.SerialNumber, "device_id", dev.DeviceID)
		devices[dev.SerialNumber] = dev
		replyResult(req.Response, 1)

	case RemoveDevice:
		delete(devices, req.UDID)

	case ListDevices:
		list := make([]any, 0, len(devices))
		for _, dev := range devices {
			list = append(list, frame.Dict{
				"DeviceID":    dev.DeviceID,
				"MessageType": "Attached",
				"Properties":  dev.ToDict(),
			})
		}
		if req.Response != nil {
			req.Response <- frame.Dict{"DeviceList": list}
		}

	case GetDeviceNetworkAddress:
		if req.Response == nil {
			return
		}
		for _, dev := range devices {
			if dev.DeviceID == req.DeviceID && dev.NetworkAddress != nil {
				req.Response <- frame.Dict{
					"found":   true,
					"address": dev.NetworkAddress.String(),
					"udid":    dev.SerialNumber,
				}
				return
			}
		}
		req.Response <- frame.Dict{"found": false}

	case HeartbeatFailed:
		delete(devices, req.UDID)
		for _, kill := range openSockets[req.UDID] {
			close(kill)
		}
		delete(openSockets, req.UDID)

	case OpenSocket:
		openSockets[req.UDID] = append(openSockets[req.UDID], req.Kill)
	}
}

func nextID(counter *uint64) uint64 {
	*counter++
	return *counter
}

func draftToDevice(d Draft, id, ifaceIdx uint64) Device {
	return Device{
		SerialNumber:   d.SerialNumber,
		DeviceID:       id,
		InterfaceIndex: ifaceIdx,
		ConnectionType: d.ConnectionType,
		NetworkAddress: d.NetworkAddress,
		ServiceName:    d.ServiceName,
	}
}

func replyResult(response chan frame.Dict, result int64) {
	if response == nil {
		return
	}
	response <- frame.Dict{"Result": result}
}
