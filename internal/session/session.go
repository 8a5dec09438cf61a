// Package session implements the control-protocol front-end: TCP and
// Unix-domain accept loops, the per-connection framed request/response state
// machine, and the bidirectional relay backing Connect.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"netmuxd.dev/netmuxd/internal/device"
	"netmuxd.dev/netmuxd/internal/frame"
	"netmuxd.dev/netmuxd/internal/logging"
)

// PairingService resolves pairing records and the host BUID.
type PairingService interface {
	GetPairingRecord(udid string) ([]byte, error)
	GetBUID() (string, error)
}

// DeviceService is the subset of the device manager's API the front-end
// needs to answer client requests.
type DeviceService interface {
	ListAllDevices(ctx context.Context) (frame.Dict, error)
	NetworkAddressFor(ctx context.Context, deviceID uint64) (frame.Dict, error)
	DiscoverNetworkDevice(ctx context.Context, udid string, addr net.IP, serviceName, connectionType string, response chan frame.Dict) error
	RemoveDeviceByUDID(ctx context.Context, udid string) error
	RegisterOpenSocket(ctx context.Context, udid string, kill chan struct{}) error
}

// clientState is the per-connection state machine's current mode.
type clientState int

const (
	stateNone clientState = iota
	stateListen
)

// Server runs the accept loops for the control protocol's TCP and
// Unix-domain front doors.
type Server struct {
	TCPAddr  string // empty disables the TCP listener
	UnixPath string // empty disables the Unix-domain listener

	Devices DeviceService
	Pairing PairingService

	log *logging.Logger
	wg  sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
}

// New constructs a Server. Start must be called to begin accepting.
func New(devices DeviceService, pairing PairingService) *Server {
	return &Server{
		Devices: devices,
		Pairing: pairing,
		log:     logging.WithComponent("session"),
	}
}

// Start binds the configured listeners and begins accepting connections in
// background goroutines. It returns once both listeners (whichever are
// enabled) are bound, or on the first bind failure.
func (s *Server) Start(ctx context.Context) error {
	if s.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.TCPAddr)
		if err != nil {
			return fmt.Errorf("session: bind tcp %s: %w", s.TCPAddr, err)
		}
		s.log.Info("listening", "transport", "tcp", "addr", s.TCPAddr)
		s.addListener(ctx, ln)
	}

	if s.UnixPath != "" {
		if err := os.Remove(s.UnixPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("session: remove stale socket %s: %w", s.UnixPath, err)
		}
		ln, err := net.Listen("unix", s.UnixPath)
		if err != nil {
			return fmt.Errorf("session: bind unix %s: %w", s.UnixPath, err)
		}
		if err := os.Chmod(s.UnixPath, 0o666); err != nil {
			ln.Close()
			return fmt.Errorf("session: chmod %s: %w", s.UnixPath, err)
		}
		s.log.Info("listening", "transport", "unix", "path", s.UnixPath)
		s.addListener(ctx, ln)
	}

	return nil
}

func (s *Server) addListener(ctx context.Context, ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
}

// acceptLoop runs until ctx is canceled, at which point the listener is
// closed to unblock Accept.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !strings.Contains(err.Error(), "use of closed network connection") {
				s.log.Warn("accept failed", "err", err)
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("session task panicked, connection closed", "panic", r)
				}
			}()
			s.handle(ctx, conn)
		}()
	}
}

// Wait blocks until every accept loop and in-flight handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handle drives one client connection's state machine until it closes or
// the request dispatch decides to terminate the session.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := newFrameReader(conn)
	state := stateNone

	for {
		f, err := r.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("session read failed, closing", "err", err)
			}
			return
		}

		switch state {
		case stateListen:
			// Subscription-event delivery is not implemented; the socket
			// simply stays open until the client hangs up. Any further
			// frame is ignored rather than dispatched.
			continue
		default:
			cont := s.dispatchNone(ctx, conn, f, &state)
			if !cont {
				return
			}
		}
	}
}

// dispatchNone handles one request while in the None state. It returns
// false when the session should terminate.
func (s *Server) dispatchNone(ctx context.Context, conn net.Conn, f frame.Frame, state *clientState) bool {
	messageType, _ := f.Payload["MessageType"].(string)

	switch messageType {
	case "ListDevices":
		list, err := s.Devices.ListAllDevices(ctx)
		if err != nil {
			s.log.Debug("list devices failed", "err", err)
			return false
		}
		return s.reply(conn, f.Tag, list)

	case "Listen":
		*state = stateListen
		return true

	case "ReadPairRecord":
		id, _ := f.Payload["PairRecordID"].(string)
		data, err := s.Pairing.GetPairingRecord(id)
		if err != nil {
			s.log.Debug("pairing record lookup failed, closing session", "id", id, "err", err)
			return false
		}
		return s.reply(conn, f.Tag, frame.Dict{"PairRecordData": data})

	case "ReadBUID":
		buid, err := s.Pairing.GetBUID()
		if err != nil {
			s.log.Warn("buid lookup failed, closing session", "err", err)
			return false
		}
		return s.reply(conn, f.Tag, frame.Dict{"BUID": buid})

	case "Connect":
		return s.handleConnect(ctx, conn, f)

	case "AddDevice":
		return s.handleAddDevice(ctx, conn, f)

	case "RemoveDevice":
		udid, _ := f.Payload["DeviceID"].(string)
		if err := s.Devices.RemoveDeviceByUDID(ctx, udid); err != nil {
			s.log.Debug("remove device failed", "udid", udid, "err", err)
		}
		return false

	default:
		s.log.Info("unhandled message type, closing session", "type", messageType)
		return false
	}
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, f frame.Frame) bool {
	deviceID, ok := dictUint(f.Payload, "DeviceID")
	if !ok {
		s.log.Debug("connect missing DeviceID")
		return s.resultAndContinue(conn, f.Tag, 1)
	}
	wirePort, ok := dictUint(f.Payload, "PortNumber")
	if !ok {
		s.log.Debug("connect missing PortNumber")
		return s.resultAndContinue(conn, f.Tag, 1)
	}
	port := swapUint16(uint16(wirePort))

	lookup, err := s.Devices.NetworkAddressFor(ctx, deviceID)
	if err != nil {
		s.log.Debug("network address lookup failed", "err", err)
		return false
	}
	found, _ := lookup["found"].(bool)
	if !found {
		return s.resultAndContinue(conn, f.Tag, 1)
	}
	addrStr, _ := lookup["address"].(string)
	udid, _ := lookup["udid"].(string)

	deviceConn, err := net.Dial("tcp", net.JoinHostPort(addrStr, strconv.Itoa(int(port))))
	if err != nil {
		s.log.Debug("connect dial failed", "addr", addrStr, "port", port, "err", err)
		return s.resultAndContinue(conn, f.Tag, 1)
	}

	if !s.reply(conn, f.Tag, frame.Dict{"MessageType": "Result", "Number": int64(0)}) {
		deviceConn.Close()
		return false
	}

	kill := make(chan struct{})
	if err := s.Devices.RegisterOpenSocket(ctx, udid, kill); err != nil {
		deviceConn.Close()
		return false
	}

	relay(conn, deviceConn, kill)
	return false
}

func (s *Server) handleAddDevice(ctx context.Context, conn net.Conn, f frame.Frame) bool {
	udid, _ := f.Payload["DeviceID"].(string)
	connectionType, _ := f.Payload["ConnectionType"].(string)
	serviceName, _ := f.Payload["ServiceName"].(string)
	ipAddress, _ := f.Payload["IPAddress"].(string)

	addr := net.ParseIP(ipAddress)
	resp := make(chan frame.Dict, 1)
	if err := s.Devices.DiscoverNetworkDevice(ctx, udid, addr, serviceName, connectionType, resp); err != nil {
		s.log.Debug("add device request failed", "udid", udid, "err", err)
		return false
	}

	select {
	case d := <-resp:
		s.reply(conn, f.Tag, d)
	case <-ctx.Done():
	}
	return false
}

// resultAndContinue writes a {MessageType: Result, Number: n} reply and
// reports whether the session should keep reading: true, unless the reply
// could not be encoded or written.
func (s *Server) resultAndContinue(conn net.Conn, tag uint32, number int64) bool {
	return s.reply(conn, tag, frame.Dict{"MessageType": "Result", "Number": number})
}

func (s *Server) reply(conn net.Conn, tag uint32, payload frame.Dict) bool {
	buf, err := frame.Encode(payload, 1, frame.PlistMessageType, tag)
	if err != nil {
		s.log.Warn("encode reply failed", "err", err)
		return false
	}
	if _, err := conn.Write(buf); err != nil {
		s.log.Debug("write reply failed", "err", err)
		return false
	}
	return true
}

// relay copies bytes bidirectionally between client and device connections
// until either side closes or kill fires, whichever comes first.
func relay(client, device net.Conn, kill chan struct{}) {
	defer client.Close()
	defer device.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(device, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, device)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-kill:
	}
}

// swapUint16 reverses the byte order of a 16-bit value; PortNumber arrives
// big-endian on the wire and must be byte-swapped to host order.
func swapUint16(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// dictUint extracts an unsigned integer field from a decoded plist
// dictionary, tolerating the handful of numeric types howett.net/plist
// produces depending on the source encoding.
func dictUint(d frame.Dict, key string) (uint64, bool) {
	switch v := d[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint:
		return uint64(v), true
	default:
		return 0, false
	}
}

var _ DeviceService = (*device.Manager)(nil)
