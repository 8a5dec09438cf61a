// Package lockdown is a minimal stand-in for the device-side TLS + lockdown
// + heartbeat RPC client library, which the specification treats as an
// external collaborator consumed through a narrow capability surface: open
// a session, start a service by name, and exchange marco/polo. It does not
// implement the full lockdown/plist-RPC protocol beyond what the heartbeat
// supervisor needs.
package lockdown

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"howett.net/plist"
)

// pairingMaterial is the subset of a pairing record's fields this stand-in
// needs to establish a TLS session: a host certificate/key pair and the
// device's root certificate, the same three PEM blocks real lockdown
// pairing records carry.
type pairingMaterial struct {
	HostCertificate []byte `plist:"HostCertificate"`
	HostPrivateKey  []byte `plist:"HostPrivateKey"`
	RootCertificate []byte `plist:"RootCertificate"`
}

// Session holds the parsed pairing material needed to open TLS connections
// to one device.
type Session struct {
	addr net.IP
	cert tls.Certificate
	pool *x509.CertPool
}

// NewSession parses pairingRecord (an XML or binary plist) into usable TLS
// material for addr.
func NewSession(addr net.IP, pairingRecord []byte) (*Session, error) {
	var mat pairingMaterial
	if _, err := plist.Unmarshal(pairingRecord, &mat); err != nil {
		return nil, fmt.Errorf("lockdown: parse pairing record: %w", err)
	}

	cert, err := tls.X509KeyPair(mat.HostCertificate, mat.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("lockdown: build host keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if len(mat.RootCertificate) > 0 {
		pool.AppendCertsFromPEM(mat.RootCertificate)
	}

	return &Session{addr: addr, cert: cert, pool: pool}, nil
}

// Conn is a TLS-wrapped connection to a device-side service, either
// lockdownd itself or a service lockdownd handed out a dynamic port for.
type Conn struct {
	tc *tls.Conn
}

// dial opens a TCP connection to (s.addr, port) and wraps it in a TLS
// session parameterized by the pairing material. The device's certificate
// is not from a public CA, so verification trusts only the pairing
// record's RootCertificate, falling back to accepting the device's
// certificate unchecked when no root was supplied (the pairing record schema
// does not guarantee one). Host names are not checked.
func (s *Session) dial(ctx context.Context, port uint16) (*Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.addr.String(), fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates:       []tls.Certificate{s.cert},
		InsecureSkipVerify: true, // the chain is checked against the root below
	}
	if len(s.pool.Subjects()) > 0 { //nolint:staticcheck
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("lockdown: parse device certificate: %w", err)
			}
			_, err = leaf.Verify(x509.VerifyOptions{Roots: s.pool})
			return err
		}
	}

	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("lockdown: tls handshake: %w", err)
	}
	return &Conn{tc: tc}, nil
}

// OpenLockdown starts a lockdown session with the device on the well-known
// lockdown port.
func (s *Session) OpenLockdown(ctx context.Context, lockdownPort uint16) (*Conn, error) {
	return s.dial(ctx, lockdownPort)
}

// StartService asks lockdownd to start serviceName and returns the dynamic
// port it is listening on.
func (c *Conn) StartService(ctx context.Context, serviceName string) (uint16, error) {
	req := map[string]any{"Request": "StartService", "Service": serviceName}
	if err := c.writeFrame(req); err != nil {
		return 0, err
	}

	resp, err := c.readFrame(ctx)
	if err != nil {
		return 0, err
	}

	if errStr, ok := resp["Error"].(string); ok {
		return 0, fmt.Errorf("lockdown: StartService %s: %s", serviceName, errStr)
	}
	port, ok := resp["Port"].(uint64)
	if !ok {
		if p, ok := resp["Port"].(int64); ok {
			port = uint64(p)
		} else {
			return 0, fmt.Errorf("lockdown: StartService %s: no Port in response", serviceName)
		}
	}
	return uint16(port), nil
}

// DialService opens a new TLS-wrapped TCP connection to a port that
// lockdownd handed out via StartService.
func (s *Session) DialService(ctx context.Context, port uint16) (*Conn, error) {
	return s.dial(ctx, port)
}

// Marco blocks until the device sends its liveness ping, returning the
// interval (seconds) it advertises for the next probe.
func (c *Conn) Marco(ctx context.Context, timeout time.Duration) (intervalSeconds uint, err error) {
	deadline := time.Now().Add(timeout)
	if err := c.tc.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	msg, err := c.readFrame(ctx)
	if err != nil {
		return 0, fmt.Errorf("lockdown: marco: %w", err)
	}
	if msg["Command"] != "Marco" {
		return 0, fmt.Errorf("lockdown: marco: unexpected command %v", msg["Command"])
	}
	if iv, ok := msg["Interval"].(uint64); ok {
		return uint(iv), nil
	}
	if iv, ok := msg["Interval"].(int64); ok {
		return uint(iv), nil
	}
	return 0, nil
}

// Polo replies to the device's marco.
func (c *Conn) Polo(ctx context.Context) error {
	return c.writeFrame(map[string]any{"Command": "Polo"})
}

// Close closes the underlying TLS connection.
func (c *Conn) Close() error {
	return c.tc.Close()
}

// writeFrame and readFrame implement lockdownd's own 4-byte big-endian
// length-prefixed plist framing, distinct from the muxer's 16-byte LE
// frame header used on the client-facing side of the daemon.
func (c *Conn) writeFrame(v map[string]any) error {
	var body bytes.Buffer
	if err := plist.NewEncoder(&body).Encode(v); err != nil {
		return fmt.Errorf("lockdown: encode frame: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(body.Len()))
	if _, err := c.tc.Write(header); err != nil {
		return err
	}
	_, err := c.tc.Write(body.Bytes())
	return err
}

func (c *Conn) readFrame(ctx context.Context) (map[string]any, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.tc, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.tc, payload); err != nil {
		return nil, err
	}

	dict := map[string]any{}
	if _, err := plist.Unmarshal(payload, &dict); err != nil {
		return nil, fmt.Errorf("lockdown: decode frame: %w", err)
	}
	return dict, nil
}
