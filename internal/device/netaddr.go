package device

import (
	"errors"
	"net"
)

// networkAddressSize is the fixed buffer size the wire protocol expects for
// the NetworkAddress field, mirroring a sockaddr_in/sockaddr_in6 layout.
const networkAddressSize = 152

// EncodeNetworkAddress serializes ip into the 152-byte fixed buffer the wire
// protocol expects. IPv4 addresses use a sockaddr_in-shaped layout starting
// with the address-family byte 0x02; IPv6 addresses start with 0x1E. Bytes
// are not length-trimmed; the full 152-byte form is always returned, which
// every consumer must accept.
func EncodeNetworkAddress(ip net.IP) []byte {
	buf := make([]byte, networkAddressSize)
	if v4 := ip.To4(); v4 != nil {
		buf[0] = 0x02
		copy(buf[4:8], v4)
		return buf
	}
	if v6 := ip.To16(); v6 != nil {
		buf[0] = 0x1E
		copy(buf[8:24], v6)
		return buf
	}
	return buf
}

// ErrUnknownAddressFamily is returned when the leading bytes of a
// NetworkAddress buffer match neither the IPv4 nor the IPv6 layout.
var ErrUnknownAddressFamily = errors.New("device: unrecognized NetworkAddress family byte")

// ParseNetworkAddress decodes a NetworkAddress buffer back into a net.IP.
// It tolerates both the current layout (family byte at offset 0) and the
// historical layout that carries a leading sin_len-style byte (10 for IPv4,
// 28 for IPv6) before the family byte, per the wire format's documented
// ambiguity.
func ParseNetworkAddress(data []byte) (net.IP, error) {
	if len(data) < 2 {
		return nil, ErrUnknownAddressFamily
	}

	switch data[0] {
	case 0x02:
		if len(data) < 8 {
			return nil, ErrUnknownAddressFamily
		}
		return net.IP(append([]byte{}, data[4:8]...)), nil
	case 0x1E:
		if len(data) < 24 {
			return nil, ErrUnknownAddressFamily
		}
		return net.IP(append([]byte{}, data[8:24]...)), nil
	}

	// Historical layout: byte 0 is a sin_len-style length, byte 1 is the
	// real family byte.
	switch data[1] {
	case 0x02:
		if len(data) < 8 {
			return nil, ErrUnknownAddressFamily
		}
		return net.IP(append([]byte{}, data[4:8]...)), nil
	case 0x1E:
		if len(data) < 24 {
			return nil, ErrUnknownAddressFamily
		}
		return net.IP(append([]byte{}, data[8:24]...)), nil
	}

	return nil, ErrUnknownAddressFamily
}
