package device

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeNetworkAddressIPv4(t *testing.T) {
	buf := EncodeNetworkAddress(net.ParseIP("10.0.0.1"))
	require.Len(t, buf, networkAddressSize)
	require.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x01}, buf[:8])
}

func TestEncodeNetworkAddressIPv6(t *testing.T) {
	buf := EncodeNetworkAddress(net.ParseIP("::1"))
	require.Len(t, buf, networkAddressSize)
	require.Equal(t, []byte{0x1E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, buf[:8])
	require.Equal(t, byte(1), buf[23])
}

func TestParseNetworkAddressCurrentLayout(t *testing.T) {
	buf := EncodeNetworkAddress(net.ParseIP("192.168.1.10"))
	ip, err := ParseNetworkAddress(buf)
	require.NoError(t, err)
	require.True(t, net.ParseIP("192.168.1.10").Equal(ip))
}

func TestParseNetworkAddressHistoricalLayout(t *testing.T) {
	// Historical revisions wrote a sin_len-style byte (10 for IPv4) at
	// offset 0 before the real family byte.
	buf := make([]byte, networkAddressSize)
	buf[0] = 10
	buf[1] = 0x02
	copy(buf[4:8], net.ParseIP("10.0.0.1").To4())

	ip, err := ParseNetworkAddress(buf)
	require.NoError(t, err)
	require.True(t, net.ParseIP("10.0.0.1").Equal(ip))
}

func TestParseNetworkAddressUnknownFamily(t *testing.T) {
	buf := make([]byte, networkAddressSize)
	buf[0] = 0xFF
	buf[1] = 0xFF
	_, err := ParseNetworkAddress(buf)
	require.ErrorIs(t, err, ErrUnknownAddressFamily)
}
