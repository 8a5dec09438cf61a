package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := Dict{"MessageType": "ListDevices", "Count": int64(3)}

	buf, err := Encode(payload, 1, PlistMessageType, 42)
	require.NoError(t, err)
	require.Equal(t, uint32(len(buf)), uint32(HeaderSize)+uint32(len(buf)-HeaderSize))

	decoded, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(1), decoded.Version)
	require.Equal(t, uint32(PlistMessageType), decoded.MessageType)
	require.Equal(t, uint32(42), decoded.Tag)
	require.Equal(t, "ListDevices", decoded.Payload["MessageType"])
}

func TestEncodeHeaderLengthField(t *testing.T) {
	buf, err := Encode(Dict{"A": "b"}, 1, PlistMessageType, 7)
	require.NoError(t, err)

	total, err := PeekLength(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(len(buf)), total)
}

func TestHeaderOnlyReadThenRemainder(t *testing.T) {
	buf, err := Encode(Dict{"Hello": "World", "N": int64(12345)}, 1, PlistMessageType, 9)
	require.NoError(t, err)

	// Simulate reading exactly 16 bytes first.
	header := buf[:HeaderSize]
	_, err = Decode(header)
	require.ErrorIs(t, err, ErrIncomplete)

	total, err := PeekLength(header)
	require.NoError(t, err)
	require.Equal(t, uint32(len(buf)), total)

	// Now the remainder arrives and is concatenated.
	full := append(append([]byte{}, header...), buf[HeaderSize:]...)
	decoded, err := Decode(full)
	require.NoError(t, err)
	require.Equal(t, "World", decoded.Payload["Hello"])
}

func TestShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestShortTotalLength(t *testing.T) {
	buf := make([]byte, 16)
	// total_length = 4, smaller than the header itself.
	buf[0] = 4
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrShortTotalLength)
}

func TestDecodeBadPlist(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	buf[0] = byte(HeaderSize + 4)
	copy(buf[HeaderSize:], []byte("nope"))
	_, err := Decode(buf)
	require.Error(t, err)
}
