// Package frame implements the multiplexer's wire codec: a 16-byte
// little-endian header followed by a plist-encoded dictionary payload.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"howett.net/plist"
)

// HeaderSize is the fixed size of the frame header in bytes.
const HeaderSize = 16

// PlistMessageType is the well-known message_type value meaning "payload is
// a plist dictionary" — the only message type this codec produces.
const PlistMessageType = 8

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("frame: fewer than 16 bytes available")

// ErrShortTotalLength is returned when the header declares a total length
// smaller than the header itself.
var ErrShortTotalLength = errors.New("frame: declared total_length smaller than header")

// ErrIncomplete is returned by Decode when the buffer holds a complete
// header but not yet the full payload; callers should read more bytes and
// retry, not treat this as a failure.
var ErrIncomplete = errors.New("frame: payload incomplete")

// Dict is a plist dictionary payload: string keys to arbitrary plist-encodable
// values (string, []byte, integers, bool, nested Dict, []any, ...).
type Dict = map[string]any

// Frame is a decoded wire message.
type Frame struct {
	Version     uint32
	MessageType uint32
	Tag         uint32
	Payload     Dict
}

// Encode serializes payload as an XML plist, prepends the 16-byte header,
// and returns the complete frame as a single contiguous buffer.
func Encode(payload Dict, version, message, tag uint32) ([]byte, error) {
	var body bytes.Buffer
	enc := plist.NewEncoder(&body)
	enc.Indent("")
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("frame: encode payload: %w", err)
	}

	total := HeaderSize + body.Len()
	buf := make([]byte, HeaderSize, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], message)
	binary.LittleEndian.PutUint32(buf[12:16], tag)
	buf = append(buf, body.Bytes()...)
	return buf, nil
}

// PeekLength reads the declared total_length from the first 4 bytes of buf.
// buf must be at least HeaderSize bytes; use ErrShortHeader otherwise.
func PeekLength(buf []byte) (uint32, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortHeader
	}
	total := binary.LittleEndian.Uint32(buf[0:4])
	if total < HeaderSize {
		return 0, ErrShortTotalLength
	}
	return total, nil
}

// Decode parses a complete frame (header + full payload) out of buf. It
// returns ErrShortHeader if buf is shorter than the header, ErrShortTotalLength
// if the header is internally inconsistent, and ErrIncomplete if the header
// is valid but buf does not yet contain total_length bytes.
func Decode(buf []byte) (Frame, error) {
	total, err := PeekLength(buf)
	if err != nil {
		return Frame{}, err
	}
	if len(buf) < int(total) {
		return Frame{}, ErrIncomplete
	}

	version := binary.LittleEndian.Uint32(buf[4:8])
	message := binary.LittleEndian.Uint32(buf[8:12])
	tag := binary.LittleEndian.Uint32(buf[12:16])

	dict := Dict{}
	if _, err := plist.Unmarshal(buf[HeaderSize:total], &dict); err != nil {
		return Frame{}, fmt.Errorf("frame: decode payload: %w", err)
	}

	return Frame{Version: version, MessageType: message, Tag: tag, Payload: dict}, nil
}
