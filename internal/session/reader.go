package session

import (
	"io"
	"net"

	"netmuxd.dev/netmuxd/internal/frame"
)

// readChunk is the per-iteration read size: up to 1024 bytes at a time, per
// the front-end's read discipline. Bytes accumulate until the buffered
// header's declared total_length is available, so a header-only read is
// completed by further reads before the frame is decoded. A header that
// declares a length below the header size is reported as an error.
const readChunk = 1024

// frameReader accumulates bytes off a connection and yields complete
// frames, buffering any leftover bytes (a pipelined follow-up request) for
// the next call.
type frameReader struct {
	conn net.Conn
	buf  []byte
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn}
}

// next blocks until one complete frame is available, reading more off the
// connection as needed.
func (r *frameReader) next() (frame.Frame, error) {
	for {
		if len(r.buf) >= frame.HeaderSize {
			total, err := frame.PeekLength(r.buf)
			if err != nil {
				return frame.Frame{}, err
			}
			if len(r.buf) >= int(total) {
				f, err := frame.Decode(r.buf[:total])
				if err != nil {
					return frame.Frame{}, err
				}
				r.buf = append([]byte(nil), r.buf[total:]...)
				return f, nil
			}
		}

		chunk := make([]byte, readChunk)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 && len(r.buf) >= frame.HeaderSize {
				// Try once more to decode what we already have before
				// surfacing the read error.
				if total, perr := frame.PeekLength(r.buf); perr == nil && len(r.buf) >= int(total) {
					f, derr := frame.Decode(r.buf[:total])
					if derr == nil {
						r.buf = append([]byte(nil), r.buf[total:]...)
						return f, nil
					}
				}
			}
			if err == io.EOF {
				return frame.Frame{}, io.EOF
			}
			return frame.Frame{}, err
		}
	}
}
