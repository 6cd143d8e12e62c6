package base

import (
	"encoding/binary"
	"io"
	"net"
	"time"
)

// IFrameConn is a connection that carries whole frames tagged with a request
// id. Stream sockets use the length prefixed framing of this package, the ws
// transport maps one frame to one websocket message.
type IFrameConn interface {
	// WriteFrame writes one frame. Callers serialize writes.
	WriteFrame(requestID uint64, data []byte) error
	// ReadFrame reads the next frame, reusing buf when it is large enough
	ReadFrame(buf []byte) (requestID uint64, data []byte, err error)
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// headerSize is 8 bytes request id plus 4 bytes payload length
const headerSize = 12

// NewStreamFrameConn wraps a stream socket (tcp, unix) into an IFrameConn
func NewStreamFrameConn(conn net.Conn) IFrameConn {
	return &streamFrameConn{Conn: conn}
}

type streamFrameConn struct {
	net.Conn
}

// WriteFrame writes a frame to the connection with the format:
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func (c *streamFrameConn) WriteFrame(requestID uint64, data []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(c.Conn)
	return err
}

// ReadFrame reads a frame using the provided buffer. If the buffer is too
// small a new one is allocated for the payload.
func (c *streamFrameConn) ReadFrame(buf []byte) (uint64, []byte, error) {
	if len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}
	if _, err := io.ReadFull(c.Conn, buf[:headerSize]); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(buf[:8])
	contentLength := int(binary.BigEndian.Uint32(buf[8:12]))
	if contentLength == 0 {
		return requestID, []byte{}, nil
	}

	if len(buf) < contentLength {
		buf = make([]byte, contentLength)
	}
	if _, err := io.ReadFull(c.Conn, buf[:contentLength]); err != nil {
		return 0, nil, err
	}
	return requestID, buf[:contentLength], nil
}
