package ws

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dSync/rpc/transport/base"
	"github.com/gorilla/websocket"
)

// frameConn maps one frame to one binary websocket message:
// [requestID uint64 big endian][payload]
type frameConn struct {
	ws *websocket.Conn
}

func newFrameConn(ws *websocket.Conn) base.IFrameConn {
	return &frameConn{ws: ws}
}

func (c *frameConn) WriteFrame(requestID uint64, data []byte) error {
	w, err := c.ws.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], requestID)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

func (c *frameConn) ReadFrame([]byte) (uint64, []byte, error) {
	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		if messageType != websocket.BinaryMessage {
			// text messages are not part of the protocol
			continue
		}
		if len(message) < 8 {
			return 0, nil, fmt.Errorf("websocket frame too short: %d bytes", len(message))
		}
		return binary.BigEndian.Uint64(message[:8]), message[8:], nil
	}
}

func (c *frameConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *frameConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *frameConn) Close() error {
	return c.ws.Close()
}
