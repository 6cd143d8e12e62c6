package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// defaultWriteTimeout bounds a single frame write on the server side
const defaultWriteTimeout = 10 * time.Second

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(config common.ServerConfig) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.ServerConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector  IServerConnector
	handler    transport.IServerHandler
	bufferSize int
	bufferPool *sync.Pool
	conns      *xsync.MapOf[string, IFrameConn]
}

// serverConn is the IServerConn handed to the handler
type serverConn struct {
	id      string
	fc      IFrameConn
	writeMu sync.Mutex
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new stream based server transport
func NewBaseServerTransport(connector IServerConnector, bufferSize int) transport.IRPCServerTransport {
	return &serverTransport{
		connector:  connector,
		bufferSize: bufferSize,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
		conns: xsync.NewMapOf[string, IFrameConn](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.IServerHandler) {
	t.handler = handler
}

func (t *serverTransport) Listen(ctx context.Context, config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	listener, err := t.connector.Listen(config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	Logger.Infof("Starting %s server on %s", t.connector.GetName(), config.Endpoint)

	go func() {
		<-ctx.Done()
		listener.Close()
		t.conns.Range(func(_ string, fc IFrameConn) bool {
			fc.Close()
			return true
		})
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := t.connector.UpgradeConnection(conn, config); err != nil {
			Logger.Warningf("Failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
		}

		go func() {
			buf := t.bufferPool.Get().([]byte)
			defer t.bufferPool.Put(buf)
			ServeConn(NewStreamFrameConn(conn), t.handler, buf, t.conns)
		}()
	}
}

// --------------------------------------------------------------------------
// Connection handling (shared with the ws transport)
// --------------------------------------------------------------------------

// ServeConn runs the read loop of one connection until it fails or is closed.
// Requests are passed to the handler one after another. registry, if not nil,
// tracks the open connection so a server can close it on shutdown.
func ServeConn(fc IFrameConn, handler transport.IServerHandler, buf []byte, registry *xsync.MapOf[string, IFrameConn]) {
	conn := &serverConn{id: ulid.Make().String(), fc: fc}
	if registry != nil {
		registry.Store(conn.id, fc)
		defer registry.Delete(conn.id)
	}

	Logger.Debugf("Connection %s opened from %s", conn.id, fc.RemoteAddr())
	handler.OnConnect(conn)

	for {
		requestID, data, err := fc.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				Logger.Debugf("Connection %s closed by client", conn.id)
			} else {
				Logger.Warningf("Connection %s read error: %v", conn.id, err)
			}
			break
		}
		start := time.Now()
		handler.HandleRequest(conn, requestID, data)
		Logger.Debugf("Processed request %d of %s in %s", requestID, conn.id, time.Since(start))
	}

	fc.Close()
	handler.OnClose(conn)
}

func (c *serverConn) ID() string {
	return c.id
}

func (c *serverConn) Reply(requestID uint64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.fc.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return c.fc.WriteFrame(requestID, data)
}

func (c *serverConn) Push(data []byte) error {
	return c.Reply(0, data)
}
