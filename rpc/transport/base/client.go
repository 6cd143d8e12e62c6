package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection based on the provided configuration
	Connect(config common.ClientConfig) (IFrameConn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// clientTransport implements request correlation and push delivery on top of
// a single frame connection, independent of the transport medium
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	fc            IFrameConn
	writeMu       sync.Mutex // Protects writes on fc
	pending       *xsync.MapOf[uint64, chan []byte]
	nextRequestID atomic.Uint64
	onPush        transport.PushHandler
	done          chan struct{}
	closeOnce     sync.Once
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, ws)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
		pending:   xsync.NewMapOf[uint64, chan []byte](),
		done:      make(chan struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) OnPush(handler transport.PushHandler) {
	t.onPush = handler
}

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if config.Endpoint == "" {
		return fmt.Errorf("no endpoint provided")
	}
	t.config = config

	fc, err := t.connector.Connect(config)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", config.Endpoint, err)
	}
	t.fc = fc

	Logger.Infof("Connected to %s using %s transport", config.Endpoint, t.connector.GetName())
	go t.readResponses()
	return nil
}

func (t *clientTransport) Send(ctx context.Context, req []byte) ([]byte, error) {
	if t.fc == nil {
		return nil, fmt.Errorf("not connected")
	}
	select {
	case <-t.done:
		return nil, transport.ErrClosed
	default:
	}

	// request id 0 is reserved for pushes
	requestID := t.nextRequestID.Add(1)

	respCh := make(chan []byte, 1)
	t.pending.Store(requestID, respCh)
	defer t.pending.Delete(requestID)

	t.writeMu.Lock()
	if t.config.Timeout > 0 {
		_ = t.fc.SetWriteDeadline(time.Now().Add(t.config.Timeout))
	}
	err := t.fc.WriteFrame(requestID, req)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, transport.ErrClosed
	}
}

func (t *clientTransport) Done() <-chan struct{} {
	return t.done
}

func (t *clientTransport) Close() error {
	t.shutdown()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.fc != nil {
			t.fc.Close()
		}
	})
}

// readResponses reads frames in a loop, hands pushes to the push handler and
// responses to the waiting request
func (t *clientTransport) readResponses() {
	defer t.shutdown()
	for {
		requestID, data, err := t.fc.ReadFrame(nil)
		if err != nil {
			select {
			case <-t.done:
			default:
				if !isClosedErr(err) {
					Logger.Warningf("Connection to %s lost: %v", t.config.Endpoint, err)
				}
			}
			return
		}

		if requestID == 0 {
			if t.onPush != nil {
				t.onPush(data)
			}
			continue
		}

		if respCh, found := t.pending.Load(requestID); found {
			respCh <- data
		} else {
			Logger.Warningf("Received response for unknown request ID %d", requestID)
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
