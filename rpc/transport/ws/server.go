package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/ValentinKolb/dSync/rpc/transport/base"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// Path is the http path the broker accepts websocket connections on
const Path = "/exchange"

// Server serves the exchange protocol over websocket connections
type Server struct {
	handler  transport.IServerHandler
	upgrader websocket.Upgrader
	conns    *xsync.MapOf[string, base.IFrameConn]
}

// NewWSServerTransport creates a new websocket server transport
func NewWSServerTransport() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
		conns: xsync.NewMapOf[string, base.IFrameConn](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *Server) RegisterHandler(handler transport.IServerHandler) {
	t.handler = handler
}

func (t *Server) Listen(ctx context.Context, config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	mux := http.NewServeMux()
	mux.Handle(Path, t)
	srv := &http.Server{
		Addr:              config.Endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// hijacked connections are not closed by Shutdown
		t.conns.Range(func(_ string, fc base.IFrameConn) bool {
			fc.Close()
			return true
		})
	}()

	base.Logger.Infof("Starting ws server on %s%s", config.Endpoint, Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// It lets the broker be mounted on an existing http server or httptest.
func (t *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		base.Logger.Warningf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	base.ServeConn(newFrameConn(ws), t.handler, nil, t.conns)
}
