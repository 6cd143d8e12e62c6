package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entitystorage"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("live")

// Server accepts application connections and runs the registered actions
// for them
type Server struct {
	config   Config
	actions  *action.Registry
	exchange entitystorage.IExchange
	db       database.IDatabase

	mu     sync.RWMutex
	auth   IAuthenticator
	access AccessChecker

	upgrader websocket.Upgrader
	conns    *xsync.MapOf[string, *Connection]
}

// New creates a server for the actions of registry. Entity and collection
// results are kept in sync through exchange and db.
//
// Usage:
//
//	s := server.New(config, registry, exchange, db)
//	s.SetAuthenticator(server.NewJWTAuthenticator(key, ""))
//	if err := s.Listen(ctx); err != nil {
//		panic(err)
//	}
func New(config Config, actions *action.Registry, exchange entitystorage.IExchange, db database.IDatabase) *Server {
	s := &Server{
		config:   config,
		actions:  actions,
		exchange: exchange,
		db:       db,
		access:   AllowAll,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// same origin checks are left to the access checker
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: xsync.NewMapOf[string, *Connection](),
	}
	Logger.Infof("Created live server")
	Logger.Infof(config.String())
	return s
}

// SetAuthenticator installs the authenticator of authenticate messages.
// Without one every token is rejected.
func (s *Server) SetAuthenticator(a IAuthenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = a
}

// SetAccessChecker installs the access policy, nil allows everything
func (s *Server) SetAccessChecker(fn AccessChecker) {
	if fn == nil {
		fn = AllowAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = fn
}

func (s *Server) hooks() (IAuthenticator, AccessChecker) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth, s.access
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	return s.conns.Size()
}

// Handler returns the http handler serving the socket and, if enabled, the
// metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.path(), s)
	if s.config.Metrics {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			WriteMetrics(w)
		})
	}
	if s.config.LogLevel == "debug" {
		return loggerMiddleware(mux)
	}
	return mux
}

// Listen serves until ctx is done
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Endpoint,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// hijacked connections are not closed by Shutdown
		s.conns.Range(func(_ string, c *Connection) bool {
			c.Close()
			return true
		})
	}()

	Logger.Infof("Starting live server on %s%s", s.config.Endpoint, s.config.path())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Warningf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConnection(ulid.Make().String(), s, ws)
	s.conns.Store(c.id, c)
	activeConnections.Add(1)
	Logger.Debugf("Connection %s from %s opened", c.id, r.RemoteAddr)

	c.serve()

	s.conns.Delete(c.id)
	activeConnections.Add(-1)
	Logger.Debugf("Connection %s closed", c.id)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter captures the status code. It passes Hijack through so the
// websocket upgrade still works behind it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggerMiddleware logs every http request. Upgraded requests are logged
// when the connection closes.
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
