package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/lockmgr"
	"github.com/ValentinKolb/dSync/lib/pubsub"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/lstore"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("exchange")

// ExchangeServer is the broker process. It implements transport.IServerHandler
// and routes every request to the adapter serving its message type.
type ExchangeServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer

	stores   []store.IStore
	hub      *pubsub.Hub
	adapters []IRPCServerAdapter
	sessions *xsync.MapOf[string, *Session]
}

// NewExchangeServer creates a new broker with in-memory stores for values and
// locks.
//
// Usage:
//
//	s := server.NewExchangeServer(
//		config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewExchangeServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *ExchangeServer {
	kv := lstore.NewLocalStore()
	lockStore := lstore.NewLocalStore()
	hub := pubsub.NewHub()

	s := &ExchangeServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		stores:     []store.IStore{kv, lockStore},
		hub:        hub,
		adapters: []IRPCServerAdapter{
			NewKVServerAdapter(kv),
			NewLockServerAdapter(lockmgr.NewLockManager(lockStore, config.LockTTL, config.LockPollInterval)),
			NewPubSubServerAdapter(hub),
			NewEntityFieldsServerAdapter(pubsub.NewFieldRegistry()),
		},
		sessions: xsync.NewMapOf[string, *Session](),
	}
	Logger.Infof("Created exchange server")
	Logger.Infof(config.String())
	return s
}

// Serve registers the server with its transport and blocks until ctx is done
func (s *ExchangeServer) Serve(ctx context.Context) error {
	defer func() {
		for _, st := range s.stores {
			st.Close()
		}
	}()
	s.transport.RegisterHandler(s)
	return s.transport.Listen(ctx, s.config)
}

// Sessions returns the number of open connections
func (s *ExchangeServer) Sessions() int {
	return s.sessions.Size()
}

// Subscribers returns the number of connections subscribed to channel
func (s *ExchangeServer) Subscribers(channel string) int {
	return s.hub.Subscribers(channel)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerHandler)
// --------------------------------------------------------------------------

func (s *ExchangeServer) OnConnect(conn transport.IServerConn) {
	s.sessions.Store(conn.ID(), newSession(conn, s.serializer))
	activeConnections.Add(1)
	Logger.Debugf("Session %s opened", conn.ID())
}

func (s *ExchangeServer) HandleRequest(conn transport.IServerConn, requestID uint64, data []byte) {
	reply := func(resp *common.Message) {
		if resp.Err != "" {
			metricErrors.Inc()
		}
		b, err := s.serializer.Serialize(*resp)
		if err != nil {
			Logger.Errorf("Failed to serialize response: %v", err)
			b, _ = s.serializer.Serialize(*common.NewErrorResponse(common.ErrCodeInternal, fmt.Sprintf("failed to serialize response: %s", err)))
		}
		if err := conn.Reply(requestID, b); err != nil {
			Logger.Debugf("Failed to reply to %s: %v", conn.ID(), err)
		}
	}

	sess, ok := s.sessions.Load(conn.ID())
	if !ok {
		reply(common.NewErrorResponse(common.ErrCodeInternal, "unknown session"))
		return
	}

	var req common.Message
	if err := s.serializer.Deserialize(data, &req); err != nil {
		reply(common.NewErrorResponse(common.ErrCodeBadRequest, fmt.Sprintf("failed to deserialize request: %s", err)))
		return
	}
	requestCounter(req.MsgType).Inc()

	for _, adapter := range s.adapters {
		if adapter.Handles(req.MsgType) {
			adapter.Handle(sess, &req, reply)
			return
		}
	}
	reply(common.NewErrorResponse(common.ErrCodeBadRequest, fmt.Sprintf("unsupported message type: %s", req.MsgType)))
}

func (s *ExchangeServer) OnClose(conn transport.IServerConn) {
	sess, ok := s.sessions.LoadAndDelete(conn.ID())
	if !ok {
		return
	}
	activeConnections.Add(-1)

	sess.cancel()
	for _, adapter := range s.adapters {
		adapter.Release(sess)
	}
	Logger.Debugf("Session %s closed", conn.ID())
}
