package server

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// Session is the broker side state of one client connection. It implements
// pubsub.ISubscriber so channel deliveries are pushed to the connection.
type Session struct {
	conn       transport.IServerConn
	serializer serializer.IRPCSerializer

	// ctx is cancelled when the connection closes, aborting pending lock waits
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	locks map[string]string // lock name -> owner id
}

func newSession(conn transport.IServerConn, s serializer.IRPCSerializer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:       conn,
		serializer: s,
		ctx:        ctx,
		cancel:     cancel,
		locks:      make(map[string]string),
	}
}

// ID returns the connection id
func (s *Session) ID() string {
	return s.conn.ID()
}

// Context is done once the connection closed
func (s *Session) Context() context.Context {
	return s.ctx
}

// Deliver pushes a channel message to the client
func (s *Session) Deliver(channel string, payload []byte) {
	data, err := s.serializer.Serialize(*common.NewPushMessage(channel, payload))
	if err != nil {
		Logger.Errorf("Failed to serialize push for %s: %v", s.ID(), err)
		return
	}
	if err := s.conn.Push(data); err != nil {
		Logger.Debugf("Failed to push to %s: %v", s.ID(), err)
		return
	}
	metricPushes.Inc()
}

// --------------------------------------------------------------------------
// Lock bookkeeping
// --------------------------------------------------------------------------

// addLock records a granted lock. It returns false if the session is already
// closed, in which case the caller must release the lock itself.
func (s *Session) addLock(name, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.locks[name] = owner
	return true
}

// removeLock forgets the lock if it is held with owner
func (s *Session) removeLock(name, owner string) {
	s.mu.Lock()
	if s.locks[name] == owner {
		delete(s.locks, name)
	}
	s.mu.Unlock()
}

// takeLocks returns and forgets every held lock
func (s *Session) takeLocks() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	locks := s.locks
	s.locks = make(map[string]string)
	return locks
}
