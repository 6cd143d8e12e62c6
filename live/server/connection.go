package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/entitystorage"
	"github.com/ValentinKolb/dSync/lib/filestore"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/proto"
	"github.com/ValentinKolb/dSync/live/wire"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/gorilla/websocket"
)

var errConnectionClosed = errors.New("connection closed")

// Connection is one client socket. Control messages are processed in
// arrival order by the reader; every action runs on its own goroutine.
type Connection struct {
	id      string
	server  *Server
	ws      *websocket.Conn
	writer  *wire.Writer
	batcher *wire.Batcher
	storage *entitystorage.EntityStorage

	ctx       context.Context
	cancel    context.CancelFunc
	actions   sync.WaitGroup
	closeOnce sync.Once

	// entity messages are held back while a result snapshot is pending
	syncMu    sync.Mutex
	snapshots int
	held      []*proto.EntityMessage

	mu          sync.Mutex
	user        string
	closed      bool
	entities    map[uint64]*subject.EntitySubject
	streams     map[uint64]*streamHandle
	collections map[uint64]*collectionHandle
}

func newConnection(id string, s *Server, ws *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:          id,
		server:      s,
		ws:          ws,
		ctx:         ctx,
		cancel:      cancel,
		entities:    make(map[uint64]*subject.EntitySubject),
		streams:     make(map[uint64]*streamHandle),
		collections: make(map[uint64]*collectionHandle),
	}

	timeout := s.config.writeTimeout()
	c.writer = wire.NewWriter(func(frame []byte) error {
		if err := ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		return ws.WriteMessage(websocket.TextMessage, frame)
	}, s.config.ChunkSize)
	c.batcher = wire.NewBatcher(c.onMessage)
	c.storage = entitystorage.New(s.exchange, s.db, c.sync)
	return c
}

// ID returns the connection id
func (c *Connection) ID() string {
	return c.id
}

// User returns the authenticated user, "" if none
func (c *Connection) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// serve reads frames until the socket fails, then closes the connection
func (c *Connection) serve() {
	defer c.Close()
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Logger.Debugf("Connection %s read failed: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.batcher.Handle(data); err != nil {
			metricDecodeErrors.Inc()
			Logger.Warningf("Connection %s sent a bad frame: %v", c.id, err)
		}
	}
}

// Close tears down every stream, collection and lease of the connection
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		entities, streams, collections := c.entities, c.streams, c.collections
		c.entities = make(map[uint64]*subject.EntitySubject)
		c.streams = make(map[uint64]*streamHandle)
		c.collections = make(map[uint64]*collectionHandle)
		c.mu.Unlock()

		_ = c.ws.Close()
		// running actions see the closed flag and tear their result down
		c.actions.Wait()

		for _, subj := range entities {
			subj.Close()
		}
		for _, h := range streams {
			h.close()
		}
		for _, h := range collections {
			h.close()
		}
		c.storage.Destroy()
		c.writer.Close()
	})
}

// --------------------------------------------------------------------------
// Writing
// --------------------------------------------------------------------------

func (c *Connection) reply(r *proto.Reply) {
	if err := c.writer.Write(r.ID, r); err != nil {
		Logger.Debugf("Connection %s: failed to write %s for %d: %v", c.id, r.Type, r.ID, err)
	}
}

// replyValue sends a reply whose next field is v
func (c *Connection) replyValue(id uint64, msgType string, v any) {
	next, err := json.Marshal(v)
	if err != nil {
		c.sendError(id, fmt.Errorf("encode %s: %w", msgType, err))
		return
	}
	c.reply(&proto.Reply{ID: id, Type: msgType, Next: next})
}

func (c *Connection) ack(id uint64) {
	c.reply(&proto.Reply{ID: id, Type: proto.TypeAck})
}

func (c *Connection) complete(id uint64) {
	c.reply(&proto.Reply{ID: id, Type: proto.TypeComplete})
}

func (c *Connection) sendError(id uint64, err error) {
	c.reply(proto.NewErrorReply(id, wireError(err), ""))
}

// sync is the entitystorage.SyncFunc of the connection
func (c *Connection) sync(entityName string, e *entity.Event) {
	m := proto.NewEntityMessage(entityName, e)
	if m == nil {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.snapshots > 0 {
		c.held = append(c.held, m)
		return
	}
	c.writeEntity(m)
}

// holdSync queues entity messages until the returned function is called.
// A change that hits an instance between its lease and the snapshot reply
// then reaches the client after the snapshot.
func (c *Connection) holdSync() func() {
	c.syncMu.Lock()
	c.snapshots++
	c.syncMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.syncMu.Lock()
			defer c.syncMu.Unlock()
			c.snapshots--
			if c.snapshots > 0 {
				return
			}
			held := c.held
			c.held = nil
			for _, m := range held {
				c.writeEntity(m)
			}
		})
	}
}

func (c *Connection) writeEntity(m *proto.EntityMessage) {
	if err := c.writer.Write(0, m); err != nil {
		Logger.Debugf("Connection %s: failed to sync %s %s: %v", c.id, m.EntityName, m.ID, err)
	}
}

// wireError maps errors of the storage layers to their wire kind
func wireError(err error) error {
	switch {
	case errors.Is(err, entitystorage.ErrNotFound),
		errors.Is(err, filestore.ErrNotFound),
		errors.Is(err, database.ErrNotFound):
		return &proto.Error{Kind: proto.KindNotFound, Message: err.Error()}
	case errors.Is(err, client.ErrLockTimeout):
		return &proto.Error{Kind: proto.KindLockTimeout, Message: err.Error()}
	}
	return err
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

// onMessage handles one reassembled client message
func (c *Connection) onMessage(data []byte) {
	req := &proto.Request{}
	if err := json.Unmarshal(data, req); err != nil {
		metricDecodeErrors.Inc()
		Logger.Warningf("Connection %s: dropping undecodable message: %v", c.id, err)
		return
	}

	var err error
	switch req.Name {
	case proto.NameAction:
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.actions.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.actions.Done()
			c.runAction(req)
		}()
	case proto.NameActionTypes:
		err = c.actionTypes(req)
	case proto.NameAuthenticate:
		c.authenticate(req)
	case proto.NameEntityUnsubscribe:
		err = c.unsubscribeEntity(req)
	case proto.NameObservableSubscribe:
		err = c.subscribeObservable(req)
	case proto.NameObservableUnsubscribe:
		err = c.unsubscribeObservable(req)
	case proto.NameSubjectUnsubscribe:
		err = c.unsubscribeSubject(req)
	case proto.NameCollectionUnsubscribe:
		c.unsubscribeCollection(req)
	case proto.NameCollectionPagination:
		c.paginate(req)
	default:
		messageCounter("unknown").Inc()
		c.sendError(req.ID, fmt.Errorf("unknown message %q", req.Name))
		return
	}

	messageCounter(req.Name).Inc()
	if err != nil {
		c.sendError(req.ID, err)
	}
}

func (c *Connection) authenticate(req *proto.Request) {
	auth, _ := c.server.hooks()

	var (
		user string
		err  error
	)
	if auth == nil {
		err = fmt.Errorf("%w: no authenticator installed", proto.ErrAuthentication)
	} else {
		user, err = auth.Authenticate(c.ctx, req.Token)
	}
	if err != nil {
		Logger.Debugf("Connection %s: authentication failed: %v", c.id, err)
		user = ""
	}

	c.mu.Lock()
	c.user = user
	c.mu.Unlock()

	c.replyValue(req.ID, proto.TypeAuthenticateResult, err == nil)
}

func (c *Connection) actionTypes(req *proto.Request) error {
	d, _, ok := c.server.actions.Lookup(req.Controller, req.Action)
	if !ok {
		return fmt.Errorf("action unknown %s.%s", req.Controller, req.Action)
	}
	_, access := c.server.hooks()
	if !access(c.ctx, c.User(), d) {
		return proto.ErrAccessDenied
	}
	c.replyValue(req.ID, proto.TypeActionTypesResult, d)
	return nil
}

// --------------------------------------------------------------------------
// Actions
// --------------------------------------------------------------------------

func (c *Connection) runAction(req *proto.Request) {
	start := time.Now()
	if d, _, ok := c.server.actions.Lookup(req.Controller, req.Action); ok &&
		(d.Result == action.ResultEntity || d.Result == action.ResultCollection) {
		defer c.holdSync()()
	}
	d, res, err := c.call(req)
	if err != nil {
		metricActionErrors.Inc()
		Logger.Debugf("Connection %s: action %s.%s failed: %v", c.id, req.Controller, req.Action, err)
		c.sendError(req.ID, err)
		return
	}
	observeAction(d.Name(), start)
	c.out(req.ID, d, res)
}

// call checks access and arguments, then runs the handler
func (c *Connection) call(req *proto.Request) (d action.Descriptor, res action.Result, err error) {
	d, handler, ok := c.server.actions.Lookup(req.Controller, req.Action)
	if !ok {
		return d, nil, fmt.Errorf("action unknown %s.%s", req.Controller, req.Action)
	}

	user := c.User()
	_, access := c.server.hooks()
	if !access(c.ctx, user, d) {
		return d, nil, proto.ErrAccessDenied
	}

	args, err := c.server.actions.DecodeArgs(d, req.Args)
	if err != nil {
		return d, nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Action %s panicked: %v", d.Name(), r)
			res, err = nil, fmt.Errorf("action %s failed: %v", d.Name(), r)
		}
	}()
	res, err = handler(c.ctx, &action.Call{Descriptor: d, Args: args, User: user, Storage: c.storage})
	if err != nil {
		return d, nil, err
	}
	if err := action.CheckResult(d, res); err != nil {
		closeResult(res)
		return d, nil, err
	}
	return d, res, nil
}

// register runs fn under the connection lock unless the connection is
// closed or id is already in use
func (c *Connection) register(id uint64, fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	_, e := c.entities[id]
	_, s := c.streams[id]
	_, col := c.collections[id]
	if e || s || col {
		return fmt.Errorf("message id %d already in use", id)
	}
	fn()
	return nil
}

// closeResult releases whatever a result holds
func closeResult(res action.Result) {
	switch r := res.(type) {
	case action.Entity:
		if r.Subject != nil {
			r.Subject.Close()
		}
	case action.Stream:
		if r.Source != nil {
			r.Source.Close()
		}
	case action.Collection:
		if r.Collection != nil {
			r.Collection.Close()
		}
	}
}

// collectionOf returns the collection registered for an action id
func (c *Connection) collectionOf(id uint64) (*collection.Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.collections[id]
	if !ok {
		return nil, false
	}
	return h.col, true
}
