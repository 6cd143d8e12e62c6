package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/entitystate"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/proto"
	"github.com/ValentinKolb/dSync/live/wire"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("live/client")

// ErrClosed is returned by every request after the connection closed
var ErrClosed = errors.New("connection closed")

// DefaultTimeout bounds a request when the context has no deadline
const DefaultTimeout = 30 * time.Second

// Config holds the configuration of an application client
type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/live
	URL string
	// Token is sent in an authenticate message right after connecting when set
	Token string
	// ChunkSize is the largest message sent in one frame, wire.DefaultChunkSize if 0
	ChunkSize int
	// Timeout bounds requests without context deadline, DefaultTimeout if 0
	Timeout time.Duration
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	token := "(none)"
	if c.Token != "" {
		token = "(set)"
	}
	return fmt.Sprintf("\nLIVE CLIENT\n  %-22s: %s\n  %-22s: %s\n  %-22s: %d bytes\n  %-22s: %s\n",
		"URL", c.URL, "Token", token, "Chunk Size", c.ChunkSize, "Timeout", c.timeout())
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// route receives the server messages of one message id
type route func(r *proto.Reply)

// Client is a connection to a live server. Server messages are dispatched
// by one reader goroutine; handlers never block it.
type Client struct {
	config  Config
	ws      *websocket.Conn
	writer  *wire.Writer
	batcher *wire.Batcher
	state   *entitystate.EntityState

	mu     sync.Mutex
	nextID uint64
	routes map[uint64]route
	closed bool
	err    error
	done   chan struct{}
}

// Dial connects to the server and authenticates if a token is configured
func Dial(ctx context.Context, config Config) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}

	c := &Client{
		config: config,
		ws:     ws,
		state:  entitystate.New(),
		routes: make(map[uint64]route),
		done:   make(chan struct{}),
	}
	var writeMu sync.Mutex
	c.writer = wire.NewWriter(func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteMessage(websocket.TextMessage, frame)
	}, config.ChunkSize)
	c.batcher = wire.NewBatcher(c.onMessage)
	go c.read()

	if config.Token != "" {
		ok, err := c.Authenticate(ctx, config.Token)
		if err != nil {
			c.Close()
			return nil, err
		}
		if !ok {
			c.Close()
			return nil, proto.ErrAuthentication
		}
	}
	Logger.Debugf("Connected to %s", config.URL)
	return c, nil
}

// State returns the entity cache of the connection
func (c *Client) State() *entitystate.EntityState {
	return c.state
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, nil while open or after Close
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// Authenticate sends token and reports whether the server accepted it
func (c *Client) Authenticate(ctx context.Context, token string) (bool, error) {
	r, err := c.request(ctx, &proto.Request{Name: proto.NameAuthenticate, Token: token})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(r.Next, &ok); err != nil {
		return false, fmt.Errorf("decode authenticate result: %w", err)
	}
	return ok, nil
}

// ActionTypes asks the server for the declaration of an action
func (c *Client) ActionTypes(ctx context.Context, controller, actionName string) (action.Descriptor, error) {
	var d action.Descriptor
	r, err := c.request(ctx, &proto.Request{Name: proto.NameActionTypes, Controller: controller, Action: actionName})
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(r.Next, &d); err != nil {
		return d, fmt.Errorf("decode action types: %w", err)
	}
	return d, nil
}

// request sends req and returns the first reply. Error replies are returned
// as typed errors.
func (c *Client) request(ctx context.Context, req *proto.Request) (*proto.Reply, error) {
	ch := make(chan *proto.Reply, 1)
	id, err := c.send(req, func(r *proto.Reply) {
		c.removeRoute(req.ID)
		ch <- r
	})
	if err != nil {
		return nil, err
	}
	r, err := c.wait(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	if r.Type == proto.TypeError {
		return nil, proto.DecodeError(r)
	}
	return r, nil
}

// notify sends req without waiting. A failure reply is logged.
func (c *Client) notify(req *proto.Request) {
	_, err := c.send(req, func(r *proto.Reply) {
		c.removeRoute(r.ID)
		if r.Type == proto.TypeError {
			Logger.Debugf("%s for %d failed: %v", req.Name, req.ForID, proto.DecodeError(r))
		}
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		Logger.Debugf("%s for %d failed: %v", req.Name, req.ForID, err)
	}
}

// send assigns the message id, registers the route of the replies and
// writes req
func (c *Client) send(req *proto.Request, fn route) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	c.routes[req.ID] = fn
	c.mu.Unlock()

	if err := c.writer.Write(req.ID, req); err != nil {
		c.removeRoute(req.ID)
		return 0, fmt.Errorf("send %s: %w", req.Name, err)
	}
	return req.ID, nil
}

// wait blocks for the next value of ch, the context or the connection end
func (c *Client) wait(ctx context.Context, id uint64, ch <-chan *proto.Reply) (*proto.Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.timeout())
		defer cancel()
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		c.removeRoute(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Client) setRoute(id uint64, fn route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.routes[id] = fn
	}
}

func (c *Client) removeRoute(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, id)
}

// --------------------------------------------------------------------------
// Reading
// --------------------------------------------------------------------------

func (c *Client) read() {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.batcher.Handle(data); err != nil {
			Logger.Warningf("Dropping bad frame: %v", err)
		}
	}
}

// onMessage dispatches one reassembled server message
func (c *Client) onMessage(data []byte) {
	msgType, _, err := proto.PeekType(data)
	if err != nil {
		Logger.Warningf("Dropping message: %v", err)
		return
	}

	if proto.IsEntityMessage(msgType) {
		m := &proto.EntityMessage{}
		if err := json.Unmarshal(data, m); err != nil {
			Logger.Warningf("Dropping %s: %v", msgType, err)
			return
		}
		e, err := m.Event()
		if err != nil {
			Logger.Warningf("Dropping %s: %v", msgType, err)
			return
		}
		c.state.HandleEntity(m.EntityName, e)
		return
	}

	r := &proto.Reply{}
	if err := json.Unmarshal(data, r); err != nil {
		Logger.Warningf("Dropping %s: %v", msgType, err)
		return
	}
	c.mu.Lock()
	fn, ok := c.routes[r.ID]
	c.mu.Unlock()
	if !ok {
		Logger.Debugf("No receiver for %s of %d", r.Type, r.ID)
		return
	}
	fn(r)
}

// shutdown closes the socket once and fails every pending route
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.err = cause
	}
	c.routes = make(map[uint64]route)
	c.mu.Unlock()

	c.writer.Close()
	_ = c.ws.Close()
	close(c.done)
	if cause != nil {
		Logger.Debugf("Connection to %s closed: %v", c.config.URL, cause)
	}
}
