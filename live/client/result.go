package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/proto"
)

// Result is the outcome of an action call. Exactly one of the value fields
// is set according to Kind; Entity is nil if the action found nothing.
type Result struct {
	Kind       action.ResultKind
	Value      json.RawMessage
	Entity     *subject.EntitySubject
	Stream     *StreamHandle
	Collection *CollectionHandle
}

// Decode unmarshals the value of a scalar result
func Decode[T any](r *Result) (T, error) {
	var v T
	if r.Kind != action.ResultScalar {
		return v, fmt.Errorf("cannot decode a %s result", r.Kind)
	}
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

// Close releases the live parts of the result on the server
func (r *Result) Close(ctx context.Context) error {
	switch {
	case r.Entity != nil:
		r.Entity.Close()
	case r.Stream != nil:
		return r.Stream.Close(ctx)
	case r.Collection != nil:
		return r.Collection.Close(ctx)
	}
	return nil
}

type outcome struct {
	res *Result
	err error
}

// Call runs controller.action with args. Every argument is sent as JSON.
func (c *Client) Call(ctx context.Context, controller, actionName string, args ...any) (*Result, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw[i] = data
	}
	req := &proto.Request{Name: proto.NameAction, Controller: controller, Action: actionName, Args: raw}

	ch := make(chan outcome, 1)
	id, err := c.send(req, func(r *proto.Reply) {
		res, err := c.result(req.ID, r)
		ch <- outcome{res: res, err: err}
	})
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.timeout())
		defer cancel()
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		c.removeRoute(id)
		// a result built while giving up is released in the background
		go func() {
			select {
			case o := <-ch:
				if o.res != nil {
					closeCtx, cancel := context.WithTimeout(context.Background(), c.config.timeout())
					defer cancel()
					_ = o.res.Close(closeCtx)
				}
			case <-c.done:
			case <-time.After(c.config.timeout()):
			}
		}()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// result turns the first reply of an action into a Result and installs the
// route of the following messages. It runs on the reader goroutine, so no
// message of the action can overtake it.
func (c *Client) result(id uint64, r *proto.Reply) (*Result, error) {
	switch r.Type {
	case proto.TypeError:
		c.removeRoute(id)
		return nil, proto.DecodeError(r)

	case proto.TypeNextJSON:
		c.removeRoute(id)
		return &Result{Kind: action.ResultScalar, Value: r.Next}, nil

	case proto.TypeType:
		switch r.ReturnType {
		case proto.ReturnEntity:
			c.setRoute(id, c.untilComplete(id))
			res := &Result{Kind: action.ResultEntity}
			if r.Item != nil {
				res.Entity = c.state.Subject(r.EntityName, r.Item, func() {
					c.notify(&proto.Request{Name: proto.NameEntityUnsubscribe, ForID: id})
				})
			}
			return res, nil

		case proto.ReturnObservable:
			h := &StreamHandle{c: c, id: id, subscribers: make(map[uint64]*subject.Stream[any])}
			c.setRoute(id, h.route)
			return &Result{Kind: action.ResultStream, Stream: h}, nil

		case proto.ReturnCollection:
			col := collection.New(r.EntityName)
			if r.Pagination != nil {
				col.Pagination().Update(*r.Pagination)
			}
			h := &CollectionHandle{c: c, id: id, col: col}
			col.AddTeardown(func() {
				if h.release() {
					c.notify(&proto.Request{Name: proto.NameCollectionUnsubscribe, ForID: id})
				}
			})
			c.setRoute(id, h.route)
			return &Result{Kind: action.ResultCollection, Collection: h}, nil
		}
		c.removeRoute(id)
		return nil, fmt.Errorf("unknown return type %q", r.ReturnType)
	}

	c.removeRoute(id)
	return nil, fmt.Errorf("unexpected %s message for action %d", r.Type, id)
}

// untilComplete swallows the remaining messages of an action
func (c *Client) untilComplete(id uint64) route {
	return func(r *proto.Reply) {
		switch r.Type {
		case proto.TypeComplete:
			c.removeRoute(id)
		case proto.TypeError:
			c.removeRoute(id)
			Logger.Debugf("Action %d failed after its result: %v", id, proto.DecodeError(r))
		}
	}
}

// --------------------------------------------------------------------------
// Streams
// --------------------------------------------------------------------------

// StreamHandle is an observable announced by the server. Every Subscribe
// creates an independent subscription with its own subscribe id.
type StreamHandle struct {
	c  *Client
	id uint64

	mu          sync.Mutex
	closed      bool
	nextSID     uint64
	subscribers map[uint64]*subject.Stream[any]
}

// Subscribe starts a subscription. The returned stream holds the current
// value once Subscribe returns. Closing it unsubscribes on the server.
func (h *StreamHandle) Subscribe(ctx context.Context) (*subject.Stream[any], error) {
	s := subject.NewStream[any](nil, nil)
	s.SetAppender(appendValue)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextSID++
	sid := h.nextSID
	h.subscribers[sid] = s
	h.mu.Unlock()

	_, err := h.c.request(ctx, &proto.Request{Name: proto.NameObservableSubscribe, ForID: h.id, SubscribeID: sid})
	if err != nil {
		h.drop(sid)
		s.Close()
		return nil, err
	}
	s.AddTeardown(func() {
		if h.drop(sid) {
			h.c.notify(&proto.Request{Name: proto.NameObservableUnsubscribe, ForID: h.id, SubscribeID: sid})
		}
	})
	return s, nil
}

// Close ends every subscription and releases the producer on the server
func (h *StreamHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subscribers := h.subscribers
	h.subscribers = make(map[uint64]*subject.Stream[any])
	h.mu.Unlock()

	for _, s := range subscribers {
		s.Close()
	}
	h.c.removeRoute(h.id)
	_, err := h.c.request(ctx, &proto.Request{Name: proto.NameSubjectUnsubscribe, ForID: h.id})
	return err
}

// drop removes a subscriber and reports whether it was still registered
func (h *StreamHandle) drop(sid uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subscribers[sid]
	delete(h.subscribers, sid)
	return ok
}

func (h *StreamHandle) route(r *proto.Reply) {
	h.mu.Lock()
	s, ok := h.subscribers[r.SubscribeID]
	h.mu.Unlock()
	if !ok {
		return
	}

	switch r.Type {
	case proto.TypeNextObservable, proto.TypeNextSubject:
		v, err := decodeAny(r.Next)
		if err != nil {
			s.Error(err)
			return
		}
		s.Next(v)
	case proto.TypeAppendSubject:
		v, err := decodeAny(r.Append)
		if err != nil {
			s.Error(err)
			return
		}
		s.Append(v)
	case proto.TypeComplete:
		h.drop(r.SubscribeID)
		s.Complete()
	case proto.TypeError:
		h.drop(r.SubscribeID)
		s.Error(proto.DecodeError(r))
	}
}

func decodeAny(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode stream value: %w", err)
	}
	return v, nil
}

// appendValue folds a delta into a decoded stream value: strings are
// concatenated, arrays extended, anything else is replaced
func appendValue(cur, delta any) any {
	switch c := cur.(type) {
	case string:
		if d, ok := delta.(string); ok {
			return subject.ConcatString(c, d)
		}
	case []any:
		if d, ok := delta.([]any); ok {
			return append(c, d...)
		}
		return append(c, delta)
	case nil:
		return delta
	}
	return delta
}

// --------------------------------------------------------------------------
// Collections
// --------------------------------------------------------------------------

// CollectionHandle is a live collection kept in sync with the server. The
// members are the cached instances of the entity state, so entity changes
// show up as deep changes.
type CollectionHandle struct {
	c   *Client
	id  uint64
	col *collection.Collection

	releaseOnce sync.Once
}

// Collection returns the synchronized collection
func (h *CollectionHandle) Collection() *collection.Collection {
	return h.col
}

// Apply sends the current pagination of the collection to the server, which
// re-runs the query and pushes the new members
func (h *CollectionHandle) Apply(ctx context.Context) error {
	state := h.col.Pagination().State()
	_, err := h.c.request(ctx, &proto.Request{
		Name:         proto.NameCollectionPagination,
		ForID:        h.id,
		Sort:         state.Sort,
		Page:         state.Page,
		ItemsPerPage: state.ItemsPerPage,
		Parameters:   state.Parameters,
	})
	return err
}

// Close stops the synchronization and releases the member leases on the
// server
func (h *CollectionHandle) Close(ctx context.Context) error {
	var err error
	if h.release() {
		_, err = h.c.request(ctx, &proto.Request{Name: proto.NameCollectionUnsubscribe, ForID: h.id})
	}
	h.col.Close()
	return err
}

// release detaches the collection from the connection once and reports
// whether this call did it
func (h *CollectionHandle) release() bool {
	released := false
	h.releaseOnce.Do(func() {
		released = true
		h.c.removeRoute(h.id)
		h.c.state.UnsubscribeCollection(h.col)
	})
	return released
}

func (h *CollectionHandle) route(r *proto.Reply) {
	switch r.Type {
	case proto.TypeNextCollection:
		next := &proto.CollectionNext{}
		if err := json.Unmarshal(r.Next, next); err != nil {
			Logger.Warningf("Dropping collection event of %d: %v", h.id, err)
			return
		}
		if next.Type == proto.CollectionPaginationType {
			if next.Event != nil {
				h.c.state.HandlePagination(h.col, next.Event.PaginationState)
			}
			return
		}
		if e, ok := next.CollectionEvent(); ok {
			h.c.state.HandleCollection(h.col, e)
		}

	case proto.TypeComplete:
		h.release()
		h.col.Close()

	case proto.TypeError:
		Logger.Warningf("Collection %d failed: %v", h.id, proto.DecodeError(r))
		h.release()
		h.col.Close()
	}
}
