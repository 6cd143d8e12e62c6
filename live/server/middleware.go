package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ValentinKolb/dSync/lib/collection"
	"github.com/ValentinKolb/dSync/lib/subject"
	"github.com/ValentinKolb/dSync/live/action"
	"github.com/ValentinKolb/dSync/live/proto"
)

// streamHandle is a stream result and its subscribers by subscribe id
type streamHandle struct {
	source action.StreamSource

	mu          sync.Mutex
	closed      bool
	subscribers map[uint64]func()
}

// reserve claims sid before subscribing, the stream may emit synchronously
func (h *streamHandle) reserve(sid uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("subject already unsubscribed")
	}
	if _, ok := h.subscribers[sid]; ok {
		return fmt.Errorf("subscriber %d already registered", sid)
	}
	h.subscribers[sid] = nil
	return nil
}

// attach stores the unsubscribe function of a reserved subscriber. It
// reports false if the reservation was dropped in between.
func (h *streamHandle) attach(sid uint64, unsubscribe func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sid]; !ok || h.closed {
		return false
	}
	h.subscribers[sid] = unsubscribe
	return true
}

func (h *streamHandle) detach(sid uint64) (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unsubscribe, ok := h.subscribers[sid]
	delete(h.subscribers, sid)
	return unsubscribe, ok
}

// close drops every subscriber and releases the producer
func (h *streamHandle) close() {
	h.mu.Lock()
	h.closed = true
	subscribers := h.subscribers
	h.subscribers = make(map[uint64]func())
	h.mu.Unlock()

	for _, unsubscribe := range subscribers {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	h.source.Close()
}

// collectionHandle forwards the events of a collection result. mu orders
// the initial snapshot before every incremental event.
type collectionHandle struct {
	col *collection.Collection

	mu     sync.Mutex
	closed bool
	stop   []func()
}

func (h *collectionHandle) stopAll() {
	h.mu.Lock()
	h.closed = true
	stop := h.stop
	h.stop = nil
	h.mu.Unlock()

	for _, fn := range stop {
		fn()
	}
}

// close stops forwarding and releases the member leases
func (h *collectionHandle) close() {
	h.stopAll()
	h.col.Close()
}

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// out sends the result of action id and registers its live parts
func (c *Connection) out(id uint64, d action.Descriptor, res action.Result) {
	switch r := res.(type) {
	case action.Scalar:
		c.replyValue(id, proto.TypeNextJSON, r.Value)
	case action.Entity:
		c.outEntity(id, r.Subject)
	case action.Stream:
		c.outStream(id, r.Source)
	case action.Collection:
		c.outCollection(id, r.Collection)
	default:
		c.sendError(id, fmt.Errorf("%s returned an unsupported result %T", d.Name(), res))
	}
}

func (c *Connection) outEntity(id uint64, subj *subject.EntitySubject) {
	if subj == nil || subj.Empty() {
		if subj != nil {
			subj.Close()
		}
		c.reply(&proto.Reply{ID: id, Type: proto.TypeType, ReturnType: proto.ReturnEntity})
		c.complete(id)
		return
	}

	if err := c.register(id, func() { c.entities[id] = subj }); err != nil {
		subj.Close()
		c.sendError(id, err)
		return
	}
	// further changes travel as entity messages of the storage
	c.reply(&proto.Reply{
		ID:         id,
		Type:       proto.TypeType,
		ReturnType: proto.ReturnEntity,
		EntityName: subj.EntityName(),
		Item:       subj.Value(),
	})
	c.complete(id)
}

func (c *Connection) outStream(id uint64, src action.StreamSource) {
	h := &streamHandle{source: src, subscribers: make(map[uint64]func())}
	if err := c.register(id, func() { c.streams[id] = h }); err != nil {
		src.Close()
		c.sendError(id, err)
		return
	}
	c.reply(&proto.Reply{ID: id, Type: proto.TypeType, ReturnType: proto.ReturnObservable})
}

func (c *Connection) outCollection(id uint64, col *collection.Collection) {
	h := &collectionHandle{col: col}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := c.register(id, func() { c.collections[id] = h }); err != nil {
		col.Close()
		c.sendError(id, err)
		return
	}

	h.stop = append(h.stop, col.Subscribe(func(e collection.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		if next := proto.NewCollectionNext(e, len(e.Items)); next != nil {
			c.replyValue(id, proto.TypeNextCollection, next)
		}
	}))
	h.stop = append(h.stop, col.Pagination().OnEvent(func(e collection.PaginationEvent) {
		var eventType string
		switch {
		case strings.HasPrefix(e.Type, "server:"):
			eventType = e.Type
		case e.Type == collection.PaginationApply:
			// the owner changed the parameters, the client gets the new state
			eventType = collection.PaginationServerChange
		default:
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return
		}
		c.replyValue(id, proto.TypeNextCollection, &proto.CollectionNext{
			Type:  proto.CollectionPaginationType,
			Event: &proto.PaginationEvent{Type: eventType, PaginationState: e.State},
		})
	}))

	state := col.Pagination().State()
	c.reply(&proto.Reply{
		ID:         id,
		Type:       proto.TypeType,
		ReturnType: proto.ReturnCollection,
		EntityName: col.EntityName(),
		Pagination: &state,
	})
	items := col.All()
	c.replyValue(id, proto.TypeNextCollection, proto.NewCollectionNext(
		collection.Event{Type: collection.EventSet, Items: items}, len(items)))

	// a collection closed by its producer completes the action
	go func() {
		select {
		case <-col.Done():
		case <-c.ctx.Done():
			return
		}
		c.mu.Lock()
		owned := c.collections[id] == h
		if owned {
			delete(c.collections, id)
		}
		c.mu.Unlock()
		if owned {
			h.stopAll()
			c.complete(id)
		}
	}()
}

// --------------------------------------------------------------------------
// Control messages
// --------------------------------------------------------------------------

func (c *Connection) unsubscribeEntity(req *proto.Request) error {
	c.mu.Lock()
	subj, ok := c.entities[req.ForID]
	delete(c.entities, req.ForID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no entity sent for message %d", req.ForID)
	}
	subj.Close()
	c.ack(req.ID)
	return nil
}

func (c *Connection) streamOf(id uint64) (*streamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("no observable registered for message %d", id)
	}
	return h, nil
}

func (c *Connection) subscribeObservable(req *proto.Request) error {
	id, sid := req.ForID, req.SubscribeID

	h, err := c.streamOf(id)
	if err != nil {
		return err
	}
	if err := h.reserve(sid); err != nil {
		return err
	}

	first := true
	send := func(msgType string, v any, appended bool) {
		raw, err := json.Marshal(v)
		if err != nil {
			c.sendStreamError(id, sid, fmt.Errorf("encode %s: %w", msgType, err))
			return
		}
		r := &proto.Reply{ID: id, Type: msgType, SubscribeID: sid}
		if appended {
			r.Append = raw
		} else {
			r.Next = raw
		}
		c.reply(r)
	}
	unsubscribe := h.source.SubscribeAny(subject.Observer[any]{
		Next: func(v any) {
			if first {
				first = false
				send(proto.TypeNextObservable, v, false)
				return
			}
			send(proto.TypeNextSubject, v, false)
		},
		Append: func(delta any) {
			send(proto.TypeAppendSubject, delta, true)
		},
		Complete: func() {
			c.reply(&proto.Reply{ID: id, Type: proto.TypeComplete, SubscribeID: sid})
		},
		Error: func(err error) {
			c.sendStreamError(id, sid, err)
		},
	})
	if !h.attach(sid, unsubscribe) {
		unsubscribe()
	}

	c.ack(req.ID)
	return nil
}

func (c *Connection) sendStreamError(id, sid uint64, err error) {
	r := proto.NewErrorReply(id, wireError(err), "")
	r.SubscribeID = sid
	c.reply(r)
}

func (c *Connection) unsubscribeObservable(req *proto.Request) error {
	h, err := c.streamOf(req.ForID)
	if err != nil {
		return err
	}
	unsubscribe, ok := h.detach(req.SubscribeID)
	if !ok {
		return fmt.Errorf("subscriber %d already unsubscribed", req.SubscribeID)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.ack(req.ID)
	return nil
}

func (c *Connection) unsubscribeSubject(req *proto.Request) error {
	c.mu.Lock()
	h, ok := c.streams[req.ForID]
	delete(c.streams, req.ForID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("subject not subscribed %d", req.ForID)
	}
	h.close()
	c.ack(req.ID)
	return nil
}

func (c *Connection) unsubscribeCollection(req *proto.Request) {
	c.mu.Lock()
	h, ok := c.collections[req.ForID]
	delete(c.collections, req.ForID)
	c.mu.Unlock()

	if ok {
		h.close()
	}
	c.ack(req.ID)
}

// paginate applies the pagination of the client and lets the query
// re-evaluate
func (c *Connection) paginate(req *proto.Request) {
	if col, ok := c.collectionOf(req.ForID); ok {
		p := col.Pagination()
		p.SetSort(req.Sort)
		p.SetPage(req.Page)
		p.SetItemsPerPage(req.ItemsPerPage)
		p.SetParameters(req.Parameters)
		p.Emit(collection.PaginationClientApply)
	}
	c.ack(req.ID)
}
