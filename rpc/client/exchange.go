package client

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/util"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// DefaultTimeout bounds a request when the config has no timeout
const DefaultTimeout = 10 * time.Second

// Exchange is the client of the exchange broker. One Exchange owns one
// transport connection. Channel subscriptions are multiplexed: the broker sees
// at most one subscription per channel. Local callbacks are called in publish
// order on a single dispatch goroutine, in the order they subscribed.
type Exchange struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	dispatcher *util.Dispatcher

	subMu     sync.Mutex // serializes subscribe/unsubscribe round trips
	mu        sync.Mutex // protects channels and nextSubID
	channels  map[string]map[uint64]func([]byte)
	nextSubID uint64
}

// NewExchange connects the transport and returns the exchange client
func NewExchange(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Exchange, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	e := &Exchange{
		config:     config,
		transport:  transport,
		serializer: serializer,
		dispatcher: util.NewDispatcher(),
		channels:   make(map[string]map[uint64]func([]byte)),
	}

	transport.OnPush(e.onPush)
	if err := transport.Connect(config); err != nil {
		e.dispatcher.Close()
		return nil, err
	}

	go func() {
		<-transport.Done()
		e.dispatcher.Close()
	}()

	return e, nil
}

// --------------------------------------------------------------------------
// Key value
// --------------------------------------------------------------------------

// Get returns the value of key. An unknown key is not an error, found is false.
func (e *Exchange) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	resp, err := e.invoke(ctx, common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Payload, resp.Ok, nil
}

// Set stores value under key. A ttl of 0 keeps it until deleted.
func (e *Exchange) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	_, err := e.invoke(ctx, common.NewSetRequest(key, value, ttl))
	return err
}

// Del removes key
func (e *Exchange) Del(ctx context.Context, key string) error {
	_, err := e.invoke(ctx, common.NewDelRequest(key))
	return err
}

// --------------------------------------------------------------------------
// Pub/sub
// --------------------------------------------------------------------------

// Publish sends payload to every subscriber of channel
func (e *Exchange) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := e.invoke(ctx, common.NewPublishRequest(channel, payload))
	return err
}

// Subscribe registers cb for channel. The broker subscription is created with
// the first local callback and removed with the last one.
func (e *Exchange) Subscribe(ctx context.Context, channel string, cb func(payload []byte)) (*Subscription, error) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.mu.Lock()
	callbacks, exists := e.channels[channel]
	if !exists {
		callbacks = make(map[uint64]func([]byte))
		e.channels[channel] = callbacks
	}
	e.nextSubID++
	id := e.nextSubID
	// registered before the request so no push after the reply is missed
	callbacks[id] = cb
	e.mu.Unlock()

	if !exists {
		if _, err := e.invoke(ctx, common.NewSubscribeRequest(channel)); err != nil {
			e.mu.Lock()
			delete(e.channels, channel)
			e.mu.Unlock()
			return nil, err
		}
		Logger.Debugf("subscribed to channel %s", channel)
	}

	return &Subscription{exchange: e, channel: channel, id: id}, nil
}

// unsubscribe removes a local callback and the broker subscription once no
// callback is left
func (e *Exchange) unsubscribe(channel string, id uint64) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.mu.Lock()
	callbacks, ok := e.channels[channel]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(callbacks, id)
	last := len(callbacks) == 0
	if last {
		delete(e.channels, channel)
	}
	e.mu.Unlock()

	if !last {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()
	_, err := invokeRPCRequest(ctx, common.NewUnsubscribeRequest(channel), e.transport, e.serializer)
	if err != nil {
		return err
	}
	Logger.Debugf("unsubscribed from channel %s", channel)
	return nil
}

// Subscriptions returns the number of local callbacks for channel
func (e *Exchange) Subscriptions(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels[channel])
}

// --------------------------------------------------------------------------
// Locks
// --------------------------------------------------------------------------

// Lock acquires the named lock. A negative timeout waits forever, 0 tries
// exactly once. When the lock is not granted in time the error matches
// ErrLockTimeout.
func (e *Exchange) Lock(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout+timeout)
		defer cancel()
	}

	resp, err := invokeRPCRequest(ctx, common.NewLockRequest(name, timeout), e.transport, e.serializer)
	if err != nil {
		return nil, err
	}
	return &Lock{exchange: e, name: name, ownerID: string(resp.Payload)}, nil
}

// IsLocked reports whether the named lock is currently held
func (e *Exchange) IsLocked(ctx context.Context, name string) (bool, error) {
	resp, err := e.invoke(ctx, common.NewIsLockedRequest(name))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (e *Exchange) unlock(name, ownerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()
	resp, err := invokeRPCRequest(ctx, common.NewUnlockRequest(name, ownerID), e.transport, e.serializer)
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// --------------------------------------------------------------------------
// Entities
// --------------------------------------------------------------------------

// PublishEntity publishes a change event on the channel of the entity type
func (e *Exchange) PublishEntity(ctx context.Context, entityName string, event *entity.Event) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode entity event: %w", err)
	}
	return e.Publish(ctx, entity.ChannelName(entityName), data)
}

// SubscribeEntity calls cb for every change event of the entity type.
// Events that can not be decoded are logged and dropped.
func (e *Exchange) SubscribeEntity(ctx context.Context, entityName string, cb func(*entity.Event)) (*Subscription, error) {
	return e.Subscribe(ctx, entity.ChannelName(entityName), func(payload []byte) {
		event, err := entity.DecodeEvent(payload)
		if err != nil {
			Logger.Warningf("dropping event of %s: %v", entityName, err)
			return
		}
		cb(event)
	})
}

// SubscribeEntityFields registers fields that every patch event of the entity
// type must carry in its item
func (e *Exchange) SubscribeEntityFields(ctx context.Context, entityName string, fields []string) (*FieldSubscription, error) {
	if len(fields) == 0 {
		return &FieldSubscription{}, nil
	}
	if _, err := e.invoke(ctx, common.NewEntityFieldsRequest(entityName, fields)); err != nil {
		return nil, err
	}
	return &FieldSubscription{exchange: e, entityName: entityName, fields: fields}, nil
}

// GetSubscribedEntityFields returns the fields registered by all connections
func (e *Exchange) GetSubscribedEntityFields(ctx context.Context, entityName string) ([]string, error) {
	resp, err := e.invoke(ctx, common.NewGetEntityFieldsRequest(entityName))
	if err != nil {
		return nil, err
	}
	return common.DecodeFields(resp.Payload), nil
}

// --------------------------------------------------------------------------
// Files
// --------------------------------------------------------------------------

// FileChannelName returns the exchange channel of a streaming file
func FileChannelName(fileID string) string {
	return "file/" + fileID
}

// PublishFile publishes a file content event
func (e *Exchange) PublishFile(ctx context.Context, fileID string, payload []byte) error {
	return e.Publish(ctx, FileChannelName(fileID), payload)
}

// SubscribeFile calls cb for every content event of the file
func (e *Exchange) SubscribeFile(ctx context.Context, fileID string, cb func(payload []byte)) (*Subscription, error) {
	return e.Subscribe(ctx, FileChannelName(fileID), cb)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Done is closed when the connection to the broker is lost or closed
func (e *Exchange) Done() <-chan struct{} {
	return e.transport.Done()
}

// Close closes the connection. Callbacks already queued still run.
func (e *Exchange) Close() error {
	err := e.transport.Close()
	e.dispatcher.Close()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// invoke sends req bounded by the configured request timeout
func (e *Exchange) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	return invokeRPCRequest(ctx, req, e.transport, e.serializer)
}

// onPush runs on the transport reader and only queues the delivery
func (e *Exchange) onPush(data []byte) {
	msg := common.Message{}
	if err := e.serializer.Deserialize(data, &msg); err != nil {
		Logger.Warningf("dropping undecodable push: %v", err)
		return
	}
	if msg.MsgType != common.MsgTPublish {
		Logger.Warningf("dropping push of type %s", msg.MsgType)
		return
	}

	e.dispatcher.Push(func() {
		e.mu.Lock()
		subs := e.channels[msg.Arg]
		ids := make([]uint64, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		callbacks := make([]func([]byte), 0, len(ids))
		for _, id := range ids {
			callbacks = append(callbacks, subs[id])
		}
		e.mu.Unlock()

		for _, cb := range callbacks {
			cb(msg.Payload)
		}
	})
}

// --------------------------------------------------------------------------
// Handles
// --------------------------------------------------------------------------

// Subscription is a local channel callback
type Subscription struct {
	exchange *Exchange
	channel  string
	id       uint64
	once     sync.Once
}

// Channel returns the subscribed channel name
func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe removes the callback. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() (err error) {
	s.once.Do(func() {
		err = s.exchange.unsubscribe(s.channel, s.id)
	})
	return err
}

// FieldSubscription is a registration made with SubscribeEntityFields
type FieldSubscription struct {
	exchange   *Exchange
	entityName string
	fields     []string
	once       sync.Once
}

// Unsubscribe releases the registered fields. Calling it more than once is a no-op.
func (s *FieldSubscription) Unsubscribe() (err error) {
	if s.exchange == nil {
		return nil
	}
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.exchange.config.Timeout)
		defer cancel()
		_, err = invokeRPCRequest(ctx, common.NewDelEntityFieldsRequest(s.entityName, s.fields), s.exchange.transport, s.exchange.serializer)
	})
	return err
}

// Lock is a held broker lock
type Lock struct {
	exchange *Exchange
	name     string
	ownerID  string
	once     sync.Once
}

// Name returns the lock name
func (l *Lock) Name() string {
	return l.name
}

// OwnerID returns the lease owner id assigned by the broker
func (l *Lock) OwnerID() string {
	return l.ownerID
}

// Unlock releases the lock. Calling it more than once is a no-op.
func (l *Lock) Unlock() (err error) {
	l.once.Do(func() {
		var released bool
		released, err = l.exchange.unlock(l.name, l.ownerID)
		if err == nil && !released {
			Logger.Debugf("lock %s was no longer held by %s", l.name, l.ownerID)
		}
	})
	return err
}
