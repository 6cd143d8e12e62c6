package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/lockmgr"
	"github.com/ValentinKolb/dSync/lib/pubsub"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// --------------------------------------------------------------------------
// Key/value adapter
// --------------------------------------------------------------------------

// NewKVServerAdapter serves get, set and del from s
func NewKVServerAdapter(s store.IStore) IRPCServerAdapter {
	return &kvAdapter{store: s}
}

type kvAdapter struct {
	store store.IStore
}

func (a *kvAdapter) Handles(t common.MessageType) bool {
	return t == common.MsgTGet || t == common.MsgTSet || t == common.MsgTDel
}

func (a *kvAdapter) Handle(_ *Session, req *common.Message, reply func(*common.Message)) {
	switch req.MsgType {
	case common.MsgTGet:
		val, ok, err := a.store.Get(req.Arg)
		reply(common.NewGetResponse(val, ok, err))
	case common.MsgTSet:
		value := req.Payload
		if value == nil {
			value = []byte{}
		}
		reply(common.NewSetResponse(a.store.SetE(req.Arg, value, time.Duration(req.Timeout)*time.Millisecond)))
	case common.MsgTDel:
		reply(common.NewDelResponse(a.store.Delete(req.Arg)))
	}
}

func (a *kvAdapter) Release(*Session) {}

// --------------------------------------------------------------------------
// Lock adapter
// --------------------------------------------------------------------------

// NewLockServerAdapter serves lock, unlock and isLocked. Locks belong to the
// session that acquired them and are released when it closes.
func NewLockServerAdapter(locks lockmgr.ILockManager) IRPCServerAdapter {
	return &lockAdapter{locks: locks}
}

type lockAdapter struct {
	locks lockmgr.ILockManager
}

func (a *lockAdapter) Handles(t common.MessageType) bool {
	return t == common.MsgTLock || t == common.MsgTUnlock || t == common.MsgTIsLocked
}

func (a *lockAdapter) Handle(sess *Session, req *common.Message, reply func(*common.Message)) {
	switch req.MsgType {
	case common.MsgTLock:
		timeout := time.Duration(req.Timeout) * time.Millisecond
		if req.Timeout < 0 {
			timeout = -1
		}
		// waiting must not stall the other requests of the connection
		go func() {
			owner, err := a.locks.AcquireLock(sess.Context(), req.Arg, timeout)
			if err != nil {
				resp := common.NewLockResponse("", err)
				if errors.Is(err, lockmgr.ErrLockTimeout) {
					resp.Code = common.ErrCodeLockTimeout
				}
				reply(resp)
				return
			}
			if !sess.addLock(req.Arg, owner) {
				// the connection closed while the lock was granted
				_, _ = a.locks.ReleaseLock(req.Arg, owner)
				return
			}
			reply(common.NewLockResponse(owner, nil))
		}()
	case common.MsgTUnlock:
		owner := string(req.Payload)
		ok, err := a.locks.ReleaseLock(req.Arg, owner)
		sess.removeLock(req.Arg, owner)
		reply(common.NewUnlockResponse(ok, err))
	case common.MsgTIsLocked:
		locked, err := a.locks.IsLocked(req.Arg)
		reply(common.NewIsLockedResponse(locked, err))
	}
}

func (a *lockAdapter) Release(sess *Session) {
	for name, owner := range sess.takeLocks() {
		if _, err := a.locks.ReleaseLock(name, owner); err != nil {
			Logger.Warningf("Failed to release lock %s of %s: %v", name, sess.ID(), err)
		} else {
			Logger.Debugf("Released lock %s of closed connection %s", name, sess.ID())
		}
	}
}

// --------------------------------------------------------------------------
// Pub/sub adapter
// --------------------------------------------------------------------------

// NewPubSubServerAdapter serves publish, subscribe and unsubscribe
func NewPubSubServerAdapter(hub *pubsub.Hub) IRPCServerAdapter {
	return &pubSubAdapter{hub: hub}
}

type pubSubAdapter struct {
	hub *pubsub.Hub
}

func (a *pubSubAdapter) Handles(t common.MessageType) bool {
	return t == common.MsgTPublish || t == common.MsgTSubscribe || t == common.MsgTUnsubscribe
}

func (a *pubSubAdapter) Handle(sess *Session, req *common.Message, reply func(*common.Message)) {
	if req.Arg == "" {
		reply(common.NewErrorResponse(common.ErrCodeBadRequest, "missing channel"))
		return
	}
	switch req.MsgType {
	case common.MsgTPublish:
		n := a.hub.Publish(req.Arg, req.Payload)
		metricPublished.Inc()
		Logger.Debugf("Published to %s, %d receivers", req.Arg, n)
		reply(common.NewPublishResponse(nil))
	case common.MsgTSubscribe:
		a.hub.Subscribe(req.Arg, sess)
		reply(common.NewSubscribeResponse(nil))
	case common.MsgTUnsubscribe:
		a.hub.Unsubscribe(req.Arg, sess.ID())
		reply(common.NewUnsubscribeResponse(nil))
	}
}

func (a *pubSubAdapter) Release(sess *Session) {
	if channels := a.hub.UnsubscribeAll(sess.ID()); len(channels) > 0 {
		Logger.Debugf("Removed %s from %d channels", sess.ID(), len(channels))
	}
}

// --------------------------------------------------------------------------
// Entity field adapter
// --------------------------------------------------------------------------

// NewEntityFieldsServerAdapter serves the entity field registry messages
func NewEntityFieldsServerAdapter(registry *pubsub.FieldRegistry) IRPCServerAdapter {
	return &fieldsAdapter{registry: registry}
}

type fieldsAdapter struct {
	registry *pubsub.FieldRegistry
}

func (a *fieldsAdapter) Handles(t common.MessageType) bool {
	return t == common.MsgTEntityFields || t == common.MsgTDelEntityFields || t == common.MsgTGetEntityFields
}

func (a *fieldsAdapter) Handle(sess *Session, req *common.Message, reply func(*common.Message)) {
	if req.Arg == "" {
		reply(common.NewErrorResponse(common.ErrCodeBadRequest, "missing entity name"))
		return
	}
	fields := common.DecodeFields(req.Payload)
	switch req.MsgType {
	case common.MsgTEntityFields:
		reply(common.NewEntityFieldsResponse(req.MsgType, a.registry.Add(sess.ID(), req.Arg, fields), nil))
	case common.MsgTDelEntityFields:
		reply(common.NewEntityFieldsResponse(req.MsgType, a.registry.Remove(sess.ID(), req.Arg, fields), nil))
	case common.MsgTGetEntityFields:
		reply(common.NewEntityFieldsResponse(req.MsgType, a.registry.Get(req.Arg), nil))
	default:
		reply(common.NewErrorResponse(common.ErrCodeBadRequest, fmt.Sprintf("unsupported message type: %s", req.MsgType)))
	}
}

func (a *fieldsAdapter) Release(sess *Session) {
	a.registry.RemoveOwner(sess.ID())
}
