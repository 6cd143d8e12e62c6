package pubsub

import (
	"sort"
	"sync"
)

// ISubscriber receives the messages of the channels it is subscribed to
type ISubscriber interface {
	// ID identifies the subscriber, typically a connection id
	ID() string
	// Deliver is called for every message published to a subscribed channel.
	// It is called with the channel lock held and should return quickly.
	Deliver(channel string, payload []byte)
}

// channel is one topic with its subscribers. mu is held while delivering so
// every subscriber sees the messages of a channel in publish order.
type channel struct {
	mu   sync.Mutex
	subs map[string]ISubscriber
}

// Hub tracks channel membership and fans published messages out
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	bySub    map[string]map[string]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		bySub:    make(map[string]map[string]struct{}),
	}
}

// Subscribe adds sub to the channel. It returns false if sub was already
// subscribed.
func (h *Hub) Subscribe(name string, sub ISubscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{subs: make(map[string]ISubscriber)}
		h.channels[name] = ch
	}

	ch.mu.Lock()
	_, exists := ch.subs[sub.ID()]
	ch.subs[sub.ID()] = sub
	ch.mu.Unlock()

	names, ok := h.bySub[sub.ID()]
	if !ok {
		names = make(map[string]struct{})
		h.bySub[sub.ID()] = names
	}
	names[name] = struct{}{}
	return !exists
}

// Unsubscribe removes the subscriber from the channel. It returns false if it
// was not subscribed.
func (h *Hub) Unsubscribe(name, subID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unsubscribeLocked(name, subID)
}

// UnsubscribeAll removes the subscriber from every channel and returns the
// channel names it was subscribed to
func (h *Hub) UnsubscribeAll(subID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var names []string
	for name := range h.bySub[subID] {
		names = append(names, name)
	}
	for _, name := range names {
		h.unsubscribeLocked(name, subID)
	}
	sort.Strings(names)
	return names
}

// Publish delivers payload to every subscriber of the channel and returns the
// number of receivers
func (h *Hub) Publish(name string, payload []byte) int {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, sub := range ch.subs {
		sub.Deliver(name, payload)
	}
	return len(ch.subs)
}

// Subscribers returns the number of subscribers of a channel
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Channels returns the number of channels with at least one subscriber
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) unsubscribeLocked(name, subID string) bool {
	ch, ok := h.channels[name]
	if !ok {
		return false
	}

	ch.mu.Lock()
	_, exists := ch.subs[subID]
	delete(ch.subs, subID)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()

	if empty {
		delete(h.channels, name)
	}
	if names, ok := h.bySub[subID]; ok {
		delete(names, name)
		if len(names) == 0 {
			delete(h.bySub, subID)
		}
	}
	return exists
}
