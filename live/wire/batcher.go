package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxMessageSize is the largest chunked message that is reassembled
const MaxMessageSize = 64 << 20

// batch is a chunked message being reassembled
type batch struct {
	messageID uint64
	total     int
	data      []byte
}

// Batcher reassembles chunked messages. Complete messages are passed to the
// callback; frames of unknown or duplicate chunks are errors of that frame
// only.
type Batcher struct {
	callback func(message []byte)

	mu       sync.Mutex
	batches  map[string]*batch
	progress map[uint64][]*Progress
}

// NewBatcher creates a batcher calling cb for every complete message
func NewBatcher(cb func(message []byte)) *Batcher {
	return &Batcher{
		callback: cb,
		batches:  make(map[string]*batch),
		progress: make(map[uint64][]*Progress),
	}
}

// RegisterProgress reports the receiving of the message with messageID to p
func (b *Batcher) RegisterProgress(messageID uint64, p ...*Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress[messageID] = append(b.progress[messageID], p...)
}

// Pending returns the number of chunked messages not yet complete
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// Handle processes one received frame
func (b *Batcher) Handle(frame []byte) error {
	switch {
	case bytes.HasPrefix(frame, []byte(PrefixBatchStart)):
		parts := strings.SplitN(string(frame[len(PrefixBatchStart):]), ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("malformed batch start %q", frame)
		}
		messageID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return fmt.Errorf("malformed batch start message id: %w", err)
		}
		total, err := strconv.Atoi(parts[2])
		if err != nil {
			return fmt.Errorf("malformed batch start length: %w", err)
		}
		if total < 0 || total > MaxMessageSize {
			return fmt.Errorf("batch start length %d out of range [0, %d]", total, MaxMessageSize)
		}
		chunkID := parts[1]

		b.mu.Lock()
		if _, ok := b.batches[chunkID]; ok {
			b.mu.Unlock()
			return fmt.Errorf("chunk %s already exists", chunkID)
		}
		b.batches[chunkID] = &batch{messageID: messageID, total: total, }
		progress := b.progress[messageID]
		b.mu.Unlock()

		for _, p := range progress {
			p.setStart(total)
		}
		return nil

	case bytes.HasPrefix(frame, []byte(PrefixBatch)):
		rest := frame[len(PrefixBatch):]
		i := bytes.IndexByte(rest, ':')
		if i < 0 {
			return fmt.Errorf("malformed batch frame")
		}
		chunkID := string(rest[:i])
		fragment := rest[i+1:]

		b.mu.Lock()
		bt, ok := b.batches[chunkID]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("chunk %s does not exist", chunkID)
		}
		if len(bt.data)+len(fragment) > bt.total {
			delete(b.batches, chunkID)
			b.mu.Unlock()
			return fmt.Errorf("chunk %s exceeds its announced length %d", chunkID, bt.total)
		}
		bt.data = append(bt.data, fragment...)
		progress := b.progress[bt.messageID]
		b.mu.Unlock()

		for _, p := range progress {
			p.addBatch(len(fragment))
		}
		return nil

	case bytes.HasPrefix(frame, []byte(PrefixBatchEnd)):
		chunkID := string(frame[len(PrefixBatchEnd):])

		b.mu.Lock()
		bt, ok := b.batches[chunkID]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("chunk %s does not exist", chunkID)
		}
		delete(b.batches, chunkID)
		progress := b.progress[bt.messageID]
		delete(b.progress, bt.messageID)
		b.mu.Unlock()

		if len(bt.data) != bt.total {
			Logger.Warningf("chunk %s has %d bytes, announced %d", chunkID, len(bt.data), bt.total)
		}
		b.callback(bt.data)
		for _, p := range progress {
			p.setDone()
		}
		return nil
	}

	b.complete(frame)
	return nil
}

// complete passes a single frame message on. A next/* reply also finishes
// the progress of its id.
func (b *Batcher) complete(message []byte) {
	var head struct {
		ID   uint64 `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err == nil && strings.HasPrefix(head.Type, "next/") {
		b.mu.Lock()
		progress := b.progress[head.ID]
		delete(b.progress, head.ID)
		b.mu.Unlock()
		for _, p := range progress {
			p.setDone()
		}
	}
	b.callback(message)
}
