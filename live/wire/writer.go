package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("live/wire")

// DefaultChunkSize is the largest message sent as a single frame
const DefaultChunkSize = 100 * 1024

// Frame prefixes of a chunked message
const (
	PrefixBatchStart = "@batch-start:"
	PrefixBatch      = "@batch:"
	PrefixBatchEnd   = "@batch-end:"
)

// SendFunc sends one text frame
type SendFunc func(frame []byte) error

// Writer serializes messages to JSON and sends them as frames. Messages
// larger than the chunk size are split into a batch-start, batch and
// batch-end sequence; the frames of one message are never interleaved with
// other messages.
type Writer struct {
	send      SendFunc
	chunkSize int

	mu          sync.Mutex
	nextChunkID uint64
	closed      bool
}

// NewWriter creates a writer. A chunkSize <= 0 uses DefaultChunkSize.
func NewWriter(send SendFunc, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{send: send, chunkSize: chunkSize}
}

// Write sends v. messageID is announced in the batch-start frame so the
// receiver can report progress for it; 0 for pushes without id.
func (w *Writer) Write(messageID uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return w.WriteRaw(messageID, data)
}

// WriteRaw sends an already encoded message
func (w *Writer) WriteRaw(messageID uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	if len(data) <= w.chunkSize {
		return w.send(data)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds %d", len(data), MaxMessageSize)
	}

	chunkID := w.nextChunkID
	w.nextChunkID++
	cid := strconv.FormatUint(chunkID, 10)

	start := PrefixBatchStart + strconv.FormatUint(messageID, 10) + ":" + cid + ":" + strconv.Itoa(len(data))
	if err := w.send([]byte(start)); err != nil {
		return err
	}
	for pos := 0; pos < len(data); {
		end := pos + w.chunkSize
		if end >= len(data) {
			end = len(data)
		} else {
			// frames are text, never split a rune
			for end > pos && !utf8.RuneStart(data[end]) {
				end--
			}
			if end == pos {
				end = pos + w.chunkSize
			}
		}
		frame := make([]byte, 0, len(PrefixBatch)+len(cid)+1+end-pos)
		frame = append(frame, PrefixBatch...)
		frame = append(frame, cid...)
		frame = append(frame, ':')
		frame = append(frame, data[pos:end]...)
		if err := w.send(frame); err != nil {
			return err
		}
		pos = end
	}
	return w.send([]byte(PrefixBatchEnd + cid))
}

// Close makes every further write fail
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}
