package devserver

import (
	"sync"

	"github.com/voltwork/messaging/internal/protocol"
)

// DefaultHistorySize is the number of recent messages retained per
// conversation.
const DefaultHistorySize = 100

// History stores the last N messages per conversation in memory.
// It is goroutine-safe and uses a ring buffer internally.
type History struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // conversationID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of messages.
type ringBuffer struct {
	items []protocol.Message
	pos   int
	count int
}

// NewHistory creates an empty History keeping size messages per
// conversation.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the conversation's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (h *History) Add(conversationID string, msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[conversationID]
	if !ok {
		rb = &ringBuffer{
			items: make([]protocol.Message, h.size),
		}
		h.buffers[conversationID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % h.size
	if rb.count < h.size {
		rb.count++
	}
}

// Get returns the retained messages of a conversation, oldest first.
// Returns an empty slice if the conversation has no buffer.
func (h *History) Get(conversationID string) []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[conversationID]
	if !ok {
		return []protocol.Message{}
	}

	result := make([]protocol.Message, rb.count)
	// The oldest message is at position (pos - count) mod size.
	start := (rb.pos - rb.count + h.size) % h.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%h.size]
	}
	return result
}

// Remove deletes the buffer of a conversation.
func (h *History) Remove(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.buffers, conversationID)
}
