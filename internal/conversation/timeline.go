package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/voltwork/messaging/internal/protocol"
)

// ReconcileWindow bounds how far apart an optimistic message and its server
// echo may be stamped and still be matched.
const ReconcileWindow = 30 * time.Second

// Timeline is the in-memory message list of one conversation. Optimistic
// messages are reconciled with confirmed ones so no message shows twice.
type Timeline struct {
	mu       sync.RWMutex
	messages []protocol.Message
	window   time.Duration
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{window: ReconcileWindow}
}

// Load merges server history, oldest first. Messages already present are
// skipped.
func (t *Timeline) Load(history []protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range history {
		if t.indexLocked(m.ID) < 0 {
			t.messages = append(t.messages, m)
		}
	}
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].CreatedAt.Before(t.messages[j].CreatedAt)
	})
}

// AddOptimistic appends a local message carrying a temp id.
func (t *Timeline) AddOptimistic(m protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, m)
}

// Receive applies a confirmed message from the realtime stream. It replaces
// the matching optimistic message in place, or appends. It returns false if
// the message id is already present.
func (t *Timeline) Receive(m protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.indexLocked(m.ID) >= 0 {
		return false
	}

	_, i, ok := lo.FindIndexOf(t.messages, func(p protocol.Message) bool {
		return t.matchesLocked(p, m)
	})
	if ok {
		t.messages[i] = m
		return true
	}

	t.messages = append(t.messages, m)
	return true
}

// Confirm replaces the optimistic message tempID with its confirmed version.
// When the confirmed id already arrived over the realtime stream, the
// optimistic copy is dropped instead.
func (t *Timeline) Confirm(tempID string, m protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tmp := t.indexLocked(tempID)
	if t.indexLocked(m.ID) >= 0 {
		if tmp >= 0 {
			t.messages = append(t.messages[:tmp], t.messages[tmp+1:]...)
		}
		return
	}
	if tmp >= 0 {
		t.messages[tmp] = m
		return
	}
	t.messages = append(t.messages, m)
}

// Remove deletes the message with id and reports whether it existed.
func (t *Timeline) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

// Messages returns a copy of the list.
func (t *Timeline) Messages() []protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Pending returns the optimistic messages still awaiting confirmation.
func (t *Timeline) Pending() []protocol.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Filter(t.messages, func(m protocol.Message, _ int) bool {
		return m.IsTemporary()
	})
}

func (t *Timeline) indexLocked(id string) int {
	_, i, ok := lo.FindIndexOf(t.messages, func(m protocol.Message) bool { return m.ID == id })
	if !ok {
		return -1
	}
	return i
}

// matchesLocked reports whether confirmed is the server copy of pending.
func (t *Timeline) matchesLocked(pending, confirmed protocol.Message) bool {
	if !pending.IsTemporary() {
		return false
	}
	if pending.ConversationID != confirmed.ConversationID ||
		pending.SenderID != confirmed.SenderID ||
		pending.Content != confirmed.Content {
		return false
	}
	if pending.CreatedAt.IsZero() || confirmed.CreatedAt.IsZero() {
		return true
	}
	d := confirmed.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.window
}
