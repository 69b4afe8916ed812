package broker

import (
	"sync"

	"marketpipe/internal/model"
)

// history is a fixed-capacity FIFO window of notifications for one scope.
// Appending past capacity evicts the oldest entry. Backed by a circular
// buffer so eviction is O(1).
type history struct {
	mu   sync.Mutex
	buf  []model.Notification
	cap  int
	pos  int // next write position
	full bool
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 100
	}
	return &history{
		buf: make([]model.Notification, capacity),
		cap: capacity,
	}
}

// append adds n, reporting whether an old entry was evicted.
func (h *history) append(n model.Notification) (evicted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	evicted = h.full
	h.buf[h.pos] = n
	h.pos = (h.pos + 1) % h.cap
	if h.pos == 0 && !h.full {
		h.full = true
	}
	return evicted
}

// newestFirst returns up to limit entries, most recent first.
// limit <= 0 means all.
func (h *history) newestFirst(limit int) []model.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.len()
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]model.Notification, 0, limit)
	for i := 0; i < limit; i++ {
		// Walk backwards from the most recent write.
		idx := (h.pos - 1 - i + h.cap*2) % h.cap
		out = append(out, h.buf[idx])
	}
	return out
}

// markRead flips the read flag on the entry with the given id.
// Returns false if the id is not in the window.
func (h *history) markRead(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.len()
	for i := 0; i < count; i++ {
		idx := h.index(i)
		if h.buf[idx].ID == id {
			h.buf[idx].Read = true
			return true
		}
	}
	return false
}

// unread counts entries with Read=false.
func (h *history) unread() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	count := h.len()
	for i := 0; i < count; i++ {
		if !h.buf[h.index(i)].Read {
			n++
		}
	}
	return n
}

func (h *history) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.len()
}

func (h *history) len() int {
	if h.full {
		return h.cap
	}
	return h.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (h *history) index(logical int) int {
	if h.full {
		return (h.pos + logical) % h.cap
	}
	return logical
}
