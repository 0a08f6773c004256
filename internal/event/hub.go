// Package event fans session activity out to stream subscribers.
//
// The hub is the in-process broker between activity producers (agents
// posting frames through the API or MCP tools) and consumers (the SSE
// endpoint). It keeps a bounded per-session history so late subscribers see
// earlier frames; the resulting duplicates on reconnect are resolved
// downstream by the activity merger.
package event

import (
	"sync"

	"github.com/taskdeck/taskdeck/internal/models"
)

// historyLimit bounds the per-session replay buffer.
const historyLimit = 512

// subscriberBuffer is the channel depth per subscriber. A subscriber that
// falls further behind than this loses frames rather than blocking the
// producer.
const subscriberBuffer = 64

// Hub is a per-session activity broker.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	subs     map[string]map[int]chan models.ActivityRecord // sessionID -> subscriber id -> channel
	history  map[string][]models.ActivityRecord
	finished map[string]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]map[int]chan models.ActivityRecord),
		history:  make(map[string][]models.ActivityRecord),
		finished: make(map[string]bool),
	}
}

// Publish delivers a record to all subscribers of the session and appends it
// to the replay buffer. Sends are non-blocking: a slow subscriber drops
// frames instead of stalling the producer. Publishing after a finished
// record has been seen is a no-op.
func (h *Hub) Publish(sessionID string, rec models.ActivityRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finished[sessionID] {
		return
	}
	if rec.IsFinished() {
		h.finished[sessionID] = true
	}

	hist := append(h.history[sessionID], rec)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	h.history[sessionID] = hist

	for _, ch := range h.subs[sessionID] {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe registers for a session's activity. Buffered history is queued
// onto the returned channel first, so new subscribers catch up before
// receiving live frames. The returned cancel func is idempotent; the channel
// is closed on cancel.
func (h *Hub) Subscribe(sessionID string) (<-chan models.ActivityRecord, func()) {
	h.mu.Lock()

	id := h.nextID
	h.nextID++

	hist := h.history[sessionID]
	ch := make(chan models.ActivityRecord, subscriberBuffer+len(hist))
	for _, rec := range hist {
		ch <- rec
	}

	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan models.ActivityRecord)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subs[sessionID]
		if !ok {
			return
		}
		// Close only if still registered; Drop may have closed it already.
		if _, live := subs[id]; !live {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subs, sessionID)
		}
		close(ch)
	}
	return ch, cancel
}

// Finished reports whether a finished record has been published for the session.
func (h *Hub) Finished(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished[sessionID]
}

// Drop discards all state for a session: history, finished flag, and
// subscribers (their channels are closed).
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
	delete(h.history, sessionID)
	delete(h.finished, sessionID)
}

// SubscriberCount returns the number of live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
