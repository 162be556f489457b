// Package notify fans out report change events to realtime subscribers.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"labdesk/api/internal/logger"
	"labdesk/api/internal/util"
)

// Event kinds, one per mutation below a report.
const (
	EventReportUpdated   = "lab_report_updated"
	EventReportDeleted   = "lab_report_deleted"
	EventQuestionAdded   = "question_added"
	EventQuestionUpdated = "question_updated"
	EventQuestionDeleted = "question_deleted"
	EventSubtopicAdded   = "subtopic_added"
	EventSubtopicUpdated = "subtopic_updated"
	EventSubtopicDeleted = "subtopic_deleted"
)

// Event is one change notification. Topic is the id of the report whose
// subtree changed.
type Event struct {
	Topic string `json:"topic"`
	Name  string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Subscriber is one connected event stream.
type Subscriber struct {
	ID     string
	Topics map[string]bool
	Events chan Event
	done   chan struct{}
}

// Hub routes events to subscribers by topic. Delivery is best effort,
// there is no replay for late subscribers.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Subscriber]bool
	byID          map[string]*Subscriber
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "notify"),
		subscriptions: make(map[string]map[*Subscriber]bool),
		byID:          make(map[string]*Subscriber),
	}
}

// NewSubscriber registers a stream and returns it. The id is how the
// membership endpoints address the stream afterwards.
func (h *Hub) NewSubscriber() *Subscriber {
	sub := &Subscriber{
		ID:     util.NewID("sub"),
		Topics: make(map[string]bool),
		Events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.byID[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Get resolves a subscriber id to its live stream.
func (h *Hub) Get(id string) (*Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.byID[id]
	return sub, ok
}

func (h *Hub) Subscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	sub.Topics[topic] = true

	subs, ok := h.subscriptions[topic]
	if !ok {
		subs = make(map[*Subscriber]bool)
		h.subscriptions[topic] = subs
	}
	subs[sub] = true

	h.log.Debug("subscriber joined topic", "subscriber", sub.ID, "topic", topic)
}

func (h *Hub) Unsubscribe(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	delete(sub.Topics, topic)

	if subs, ok := h.subscriptions[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscriptions, topic)
		}
	}

	h.log.Debug("subscriber left topic", "subscriber", sub.ID, "topic", topic)
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic := range sub.Topics {
		if subs, ok := h.subscriptions[topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.subscriptions, topic)
			}
		}
	}
	sub.Topics = make(map[string]bool)
	delete(h.byID, sub.ID)
}

// Publish delivers the event to every subscriber of its topic. A full
// subscriber buffer drops the event instead of blocking the publisher.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if evt.Topic == "" {
		return
	}
	subs, ok := h.subscriptions[evt.Topic]
	if !ok {
		return
	}
	for sub := range subs {
		select {
		case sub.Events <- evt:
		default:
			h.log.Warn("dropping event, subscriber buffer full", "subscriber", sub.ID, "event", evt.Name)
		}
	}
}

// Close tears the subscriber down. Removal happens under the hub lock
// before the channel closes, so no publish can still hold the stream.
func (h *Hub) Close(sub *Subscriber) {
	close(sub.done)
	h.remove(sub)
	close(sub.Events)
}

// ServeHTTP streams the subscriber's events until the client goes away.
// The first frame announces the subscriber id so the client can manage
// topic membership over the REST endpoints.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, sub *Subscriber) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", sub.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("subscriber disconnected", "subscriber", sub.ID)
			return
		case <-sub.done:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt := <-sub.Events:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.log.Warn("marshal event", "event", evt.Name, "err", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, payload)
			flusher.Flush()
		}
	}
}
