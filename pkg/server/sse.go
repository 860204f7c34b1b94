package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/skeleton"
)

// SSEBroker fans deviations out to Server-Sent Events subscribers.
type SSEBroker struct {
	mu          sync.RWMutex
	subscribers map[chan SSEEvent]struct{}
	closed      bool
	buffer      int
	dropped     atomic.Uint64
}

// SSEEvent represents an event to send to clients.
type SSEEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	ID    string      `json:"id,omitempty"`
}

// NewSSEBroker creates a broker whose subscribers buffer up to 64 events.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{
		subscribers: make(map[chan SSEEvent]struct{}),
		buffer:      64,
	}
}

// Subscribe registers a new subscriber. The channel is closed by Unsubscribe
// or Close.
func (b *SSEBroker) Subscribe() chan SSEEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SSEEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription.
func (b *SSEBroker) Unsubscribe(ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish sends an event to every subscriber without blocking. Subscribers
// whose buffer is full miss the event.
func (b *SSEBroker) Publish(event SSEEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishDeviation broadcasts one deviation. It has the shape of a
// conformance.DeviationHandler.
func (b *SSEBroker) PublishDeviation(d conformance.Deviation) {
	b.Publish(SSEEvent{
		Event: "deviation",
		Data:  d,
		ID:    strconv.FormatUint(d.Sequence, 10),
	})
}

// Subscribers returns the number of connected subscribers.
func (b *SSEBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were lost to full subscriber buffers.
func (b *SSEBroker) Dropped() uint64 {
	return b.dropped.Load()
}

// Close disconnects every subscriber and rejects new ones.
func (b *SSEBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Handler streams deviations to one client. The kind and case query
// parameters filter the stream. An initial "stats" event carries the
// current counters.
func (b *SSEBroker) Handler(stats func() conformance.Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, caseID, err := parseFilter(r)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := b.Subscribe()
		defer b.Unsubscribe(ch)

		if stats != nil {
			writeSSEEvent(w, SSEEvent{Event: "stats", Data: stats()})
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if d, isDeviation := event.Data.(conformance.Deviation); isDeviation && !matches(d, kind, caseID) {
					continue
				}
				writeSSEEvent(w, event)
				flusher.Flush()
			}
		}
	}
}

func matches(d conformance.Deviation, kind *skeleton.Kind, caseID string) bool {
	if kind != nil && d.Kind != *kind {
		return false
	}
	return caseID == "" || d.CaseID == caseID
}

// writeSSEEvent writes an event in SSE format.
func writeSSEEvent(w http.ResponseWriter, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	fmt.Fprintf(w, "event: %s\n", event.Event)

	data, _ := json.Marshal(event.Data)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
