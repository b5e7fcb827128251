// Package events provides the fire-and-forget pub/sub bus connecting pipeline
// state transitions to UI collaborators. The bus is a one-way notification
// channel: the core only emits and never depends on a response, and delivery
// is best-effort (slow subscribers lose events rather than backpressuring
// the pipeline).
package events

import (
	"sync"
	"time"
)

// Event names emitted by the pipeline core.
const (
	OCRQueued  = "ocr:queued"
	OCRStart   = "ocr:start"
	OCRSuccess = "ocr:success"
	OCRErr     = "ocr:error"

	GenQueued  = "doc:gen:queued"
	GenStart   = "doc:gen:start"
	GenSuccess = "doc:gen:success"
	GenErr     = "doc:gen:error"

	PDFPageQueued    = "pdf:page:queued"
	PDFPageRendering = "pdf:page:rendering"
	PDFPageDone      = "pdf:page:done"
	PDFPageErr       = "pdf:page:error"

	PDFProgress           = "pdf:progress"
	PDFLog                = "pdf:log"
	PDFProcessingStart    = "pdf:processing-start"
	PDFProcessingComplete = "pdf:processing-complete"
	PDFProcessingErr      = "pdf:processing-error"
)

// Event is one named notification.
type Event struct {
	Name    string      `json:"name"`
	PageID  string      `json:"page_id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Time    time.Time   `json:"time"`
}

// Bus is an in-process pub/sub hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscription and returns the receive channel
// and an unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish broadcasts an event to every subscriber without blocking. An event
// that does not fit a subscriber's buffer is dropped for that subscriber.
func (b *Bus) Publish(name, pageID string, payload interface{}) {
	evt := Event{Name: name, PageID: pageID, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
