package resumable

import (
	"sync"
)

// EventKind identifies an event published by the scheduler.
type EventKind int

const (
	EventFileProcessingBegin EventKind = iota
	EventFileProcessingFailed
	EventFileAdded
	EventFilesAdded
	EventChunkingStart
	EventChunkingProgress
	EventChunkingComplete
	EventChunkProgress
	EventChunkSuccess
	EventChunkError
	EventChunkRetry
	EventChunkCancel
	EventFileProgress
	EventFileSuccess
	EventFileError
	EventFileRetry
	EventFileCancel
	EventCategoryComplete
	EventUploadStart
	EventPause
	EventBeforeCancel
	EventCancel
	EventComplete
	EventProgress
)

var eventNames = map[EventKind]string{
	EventFileProcessingBegin:  "fileProcessingBegin",
	EventFileProcessingFailed: "fileProcessingFailed",
	EventFileAdded:            "fileAdded",
	EventFilesAdded:           "filesAdded",
	EventChunkingStart:        "chunkingStart",
	EventChunkingProgress:     "chunkingProgress",
	EventChunkingComplete:     "chunkingComplete",
	EventChunkProgress:        "chunkProgress",
	EventChunkSuccess:         "chunkSuccess",
	EventChunkError:           "chunkError",
	EventChunkRetry:           "chunkRetry",
	EventChunkCancel:          "chunkCancel",
	EventFileProgress:         "fileProgress",
	EventFileSuccess:          "fileSuccess",
	EventFileError:            "fileError",
	EventFileRetry:            "fileRetry",
	EventFileCancel:           "fileCancel",
	EventCategoryComplete:     "categoryComplete",
	EventUploadStart:          "uploadStart",
	EventPause:                "pause",
	EventBeforeCancel:         "beforeCancel",
	EventCancel:               "cancel",
	EventComplete:             "complete",
	EventProgress:             "progress",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event carries the payload of a published event. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Category string

	File  *FileUpload
	Chunk *Chunk

	// Source is the rejected file of a FileProcessingFailed event, Sources the batch of a
	// FileProcessingBegin event.
	Source  File
	Sources []File
	Reason  FailureReason
	Err     error

	// Message is the response body of the chunk request that triggered the event.
	Message string

	Accepted []*FileUpload
	Skipped  []File

	Progress float64
}

// Handler receives events. Handlers run on the bus goroutine in publish order and may call
// back into the scheduler.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus delivers events to subscribers asynchronously, preserving publish order.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	handlers map[EventKind][]subscription
	any      []subscription
	nextID   int
	closed   bool
	done     chan struct{}
}

// NewBus creates a Bus and starts its delivery goroutine.
func NewBus() *Bus {
	b := &Bus{
		handlers: map[EventKind][]subscription{},
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)

	go b.run()

	return b
}

// On subscribes h to one kind of event. The returned func unsubscribes.
func (b *Bus) On(kind EventKind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[kind] = removeSubscription(b.handlers[kind], id)
	}
}

// OnAny subscribes h to every event. The returned func unsubscribes.
func (b *Bus) OnAny(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.any = append(b.any, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.any = removeSubscription(b.any, id)
	}
}

// Close delivers the queued events and stops the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()

	<-b.done
}

func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
}

func (b *Bus) run() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}

		e := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]

		targets := make([]Handler, 0, len(b.handlers[e.Kind])+len(b.any))
		for _, s := range b.handlers[e.Kind] {
			targets = append(targets, s.handler)
		}
		for _, s := range b.any {
			targets = append(targets, s.handler)
		}
		b.mu.Unlock()

		for _, h := range targets {
			h(e)
		}
	}
}

func removeSubscription(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
