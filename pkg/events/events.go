// Package events implements the process-wide event bus: a
// multi-producer/multi-consumer, non-blocking, unpersisted fan-out of
// orchestrator phase transitions and progress notices.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventUpdateCheckComplete    EventType = "update_check_complete"
	EventDownloadProgress       EventType = "download_progress_report"
	EventDownloadTargetComplete EventType = "download_target_complete"
	EventAllDownloadsComplete   EventType = "all_downloads_complete"
	EventInstallStarted         EventType = "install_started"
	EventInstallTargetComplete  EventType = "install_target_complete"
	EventAllInstallsComplete    EventType = "all_installs_complete"
	EventPutManifestComplete    EventType = "put_manifest_complete"
)

// Event is one published occurrence. Payload carries the
// event-specific data (result structs from pkg/orchestrator); it is
// deliberately untyped here so this package stays independent of the
// orchestrator's types.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// Subscriber is the channel a consumer reads events from.
type Subscriber chan *Event

// Broker owns the subscriber list and the publish queue. Handlers run
// outside any lock; the subscriber list is protected only for the
// duration of (un)subscription and fan-out.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

func (b *Broker) Start() { go b.run() }

func (b *Broker) Stop() { close(b.stopCh) }

func (b *Broker) run() {
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(evt *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
			// Subscriber's buffer is full; drop rather than block the
			// publisher. No event is persisted — late subscribers miss
			// prior events by design.
		}
	}
}

// Subscribe registers a new subscriber with the given buffer depth.
func (b *Broker) Subscribe(bufSize int) Subscriber {
	sub := make(Subscriber, bufSize)
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish enqueues evt for broadcast, setting Timestamp if unset. It
// never blocks: if the internal queue is full, the event is dropped.
func (b *Broker) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- evt:
	default:
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
