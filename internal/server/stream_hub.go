package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Kascencio/backend-appacua/internal/metrics"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberBusy   = errors.New("subscriber send queue full")
)

const defaultSendBuffer = 64

// SubscriberFilter selects which reading events a subscriber receives. Nil
// fields are unset; at least one must be set.
type SubscriberFilter struct {
	SensorInstaladoID *int64 `query:"sensorInstaladoId" validate:"omitempty,gt=0"`
	InstalacionID     *int64 `query:"instalacionId" validate:"omitempty,gt=0"`
}

// Matches reports whether the event passes every filter that is set.
func (filter SubscriberFilter) Matches(event ReadingEvent) bool {
	if filter.SensorInstaladoID != nil && *filter.SensorInstaladoID != event.SensorInstaladoID {
		return false
	}
	if filter.InstalacionID != nil && *filter.InstalacionID != event.InstalacionID {
		return false
	}
	return filter.SensorInstaladoID != nil || filter.InstalacionID != nil
}

// Subscriber is one live stream connection as seen by the broadcaster.
type Subscriber struct {
	ID     string
	Filter SubscriberFilter

	mu        sync.RWMutex
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscriber(filter SubscriberFilter, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Subscriber{
		ID:     uuid.NewString(),
		Filter: filter,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Enqueue hands a frame to the subscriber's write pump without blocking.
func (subscriber *Subscriber) Enqueue(frame []byte) error {
	subscriber.mu.RLock()
	defer subscriber.mu.RUnlock()

	select {
	case <-subscriber.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case subscriber.send <- frame:
		return nil
	default:
		return ErrSubscriberBusy
	}
}

// Messages is drained by the write pump.
func (subscriber *Subscriber) Messages() <-chan []byte {
	return subscriber.send
}

// Done is closed once the subscriber has been removed.
func (subscriber *Subscriber) Done() <-chan struct{} {
	return subscriber.done
}

func (subscriber *Subscriber) close() {
	subscriber.closeOnce.Do(func() {
		subscriber.mu.Lock()
		close(subscriber.done)
		subscriber.mu.Unlock()
	})
}

// Registry is the set of active subscribers shared by the gateway and the
// broadcaster.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[string]*Subscriber)}
}

func (registry *Registry) Add(subscriber *Subscriber) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.subscribers[subscriber.ID] = subscriber
	metrics.StreamSubscribers.Set(float64(len(registry.subscribers)))
}

// Remove deletes the subscriber and closes it. Removing twice is a no-op.
func (registry *Registry) Remove(subscriber *Subscriber) {
	registry.mu.Lock()
	current, exists := registry.subscribers[subscriber.ID]
	if exists && current == subscriber {
		delete(registry.subscribers, subscriber.ID)
	}
	// The gauge is set under the lock so racing Add and Remove calls cannot
	// leave it behind the map.
	metrics.StreamSubscribers.Set(float64(len(registry.subscribers)))
	registry.mu.Unlock()

	subscriber.close()
}

// Snapshot copies the current members so callers can iterate without holding
// the registry lock.
func (registry *Registry) Snapshot() []*Subscriber {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	subscribers := make([]*Subscriber, 0, len(registry.subscribers))
	for _, subscriber := range registry.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	return subscribers
}

func (registry *Registry) Len() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return len(registry.subscribers)
}

// CloseAll removes every subscriber. Their write pumps observe Done and close
// the underlying connections.
func (registry *Registry) CloseAll() {
	for _, subscriber := range registry.Snapshot() {
		registry.Remove(subscriber)
	}
}
