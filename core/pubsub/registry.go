// Package pubsub provides an ordered, typed subscriber registry.
//
// Subscribers registered for a topic are invoked in registration order. A panicking
// subscriber is recovered and logged so it cannot block the ones after it.
package pubsub

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps a topic to its ordered subscribers.
type Registry[T any] struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber[T]
	nextID uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		subs: make(map[string][]subscriber[T]),
	}
}

// Subscribe adds fn to topic and returns a function that removes it.
func (r *Registry[T]) Subscribe(topic string, fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs[topic] = append(r.subs[topic], subscriber[T]{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[topic]
		for i := range subs {
			if subs[i].id == id {
				r.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(r.subs[topic]) == 0 {
			delete(r.subs, topic)
		}
	}
}

// Publish invokes every subscriber of topic in registration order.
// Returns the number of subscribers that completed without panicking.
func (r *Registry[T]) Publish(topic string, value T) int {
	r.mu.RLock()
	subs := append([]subscriber[T](nil), r.subs[topic]...)
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if invoke(topic, s.fn, value) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of subscribers for topic.
func (r *Registry[T]) Count(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic])
}

func invoke[T any](topic string, fn func(T), value T) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{"topic": topic, "panic": rec}).Error("subscriber failed")
			ok = false
		}
	}()
	fn(value)
	return true
}
