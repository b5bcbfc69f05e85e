// Package event provides a small typed publish/subscribe primitive.
package event

import (
	"log"
	"sync"
)

// Event delivers values of type T to every subscribed listener in
// subscription order. Delivery is synchronous on the publishing goroutine.
type Event[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []listener[T]
}

type listener[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (e *Event[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Event[T]) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Publish calls every listener with v. A panicking listener is logged
// and does not stop delivery to the rest.
func (e *Event[T]) Publish(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		deliver(l.fn, v)
	}
}

// Len reports the number of subscribed listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func deliver[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event listener panicked: %v", r)
		}
	}()
	fn(v)
}
