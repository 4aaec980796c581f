// Package events fans mining notifications out to the host application.
package events

import (
	"sync"

	"tower/interfaces"
	"tower/types"
)

// Bus 进程内事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]interfaces.EventHandler
	all      []interfaces.EventHandler
	async    sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[types.EventType][]interfaces.EventHandler)}
}

func (b *Bus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// SubscribeAll receives every event regardless of type.
func (b *Bus) SubscribeAll(handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

func (b *Bus) Publish(event interfaces.Event) {
	b.mu.RLock()
	handlers := append([]interfaces.EventHandler(nil), b.handlers[event.Type()]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (b *Bus) PublishAsync(event interfaces.Event) {
	b.async.Add(1)
	go func() {
		defer b.async.Done()
		b.Publish(event)
	}()
}

// Wait blocks until every PublishAsync delivery has returned.
func (b *Bus) Wait() { b.async.Wait() }

// Emit publishes a typed event.
func Emit(sink interfaces.EventSink, typ types.EventType, data interface{}) {
	if sink == nil {
		return
	}
	sink.Publish(types.BaseEvent{EventType: typ, EventData: data})
}
