package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscriber backlog used by NewEventBus.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is the publish-subscribe hub between the connection and its
// observers (journal, telemetry, health, shutdown). Every subscriber name
// owns one ordered queue drained by its own goroutine, so a subscriber sees
// events in the order they were emitted, across all the types it follows.
//
// Emit never blocks: the connection emits while holding its lock. A
// subscriber whose queue is full loses the event and the drop is counted.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	byType    map[EventType][]*subscriber
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup

	dropped atomic.Uint64
}

type subscriber struct {
	name     string
	handlers map[EventType]HandlerFunc
	queue    chan delivery
}

type delivery struct {
	ctx   context.Context
	event Event
}

// NewEventBus creates a bus with DefaultQueueSize backlogs.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates a bus whose subscribers buffer up to size
// undelivered events each.
func NewEventBusWithQueue(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		subs:      make(map[string]*subscriber),
		byType:    make(map[EventType][]*subscriber),
		queueSize: size,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers handler for eventType under name. A second
// registration of the same name and type replaces the first.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	sub, ok := eb.subs[name]
	if !ok {
		sub = &subscriber{
			name:     name,
			handlers: make(map[EventType]HandlerFunc),
			queue:    make(chan delivery, eb.queueSize),
		}
		eb.subs[name] = sub
		eb.wg.Add(1)
		go eb.drain(sub)
	}

	if _, exists := sub.handlers[eventType]; !exists {
		eb.byType[eventType] = append(eb.byType[eventType], sub)
	}
	sub.handlers[eventType] = handler

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// SubscribeMany registers one handler for several event types.
func (eb *EventBus) SubscribeMany(eventTypes []EventType, name string, handler HandlerFunc) {
	for _, t := range eventTypes {
		eb.Subscribe(t, name, handler)
	}
}

// Unsubscribe removes the handler registered under name for eventType. A
// subscriber left without handlers delivers its backlog and goes away.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, ok := eb.subs[name]
	if !ok {
		return
	}
	if _, exists := sub.handlers[eventType]; !exists {
		return
	}
	delete(sub.handlers, eventType)

	list := eb.byType[eventType]
	for i, s := range list {
		if s == sub {
			eb.byType[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(eb.byType[eventType]) == 0 {
		delete(eb.byType, eventType)
	}

	if len(sub.handlers) == 0 {
		delete(eb.subs, name)
		close(sub.queue)
	}

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// Emit queues event for every subscriber of its type and returns at once.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	subs := eb.byType[event.Type]
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, sub := range subs {
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync runs every handler of the event's type in the calling goroutine,
// bypassing the queues, and returns the first error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	type target struct {
		name    string
		handler HandlerFunc
	}
	var targets []target
	for _, sub := range eb.byType[event.Type] {
		targets = append(targets, target{sub.name, sub.handlers[event.Type]})
	}
	eb.mu.RUnlock()

	var firstErr error
	for _, t := range targets {
		if err := invoke(ctx, t.name, t.handler, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (eb *EventBus) drain(sub *subscriber) {
	defer eb.wg.Done()

	for d := range sub.queue {
		eb.mu.RLock()
		handler := sub.handlers[d.event.Type]
		eb.mu.RUnlock()

		// unsubscribed while queued
		if handler == nil {
			continue
		}
		invoke(d.ctx, sub.name, handler, d.event)
	}
}

func invoke(ctx context.Context, name string, handler HandlerFunc, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", name).
			Msg("handler returned error")
	}
	return err
}

// Stop refuses further events, delivers what is already queued and waits
// for every subscriber to finish.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for name, sub := range eb.subs {
		close(sub.queue)
		delete(eb.subs, name)
	}
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Uint64("dropped", eb.dropped.Load()).Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of subscribers of eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.byType[eventType])
}

// Dropped returns how many deliveries were lost to full queues.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
