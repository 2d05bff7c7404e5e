package cdp

import (
	"context"
)

// Ensure BaseEventEmitter implements the EventEmitter interface.
var _ EventEmitter = &BaseEventEmitter{}

// Event as emitted by an EventEmitter.
type Event struct {
	Type string
	Data any
}

type eventHandler struct {
	ctx context.Context
	ch  chan Event
}

// EventEmitter is implemented by Connection and Session so listeners can
// subscribe to CDP events by method name.
type EventEmitter interface {
	Emit(event string, data any)
	On(ctx context.Context, events []string, ch chan Event)
	OnAll(ctx context.Context, ch chan Event)
}

// BaseEventEmitter dispatches events to registered handlers. Handler
// registration and emission are serialized through a single goroutine so no
// lock is held while handler channels are written.
type BaseEventEmitter struct {
	handlers    map[string][]eventHandler
	handlersAll []eventHandler

	queueCh chan func() chan struct{}
	ctx     context.Context
}

// NewBaseEventEmitter creates a new instance of a base event emitter.
func NewBaseEventEmitter(ctx context.Context) BaseEventEmitter {
	bem := BaseEventEmitter{
		handlers: make(map[string][]eventHandler),
		queueCh:  make(chan func() chan struct{}),
		ctx:      ctx,
	}
	go bem.run(ctx)
	return bem
}

func (e *BaseEventEmitter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.queueCh:
			select {
			case <-ctx.Done():
				return
			default:
			}
			done := fn()
			done <- struct{}{}
		}
	}
}

// sync runs fn on the emitter goroutine and waits for it to finish.
func (e *BaseEventEmitter) sync(fn func()) {
	done := make(chan struct{})
	select {
	case <-e.ctx.Done():
		return
	case e.queueCh <- func() chan struct{} {
		fn()
		return done
	}:
	}
	<-done
}

// Emit sends an event to every handler registered for it. Delivery is
// asynchronous; a slow handler never blocks the emitter.
func (e *BaseEventEmitter) Emit(event string, data any) {
	e.sync(func() {
		e.handlers[event] = dispatch(e.handlers[event], event, data)
		e.handlersAll = dispatch(e.handlersAll, event, data)
	})
}

func dispatch(handlers []eventHandler, event string, data any) []eventHandler {
	for i := 0; i < len(handlers); {
		handler := handlers[i]
		select {
		case <-handler.ctx.Done():
			handlers = append(handlers[:i], handlers[i+1:]...)
			continue
		default:
			go func() {
				select {
				case handler.ch <- Event{event, data}:
				case <-handler.ctx.Done():
				}
			}()
			i++
		}
	}
	return handlers
}

// On registers a handler channel for the named events. The handler is
// removed once ctx is cancelled.
func (e *BaseEventEmitter) On(ctx context.Context, events []string, ch chan Event) {
	e.sync(func() {
		for _, event := range events {
			e.handlers[event] = append(e.handlers[event], eventHandler{ctx, ch})
		}
	})
}

// OnAll registers a handler channel for every event.
func (e *BaseEventEmitter) OnAll(ctx context.Context, ch chan Event) {
	e.sync(func() {
		e.handlersAll = append(e.handlersAll, eventHandler{ctx, ch})
	})
}
