// Package events demultiplexes inbound realtime frames into typed channels
// and fans each event out to the channel's subscribers.
package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/metrics"
)

// Unsubscribe removes exactly the registration that returned it. Calling it
// more than once is a no-op.
type Unsubscribe func()

type registration[T any] struct {
	id uint64
	fn func(T)
}

// Emitter is a typed subscriber set for one channel. Handlers run
// synchronously in registration order; a panicking handler is recovered and
// logged without affecting the handlers after it.
type Emitter[T any] struct {
	name   string
	logger zerolog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers []registration[T]
}

// NewEmitter creates an empty emitter for the named channel.
func NewEmitter[T any](name string, logger zerolog.Logger) *Emitter[T] {
	return &Emitter[T]{
		name:   name,
		logger: logger.With().Str(logging.FieldChannel, name).Logger(),
	}
}

// On registers fn and returns its unsubscribe function. Registering the same
// function twice yields two independent registrations.
func (e *Emitter[T]) On(fn func(T)) Unsubscribe {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, registration[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

// Emit delivers v to a snapshot of the current subscribers, so handlers may
// subscribe or unsubscribe while being invoked.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	snapshot := make([]registration[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mu.RUnlock()

	for _, reg := range snapshot {
		e.invoke(reg, v)
	}
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

func (e *Emitter[T]) invoke(reg registration[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.WithLabelValues(e.name).Inc()
			e.logger.Error().
				Uint64("handler", reg.id).
				Str("panic", fmt.Sprint(r)).
				Msg("subscriber panicked")
		}
	}()
	reg.fn(v)
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, reg := range e.handlers {
		if reg.id == id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}
