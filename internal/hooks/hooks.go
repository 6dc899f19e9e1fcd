package hooks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents different gate lifecycle events.
type EventType string

const (
	// EventGatePassed is emitted when a gate review clears.
	EventGatePassed EventType = "gate_passed"

	// EventGateFailed is emitted when a gate review records a FAIL.
	EventGateFailed EventType = "gate_failed"

	// EventRetryExhausted is emitted when a FAIL pushes the attempt count
	// past the configured maximum.
	EventRetryExhausted EventType = "retry_exhausted"

	// EventResponseBlocked is emitted when a blocking gate demands that
	// rendered content be withheld on failure.
	EventResponseBlocked EventType = "response_blocked"

	// EventSessionAborted is emitted when a session is explicitly aborted.
	EventSessionAborted EventType = "session_aborted"
)

// Event is the payload delivered to handlers.
type Event struct {
	Type      EventType
	SessionID string
	ChainID   string
	Step      int
	GateIDs   []string
	Rationale string
	EmittedAt time.Time
	Data      map[string]any
}

// Handler handles a single emitted event.
type Handler func(ctx context.Context, ev Event) error

// Emitter dispatches gate lifecycle events to registered handlers.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   *zap.Logger
}

// NewEmitter creates an emitter with no registered handlers.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Register adds a handler for an event type.
func (e *Emitter) Register(eventType EventType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// Emit delivers the event to every registered handler.
//
// Never returns an error and never panics: a failing handler is logged
// and the remaining handlers still run.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}

	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()

	for _, h := range handlers {
		e.runHandler(ctx, h, ev)
	}
}

func (e *Emitter) runHandler(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook handler panicked",
				zap.String("event", string(ev.Type)),
				zap.String("session_id", ev.SessionID),
				zap.Any("panic", r))
		}
	}()

	if err := h(ctx, ev); err != nil {
		e.logger.Warn("hook handler failed",
			zap.String("event", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	}
}
