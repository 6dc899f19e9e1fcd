package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEmit_NoHandlersIsNoop(t *testing.T) {
	e := NewEmitter(zap.NewNop())
	e.Emit(context.Background(), Event{Type: EventGatePassed, SessionID: "s1"})
}

func TestEmit_DeliversToHandlers(t *testing.T) {
	e := NewEmitter(zap.NewNop())

	var got []Event
	e.Register(EventGateFailed, func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})

	e.Emit(context.Background(), Event{
		Type:      EventGateFailed,
		SessionID: "s1",
		Step:      2,
		GateIDs:   []string{"tests-pass"},
		Rationale: "missing tests",
	})

	assert.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, 2, got[0].Step)
	assert.False(t, got[0].EmittedAt.IsZero())
}

func TestEmit_HandlerErrorDoesNotStopOthers(t *testing.T) {
	e := NewEmitter(zap.NewNop())

	var secondRan bool
	e.Register(EventRetryExhausted, func(context.Context, Event) error {
		return errors.New("notification sink down")
	})
	e.Register(EventRetryExhausted, func(context.Context, Event) error {
		secondRan = true
		return nil
	})

	e.Emit(context.Background(), Event{Type: EventRetryExhausted, SessionID: "s1"})
	assert.True(t, secondRan)
}

func TestEmit_HandlerPanicIsSwallowed(t *testing.T) {
	e := NewEmitter(zap.NewNop())

	var afterRan bool
	e.Register(EventResponseBlocked, func(context.Context, Event) error {
		panic("boom")
	})
	e.Register(EventResponseBlocked, func(context.Context, Event) error {
		afterRan = true
		return nil
	})

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), Event{Type: EventResponseBlocked})
	})
	assert.True(t, afterRan)
}

func TestEmit_OnlyMatchingTypeDelivered(t *testing.T) {
	e := NewEmitter(zap.NewNop())

	var calls int
	e.Register(EventGatePassed, func(context.Context, Event) error {
		calls++
		return nil
	})

	e.Emit(context.Background(), Event{Type: EventGateFailed})
	e.Emit(context.Background(), Event{Type: EventGatePassed})
	assert.Equal(t, 1, calls)
}
