package market

import (
	"sync"
	"time"

	"wattmarket-backend/core/market"
)

var (
	eventSinksMu sync.Mutex
	eventSinks   []func(market.Event)
)

// RegisterEventSink adds a callback to receive marketplace events.
// Sinks run synchronously in registration order; anything slow must
// hand off to its own goroutine.
func RegisterEventSink(sink func(market.Event)) {
	if sink == nil {
		return
	}
	eventSinksMu.Lock()
	eventSinks = append(eventSinks, sink)
	eventSinksMu.Unlock()
}

// PublishEvent forwards an event to registered sinks. Delivery is
// best-effort: a transition is committed before its event is published and
// never waits on a sink.
func PublishEvent(evt market.Event) {
	eventSinksMu.Lock()
	sinks := append([]func(market.Event){}, eventSinks...)
	eventSinksMu.Unlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

func emit(evtType, entityID, actor, message string) {
	PublishEvent(market.Event{
		Type:      evtType,
		EntityID:  entityID,
		Actor:     actor,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
}
