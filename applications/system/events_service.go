package system

import (
	"context"

	"github.com/csaworkbench/engine/events"
)

// eventsService lifecycle-wraps the already-constructed Event Bus purely so
// its shutdown (draining the dispatcher) happens in the engine's
// deterministic stop order, between compute and storage.
type eventsService struct {
	bus *events.Bus
}

func newEventsService(bus *events.Bus) *eventsService {
	return &eventsService{bus: bus}
}

func (e *eventsService) Name() string { return "events" }

// Start is a no-op: events.New already started the dispatcher goroutine so
// Publish is usable by storage's recovery path during its own Start.
func (e *eventsService) Start(context.Context) error { return nil }

func (e *eventsService) Stop(context.Context) error {
	e.bus.Stop()
	return nil
}

func (e *eventsService) Descriptor() Descriptor {
	return Descriptor{
		Name:         "events",
		Domain:       "csa.events",
		Layer:        LayerEvents,
		Capabilities: []string{"subscribe", "publish"},
	}
}
