package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/3cpo-dev/knot/internal/telemetry"
	"github.com/3cpo-dev/knot/pkg/api"
)

// EventKind names a lifecycle event published by store writes.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventModified     EventKind = "modified"
	EventDeleted      EventKind = "deleted"
	EventOwnerChanged EventKind = "owner_changed"
)

// Event describes one change to a compute record. Compute is a snapshot
// taken after the change (before it, for deletions).
type Event struct {
	Kind     EventKind
	Compute  api.Compute
	Original map[string]any
	Modified map[string]any
	OldOwner string
	NewOwner string
}

// Handler reacts to an event inside the transaction that produced it.
// Returning an error aborts that transaction.
type Handler func(ctx context.Context, tx *Tx, ev Event) error

// Bus is a typed event bus: an ordered list of handlers per event kind,
// invoked synchronously by the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	metrics  *telemetry.Metrics
}

func NewBus(metrics *telemetry.Metrics) *Bus {
	return &Bus{handlers: map[EventKind][]Handler{}, metrics: metrics}
}

func (b *Bus) Subscribe(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Publish runs the handlers for ev.Kind in subscription order and stops at
// the first error.
func (b *Bus) Publish(ctx context.Context, tx *Tx, ev Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	handlers := b.handlers[ev.Kind]
	b.mu.RUnlock()
	b.metrics.Event(string(ev.Kind))
	for _, h := range handlers {
		if err := h(ctx, tx, ev); err != nil {
			return fmt.Errorf("%s event for %s: %w", ev.Kind, ev.Compute.String(), err)
		}
	}
	return nil
}
