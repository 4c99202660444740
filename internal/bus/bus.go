// Package bus implements the typed event bus: every publish is validated
// against the registered event types, appended to the durable event log and
// fanned out to in-process subscribers on its "Type.name" subject.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrUnknownEventType is returned when a publish names a type that was never
// registered.
var ErrUnknownEventType = errors.New("unknown event type")

// TypeRegistry is the durable side of the bus: the catalog's event type table
// and event log. The store satisfies it.
type TypeRegistry interface {
	EnsureEventType(name string) (int64, error)
	EventTypes() (map[string]int64, error)
	AppendEvent(typeID int64, name, data string) error
}

// Subscriber receives events published on subjects it subscribed to.
// Deliveries are fire-and-forget; a failing subscriber is logged, never
// retried.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, subject, data string) error
}

// Bus validates, logs and fans out events.
type Bus struct {
	registry      TypeRegistry
	sweepInterval time.Duration

	mu    sync.RWMutex
	types map[string]int64
	subs  map[string][]Subscriber
}

// New builds a bus hydrated with the registry's current event types.
func New(registry TypeRegistry, sweepInterval time.Duration) (*Bus, error) {
	types, err := registry.EventTypes()
	if err != nil {
		return nil, fmt.Errorf("hydrate event types: %w", err)
	}
	return &Bus{
		registry:      registry,
		sweepInterval: sweepInterval,
		types:         types,
		subs:          make(map[string][]Subscriber),
	}, nil
}

// RegisterType registers an event type name, idempotently, and returns its id.
func (b *Bus) RegisterType(name string) (int64, error) {
	b.mu.RLock()
	id, ok := b.types[name]
	b.mu.RUnlock()
	if ok {
		return id, nil
	}

	id, err := b.registry.EnsureEventType(name)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.types[name] = id
	b.mu.Unlock()
	return id, nil
}

// Subscribe attaches a subscriber to a "Type.name" subject.
func (b *Bus) Subscribe(subject string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], sub)
	slog.Debug("subscriber attached", "subject", subject, "subscriber", sub.Name())
}

// Publish appends one event to the log and fans it out on typeName + "." +
// name. The append goes through the write batcher; the fan-out is immediate
// and detached.
func (b *Bus) Publish(ctx context.Context, typeName, name, data string) error {
	b.mu.RLock()
	typeID, ok := b.types[typeName]
	subs := b.subs[typeName+"."+name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("publish %s.%s: %w", typeName, name, ErrUnknownEventType)
	}

	if err := b.registry.AppendEvent(typeID, name, data); err != nil {
		return fmt.Errorf("publish %s.%s: %w", typeName, name, err)
	}

	// Deliveries outlive the publishing call; an HTTP handler's context is
	// cancelled the moment it returns, which must not abort the fan-out.
	ctx = context.WithoutCancel(ctx)

	subject := typeName + "." + name
	for _, sub := range subs {
		go func(sub Subscriber) {
			if err := sub.Deliver(ctx, subject, data); err != nil {
				slog.Warn("event delivery failed",
					"subject", subject, "subscriber", sub.Name(), "error", err)
			}
		}(sub)
	}
	return nil
}

// Run sweeps dangling subscriptions until the context is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Sweep drops every subscription whose subject names no registered event
// type. Subscriptions made before their type exists are cleaned up here.
func (b *Bus) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subject := range b.subs {
		if b.subjectKnown(subject) {
			continue
		}
		slog.Warn("dropping subscription on unknown subject", "subject", subject)
		delete(b.subs, subject)
	}
}

func (b *Bus) subjectKnown(subject string) bool {
	for name := range b.types {
		if strings.Contains(subject, name) {
			return true
		}
	}
	return false
}
