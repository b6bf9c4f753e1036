package cec

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events of the kind it was registered for. Returning an
// error stops delivery of the current event to later handlers.
type Handler func(ev Event) error

// Registration identifies one entry in the registry. Registering the same
// handler twice yields two registrations and two invocations per event.
type Registration struct {
	kind EventKind
	id   uint64
}

// Kind returns the event kind the registration belongs to.
func (r *Registration) Kind() EventKind {
	return r.kind
}

type registryEntry struct {
	id      uint64
	handler Handler
}

// Registry keeps the ordered handler list for each event kind.
//
// The lock is shared with the SessionManager so that registration and
// session state changes are serialised against each other. Dispatch holds
// it only while copying the handler list, so handlers may register and
// unregister freely.
type Registry struct {
	mu       *sync.RWMutex
	handlers map[EventKind][]registryEntry
	nextID   uint64
	closed   bool
	logger   *zap.Logger
}

// NewRegistry creates an empty registry guarded by mu.
func NewRegistry(mu *sync.RWMutex, logger *zap.Logger) *Registry {
	return &Registry{
		mu:       mu,
		handlers: make(map[EventKind][]registryEntry),
		logger:   logger.Named("registry"),
	}
}

// Register appends handler to the list for kind.
func (r *Registry) Register(kind EventKind, handler Handler) (*Registration, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrNotInitialised
	}

	r.nextID++
	id := r.nextID
	r.handlers[kind] = append(r.handlers[kind], registryEntry{id: id, handler: handler})

	r.logger.Debug("Handler registered",
		zap.Stringer("kind", kind),
		zap.Uint64("id", id),
		zap.Int("count", len(r.handlers[kind])))

	return &Registration{kind: kind, id: id}, nil
}

// Unregister removes the entry created by reg. It reports whether the
// entry was still present.
func (r *Registry) Unregister(reg *Registration) bool {
	if reg == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[reg.kind]
	for i, entry := range entries {
		if entry.id != reg.id {
			continue
		}

		// Build a fresh slice so snapshots taken by in-flight dispatches
		// are left untouched.
		remaining := make([]registryEntry, 0, len(entries)-1)
		remaining = append(remaining, entries[:i]...)
		remaining = append(remaining, entries[i+1:]...)
		if len(remaining) == 0 {
			delete(r.handlers, reg.kind)
		} else {
			r.handlers[reg.kind] = remaining
		}

		r.logger.Debug("Handler unregistered",
			zap.Stringer("kind", reg.kind),
			zap.Uint64("id", reg.id))
		return true
	}

	return false
}

// Count returns the number of handlers registered for kind.
func (r *Registry) Count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

func (r *Registry) snapshot(kind EventKind) []registryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Dispatch invokes every handler registered for ev's kind in registration
// order and returns how many ran to completion. The first failure stops
// delivery and is returned as a *HandlerError.
func (r *Registry) Dispatch(ev Event) (int, error) {
	kind := ev.Kind()
	entries := r.snapshot(kind)

	for i, entry := range entries {
		if err := invoke(entry.handler, ev); err != nil {
			return i, &HandlerError{Kind: kind, Index: i, Cause: err}
		}
	}

	return len(entries), nil
}

func invoke(handler Handler, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ev)
}

// Close releases every registered handler. Further registrations fail.
// It is safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for _, entries := range r.handlers {
		released += len(entries)
	}
	r.handlers = make(map[EventKind][]registryEntry)
	r.closed = true

	r.logger.Debug("Registry closed", zap.Int("released", released))
}
