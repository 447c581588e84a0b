// Package handler implements the HandlerTable from spec.md §4.2: a
// message_type → Handler map consulted whenever an inbound Envelope's
// correlation id is not a known pending Future (i.e. it is an initial
// message rather than a reply). Grounded on the routing switch in
// internal/broker's service loop, generalized from a fixed set of
// cases into a registerable table so NetworkService can wire built-in
// and caller-supplied handlers the same way.
package handler

import (
	"context"
	"sync"

	"github.com/tenzoki/gossipnet/internal/envelope"
)

// Responder lets a Handler send replies or fire-and-forget messages
// back out through the connection the inbound Envelope arrived on.
type Responder interface {
	// Reply sends reply correlated to original, typically built with
	// envelope.NewReply.
	Reply(ctx context.Context, original *envelope.Envelope, reply *envelope.Envelope) error
}

// Handler processes one inbound Envelope that did not match a pending
// Future.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope, responder Responder) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope, responder Responder) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope, responder Responder) error {
	return f(ctx, env, responder)
}

// Table is a message_type → Handler map with a mandatory default
// handler for unrecognized types (spec.md §4.2's "log and drop"
// behavior — never a dispatch error).
type Table struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
}

// NewTable returns a Table that falls back to def for any message
// type without a registered Handler.
func NewTable(def Handler) *Table {
	return &Table{
		handlers:       make(map[string]Handler),
		defaultHandler: def,
	}
}

// Register binds messageType to h, replacing any prior registration.
func (t *Table) Register(messageType string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[messageType] = h
}

// Dispatch routes env to its registered Handler, or the default
// Handler if messageType has none. Dispatch never fails on an
// unrecognized type; it only propagates the chosen Handler's own
// error.
func (t *Table) Dispatch(ctx context.Context, env *envelope.Envelope, responder Responder) error {
	t.mu.RLock()
	h, ok := t.handlers[env.MessageType]
	t.mu.RUnlock()
	if !ok {
		h = t.defaultHandler
	}
	return h.Handle(ctx, env, responder)
}
