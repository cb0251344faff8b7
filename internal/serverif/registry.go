// Package serverif defines the narrow "Server interface — consumed"
// boundary from spec §6: the system endpoint core needs to know whether any
// user-side listener is currently attached to a given endpoint before it
// decides to transition that endpoint into an error state on an unsolicited
// closure (spec §4.5). The full host-side IPC server that would actually
// expose CPC endpoints to user processes — gRPC/REST/websocket handlers, a
// Postgres-backed store — is explicitly out of scope (spec §1); only the
// interface the core calls, and an in-memory reference implementation for
// tests and the demo binary, live here.
//
// The interface itself is deliberately narrow, the way the teacher repo's
// internal/server/rest.Store interface exposes only the methods its
// caller needs rather than the storage layer's full surface.
package serverif

import "sync"

// ListenerRegistry reports whether any user-side listener is currently
// attached to an endpoint.
type ListenerRegistry interface {
	// ListenerListEmpty reports whether endpointID currently has zero
	// attached listeners.
	ListenerListEmpty(endpointID uint8) bool
}

// Registry is an in-memory ListenerRegistry. The zero value has every
// endpoint's listener list empty.
type Registry struct {
	mu        sync.Mutex
	listeners map[uint8]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[uint8]int)}
}

// Attach records one more listener on endpointID.
func (r *Registry) Attach(endpointID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[endpointID]++
}

// Detach removes one listener from endpointID. It is a no-op if
// endpointID has no listeners.
func (r *Registry) Detach(endpointID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[endpointID] > 0 {
		r.listeners[endpointID]--
	}
}

// ListenerListEmpty reports whether endpointID currently has zero attached
// listeners.
func (r *Registry) ListenerListEmpty(endpointID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners[endpointID] == 0
}
