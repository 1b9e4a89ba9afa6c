// Package dtype is the datatype registry external collaborator described in
// spec §4.6: for each registered dtype it can parse, construct, serialize,
// validate and checksum a value. It is a simple kind-keyed registry of type
// handlers, the same shape as a type-to-executor dispatch table generalized
// from "node type to executor" to "cell kind to type handler".
package dtype

import (
	"fmt"
	"sync"

	"github.com/smilemakc/seamless/internal/checksum"
)

// Kind is the closed set of cell dtypes from spec §3/§6.
type Kind string

const (
	Text              Kind = "text"
	PythonCode        Kind = "python-source"
	PythonTransformer Kind = "python-transformer-source"
	JSON              Kind = "json"
	CSON              Kind = "cson"
	Array             Kind = "array"
	Mixed             Kind = "mixed"
	Signal            Kind = "signal"
)

// Handler is what the registry requires of a dtype implementation.
type Handler interface {
	// Parse turns wire text into a canonical in-memory value.
	Parse(text []byte) (any, error)
	// Construct coerces an arbitrary in-memory value (e.g. one just assigned
	// by user code) into the canonical representation for this kind.
	Construct(value any) (any, error)
	// Serialize renders the canonical value back to wire text.
	Serialize(value any) ([]byte, error)
	// Validate reports whether value is well-formed for this kind.
	Validate(value any) error
	// Checksum computes a stable digest of value's canonical (structural)
	// form. If buffer is true, value is already serialized bytes; otherwise
	// Checksum serializes it first.
	Checksum(value any, buffer bool) (checksum.Sum, error)
	// TextChecksum computes a digest of value's literal text form. For most
	// kinds this is identical to Checksum; dtypes where HasTextChecksum is
	// true (source-like, cson) compute it over the unnormalized text instead.
	TextChecksum(value any, buffer bool) (checksum.Sum, error)
	// HasTextChecksum reports whether this kind's text form is distinct from
	// its canonical form (spec §4.2 — true for python-source-like and cson).
	HasTextChecksum() bool
}

// Registry maps a Kind to its Handler. The zero value is not usable; use New.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// New returns a registry pre-populated with the built-in handlers for every
// dtype tag named in spec §6, open for additional registration at startup.
func New() *Registry {
	r := &Registry{handlers: make(map[Kind]Handler)}
	r.Register(Text, textHandler{})
	r.Register(PythonCode, sourceHandler{})
	r.Register(PythonTransformer, sourceHandler{})
	r.Register(JSON, jsonHandler{})
	r.Register(CSON, csonHandler{})
	r.Register(Array, arrayHandler{})
	r.Register(Mixed, mixedHandler{})
	r.Register(Signal, signalHandler{})
	return r
}

// Register installs or replaces the handler for kind. Additional
// registration is permitted at startup per spec §6.
func (r *Registry) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Lookup returns the handler for kind, or an error if none is registered.
func (r *Registry) Lookup(kind Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("dtype: no handler registered for kind %q", kind)
	}
	return h, nil
}
