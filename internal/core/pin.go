package core

import (
	"fmt"
	"sync"

	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/registry"
	"github.com/smilemakc/seamless/internal/seamerr"
)

// TransferMode is how a value crosses a connection (spec §3 Pin).
type TransferMode string

const (
	TransferRef    TransferMode = "ref"
	TransferCopy   TransferMode = "copy"
	TransferBuffer TransferMode = "buffer"
)

// PinKind is a pin's directionality.
type PinKind int

const (
	PinInput PinKind = iota
	PinOutput
	PinEdit
)

func (k PinKind) String() string {
	switch k {
	case PinInput:
		return "input"
	case PinOutput:
		return "output"
	case PinEdit:
		return "edit"
	default:
		return "unknown"
	}
}

// WorkerRuntime is the external collaborator that actually executes a
// worker's body — subprocess/interpreter glue, out of scope per spec §1.
// The core only needs to deliver inputs to it and track pending/stable
// transitions; everything about how a value is computed lives outside the
// core.
type WorkerRuntime interface {
	// ReceiveInput delivers a value queued on an input or edit pin. The
	// runtime MAY coalesce repeated writes to the same pin (spec §4.5
	// look-ahead coalescing) and MUST eventually call the worker's output
	// pins' Emit to deliver results back through the Manager. A runtime
	// that returns an error must not have called Settle for this delivery:
	// the error is captured as the worker's exception and the worker is
	// settled on its behalf, so the graph stays live (spec §7 EXECUTION).
	ReceiveInput(pinName string, value any) error
}

// Pin is a typed endpoint of a Worker (spec §3).
type Pin struct {
	mu sync.Mutex

	id       registry.ID
	uuid     string
	name     string
	worker   registry.ID
	mgr      *Manager
	kind     PinKind
	dtype    dtype.Kind
	transfer TransferMode
	side     string // edit pins only: which side this pin currently routes into

	destroyed bool
}

// ID returns the pin's stable arena handle.
func (p *Pin) ID() registry.ID { return p.id }

// Name returns the pin's name within its worker.
func (p *Pin) Name() string { return p.name }

// Kind reports whether this is an input, output or edit pin.
func (p *Pin) Kind() PinKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kind
}

// DType returns the pin's declared dtype.
func (p *Pin) DType() dtype.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtype
}

// Transfer returns the pin's transfer mode.
func (p *Pin) Transfer() TransferMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transfer
}

// Side reports which side an edit pin currently routes into ("" for
// non-edit pins, or a pin never assigned a side).
func (p *Pin) Side() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.side
}

// SetSide assigns the side an edit pin currently routes into.
func (p *Pin) SetSide(side string) {
	p.mu.Lock()
	p.side = side
	p.mu.Unlock()
}

// Connect wires this output/edit pin to target (spec §4.1 connect_pin,
// spec §6 pin.connect).
func (p *Pin) Connect(target *Cell, opts ...ConnectOption) (*Connection, error) {
	p.mu.Lock()
	mgr := p.mgr
	kind := p.kind
	p.mu.Unlock()
	if kind == PinInput {
		return nil, seamerr.Structuref(p.name, "an input pin cannot be a connection source")
	}
	return mgr.connectPin(p, target, opts...)
}

// Emit is called by the worker runtime when this output/edit pin produces a
// value (spec §4.1 pin_send_update).
func (p *Pin) Emit(value any, preliminary bool) error {
	p.mu.Lock()
	mgr := p.mgr
	kind := p.kind
	p.mu.Unlock()
	if kind == PinInput {
		return seamerr.Structuref(p.name, "an input pin cannot emit")
	}
	return mgr.pinSendUpdate(p, value, preliminary)
}

// Worker is a computational node with named pins (spec §3).
type Worker struct {
	mu sync.Mutex

	id   registry.ID
	uuid string
	name string
	ctx  *Context
	mgr  *Manager

	pins    map[string]registry.ID
	pending int
	runtime WorkerRuntime
	exc     error

	destroyed bool
}

// ID returns the worker's stable arena handle.
func (w *Worker) ID() registry.ID { return w.id }

// Name returns the worker's registered name within its context.
func (w *Worker) Name() string { return w.name }

// Path returns the worker's dotted path from the toplevel context.
func (w *Worker) Path() string {
	w.mu.Lock()
	ctx, name := w.ctx, w.name
	w.mu.Unlock()
	if ctx == nil {
		return name
	}
	return ctx.childPath(name)
}

// Pin returns the named pin object (spec §6 worker.pinname).
func (w *Worker) Pin(name string) (*Pin, error) {
	w.mu.Lock()
	mgr := w.mgr
	id, ok := w.pins[name]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("core: worker %q has no pin %q", w.name, name)
	}
	p, ok := mgr.pins.Get(id)
	if !ok {
		return nil, seamerr.Structuref(name, "pin destroyed")
	}
	return p, nil
}

// Exception returns the error captured the last time the worker runtime
// failed while executing, or nil (spec §7 EXECUTION: "surfaced via the
// worker's exception"). It is cleared by the next successful delivery.
func (w *Worker) Exception() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exc
}

// Pending returns the worker's current pending-update count.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Stable reports whether the worker's pending count is zero.
func (w *Worker) Stable() bool {
	return w.Pending() == 0
}

// Destroy removes w, its pins, and every connection touching them (spec §3
// Lifecycle, §4.4: requires macro mode).
func (w *Worker) Destroy() error {
	w.mu.Lock()
	mgr, ctx, name := w.mgr, w.ctx, w.name
	w.mu.Unlock()
	if !mgr.inMacro() {
		return seamerr.Structuref(name, "destroy may only happen in macro mode")
	}
	mgr.destroyWorker(w)
	if ctx != nil {
		ctx.removeChild(name)
	}
	return nil
}

// deliver routes an incoming update to the given pin into the worker
// runtime, bumping the pending count first (spec §4.5).
func (w *Worker) deliver(pinName string, value any) error {
	w.mu.Lock()
	rt := w.runtime
	w.pending++
	mgr := w.mgr
	wasStable := w.pending == 1
	w.mu.Unlock()

	if wasStable {
		mgr.markUnstable(w)
	}

	if rt == nil {
		return nil
	}
	if err := rt.ReceiveInput(pinName, value); err != nil {
		// EXECUTION failure: capture it on the worker and settle on the
		// runtime's behalf. The Manager still observes stable=true and
		// downstream cells keep their previous values (spec §7).
		wrapped := seamerr.Wrap(seamerr.Execution, w.Path(), "worker runtime failed", err)
		w.mu.Lock()
		w.exc = wrapped
		w.mu.Unlock()
		w.Settle()
		return wrapped
	}
	w.mu.Lock()
	w.exc = nil
	w.mu.Unlock()
	return nil
}

// settle decrements the pending count by one, reporting stability to the
// Manager if it reaches zero. The worker runtime calls this (indirectly,
// via Worker.Settle) once it has fully processed a delivered input.
func (w *Worker) Settle() {
	w.mu.Lock()
	if w.pending > 0 {
		w.pending--
	}
	nowStable := w.pending == 0
	mgr := w.mgr
	w.mu.Unlock()

	if nowStable {
		mgr.markStable(w)
	}
}
