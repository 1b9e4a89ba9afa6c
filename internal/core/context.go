package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/registry"
	"github.com/smilemakc/seamless/internal/seamerr"
	"github.com/smilemakc/seamless/internal/telemetry"
)

type childKind int

const (
	childCell childKind = iota
	childWorker
	childContext
	// childSubManager is an independently-constructed toplevel Context
	// (with its own Manager) attached under this one by AttachSubContext.
	// It is looked up through attached, not through the owning Manager's
	// *registry.Table[*Context] — it lives in a different Manager's arena
	// entirely.
	childSubManager
)

type childRef struct {
	kind childKind
	id   registry.ID
}

// Context is a named, nestable grouping of children (spec §3). Exactly one
// context per tree is toplevel and owns the Manager.
type Context struct {
	mu sync.Mutex

	id       registry.ID
	uuid     string
	name     string
	parent   *Context
	mgr      *Manager
	toplevel bool

	children map[string]childRef
	order    []string

	// attached holds this context's childSubManager entries: independent
	// toplevel contexts nested here only for naming/equilibration purposes
	// (spec §3 Context "ctx.sub = Context(...)", §4.1 Equilibrium). They
	// keep their own identity, path and Manager, so they cannot be reached
	// through the shared id tables the way an ordinary DeclareSubContext
	// child can.
	attached map[string]*Context

	// attachedParent/attachedName record where this context was nested by
	// AttachSubContext, if anywhere, so Destroy can clean up the parent's
	// bookkeeping instead of leaving a dangling entry.
	attachedParent *Context
	attachedName   string

	destroyed bool
}

// NewContext creates a fresh toplevel context with its own Manager (spec §6
// Context(toplevel=True)).
func NewContext(opts ...ManagerOption) *Context {
	mgr := NewManager(opts...)
	ctx := &Context{
		id:       mgr.idgen.Next(),
		uuid:     uuid.NewString(),
		name:     "",
		mgr:      mgr,
		toplevel: true,
		children: make(map[string]childRef),
	}
	mgr.contexts.Insert(ctx.id, ctx)
	mgr.root = ctx
	return ctx
}

// Manager returns the Manager owning this context's tree.
func (ctx *Context) Manager() *Manager { return ctx.mgr }

// IsToplevel reports whether this context owns the Manager.
func (ctx *Context) IsToplevel() bool { return ctx.toplevel }

// Name returns the context's registered name within its parent ("" for the
// toplevel context).
func (ctx *Context) Name() string { return ctx.name }

// Path returns the context's dotted path from the toplevel context.
func (ctx *Context) Path() string {
	ctx.mu.Lock()
	parent, name := ctx.parent, ctx.name
	ctx.mu.Unlock()
	if parent == nil {
		return ""
	}
	return parent.childPath(name)
}

func (ctx *Context) childPath(name string) string {
	base := ctx.Path()
	if base == "" {
		return name
	}
	return base + "." + name
}

func (ctx *Context) addChild(name string, ref childRef) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, exists := ctx.children[name]; exists {
		return seamerr.Structuref(name, "a child with this name already exists")
	}
	ctx.children[name] = ref
	ctx.order = append(ctx.order, name)
	return nil
}

// restoreChild re-registers a child link dropped by a destroy that is being
// rolled back. Idempotent: a link that still exists is left alone.
func (ctx *Context) restoreChild(name string, ref childRef) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, exists := ctx.children[name]; exists {
		return
	}
	ctx.children[name] = ref
	ctx.order = append(ctx.order, name)
}

func (ctx *Context) removeChild(name string) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	delete(ctx.children, name)
	for i, n := range ctx.order {
		if n == name {
			ctx.order = append(ctx.order[:i], ctx.order[i+1:]...)
			break
		}
	}
}

// Children returns the registered child names in declaration order.
func (ctx *Context) Children() []string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	out := make([]string, len(ctx.order))
	copy(out, ctx.order)
	return out
}

// Cell looks up a direct child cell by name.
func (ctx *Context) Cell(name string) (*Cell, error) {
	ctx.mu.Lock()
	ref, ok := ctx.children[name]
	mgr := ctx.mgr
	ctx.mu.Unlock()
	if !ok || ref.kind != childCell {
		return nil, fmt.Errorf("core: context %q has no cell %q", ctx.Path(), name)
	}
	c, ok := mgr.cells.Get(ref.id)
	if !ok {
		return nil, seamerr.Structuref(name, "cell destroyed")
	}
	return c, nil
}

// Worker looks up a direct child worker by name.
func (ctx *Context) Worker(name string) (*Worker, error) {
	ctx.mu.Lock()
	ref, ok := ctx.children[name]
	mgr := ctx.mgr
	ctx.mu.Unlock()
	if !ok || ref.kind != childWorker {
		return nil, fmt.Errorf("core: context %q has no worker %q", ctx.Path(), name)
	}
	w, ok := mgr.workers.Get(ref.id)
	if !ok {
		return nil, seamerr.Structuref(name, "worker destroyed")
	}
	return w, nil
}

// SubContext looks up a direct child context by name, whether it was
// created with DeclareSubContext or nested with AttachSubContext.
func (ctx *Context) SubContext(name string) (*Context, error) {
	ctx.mu.Lock()
	ref, ok := ctx.children[name]
	mgr := ctx.mgr
	if ok && ref.kind == childSubManager {
		sub := ctx.attached[name]
		ctx.mu.Unlock()
		return sub, nil
	}
	ctx.mu.Unlock()
	if !ok || ref.kind != childContext {
		return nil, fmt.Errorf("core: context %q has no sub-context %q", ctx.Path(), name)
	}
	sub, ok := mgr.contexts.Get(ref.id)
	if !ok {
		return nil, seamerr.Structuref(name, "context destroyed")
	}
	return sub, nil
}

// AttachSubContext nests an independently-constructed toplevel context
// (one built with NewContext, owning its own Manager) under ctx as a named
// child, registering its Manager as a sub-manager of ctx's so
// ctx.Equilibrate also waits on it (spec §3 Context "ctx.sub =
// Context(...)", §4.1 Equilibrium "all sub-manager unstable sets", §5
// Workqueue "shared by the toplevel Manager and its sub-managers").
//
// Unlike DeclareSubContext, child keeps its own identity, path and Manager
// — it is nested here for equilibration and name lookup only, mirroring
// the source runtime's Manager.sub_managers/notify_attach_child mechanism,
// where an attached child context stays toplevel with its own _manager
// rather than being absorbed into the parent's.
func (ctx *Context) AttachSubContext(name string, child *Context) error {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return seamerr.Structuref(name, "sub-contexts may only be attached in macro mode")
	}
	if !child.IsToplevel() {
		return seamerr.Structuref(name, "attached context must be an independent toplevel context with its own Manager")
	}
	if child.mgr == mgr {
		return seamerr.Structuref(name, "context already belongs to this manager")
	}

	ctx.mu.Lock()
	if _, exists := ctx.children[name]; exists {
		ctx.mu.Unlock()
		return seamerr.Structuref(name, "a child with this name already exists")
	}
	if ctx.attached == nil {
		ctx.attached = make(map[string]*Context)
	}
	ctx.attached[name] = child
	ctx.children[name] = childRef{kind: childSubManager}
	ctx.order = append(ctx.order, name)
	ctx.mu.Unlock()

	child.mu.Lock()
	child.attachedParent = ctx
	child.attachedName = name
	child.mu.Unlock()

	mgr.attachSubManager(name, child.mgr)
	mgr.recordAttach(ctx, name)
	return nil
}

// DetachSubContext reverses AttachSubContext: child stops being waited on
// by ctx's Equilibrate and is dropped from ctx's child namespace. child
// itself, and its Manager, are untouched — it returns to being a fully
// independent toplevel context.
func (ctx *Context) DetachSubContext(name string) error {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return seamerr.Structuref(name, "sub-contexts may only be detached in macro mode")
	}
	ctx.mu.Lock()
	ref, ok := ctx.children[name]
	if !ok || ref.kind != childSubManager {
		ctx.mu.Unlock()
		return seamerr.Structuref(name, "no attached sub-context with this name")
	}
	child := ctx.attached[name]
	delete(ctx.attached, name)
	ctx.mu.Unlock()
	ctx.removeChild(name)

	if child != nil {
		child.mu.Lock()
		child.attachedParent = nil
		child.attachedName = ""
		child.mu.Unlock()
	}

	mgr.recordDetach(ctx, name, child)
	mgr.detachSubManager(name)
	return nil
}

// DeclareCell creates a new cell named name under ctx (spec §3 Lifecycle:
// "Entities may be created only in macro mode").
func (ctx *Context) DeclareCell(name string, kind dtype.Kind) (*Cell, error) {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return nil, seamerr.Structuref(name, "cells may only be created in macro mode")
	}
	id := mgr.idgen.Next()
	c := &Cell{
		id:            id,
		uuid:          uuid.NewString(),
		name:          name,
		ctx:           ctx,
		mgr:           mgr,
		kind:          kind,
		authoritative: true,
		status:        Undefined,
		createdIn:     mgr.macroGeneration(),
	}
	mgr.applyStashReuse(c)
	mgr.cells.Insert(id, c)
	if err := ctx.addChild(name, childRef{childCell, id}); err != nil {
		mgr.cells.Delete(id)
		return nil, err
	}
	mgr.recordCreated(id, entityCell)
	if c.preliminary != nil {
		p := c.preliminary
		c.preliminary = nil
		mgr.scheduleReplay(func() { _ = mgr.setCell(c, p.value, setOpts{isDefault: p.isDefault}) })
	}
	return c, nil
}

// AdoptCell attaches a detached cell (built with NewCell) under ctx as name,
// registering it in the Manager's arena. Any preliminary write stashed on the
// cell before adoption is replayed once the enclosing macro scope commits
// (spec §4.2).
func (ctx *Context) AdoptCell(name string, c *Cell) error {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return seamerr.Structuref(name, "cells may only be adopted in macro mode")
	}
	c.mu.Lock()
	if c.mgr != nil {
		c.mu.Unlock()
		return seamerr.Structuref(name, "cell already belongs to a context")
	}
	id := mgr.idgen.Next()
	c.id = id
	c.name = name
	c.ctx = ctx
	c.mgr = mgr
	c.mu.Unlock()
	c.createdIn = mgr.macroGeneration()
	mgr.applyStashReuse(c)
	mgr.cells.Insert(id, c)
	if err := ctx.addChild(name, childRef{childCell, id}); err != nil {
		mgr.cells.Delete(id)
		return err
	}
	mgr.recordCreated(id, entityCell)
	c.mu.Lock()
	pre := c.preliminary
	c.preliminary = nil
	c.mu.Unlock()
	if pre != nil {
		mgr.scheduleReplay(func() { _ = mgr.setCell(c, pre.value, setOpts{isDefault: pre.isDefault}) })
	}
	return nil
}

// DeclareWorker creates a new worker named name under ctx, with one pin per
// entry in pins (spec §3 Worker/Pin).
func (ctx *Context) DeclareWorker(name string, rt WorkerRuntime, pins []PinSpec) (*Worker, error) {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return nil, seamerr.Structuref(name, "workers may only be created in macro mode")
	}
	wid := mgr.idgen.Next()
	w := &Worker{
		id:      wid,
		uuid:    uuid.NewString(),
		name:    name,
		ctx:     ctx,
		mgr:     mgr,
		pins:    make(map[string]registry.ID, len(pins)),
		runtime: rt,
	}
	for _, spec := range pins {
		pid := mgr.idgen.Next()
		p := &Pin{
			id:       pid,
			uuid:     uuid.NewString(),
			name:     spec.Name,
			worker:   wid,
			mgr:      mgr,
			kind:     spec.Kind,
			dtype:    spec.DType,
			transfer: spec.Transfer,
		}
		mgr.pins.Insert(pid, p)
		w.pins[spec.Name] = pid
		mgr.recordCreated(pid, entityPin)
	}
	mgr.workers.Insert(wid, w)
	if err := ctx.addChild(name, childRef{childWorker, wid}); err != nil {
		mgr.workers.Delete(wid)
		return nil, err
	}
	mgr.recordCreated(wid, entityWorker)
	return w, nil
}

// PinSpec describes one pin to create alongside a worker.
type PinSpec struct {
	Name     string
	Kind     PinKind
	DType    dtype.Kind
	Transfer TransferMode
}

// DeclareSubContext creates a new, non-toplevel child context under ctx.
func (ctx *Context) DeclareSubContext(name string) (*Context, error) {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return nil, seamerr.Structuref(name, "contexts may only be created in macro mode")
	}
	id := mgr.idgen.Next()
	sub := &Context{
		id:       id,
		uuid:     uuid.NewString(),
		name:     name,
		parent:   ctx,
		mgr:      mgr,
		toplevel: false,
		children: make(map[string]childRef),
	}
	mgr.contexts.Insert(id, sub)
	if err := ctx.addChild(name, childRef{childContext, id}); err != nil {
		mgr.contexts.Delete(id)
		return nil, err
	}
	mgr.recordCreated(id, entityContext)
	return sub, nil
}

// Destroy tears down ctx and every descendant, child by child in declaration
// order: a cell after its connections, a worker after its connections and
// pins, and a sub-context recursively at its own place in that order. There
// is no separate pass per entity type, so a sub-context declared before a
// cell is torn down before that cell.
func (ctx *Context) Destroy() error {
	mgr := ctx.mgr
	if !mgr.inMacro() {
		return seamerr.Structuref(ctx.Path(), "destroy may only happen in macro mode")
	}
	mgr.destroyContext(ctx)
	if ctx.parent != nil {
		ctx.parent.removeChild(ctx.name)
	}

	ctx.mu.Lock()
	attachedParent, attachedName := ctx.attachedParent, ctx.attachedName
	ctx.mu.Unlock()
	if attachedParent != nil {
		attachedParent.mu.Lock()
		delete(attachedParent.attached, attachedName)
		attachedParent.mu.Unlock()
		attachedParent.removeChild(attachedName)
		attachedParent.mgr.detachSubManager(attachedName)
	}
	return nil
}

// Equilibrate is a convenience forwarding to the owning Manager.
func (ctx *Context) Equilibrate(timeout time.Duration) map[registry.ID]struct{} {
	return ctx.mgr.Equilibrate(timeout)
}

// Summary is a convenience forwarding to the owning Manager.
func (ctx *Context) Summary() telemetry.Summary {
	return ctx.mgr.Summary()
}
