package core

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smilemakc/seamless/internal/checksum"
	"github.com/smilemakc/seamless/internal/cond"
	"github.com/smilemakc/seamless/internal/corelog"
	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/mount"
	"github.com/smilemakc/seamless/internal/registry"
	"github.com/smilemakc/seamless/internal/seamerr"
	"github.com/smilemakc/seamless/internal/telemetry"
	"github.com/smilemakc/seamless/internal/workqueue"
)

var checksumZero = checksum.Sum{}

// Manager is the single serialization point for every runtime mutation
// (spec §4.1): it validates, updates cells, propagates along connections
// and drives workers to equilibrium. It is a struct of collaborators
// (registries, workqueue, condition evaluator, observer hooks) plus
// id-keyed tables, shaped for a persistent reactive graph rather than a
// one-shot DAG run (see SPEC_FULL.md §4.1).
type Manager struct {
	idgen registry.IDGen

	cells    *registry.Table[*Cell]
	workers  *registry.Table[*Worker]
	pins     *registry.Table[*Pin]
	conns    *registry.Table[*Connection]
	contexts *registry.Table[*Context]

	dtypes *dtype.Registry
	conds  *cond.Evaluator

	workq *workqueue.Queue

	stateMu    sync.Mutex
	active     bool
	buffered   []func()
	macroDepth int
	macroGen   registry.ID
	stash      *macroStash
	journal    []journalEntry

	unstableMu sync.Mutex
	unstable   map[registry.ID]*Worker

	// subMu guards subManagers (this Manager's attached sub-managers, spec
	// §3 Context "ctx.sub = Context(...)" / §4.1 Equilibrium "all
	// sub-manager unstable sets") and parentMgr (set on the child when it
	// is attached, so a local stability transition can ask the whole
	// attached tree's root to re-check equilibrium).
	subMu       sync.Mutex
	subManagers map[string]*Manager
	parentMgr   *Manager

	editPinMu     sync.Mutex
	editPinOrigin registry.ID

	mountSink mount.Sink

	hookMu         sync.Mutex
	onEquilibrate  []func()
	onCellChanged  []func(*Cell)
	onWorkerStable []func(*Worker, bool)

	log zerolog.Logger
	rec *telemetry.Recorder

	metricsMu        sync.Mutex
	equilibrateCount int
	equilibrateTotal time.Duration

	root *Context
}

// ManagerOption customizes a new Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a structured logger (default: a nop zerolog.Logger).
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithMountSink attaches the mount notification sink (spec §1, external
// collaborator iii).
func WithMountSink(sink mount.Sink) ManagerOption {
	return func(m *Manager) { m.mountSink = sink }
}

// WithTelemetry attaches an otel-backed recorder (off by default).
func WithTelemetry(rec *telemetry.Recorder) ManagerOption {
	return func(m *Manager) { m.rec = rec }
}

// WithDTypeRegistry overrides the default dtype registry, e.g. to register
// additional dtypes at startup (spec §6).
func WithDTypeRegistry(reg *dtype.Registry) ManagerOption {
	return func(m *Manager) { m.dtypes = reg }
}

// NewManager constructs an active Manager ready to own a toplevel context.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		cells:       registry.NewTable[*Cell](),
		workers:     registry.NewTable[*Worker](),
		pins:        registry.NewTable[*Pin](),
		conns:       registry.NewTable[*Connection](),
		contexts:    registry.NewTable[*Context](),
		dtypes:      dtype.New(),
		conds:       cond.New(),
		workq:       workqueue.New(),
		active:      true,
		unstable:    make(map[registry.ID]*Worker),
		subManagers: make(map[string]*Manager),
		log:         corelog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the toplevel context this Manager owns.
func (m *Manager) Root() *Context { return m.root }

// OnEquilibrate registers a callback that fires once every time the graph
// transitions into equilibrium (spec §4.1), then is cleared.
func (m *Manager) OnEquilibrate(fn func()) {
	m.hookMu.Lock()
	m.onEquilibrate = append(m.onEquilibrate, fn)
	m.hookMu.Unlock()
}

// OnCellChanged registers a persistent observer fired after every accepted
// non-nil write to a cell, including one that leaves its checksum unchanged,
// and after every write routed through a channel hook (supplemented feature,
// SPEC_FULL.md). Clearing a cell to nil and Touch do not fire it.
func (m *Manager) OnCellChanged(fn func(*Cell)) {
	m.hookMu.Lock()
	m.onCellChanged = append(m.onCellChanged, fn)
	m.hookMu.Unlock()
}

// OnWorkerStable registers a persistent observer fired every time a
// worker's stable state changes (supplemented feature, SPEC_FULL.md).
func (m *Manager) OnWorkerStable(fn func(*Worker, bool)) {
	m.hookMu.Lock()
	m.onWorkerStable = append(m.onWorkerStable, fn)
	m.hookMu.Unlock()
}

// ---- dispatch: main-thread-buffered + active-gated (spec §4.1) ----------

// submit is the single gated entry point every external mutation passes
// through. While the Manager is inactive (macro mode in progress) fn is
// parked in buffered and runs on reactivation; otherwise it is pushed onto
// the shared workqueue and drained to completion before submit returns.
//
// Go has no single "main thread" the way the source's cooperative runtime
// does, so we approximate it with the workqueue's own flushing lock
// (spec §5 "reentrant flushes are no-ops"): whichever goroutine currently
// owns the drain runs every queued continuation, including ones pushed by
// other goroutines while it works, in strict FIFO arrival order. A caller
// that loses the race to own the drain waits for its own continuation to
// report completion rather than assume its effects are visible immediately.
func (m *Manager) submit(fn func()) {
	m.stateMu.Lock()
	if !m.active {
		m.buffered = append(m.buffered, fn)
		m.stateMu.Unlock()
		return
	}
	m.stateMu.Unlock()

	if m.workq.Flushing() {
		// Reentrant: a continuation already running on this goroutine (e.g.
		// a worker runtime that emits synchronously from inside
		// ReceiveInput) is itself the only thing that could ever drain a
		// freshly pushed item, so queuing and waiting here would spin
		// forever. Run inline instead — Go has no single main thread to
		// hand this off to, so we fall back to direct recursive execution,
		// same as the original's cooperative re-entry into its main-thread
		// dispatcher.
		fn()
		return
	}

	done := make(chan struct{})
	m.workq.Push(func() {
		fn()
		close(done)
	})
	for {
		m.workq.Flush(0)
		select {
		case <-done:
			return
		default:
			runtime.Gosched()
		}
	}
}

func (m *Manager) inMacro() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.macroDepth > 0
}

// ---- cell mutation (spec §4.1 set_cell / touch_cell) ---------------------

func (m *Manager) setCell(c *Cell, value any, o setOpts) error {
	var outErr error
	m.submit(func() { outErr = m.doSetCell(c, value, o) })
	return outErr
}

func (m *Manager) doSetCell(c *Cell, value any, o setOpts) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return seamerr.Structuref(c.name, "cell is destroyed")
	}
	if c.slave && !o.force {
		c.mu.Unlock()
		return seamerr.Structuref(c.name, "slave cell rejects direct writes without force")
	}

	// A write carrying an origin arrived over a connection: it is
	// dependency-driven, not a direct user write.
	depDriven := o.fromPin || o.origin != 0
	if o.fromPin {
		// A duplex edit connection never takes authority from its target, so
		// its writes are allowed on an authoritative cell (spec §3, §9 Open
		// Question on liquid connections).
		if c.authoritative && !o.duplex {
			c.mu.Unlock()
			return seamerr.Authorityf(c.name, "CELL-AUTHORITY: pin wrote to an authoritative cell")
		}
	}
	if depDriven {
		c.overruled = false
	} else if !c.authoritative && !o.isDefault {
		c.overruled = true
		m.log.Warn().Str("cell", c.name).Msg("authority: direct write to non-authoritative cell")
	}

	// A hooked cell (structured-cell in/outchannel) routes both nil and
	// non-nil writes through the hook: clearing a channel is itself a
	// monitor write that can be rejected (e.g. a required key), so it must
	// go through the same error path as any other value instead of the
	// plain cell's unconditional clear below.
	if c.hook != nil {
		hook := c.hook
		path := c.pathLocked()
		c.mu.Unlock()
		newValue, err := hook.Write(value)
		c.mu.Lock()
		if err != nil {
			c.status = ErrorStatus
			c.err = err
			c.mu.Unlock()
			return seamerr.Wrap(seamerr.Validation, path, "channel write failed", err)
		}
		_, defined := hook.Read()
		c.value = newValue
		if defined {
			c.status = OK
		} else {
			c.status = Undefined
		}
		c.err = nil
		mountDesc := c.mountDesc
		c.mu.Unlock()
		m.cellSendUpdate(c, false, o.origin)
		m.notifyMount(mountDesc, path, "", false)
		m.fireCellChanged(c)
		return nil
	}

	if value == nil && !o.fromBuffer {
		wasDefined := c.status == OK
		isSignal := c.kind == dtype.Signal
		c.value = nil
		c.status = Undefined
		c.err = nil
		c.lastChecksum = checksumZero
		c.lastTextChecksum = checksumZero
		mountDesc := c.mountDesc
		path := c.pathLocked()
		c.mu.Unlock()
		// A signal cell carries no value; a Set IS the transition, so it
		// always fires (spec invariant C5). Any other cell only fires when
		// the clear actually changed something.
		if wasDefined || isSignal {
			m.cellSendUpdate(c, false, o.origin)
			m.notifyMount(mountDesc, path, "", false)
		}
		return nil
	}

	kind := c.kind
	path := c.pathLocked()
	c.mu.Unlock()

	handler, err := m.dtypes.Lookup(kind)
	if err != nil {
		return seamerr.Wrap(seamerr.Structure, path, "no dtype handler", err)
	}

	var newValue any
	if o.fromBuffer {
		b, ok := value.([]byte)
		if !ok {
			return seamerr.Validationf(path, "from_buffer expects []byte, got %T", value)
		}
		newValue, err = handler.Parse(b)
	} else {
		newValue, err = handler.Construct(value)
	}
	if err == nil {
		err = handler.Validate(newValue)
	}
	if err != nil {
		c.mu.Lock()
		c.status = ErrorStatus
		c.err = err
		c.mu.Unlock()
		return seamerr.Wrap(seamerr.Validation, path, "validation failed", err)
	}

	var sum, textSum checksum.Sum
	if o.checksum != nil {
		sum = *o.checksum
	} else {
		sum, err = handler.Checksum(newValue, false)
		if err != nil {
			return seamerr.Wrap(seamerr.Validation, path, "checksum failed", err)
		}
	}
	if handler.HasTextChecksum() {
		textSum, err = handler.TextChecksum(newValue, false)
		if err != nil {
			return seamerr.Wrap(seamerr.Validation, path, "text checksum failed", err)
		}
	} else {
		textSum = sum
	}

	c.mu.Lock()
	different := sum != c.lastChecksum
	textDifferent := textSum != c.lastTextChecksum
	c.value = newValue
	c.status = OK
	c.err = nil
	c.lastChecksum = sum
	c.lastTextChecksum = textSum
	mountDesc := c.mountDesc
	c.mu.Unlock()

	if different || textDifferent {
		m.cellSendUpdate(c, !different && textDifferent, o.origin)
		m.notifyMount(mountDesc, path, sum.String(), !different && textDifferent)
	}
	m.fireCellChanged(c)
	return nil
}

func (c *Cell) pathLocked() string {
	if c.ctx == nil {
		return c.name
	}
	return c.ctx.childPath(c.name)
}

// touchCell unconditionally re-fires every outgoing connection (spec §4.1
// touch_cell).
func (m *Manager) touchCell(c *Cell) error {
	var outErr error
	m.submit(func() {
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			outErr = seamerr.Structuref(c.name, "cell is destroyed")
			return
		}
		mountDesc := c.mountDesc
		sum := c.lastChecksum
		path := c.pathLocked()
		c.mu.Unlock()
		m.cellSendUpdate(c, false, 0)
		m.notifyMount(mountDesc, path, sum.String(), false)
	})
	return outErr
}

// cellSendUpdate fires every outgoing cell->cell and cell->pin connection
// from c, in registration order, skipping the one whose target equals
// origin (spec §4.1: "to prevent trivial cycles"), and skipping any pin
// that is currently the Manager's editpin_origin — the edit pin whose own
// write is, dynamically, still in the middle of being fanned out, so it
// must not be re-notified of the update it just caused (original source:
// manager.py cell_send_update / _set_editpin_origin).
func (m *Manager) cellSendUpdate(c *Cell, onlyText bool, origin registry.ID) {
	editOrigin := m.currentEditPinOrigin()
	conns := m.outgoingFrom(c.id)
	for _, conn := range conns {
		target := conn.targetCellOrPinID()
		if target == origin {
			continue
		}
		if conn.kind == ConnCellPin && target == editOrigin {
			continue
		}
		if !m.connConditionHolds(conn, c.Value()) {
			continue
		}
		switch conn.kind {
		case ConnCellCell:
			target, ok := m.cells.Get(conn.targetCell)
			if !ok || target.destroyed {
				continue
			}
			_ = m.doSetCell(target, c.Value(), setOpts{origin: c.id, duplex: conn.duplex})
		case ConnCellPin:
			pin, ok := m.pins.Get(conn.targetPin)
			if !ok {
				continue
			}
			if pin.Kind() == PinEdit {
				// While a value is being delivered into an edit pin, record
				// the delivering cell as editpin_origin so a synchronous emit
				// from the pin's runtime does not bounce straight back (spec
				// §4.1 pin_send_update).
				m.withEditPinOrigin(c.id, func() { m.deliverToPin(pin, c.Value()) })
			} else {
				m.deliverToPin(pin, c.Value())
			}
		}
	}
}

// connConditionHolds evaluates a connection's optional guard expression
// against the value about to cross it; an unguarded connection always fires.
// A failing or erroring guard suppresses the fire (an erroring guard is also
// logged: a broken expression must not take the whole propagation down).
func (m *Manager) connConditionHolds(conn *Connection, value any) bool {
	if conn.condition == "" {
		return true
	}
	ok, err := m.conds.Eval(conn.condition, map[string]any{"value": value})
	if err != nil {
		m.log.Warn().Err(err).Str("condition", conn.condition).Msg("connection guard failed to evaluate")
		return false
	}
	return ok
}

// outgoingFrom returns every live connection sourced at cell id, in
// registration (creation) order.
func (m *Manager) outgoingFrom(id registry.ID) []*Connection {
	var out []*Connection
	m.conns.Range(func(_ registry.ID, conn *Connection) bool {
		if conn.destroyed {
			return true
		}
		if (conn.kind == ConnCellCell || conn.kind == ConnCellPin) && conn.sourceCell == id {
			out = append(out, conn)
		}
		return true
	})
	sortConnsByID(out)
	return out
}

func (conn *Connection) targetCellOrPinID() registry.ID {
	if conn.kind == ConnCellPin {
		return conn.targetPin
	}
	return conn.targetCell
}

func (m *Manager) deliverToPin(pin *Pin, value any) {
	pin.mu.Lock()
	if pin.destroyed {
		pin.mu.Unlock()
		return
	}
	workerID := pin.worker
	pin.mu.Unlock()
	w, ok := m.workers.Get(workerID)
	if !ok || w.destroyed {
		return
	}
	_ = w.deliver(pin.name, value)
}

// pinSendUpdate is called by the worker runtime when a pin emits (spec
// §4.1 pin_send_update). It fires every pin->cell connection from pin,
// suppressing any connection whose target equals the Manager's current
// editpin_origin. While an edit pin's own fan-out runs, editpin_origin is
// set to that pin for the whole nested call tree, not just this one write
// (original source: manager.py pin_send_update wraps every con.fire in
// `with self._set_editpin_origin(pin)`), so a downstream cell_send_update
// reached transitively from this write still knows not to notify pin back.
func (m *Manager) pinSendUpdate(pin *Pin, value any, preliminary bool) error {
	var outErr error
	fire := func(origin registry.ID) {
		conns := m.outgoingFromPin(pin.id)
		for _, conn := range conns {
			if conn.targetCell == origin {
				continue
			}
			if !m.connConditionHolds(conn, value) {
				continue
			}
			target, ok := m.cells.Get(conn.targetCell)
			if !ok || target.destroyed {
				continue
			}
			if err := m.doSetCell(target, value, setOpts{fromPin: true, duplex: conn.duplex, origin: pin.id}); err != nil {
				outErr = err
			}
		}
	}
	m.submit(func() {
		pin.mu.Lock()
		isEdit := pin.kind == PinEdit
		pin.mu.Unlock()
		// Capture the editpin_origin set by whoever delivered into this pin
		// BEFORE installing our own: the suppression of "emit back to the
		// cell that just fed me" needs the outer scope's value, not pin.id.
		outer := m.currentEditPinOrigin()
		if isEdit {
			m.withEditPinOrigin(pin.id, func() { fire(outer) })
		} else {
			fire(outer)
		}
	})
	return outErr
}

func (m *Manager) outgoingFromPin(id registry.ID) []*Connection {
	var out []*Connection
	m.conns.Range(func(_ registry.ID, conn *Connection) bool {
		if conn.destroyed {
			return true
		}
		if conn.kind == ConnPinCell && conn.sourcePin == id {
			out = append(out, conn)
		}
		return true
	})
	sortConnsByID(out)
	return out
}

func (m *Manager) currentEditPinOrigin() registry.ID {
	m.editPinMu.Lock()
	defer m.editPinMu.Unlock()
	return m.editPinOrigin
}

// withEditPinOrigin runs fn while pin-emit suppression targets origin, for
// the duration of delivering an update into an edit pin (spec §4.1
// pin_send_update / §9 Open Question on duplex edit connections).
func (m *Manager) withEditPinOrigin(origin registry.ID, fn func()) {
	m.editPinMu.Lock()
	prev := m.editPinOrigin
	m.editPinOrigin = origin
	m.editPinMu.Unlock()

	fn()

	m.editPinMu.Lock()
	m.editPinOrigin = prev
	m.editPinMu.Unlock()
}

// ---- connect (spec §4.1 connect_cell / connect_pin) -----------------------

func (m *Manager) connectCell(source, target *Cell, opts ...ConnectOption) (*Connection, error) {
	if !m.inMacro() {
		return nil, seamerr.Structuref(target.name, "connections may only be created in macro mode")
	}
	o := connOpts{transfer: TransferRef}
	for _, opt := range opts {
		opt(&o)
	}
	if source == target {
		return nil, seamerr.Structuref(target.name, "connect: a cell cannot be connected to itself")
	}
	source.mu.Lock()
	target.mu.Lock()
	if source.destroyed || target.destroyed {
		target.mu.Unlock()
		source.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: source or target destroyed")
	}
	if source.ctx != nil && target.ctx != nil && rootOf(source.ctx) != rootOf(target.ctx) {
		target.mu.Unlock()
		source.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: source and target belong to different roots")
	}
	if !o.duplex && !target.authoritative {
		target.mu.Unlock()
		source.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: target already has a driving connection")
	}
	if !o.duplex {
		target.authoritative = false
	}
	sourceStatus := source.status
	sourceVal := source.value
	if source.hook != nil {
		sourceVal, _ = source.hook.Read()
	}
	target.mu.Unlock()
	source.mu.Unlock()

	id := m.idgen.Next()
	conn := &Connection{
		id: id, uuid: newUUID(), kind: ConnCellCell, mgr: m,
		sourceCell: source.id, targetCell: target.id,
		transfer: o.transfer, duplex: o.duplex, mirror: o.mirror, condition: o.condition,
	}
	m.conns.Insert(id, conn)
	m.recordCreated(id, entityConnection)

	if sourceStatus == OK && m.connConditionHolds(conn, sourceVal) {
		_ = m.doSetCell(target, sourceVal, setOpts{origin: source.id, duplex: o.duplex})
	}
	return conn, nil
}

func (m *Manager) connectPin(source *Pin, target *Cell, opts ...ConnectOption) (*Connection, error) {
	if !m.inMacro() {
		return nil, seamerr.Structuref(target.name, "connections may only be created in macro mode")
	}
	o := connOpts{transfer: TransferRef}
	for _, opt := range opts {
		opt(&o)
	}
	source.mu.Lock()
	if source.destroyed {
		source.mu.Unlock()
		return nil, seamerr.Structuref(source.name, "connect: source pin destroyed")
	}
	pinKind := source.kind
	source.mu.Unlock()

	target.mu.Lock()
	if target.destroyed {
		target.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: target destroyed")
	}
	if !o.duplex && !target.authoritative {
		target.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: target already has a driving connection")
	}
	if !o.duplex {
		target.authoritative = false
	}
	target.mu.Unlock()

	if pinKind == PinEdit {
		if o.mirror == 0 {
			return nil, seamerr.Structuref(target.name, "connect: an edit-pin connection requires a mirror connection")
		}
	}

	id := m.idgen.Next()
	conn := &Connection{
		id: id, uuid: newUUID(), kind: ConnPinCell, mgr: m,
		sourcePin: source.id, targetCell: target.id,
		transfer: o.transfer, duplex: o.duplex, mirror: o.mirror, condition: o.condition,
	}
	m.conns.Insert(id, conn)
	m.recordCreated(id, entityConnection)
	return conn, nil
}

// connectCellToPin installs a cell->pin feed connection (spec §3: "cell to
// pin feed"), delivering source's current value to target immediately if
// source is already defined, mirroring connectCell's immediate-delivery
// behavior.
func (m *Manager) connectCellToPin(source *Cell, target *Pin, opts ...ConnectOption) (*Connection, error) {
	if !m.inMacro() {
		return nil, seamerr.Structuref(target.name, "connections may only be created in macro mode")
	}
	o := connOpts{transfer: TransferRef}
	for _, opt := range opts {
		opt(&o)
	}
	source.mu.Lock()
	if source.destroyed {
		source.mu.Unlock()
		return nil, seamerr.Structuref(source.name, "connect: source cell destroyed")
	}
	sourceStatus := source.status
	sourceVal := source.value
	if source.hook != nil {
		sourceVal, _ = source.hook.Read()
	}
	source.mu.Unlock()

	target.mu.Lock()
	if target.destroyed {
		target.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: target pin destroyed")
	}
	if target.kind == PinOutput {
		target.mu.Unlock()
		return nil, seamerr.Structuref(target.name, "connect: an output pin cannot be a feed target")
	}
	target.mu.Unlock()

	id := m.idgen.Next()
	conn := &Connection{
		id: id, uuid: newUUID(), kind: ConnCellPin, mgr: m,
		sourceCell: source.id, targetPin: target.id,
		transfer: o.transfer, duplex: o.duplex, mirror: o.mirror, condition: o.condition,
	}
	m.conns.Insert(id, conn)
	m.recordCreated(id, entityConnection)

	if sourceStatus == OK && m.connConditionHolds(conn, sourceVal) {
		if target.Kind() == PinEdit {
			m.withEditPinOrigin(source.id, func() { m.deliverToPin(target, sourceVal) })
		} else {
			m.deliverToPin(target, sourceVal)
		}
	}
	return conn, nil
}

func rootOf(ctx *Context) *Context {
	for ctx.parent != nil {
		ctx = ctx.parent
	}
	return ctx
}

// ---- worker stability (spec §4.1 Equilibrium) -----------------------------

func (m *Manager) markUnstable(w *Worker) {
	m.unstableMu.Lock()
	m.unstable[w.id] = w
	m.unstableMu.Unlock()
	m.fireWorkerStable(w, false)
}

func (m *Manager) markStable(w *Worker) {
	m.unstableMu.Lock()
	delete(m.unstable, w.id)
	empty := len(m.unstable) == 0
	m.unstableMu.Unlock()
	m.fireWorkerStable(w, true)
	if empty && m.workq.Len() == 0 {
		// A Manager whose own unstable set and workqueue just emptied
		// cannot tell, on its own, whether the *whole* attached tree is at
		// rest — an ancestor Manager (or a sibling sub-manager) may still
		// be unstable. Only the root of the attachment tree's equilibrium
		// is meaningful for on_equilibrate callbacks, so defer the actual
		// test (and any firing) to it.
		m.rootManager().maybeFireOnEquilibrate()
	}
}

// isStableLocal reports whether this Manager alone (ignoring any attached
// sub-managers) is at rest.
func (m *Manager) isStableLocal() bool {
	m.unstableMu.Lock()
	n := len(m.unstable)
	m.unstableMu.Unlock()
	return n == 0 && m.workq.Len() == 0
}

// isStable reports whether m and every Manager attached to it as a
// sub-manager, transitively, are all at rest (spec §4.1 Equilibrium:
// "blocks until either unstable and all sub-manager unstable sets are
// empty or the deadline expires").
func (m *Manager) isStable() bool {
	if !m.isStableLocal() {
		return false
	}
	for _, sub := range m.subManagersSnapshot() {
		if !sub.isStable() {
			return false
		}
	}
	return true
}

// rootManager walks up the chain of attaching parents to the Manager that
// owns the whole attached tree. A Manager never attached as anyone's
// sub-manager is its own root.
func (m *Manager) rootManager() *Manager {
	cur := m
	for {
		cur.subMu.Lock()
		parent := cur.parentMgr
		cur.subMu.Unlock()
		if parent == nil {
			return cur
		}
		cur = parent
	}
}

// maybeFireOnEquilibrate fires m's on_equilibrate callbacks iff m and its
// entire attached sub-manager tree are at rest. Only ever called on a root
// Manager (see markStable/Equilibrate), mirroring the source runtime's
// "only rootmanager ever calls test_equilibrate" discipline.
func (m *Manager) maybeFireOnEquilibrate() {
	if m.isStable() {
		m.fireOnEquilibrate()
	}
}

func (m *Manager) unstableSnapshot() map[registry.ID]struct{} {
	out := make(map[registry.ID]struct{})
	m.collectUnstable(out)
	return out
}

func (m *Manager) collectUnstable(out map[registry.ID]struct{}) {
	m.unstableMu.Lock()
	for id := range m.unstable {
		out[id] = struct{}{}
	}
	m.unstableMu.Unlock()
	for _, sub := range m.subManagersSnapshot() {
		sub.collectUnstable(out)
	}
}

// attachSubManager registers child as a sub-manager of m, keyed by name
// (spec §3 Context "ctx.sub = Context(...)" / §4.1 Equilibrium). Per spec
// §5 ("Workqueue. A single FIFO shared by the toplevel Manager and its
// sub-managers"), child is repointed onto m's workqueue so draining either
// side observes the other's pending work; this mirrors the source
// runtime's single process-wide `mainloop.workqueue` instance, scoped here
// to one attachment tree instead of the whole process.
func (m *Manager) attachSubManager(name string, child *Manager) {
	m.subMu.Lock()
	m.subManagers[name] = child
	m.subMu.Unlock()

	child.subMu.Lock()
	child.parentMgr = m
	child.subMu.Unlock()

	child.workq = m.workq
}

// detachSubManager reverses attachSubManager. The child keeps the shared
// workqueue it was repointed onto: splitting it back apart could strand
// continuations already enqueued on it.
func (m *Manager) detachSubManager(name string) {
	m.subMu.Lock()
	child := m.subManagers[name]
	delete(m.subManagers, name)
	m.subMu.Unlock()

	if child == nil {
		return
	}
	child.subMu.Lock()
	child.parentMgr = nil
	child.subMu.Unlock()
}

func (m *Manager) subManagersSnapshot() []*Manager {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	out := make([]*Manager, 0, len(m.subManagers))
	for _, sub := range m.subManagers {
		out = append(out, sub)
	}
	return out
}

// Equilibrate drains the workqueue and blocks until the unstable set is
// empty or timeout elapses (spec §4.1 equilibrate / §5 Suspension points).
// timeout <= 0 means no deadline. Also waits on every Manager attached to m
// as a sub-manager, transitively (spec §4.1 Equilibrium).
func (m *Manager) Equilibrate(timeout time.Duration) map[registry.ID]struct{} {
	if m.rec != nil {
		_, span := m.rec.StartEquilibrate(context.Background())
		defer span.End()
	}
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		m.workq.Flush(0)
		if m.isStable() {
			m.recordEquilibrate(time.Since(start))
			m.rootManager().maybeFireOnEquilibrate()
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			m.recordEquilibrate(time.Since(start))
			return m.unstableSnapshot()
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Manager) recordEquilibrate(d time.Duration) {
	m.metricsMu.Lock()
	m.equilibrateCount++
	m.equilibrateTotal += d
	m.metricsMu.Unlock()
}

// Summary reports a point-in-time read of graph size and equilibrate timing
// (spec's DOMAIN STACK metrics summary), a diagnostic surface only — it
// plays no part in propagation or the mutation contract.
func (m *Manager) Summary() telemetry.Summary {
	m.metricsMu.Lock()
	count, total := m.equilibrateCount, m.equilibrateTotal
	m.metricsMu.Unlock()

	m.unstableMu.Lock()
	unstable := len(m.unstable)
	m.unstableMu.Unlock()

	return telemetry.Summary{
		Cells:            m.cells.Len(),
		Workers:          m.workers.Len(),
		Connections:      m.conns.Len(),
		UnstableWorkers:  unstable,
		EquilibrateCount: count,
		EquilibrateTotal: total,
	}
}

func (m *Manager) fireOnEquilibrate() {
	m.hookMu.Lock()
	cbs := m.onEquilibrate
	m.onEquilibrate = nil
	m.hookMu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (m *Manager) fireCellChanged(c *Cell) {
	m.hookMu.Lock()
	cbs := m.onCellChanged
	m.hookMu.Unlock()
	for _, fn := range cbs {
		fn(c)
	}
}

func (m *Manager) fireWorkerStable(w *Worker, stable bool) {
	m.hookMu.Lock()
	cbs := m.onWorkerStable
	m.hookMu.Unlock()
	for _, fn := range cbs {
		fn(w, stable)
	}
}

func (m *Manager) notifyMount(desc *mount.Descriptor, path, sum string, onlyText bool) {
	if desc == nil || m.mountSink == nil {
		return
	}
	m.mountSink.OnCellUpdate(path, sum, onlyText)
}
