package core

import (
	"fmt"
	"sort"

	"github.com/smilemakc/seamless/internal/checksum"
	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/mount"
	"github.com/smilemakc/seamless/internal/registry"
)

// entityKind tags what a journal entry refers to.
type entityKind int

const (
	entityCell entityKind = iota
	entityWorker
	entityPin
	entityConnection
	entityContext
)

// journalOp is the structural operation a journal entry records.
type journalOp int

const (
	// opCreate: the entity was created during this scope; rollback removes it.
	opCreate journalOp = iota
	// opDestroy: the entity was destroyed during this scope; rollback
	// resurrects it (tombstone cleared, table entry and child-link restored).
	opDestroy
	// opAttach: an independent toplevel context was attached as a
	// sub-manager; rollback detaches it. Unlike created entities, the
	// attached context is never inserted into this Manager's own registry
	// tables, so undoing needs the parent context and registered name.
	opAttach
	// opDetach: a sub-manager was detached; rollback re-attaches it.
	opDetach
)

// journalEntry is one structural mutation recorded during a macro scope, so
// a rollback can undo exactly what this transaction did, in reverse order
// (spec §4.4: "all-or-nothing structural change").
type journalEntry struct {
	op   journalOp
	kind entityKind
	id   registry.ID

	parent *Context // owning/attaching context, for child-link restore
	name   string   // registered name under parent

	cell   *Cell
	worker *Worker
	pin    *Pin
	conn   *Connection
	subCtx *Context
}

// cellSnapshot is one cell's restorable state, captured by a macro stash.
type cellSnapshot struct {
	kind             dtype.Kind
	value            any
	status           Status
	err              error
	lastChecksum     checksum.Sum
	lastTextChecksum checksum.Sum
	authoritative    bool
	overruled        bool
	mountDesc        *mount.Descriptor
}

// macroStash is the snapshot taken when the outermost macro scope begins
// (spec §4.4): cells-by-path, mounts-by-path, and the set of connection ids
// alive before the scope started.
type macroStash struct {
	cellsByPath map[string]cellSnapshot
	connIDs     map[registry.ID]struct{}
}

// MacroScope is one structural-edit transaction (spec §4.4). Obtain one via
// Manager.BeginMacro and call Commit or Rollback exactly once.
type MacroScope struct {
	mgr   *Manager
	outer bool // true if this is a nested (no-op) scope
	done  bool
}

// BeginMacro opens a structural-edit transaction. Nested calls (while
// already inside a macro scope) return a no-op inner scope; only the
// outermost scope's Commit/Rollback actually takes effect (spec §4.4:
// "Macro mode nests: the outermost scope owns the stash").
func (m *Manager) BeginMacro() *MacroScope {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.macroDepth > 0 {
		return &MacroScope{mgr: m, outer: true}
	}
	m.macroDepth++
	m.macroGen++
	m.active = false
	m.stash = m.snapshotLocked()
	m.journal = nil
	m.log.Debug().Msg("macro: scope opened")
	return &MacroScope{mgr: m}
}

// Macro runs fn inside a macro scope, committing on success and rolling
// back on error or panic (spec §4.4's all-or-nothing structural edit).
func (m *Manager) Macro(fn func() error) (err error) {
	scope := m.BeginMacro()
	defer func() {
		if r := recover(); r != nil {
			err = scope.Rollback(fmt.Errorf("macro: panic: %v", r))
		}
	}()
	if err = fn(); err != nil {
		return scope.Rollback(err)
	}
	return scope.Commit()
}

// snapshotLocked captures every cell's restorable state and the set of
// live connection ids. Called with stateMu held.
func (m *Manager) snapshotLocked() *macroStash {
	s := &macroStash{
		cellsByPath: make(map[string]cellSnapshot),
		connIDs:     make(map[registry.ID]struct{}),
	}
	m.cells.Range(func(_ registry.ID, c *Cell) bool {
		c.mu.Lock()
		if !c.destroyed {
			s.cellsByPath[c.pathLocked()] = cellSnapshot{
				kind: c.kind, value: c.value, status: c.status, err: c.err,
				lastChecksum: c.lastChecksum, lastTextChecksum: c.lastTextChecksum,
				authoritative: c.authoritative, overruled: c.overruled, mountDesc: c.mountDesc,
			}
		}
		c.mu.Unlock()
		return true
	})
	m.conns.Range(func(id registry.ID, conn *Connection) bool {
		if !conn.destroyed {
			s.connIDs[id] = struct{}{}
		}
		return true
	})
	return s
}

// applyStashReuse implements spec §4.4 step 3: a freshly declared cell whose
// path matches a stashed cell of the same kind reuses the cached value
// instead of starting UNDEFINED.
func (m *Manager) applyStashReuse(c *Cell) {
	m.stateMu.Lock()
	stash := m.stash
	m.stateMu.Unlock()
	if stash == nil {
		return
	}
	path := c.pathLocked()
	snap, ok := stash.cellsByPath[path]
	if !ok || snap.kind != c.kind {
		return
	}
	// Only the cached value (and what derives from it) is reused: authority
	// is left fresh so the rebuilding macro can reconnect the cell's driver.
	c.value = snap.value
	c.status = snap.status
	c.err = snap.err
	c.lastChecksum = snap.lastChecksum
	c.lastTextChecksum = snap.lastTextChecksum
	if snap.mountDesc != nil {
		c.mountDesc = snap.mountDesc
	}
}

func (m *Manager) macroGeneration() registry.ID {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.macroGen
}

func (m *Manager) recordCreated(id registry.ID, kind entityKind) {
	m.stateMu.Lock()
	m.journal = append(m.journal, journalEntry{op: opCreate, kind: kind, id: id})
	m.stateMu.Unlock()
}

// recordAttach records an AttachSubContext call so a rollback can detach it
// again.
func (m *Manager) recordAttach(parent *Context, name string) {
	m.stateMu.Lock()
	m.journal = append(m.journal, journalEntry{op: opAttach, parent: parent, name: name})
	m.stateMu.Unlock()
}

// recordDetach records a sub-manager detach so a rollback can re-attach it.
func (m *Manager) recordDetach(parent *Context, name string, child *Context) {
	m.stateMu.Lock()
	m.journal = append(m.journal, journalEntry{op: opDetach, parent: parent, name: name, subCtx: child})
	m.stateMu.Unlock()
}

func (m *Manager) record(e journalEntry) {
	m.stateMu.Lock()
	m.journal = append(m.journal, e)
	m.stateMu.Unlock()
}

// scheduleReplay parks fn to run once the current (or next) macro scope
// reactivates, same as any other buffered call (spec §4.2 preliminary
// replay, §4.4 step 4).
func (m *Manager) scheduleReplay(fn func()) {
	m.stateMu.Lock()
	m.buffered = append(m.buffered, fn)
	m.stateMu.Unlock()
}

// Commit ends the transaction successfully: the Manager reactivates,
// buffered work replays, and the stash is dropped (spec §4.4 steps 1, 4, 5).
func (s *MacroScope) Commit() error {
	if s.outer || s.done {
		return nil
	}
	s.done = true
	m := s.mgr

	m.stateMu.Lock()
	m.macroDepth--
	m.stash = nil
	m.journal = nil
	m.active = true
	buffered := m.buffered
	m.buffered = nil
	m.stateMu.Unlock()

	for _, fn := range buffered {
		m.workq.Push(fn)
	}
	m.workq.Flush(0)
	m.log.Debug().Msg("macro: scope committed")
	return nil
}

// Rollback aborts the transaction: the journal of structural mutations is
// undone in reverse order — created entities removed, destroyed entities
// resurrected, attaches detached and vice versa — then every surviving
// cell's restorable state is restored from the stash, and the Manager
// reactivates before cause is returned (spec §4.4: "after a failed macro
// mode, the observable graph is exactly what it was before").
func (s *MacroScope) Rollback(cause error) error {
	if s.outer {
		return cause
	}
	if s.done {
		return cause
	}
	s.done = true
	m := s.mgr

	m.stateMu.Lock()
	stash := m.stash
	journal := m.journal
	m.macroDepth--
	m.stash = nil
	m.journal = nil
	m.active = true
	buffered := m.buffered
	m.buffered = nil
	m.stateMu.Unlock()

	for i := len(journal) - 1; i >= 0; i-- {
		e := journal[i]
		switch e.op {
		case opCreate:
			m.undoCreate(e)
		case opDestroy:
			m.undoDestroy(e)
		case opAttach:
			m.undoAttach(e)
		case opDetach:
			m.undoDetach(e)
		}
	}

	if stash != nil {
		m.cells.Range(func(_ registry.ID, c *Cell) bool {
			c.mu.Lock()
			if !c.destroyed {
				if snap, ok := stash.cellsByPath[c.pathLocked()]; ok && snap.kind == c.kind {
					c.value = snap.value
					c.status = snap.status
					c.err = snap.err
					c.lastChecksum = snap.lastChecksum
					c.lastTextChecksum = snap.lastTextChecksum
					c.authoritative = snap.authoritative
					c.overruled = snap.overruled
					c.mountDesc = snap.mountDesc
				}
			}
			c.mu.Unlock()
			return true
		})
	}

	for _, fn := range buffered {
		m.workq.Push(fn)
	}
	m.workq.Flush(0)
	m.log.Debug().Err(cause).Msg("macro: scope rolled back")
	return cause
}

func (m *Manager) undoCreate(e journalEntry) {
	switch e.kind {
	case entityConnection:
		if conn, ok := m.conns.Get(e.id); ok {
			m.unwindConnection(conn)
		}
		m.conns.Delete(e.id)
	case entityPin:
		m.pins.Delete(e.id)
	case entityCell:
		if c, ok := m.cells.Get(e.id); ok {
			c.mu.Lock()
			ctx, name := c.ctx, c.name
			c.destroyed = true
			c.mu.Unlock()
			if ctx != nil {
				ctx.removeChild(name)
			}
		}
		m.cells.Delete(e.id)
	case entityWorker:
		if w, ok := m.workers.Get(e.id); ok {
			w.mu.Lock()
			ctx, name := w.ctx, w.name
			w.destroyed = true
			w.mu.Unlock()
			if ctx != nil {
				ctx.removeChild(name)
			}
		}
		m.workers.Delete(e.id)
	case entityContext:
		if sub, ok := m.contexts.Get(e.id); ok {
			sub.mu.Lock()
			parent, name := sub.parent, sub.name
			sub.destroyed = true
			sub.mu.Unlock()
			if parent != nil {
				parent.removeChild(name)
			}
		}
		m.contexts.Delete(e.id)
	}
}

func (m *Manager) undoDestroy(e journalEntry) {
	switch e.kind {
	case entityConnection:
		conn := e.conn
		conn.destroyed = false
		m.conns.Insert(conn.id, conn)
		// Re-take authority from the target the connection drives.
		if !conn.duplex && (conn.kind == ConnCellCell || conn.kind == ConnPinCell) {
			if c, ok := m.cells.Get(conn.targetCell); ok {
				c.mu.Lock()
				c.authoritative = false
				c.mu.Unlock()
			}
		}
	case entityPin:
		e.pin.mu.Lock()
		e.pin.destroyed = false
		e.pin.mu.Unlock()
		m.pins.Insert(e.pin.id, e.pin)
	case entityCell:
		e.cell.mu.Lock()
		e.cell.destroyed = false
		e.cell.mu.Unlock()
		m.cells.Insert(e.cell.id, e.cell)
		if e.parent != nil {
			e.parent.restoreChild(e.name, childRef{childCell, e.cell.id})
		}
	case entityWorker:
		e.worker.mu.Lock()
		e.worker.destroyed = false
		e.worker.mu.Unlock()
		m.workers.Insert(e.worker.id, e.worker)
		if e.parent != nil {
			e.parent.restoreChild(e.name, childRef{childWorker, e.worker.id})
		}
	case entityContext:
		e.subCtx.mu.Lock()
		e.subCtx.destroyed = false
		e.subCtx.mu.Unlock()
		m.contexts.Insert(e.subCtx.id, e.subCtx)
		if e.parent != nil {
			e.parent.restoreChild(e.name, childRef{childContext, e.subCtx.id})
		}
	}
}

func (m *Manager) undoAttach(e journalEntry) {
	if e.parent == nil {
		return
	}
	e.parent.mu.Lock()
	child := e.parent.attached[e.name]
	delete(e.parent.attached, e.name)
	e.parent.mu.Unlock()
	e.parent.removeChild(e.name)
	if child != nil {
		child.mu.Lock()
		child.attachedParent = nil
		child.attachedName = ""
		child.mu.Unlock()
	}
	m.detachSubManager(e.name)
}

func (m *Manager) undoDetach(e journalEntry) {
	if e.parent == nil || e.subCtx == nil {
		return
	}
	e.parent.mu.Lock()
	if e.parent.attached == nil {
		e.parent.attached = make(map[string]*Context)
	}
	e.parent.attached[e.name] = e.subCtx
	e.parent.mu.Unlock()
	e.parent.restoreChild(e.name, childRef{kind: childSubManager})
	e.subCtx.mu.Lock()
	e.subCtx.attachedParent = e.parent
	e.subCtx.attachedName = e.name
	e.subCtx.mu.Unlock()
	m.attachSubManager(e.name, e.subCtx.mgr)
}

// unwindConnection restores authority on a connection's target when the
// connection itself is being undone.
func (m *Manager) unwindConnection(conn *Connection) {
	conn.destroyed = true
	if conn.duplex {
		return
	}
	var targetID registry.ID
	switch conn.kind {
	case ConnCellCell, ConnPinCell:
		targetID = conn.targetCell
	case ConnCellPin:
		return // pins don't carry an authoritative flag
	}
	if c, ok := m.cells.Get(targetID); ok {
		c.mu.Lock()
		// Only restore authority if no other non-duplex connection still
		// targets this cell.
		stillDriven := false
		m.conns.Range(func(_ registry.ID, other *Connection) bool {
			if other.destroyed || other.duplex || other.id == conn.id {
				return true
			}
			if (other.kind == ConnCellCell || other.kind == ConnPinCell) && other.targetCell == targetID {
				stillDriven = true
				return false
			}
			return true
		})
		if !stillDriven {
			c.authoritative = true
		}
		c.mu.Unlock()
	}
}

// destroyConnection removes conn and restores its target's authority if
// nothing else still drives it (spec §3 Lifecycle, §4.4).
func (m *Manager) destroyConnection(conn *Connection) {
	m.record(journalEntry{op: opDestroy, kind: entityConnection, id: conn.id, conn: conn})
	m.unwindConnection(conn)
	m.conns.Delete(conn.id)
}

// destroyContext tears down ctx and every descendant, child by child in
// declaration order (see Context.Destroy): each cell's or worker's
// connections (and a worker's pins) go before the entity itself, and
// sub-contexts are recursed into where they appear.
func (m *Manager) destroyContext(ctx *Context) {
	ctx.mu.Lock()
	names := make([]string, len(ctx.order))
	copy(names, ctx.order)
	refs := make(map[string]childRef, len(ctx.children))
	for k, v := range ctx.children {
		refs[k] = v
	}
	parent, name := ctx.parent, ctx.name
	ctx.destroyed = true
	ctx.mu.Unlock()
	m.record(journalEntry{op: opDestroy, kind: entityContext, id: ctx.id, subCtx: ctx, parent: parent, name: name})

	for _, childName := range names {
		ref := refs[childName]
		switch ref.kind {
		case childContext:
			if sub, ok := m.contexts.Get(ref.id); ok {
				m.destroyContext(sub)
			}
		case childWorker:
			if w, ok := m.workers.Get(ref.id); ok {
				m.destroyWorker(w)
			}
		case childCell:
			if c, ok := m.cells.Get(ref.id); ok {
				m.destroyCell(c)
			}
		case childSubManager:
			// An attached sub-context (AttachSubContext) is independently
			// owned by its own Manager: destroying ctx only detaches it,
			// it never tears down the attached tree itself.
			ctx.mu.Lock()
			child := ctx.attached[childName]
			delete(ctx.attached, childName)
			ctx.mu.Unlock()
			m.recordDetach(ctx, childName, child)
			m.detachSubManager(childName)
		}
	}
	m.contexts.Delete(ctx.id)
}

func (m *Manager) destroyCell(c *Cell) {
	// Destroy every connection touching c first (spec §3 Lifecycle).
	var toDestroy []*Connection
	m.conns.Range(func(_ registry.ID, conn *Connection) bool {
		if conn.destroyed {
			return true
		}
		if conn.sourceCell == c.id || conn.targetCell == c.id {
			toDestroy = append(toDestroy, conn)
		}
		return true
	})
	for _, conn := range toDestroy {
		m.record(journalEntry{op: opDestroy, kind: entityConnection, id: conn.id, conn: conn})
		conn.destroyed = true
		m.conns.Delete(conn.id)
	}
	c.mu.Lock()
	ctx, name := c.ctx, c.name
	c.destroyed = true
	c.mu.Unlock()
	m.record(journalEntry{op: opDestroy, kind: entityCell, id: c.id, cell: c, parent: ctx, name: name})
	m.cells.Delete(c.id)
}

func (m *Manager) destroyWorker(w *Worker) {
	w.mu.Lock()
	pinIDs := make([]registry.ID, 0, len(w.pins))
	for _, id := range w.pins {
		pinIDs = append(pinIDs, id)
	}
	ctx, name := w.ctx, w.name
	w.destroyed = true
	w.mu.Unlock()
	m.record(journalEntry{op: opDestroy, kind: entityWorker, id: w.id, worker: w, parent: ctx, name: name})

	for _, pid := range pinIDs {
		var toDestroy []*Connection
		m.conns.Range(func(_ registry.ID, conn *Connection) bool {
			if conn.destroyed {
				return true
			}
			if conn.sourcePin == pid || conn.targetPin == pid {
				toDestroy = append(toDestroy, conn)
			}
			return true
		})
		for _, conn := range toDestroy {
			m.record(journalEntry{op: opDestroy, kind: entityConnection, id: conn.id, conn: conn})
			conn.destroyed = true
			m.conns.Delete(conn.id)
		}
		if p, ok := m.pins.Get(pid); ok {
			p.mu.Lock()
			p.destroyed = true
			p.mu.Unlock()
			m.record(journalEntry{op: opDestroy, kind: entityPin, id: pid, pin: p})
		}
		m.pins.Delete(pid)
	}

	m.unstableMu.Lock()
	delete(m.unstable, w.id)
	m.unstableMu.Unlock()

	m.workers.Delete(w.id)
}

func sortConnsByID(conns []*Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
}
