// Package core implements the dataflow engine proper: cells, workers, pins,
// connections, contexts, the Manager that serializes and propagates every
// mutation, and the macro-mode structural-edit transaction. Manager and its
// entities share one package rather than splitting entities into their own
// package because spec §4.1-§4.5 describe them as mutually recursive: a
// Cell.Set delegates into the Manager, and the Manager reaches back into
// Cell/Worker/Pin internals to apply the mutation under a single lock.
// Splitting them would only add an interface layer with no second
// implementation behind it.
package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smilemakc/seamless/internal/checksum"
	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/mount"
	"github.com/smilemakc/seamless/internal/registry"
	"github.com/smilemakc/seamless/internal/seamerr"
)

// Status is a cell's lifecycle state (spec §3).
type Status int

const (
	Undefined Status = iota
	OK
	ErrorStatus
)

func (s Status) String() string {
	switch s {
	case Undefined:
		return "UNDEFINED"
	case OK:
		return "OK"
	case ErrorStatus:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// preliminaryWrite is a Set/SetDefault call stashed before a cell has a
// context attached (spec §4.2: "Before a context is attached, the value is
// stashed as preliminary... When the context attaches, the Manager replays
// the preliminary").
type preliminaryWrite struct {
	value     any
	isDefault bool
}

// Cell is a typed value holder (spec §3). All fields are guarded by mu;
// exported accessors copy out what they need rather than leaking internals.
type Cell struct {
	mu sync.Mutex

	id   registry.ID
	uuid string
	name string
	ctx  *Context
	mgr  *Manager
	kind dtype.Kind

	value  any
	status Status
	err    error

	lastChecksum     checksum.Sum
	lastTextChecksum checksum.Sum

	authoritative bool
	overruled     bool
	slave         bool
	seal          string

	mountDesc *mount.Descriptor

	hook ChannelHook // non-nil for structured-cell inchannels/outchannels

	destroyed bool

	preliminary *preliminaryWrite

	createdIn registry.ID // macro-scope generation this cell was created in, for rollback
}

// NewCell constructs a detached cell: it has no context or Manager yet, and
// Set calls on it are stashed as preliminary writes until it is adopted into
// a context with Context.AdoptCell (spec §4.2: "Before a context is attached,
// the value is stashed as preliminary... When the context attaches, the
// Manager replays the preliminary").
func NewCell(name string, kind dtype.Kind) *Cell {
	return &Cell{
		uuid:          uuid.NewString(),
		name:          name,
		kind:          kind,
		authoritative: true,
		status:        Undefined,
	}
}

// ID returns the cell's stable arena handle.
func (c *Cell) ID() registry.ID { return c.id }

// UUID returns the cell's external display identifier.
func (c *Cell) UUID() string { return c.uuid }

// Name returns the cell's registered name within its context.
func (c *Cell) Name() string { return c.name }

// Path returns the cell's dotted path from the toplevel context.
func (c *Cell) Path() string {
	c.mu.Lock()
	ctx, name := c.ctx, c.name
	c.mu.Unlock()
	if ctx == nil {
		return name
	}
	return ctx.childPath(name)
}

// Kind returns the cell's dtype tag.
func (c *Cell) Kind() dtype.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// Value returns the cell's current in-memory value, or nil if absent.
func (c *Cell) Value() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hook != nil {
		v, _ := c.hook.Read()
		return v
	}
	return c.value
}

// Status returns the cell's current lifecycle state.
func (c *Cell) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Exception returns the error captured the last time status became ERROR,
// or nil.
func (c *Cell) Exception() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Checksum returns the cached canonical-form digest (spec invariant C3).
func (c *Cell) Checksum() checksum.Sum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChecksum
}

// TextChecksum returns the cached text-form digest.
func (c *Cell) TextChecksum() checksum.Sum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTextChecksum
}

// Authoritative reports whether this cell currently has no incoming
// non-duplex connection and so may be written to directly.
func (c *Cell) Authoritative() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authoritative
}

// Overruled reports whether a non-authoritative cell was directly written.
func (c *Cell) Overruled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overruled
}

// Slave reports whether this cell is owned by a structured cell.
func (c *Cell) Slave() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slave
}

// Seal returns the owning high-level subgraph identity, if any.
func (c *Cell) Seal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seal
}

// SetSeal tags the cell with its owning high-level subgraph identity.
func (c *Cell) SetSeal(seal string) {
	c.mu.Lock()
	c.seal = seal
	c.mu.Unlock()
}

// SetOption customizes a Set call.
type SetOption func(*setOpts)

type setOpts struct {
	isDefault  bool
	fromBuffer bool
	force      bool
	fromPin    bool
	duplex     bool // the write arrived over a duplex edit connection
	origin     registry.ID
	checksum   *checksum.Sum
}

// AsDefault marks the write as a default value: it never flips overruled.
func AsDefault() SetOption { return func(o *setOpts) { o.isDefault = true } }

// FromBuffer skips dtype construction and attaches an optional pre-known
// checksum (spec §4.2 Cell.from_buffer).
func FromBuffer(sum *checksum.Sum) SetOption {
	return func(o *setOpts) { o.fromBuffer = true; o.checksum = sum }
}

// Force allows writing a slave cell directly (spec invariant C4).
func Force() SetOption { return func(o *setOpts) { o.force = true } }

// FromPin marks the write as originating from a worker's output/edit pin
// rather than direct user code. Such a write to a non-authoritative cell
// does not flag it overruled (neither does AsDefault).
func FromPin(origin registry.ID) SetOption {
	return func(o *setOpts) { o.fromPin = true; o.origin = origin }
}

// Set validates and stores value, propagating to every outgoing connection
// if the resulting checksum differs from the cached one (spec §4.1 set_cell).
func (c *Cell) Set(value any, opts ...SetOption) error {
	o := setOpts{}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	mgr := c.mgr
	if mgr == nil {
		c.preliminary = &preliminaryWrite{value: value, isDefault: o.isDefault}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return mgr.setCell(c, value, o)
}

// SetDefault is Set with AsDefault applied, matching spec §4.2's
// cell.set_default shorthand.
func (c *Cell) SetDefault(value any) error {
	return c.Set(value, AsDefault())
}

// Touch unconditionally re-fires every outgoing connection without changing
// the value (spec §4.1 touch_cell).
func (c *Cell) Touch() error {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return fmt.Errorf("core: cell %q has no context attached yet", c.name)
	}
	return mgr.touchCell(c)
}

// Serialize renders the cell's current value to wire text via the dtype
// registry (spec §4.2 Cell.serialize).
func (c *Cell) Serialize() ([]byte, error) {
	c.mu.Lock()
	mgr, kind := c.mgr, c.kind
	value := c.value
	if c.hook != nil {
		value, _ = c.hook.Read()
	}
	c.mu.Unlock()
	if mgr == nil {
		return nil, fmt.Errorf("core: cell %q has no context attached yet", c.name)
	}
	h, err := mgr.dtypes.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return h.Serialize(value)
}

// Connect installs a directed edge from c to target (spec §4.1 connect_cell).
func (c *Cell) Connect(target *Cell, opts ...ConnectOption) (*Connection, error) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return nil, fmt.Errorf("core: cell %q has no context attached yet", c.name)
	}
	return mgr.connectCell(c, target, opts...)
}

// ConnectToPin installs a cell->pin feed connection from c into target
// (spec §3: "cell to pin feed").
func (c *Cell) ConnectToPin(target *Pin, opts ...ConnectOption) (*Connection, error) {
	c.mu.Lock()
	mgr := c.mgr
	c.mu.Unlock()
	if mgr == nil {
		return nil, fmt.Errorf("core: cell %q has no context attached yet", c.name)
	}
	return mgr.connectCellToPin(c, target, opts...)
}

// Mount attaches a mount descriptor to the cell (spec §6). It is valid at
// any time but only takes effect once a mount Sink is registered on the
// owning Manager.
func (c *Cell) Mount(desc mount.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.mountDesc = &desc
	c.mu.Unlock()
	return nil
}

// MountDescriptor returns the cell's attached mount descriptor, if any.
func (c *Cell) MountDescriptor() *mount.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mountDesc
}

// Destroy removes c and every connection touching it (spec §3 Lifecycle,
// §4.4: "destroying same" requires macro mode).
func (c *Cell) Destroy() error {
	c.mu.Lock()
	mgr, ctx, name := c.mgr, c.ctx, c.name
	c.mu.Unlock()
	if mgr == nil {
		return fmt.Errorf("core: cell %q has no context attached yet", name)
	}
	if !mgr.inMacro() {
		return seamerr.Structuref(name, "destroy may only happen in macro mode")
	}
	mgr.destroyCell(c)
	if ctx != nil {
		ctx.removeChild(name)
	}
	return nil
}

// SetHook installs a ChannelHook, turning this cell into a structured-cell
// inchannel/outchannel backed by monitor paths instead of its own storage
// (spec §4.3). Must be called before the cell is connected to anything.
func (c *Cell) SetHook(h ChannelHook) {
	c.mu.Lock()
	c.hook = h
	c.mu.Unlock()
}

// SetSlave marks the cell as owned by its structured cell (spec §3:
// "all marked slave"); direct writes are then rejected unless Force is
// given.
func (c *Cell) SetSlave(slave bool) {
	c.mu.Lock()
	c.slave = slave
	c.mu.Unlock()
}

func newUUID() string { return uuid.NewString() }
