package structuredcell

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/smilemakc/seamless/internal/core"
	"github.com/smilemakc/seamless/internal/dtype"
)

// refreshSentinel is the placeholder value passed to an outchannel cell's
// Set by fireRelated. doSetCell hands it to the hook's Write, which ignores
// it and pulls the current value straight from the monitor.
type refreshSentinel struct{}

// StructuredCell is the composite of spec §4.3: a data cell (and optionally
// a storage mirror, a schema, and a buffer pair) kept coherent by a monitor,
// with inchannels and outchannels presenting sub-paths as ordinary cells.
type StructuredCell struct {
	mu sync.Mutex

	ctx  *core.Context
	name string

	data    *core.Cell
	storage *core.Cell // nil unless WithStorage is used
	form    *core.Cell
	schema  *core.Cell // nil unless a schema value is given

	monitor monitor

	inchannels  map[string]*core.Cell
	outchannels map[string]*core.Cell

	// lastWritten/lastEmitted cache the serialized form of each channel's
	// last accepted write / last outward fire, so byte-identical repeats are
	// suppressed instead of looping (spec §4.1 Loop detection ii).
	lastWritten map[string][]byte
	lastEmitted map[string][]byte

	forking  bool
	schemaOK bool // cached result of the last required-field check

	// bufferData/bufferStorage/bufferForm mirror data/storage/form exactly
	// (original source: structured_cell.py's BufferWrapper(data, storage,
	// form), asserted to match the main triple's shape field-for-field).
	// Only present when WithBuffer is used. The Python buffer's other role,
	// a pre-validation raw staging layer routed through Silk, rides on the
	// Silk schema runtime that spec.md's Non-goals exclude, so this buffer
	// is the same-shape mirror only: it is kept in lockstep with the
	// validated triple rather than holding un-validated writes of its own.
	bufferData    *core.Cell
	bufferStorage *core.Cell
	bufferForm    *core.Cell
}

// Option customizes New.
type Option func(*options)

type options struct {
	withStorage bool
	schema      any
	withBuffer  bool
}

// WithStorage gives the structured cell a text-mirror storage cell
// alongside data (spec §4.3: "optional storage cell (string)").
func WithStorage() Option { return func(o *options) { o.withStorage = true } }

// WithBuffer adds a buffer triple shaped exactly like the main data/storage/
// form triple (original source: structured_cell.py BufferWrapper). Requires
// a schema, matching the source's `assert self._is_silk` guard.
func WithBuffer() Option { return func(o *options) { o.withBuffer = true } }

// WithSchema attaches a schema value gating root-level completeness (spec
// §4.3, worked scenario 6: "with a schema requiring both keys...").
func WithSchema(schema any) Option { return func(o *options) { o.schema = schema } }

// New declares a structured cell's backing cells under ctx (spec §4.3). It
// must be called while ctx's Manager is in macro mode, same as any other
// structural creation (spec §4.4).
func New(ctx *core.Context, name string, opts ...Option) (*StructuredCell, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := ctx.DeclareCell(name+".data", dtype.JSON)
	if err != nil {
		return nil, fmt.Errorf("structuredcell: declare data cell: %w", err)
	}
	data.SetSlave(true)

	form, err := ctx.DeclareCell(name+".form", dtype.JSON)
	if err != nil {
		return nil, fmt.Errorf("structuredcell: declare form cell: %w", err)
	}
	form.SetSlave(true)

	sc := &StructuredCell{
		ctx:         ctx,
		name:        name,
		data:        data,
		form:        form,
		inchannels:  make(map[string]*core.Cell),
		outchannels: make(map[string]*core.Cell),
		lastWritten: make(map[string][]byte),
		lastEmitted: make(map[string][]byte),
		schemaOK:    true,
	}

	if o.withStorage {
		storage, err := ctx.DeclareCell(name+".storage", dtype.Text)
		if err != nil {
			return nil, fmt.Errorf("structuredcell: declare storage cell: %w", err)
		}
		storage.SetSlave(true)
		sc.storage = storage
	}

	if o.schema != nil {
		schema, err := ctx.DeclareCell(name+".schema", dtype.JSON)
		if err != nil {
			return nil, fmt.Errorf("structuredcell: declare schema cell: %w", err)
		}
		if err := schema.Set(o.schema); err != nil {
			return nil, fmt.Errorf("structuredcell: set schema: %w", err)
		}
		sc.schema = schema
		sc.schemaOK = validateRequired(o.schema, nil) == nil
	}

	if o.withBuffer {
		if o.schema == nil {
			return nil, fmt.Errorf("structuredcell: buffer requires a schema")
		}
		bufData, err := ctx.DeclareCell(name+".buffer.data", dtype.JSON)
		if err != nil {
			return nil, fmt.Errorf("structuredcell: declare buffer data cell: %w", err)
		}
		bufData.SetSlave(true)
		bufForm, err := ctx.DeclareCell(name+".buffer.form", dtype.JSON)
		if err != nil {
			return nil, fmt.Errorf("structuredcell: declare buffer form cell: %w", err)
		}
		bufForm.SetSlave(true)
		sc.bufferData = bufData
		sc.bufferForm = bufForm
		if o.withStorage {
			bufStorage, err := ctx.DeclareCell(name+".buffer.storage", dtype.Text)
			if err != nil {
				return nil, fmt.Errorf("structuredcell: declare buffer storage cell: %w", err)
			}
			bufStorage.SetSlave(true)
			sc.bufferStorage = bufStorage
		}
	}

	return sc, nil
}

// BufferData returns the buffer triple's data cell, or nil if WithBuffer was
// not used.
func (sc *StructuredCell) BufferData() *core.Cell { return sc.bufferData }

// BufferStorage returns the buffer triple's storage cell, or nil.
func (sc *StructuredCell) BufferStorage() *core.Cell { return sc.bufferStorage }

// BufferForm returns the buffer triple's form cell, or nil.
func (sc *StructuredCell) BufferForm() *core.Cell { return sc.bufferForm }

// Data returns the composite's data cell.
func (sc *StructuredCell) Data() *core.Cell { return sc.data }

// Storage returns the composite's storage mirror cell, or nil.
func (sc *StructuredCell) Storage() *core.Cell { return sc.storage }

// Form returns the composite's form cell.
func (sc *StructuredCell) Form() *core.Cell { return sc.form }

// Schema returns the composite's schema cell, or nil.
func (sc *StructuredCell) Schema() *core.Cell { return sc.schema }

// Value returns the current monitor snapshot (spec §4.3: "value returns the
// current monitor snapshot").
func (sc *StructuredCell) Value() any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.monitor.snapshot()
}

// Handle returns an attribute-path-addressed read/write wrapper (spec §4.3:
// "handle returns a Silk-style attribute-access wrapper"). Go has no dynamic
// attribute proxies, so the equivalent here takes an explicit path instead
// of letting callers write sc.handle.a.b = 1.
func (sc *StructuredCell) Handle() *Handle { return &Handle{sc: sc} }

// InChannel returns the cell-like write endpoint for path, declaring it on
// first use. Must be called in macro mode (spec §4.4).
func (sc *StructuredCell) InChannel(path ...string) (*core.Cell, error) {
	p := Path(path)
	sc.mu.Lock()
	if c, ok := sc.inchannels[p.key()]; ok {
		sc.mu.Unlock()
		return c, nil
	}
	sc.mu.Unlock()

	c, err := sc.ctx.DeclareCell(fmt.Sprintf("%s.in.%s", sc.name, p.String()), dtype.JSON)
	if err != nil {
		return nil, fmt.Errorf("structuredcell: declare inchannel %s: %w", p, err)
	}
	c.SetHook(&inchannelHook{sc: sc, path: p})

	sc.mu.Lock()
	sc.inchannels[p.key()] = c
	sc.mu.Unlock()
	return c, nil
}

// OutChannel returns the cell-like read endpoint for path, declaring it on
// first use. Must be called in macro mode (spec §4.4).
func (sc *StructuredCell) OutChannel(path ...string) (*core.Cell, error) {
	p := Path(path)
	sc.mu.Lock()
	if c, ok := sc.outchannels[p.key()]; ok {
		sc.mu.Unlock()
		return c, nil
	}
	sc.mu.Unlock()

	c, err := sc.ctx.DeclareCell(fmt.Sprintf("%s.out.%s", sc.name, p.String()), dtype.JSON)
	if err != nil {
		return nil, fmt.Errorf("structuredcell: declare outchannel %s: %w", p, err)
	}
	c.SetHook(&outchannelHook{sc: sc, path: p})

	sc.mu.Lock()
	sc.outchannels[p.key()] = c
	sc.mu.Unlock()
	return c, nil
}

// write applies value at path, validates, updates the slave mirrors and
// fires related outchannels (spec §4.3 contracts). Called from an
// inchannel's hook and from Handle/ForkScope writes.
func (sc *StructuredCell) write(path Path, value any) (any, error) {
	enc, encErr := json.Marshal(value)

	sc.mu.Lock()
	// Byte-identical repeat of the last accepted write to this channel:
	// suppress entirely, breaking value-echo cycles (spec §4.1).
	if encErr == nil && !sc.forking {
		if prev, ok := sc.lastWritten[path.key()]; ok && string(prev) == string(enc) {
			sc.mu.Unlock()
			return value, nil
		}
	}
	snap := sc.monitor.snapshot()
	sc.monitor.set(path, value)
	root := sc.monitor.snapshot()
	forking := sc.forking
	schemaVal := sc.schemaValueLocked()
	sc.mu.Unlock()

	if err := validateRequiredPerWrite(schemaVal, path, value); err != nil {
		sc.mu.Lock()
		sc.monitor.restore(snap)
		sc.mu.Unlock()
		return nil, err
	}

	sc.mu.Lock()
	sc.schemaOK = validateRequired(schemaVal, root) == nil
	if encErr == nil && !forking {
		sc.lastWritten[path.key()] = enc
	}
	sc.mu.Unlock()

	if forking {
		return value, nil
	}

	if err := sc.syncSlaves(root); err != nil {
		return nil, err
	}
	sc.fireRelated(path)
	return value, nil
}

func (sc *StructuredCell) schemaValueLocked() any {
	if sc.schema == nil {
		return nil
	}
	return sc.schema.Value()
}

// validateRequiredPerWrite only rejects a write that directly removes a
// required root key by writing nil to it; partial composites that simply
// haven't reached completeness yet are not write errors (spec §4.3 worked
// scenario 6 — an incomplete composite is UNDEFINED, not a rejected write).
func validateRequiredPerWrite(schema any, path Path, value any) error {
	if len(path) != 1 || value != nil {
		return nil
	}
	sm, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	reqList, ok := sm["required"].([]any)
	if !ok {
		return nil
	}
	for _, r := range reqList {
		if key, ok := r.(string); ok && key == path[0] {
			return fmt.Errorf("structuredcell: cannot clear required key %q", key)
		}
	}
	return nil
}

// syncSlaves mirrors root into the data/storage/form cells (spec §4.3: "on
// success, update data/form/storage").
func (sc *StructuredCell) syncSlaves(root any) error {
	if err := sc.data.Set(root, core.Force()); err != nil {
		return fmt.Errorf("structuredcell: sync data: %w", err)
	}
	if sc.storage != nil {
		text, err := json.Marshal(root)
		if err != nil {
			return fmt.Errorf("structuredcell: marshal storage mirror: %w", err)
		}
		if err := sc.storage.Set(string(text), core.Force()); err != nil {
			return fmt.Errorf("structuredcell: sync storage: %w", err)
		}
	}
	form := sc.formSnapshot()
	if err := sc.form.Set(form, core.Force()); err != nil {
		return fmt.Errorf("structuredcell: sync form: %w", err)
	}

	if sc.bufferData != nil {
		if err := sc.bufferData.Set(root, core.Force()); err != nil {
			return fmt.Errorf("structuredcell: sync buffer data: %w", err)
		}
		if err := sc.bufferForm.Set(form, core.Force()); err != nil {
			return fmt.Errorf("structuredcell: sync buffer form: %w", err)
		}
		if sc.bufferStorage != nil {
			text, err := json.Marshal(root)
			if err != nil {
				return fmt.Errorf("structuredcell: marshal buffer storage mirror: %w", err)
			}
			if err := sc.bufferStorage.Set(string(text), core.Force()); err != nil {
				return fmt.Errorf("structuredcell: sync buffer storage: %w", err)
			}
		}
	}
	return nil
}

// formSnapshot renders definedness-per-path metadata, the form cell's
// content (spec §4.3's "form" tracks composite shape, not content).
func (sc *StructuredCell) formSnapshot() map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make(map[string]any, len(sc.inchannels)+len(sc.outchannels)+1)
	_, rootDefined := sc.monitor.get(Path{})
	out["()"] = rootDefined
	for key := range sc.outchannels {
		_, defined := sc.monitor.get(keyToPath(key))
		out[key] = defined
	}
	for key := range sc.inchannels {
		_, defined := sc.monitor.get(keyToPath(key))
		out[key] = defined
	}
	return out
}

func keyToPath(key string) Path {
	if key == "" {
		return Path{}
	}
	return Path(splitKey(key))
}

// fireRelated re-derives every outchannel whose path is related to
// editedPath (spec §4.3's prefix-or-equal firing rule), skipping any
// outchannel whose current value is byte-identical to what it last emitted
// (spec §4.1 Loop detection ii).
func (sc *StructuredCell) fireRelated(editedPath Path) {
	sc.mu.Lock()
	var targets []*core.Cell
	for key, c := range sc.outchannels {
		if !related(keyToPath(key), editedPath) {
			continue
		}
		v, _ := sc.monitor.get(keyToPath(key))
		enc, err := json.Marshal(v)
		if err == nil {
			if prev, ok := sc.lastEmitted[key]; ok && string(prev) == string(enc) {
				continue
			}
			sc.lastEmitted[key] = enc
		}
		targets = append(targets, c)
	}
	sc.mu.Unlock()

	for _, c := range targets {
		_ = c.Set(refreshSentinel{})
	}
}
