package structuredcell

// Handle is the attribute-path-addressed accessor of spec §4.3 ("handle
// returns a Silk-style attribute-access wrapper"). Writes go through the
// same monitor/validate/sync/fire path as writing an inchannel directly.
type Handle struct {
	sc *StructuredCell
}

// Get returns the value at path and whether it is defined.
func (h *Handle) Get(path ...string) (any, bool) {
	return h.sc.monitor.get(Path(path))
}

// Set writes value at path (spec §4.3 contracts).
func (h *Handle) Set(value any, path ...string) error {
	_, err := h.sc.write(Path(path), value)
	return err
}

// ForkScope is a buffered editing session (spec §4.3: "the visible data is
// swapped only when the handle is committed (handle.fork() scope). During
// the fork, outchannels suppress fires"). Writes accumulate in the monitor
// without syncing slaves or firing outchannels until Commit; meanwhile
// outchannels keep reading the composite last synced into the data cell.
type ForkScope struct {
	sc       *StructuredCell
	snapshot any
	resolved bool
}

// Fork opens a buffered editing session.
func (sc *StructuredCell) Fork() *ForkScope {
	sc.mu.Lock()
	sc.forking = true
	snap := sc.monitor.snapshot()
	sc.mu.Unlock()
	return &ForkScope{sc: sc, snapshot: snap}
}

// Set writes value at path inside the fork; no slave sync or outchannel
// fire happens until Commit.
func (f *ForkScope) Set(value any, path ...string) error {
	if f.resolved {
		return nil
	}
	_, err := f.sc.write(Path(path), value)
	return err
}

// Commit makes every write since Fork visible: syncs the slave cells and
// fires, once, every outchannel whose value differs from its last fire.
func (f *ForkScope) Commit() error {
	if f.resolved {
		return nil
	}
	f.resolved = true

	f.sc.mu.Lock()
	f.sc.forking = false
	root := f.sc.monitor.snapshot()
	f.sc.mu.Unlock()

	if err := f.sc.syncSlaves(root); err != nil {
		return err
	}
	f.sc.fireRelated(Path{})
	return nil
}

// Rollback discards every write since Fork.
func (f *ForkScope) Rollback() {
	if f.resolved {
		return
	}
	f.resolved = true

	f.sc.mu.Lock()
	f.sc.monitor.restore(f.snapshot)
	f.sc.forking = false
	f.sc.mu.Unlock()
}
