package structuredcell

import "github.com/smilemakc/seamless/internal/core"

// inchannelHook backs a cell-like write endpoint addressed at path (spec
// §4.3): writes apply to the monitor instead of the cell's own storage.
type inchannelHook struct {
	sc   *StructuredCell
	path Path
}

var _ core.ChannelHook = (*inchannelHook)(nil)

func (h *inchannelHook) Write(value any) (any, error) {
	return h.sc.write(h.path, value)
}

func (h *inchannelHook) Read() (any, bool) {
	if len(h.path) == 0 {
		h.sc.mu.Lock()
		ok := h.sc.schemaOK
		h.sc.mu.Unlock()
		v, defined := h.sc.monitor.get(h.path)
		return v, defined && ok
	}
	return h.sc.monitor.get(h.path)
}

// outchannelHook backs a cell-like read endpoint addressed at path (spec
// §4.3): Write ignores its argument and re-derives the current value from
// the monitor, which is how fireRelated "fires" an outchannel by calling
// its cell's ordinary Set. While a fork is open, Read serves the composite
// last synced into the data cell, so fork writes stay invisible until Commit.
type outchannelHook struct {
	sc   *StructuredCell
	path Path
}

var _ core.ChannelHook = (*outchannelHook)(nil)

func (h *outchannelHook) Write(any) (any, error) {
	v, _ := h.Read()
	return v, nil
}

func (h *outchannelHook) Read() (any, bool) {
	h.sc.mu.Lock()
	forking := h.sc.forking
	h.sc.mu.Unlock()
	if forking {
		v, defined := navigate(h.sc.data.Value(), h.path)
		if len(h.path) == 0 && defined {
			defined = validateRequired(h.sc.schemaValueLocked(), v) == nil
		}
		return v, defined
	}
	if len(h.path) == 0 {
		h.sc.mu.Lock()
		ok := h.sc.schemaOK
		h.sc.mu.Unlock()
		v, defined := h.sc.monitor.get(h.path)
		return v, defined && ok
	}
	return h.sc.monitor.get(h.path)
}
