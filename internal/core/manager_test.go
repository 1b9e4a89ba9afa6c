package core_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/seamless/internal/checksum"
	"github.com/smilemakc/seamless/internal/core"
	"github.com/smilemakc/seamless/internal/dtype"
	"github.com/smilemakc/seamless/internal/mount"
	"github.com/smilemakc/seamless/internal/seamerr"
)

// countRuntime counts deliveries and settles immediately.
type countRuntime struct {
	w    *core.Worker
	n    int
	last any
}

func (r *countRuntime) ReceiveInput(pin string, value any) error {
	r.n++
	r.last = value
	r.w.Settle()
	return nil
}

func TestCellAliasConnection(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	b, err := ctx.DeclareCell("b", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(1.0))

	scope = mgr.BeginMacro()
	_, err = a.Connect(b)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	// An alias connection from an already-defined source fires immediately.
	assert.Equal(t, 1.0, b.Value())
	assert.False(t, b.Authoritative())

	require.NoError(t, a.Set(5.0))
	assert.Equal(t, 5.0, b.Value())

	// A second non-duplex incoming connection is a hard STRUCTURE error.
	scope = mgr.BeginMacro()
	c, err := ctx.DeclareCell("c", dtype.JSON)
	require.NoError(t, err)
	_, err = c.Connect(b)
	require.Error(t, err)
	assert.True(t, seamerr.Is(err, seamerr.Structure))
	require.NoError(t, scope.Commit())
}

func TestTouchFiresEveryConnectionOnce(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	b, err := ctx.DeclareCell("b", dtype.JSON)
	require.NoError(t, err)
	rt := &countRuntime{}
	w, err := ctx.DeclareWorker("counter", rt, []core.PinSpec{
		{Name: "in", Kind: core.PinInput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	rt.w = w
	in, err := w.Pin("in")
	require.NoError(t, err)
	_, err = a.Connect(b)
	require.NoError(t, err)
	_, err = a.ConnectToPin(in)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(7.0))
	mgr.Equilibrate(time.Second)
	require.Equal(t, 1, rt.n)
	require.Equal(t, 7.0, b.Value())

	require.NoError(t, a.Touch())
	mgr.Equilibrate(time.Second)

	// Exactly one extra delivery per connection; receivers see the same value.
	assert.Equal(t, 2, rt.n)
	assert.Equal(t, 7.0, rt.last)
	assert.Equal(t, 7.0, b.Value())
}

func TestSlaveCellRejectsDirectWrites(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	s, err := ctx.DeclareCell("s", dtype.JSON)
	require.NoError(t, err)
	s.SetSlave(true)
	require.NoError(t, scope.Commit())

	var fired bool
	mgr.OnCellChanged(func(*core.Cell) { fired = true })

	err = s.Set(1.0)
	require.Error(t, err)
	assert.True(t, seamerr.Is(err, seamerr.Structure))
	assert.Equal(t, core.Undefined, s.Status())
	assert.False(t, fired)

	require.NoError(t, s.Set(1.0, core.Force()))
	assert.Equal(t, core.OK, s.Status())
}

// editRuntime records deliveries into its edit pin and settles; it never
// emits on its own, letting the test drive Emit explicitly.
type editRuntime struct {
	w        *core.Worker
	received []any
}

func (r *editRuntime) ReceiveInput(pin string, value any) error {
	r.received = append(r.received, value)
	r.w.Settle()
	return nil
}

func TestEditPinRoundTrip(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	v, err := ctx.DeclareCell("v", dtype.JSON)
	require.NoError(t, err)
	w, err := ctx.DeclareCell("w", dtype.JSON)
	require.NoError(t, err)
	rt := &editRuntime{}
	ed, err := ctx.DeclareWorker("editor", rt, []core.PinSpec{
		{Name: "e", Kind: core.PinEdit, DType: dtype.JSON},
	})
	require.NoError(t, err)
	rt.w = ed
	pe, err := ed.Pin("e")
	require.NoError(t, err)

	feed, err := v.ConnectToPin(pe)
	require.NoError(t, err)
	_, err = pe.Connect(v, core.Duplex(), core.WithMirror(feed.ID()))
	require.NoError(t, err)
	_, err = v.Connect(w)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	// A duplex connection takes no authority from its target.
	assert.True(t, v.Authoritative())

	require.NoError(t, v.Set(1.0))
	mgr.Equilibrate(time.Second)
	require.Equal(t, []any{1.0}, rt.received)

	// The edit pin writes back: the cell updates and fans out downstream,
	// but the feed connection into the pin itself is suppressed.
	require.NoError(t, pe.Emit(2.0, false))
	mgr.Equilibrate(time.Second)

	assert.Equal(t, 2.0, v.Value())
	assert.Equal(t, 2.0, w.Value())
	assert.True(t, v.Authoritative())
	assert.False(t, v.Overruled())
	assert.Equal(t, []any{1.0}, rt.received, "the emitting edit pin must not be re-notified of its own write")
}

func TestEditPinConnectionRequiresMirror(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	err := mgr.Macro(func() error {
		v, err := ctx.DeclareCell("v", dtype.JSON)
		if err != nil {
			return err
		}
		ed, err := ctx.DeclareWorker("editor", nil, []core.PinSpec{
			{Name: "e", Kind: core.PinEdit, DType: dtype.JSON},
		})
		if err != nil {
			return err
		}
		pe, err := ed.Pin("e")
		if err != nil {
			return err
		}
		_, err = pe.Connect(v, core.Duplex())
		return err
	})
	require.Error(t, err)
	assert.True(t, seamerr.Is(err, seamerr.Structure))
}

// failRuntime always errors, covering the EXECUTION branch of spec §7.
type failRuntime struct{}

func (failRuntime) ReceiveInput(pin string, value any) error {
	return fmt.Errorf("interpreter crashed")
}

func TestWorkerExecutionError(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	r, err := ctx.DeclareCell("r", dtype.JSON)
	require.NoError(t, err)
	w, err := ctx.DeclareWorker("tf", failRuntime{}, []core.PinSpec{
		{Name: "in", Kind: core.PinInput, DType: dtype.JSON},
		{Name: "out", Kind: core.PinOutput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	in, err := w.Pin("in")
	require.NoError(t, err)
	out, err := w.Pin("out")
	require.NoError(t, err)
	_, err = a.ConnectToPin(in)
	require.NoError(t, err)
	_, err = out.Connect(r)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(1.0))
	require.Nil(t, mgr.Equilibrate(time.Second))

	// The failure is captured on the worker; the graph stays live and
	// downstream cells keep their previous values.
	require.Error(t, w.Exception())
	assert.True(t, seamerr.Is(w.Exception(), seamerr.Execution))
	assert.True(t, w.Stable())
	assert.Equal(t, core.Undefined, r.Status())
}

func TestMacroValueReuseAcrossRedeclare(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	require.NoError(t, x.Set(5.0))
	sum := x.Checksum()

	scope = mgr.BeginMacro()
	require.NoError(t, x.Destroy())
	x2, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	// Same path, same type: the previous value is reused from the stash.
	assert.Equal(t, core.OK, x2.Status())
	assert.Equal(t, 5.0, x2.Value())
	assert.Equal(t, sum, x2.Checksum())
}

func TestMacroDestroyRollback(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	b, err := ctx.DeclareCell("b", dtype.JSON)
	require.NoError(t, err)
	_, err = a.Connect(b)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	require.NoError(t, a.Set(3.0))

	err = mgr.Macro(func() error {
		if err := a.Destroy(); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	// The destroy is undone: the cell is back, its value is restored, and
	// propagation along the resurrected connection still works.
	got, err := ctx.Cell("a")
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Value())
	require.NoError(t, got.Set(4.0))
	assert.Equal(t, 4.0, b.Value())
	assert.False(t, b.Authoritative())
}

func TestPreliminaryWriteReplay(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	c := core.NewCell("x", dtype.JSON)
	require.NoError(t, c.Set(5.0)) // stashed: no context attached yet

	err := mgr.Macro(func() error {
		return ctx.AdoptCell("x", c)
	})
	require.NoError(t, err)

	assert.Equal(t, core.OK, c.Status())
	assert.Equal(t, 5.0, c.Value())
}

func TestDestroyedCellRefusesOperations(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, mgr.Macro(func() error { return x.Destroy() }))

	err = x.Set(1.0)
	require.Error(t, err)
	assert.True(t, seamerr.Is(err, seamerr.Structure))
	require.Error(t, x.Touch())
	_, err = ctx.Cell("x")
	require.Error(t, err)
}

func TestEquilibrateTimeoutReturnsUnstable(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	rt := &holdRuntime{}
	w, err := ctx.DeclareWorker("holder", rt, []core.PinSpec{
		{Name: "in", Kind: core.PinInput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	in, err := w.Pin("in")
	require.NoError(t, err)
	_, err = a.ConnectToPin(in)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(1.0))

	unstable := mgr.Equilibrate(30 * time.Millisecond)
	require.Len(t, unstable, 1)
	_, ok := unstable[w.ID()]
	assert.True(t, ok)

	w.Settle()
	assert.Nil(t, mgr.Equilibrate(time.Second))
}

func TestOnEquilibrateFiresOnceThenClears(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	var fired int
	mgr.OnEquilibrate(func() { fired++ })

	require.NoError(t, a.Set(1.0))
	mgr.Equilibrate(time.Second)
	assert.Equal(t, 1, fired)

	mgr.Equilibrate(time.Second)
	assert.Equal(t, 1, fired, "on_equilibrate callbacks fire once and are cleared")
}

func TestFromBuffer(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	raw := []byte(`{"k":1}`)
	require.NoError(t, x.Set(raw, core.FromBuffer(nil)))
	assert.Equal(t, core.OK, x.Status())
	assert.Equal(t, map[string]any{"k": 1.0}, x.Value())

	// An explicitly attached checksum is taken as-is.
	sum := checksum.Of(raw)
	require.NoError(t, x.Set([]byte(`{"k":2}`), core.FromBuffer(&sum)))
	assert.Equal(t, sum, x.Checksum())
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, x.Set(map[string]any{"a": 1.0, "b": []any{2.0, 3.0}}))
	b1, err := x.Serialize()
	require.NoError(t, err)

	require.NoError(t, x.Set([]byte(string(b1)), core.FromBuffer(nil)))
	b2, err := x.Serialize()
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}

func TestOverruledClearedByDependencyWrite(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	r, err := ctx.DeclareCell("r", dtype.JSON)
	require.NoError(t, err)
	w, err := ctx.DeclareWorker("tf", nil, []core.PinSpec{
		{Name: "out", Kind: core.PinOutput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	out, err := w.Pin("out")
	require.NoError(t, err)
	_, err = out.Connect(r)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, r.Set(0.0)) // AUTHORITY warning, proceeds
	assert.True(t, r.Overruled())

	require.NoError(t, out.Emit(5.0, false))
	assert.Equal(t, 5.0, r.Value())
	assert.False(t, r.Overruled(), "a dependency-driven write clears overruled")
}

func TestConditionalConnection(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	b, err := ctx.DeclareCell("b", dtype.JSON)
	require.NoError(t, err)
	_, err = a.Connect(b, core.WithCondition("value > 10.0"))
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(5.0))
	assert.Equal(t, core.Undefined, b.Status())

	require.NoError(t, a.Set(20.0))
	assert.Equal(t, 20.0, b.Value())
}

func TestMountSinkNotified(t *testing.T) {
	type update struct {
		path, sum string
	}
	var got []update
	sink := mount.SinkFunc(func(path, sum string, onlyText bool) {
		got = append(got, update{path, sum})
	})

	ctx := core.NewContext(core.WithMountSink(sink))
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, x.Mount(mount.Descriptor{
		Path:       "/tmp/x.json",
		Mode:       mount.ModeReadWrite,
		Authority:  mount.AuthorityCell,
		Persistent: mount.PersistentFalse,
	}))
	require.NoError(t, scope.Commit())

	require.NoError(t, x.Set(1.0))
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].path)
	assert.Len(t, got[0].sum, 32)

	// Touch bumps the mount again without a value change.
	require.NoError(t, x.Touch())
	assert.Len(t, got, 2)
}

func TestMountFileStrictValidation(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.Text)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	err = x.Mount(mount.Descriptor{
		Path:       "/tmp/x.txt",
		Mode:       mount.ModeReadWrite,
		Authority:  mount.AuthorityFileStrict,
		Persistent: mount.PersistentTrue,
	})
	require.Error(t, err)
}

func TestStructuralOpsRequireMacroMode(t *testing.T) {
	ctx := core.NewContext()

	_, err := ctx.DeclareCell("x", dtype.JSON)
	require.Error(t, err)
	assert.True(t, seamerr.Is(err, seamerr.Structure))

	_, err = ctx.DeclareWorker("w", nil, nil)
	require.Error(t, err)

	_, err = ctx.DeclareSubContext("sub")
	require.Error(t, err)
}
