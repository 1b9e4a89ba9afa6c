package core_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/seamless/internal/core"
	"github.com/smilemakc/seamless/internal/dtype"
)

// sumRuntime implements core.WorkerRuntime for a two-input addition
// transformer, grounded on the worked scenario in spec.md §8 ("Sum
// transformer").
type sumRuntime struct {
	w    *core.Worker
	a, b float64
	has  [2]bool
}

func (r *sumRuntime) ReceiveInput(pin string, value any) error {
	f, _ := value.(float64)
	switch pin {
	case "a":
		r.a, r.has[0] = f, true
	case "b":
		r.b, r.has[1] = f, true
	}
	if r.has[0] && r.has[1] {
		c, err := r.w.Pin("c")
		if err != nil {
			return err
		}
		if err := c.Emit(r.a+r.b, false); err != nil {
			return err
		}
	}
	r.w.Settle()
	return nil
}

func TestSumTransformer(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	a, err := ctx.DeclareCell("a", dtype.JSON)
	require.NoError(t, err)
	b, err := ctx.DeclareCell("b", dtype.JSON)
	require.NoError(t, err)
	r, err := ctx.DeclareCell("r", dtype.JSON)
	require.NoError(t, err)

	rt := &sumRuntime{}
	w, err := ctx.DeclareWorker("tf", rt, []core.PinSpec{
		{Name: "a", Kind: core.PinInput, DType: dtype.JSON},
		{Name: "b", Kind: core.PinInput, DType: dtype.JSON},
		{Name: "c", Kind: core.PinOutput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	rt.w = w

	pa, err := w.Pin("a")
	require.NoError(t, err)
	pb, err := w.Pin("b")
	require.NoError(t, err)
	pc, err := w.Pin("c")
	require.NoError(t, err)

	_, err = a.ConnectToPin(pa)
	require.NoError(t, err)
	_, err = b.ConnectToPin(pb)
	require.NoError(t, err)
	_, err = pc.Connect(r)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, a.Set(1.0))
	require.NoError(t, b.Set(2.0))
	mgr.Equilibrate(time.Second)

	assert.Equal(t, 3.0, r.Value())

	require.NoError(t, a.Set(10.0))
	mgr.Equilibrate(time.Second)
	assert.Equal(t, 12.0, r.Value())
}

// TestValidationRollback covers spec.md §8 scenario 2: a rejected write
// leaves the cell's value, status and checksum untouched and fires nothing.
func TestValidationRollback(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	x, err := ctx.DeclareCell("x", dtype.JSON)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, x.Set(map[string]any{"x": 1.0}))
	before := x.Checksum()

	var fired bool
	mgr.OnCellChanged(func(*core.Cell) { fired = true })

	err = x.Set(func() {}) // not JSON-serializable
	require.Error(t, err)

	assert.Equal(t, core.ErrorStatus, x.Status())
	assert.Equal(t, map[string]any{"x": 1.0}, x.Value())
	assert.Equal(t, before, x.Checksum())
	assert.False(t, fired)
}

// TestAuthorityEnforcement covers spec.md §8 scenario 3.
func TestAuthorityEnforcement(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	r, err := ctx.DeclareCell("r", dtype.JSON)
	require.NoError(t, err)

	w1, err := ctx.DeclareWorker("tf1", &sumRuntime{}, []core.PinSpec{
		{Name: "c", Kind: core.PinOutput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	w2, err := ctx.DeclareWorker("tf2", &sumRuntime{}, []core.PinSpec{
		{Name: "c", Kind: core.PinOutput, DType: dtype.JSON},
	})
	require.NoError(t, err)
	p1, err := w1.Pin("c")
	require.NoError(t, err)
	p2, err := w2.Pin("c")
	require.NoError(t, err)

	_, err = p1.Connect(r)
	require.NoError(t, err)

	_, err = p2.Connect(r)
	require.Error(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, r.Set(0.0))
	assert.True(t, r.Overruled())
}

// TestStructuralRollback covers spec.md §8 scenario 4: a failed macro scope
// leaves the observable graph exactly as it was.
func TestStructuralRollback(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	before := ctx.Children()

	err := mgr.Macro(func() error {
		x, err := ctx.DeclareCell("x", dtype.Text)
		if err != nil {
			return err
		}
		if err := x.Set("hello"); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	assert.Equal(t, before, ctx.Children())
	_, err = ctx.Cell("x")
	assert.Error(t, err)
}

// signalReactor implements core.WorkerRuntime for spec.md §8 scenario 5: a
// trigger pin that fires exactly once per signal.
type signalReactor struct {
	w     *core.Worker
	fired int
}

func (r *signalReactor) ReceiveInput(pin string, value any) error {
	r.fired++
	r.w.Settle()
	return nil
}

// holdRuntime implements core.WorkerRuntime without ever calling Settle on
// its own, so a test can hold a worker unstable across an Equilibrate call
// and then release it on demand.
type holdRuntime struct {
	received int
}

func (r *holdRuntime) ReceiveInput(pin string, value any) error {
	r.received++
	return nil
}

// TestSubManagerEquilibrium covers spec.md §3 Context ("ctx.sub =
// Context(...)") and §4.1 Equilibrium ("blocks until either unstable and all
// sub-manager unstable sets are empty or the deadline expires"): an
// independently-constructed toplevel context attached under a parent via
// AttachSubContext keeps the parent's Equilibrate waiting on the attached
// context's own unstable workers.
func TestSubManagerEquilibrium(t *testing.T) {
	parent := core.NewContext()
	child := core.NewContext()

	pscope := parent.Manager().BeginMacro()
	require.NoError(t, parent.AttachSubContext("child", child))
	require.NoError(t, pscope.Commit())

	cscope := child.Manager().BeginMacro()
	trigger, err := child.DeclareCell("trigger", dtype.Signal)
	require.NoError(t, err)
	rt := &holdRuntime{}
	w, err := child.DeclareWorker("holder", rt, []core.PinSpec{
		{Name: "in", Kind: core.PinInput, DType: dtype.Signal},
	})
	require.NoError(t, err)
	in, err := w.Pin("in")
	require.NoError(t, err)
	_, err = trigger.ConnectToPin(in)
	require.NoError(t, err)
	require.NoError(t, cscope.Commit())

	require.NoError(t, trigger.Touch())

	unstable := parent.Manager().Equilibrate(50 * time.Millisecond)
	assert.NotEmpty(t, unstable, "parent must wait on its attached sub-manager's unstable worker")
	assert.Equal(t, 1, rt.received)
	assert.False(t, w.Stable())

	w.Settle()
	assert.Nil(t, parent.Manager().Equilibrate(time.Second))
	assert.True(t, w.Stable())
}

func TestSignal(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	s, err := ctx.DeclareCell("s", dtype.Signal)
	require.NoError(t, err)
	rt := &signalReactor{}
	w, err := ctx.DeclareWorker("reactor", rt, []core.PinSpec{
		{Name: "trigger", Kind: core.PinInput, DType: dtype.Signal},
	})
	require.NoError(t, err)
	rt.w = w
	trigger, err := w.Pin("trigger")
	require.NoError(t, err)
	_, err = s.ConnectToPin(trigger)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, s.Touch())
	mgr.Equilibrate(time.Second)

	assert.Equal(t, 1, rt.fired)
	assert.True(t, w.Stable())

	// A signal Set carries no value and is itself the transition.
	require.NoError(t, s.Set(nil))
	mgr.Equilibrate(time.Second)
	assert.Equal(t, 2, rt.fired)
}
