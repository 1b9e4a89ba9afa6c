package main

import (
	"github.com/rs/zerolog"

	"github.com/smilemakc/seamless/internal/core"
	"github.com/smilemakc/seamless/internal/dtype"
)

// adderRuntime is a minimal core.WorkerRuntime: a two-input sum transformer,
// the same shape as the worked scenario in the runtime's own test suite,
// used here purely to give the CLI something to equilibrate.
type adderRuntime struct {
	w    *core.Worker
	a, b float64
	has  [2]bool
}

func (r *adderRuntime) ReceiveInput(pin string, value any) error {
	f, _ := value.(float64)
	switch pin {
	case "a":
		r.a, r.has[0] = f, true
	case "b":
		r.b, r.has[1] = f, true
	}
	if r.has[0] && r.has[1] {
		c, err := r.w.Pin("sum")
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

// buildExampleGraph wires two input cells through an adder worker into a sum
// cell, the stand-in graph every subcommand demonstrates itself against.
func buildExampleGraph(log zerolog.Logger) (*core.Context, error) {
	ctx := core.NewContext(core.WithLogger(log))
	mgr := ctx.Manager()

	err := mgr.Macro(func() error {
		a, err := ctx.DeclareCell("a", dtype.JSON)
		if err != nil {
			return err
		}
		b, err := ctx.DeclareCell("b", dtype.JSON)
		if err != nil {
			return err
		}
		sum, err := ctx.DeclareCell("sum", dtype.JSON)
		if err != nil {
			return err
		}

		rt := &adderRuntime{}
		w, err := ctx.DeclareWorker("adder", rt, []core.PinSpec{
			{Name: "a", Kind: core.PinInput, DType: dtype.JSON},
			{Name: "b", Kind: core.PinInput, DType: dtype.JSON},
			{Name: "sum", Kind: core.PinOutput, DType: dtype.JSON},
		})
		if err != nil {
			return err
		}
		rt.w = w

		pa, err := w.Pin("a")
		if err != nil {
			return err
		}
		pb, err := w.Pin("b")
		if err != nil {
			return err
		}
		psum, err := w.Pin("sum")
		if err != nil {
			return err
		}

		if _, err := a.ConnectToPin(pa); err != nil {
			return err
		}
		if _, err := b.ConnectToPin(pb); err != nil {
			return err
		}
		if _, err := psum.Connect(sum); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ctx, nil
}
