package structuredcell_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/seamless/internal/core"
	"github.com/smilemakc/seamless/internal/structuredcell"
)

// TestStructuredCellPartialThenComplete covers spec.md §8 scenario 6: writing
// sub-paths one at a time grows the composite's outchannel incrementally.
func TestStructuredCellPartialThenComplete(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	sc, err := structuredcell.New(ctx, "obj")
	require.NoError(t, err)

	inA, err := sc.InChannel("a")
	require.NoError(t, err)
	inB, err := sc.InChannel("b")
	require.NoError(t, err)
	out, err := sc.OutChannel()
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, inA.Set(1.0))
	assert.Equal(t, core.OK, out.Status())
	assert.Equal(t, map[string]any{"a": 1.0}, out.Value())

	require.NoError(t, inB.Set(2.0))
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, out.Value())
}

// TestStructuredCellSchemaGatesCompleteness covers spec.md §8 scenario 6's
// schema variant: the root outchannel stays UNDEFINED until every required
// key has been written, even though each individual write succeeds.
func TestStructuredCellSchemaGatesCompleteness(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	schema := map[string]any{"required": []any{"a", "b"}}
	sc, err := structuredcell.New(ctx, "obj", structuredcell.WithSchema(schema))
	require.NoError(t, err)

	inA, err := sc.InChannel("a")
	require.NoError(t, err)
	inB, err := sc.InChannel("b")
	require.NoError(t, err)
	out, err := sc.OutChannel()
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, inA.Set(1.0))
	assert.Equal(t, core.Undefined, out.Status())

	require.NoError(t, inB.Set(2.0))
	assert.Equal(t, core.OK, out.Status())
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, out.Value())

	err = inA.Set(nil)
	require.Error(t, err)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, out.Value())
}

// TestStructuredCellForkRollback covers an edit transaction that is rolled
// back: no outchannel should fire and the monitor must read back unchanged.
func TestStructuredCellForkRollback(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	sc, err := structuredcell.New(ctx, "obj")
	require.NoError(t, err)
	inA, err := sc.InChannel("a")
	require.NoError(t, err)
	out, err := sc.OutChannel()
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NoError(t, inA.Set(1.0))

	fork := sc.Fork()
	require.NoError(t, fork.Set(99.0, "a"))
	assert.Equal(t, map[string]any{"a": 1.0}, out.Value())
	fork.Rollback()

	assert.Equal(t, map[string]any{"a": 1.0}, sc.Value())
}

// TestStructuredCellForkCommit covers a fork transaction committed as one
// atomic edit, firing outchannels exactly once with the final value.
func TestStructuredCellForkCommit(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	sc, err := structuredcell.New(ctx, "obj")
	require.NoError(t, err)
	out, err := sc.OutChannel()
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	fork := sc.Fork()
	require.NoError(t, fork.Set(1.0, "a"))
	require.NoError(t, fork.Set(2.0, "b"))
	require.NoError(t, fork.Commit())

	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, out.Value())
}

// TestStructuredCellBuffer covers the buffer triple (data/storage/form),
// grounded on structured_cell.py's BufferWrapper: it mirrors the main
// triple's shape and stays in lockstep with every validated write.
func TestStructuredCellBuffer(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	schema := map[string]any{"required": []any{"a"}}
	sc, err := structuredcell.New(ctx, "obj",
		structuredcell.WithSchema(schema), structuredcell.WithStorage(), structuredcell.WithBuffer())
	require.NoError(t, err)
	inA, err := sc.InChannel("a")
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	require.NotNil(t, sc.BufferData())
	require.NotNil(t, sc.BufferStorage())
	require.NotNil(t, sc.BufferForm())

	require.NoError(t, inA.Set(1.0))
	assert.Equal(t, map[string]any{"a": 1.0}, sc.BufferData().Value())
	assert.Equal(t, sc.Data().Value(), sc.BufferData().Value())
}

// TestStructuredCellBufferRequiresSchema covers the source's `assert
// self._is_silk` guard on buffered StructuredCells.
func TestStructuredCellBufferRequiresSchema(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	err := mgr.Macro(func() error {
		_, err := structuredcell.New(ctx, "obj", structuredcell.WithBuffer())
		return err
	})
	require.Error(t, err)
}

// TestIdenticalWriteSuppressed covers spec §4.1's structured-cell loop guard:
// a byte-identical repeat of the last accepted write fires nothing.
func TestIdenticalWriteSuppressed(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	sc, err := structuredcell.New(ctx, "obj")
	require.NoError(t, err)
	inA, err := sc.InChannel("a")
	require.NoError(t, err)
	out, err := sc.OutChannel()
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	var fires int
	mgr.OnCellChanged(func(c *core.Cell) {
		if c.ID() == out.ID() {
			fires++
		}
	})

	require.NoError(t, inA.Set(1.0))
	require.Equal(t, 1, fires)

	require.NoError(t, inA.Set(1.0))
	assert.Equal(t, 1, fires, "a byte-identical repeat write must be suppressed")

	require.NoError(t, inA.Set(2.0))
	assert.Equal(t, 2, fires)
}

// TestHandleGetSet covers the Silk-style attribute-path wrapper.
func TestHandleGetSet(t *testing.T) {
	ctx := core.NewContext()
	mgr := ctx.Manager()

	scope := mgr.BeginMacro()
	sc, err := structuredcell.New(ctx, "obj")
	require.NoError(t, err)
	require.NoError(t, scope.Commit())

	h := sc.Handle()
	require.NoError(t, h.Set(1.0, "a"))

	v, ok := h.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = h.Get("missing")
	assert.False(t, ok)
}
