package core

import (
	"github.com/smilemakc/seamless/internal/registry"
	"github.com/smilemakc/seamless/internal/seamerr"
)

// ConnKind distinguishes the three connection variants of spec §3.
type ConnKind int

const (
	ConnCellCell ConnKind = iota // alias: cell -> cell
	ConnCellPin                  // feed: cell -> worker pin
	ConnPinCell                  // emit: worker pin -> cell
)

func (k ConnKind) String() string {
	switch k {
	case ConnCellCell:
		return "cell->cell"
	case ConnCellPin:
		return "cell->pin"
	case ConnPinCell:
		return "pin->cell"
	default:
		return "unknown"
	}
}

// Connection is a directed edge carrying value updates (spec §3).
type Connection struct {
	id   registry.ID
	uuid string
	kind ConnKind
	mgr  *Manager

	sourceCell registry.ID
	sourcePin  registry.ID
	targetCell registry.ID
	targetPin  registry.ID

	transfer  TransferMode
	duplex    bool
	mirror    registry.ID // opposite-direction partner for an edit-pin round trip
	condition string      // optional expr-lang guard; empty means always fire

	destroyed bool
}

// ID returns the connection's stable arena handle.
func (c *Connection) ID() registry.ID { return c.id }

// Kind reports which of the three connection variants this is.
func (c *Connection) Kind() ConnKind { return c.kind }

// Transfer returns the connection's transfer mode.
func (c *Connection) Transfer() TransferMode { return c.transfer }

// Duplex reports whether this connection is an edit-pin round-trip partner,
// which does not take authority from its target (spec §3).
func (c *Connection) Duplex() bool { return c.duplex }

// Destroy removes the connection (spec §3 Lifecycle, §4.4: requires macro
// mode), restoring its target's authority if nothing else still drives it.
func (c *Connection) Destroy() error {
	if !c.mgr.inMacro() {
		return seamerr.Structuref(c.uuid, "destroy may only happen in macro mode")
	}
	c.mgr.destroyConnection(c)
	return nil
}

// ConnectOption customizes a Connect call.
type ConnectOption func(*connOpts)

type connOpts struct {
	transfer  TransferMode
	duplex    bool
	mirror    registry.ID
	condition string
}

// WithTransfer sets the connection's transfer mode (default TransferRef).
func WithTransfer(mode TransferMode) ConnectOption {
	return func(o *connOpts) { o.transfer = mode }
}

// Duplex marks the connection as an edit-pin round-trip partner: it does
// not take authority from its target.
func Duplex() ConnectOption {
	return func(o *connOpts) { o.duplex = true }
}

// WithMirror records the opposite-direction connection id for an edit-pin
// pair (spec §4.1 connect_pin: "an edit-pin connection always carries a
// mirror connection... installing the forward without the mirror is an
// error").
func WithMirror(id registry.ID) ConnectOption {
	return func(o *connOpts) { o.mirror = id }
}

// WithCondition guards the connection with a boolean expr-lang expression
// evaluated against {"value": <the value about to cross>}; the connection
// only fires when the expression yields true.
func WithCondition(expression string) ConnectOption {
	return func(o *connOpts) { o.condition = expression }
}
