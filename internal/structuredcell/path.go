// Package structuredcell implements the composite cell of spec §4.3: a data
// cell decomposed into inchannels and outchannels addressed by path tuples,
// kept coherent by a monitor.
//
// The monitor applies the same discipline as a flat, mutex-guarded,
// schema-checked map[string]any — guarded mutation, schema validation on
// write — generalized to a nested, copy-on-write path trie, because spec
// §4.3 paths are tuples that can nest arbitrarily deep ("a", "b"), not
// single keys.
package structuredcell

import "strings"

// Path addresses a sub-value inside a structured cell's composite: ()
// is the root, ("a",) a top-level field, ("a","b") nested further.
type Path []string

func (p Path) key() string { return strings.Join(p, "\x1f") }

func splitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "\x1f")
}

// isPrefixOf reports whether p is a prefix of q (p == q counts as a prefix).
func (p Path) isPrefixOf(q Path) bool {
	if len(p) > len(q) {
		return false
	}
	for i, seg := range p {
		if q[i] != seg {
			return false
		}
	}
	return true
}

// related reports whether p and q are in a prefix relationship either way,
// the outchannel-firing rule of spec §4.3 ("every outchannel whose path q
// is a prefix of p or vice versa").
func related(p, q Path) bool {
	return p.isPrefixOf(q) || q.isPrefixOf(p)
}

func (p Path) String() string {
	if len(p) == 0 {
		return "()"
	}
	return "(" + strings.Join(p, ".") + ")"
}
