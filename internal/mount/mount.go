// Package mount defines the mount interface the core requires of its one
// external collaborator for optional disk mirroring (spec §1): the core
// never touches a filesystem itself, it only describes a cell's mount
// intent and notifies a Sink when the cell's value changes. The actual
// mount loop, stash/recovery and file codecs are out of scope (spec §1);
// internal/mount/wsobserver and internal/mount/pgindex are two concrete
// Sink-adjacent implementations wired in per SPEC_FULL.md's DOMAIN STACK.
package mount

import (
	"fmt"
	"sync"
)

// Mode is the open mode of a mount descriptor.
type Mode string

const (
	ModeRead      Mode = "r"
	ModeWrite     Mode = "w"
	ModeReadWrite Mode = "rw"
)

// Authority decides who wins when both the cell and the mounted file change:
// the in-memory cell, the file, or the file strictly (read-only, persistent).
type Authority string

const (
	AuthorityCell       Authority = "cell"
	AuthorityFile       Authority = "file"
	AuthorityFileStrict Authority = "file-strict"
)

// Persistence describes whether the mounted file is expected to survive a
// restart.
type Persistence string

const (
	PersistentTrue    Persistence = "true"
	PersistentFalse   Persistence = "false"
	PersistentUnknown Persistence = "none"
)

// Descriptor is the opaque (to the core) mount intent attached to a cell via
// spec §6's cell.mount(path, mode, authority, persistent) call.
type Descriptor struct {
	Path       string
	Mode       Mode
	Authority  Authority
	Persistent Persistence
	Binary     bool
	Encoding   string
}

// Validate enforces the one cross-field invariant spec §6 calls out:
// authority file-strict requires mode "r" and persistent "true".
func (d Descriptor) Validate() error {
	if d.Authority == AuthorityFileStrict {
		if d.Mode != ModeRead {
			return fmt.Errorf("mount: authority %q requires mode %q, got %q", AuthorityFileStrict, ModeRead, d.Mode)
		}
		if d.Persistent != PersistentTrue {
			return fmt.Errorf("mount: authority %q requires persistent=true", AuthorityFileStrict)
		}
	}
	return nil
}

// Sink is notified by the Manager whenever a mounted cell's value changes,
// so an external mount loop can mirror it to disk. Implementations must not
// block the main thread; they should hand off to their own I/O goroutine.
type Sink interface {
	// OnCellUpdate fires after a mounted cell's cell_send_update, carrying
	// the cell's dotted path and new checksum.
	OnCellUpdate(path, checksum string, onlyText bool)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(path, checksum string, onlyText bool)

func (f SinkFunc) OnCellUpdate(path, checksum string, onlyText bool) { f(path, checksum, onlyText) }

// ErrorFilter deduplicates mount I/O error reporting: a failure is logged
// once per distinct message per mount item and then suppressed until the
// item recovers. Mount failures are never fatal to the core.
type ErrorFilter struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewErrorFilter returns an empty filter.
func NewErrorFilter() *ErrorFilter {
	return &ErrorFilter{seen: make(map[string]map[string]struct{})}
}

// ShouldLog reports whether message has not yet been logged for item,
// recording it either way.
func (f *ErrorFilter) ShouldLog(item, message string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.seen[item]
	if !ok {
		msgs = make(map[string]struct{})
		f.seen[item] = msgs
	}
	if _, dup := msgs[message]; dup {
		return false
	}
	msgs[message] = struct{}{}
	return true
}

// Clear forgets every recorded message for item, typically called when the
// item's next I/O attempt succeeds so a recurrence logs again.
func (f *ErrorFilter) Clear(item string) {
	f.mu.Lock()
	delete(f.seen, item)
	f.mu.Unlock()
}
