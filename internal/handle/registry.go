// Package handle tracks the library handles a session holds. Every handle
// goes through a Registry so it is released exactly once; use after release
// and double release are reported instead of reaching the library.
package handle

import (
	"fmt"
	"sync"

	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// ErrReleased is returned for a Ref whose handle was already released.
var ErrReleased = &hostlib.Error{Code: hostlib.CodeInvalidHandle, Message: "handle already released"}

// Releaser is the library release primitive.
type Releaser interface {
	Release(h hostlib.Handle) error
}

// Ref is a typed reference to a registered handle. The zero Ref is invalid.
type Ref struct {
	raw  hostlib.Handle
	kind hostlib.HandleType
	gen  uint64
}

// Kind returns the handle type the Ref was registered with.
func (r Ref) Kind() hostlib.HandleType { return r.kind }

// IsZero reports whether r was never registered.
func (r Ref) IsZero() bool { return r.gen == 0 }

func (r Ref) String() string {
	if r.IsZero() {
		return "handle(none)"
	}
	return fmt.Sprintf("%s#%d", r.kind, r.raw)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes misuse panic instead of being logged.
func WithStrict(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// Registry maps live library handles to Refs. It is safe for concurrent use.
type Registry struct {
	lib    Releaser
	strict bool

	mu    sync.Mutex
	gen   uint64
	order []hostlib.Handle
	live  map[hostlib.Handle]Ref
}

// NewRegistry returns a Registry releasing handles through lib.
func NewRegistry(lib Releaser, opts ...Option) *Registry {
	r := &Registry{
		lib:  lib,
		live: make(map[hostlib.Handle]Ref),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register takes ownership of raw.
func (r *Registry) Register(raw hostlib.Handle, kind hostlib.HandleType) (Ref, error) {
	if raw == hostlib.InvalidHandle {
		return Ref{}, hostlib.Errorf(hostlib.CodeInvalidArgument, "cannot register the invalid handle")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.live[raw]; ok {
		return Ref{}, hostlib.Errorf(hostlib.CodeInvalidArgument, "handle %s registered twice", prev)
	}

	r.gen++
	ref := Ref{raw: raw, kind: kind, gen: r.gen}
	r.live[raw] = ref
	r.order = append(r.order, raw)
	return ref, nil
}

// misuse reports a programmer error on ref.
func (r *Registry) misuse(op string, ref Ref) error {
	if r.strict {
		panic(fmt.Sprintf("handle: %s of released %s", op, ref))
	}
	log.Error("handle misuse", "op", op, "handle", ref.String())
	return fmt.Errorf("%s %s: %w", op, ref, ErrReleased)
}

func (r *Registry) isLiveLocked(ref Ref) bool {
	cur, ok := r.live[ref.raw]
	return ok && !ref.IsZero() && cur.gen == ref.gen
}

// IsValid reports whether ref is registered and not yet released.
func (r *Registry) IsValid(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLiveLocked(ref)
}

// Raw returns the library handle behind ref.
func (r *Registry) Raw(ref Ref) (hostlib.Handle, error) {
	r.mu.Lock()
	live := r.isLiveLocked(ref)
	r.mu.Unlock()

	if !live {
		return hostlib.InvalidHandle, r.misuse("use", ref)
	}
	return ref.raw, nil
}

// Release frees ref through the library. Releasing a released Ref is a
// programmer error: it panics in strict mode and is logged and ignored
// otherwise.
func (r *Registry) Release(ref Ref) error {
	r.mu.Lock()
	if !r.isLiveLocked(ref) {
		r.mu.Unlock()
		_ = r.misuse("release", ref)
		return nil
	}
	delete(r.live, ref.raw)
	r.dropLocked(ref.raw)
	r.mu.Unlock()

	if err := r.lib.Release(ref.raw); err != nil {
		return fmt.Errorf("releasing %s: %w", ref, err)
	}
	return nil
}

// Forget drops ref without calling the library, for handles the library
// already invalidated on its own (children of a disconnected host).
func (r *Registry) Forget(ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isLiveLocked(ref) {
		delete(r.live, ref.raw)
		r.dropLocked(ref.raw)
	}
}

func (r *Registry) dropLocked(raw hostlib.Handle) {
	for i, h := range r.order {
		if h == raw {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Scoped registers raw, runs fn and releases the handle whatever fn returns.
func (r *Registry) Scoped(raw hostlib.Handle, kind hostlib.HandleType, fn func(Ref) error) error {
	ref, err := r.Register(raw, kind)
	if err != nil {
		return err
	}

	ferr := fn(ref)
	if err := r.Release(ref); err != nil {
		log.Warn("failed to release scoped handle", "handle", ref.String(), "error", err)
	}
	return ferr
}

// ReleaseAll releases every live handle, newest first. Failures are logged.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	refs := make([]Ref, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		refs = append(refs, r.live[r.order[i]])
	}
	r.mu.Unlock()

	for _, ref := range refs {
		if err := r.Release(ref); err != nil {
			log.Warn("failed to release handle during teardown", "handle", ref.String(), "error", err)
		}
	}
}

// Count returns the number of live handles of kind.
func (r *Registry) Count(kind hostlib.HandleType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ref := range r.live {
		if ref.kind == kind {
			n++
		}
	}
	return n
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
