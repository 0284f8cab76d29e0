// Package hostlib is the boundary to the hypervisor control library: a
// finite table of opaque integer handles, asynchronous jobs signalled on
// completion, and a release primitive. Backends plug in through Driver.
package hostlib

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kriansa/vmctl/internal/log"
)

// DefaultCapacity is the handle table size used when no option overrides it.
const DefaultCapacity = 4096

// Option configures a Library.
type Option func(*Library)

// WithCapacity sets the handle table size.
func WithCapacity(n int) Option {
	return func(l *Library) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// Library owns the handle table of one driver.
type Library struct {
	driver   Driver
	capacity int

	mu     sync.Mutex
	next   Handle
	table  map[Handle]*object
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type object struct {
	typ    HandleType
	parent Handle
	host   Host
	vm     *vmObject
	snap   SnapshotInfo
	job    *jobState
}

type vmObject struct {
	machine Machine
	guest   GuestConn
}

type jobState struct {
	done     chan struct{}
	val      Value
	err      error
	finished bool
	consumed bool
	released bool
}

// ownsHandle reports whether the job produced a handle nobody has taken yet.
func (js *jobState) ownsHandle() bool {
	return js.finished && !js.consumed && js.err == nil && js.val.Kind() == KindHandle
}

// New creates a Library on top of driver.
func New(driver Driver, opts ...Option) *Library {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Library{
		driver:   driver,
		capacity: DefaultCapacity,
		table:    make(map[Handle]*object),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Backend returns the driver name.
func (l *Library) Backend() string {
	return l.driver.Name()
}

// Close cancels outstanding jobs, waits for them and closes every host
// connection still in the table.
func (l *Library) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	var hosts []Host
	var guests []GuestConn
	for h, obj := range l.table {
		switch obj.typ {
		case HandleTypeHost:
			hosts = append(hosts, obj.host)
		case HandleTypeVM:
			if obj.vm.guest != nil {
				guests = append(guests, obj.vm.guest)
			}
		}
		delete(l.table, h)
	}
	l.mu.Unlock()

	for _, g := range guests {
		if err := g.Logout(); err != nil {
			log.Warn("failed to log out of guest on close", "error", err)
		}
	}
	for _, host := range hosts {
		if err := host.Close(); err != nil {
			log.Warn("failed to close host on close", "error", err)
		}
	}

	return nil
}

// Count returns the number of live handles of the given type.
func (l *Library) Count(typ HandleType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, obj := range l.table {
		if obj.typ == typ {
			n++
		}
	}
	return n
}

// TypeOf returns the type of a live handle, or HandleTypeNone.
func (l *Library) TypeOf(h Handle) HandleType {
	l.mu.Lock()
	defer l.mu.Unlock()

	if obj, ok := l.table[h]; ok {
		return obj.typ
	}
	return HandleTypeNone
}

// allocateLocked stores obj under a fresh handle. l.mu must be held.
func (l *Library) allocateLocked(obj *object) (Handle, error) {
	if l.closed {
		return InvalidHandle, Errorf(CodeCancelled, "library closed")
	}
	if len(l.table) >= l.capacity {
		return InvalidHandle, Errorf(CodeTooManyHandles, "handle table full (%d entries)", l.capacity)
	}

	for {
		if l.next == math.MaxInt32 {
			l.next = InvalidHandle
		}
		l.next++
		if _, used := l.table[l.next]; !used {
			break
		}
	}

	l.table[l.next] = obj
	return l.next, nil
}

func (l *Library) allocate(obj *object) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocateLocked(obj)
}

func (l *Library) lookupLocked(h Handle, typ HandleType) (*object, error) {
	if h == InvalidHandle {
		return nil, Errorf(CodeInvalidHandle, "invalid handle")
	}

	obj, ok := l.table[h]
	if !ok {
		return nil, Errorf(CodeInvalidHandle, "handle %d is not live", h)
	}
	if obj.typ != typ {
		return nil, Errorf(CodeWrongHandleType, "handle %d is a %s handle, want %s", h, obj.typ, typ)
	}
	return obj, nil
}

func (l *Library) lookup(h Handle, typ HandleType) (*object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookupLocked(h, typ)
}

// startJob runs fn asynchronously and returns the job handle.
func (l *Library) startJob(fn func(ctx context.Context) (Value, error)) (Handle, error) {
	js := &jobState{done: make(chan struct{})}

	l.mu.Lock()
	h, err := l.allocateLocked(&object{typ: HandleTypeJob, job: js})
	if err != nil {
		l.mu.Unlock()
		return InvalidHandle, err
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		val, err := fn(l.ctx)
		l.finish(js, val, err)
	}()

	return h, nil
}

// finish publishes a job result. A handle produced by a job whose own
// handle was already released has no owner left and is freed here.
func (l *Library) finish(js *jobState, val Value, err error) {
	l.mu.Lock()
	js.val, js.err = val, err
	js.finished = true
	orphaned := js.released && js.ownsHandle()
	close(js.done)
	l.mu.Unlock()

	if orphaned {
		l.releaseOrphan(val.Handle())
	}
}

func (l *Library) releaseOrphan(h Handle) {
	log.Debug("releasing handle produced by released job", "handle", h)
	if err := l.Release(h); err != nil {
		log.Warn("failed to release orphaned handle", "handle", h, "error", err)
	}
}

// Wait blocks until the job completes, the timeout elapses or ctx is done.
// A zero timeout polls; a negative timeout waits without limit. The job
// handle stays live in every case and must still be released. A completed
// job yields its result once; later waits fail with CodeInvalidArgument.
func (l *Library) Wait(ctx context.Context, job Handle, timeout time.Duration) (Value, error) {
	obj, err := l.lookup(job, HandleTypeJob)
	if err != nil {
		return Value{}, err
	}
	js := obj.job

	l.mu.Lock()
	consumed := js.consumed
	l.mu.Unlock()
	if consumed {
		return Value{}, Errorf(CodeInvalidArgument, "job %d was already waited for", job)
	}

	switch {
	case timeout == 0:
		select {
		case <-js.done:
		default:
			return Value{}, Errorf(CodeTimeout, "job %d still pending", job)
		}
	case timeout > 0:
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-js.done:
		case <-timer.C:
			return Value{}, Errorf(CodeTimeout, "job %d did not complete within %s", job, timeout)
		case <-ctx.Done():
			return Value{}, &Error{Code: CodeOf(ctx.Err()), Message: ctx.Err().Error()}
		}
	default:
		select {
		case <-js.done:
		case <-ctx.Done():
			return Value{}, &Error{Code: CodeOf(ctx.Err()), Message: ctx.Err().Error()}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if js.consumed {
		return Value{}, Errorf(CodeInvalidArgument, "job %d was already waited for", job)
	}
	js.consumed = true
	return js.val, js.err
}

// Release frees a handle. Releasing a host handle closes its connection,
// releasing a VM handle logs out of its guest. Pending jobs keep running.
func (l *Library) Release(h Handle) error {
	l.mu.Lock()
	obj, ok := l.table[h]
	if !ok || h == InvalidHandle {
		l.mu.Unlock()
		return Errorf(CodeInvalidHandle, "handle %d is not live", h)
	}
	delete(l.table, h)

	var closeFn func() error
	orphan := InvalidHandle
	switch obj.typ {
	case HandleTypeJob:
		obj.job.released = true
		if obj.job.ownsHandle() {
			orphan = obj.job.val.Handle()
		}
	case HandleTypeHost:
		closeFn = obj.host.Close
	case HandleTypeVM:
		if g := obj.vm.guest; g != nil {
			obj.vm.guest = nil
			closeFn = g.Logout
		}
	}
	l.mu.Unlock()

	if orphan != InvalidHandle {
		l.releaseOrphan(orphan)
	}
	if closeFn != nil {
		if err := closeFn(); err != nil {
			log.Warn("error closing resource on release", "handle", h, "type", obj.typ, "error", err)
		}
	}
	return nil
}
