// Package job turns library jobs into synchronous results.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/kriansa/vmctl/internal/handle"
	"github.com/kriansa/vmctl/internal/hostlib"
	"github.com/kriansa/vmctl/internal/log"
)

// Adapter errors. errors.Is matches them against any *hostlib.Error with
// the same code.
var (
	ErrTimeout         = &hostlib.Error{Code: hostlib.CodeTimeout, Message: "job timed out"}
	ErrTypeMismatch    = &hostlib.Error{Code: hostlib.CodeTypeMismatch, Message: "unexpected job result kind"}
	ErrInvalidArgument = &hostlib.Error{Code: hostlib.CodeInvalidArgument, Message: "invalid job handle"}
)

// Waiter is the library side of a job: completion and release.
type Waiter interface {
	Wait(ctx context.Context, job hostlib.Handle, timeout time.Duration) (hostlib.Value, error)
	Release(h hostlib.Handle) error
}

// StartFunc issues an asynchronous library call and returns its job handle.
type StartFunc func() (hostlib.Handle, error)

// Adapter waits on jobs registered in a handle registry.
type Adapter struct {
	lib Waiter
	reg *handle.Registry
}

// NewAdapter returns an Adapter over lib whose job handles live in reg.
func NewAdapter(lib Waiter, reg *handle.Registry) *Adapter {
	return &Adapter{lib: lib, reg: reg}
}

// Await blocks until job completes or timeout elapses and returns its
// result, which must be of kind want. A zero timeout polls once and a
// negative one waits until ctx is done. The job is never released here,
// not even on timeout.
func (a *Adapter) Await(ctx context.Context, job handle.Ref, want hostlib.Kind, timeout time.Duration) (hostlib.Value, error) {
	if job.IsZero() || job.Kind() != hostlib.HandleTypeJob {
		return hostlib.None(), fmt.Errorf("await %s: %w", job, ErrInvalidArgument)
	}

	raw, err := a.reg.Raw(job)
	if err != nil {
		return hostlib.None(), err
	}

	v, err := a.lib.Wait(ctx, raw, timeout)
	if err != nil {
		return hostlib.None(), err
	}

	if v.Kind() != want {
		if v.Kind() == hostlib.KindHandle {
			if rerr := a.lib.Release(v.Handle()); rerr != nil {
				log.Warn("failed to release unexpected job result", "handle", v.Handle(), "error", rerr)
			}
		}
		return hostlib.None(), fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, v.Kind(), want)
	}
	return v, nil
}

// Run starts a job, awaits its result and releases the job whatever the
// outcome.
func (a *Adapter) Run(ctx context.Context, start StartFunc, want hostlib.Kind, timeout time.Duration) (hostlib.Value, error) {
	raw, err := start()
	if err != nil {
		return hostlib.None(), err
	}

	ref, err := a.reg.Register(raw, hostlib.HandleTypeJob)
	if err != nil {
		if rerr := a.lib.Release(raw); rerr != nil {
			log.Warn("failed to release unregistered job", "handle", raw, "error", rerr)
		}
		return hostlib.None(), err
	}
	defer func() {
		if err := a.reg.Release(ref); err != nil {
			log.Warn("failed to release job", "job", ref.String(), "error", err)
		}
	}()

	return a.Await(ctx, ref, want, timeout)
}

// RunHandle runs a job producing a handle and registers that handle as kind.
func (a *Adapter) RunHandle(ctx context.Context, start StartFunc, kind hostlib.HandleType, timeout time.Duration) (handle.Ref, error) {
	v, err := a.Run(ctx, start, hostlib.KindHandle, timeout)
	if err != nil {
		return handle.Ref{}, err
	}

	ref, err := a.reg.Register(v.Handle(), kind)
	if err != nil {
		if rerr := a.lib.Release(v.Handle()); rerr != nil {
			log.Warn("failed to release unregistered handle", "handle", v.Handle(), "error", rerr)
		}
		return handle.Ref{}, err
	}
	return ref, nil
}
