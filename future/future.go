// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package future implements a one-shot result cell with blocking retrieval,
// built on one Scheme mutex and one condition variable.
//
// A future is set exactly once, by its producer; any number of readers block
// in Get until the result is present and then all observe the same pair
// (value, isError).  Spawn packages the common case: run a thunk on a fresh
// thread and funnel its outcome, normal or raised, into the cell.
package future

import (
	"time"

	"v.io/x/lib/nsync"
	"v.io/x/lib/vlog"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
	"v.io/x/scheme/lock"
	"v.io/x/scheme/thread"
)

// result is the pair stored in a fulfilled future.
type result struct {
	value   eval.Value
	isError bool
}

// Future is a single-assignment result cell.
type Future struct {
	m  *lock.Mutex
	cv *lock.CondVar
	// result is nil until set, then never changes; guarded by m.
	result *result
}

// New creates an unfulfilled future.
func New() *Future {
	return &Future{
		m:  lock.NewMutex(nil, nil),
		cv: lock.NewCondVar(nil, nil),
	}
}

// NewResolved creates a future already fulfilled with a value.
func NewResolved(v eval.Value) *Future {
	f := New()
	f.result = &result{value: v}
	return f
}

// NewFailed creates a future already fulfilled with a raised condition.
func NewFailed(c eval.Value) *Future {
	f := New()
	f.result = &result{value: c, isError: true}
	return f
}

// lockCell acquires the future's mutex for a short critical section.  The
// cell's critical sections never park, so an abandoned-mutex hazard here can
// only come from a reader terminated between acquisition and release; the
// acquisition still succeeded, so the hazard is logged and absorbed.
func (f *Future) lockCell(current *thread.Thread) error {
	_, err := f.m.Lock(current, current, nsync.NoDeadline)
	if err != nil && condition.Is(err, condition.AbandonedMutex) {
		vlog.VI(1).Infof("future cell mutex was abandoned: %v", err)
		return nil
	}
	return err
}

// Done reports, without blocking on the producer, whether the result is
// present.
func (f *Future) Done(current *thread.Thread) (bool, error) {
	if err := f.lockCell(current); err != nil {
		return false, err
	}
	done := f.result != nil
	f.m.Unlock(current, nil, time.Time{})
	return done, nil
}

// Set writes the result and wakes every reader.  It returns false, changing
// nothing, if the future was already set; the caller converts that to a
// setting-future-value-twice condition where one is required.
func (f *Future) Set(current *thread.Thread, v eval.Value, isError bool) (bool, error) {
	if err := f.lockCell(current); err != nil {
		return false, err
	}
	if f.result != nil {
		f.m.Unlock(current, nil, time.Time{})
		return false, nil
	}
	f.result = &result{value: v, isError: isError}
	f.cv.Broadcast()
	f.m.Unlock(current, nil, time.Time{})
	return true, nil
}

// Get blocks up to deadline for the result.  The third result reports
// whether the future was fulfilled by then; on true the first two are the
// stored value and its error flag.  The wait is a suspension point for
// current.  Use nsync.NoDeadline to wait forever.
func (f *Future) Get(current *thread.Thread, deadline time.Time) (eval.Value, bool, bool, error) {
	if err := f.lockCell(current); err != nil {
		return nil, false, false, err
	}
	for f.result == nil {
		signalled, err := f.m.Unlock(current, f.cv, deadline)
		if err != nil {
			if condition.Is(err, condition.AbandonedMutex) {
				// Reacquired; a reader died in its critical
				// section.  The cell is still usable.
				vlog.VI(1).Infof("future cell mutex was abandoned: %v", err)
				continue
			}
			return nil, false, false, err
		}
		if f.result != nil {
			break
		}
		if !signalled {
			f.m.Unlock(current, nil, time.Time{})
			return nil, false, false, nil
		}
	}
	r := f.result
	f.m.Unlock(current, nil, time.Time{})
	return r.value, r.isError, true, nil
}

// Spawn runs thunk on a fresh thread and returns the future that will hold
// its outcome: (value, false) for a normal return, (condition, true) for a
// raised condition.  A producer that is itself terminated fails the future
// with the thread-terminated condition so readers are never stranded.  The
// spawned thread is also returned; its own result slot is populated as
// usual, so joining it remains meaningful.
func Spawn(reg *thread.Registry, ctx eval.Context, thunk eval.Thunk) (*Future, *thread.Thread, error) {
	f := New()
	body := func() (eval.Value, error) {
		var v eval.Value
		var err error
		// An abort can land between Start and the first instruction of
		// this body; the cell must be fulfilled even then, so the
		// pre-run check lives here, not in the thread plumbing.
		if self := reg.Current(); self != nil && self.Aborted() {
			err = condition.New(condition.ThreadTerminated, "aborted before running")
		} else {
			v, err = thunk()
		}
		// The producer publishes with no cancellation: its abort must
		// not strand the cell's readers.
		switch {
		case err == nil:
			f.Set(nil, v, false)
		default:
			f.Set(nil, payload(err), true)
		}
		return v, err
	}
	t := thread.New(reg, ctx, body, nil, nil)
	if err := t.Start(); err != nil {
		return nil, nil, err
	}
	return f, t, nil
}

// payload maps a thunk's escaping error to the datum stored in the cell: a
// raised condition yields the raised datum, anything else (including
// termination) the condition itself.
func payload(err error) eval.Value {
	if ce, ok := err.(*condition.Error); ok && ce.Kind == condition.Raise {
		return ce.Reason
	}
	return err
}

// GetResult is the library accessor over Get: it blocks up to deadline and
// re-raises a stored error.  On expiry it returns the default when given,
// and raises future-timeout otherwise.  The blocking form passes
// nsync.NoDeadline.
func (f *Future) GetResult(current *thread.Thread, deadline time.Time, def eval.Value, hasDefault bool) (eval.Value, error) {
	v, isError, ok, err := f.Get(current, deadline)
	if err != nil {
		return nil, err
	}
	if !ok {
		if hasDefault {
			return def, nil
		}
		return nil, condition.New(condition.FutureTimeout, "")
	}
	if isError {
		return nil, reraise(v)
	}
	return v, nil
}

// Touch blocks until the future is fulfilled and returns its value,
// re-raising a stored error.
func (f *Future) Touch(current *thread.Thread) (eval.Value, error) {
	return f.GetResult(current, nsync.NoDeadline, nil, false)
}

// reraise turns a stored error payload back into a raisable condition.
func reraise(v eval.Value) error {
	if err, ok := v.(*condition.Error); ok {
		return err
	}
	return condition.NewRaise(v)
}

// Trace presents the future's strongly-held values: the stored result and
// the cell's own name/tag-free primitives hold nothing else.
func (f *Future) Trace(visit eval.Visitor) {
	if r := f.result; r != nil && r.value != nil {
		visit(r.value)
	}
}
