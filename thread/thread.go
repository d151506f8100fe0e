// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package thread implements Scheme-level threads and the process-wide
// registry of live threads.
//
// A Thread wraps one goroutine pinned to one OS thread for its lifetime; the
// evaluator inside it is single-threaded.  The core never multiplexes Scheme
// threads over OS threads and never preempts a running thunk: termination is
// cooperative, observed at suspension points (sleep, mutex waits, condition
// variable parks, joins) through the thread's abort channel.
package thread

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"v.io/x/lib/nsync"
	"v.io/x/lib/vlog"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
)

// State of a thread.  Terminated is terminal.
type State int32

const (
	Fresh State = iota
	Runnable
	Running
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state %d", int32(s))
}

// resultKind discriminates the terminal value published in the result slot.
// The slot moves from resultNone to exactly one of the other kinds, once.
type resultKind int

const (
	resultNone resultKind = iota
	resultValue
	resultRaised
	resultTerminated
)

// A HeldLock is a lock that currently records a thread as its owner.  The
// lock package implements it; the indirection keeps this package free of a
// dependency on lock.
type HeldLock interface {
	// Abandon releases the lock on behalf of owner, marking it abandoned
	// and waking blocked acquirers.  Called when owner terminates while
	// still holding the lock.
	Abandon(owner *Thread)
}

// Thread is one Scheme-level thread.
type Thread struct {
	id    uint64
	name  eval.Value
	tag   eval.Value
	thunk eval.Thunk
	ctx   eval.Context
	reg   *Registry

	state int32 // State, read and written atomically

	abortFlag uint32        // write-once; guards the close of abort
	abort     chan struct{} // closed when the abort flag is set

	// mu protects the result slot and the owned-lock set; joinCV is
	// signalled (broadcast) exactly once, when the result is published.
	mu     nsync.Mu
	joinCV nsync.CV
	result resultKind
	value  eval.Value
	err    error
	owned  []HeldLock

	goid int64 // goroutine id once started; the OS thread handle analogue
}

var lastID uint64 // atomic; process-wide thread id counter

// New creates a fresh thread that will run thunk when started.  name and tag
// are arbitrary Scheme values, opaque to the core; either may be nil.
func New(reg *Registry, ctx eval.Context, thunk eval.Thunk, name, tag eval.Value) *Thread {
	return &Thread{
		id:    atomic.AddUint64(&lastID, 1),
		name:  name,
		tag:   tag,
		thunk: thunk,
		ctx:   ctx,
		reg:   reg,
		abort: make(chan struct{}),
	}
}

func (t *Thread) ID() uint64            { return t.id }
func (t *Thread) Name() eval.Value      { return t.name }
func (t *Thread) Tag() eval.Value       { return t.tag }
func (t *Thread) Context() eval.Context { return t.ctx }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Thread) String() string {
	if t.name != nil {
		return fmt.Sprintf("thread %d (%v)", t.id, t.name)
	}
	return fmt.Sprintf("thread %d", t.id)
}

// Aborted reports whether the abort flag has been set.
func (t *Thread) Aborted() bool {
	return atomic.LoadUint32(&t.abortFlag) != 0
}

// AbortChan returns the channel closed when the thread is aborted.  It is
// the cancellation channel for every nsync wait the thread performs.
func (t *Thread) AbortChan() <-chan struct{} {
	return t.abort
}

// Start moves the thread from fresh to runnable and spawns its goroutine.
// Starting a thread twice fails: with thread-already-terminated once it has
// terminated, with thread-already-started before then.
func (t *Thread) Start() error {
	if !atomic.CompareAndSwapInt32(&t.state, int32(Fresh), int32(Runnable)) {
		if t.State() == Terminated {
			return condition.Newf(condition.ThreadAlreadyTerminated, "%v", t)
		}
		return condition.Newf(condition.ThreadAlreadyStarted, "%v", t)
	}
	vlog.VI(2).Infof("%v: starting", t)
	go t.run()
	return nil
}

// run is the thread body protocol: pin to an OS thread, install as current,
// execute the thunk, publish the outcome, wake joiners, unregister.
func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	t.goid = goroutineID()
	t.reg.register(t)
	atomic.StoreInt32(&t.state, int32(Running))
	v, err := t.runThunk()
	t.finish(v, err)
	t.reg.unregister(t)
}

// runThunk executes the thunk.  An abort that lands before the thunk runs is
// not intercepted here: cancellation is cooperative, and the thunk itself is
// the first place it can be observed (Spawn-style wrappers rely on always
// being entered so they can publish on behalf of an aborted producer).
func (t *Thread) runThunk() (v eval.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			// A panicking thunk is a defect in the embedding
			// evaluator; surface it at join rather than tearing
			// down the host process.
			vlog.Errorf("%v: thunk panicked: %v", t, p)
			err = condition.NewRaise(p)
		}
	}()
	return t.thunk()
}

// finish publishes the thread's result.  Owned mutexes are abandoned first
// so that their waiters observe abandonment no later than the joiners
// observe termination.
func (t *Thread) finish(v eval.Value, err error) {
	atomic.StoreInt32(&t.state, int32(Terminating))
	t.mu.Lock()
	owned := t.owned
	t.owned = nil
	t.mu.Unlock()
	for _, l := range owned {
		l.Abandon(t)
	}

	t.mu.Lock()
	switch {
	case t.result != resultNone:
		// The slot is write-once; a second publication is a core bug.
		vlog.Errorf("%v: result already published", t)
	case err == nil:
		t.result, t.value = resultValue, v
	case condition.Is(err, condition.ThreadTerminated):
		t.result = resultTerminated
	default:
		t.result, t.err = resultRaised, err
	}
	atomic.StoreInt32(&t.state, int32(Terminated))
	t.joinCV.Broadcast()
	t.mu.Unlock()
	vlog.VI(2).Infof("%v: terminated", t)
}

// Yield hints the scheduler to run another thread.
func (t *Thread) Yield() {
	runtime.Gosched()
}

// Sleep suspends the calling thread, which must be t, for at least d.  It is
// a suspension point: an abort cancels the sleep and unwinds with a
// thread-terminated condition.
func (t *Thread) Sleep(d time.Duration) error {
	if t.Aborted() {
		return condition.Newf(condition.ThreadTerminated, "%v", t)
	}
	if d <= 0 {
		runtime.Gosched()
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.abort:
		return condition.Newf(condition.ThreadTerminated, "%v", t)
	}
}

// Terminate sets t's abort flag.  When the target is the caller itself the
// returned thread-terminated condition unwinds the caller to its outermost
// frame; otherwise Terminate blocks until the target has terminated.  A
// fresh thread has no body to observe the flag, so its terminated result is
// published directly.
func (t *Thread) Terminate(caller *Thread) error {
	if atomic.CompareAndSwapUint32(&t.abortFlag, 0, 1) {
		close(t.abort)
		vlog.VI(2).Infof("%v: abort requested", t)
	}
	if atomic.CompareAndSwapInt32(&t.state, int32(Fresh), int32(Terminating)) {
		t.mu.Lock()
		if t.result == resultNone {
			t.result = resultTerminated
		}
		atomic.StoreInt32(&t.state, int32(Terminated))
		t.joinCV.Broadcast()
		t.mu.Unlock()
		return nil
	}
	if t == caller {
		return condition.Newf(condition.ThreadTerminated, "%v", t)
	}
	return t.WaitTerminated(caller)
}

// WaitTerminated blocks until t's result slot is populated.  The wait is a
// suspension point for the caller.
func (t *Thread) WaitTerminated(caller *Thread) error {
	var cancel <-chan struct{}
	if caller != nil {
		cancel = caller.abort
	}
	t.mu.Lock()
	for t.result == resultNone {
		if t.joinCV.WaitWithDeadline(&t.mu, nsync.NoDeadline, cancel) == nsync.Cancelled {
			t.mu.Unlock()
			return condition.Newf(condition.ThreadTerminated, "%v", caller)
		}
	}
	t.mu.Unlock()
	return nil
}

// Join blocks up to deadline for t's result slot, then maps the published
// result to the join contract: a normal value is returned; a raised
// condition is re-raised, wrapped as an uncaught exception, through the
// caller's continuable raise; a terminated result is a thread-terminated
// condition.  On timeout the default is returned when given, otherwise
// join-timeout is raised.  Use nsync.NoDeadline to wait forever.
func (t *Thread) Join(caller *Thread, deadline time.Time, def eval.Value, hasDefault bool) (eval.Value, error) {
	var cancel <-chan struct{}
	if caller != nil {
		cancel = caller.abort
	}
	t.mu.Lock()
	for t.result == resultNone {
		outcome := t.joinCV.WaitWithDeadline(&t.mu, deadline, cancel)
		if t.result != resultNone {
			break
		}
		switch outcome {
		case nsync.Cancelled:
			t.mu.Unlock()
			return nil, condition.Newf(condition.ThreadTerminated, "%v", caller)
		case nsync.Expired:
			t.mu.Unlock()
			if hasDefault {
				return def, nil
			}
			return nil, condition.Newf(condition.JoinTimeout, "%v", t)
		}
	}
	kind, v, err := t.result, t.value, t.err
	t.mu.Unlock()

	switch kind {
	case resultValue:
		return v, nil
	case resultTerminated:
		return nil, condition.Newf(condition.ThreadTerminated, "%v", t)
	default:
		uncaught := condition.WrapUncaught(err)
		if caller != nil && caller.ctx != nil {
			return caller.ctx.ContinuableRaise(uncaught)
		}
		return nil, uncaught
	}
}

// AddOwned records l as owned by t so that termination can abandon it.  It
// returns false, without recording, if t has already begun terminating; the
// lock must then abandon itself.
func (t *Thread) AddOwned(l HeldLock) bool {
	t.mu.Lock()
	if t.State() >= Terminating {
		t.mu.Unlock()
		return false
	}
	t.owned = append(t.owned, l)
	t.mu.Unlock()
	return true
}

// RemoveOwned forgets l after a regular unlock.
func (t *Thread) RemoveOwned(l HeldLock) {
	t.mu.Lock()
	for i, o := range t.owned {
		if o == l {
			t.owned = append(t.owned[:i], t.owned[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// Trace presents the thread's strongly-held values to the collector: name,
// tag, the thunk (whose captures the evaluator descends into) and the
// published result.
func (t *Thread) Trace(visit eval.Visitor) {
	if t.name != nil {
		visit(t.name)
	}
	if t.tag != nil {
		visit(t.tag)
	}
	if t.thunk != nil {
		visit(t.thunk)
	}
	t.mu.Lock()
	kind, v, err := t.result, t.value, t.err
	t.mu.Unlock()
	switch kind {
	case resultValue:
		if v != nil {
			visit(v)
		}
	case resultRaised:
		if ce, ok := err.(*condition.Error); ok && ce.Reason != nil {
			visit(ce.Reason)
		}
	}
}
