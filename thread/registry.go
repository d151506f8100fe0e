// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package thread

import (
	"sync/atomic"

	"v.io/x/lib/nsync"
	"v.io/x/lib/vlog"

	"v.io/x/scheme/eval"
)

// Registry is the process-wide catalog of live evaluator threads.  It maps
// OS threads (goroutine ids, since each thread is pinned) to their Thread,
// which is how "the current thread" is looked up, and it enumerates every
// live thread for the collector.
//
// A Registry is created explicitly when an evaluator context is set up and
// torn down with TerminateAll; there is no implicit package-level instance.
type Registry struct {
	mu     nsync.Mu
	byGoid map[int64]*Thread
	live   map[*Thread]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byGoid: make(map[int64]*Thread),
		live:   make(map[*Thread]bool),
	}
}

// register installs t as the thread of its goroutine.  Called by the thread
// body before the thunk runs; membership lasts until unregister.
func (r *Registry) register(t *Thread) {
	r.mu.Lock()
	r.byGoid[t.goid] = t
	r.live[t] = true
	r.mu.Unlock()
}

func (r *Registry) unregister(t *Thread) {
	r.mu.Lock()
	if r.byGoid[t.goid] == t {
		delete(r.byGoid, t.goid)
	}
	delete(r.live, t)
	r.mu.Unlock()
}

// Current returns the thread executing on the calling OS thread, or nil if
// the caller is not an evaluator thread.
func (r *Registry) Current() *Thread {
	id := goroutineID()
	r.mu.Lock()
	t := r.byGoid[id]
	r.mu.Unlock()
	return t
}

// Adopt registers the calling goroutine as thread t without spawning a new
// goroutine.  It is how an embedding host turns its main OS thread into an
// evaluator thread; the caller is responsible for the matching Release.
func (r *Registry) Adopt(t *Thread) {
	t.goid = goroutineID()
	r.register(t)
	atomic.StoreInt32(&t.state, int32(Running))
}

// Release undoes Adopt.
func (r *Registry) Release(t *Thread) {
	t.finish(eval.Unspecified, nil)
	r.unregister(t)
}

// Threads returns a snapshot of the live threads.
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	ts := make([]*Thread, 0, len(r.live))
	for t := range r.live {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	return ts
}

// WaitTerminated blocks the caller until t has terminated.
func (r *Registry) WaitTerminated(t, caller *Thread) error {
	return t.WaitTerminated(caller)
}

// TerminateAll aborts every live thread except the caller and waits for each
// to terminate.  Used at evaluator teardown.
func (r *Registry) TerminateAll(caller *Thread) {
	for _, t := range r.Threads() {
		if t == caller {
			continue
		}
		if err := t.Terminate(caller); err != nil {
			vlog.VI(1).Infof("terminate %v: %v", t, err)
		}
	}
}

// TraceRoots hands the collector every live thread's strongly-held values.
// Collection runs at a safepoint, so the per-thread locks taken during the
// descent are uncontended by the suspended mutators.
func (r *Registry) TraceRoots(visit eval.Visitor) {
	for _, t := range r.Threads() {
		t.Trace(visit)
	}
}
