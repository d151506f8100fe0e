// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lock implements the Scheme-visible mutex and condition variable.
//
// A Mutex has four observable states: unlocked/not-abandoned,
// unlocked/abandoned, locked/owned and locked/not-owned.  Ownership is
// advisory, SRFI-18 style: it is tracked for state reporting and
// abandonment, but any thread may unlock any mutex.  A mutex whose owner
// terminates without unlocking becomes abandoned; the next acquirer gets the
// lock and the abandoned-mutex hazard in the same operation.
//
// The owner reference is a weak relation: it is never presented to the
// collector, and it is dropped as soon as abandonment is observed.  The
// strong edge runs the other way, from the owning thread to the lock, so
// that thread termination can abandon every lock it still holds.
package lock

import (
	"fmt"
	"time"

	"v.io/x/lib/nsync"
	"v.io/x/lib/vlog"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
	"v.io/x/scheme/thread"
)

// MutexState is the observable state of a Mutex.
type MutexState int

const (
	// NotAbandoned: unlocked, last unlock was regular.
	NotAbandoned MutexState = iota
	// Abandoned: unlocked because the owner terminated while holding it.
	Abandoned
	// NotOwned: locked with no owning thread (explicit detach).
	NotOwned
	// Owned: locked by a live thread.
	Owned
)

func (s MutexState) String() string {
	switch s {
	case NotAbandoned:
		return "not-abandoned"
	case Abandoned:
		return "abandoned"
	case NotOwned:
		return "not-owned"
	case Owned:
		return "owned"
	}
	return fmt.Sprintf("mutex state %d", int(s))
}

// Mutex is a Scheme mutex.  No re-entrancy: a thread that already holds the
// mutex and locks it again blocks on itself.
type Mutex struct {
	mu nsync.Mu // protects the fields below
	cv nsync.CV // waiters blocked in Lock

	name eval.Value
	tag  eval.Value

	held      bool
	abandoned bool
	owner     *thread.Thread // non-nil iff held with an owner; weak
}

// NewMutex creates an unlocked, not-abandoned mutex.  name and tag are
// arbitrary Scheme values; either may be nil.
func NewMutex(name, tag eval.Value) *Mutex {
	return &Mutex{name: name, tag: tag}
}

func (m *Mutex) Name() eval.Value { return m.name }
func (m *Mutex) Tag() eval.Value  { return m.tag }

// observeAbandonment flips the mutex to abandoned if its owner is seen to
// have terminated without unlocking.  Callers hold m.mu.  The usual path to
// abandonment is the owner's own termination walk (Abandon); this check
// covers locks acquired on behalf of third-party threads that terminated
// before the acquisition was recorded.
func (m *Mutex) observeAbandonment() {
	if m.held && m.owner != nil && m.owner.State() == thread.Terminated {
		vlog.VI(2).Infof("mutex %v: owner %v terminated, abandoning", m.name, m.owner)
		m.held = false
		m.abandoned = true
		m.owner = nil
		m.cv.Broadcast()
	}
}

// State returns the mutex's observable state and, for Owned, the owner.
func (m *Mutex) State() (MutexState, *thread.Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observeAbandonment()
	switch {
	case m.held && m.owner != nil:
		return Owned, m.owner
	case m.held:
		return NotOwned, nil
	case m.abandoned:
		return Abandoned, nil
	}
	return NotAbandoned, nil
}

// Lock acquires the mutex on behalf of owner by deadline.  current is the
// calling thread (nil outside an evaluator thread) and supplies the abort
// cancellation; owner may differ from current, and a nil owner acquires the
// mutex as locked/not-owned.
//
// The first result reports acquisition: false means the deadline expired.
// Acquiring a mutex that was abandoned returns true together with an
// abandoned-mutex condition, so the caller observes the hazard exactly once,
// after the handoff.  Use nsync.NoDeadline to wait forever and a deadline in
// the past to poll.
func (m *Mutex) Lock(current, owner *thread.Thread, deadline time.Time) (bool, error) {
	var cancel <-chan struct{}
	if current != nil {
		cancel = current.AbortChan()
	}
	m.mu.Lock()
	m.observeAbandonment()
	for m.held {
		outcome := m.cv.WaitWithDeadline(&m.mu, deadline, cancel)
		m.observeAbandonment()
		if !m.held {
			break
		}
		switch outcome {
		case nsync.Cancelled:
			m.mu.Unlock()
			return false, condition.Newf(condition.ThreadTerminated, "%v", current)
		case nsync.Expired:
			m.mu.Unlock()
			return false, nil
		}
	}
	wasAbandoned := m.abandoned
	m.held = true
	m.abandoned = false
	m.owner = owner
	recorded := owner == nil || owner.AddOwned(m)
	m.mu.Unlock()

	if !recorded {
		// The owner terminated before the acquisition could be
		// recorded; abandon in place so no waiter is stranded.
		m.Abandon(owner)
		return true, condition.Newf(condition.AbandonedMutex, "mutex %v: owner %v", m.name, owner)
	}
	if wasAbandoned {
		return true, condition.Newf(condition.AbandonedMutex, "mutex %v", m.name)
	}
	return true, nil
}

// Unlock releases the mutex; ownership is not enforced.  With a nil condvar
// it returns true immediately.  With a condvar it atomically releases and
// parks the calling thread until a signal, a broadcast or the deadline, then
// reacquires the mutex before returning; the result is false only when the
// park timed out.  Both the park and the reacquisition are suspension
// points.
func (m *Mutex) Unlock(current *thread.Thread, cv *CondVar, deadline time.Time) (bool, error) {
	if cv == nil {
		m.release()
		return true, nil
	}
	var cancel <-chan struct{}
	if current != nil {
		cancel = current.AbortChan()
	}
	signalled, err := cv.unlockAndWait(m, deadline, cancel)
	if err != nil {
		// Aborted while parked; the mutex stays released and the
		// caller unwinds.
		return false, err
	}
	if _, err := m.Lock(current, current, nsync.NoDeadline); err != nil {
		return signalled, err
	}
	return signalled, nil
}

// release performs the unconditional unlock: drop ownership, wake one
// acquirer.
func (m *Mutex) release() {
	m.mu.Lock()
	owner := m.owner
	m.held = false
	m.owner = nil
	m.cv.Signal()
	m.mu.Unlock()
	if owner != nil {
		owner.RemoveOwned(m)
	}
}

// Abandon implements thread.HeldLock: the owner terminated while holding the
// mutex.  Waiters are woken so they can acquire and observe the hazard.
func (m *Mutex) Abandon(owner *thread.Thread) {
	m.mu.Lock()
	if m.held && m.owner == owner {
		vlog.VI(2).Infof("mutex %v: abandoned by %v", m.name, owner)
		m.held = false
		m.abandoned = true
		m.owner = nil
		m.cv.Broadcast()
	}
	m.mu.Unlock()
}

// Trace presents the mutex's strongly-held values.  The owner is a weak
// relation and is deliberately not presented.
func (m *Mutex) Trace(visit eval.Visitor) {
	if m.name != nil {
		visit(m.name)
	}
	if m.tag != nil {
		visit(m.tag)
	}
}
