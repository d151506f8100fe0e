// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lock

import (
	"time"

	"v.io/x/lib/nsync"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
)

// CondVar is a Scheme condition variable.  Signals are lost when no waiter
// is parked; there is no semaphore behaviour to rely on.  A CondVar is bound
// to a Mutex only transiently, for the duration of an unlock-and-wait.
type CondVar struct {
	mu nsync.Mu
	cv nsync.CV

	name eval.Value
	tag  eval.Value

	waiters int    // threads parked in unlockAndWait
	wakeups int    // signals delivered but not yet consumed
	gen     uint64 // bumped by Broadcast; releases every current waiter
}

// NewCondVar creates a condition variable with no waiters.  name and tag are
// arbitrary Scheme values; either may be nil.
func NewCondVar(name, tag eval.Value) *CondVar {
	return &CondVar{name: name, tag: tag}
}

func (c *CondVar) Name() eval.Value { return c.name }
func (c *CondVar) Tag() eval.Value  { return c.tag }

// Signal wakes at most one parked waiter.  A signal with nobody parked is
// lost.
func (c *CondVar) Signal() {
	c.mu.Lock()
	if c.wakeups < c.waiters {
		c.wakeups++
		c.cv.Signal()
	}
	c.mu.Unlock()
}

// Broadcast wakes every parked waiter.
func (c *CondVar) Broadcast() {
	c.mu.Lock()
	if c.waiters > 0 {
		c.gen++
		c.cv.Broadcast()
	}
	c.mu.Unlock()
}

// unlockAndWait is the parking half of Mutex.Unlock with a condvar.  The
// waiter is registered under c.mu before m is released, so a signal
// delivered at any point after the release finds it parked: no wakeup can be
// lost between the release and the park.  Returns whether the waiter was
// woken by a signal or broadcast (false: the deadline expired), or a
// thread-terminated condition if the park was cancelled by an abort.
func (c *CondVar) unlockAndWait(m *Mutex, deadline time.Time, cancel <-chan struct{}) (bool, error) {
	c.mu.Lock()
	c.waiters++
	start := c.gen
	m.release()

	signalled := false
	var err error
	for {
		if c.wakeups > 0 {
			c.wakeups--
			signalled = true
			break
		}
		if c.gen != start {
			signalled = true
			break
		}
		outcome := c.cv.WaitWithDeadline(&c.mu, deadline, cancel)
		if outcome == nsync.Cancelled {
			err = condition.New(condition.ThreadTerminated, "aborted while parked")
			break
		}
		if outcome == nsync.Expired {
			// A wakeup that raced the expiry still counts.
			if c.wakeups > 0 {
				c.wakeups--
				signalled = true
			} else if c.gen != start {
				signalled = true
			}
			break
		}
	}
	c.waiters--
	if c.wakeups > c.waiters {
		// Never strand a token on a consumer that gave up.
		c.wakeups = c.waiters
	}
	c.mu.Unlock()
	return signalled, err
}

// Trace presents the condition variable's strongly-held values.
func (c *CondVar) Trace(visit eval.Visitor) {
	if c.name != nil {
		visit(c.name)
	}
	if c.tag != nil {
		visit(c.tag)
	}
}
