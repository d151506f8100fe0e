// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threadlib binds the concurrency core to the evaluator as a table
// of named procedures: SRFI-18-style threads, mutexes and condition
// variables, the exception predicates, and futures.
//
// Scheme booleans are Go bools, timeouts are non-negative real seconds or #f
// for "wait forever", and a timeout of zero polls.  Procedures that require
// a current thread raise mutex-use-in-invalid-context when the calling OS
// thread is not a registered evaluator thread; thread-join! raises
// thread-join-in-invalid-context instead.
package threadlib

import (
	"fmt"
	"time"

	"v.io/x/lib/nsync"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
	"v.io/x/scheme/future"
	"v.io/x/scheme/lock"
	"v.io/x/scheme/thread"
)

// Ctx carries what a primitive call needs from its evaluator: the thread
// registry and the continuable-raise hook.
type Ctx struct {
	Reg  *thread.Registry
	Eval eval.Context
}

// A Proc is one Scheme-visible procedure.  MaxArgs of -1 means variadic.
type Proc struct {
	Name    string
	MinArgs int
	MaxArgs int
	fn      func(ctx *Ctx, args []eval.Value) (eval.Value, error)
}

// Apply checks arity and invokes the procedure.
func (p *Proc) Apply(ctx *Ctx, args []eval.Value) (eval.Value, error) {
	if len(args) < p.MinArgs || (p.MaxArgs >= 0 && len(args) > p.MaxArgs) {
		return nil, fmt.Errorf("%s: expected %s arguments, got %d",
			p.Name, arityString(p.MinArgs, p.MaxArgs), len(args))
	}
	return p.fn(ctx, args)
}

func arityString(min, max int) string {
	switch {
	case max < 0:
		return fmt.Sprintf("at least %d", min)
	case min == max:
		return fmt.Sprintf("%d", min)
	}
	return fmt.Sprintf("%d to %d", min, max)
}

var procs []*Proc
var procsByName = make(map[string]*Proc)

func register(name string, min, max int, fn func(*Ctx, []eval.Value) (eval.Value, error)) {
	p := &Proc{Name: name, MinArgs: min, MaxArgs: max, fn: fn}
	procs = append(procs, p)
	procsByName[name] = p
}

// Procedures returns the full binding table, in registration order.
func Procedures() []*Proc {
	return procs
}

// Lookup returns the procedure bound to name, or nil.
func Lookup(name string) *Proc {
	return procsByName[name]
}

// ----------------------------------------
// Argument accessors.

func argThread(name string, v eval.Value) (*thread.Thread, error) {
	t, ok := v.(*thread.Thread)
	if !ok {
		return nil, fmt.Errorf("%s: not a thread: %v", name, v)
	}
	return t, nil
}

func argMutex(name string, v eval.Value) (*lock.Mutex, error) {
	m, ok := v.(*lock.Mutex)
	if !ok {
		return nil, fmt.Errorf("%s: not a mutex: %v", name, v)
	}
	return m, nil
}

func argCondVar(name string, v eval.Value) (*lock.CondVar, error) {
	c, ok := v.(*lock.CondVar)
	if !ok {
		return nil, fmt.Errorf("%s: not a condition variable: %v", name, v)
	}
	return c, nil
}

func argFuture(name string, v eval.Value) (*future.Future, error) {
	f, ok := v.(*future.Future)
	if !ok {
		return nil, fmt.Errorf("%s: not a future: %v", name, v)
	}
	return f, nil
}

func argThunk(name string, v eval.Value) (eval.Thunk, error) {
	th, ok := v.(eval.Thunk)
	if !ok {
		return nil, fmt.Errorf("%s: not a thunk: %v", name, v)
	}
	return th, nil
}

// seconds converts a Scheme real to a duration.
func seconds(name string, v eval.Value) (time.Duration, error) {
	var s float64
	switch n := v.(type) {
	case int:
		s = float64(n)
	case int64:
		s = float64(n)
	case float64:
		s = n
	default:
		return 0, fmt.Errorf("%s: not a real number: %v", name, v)
	}
	if s < 0 {
		return 0, fmt.Errorf("%s: negative timeout: %v", name, v)
	}
	return time.Duration(s * float64(time.Second)), nil
}

// deadlineArg maps an optional timeout argument to an absolute deadline:
// missing or #f waits forever, zero polls.
func deadlineArg(name string, args []eval.Value, index int) (time.Time, error) {
	if index >= len(args) {
		return nsync.NoDeadline, nil
	}
	if b, ok := args[index].(bool); ok && !b {
		return nsync.NoDeadline, nil
	}
	d, err := seconds(name, args[index])
	if err != nil {
		return time.Time{}, err
	}
	return time.Now().Add(d), nil
}

// current returns the calling evaluator thread, raising
// mutex-use-in-invalid-context (or the given kind) when there is none.
func current(ctx *Ctx, name string, kind condition.Kind) (*thread.Thread, error) {
	if t := ctx.Reg.Current(); t != nil {
		return t, nil
	}
	return nil, condition.Newf(kind, "%s", name)
}

func optArg(args []eval.Value, index int) eval.Value {
	if index < len(args) {
		return args[index]
	}
	return nil
}

// ----------------------------------------
// Threads.

func init() {
	register("current-thread", 0, 0, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		if t := ctx.Reg.Current(); t != nil {
			return t, nil
		}
		return false, nil
	})
	register("thread?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		_, ok := args[0].(*thread.Thread)
		return ok, nil
	})
	register("make-thread", 1, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		thunk, err := argThunk("make-thread", args[0])
		if err != nil {
			return nil, err
		}
		return thread.New(ctx.Reg, ctx.Eval, thunk, optArg(args, 1), optArg(args, 2)), nil
	})
	register("thread-name", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		t, err := argThread("thread-name", args[0])
		if err != nil {
			return nil, err
		}
		if t.Name() == nil {
			return false, nil
		}
		return t.Name(), nil
	})
	register("thread-tag", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		t, err := argThread("thread-tag", args[0])
		if err != nil {
			return nil, err
		}
		if t.Tag() == nil {
			return false, nil
		}
		return t.Tag(), nil
	})
	register("thread-start!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		t, err := argThread("thread-start!", args[0])
		if err != nil {
			return nil, err
		}
		if err := t.Start(); err != nil {
			return nil, err
		}
		return t, nil
	})
	register("thread-yield!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		// The thread argument is accepted and ignored, as API headroom.
		t, err := argThread("thread-yield!", args[0])
		if err != nil {
			return nil, err
		}
		t.Yield()
		return eval.Unspecified, nil
	})
	register("thread-sleep!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "thread-sleep!", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		d, err := seconds("thread-sleep!", args[0])
		if err != nil {
			return nil, err
		}
		if err := cur.Sleep(d); err != nil {
			return nil, err
		}
		return eval.Unspecified, nil
	})
	register("thread-terminate!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		t, err := argThread("thread-terminate!", args[0])
		if err != nil {
			return nil, err
		}
		if err := t.Terminate(ctx.Reg.Current()); err != nil {
			return nil, err
		}
		return eval.Unspecified, nil
	})
	register("thread-join!", 1, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "thread-join!", condition.ThreadJoinInInvalidContext)
		if err != nil {
			return nil, err
		}
		t, err := argThread("thread-join!", args[0])
		if err != nil {
			return nil, err
		}
		deadline, err := deadlineArg("thread-join!", args, 1)
		if err != nil {
			return nil, err
		}
		return t.Join(cur, deadline, optArg(args, 2), len(args) > 2)
	})
}

// ----------------------------------------
// Mutexes.

func init() {
	register("mutex?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		_, ok := args[0].(*lock.Mutex)
		return ok, nil
	})
	register("make-mutex", 0, 2, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return lock.NewMutex(optArg(args, 0), optArg(args, 1)), nil
	})
	register("mutex-name", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		m, err := argMutex("mutex-name", args[0])
		if err != nil {
			return nil, err
		}
		if m.Name() == nil {
			return false, nil
		}
		return m.Name(), nil
	})
	register("mutex-tag", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		m, err := argMutex("mutex-tag", args[0])
		if err != nil {
			return nil, err
		}
		if m.Tag() == nil {
			return false, nil
		}
		return m.Tag(), nil
	})
	register("mutex-state", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		m, err := argMutex("mutex-state", args[0])
		if err != nil {
			return nil, err
		}
		state, owner := m.State()
		if state == lock.Owned {
			return owner, nil
		}
		return eval.Symbol(state.String()), nil
	})
	register("mutex-lock!", 1, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "mutex-lock!", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		m, err := argMutex("mutex-lock!", args[0])
		if err != nil {
			return nil, err
		}
		deadline, err := deadlineArg("mutex-lock!", args, 1)
		if err != nil {
			return nil, err
		}
		owner := cur
		if len(args) > 2 {
			if b, ok := args[2].(bool); ok && !b {
				owner = nil
			} else if owner, err = argThread("mutex-lock!", args[2]); err != nil {
				return nil, err
			}
		}
		acquired, err := m.Lock(cur, owner, deadline)
		if err != nil {
			return nil, err
		}
		return acquired, nil
	})
	register("mutex-unlock!", 1, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "mutex-unlock!", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		m, err := argMutex("mutex-unlock!", args[0])
		if err != nil {
			return nil, err
		}
		var cv *lock.CondVar
		if len(args) > 1 {
			if cv, err = argCondVar("mutex-unlock!", args[1]); err != nil {
				return nil, err
			}
		}
		deadline, err := deadlineArg("mutex-unlock!", args, 2)
		if err != nil {
			return nil, err
		}
		signalled, err := m.Unlock(cur, cv, deadline)
		if err != nil {
			return nil, err
		}
		return signalled, nil
	})
}

// ----------------------------------------
// Condition variables.

func init() {
	register("condition-variable?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		_, ok := args[0].(*lock.CondVar)
		return ok, nil
	})
	register("make-condition-variable", 0, 2, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return lock.NewCondVar(optArg(args, 0), optArg(args, 1)), nil
	})
	register("condition-variable-name", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		c, err := argCondVar("condition-variable-name", args[0])
		if err != nil {
			return nil, err
		}
		if c.Name() == nil {
			return false, nil
		}
		return c.Name(), nil
	})
	register("condition-variable-tag", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		c, err := argCondVar("condition-variable-tag", args[0])
		if err != nil {
			return nil, err
		}
		if c.Tag() == nil {
			return false, nil
		}
		return c.Tag(), nil
	})
	register("condition-variable-signal!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		c, err := argCondVar("condition-variable-signal!", args[0])
		if err != nil {
			return nil, err
		}
		c.Signal()
		return eval.Unspecified, nil
	})
	register("condition-variable-broadcast!", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		c, err := argCondVar("condition-variable-broadcast!", args[0])
		if err != nil {
			return nil, err
		}
		c.Broadcast()
		return eval.Unspecified, nil
	})
}

// ----------------------------------------
// Exception predicates.

func isKind(v eval.Value, k condition.Kind) bool {
	ce, ok := v.(*condition.Error)
	return ok && ce.Kind == k
}

func init() {
	register("join-timeout-exception?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return isKind(args[0], condition.JoinTimeout), nil
	})
	register("abandoned-mutex-exception?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return isKind(args[0], condition.AbandonedMutex), nil
	})
	register("terminated-thread-exception?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return isKind(args[0], condition.ThreadTerminated), nil
	})
	register("uncaught-exception?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return isKind(args[0], condition.UncaughtException), nil
	})
	register("uncaught-exception-reason", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return condition.Reason(args[0])
	})
}

// ----------------------------------------
// Futures.

func init() {
	register("future?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		_, ok := args[0].(*future.Future)
		return ok, nil
	})
	register("make-future", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		if _, err := current(ctx, "make-future", condition.MutexUseInInvalidContext); err != nil {
			return nil, err
		}
		thunk, err := argThunk("make-future", args[0])
		if err != nil {
			return nil, err
		}
		f, _, err := future.Spawn(ctx.Reg, ctx.Eval, thunk)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
	register("make-evaluated-future", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return future.NewResolved(args[0]), nil
	})
	register("make-failing-future", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return future.NewFailed(args[0]), nil
	})
	register("future-get", 1, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "future-get", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		f, err := argFuture("future-get", args[0])
		if err != nil {
			return nil, err
		}
		deadline, err := deadlineArg("future-get", args, 1)
		if err != nil {
			return nil, err
		}
		return f.GetResult(cur, deadline, optArg(args, 2), len(args) > 2)
	})
	register("future-done?", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "future-done?", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		f, err := argFuture("future-done?", args[0])
		if err != nil {
			return nil, err
		}
		done, err := f.Done(cur)
		if err != nil {
			return nil, err
		}
		return done, nil
	})
	register("touch", 1, 1, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		cur, err := current(ctx, "touch", condition.MutexUseInInvalidContext)
		if err != nil {
			return nil, err
		}
		f, err := argFuture("touch", args[0])
		if err != nil {
			return nil, err
		}
		return f.Touch(cur)
	})

	// Internal constructors the future library forms expand into.
	register("_make-future", 0, 0, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		return future.New(), nil
	})
	register("_future-set!", 3, 3, func(ctx *Ctx, args []eval.Value) (eval.Value, error) {
		f, err := argFuture("_future-set!", args[0])
		if err != nil {
			return nil, err
		}
		isError, _ := args[2].(bool)
		ok, err := f.Set(ctx.Reg.Current(), args[1], isError)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, condition.New(condition.SettingFutureValueTwice, "")
		}
		return eval.Unspecified, nil
	})
}
