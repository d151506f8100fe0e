// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package threadlib_test

import (
	"fmt"
	"testing"

	"v.io/x/lib/nsync"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
	"v.io/x/scheme/thread"
	"v.io/x/scheme/threadlib"
)

type testContext struct{}

func (testContext) ContinuableRaise(c eval.Value) (eval.Value, error) {
	if err, ok := c.(error); ok {
		return nil, err
	}
	return nil, condition.NewRaise(c)
}

func newCtx() *threadlib.Ctx {
	return &threadlib.Ctx{Reg: thread.NewRegistry(), Eval: testContext{}}
}

// call invokes a named procedure.
func call(ctx *threadlib.Ctx, name string, args ...eval.Value) (eval.Value, error) {
	p := threadlib.Lookup(name)
	if p == nil {
		return nil, fmt.Errorf("%s: not bound", name)
	}
	return p.Apply(ctx, args)
}

// mustCall invokes a named procedure from the test goroutine and requires
// success.
func mustCall(t *testing.T, ctx *threadlib.Ctx, name string, args ...eval.Value) eval.Value {
	t.Helper()
	v, err := call(ctx, name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

// inThread runs body on an evaluator thread registered with ctx and returns
// the body's outcome.  Bodies report their own failures through returned
// errors, never through t.
func inThread(t *testing.T, ctx *threadlib.Ctx, body eval.Thunk) (eval.Value, error) {
	t.Helper()
	th := thread.New(ctx.Reg, ctx.Eval, body, nil, nil)
	if err := th.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return th.Join(nil, nsync.NoDeadline, nil, false)
}

func TestBindingsComplete(t *testing.T) {
	for _, name := range []string{
		"current-thread", "thread?", "make-thread", "thread-name", "thread-tag",
		"thread-start!", "thread-yield!", "thread-sleep!", "thread-terminate!",
		"thread-join!",
		"mutex?", "make-mutex", "mutex-name", "mutex-tag", "mutex-state",
		"mutex-lock!", "mutex-unlock!",
		"condition-variable?", "make-condition-variable",
		"condition-variable-name", "condition-variable-tag",
		"condition-variable-signal!", "condition-variable-broadcast!",
		"join-timeout-exception?", "abandoned-mutex-exception?",
		"terminated-thread-exception?", "uncaught-exception?",
		"uncaught-exception-reason",
		"future?", "make-future", "make-evaluated-future", "make-failing-future",
		"future-get", "future-done?", "touch",
	} {
		if threadlib.Lookup(name) == nil {
			t.Errorf("%s: not bound", name)
		}
	}
}

func TestArity(t *testing.T) {
	ctx := newCtx()
	if _, err := call(ctx, "thread-join!"); err == nil {
		t.Errorf("thread-join! with no arguments did not fail")
	}
	if _, err := call(ctx, "make-mutex", 1, 2, 3); err == nil {
		t.Errorf("make-mutex with three arguments did not fail")
	}
	if _, err := call(ctx, "thread?", 1, 2); err == nil {
		t.Errorf("thread? with two arguments did not fail")
	}
}

func TestTypeChecks(t *testing.T) {
	ctx := newCtx()
	if _, err := call(ctx, "thread-start!", 42); err == nil {
		t.Errorf("thread-start! on a non-thread did not fail")
	}
	if _, err := call(ctx, "mutex-state", eval.Symbol("m")); err == nil {
		t.Errorf("mutex-state on a non-mutex did not fail")
	}
	if _, err := call(ctx, "make-thread", eval.Symbol("not-a-thunk")); err == nil {
		t.Errorf("make-thread on a non-thunk did not fail")
	}
	// Run on an evaluator thread so the failure comes from the argument
	// check, not from the missing current thread.
	if _, err := inThread(t, ctx, func() (eval.Value, error) {
		return call(ctx, "thread-sleep!", eval.Symbol("soon"))
	}); err == nil {
		t.Errorf("thread-sleep! on a non-number did not fail")
	}
}

func TestInvalidContext(t *testing.T) {
	ctx := newCtx()
	m := mustCall(t, ctx, "make-mutex")
	if _, err := call(ctx, "mutex-lock!", m); !condition.Is(err, condition.MutexUseInInvalidContext) {
		t.Errorf("mutex-lock! outside evaluator thread: got %v", err)
	}
	if _, err := call(ctx, "thread-sleep!", 0.001); !condition.Is(err, condition.MutexUseInInvalidContext) {
		t.Errorf("thread-sleep! outside evaluator thread: got %v", err)
	}
	th := mustCall(t, ctx, "make-thread", eval.Thunk(func() (eval.Value, error) { return nil, nil }))
	if _, err := call(ctx, "thread-join!", th); !condition.Is(err, condition.ThreadJoinInInvalidContext) {
		t.Errorf("thread-join! outside evaluator thread: got %v", err)
	}
	if got := mustCall(t, ctx, "current-thread"); got != false {
		t.Errorf("current-thread outside evaluator thread: %v", got)
	}
}

// TestBasicJoin is the (thread-join! (thread-start! (make-thread thunk)))
// round trip.
func TestBasicJoin(t *testing.T) {
	ctx := newCtx()
	got, err := inThread(t, ctx, func() (eval.Value, error) {
		th, err := call(ctx, "make-thread",
			eval.Thunk(func() (eval.Value, error) { return 1 + 2, nil }))
		if err != nil {
			return nil, err
		}
		if th, err = call(ctx, "thread-start!", th); err != nil {
			return nil, err
		}
		return call(ctx, "thread-join!", th)
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if got != 3 {
		t.Errorf("got %v, want 3", got)
	}
}

// TestUncaughtException joins a thread whose thunk raised, and inspects the
// condition through the predicates.
func TestUncaughtException(t *testing.T) {
	ctx := newCtx()
	caught, err := inThread(t, ctx, func() (eval.Value, error) {
		th, err := call(ctx, "make-thread", eval.Thunk(func() (eval.Value, error) {
			return nil, condition.NewRaise(eval.Symbol("boom"))
		}))
		if err != nil {
			return nil, err
		}
		if th, err = call(ctx, "thread-start!", th); err != nil {
			return nil, err
		}
		_, jerr := call(ctx, "thread-join!", th)
		return eval.Value(jerr), nil // smuggle the condition out as a value
	})
	if err != nil {
		t.Fatalf("inThread: %v", err)
	}
	if got := mustCall(t, ctx, "uncaught-exception?", caught); got != true {
		t.Fatalf("uncaught-exception? = %v on %v", got, caught)
	}
	if got := mustCall(t, ctx, "uncaught-exception-reason", caught); got != eval.Symbol("boom") {
		t.Errorf("reason %v, want boom", got)
	}
	if _, err := call(ctx, "uncaught-exception-reason", 42); !condition.Is(err, condition.ExpectedUncaughtException) {
		t.Errorf("reason of 42: got %v", err)
	}
}

func TestMutexStateSymbols(t *testing.T) {
	ctx := newCtx()
	m := mustCall(t, ctx, "make-mutex", eval.Symbol("m"))
	if got := mustCall(t, ctx, "mutex-state", m); got != eval.Symbol("not-abandoned") {
		t.Fatalf("fresh mutex state %v", got)
	}
	if got := mustCall(t, ctx, "mutex-name", m); got != eval.Symbol("m") {
		t.Errorf("mutex-name %v", got)
	}

	// Locked with an explicit #f owner: not-owned.
	if _, err := inThread(t, ctx, func() (eval.Value, error) {
		if _, err := call(ctx, "mutex-lock!", m, false, false); err != nil {
			return nil, err
		}
		state, err := call(ctx, "mutex-state", m)
		if err != nil {
			return nil, err
		}
		if state != eval.Symbol("not-owned") {
			return nil, fmt.Errorf("detached lock state %v", state)
		}
		return call(ctx, "mutex-unlock!", m)
	}); err != nil {
		t.Fatalf("inThread: %v", err)
	}

	// Locked normally: the state is the owning thread.
	if _, err := inThread(t, ctx, func() (eval.Value, error) {
		if _, err := call(ctx, "mutex-lock!", m); err != nil {
			return nil, err
		}
		state, err := call(ctx, "mutex-state", m)
		if err != nil {
			return nil, err
		}
		if state != eval.Value(ctx.Reg.Current()) {
			return nil, fmt.Errorf("owned state %v, want the owner", state)
		}
		return call(ctx, "mutex-unlock!", m)
	}); err != nil {
		t.Fatalf("inThread: %v", err)
	}
}

// TestAbandonedMutex is the S4 scenario through the procedure table.
func TestAbandonedMutex(t *testing.T) {
	ctx := newCtx()
	m := mustCall(t, ctx, "make-mutex")
	if _, err := inThread(t, ctx, func() (eval.Value, error) {
		th, err := call(ctx, "make-thread", eval.Thunk(func() (eval.Value, error) {
			return call(ctx, "mutex-lock!", m) // dies holding m
		}))
		if err != nil {
			return nil, err
		}
		if th, err = call(ctx, "thread-start!", th); err != nil {
			return nil, err
		}
		return call(ctx, "thread-join!", th)
	}); err != nil {
		t.Fatalf("inThread: %v", err)
	}
	if got := mustCall(t, ctx, "mutex-state", m); got != eval.Symbol("abandoned") {
		t.Fatalf("state %v, want abandoned", got)
	}

	// The next lock acquires, raising the hazard exactly once.
	relock, err := inThread(t, ctx, func() (eval.Value, error) {
		_, lerr := call(ctx, "mutex-lock!", m)
		return eval.Value(lerr), nil
	})
	if err != nil {
		t.Fatalf("inThread: %v", err)
	}
	lerr, ok := relock.(error)
	if !ok || !condition.Is(lerr, condition.AbandonedMutex) {
		t.Fatalf("relock: got %v, want abandoned mutex", relock)
	}
	if got := mustCall(t, ctx, "abandoned-mutex-exception?", relock); got != true {
		t.Errorf("abandoned-mutex-exception? = %v", got)
	}
}

func TestPredicates(t *testing.T) {
	ctx := newCtx()
	m := mustCall(t, ctx, "make-mutex")
	cv := mustCall(t, ctx, "make-condition-variable")
	f := mustCall(t, ctx, "make-evaluated-future", 1)
	th := mustCall(t, ctx, "make-thread", eval.Thunk(func() (eval.Value, error) { return nil, nil }))

	for _, tc := range []struct {
		pred string
		v    eval.Value
		want bool
	}{
		{"mutex?", m, true},
		{"mutex?", cv, false},
		{"condition-variable?", cv, true},
		{"condition-variable?", m, false},
		{"future?", f, true},
		{"future?", th, false},
		{"thread?", th, true},
		{"thread?", f, false},
	} {
		if got := mustCall(t, ctx, tc.pred, tc.v); got != tc.want {
			t.Errorf("(%s %v) = %v, want %v", tc.pred, tc.v, got, tc.want)
		}
	}
	mustCall(t, ctx, "thread-terminate!", th) // fresh thread, terminated directly
}

func TestFutureProcs(t *testing.T) {
	ctx := newCtx()
	got, err := inThread(t, ctx, func() (eval.Value, error) {
		f, err := call(ctx, "make-future",
			eval.Thunk(func() (eval.Value, error) { return eval.Symbol("ok"), nil }))
		if err != nil {
			return nil, err
		}
		return call(ctx, "touch", f)
	})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got != eval.Symbol("ok") {
		t.Errorf("got %v, want ok", got)
	}

	// Timeout with a default returns the default.
	got, err = inThread(t, ctx, func() (eval.Value, error) {
		f, err := call(ctx, "make-future", eval.Thunk(func() (eval.Value, error) {
			if _, serr := call(ctx, "thread-sleep!", 5); serr != nil {
				return nil, serr
			}
			return eval.Symbol("late"), nil
		}))
		if err != nil {
			return nil, err
		}
		return call(ctx, "future-get", f, 0.01, eval.Symbol("fallback"))
	})
	if err != nil {
		t.Fatalf("future-get: %v", err)
	}
	if got != eval.Symbol("fallback") {
		t.Errorf("got %v, want fallback", got)
	}
	ctx.Reg.TerminateAll(nil) // reap the sleeping producer
}

func TestFutureSetTwice(t *testing.T) {
	ctx := newCtx()
	f := mustCall(t, ctx, "_make-future")
	mustCall(t, ctx, "_future-set!", f, 1, false)
	_, err := call(ctx, "_future-set!", f, 2, false)
	if !condition.Is(err, condition.SettingFutureValueTwice) {
		t.Fatalf("second set: got %v, want setting future value twice", err)
	}
	if _, err := call(ctx, "future-done?", f); !condition.Is(err, condition.MutexUseInInvalidContext) {
		t.Errorf("future-done? outside evaluator thread: got %v", err)
	}
}

func TestFailingFutureReraises(t *testing.T) {
	ctx := newCtx()
	smuggled, err := inThread(t, ctx, func() (eval.Value, error) {
		f, err := call(ctx, "make-failing-future", eval.Symbol("boom"))
		if err != nil {
			return nil, err
		}
		_, gerr := call(ctx, "future-get", f)
		return eval.Value(gerr), nil
	})
	if err != nil {
		t.Fatalf("inThread: %v", err)
	}
	gerr, ok := smuggled.(error)
	if !ok || !condition.Is(gerr, condition.Raise) {
		t.Fatalf("future-get: got %v, want raised condition", smuggled)
	}
	if reason := gerr.(*condition.Error).Reason; reason != eval.Symbol("boom") {
		t.Errorf("reason %v, want boom", reason)
	}
}
