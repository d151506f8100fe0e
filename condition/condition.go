// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package condition defines the error taxonomy of the concurrency core.
//
// Every error the core produces is a *Error with a Kind drawn from the table
// below; raised Scheme conditions travel through Go code as a *Error of kind
// Raise carrying the raised datum.  Callers dispatch on kinds with Is, which
// matches a *Error directly and does not unwrap wrapped errors.
package condition

import (
	"fmt"

	"v.io/x/scheme/eval"
)

// Kind enumerates the conditions the core can signal.
type Kind int

const (
	// Raise carries a datum raised by Scheme code, unhandled so far.
	Raise Kind = iota
	// JoinTimeout: thread-join! timed out with no default.
	JoinTimeout
	// AbandonedMutex: a mutex was acquired whose previous owner
	// terminated while holding it.
	AbandonedMutex
	// ThreadTerminated: observed by a thread at a suspension point after
	// abort, and by joiners of a terminated thread.
	ThreadTerminated
	// UncaughtException: a thread's thunk raised a condition that was not
	// handled; surfaced, wrapped, at join.
	UncaughtException
	// SettingFutureValueTwice: a future would be assigned a second time.
	SettingFutureValueTwice
	// MutexUseInInvalidContext: a thread or mutex operation was invoked on
	// an OS thread with no registered evaluator thread.
	MutexUseInInvalidContext
	// ThreadJoinInInvalidContext: join invoked outside an evaluator thread.
	ThreadJoinInInvalidContext
	// ExpectedUncaughtException: uncaught-exception-reason applied to a
	// non-matching condition.
	ExpectedUncaughtException
	// ThreadAlreadyStarted: thread-start! on a runnable or running thread.
	ThreadAlreadyStarted
	// ThreadAlreadyTerminated: thread-start! on a terminated thread.
	ThreadAlreadyTerminated
	// FutureTimeout: future-get timed out with no default.
	FutureTimeout
)

var kindNames = map[Kind]string{
	Raise:                      "raised condition",
	JoinTimeout:                "join timed out",
	AbandonedMutex:             "abandoned mutex",
	ThreadTerminated:           "thread terminated",
	UncaughtException:          "uncaught exception",
	SettingFutureValueTwice:    "setting future value twice",
	MutexUseInInvalidContext:   "mutex use in invalid context",
	ThreadJoinInInvalidContext: "thread join in invalid context",
	ExpectedUncaughtException:  "expected uncaught exception",
	ThreadAlreadyStarted:       "thread already started",
	ThreadAlreadyTerminated:    "thread already terminated",
	FutureTimeout:              "future timed out",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("condition kind %d", int(k))
}

// Error is the one error type the core produces.  Reason holds the Scheme
// payload where there is one: the raised datum for Raise, the wrapped
// condition for UncaughtException, nil otherwise.
type Error struct {
	Kind   Kind
	Reason eval.Value
	detail string
}

func (e *Error) Error() string {
	switch {
	case e.detail != "" && e.Reason != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.detail, e.Reason)
	case e.detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.detail)
	case e.Reason != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

// New returns a *Error of kind k with a detail message.
func New(k Kind, detail string) *Error {
	return &Error{Kind: k, detail: detail}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, detail: fmt.Sprintf(format, args...)}
}

// NewRaise wraps a datum raised by Scheme code.
func NewRaise(datum eval.Value) *Error {
	return &Error{Kind: Raise, Reason: datum}
}

// WrapUncaught wraps the error a thunk escaped with into an
// uncaught-exception condition.  A raised datum is unwrapped so that Reason
// is the original condition; any other error is carried as the reason
// directly.
func WrapUncaught(err error) *Error {
	if ce, ok := err.(*Error); ok && ce.Kind == Raise {
		return &Error{Kind: UncaughtException, Reason: ce.Reason}
	}
	return &Error{Kind: UncaughtException, Reason: err}
}

// Is reports whether err is a *Error of kind k.
func Is(err error, k Kind) bool {
	ce, ok := err.(*Error)
	return ok && ce.Kind == k
}

// Reason extracts the wrapped condition from an uncaught-exception value,
// which may be either the *Error itself or any value a handler was given.
// Applying it to anything else is itself a condition.
func Reason(v eval.Value) (eval.Value, error) {
	if ce, ok := v.(*Error); ok && ce.Kind == UncaughtException {
		return ce.Reason, nil
	}
	return nil, Newf(ExpectedUncaughtException, "%v", v)
}
