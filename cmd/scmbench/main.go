// Copyright 2026 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command scmbench drives the Scheme concurrency core under contention and
// reports latency breakdowns.  It is a development tool for the runtime, not
// the host front-end: it builds threads, mutexes, condition variables and
// futures directly against the core packages.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"v.io/x/lib/cmd/pflagvar"
	"v.io/x/lib/cmdline"
	"v.io/x/lib/nsync"
	"v.io/x/lib/timing"
	"v.io/x/lib/vlog"

	"v.io/x/scheme/condition"
	"v.io/x/scheme/eval"
	"v.io/x/scheme/future"
	"v.io/x/scheme/lock"
	"v.io/x/scheme/thread"
)

// benchContext is the evaluator stand-in: raises escape.
type benchContext struct{}

func (benchContext) ContinuableRaise(c eval.Value) (eval.Value, error) {
	if err, ok := c.(error); ok {
		return nil, err
	}
	return nil, condition.NewRaise(c)
}

var pingpongFlags struct {
	Rounds int `flag:"rounds,100000,ping-pong round trips between the two threads"`
}

var futuresFlags struct {
	Futures int `flag:"futures,64,futures to spawn"`
	Work    int `flag:"work-ms,1,per-future sleep time in milliseconds"`
}

// parseFlags registers spec's tagged fields on a fresh pflag set and parses
// args into them.
func parseFlags(spec interface{}, args []string) error {
	fs := &pflag.FlagSet{}
	if err := pflagvar.RegisterFlagsInStruct(fs, "flag", spec, nil, nil); err != nil {
		return err
	}
	return fs.Parse(args)
}

var cmdPingPong = &cmdline.Command{
	Name:     "ping-pong",
	Short:    "Bounce a counter between two threads through a mutex/condvar pair",
	Long:     "Two evaluator threads alternate incrementing a shared counter, each waiting for the other through a Scheme mutex and condition variable.",
	ArgsName: "[flags]",
	Runner:   cmdline.RunnerFunc(runPingPong),
}

func runPingPong(env *cmdline.Env, args []string) error {
	if err := parseFlags(&pingpongFlags, args); err != nil {
		return err
	}
	rounds := pingpongFlags.Rounds
	timer := timing.NewFullTimer("ping-pong")

	reg := thread.NewRegistry()
	m := lock.NewMutex(eval.Symbol("ping-pong"), nil)
	cv := lock.NewCondVar(nil, nil)
	i := 0

	player := func(parity int) eval.Thunk {
		return func() (eval.Value, error) {
			self := reg.Current()
			if _, err := m.Lock(self, self, nsync.NoDeadline); err != nil {
				return nil, err
			}
			for i < rounds {
				for i&1 == parity && i < rounds {
					if _, err := m.Unlock(self, cv, nsync.NoDeadline); err != nil {
						return nil, err
					}
				}
				if i < rounds {
					i++
					cv.Broadcast()
				}
			}
			cv.Broadcast()
			if _, err := m.Unlock(self, nil, time.Time{}); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	timer.Push("run")
	start := time.Now()
	t0 := thread.New(reg, benchContext{}, player(0), eval.Symbol("even"), nil)
	t1 := thread.New(reg, benchContext{}, player(1), eval.Symbol("odd"), nil)
	for _, th := range []*thread.Thread{t0, t1} {
		if err := th.Start(); err != nil {
			return err
		}
	}
	for _, th := range []*thread.Thread{t0, t1} {
		if _, err := th.Join(nil, nsync.NoDeadline, nil, false); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	timer.Pop()
	timer.Finish()

	fmt.Fprintf(env.Stdout, "%d round trips in %v (%.0f/s)\n",
		rounds, elapsed, float64(rounds)/elapsed.Seconds())
	vlog.VI(1).Infof("timing:\n%v", timer)
	return nil
}

var cmdFutures = &cmdline.Command{
	Name:     "futures",
	Short:    "Fan a workload out over futures and fan the results back in",
	Long:     "Spawns a batch of futures, each computing on its own thread, and touches them all from a single consumer.",
	ArgsName: "[flags]",
	Runner:   cmdline.RunnerFunc(runFutures),
}

func runFutures(env *cmdline.Env, args []string) error {
	if err := parseFlags(&futuresFlags, args); err != nil {
		return err
	}
	n := futuresFlags.Futures
	work := time.Duration(futuresFlags.Work) * time.Millisecond
	timer := timing.NewFullTimer("futures")

	reg := thread.NewRegistry()
	timer.Push("spawn")
	futures := make([]*future.Future, n)
	for i := range futures {
		i := i
		f, _, err := future.Spawn(reg, benchContext{}, func() (eval.Value, error) {
			self := reg.Current()
			if err := self.Sleep(work); err != nil {
				return nil, err
			}
			return i * i, nil
		})
		if err != nil {
			return err
		}
		futures[i] = f
	}
	timer.Pop()

	timer.Push("fan-in")
	start := time.Now()
	sum := 0
	for _, f := range futures {
		v, err := f.Touch(nil)
		if err != nil {
			return err
		}
		sum += v.(int)
	}
	elapsed := time.Since(start)
	timer.Pop()
	timer.Finish()

	fmt.Fprintf(env.Stdout, "%d futures, sum %d, fan-in %v\n", n, sum, elapsed)
	vlog.VI(1).Infof("timing:\n%v", timer)
	return nil
}

func main() {
	root := &cmdline.Command{
		Name:     "scmbench",
		Short:    "Benchmark the Scheme runtime concurrency core",
		Long:     "Command scmbench exercises the concurrency core: threads, mutexes, condition variables and futures.",
		Children: []*cmdline.Command{cmdPingPong, cmdFutures},
	}
	cmdline.Main(root)
}
