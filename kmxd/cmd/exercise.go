// Copyright 2026 The KMX Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/subcommands"
	"kmx.dev/kmx/kmxd/cmd/util"
	"kmx.dev/kmx/kmxd/config"
	"kmx.dev/kmx/kmxd/flag"
	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/kernel"
	"kmx.dev/kmx/pkg/kernel/kmutex"
	"kmx.dev/kmx/pkg/log"
	"kmx.dev/kmx/pkg/syscalls"
)

// Exercise implements subcommands.Command for the "exercise" command.
type Exercise struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Exercise) Name() string {
	return "exercise"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exercise) Synopsis() string {
	return "run a scripted scenario against the mutex registry"
}

// Usage implements subcommands.Command.Usage.
func (*Exercise) Usage() string {
	return `exercise [flags] - boot a kernel, run a scripted mutex scenario and print the registry state
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (ex *Exercise) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&ex.dump, "dump", false, "print a detailed dump of the surviving mutexes at the end")
}

// Execute implements subcommands.Command.Execute.
func (ex *Exercise) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k := bootKernel(conf)

	e := &exerciser{
		k:     k,
		alpha: k.NewTeam("alpha"),
		beta:  k.NewTeam("beta"),
	}
	for _, stage := range []struct {
		name string
		run  func() error
	}{
		{"recursion", e.recursion},
		{"contention", e.contention},
		{"timeouts", e.timeouts},
		{"owner death", e.ownerDeath},
		{"permission", e.permission},
		{"team teardown", e.teamTeardown},
	} {
		if err := stage.run(); err != nil {
			return util.Errorf("stage %q: %v", stage.name, err)
		}
		log.Infof("Stage %q done", stage.name)
	}

	util.Infof("Registry after exercise:")
	k.Mutexes().List(os.Stdout, kmutex.ListFilter{})
	if ex.dump {
		for _, id := range e.survivors {
			if err := k.Mutexes().Dump(os.Stdout, id); err != nil {
				return util.Errorf("dumping mutex %d: %v", id, err)
			}
		}
	}

	e.alpha.Kill()
	k.WaitExited()
	return subcommands.ExitSuccess
}

// An exerciser drives one scripted scenario. Each stage runs threads on the
// alpha and beta teams and fails if the registry misbehaves.
type exerciser struct {
	k     *kernel.Kernel
	alpha *kernel.Team
	beta  *kernel.Team

	// survivors are mutexes deliberately left alive for the final listing.
	survivors []kmutex.ID
}

// call runs fn on a fresh thread of tm and waits for it to return.
func call(tm *kernel.Team, name string, fn func(self *kernel.Thread) error) error {
	done := make(chan error, 1)
	if _, err := tm.Spawn(name, func(self *kernel.Thread) {
		done <- fn(self)
	}); err != nil {
		return err
	}
	return <-done
}

// waitWaiters polls until the mutex reports at least n queued waiters.
func waitWaiters(self *kernel.Thread, id kmutex.ID, n int) error {
	for start := time.Now(); ; {
		info, err := syscalls.MutexGetInfo(self, id)
		if err != nil {
			return err
		}
		if info.Waiters >= n {
			return nil
		}
		if time.Since(start) > 10*time.Second {
			return fmt.Errorf("mutex %d stuck at %d waiters, want %d", id, info.Waiters, n)
		}
		time.Sleep(time.Millisecond)
	}
}

// recursion creates a recursive mutex and acquires it nested. The mutex stays
// alive for the final listing.
func (e *exerciser) recursion() error {
	var id kmutex.ID
	err := call(e.alpha, "recursion", func(self *kernel.Thread) error {
		var err error
		id, err = syscalls.MutexCreate(self, "pipeline", kmutex.Recursive)
		if err != nil {
			return err
		}
		const depth = 3
		for i := 0; i < depth; i++ {
			if err := syscalls.MutexAcquire(self, id, 0, 0); err != nil {
				return fmt.Errorf("acquire at depth %d: %w", i, err)
			}
		}
		info, err := syscalls.MutexGetInfo(self, id)
		if err != nil {
			return err
		}
		util.Infof("pipeline held by thread %d at recursion depth %d", info.Holder, info.Recursion)
		for i := 0; i < depth; i++ {
			if err := syscalls.MutexRelease(self, id); err != nil {
				return fmt.Errorf("release at depth %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.survivors = append(e.survivors, id)
	return nil
}

// contention queues contenders on a held mutex one at a time and checks that
// releasing hands the mutex over in queue order.
func (e *exerciser) contention() error {
	const contenders = 3
	return call(e.alpha, "holder", func(self *kernel.Thread) error {
		id, err := syscalls.MutexCreate(self, "state", 0)
		if err != nil {
			return err
		}
		if err := syscalls.MutexAcquire(self, id, 0, 0); err != nil {
			return err
		}

		var mu sync.Mutex
		var order []kernel.ThreadID
		done := make(chan error, contenders)
		var want []kernel.ThreadID
		for i := 0; i < contenders; i++ {
			t, err := e.alpha.Spawn(fmt.Sprintf("contender-%d", i), func(ct *kernel.Thread) {
				err := syscalls.MutexAcquire(ct, id, 0, 0)
				if err == nil {
					mu.Lock()
					order = append(order, ct.ID())
					mu.Unlock()
					err = syscalls.MutexRelease(ct, id)
				}
				done <- err
			})
			if err != nil {
				return err
			}
			want = append(want, t.ID())
			// The contender must be queued before the next one starts, or
			// the expected handoff order is not fixed.
			if err := waitWaiters(self, id, i+1); err != nil {
				return err
			}
		}

		if err := syscalls.MutexRelease(self, id); err != nil {
			return err
		}
		for i := 0; i < contenders; i++ {
			if err := <-done; err != nil {
				return err
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if len(order) != len(want) {
			return fmt.Errorf("%d contenders finished, want %d", len(order), len(want))
		}
		for i := range want {
			if order[i] != want[i] {
				return fmt.Errorf("handoff order %v, want %v", order, want)
			}
		}
		util.Infof("state handed off in queue order to threads %v", order)
		return syscalls.MutexDelete(self, id)
	})
}

// timeouts checks the try-acquire and timed acquire forms against a mutex
// that stays held.
func (e *exerciser) timeouts() error {
	return call(e.alpha, "slowpoke", func(self *kernel.Thread) error {
		id, err := syscalls.MutexCreate(self, "slow", 0)
		if err != nil {
			return err
		}
		if err := syscalls.MutexAcquire(self, id, 0, 0); err != nil {
			return err
		}

		if err := call(e.alpha, "impatient", func(it *kernel.Thread) error {
			if err := syscalls.MutexAcquire(it, id, kmutex.TimeoutRelative, 0); err != kernelerr.EWOULDBLOCK {
				return fmt.Errorf("try-acquire of held mutex: %v, want EWOULDBLOCK", err)
			}
			start := time.Now()
			if err := syscalls.MutexAcquire(it, id, kmutex.TimeoutRelative, 20*time.Millisecond); err != kernelerr.ETIMEDOUT {
				return fmt.Errorf("timed acquire of held mutex: %v, want ETIMEDOUT", err)
			}
			util.Infof("timed acquire of slow gave up after %v", time.Since(start).Round(time.Millisecond))
			return nil
		}); err != nil {
			return err
		}

		if err := syscalls.MutexRelease(self, id); err != nil {
			return err
		}
		return syscalls.MutexDelete(self, id)
	})
}

// ownerDeath exits a thread that holds a mutex and lets another thread
// inherit and recover it.
func (e *exerciser) ownerDeath() error {
	var id kmutex.ID
	if err := call(e.alpha, "leaker", func(self *kernel.Thread) error {
		var err error
		id, err = syscalls.MutexCreate(self, "journal", 0)
		if err != nil {
			return err
		}
		return syscalls.MutexAcquire(self, id, 0, 0)
	}); err != nil {
		return err
	}

	// The leaker may still be between returning and exiting. The heir either
	// finds the mutex already marked dead or briefly blocks until the exit
	// hands it over; both produce EOWNERDEAD.
	return call(e.alpha, "heir", func(self *kernel.Thread) error {
		if err := syscalls.MutexAcquire(self, id, 0, 0); err != kernelerr.EOWNERDEAD {
			return fmt.Errorf("acquire after owner death: %v, want EOWNERDEAD", err)
		}
		info, err := syscalls.MutexGetInfo(self, id)
		if err != nil {
			return err
		}
		util.Infof("journal inherited by thread %d in state %v", self.ID(), info.State)
		if err := syscalls.MutexMarkConsistent(self, id); err != nil {
			return err
		}
		if err := syscalls.MutexRelease(self, id); err != nil {
			return err
		}
		return syscalls.MutexDelete(self, id)
	})
}

// permission creates a kernel owned mutex and checks that user threads are
// turned away. The mutex stays alive for the final listing.
func (e *exerciser) permission() error {
	var id kmutex.ID
	if err := call(e.k.KernelTeam(), "sysinit", func(self *kernel.Thread) error {
		var err error
		id, err = syscalls.MutexCreate(self, "irq-table", kmutex.CheckPermission)
		return err
	}); err != nil {
		return err
	}
	e.survivors = append(e.survivors, id)

	return call(e.alpha, "intruder", func(self *kernel.Thread) error {
		if err := syscalls.MutexAcquire(self, id, 0, 0); err != kernelerr.EACCES {
			return fmt.Errorf("user acquire of kernel mutex: %v, want EACCES", err)
		}
		util.Infof("irq-table refused thread %d of team %d", self.ID(), e.alpha.ID())
		return nil
	})
}

// teamTeardown kills a team that owns a mutex other teams are using, and
// checks that the mutex dies with its team and the team's parked thread is
// interrupted.
func (e *exerciser) teamTeardown() error {
	return call(e.alpha, "director", func(self *kernel.Thread) error {
		// parking keeps the beta worker blocked while its team dies.
		parkID, err := syscalls.MutexCreate(self, "parking", 0)
		if err != nil {
			return err
		}
		if err := syscalls.MutexAcquire(self, parkID, 0, 0); err != nil {
			return err
		}

		scratchCh := make(chan kmutex.ID, 1)
		betaDone := make(chan error, 1)
		if _, err := e.beta.Spawn("worker", func(bt *kernel.Thread) {
			id, err := syscalls.MutexCreate(bt, "scratch", 0)
			if err != nil {
				betaDone <- err
				return
			}
			scratchCh <- id
			if err := syscalls.MutexAcquire(bt, parkID, 0, 0); err != kernelerr.EINTR {
				betaDone <- fmt.Errorf("parked acquire: %v, want EINTR", err)
				return
			}
			betaDone <- nil
		}); err != nil {
			return err
		}
		scratchID := <-scratchCh

		// The director, not the worker, holds scratch: the waiter below must
		// be woken by the teardown deleting the mutex, not by a dying holder
		// handing it over.
		if err := syscalls.MutexAcquire(self, scratchID, 0, 0); err != nil {
			return err
		}

		waiterDone := make(chan error, 1)
		if _, err := e.alpha.Spawn("scratch-waiter", func(wt *kernel.Thread) {
			if err := syscalls.MutexAcquire(wt, scratchID, 0, 0); err != kernelerr.EINVAL {
				waiterDone <- fmt.Errorf("waiting on dying mutex: %v, want EINVAL", err)
				return
			}
			waiterDone <- nil
		}); err != nil {
			return err
		}

		// Both threads must be blocked before the kill, or there is nothing
		// to tear down.
		if err := waitWaiters(self, parkID, 1); err != nil {
			return err
		}
		if err := waitWaiters(self, scratchID, 1); err != nil {
			return err
		}

		e.beta.Kill()
		e.beta.WaitExited()
		if err := <-betaDone; err != nil {
			return err
		}
		if err := <-waiterDone; err != nil {
			return err
		}
		util.Infof("team %d torn down: scratch deleted out from under its users, parked worker interrupted", e.beta.ID())

		if err := syscalls.MutexRelease(self, parkID); err != nil {
			return err
		}
		return syscalls.MutexDelete(self, parkID)
	})
}
