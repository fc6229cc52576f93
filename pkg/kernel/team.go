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

package kernel

import (
	"kmx.dev/kmx/pkg/atomicbitops"
	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/kernel/kmutex"
	"kmx.dev/kmx/pkg/log"
	"kmx.dev/kmx/pkg/sync"
)

// Team is a group of threads that lives and dies together, and the ownership
// unit for mutexes.
type Team struct {
	// k is the owning kernel. Immutable.
	k *Kernel

	// id is the team id. Immutable.
	id TeamID

	// name is the team name, for logs and listings. Immutable.
	name string

	// kernel is true for the kernel's own team. Immutable.
	kernel bool

	// alive is false once Kill has run. A dead team cannot spawn threads
	// or create mutexes.
	alive atomicbitops.Bool

	// mu protects threads.
	mu sync.Mutex

	// threads is the team's live threads. A thread unlinks itself on exit.
	threads threadList

	// liveThreads is the number of non-exited thread goroutines in the
	// team.
	liveThreads sync.WaitGroup

	// ts is the team's mutex membership state, shared with the registry.
	ts kmutex.TeamState
}

// ID returns the team id.
func (tm *Team) ID() TeamID {
	return tm.id
}

// Name returns the team name.
func (tm *Team) Name() string {
	return tm.name
}

// Kernel returns the owning kernel.
func (tm *Team) Kernel() *Kernel {
	return tm.k
}

// IsKernel returns true if this is the kernel's own team.
func (tm *Team) IsKernel() bool {
	return tm.kernel
}

// Alive returns false once the team has been killed.
func (tm *Team) Alive() bool {
	return tm.alive.Load()
}

// MutexState returns the team's mutex membership state.
func (tm *Team) MutexState() *kmutex.TeamState {
	return &tm.ts
}

// Spawn starts a new thread running fn on its own goroutine. When fn
// returns the thread exits: its held mutexes are force-released and it
// leaves the team.
func (tm *Team) Spawn(name string, fn func(*Thread)) (*Thread, error) {
	t := &Thread{
		team: tm,
		id:   tm.k.allocThreadID(),
		name: name,
		wake: make(chan struct{}, 1),
	}

	tm.mu.Lock()
	if !tm.Alive() {
		// Kill has already swept the team; a thread added now would
		// never be interrupted.
		tm.mu.Unlock()
		return nil, kernelerr.ESRCH
	}
	tm.threads.PushBack(t)
	tm.mu.Unlock()

	tm.liveThreads.Add(1)
	tm.k.liveThreads.Add(1)
	go t.run(fn)
	return t, nil
}

// Threads returns a snapshot of the team's live threads.
func (tm *Team) Threads() []*Thread {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var threads []*Thread
	for t := tm.threads.Front(); t != nil; t = t.Next() {
		threads = append(threads, t)
	}
	return threads
}

// Kill marks the team dead, interrupts its live threads, and destroys the
// mutexes it owns. Threads are not forcibly stopped; each exits when its
// function returns and force-releases what it still holds. Kill is
// idempotent; only the first call tears down.
func (tm *Team) Kill() {
	if !tm.alive.Swap(false) {
		return
	}
	log.Infof("Killing team %d %q", tm.id, tm.name)
	for _, t := range tm.Threads() {
		t.Interrupt()
	}
	tm.k.mutexes.DeleteOwned(tm)
}

// WaitExited blocks until every thread goroutine in the team has exited.
func (tm *Team) WaitExited() {
	tm.liveThreads.Wait()
}
