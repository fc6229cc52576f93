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
	"kmx.dev/kmx/pkg/kernel/kmutex"
	"kmx.dev/kmx/pkg/log"
)

// Thread is one kernel thread, backed by a goroutine.
type Thread struct {
	// threadEntry links the thread into its team's thread list, protected
	// by team.mu.
	threadEntry

	// team is the owning team. Immutable.
	team *Team

	// id is the thread id. Immutable.
	id ThreadID

	// name is the thread name, for logs. Immutable.
	name string

	// ms is the thread's held-mutex state, shared with the registry.
	ms kmutex.ThreadState

	// schedMu protects the blocking engine fields in thread_block.go.
	schedMu schedMutex

	// blocked is true between PrepareBlock and whichever of Unblock, an
	// interrupt, or a deadline wins the wait.
	blocked bool

	// waitGen counts prepared waits. A deadline timer records the
	// generation it was armed for and only wins that wait; a timer that
	// outlives its wait despite Stop must not fire into the next one.
	waitGen uint64

	// wakeReason records why the last wait ended. Meaningful until the
	// next PrepareBlock.
	wakeReason wakeReason

	// pendingInterrupt is an interrupt delivered while the thread was not
	// blocked, consumed by Interrupted.
	pendingInterrupt bool

	// wake is sent to when a wait is won. It is effectively a condition
	// variable that can be used in select statements.
	wake chan struct{}
}

// ID returns the thread id.
func (t *Thread) ID() ThreadID {
	return t.id
}

// Name returns the thread name.
func (t *Thread) Name() string {
	return t.name
}

// Team returns the owning team as the registry sees it.
func (t *Thread) Team() kmutex.Team {
	return t.team
}

// Kernel returns the owning kernel.
func (t *Thread) Kernel() *Kernel {
	return t.team.k
}

// MutexState returns the thread's held-mutex state.
func (t *Thread) MutexState() *kmutex.ThreadState {
	return &t.ms
}

// run is the thread goroutine.
func (t *Thread) run(fn func(*Thread)) {
	fn(t)
	t.exit()
}

// exit leaves the team. Any mutexes the thread still holds are
// force-released, making them inheritable in the NeedsRecovery state.
func (t *Thread) exit() {
	tm := t.team
	tm.k.mutexes.ReleaseOwned(t)

	tm.mu.Lock()
	tm.threads.Remove(t)
	tm.mu.Unlock()

	log.Debugf("Thread %d %q exited", t.id, t.name)
	tm.liveThreads.Done()
	tm.k.liveThreads.Done()
}
