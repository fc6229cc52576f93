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

package kmutex

import (
	"time"
)

// Thread is the calling-thread contract the subsystem consumes. It is
// implemented by kernel.Thread; tests substitute fakes.
//
// The blocking protocol is prepare-then-block: PrepareBlock is called with
// the entry lock still held, the lock is dropped, then Block or
// BlockWithDeadline parks the caller. Exactly one of ownership transfer
// (Unblock), deadline expiry, or interruption wins a prepared wait; the
// loser paths observe the winner and stand down. The winner is decided
// under the thread's own scheduler lock, so a releaser that calls Unblock
// and sees true has transferred ownership to a thread that is genuinely
// still blocked.
type Thread interface {
	// ID returns the thread id.
	ID() ThreadID

	// Team returns the thread's team. It is never nil for a live thread.
	Team() Team

	// MutexState returns the thread's held-list cell.
	MutexState() *ThreadState

	// PrepareBlock readies the thread for a wait. It must be called before
	// the lock protecting the queued waiter is dropped.
	PrepareBlock()

	// Block parks the thread until the prepared wait is won. It returns
	// nil when woken by Unblock and Interrupted when interrupted.
	Block() error

	// BlockWithDeadline is Block bounded by an absolute deadline; it
	// returns TimedOut when the deadline wins.
	BlockWithDeadline(deadline time.Time) error

	// Unblock tries to win the thread's prepared wait. It reports false if
	// a timeout or interrupt already won, in which case the caller must
	// not transfer anything to the thread.
	Unblock() bool

	// Interrupted reports and clears a pending interrupt.
	Interrupted() bool

	// Reschedule is a voluntary preemption hint.
	Reschedule()
}

// Team is the owning-team contract the subsystem consumes. It is
// implemented by kernel.Team.
type Team interface {
	// ID returns the team id.
	ID() TeamID

	// MutexState returns the team's membership cell.
	MutexState() *TeamState

	// IsKernel reports whether this is the kernel team.
	IsKernel() bool

	// Alive reports whether the team has not been torn down.
	Alive() bool
}

// ThreadState is the per-thread mutex bookkeeping. kernel.Thread embeds one
// and hands it out through MutexState.
type ThreadState struct {
	// mu guards held. It nests inside any entry lock; that closes the race
	// where two entries held by one thread are unlinked concurrently under
	// their own entry locks.
	mu threadStateMutex

	// held lists the mutexes the thread currently holds, in acquisition
	// order.
	held heldList
}

// TeamState is the per-team mutex bookkeeping. kernel.Team embeds one and
// hands it out through MutexState.
type TeamState struct {
	// mu guards the fields below. It nests inside any entry lock.
	mu teamStateMutex

	// owned lists the mutexes the team created.
	owned ownedList

	// dead is set by DeleteOwned before it drains owned. Create refuses to
	// link a new mutex to a dead team.
	dead bool
}
