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

	"kmx.dev/kmx/pkg/errors"
	"kmx.dev/kmx/pkg/errors/kernelerr"
)

// AcquireFlags modify a single Acquire call.
type AcquireFlags uint32

const (
	// TimeoutRelative bounds the wait by a duration from now. A
	// non-positive timeout turns a contended acquire into an immediate
	// WouldBlock.
	TimeoutRelative AcquireFlags = 1 << iota

	// TimeoutAbsolute bounds the wait by a point in time, passed as
	// nanoseconds since the Unix epoch. A deadline already reached turns a
	// contended acquire into an immediate TimedOut.
	TimeoutAbsolute
)

// acquireFlagsMask is every flag Acquire understands.
const acquireFlagsMask = TimeoutRelative | TimeoutAbsolute

// waiter tracks one blocked Acquire. It is allocated by the acquiring call
// and queued on exactly one entry.
//
// Every field is guarded by the entry's lock for the whole wait, including
// across deletion of the mutex: slots are recycled, never freed, so the
// lock stays valid, and every dequeue path clears queued before the slot
// can be reused.
type waiter struct {
	waiterEntry

	// thread is the blocked acquirer.
	thread Thread

	// queued is true while the waiter sits on the queue. A releaser that
	// dequeues the waiter clears it; the waking thread re-checks it under
	// the entry lock to learn whether a releaser already decided this
	// wait.
	queued bool

	// status is the result a releaser recorded when it dequeued the
	// waiter: nil for a clean ownership transfer or a stale drop (the
	// waiter's own block result stands), OwnerDead for a transfer from a
	// dead holder, NotRecoverable or BadValue from the wake-all paths.
	// Meaningful only once queued is false.
	status *errors.Error
}

// Acquire locks the mutex named by id on behalf of t, blocking while it is
// held by another thread. A successful acquire returns nil, or OwnerDead
// when the previous holder died and the state awaits MarkConsistent.
func (r *Registry) Acquire(t Thread, id ID, flags AcquireFlags, timeout time.Duration) error {
	if flags&^acquireFlagsMask != 0 {
		return kernelerr.EINVAL
	}
	if flags&TimeoutRelative != 0 && flags&TimeoutAbsolute != 0 {
		return kernelerr.EINVAL
	}
	var (
		haveDeadline bool
		deadline     time.Time
	)
	switch {
	case flags&TimeoutRelative != 0:
		haveDeadline = true
		deadline = time.Now().Add(timeout)
	case flags&TimeoutAbsolute != 0:
		haveDeadline = true
		deadline = time.Unix(0, int64(timeout))
	}

	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if e.flags&CheckPermission != 0 && e.ownerTeam.IsKernel() && !t.Team().IsKernel() {
		e.mu.Unlock()
		return kernelerr.EACCES
	}

	switch {
	case e.holder == nil:
		if e.state == NotRecoverable {
			e.mu.Unlock()
			return kernelerr.ENOTRECOVERABLE
		}
		e.setHolderLocked(t)
		state := e.state
		e.mu.Unlock()
		if state == NeedsRecovery {
			return kernelerr.EOWNERDEAD
		}
		return nil

	case e.holder == t:
		if e.flags&Recursive == 0 {
			e.mu.Unlock()
			return kernelerr.EDEADLK
		}
		e.recursion++
		e.mu.Unlock()
		return nil
	}

	// Held by another thread.
	if haveDeadline && !deadline.After(time.Now()) {
		e.mu.Unlock()
		if flags&TimeoutRelative != 0 {
			return kernelerr.EWOULDBLOCK
		}
		return kernelerr.ETIMEDOUT
	}
	if t.Interrupted() {
		e.mu.Unlock()
		return kernelerr.EINTR
	}

	w := waiter{thread: t, queued: true}
	e.waiters.PushBack(&w)
	t.PrepareBlock()
	e.mu.Unlock()

	var blockErr error
	if haveDeadline {
		blockErr = t.BlockWithDeadline(deadline)
	} else {
		blockErr = t.Block()
	}

	// The slot may have been deleted and even reused while this thread was
	// parked; the lock itself is always valid, and w is only touched under
	// it. Nothing else on the entry may be read here.
	e.mu.Lock()
	if w.queued {
		// The wait ended with no releaser involved: unqueue and report
		// how the block ended.
		e.waiters.Remove(&w)
		e.mu.Unlock()
		return blockErr
	}
	status := w.status
	e.mu.Unlock()
	if status != nil {
		return status
	}
	return blockErr
}

// Release unlocks the mutex named by id. Only the holder may release. A
// full release hands ownership to the first genuinely blocked waiter, in
// queue order.
func (r *Registry) Release(t Thread, id ID) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if e.holder != t {
		e.mu.Unlock()
		return kernelerr.EPERM
	}
	e.recursion--
	if e.recursion > 0 {
		e.mu.Unlock()
		return nil
	}

	// Full release: off the holder's held list first.
	ms := t.MutexState()
	ms.mu.Lock()
	ms.held.Remove(e)
	ms.mu.Unlock()
	e.holder = nil

	if e.state == NeedsRecovery {
		// Released without MarkConsistent: the mutex is now permanently
		// unusable and every waiter learns it.
		e.state = NotRecoverable
		r.wakeAllLocked(e, kernelerr.ENOTRECOVERABLE)
		e.mu.Unlock()
		return nil
	}

	r.transferLocked(e, nil)
	noResched := e.flags&NoReschedule != 0
	e.mu.Unlock()
	if !noResched {
		t.Reschedule()
	}
	return nil
}

// MarkConsistent restores a NeedsRecovery mutex to Normal. Only the current
// holder may call it.
func (r *Registry) MarkConsistent(t Thread, id ID) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if e.state == NotRecoverable {
		e.mu.Unlock()
		return kernelerr.ENOTRECOVERABLE
	}
	if e.holder != t {
		e.mu.Unlock()
		return kernelerr.EPERM
	}
	if e.state != NeedsRecovery {
		e.mu.Unlock()
		return kernelerr.EINVAL
	}
	e.state = Normal
	e.mu.Unlock()
	r.recoveries.Add(1)
	return nil
}

// transferLocked hands ownership to the first queued waiter whose thread
// still commits to being blocked, dropping stale waiters found on the way.
// status is what the woken waiter's Acquire returns: nil for a clean
// transfer, OwnerDead for a transfer from a dead holder. With no live
// waiter the mutex goes free.
//
// Stale waiters are deliberately cleaned up here, on release, rather than
// eagerly on timeout; the timed-out thread unqueues itself when it gets
// around to it.
//
// Preconditions: e.mu must be locked; e.holder is nil.
func (r *Registry) transferLocked(e *entry, status *errors.Error) {
	for w := e.waiters.Front(); w != nil; {
		next := w.Next()
		e.waiters.Remove(w)
		w.queued = false
		if !w.thread.Unblock() {
			// A timeout or interrupt won this wait first. status stays
			// nil: the waiter keeps its own block result.
			w.status = nil
			r.staleDrops.Add(1)
			w = next
			continue
		}
		w.status = status
		e.setHolderLocked(w.thread)
		r.transfers.Add(1)
		return
	}
}

// wakeAllLocked dequeues every waiter, delivering status to each thread
// still blocked. Used by the NotRecoverable transition and by deletion.
//
// Preconditions: e.mu must be locked.
func (r *Registry) wakeAllLocked(e *entry, status *errors.Error) {
	woke := false
	for w := e.waiters.Front(); w != nil; {
		next := w.Next()
		e.waiters.Remove(w)
		w.queued = false
		if w.thread.Unblock() {
			w.status = status
			woke = true
		} else {
			w.status = nil
			r.staleDrops.Add(1)
		}
		w = next
	}
	if woke {
		r.wakeAlls.Add(1)
	}
}
