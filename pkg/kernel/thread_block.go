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
	"runtime"
	"time"

	"kmx.dev/kmx/pkg/errors/kernelerr"
)

// wakeReason is why a prepared wait ended.
type wakeReason int32

const (
	// wakeOK means Unblock won: the blocked operation completed.
	wakeOK wakeReason = iota

	// wakeInterrupt means an interrupt won.
	wakeInterrupt

	// wakeTimeout means the deadline fired while the thread was still
	// committed.
	wakeTimeout
)

// PrepareBlock commits the thread to the wait the next Block performs.
// Callers queue themselves before dropping the lock that publishes the
// queue entry; from that point Unblock can win the wait even though Block
// has not parked yet, with the wakeup buffered in t.wake.
//
// An interrupt already pending wins the wait immediately.
func (t *Thread) PrepareBlock() {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()
	t.waitGen++
	if t.pendingInterrupt {
		t.pendingInterrupt = false
		t.wakeReason = wakeInterrupt
		t.wake <- struct{}{}
		return
	}
	t.blocked = true
}

// Block parks the thread until its prepared wait is won.
func (t *Thread) Block() error {
	<-t.wake
	return t.blockResult()
}

// BlockWithDeadline is Block bounded by an absolute deadline.
func (t *Thread) BlockWithDeadline(deadline time.Time) error {
	t.schedMu.Lock()
	gen := t.waitGen
	t.schedMu.Unlock()
	timer := time.AfterFunc(time.Until(deadline), func() {
		t.deadlineExpired(gen)
	})
	defer timer.Stop()
	<-t.wake
	return t.blockResult()
}

// blockResult maps the wait's outcome to what Block returns. The winner
// stored wakeReason before sending to t.wake, so the receive orders this
// read.
func (t *Thread) blockResult() error {
	switch t.wakeReason {
	case wakeInterrupt:
		return kernelerr.EINTR
	case wakeTimeout:
		return kernelerr.ETIMEDOUT
	default:
		return nil
	}
}

// deadlineExpired runs on the timer goroutine. The deadline only wins the
// wait it was armed for, and only while the thread is still committed to
// it; it never overrides an Unblock or interrupt that got there first, and
// a timer that fires after Stop lost the race cannot touch a later wait.
func (t *Thread) deadlineExpired(gen uint64) {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()
	if !t.blocked || t.waitGen != gen {
		return
	}
	t.blocked = false
	t.wakeReason = wakeTimeout
	t.wake <- struct{}{}
}

// Unblock tries to win the thread's prepared wait. It reports false if the
// thread is not committed, either because nothing was prepared or because
// an interrupt or deadline already won.
func (t *Thread) Unblock() bool {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()
	if !t.blocked {
		return false
	}
	t.blocked = false
	t.wakeReason = wakeOK
	t.wake <- struct{}{}
	return true
}

// Interrupt delivers a cooperative interrupt. A committed thread wakes
// with Interrupted as its block result; otherwise the interrupt stays
// pending until Interrupted consumes it.
func (t *Thread) Interrupt() {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()
	if t.blocked {
		t.blocked = false
		t.wakeReason = wakeInterrupt
		t.wake <- struct{}{}
		return
	}
	t.pendingInterrupt = true
}

// Interrupted reports and clears a pending interrupt.
func (t *Thread) Interrupted() bool {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()
	pending := t.pendingInterrupt
	t.pendingInterrupt = false
	return pending
}

// Reschedule is a voluntary preemption hint, used after handing a mutex
// off so the new holder gets a chance to run.
func (t *Thread) Reschedule() {
	runtime.Gosched()
}
