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
	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/log"
)

// ReleaseOwned force-releases every mutex still held by t, marking each
// NeedsRecovery and handing it to the next waiter with OwnerDead. The
// kernel calls it exactly once, when t exits.
func (r *Registry) ReleaseOwned(t Thread) {
	ms := t.MutexState()
	for {
		ms.mu.Lock()
		e := ms.held.Front()
		ms.mu.Unlock()
		if e == nil {
			return
		}

		// The entry lock orders before the held list lock, so the peek
		// above was unlocked and may be stale by now.
		e.mu.Lock()
		if e.holder != t {
			// A concurrent Delete released this entry and unlinked it
			// from the held list; the next peek moves on.
			e.mu.Unlock()
			continue
		}
		ms.mu.Lock()
		ms.held.Remove(e)
		ms.mu.Unlock()
		e.holder = nil
		e.recursion = 0
		e.state = NeedsRecovery
		log.Debugf("Mutex %d %q holder died, thread %d", e.id, e.name, t.ID())
		r.transferLocked(e, kernelerr.EOWNERDEAD)
		e.mu.Unlock()
	}
}

// DeleteOwned destroys every mutex owned by team tm, waking all their
// waiters with BadValue, and closes the team to further Create calls. The
// kernel calls it exactly once, when tm dies.
func (r *Registry) DeleteOwned(tm Team) {
	ts := tm.MutexState()
	ts.mu.Lock()
	ts.dead = true
	ts.mu.Unlock()

	for {
		ts.mu.Lock()
		e := ts.owned.Front()
		ts.mu.Unlock()
		if e == nil {
			return
		}

		e.mu.Lock()
		if e.ownerTeam != tm {
			// Lost a race with Delete; the entry is already off the
			// owned list.
			e.mu.Unlock()
			continue
		}
		r.deleteLocked(e)
		e.mu.Unlock()
		r.freeEntry(e)
	}
}
