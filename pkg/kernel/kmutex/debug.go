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
	"fmt"
	"io"
	"strings"
)

// ListFilter selects which mutexes List prints.
type ListFilter struct {
	// Team restricts the listing to mutexes owned by this team. 0 matches
	// any team.
	Team TeamID

	// Name restricts the listing to names containing this substring. Empty
	// matches any name.
	Name string
}

// List writes a summary line per live mutex matching f, preceded by the
// registry counters. Each slot is snapshotted under its own lock; the
// listing as a whole is not atomic.
func (r *Registry) List(w io.Writer, f ListFilter) {
	fmt.Fprintf(w, "slots: %d live: %d creates: %d deletes: %d transfers: %d recoveries: %d stale-drops: %d wake-alls: %d\n",
		len(r.slots),
		r.live.RacyLoad(),
		r.creates.RacyLoad(),
		r.deletes.RacyLoad(),
		r.transfers.RacyLoad(),
		r.recoveries.RacyLoad(),
		r.staleDrops.RacyLoad(),
		r.wakeAlls.RacyLoad())

	for i := range r.slots {
		e := &r.slots[i]
		e.mu.Lock()
		if e.id == noID {
			e.mu.Unlock()
			continue
		}
		info := e.infoLocked()
		e.mu.Unlock()

		if f.Team != 0 && info.OwnerTeam != f.Team {
			continue
		}
		if f.Name != "" && !strings.Contains(info.Name, f.Name) {
			continue
		}
		fmt.Fprintf(w, "%d\t%q\tteam=%d holder=%d recursion=%d waiters=%d state=%s flags=%s\n",
			info.ID, info.Name, info.OwnerTeam, info.Holder, info.Recursion, info.Waiters, info.State, info.Flags)
	}
}

// Dump writes everything known about the mutex named by id, including the
// queued waiter threads in wake order.
func (r *Registry) Dump(w io.Writer, id ID) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	fmt.Fprintf(w, "mutex %d %q\n", e.id, e.name)
	fmt.Fprintf(w, "  slot:      %d\n", e.index)
	fmt.Fprintf(w, "  owner:     team %d\n", e.ownerTeam.ID())
	if e.holder != nil {
		fmt.Fprintf(w, "  holder:    thread %d recursion %d\n", e.holder.ID(), e.recursion)
	} else {
		fmt.Fprintf(w, "  holder:    none\n")
	}
	fmt.Fprintf(w, "  state:     %s\n", e.state)
	fmt.Fprintf(w, "  flags:     %s\n", e.flags)
	fmt.Fprintf(w, "  waiters:   %d\n", e.waiters.Len())
	for wt := e.waiters.Front(); wt != nil; wt = wt.Next() {
		fmt.Fprintf(w, "    thread %d\n", wt.thread.ID())
	}
	return nil
}
