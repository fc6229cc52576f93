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

// Package kmutex implements the kernel's robust mutex subsystem: named,
// team-owned mutual exclusion with recursive locking, bounded and unbounded
// blocking, cooperative cancellation, and explicit recovery when a holder
// dies without releasing (POSIX robust mutex semantics).
//
// Identifiers are generation tagged. The table is a fixed arena of slots
// recycled through a FIFO free list, and every reuse advances the slot's id
// by one full table width, so a stale id never names a live mutex. Entries
// are never freed, which also keeps a parked waiter's entry lock valid
// across deletion of the mutex it was queued on.
package kmutex

import (
	"fmt"
	"math"
	"time"

	"kmx.dev/kmx/pkg/atomicbitops"
	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/log"
)

const (
	// MaxNameLen is the longest name Create accepts.
	MaxNameLen = 32

	// MinSlots and MaxSlots bound the table size chosen at boot. Both are
	// powers of two.
	MinSlots = 128
	MaxSlots = 65536

	// bytesPerSlot is how much hinted boot memory buys one table slot.
	bytesPerSlot = 8 * 4096
)

const (
	// noID marks a free slot.
	noID ID = -1

	// noIndex terminates the free list.
	noIndex int32 = -1
)

// ID identifies a live mutex. It encodes both a slot index (id modulo the
// table size) and a generation: every reuse of a slot advances its next id
// by one full table width, so an id outlives its mutex only as a value that
// every operation rejects.
type ID int32

// ThreadID identifies a kernel thread. 0 is never a valid id.
type ThreadID int32

// TeamID identifies a team of threads. 0 is never a valid id.
type TeamID int32

// Flags configure a mutex at creation.
type Flags uint32

const (
	// Recursive allows nested acquisitions by the holder.
	Recursive Flags = 1 << iota

	// CheckPermission restricts a kernel-team-owned mutex to kernel team
	// threads.
	CheckPermission

	// NoReschedule skips the voluntary reschedule hint after a full
	// release.
	NoReschedule
)

// flagsMask is every flag Create understands.
const flagsMask = Recursive | CheckPermission | NoReschedule

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	s := ""
	if f&Recursive != 0 {
		s += "recursive|"
	}
	if f&CheckPermission != 0 {
		s += "check-permission|"
	}
	if f&NoReschedule != 0 {
		s += "no-reschedule|"
	}
	if s == "" {
		return "none"
	}
	return s[:len(s)-1]
}

// State is the recovery state of a mutex.
type State int32

const (
	// Normal is the ordinary state.
	Normal State = iota

	// NeedsRecovery marks a mutex whose holder died while holding it. The
	// next successful acquire reports OwnerDead and the state persists
	// until the new holder calls MarkConsistent.
	NeedsRecovery

	// NotRecoverable marks a mutex that was released out of NeedsRecovery
	// without MarkConsistent. Terminal until the mutex is deleted.
	NotRecoverable
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case NeedsRecovery:
		return "needs-recovery"
	case NotRecoverable:
		return "not-recoverable"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Info is a point-in-time snapshot of one mutex.
type Info struct {
	ID        ID
	Name      string
	OwnerTeam TeamID
	Holder    ThreadID // 0 when unheld.
	Recursion int32
	Flags     Flags
	State     State
	Waiters   int
}

// entry is one slot of the table.
//
// Entries are arena resident: recycled through the free list, never freed.
// A caller that still holds a stale id can therefore always lock the slot
// and be turned away by the id check.
type entry struct {
	// mu guards every field below, the waiter queue, and the waiter
	// records queued on it. It must never be held across a blocking call.
	mu entryMutex

	// index is the slot's position in the arena. Immutable.
	index int32

	// id is the generation-tagged identifier, or noID while the slot is
	// free.
	id ID

	// nextID is the id the next Create on this slot assigns.
	nextID ID

	// name is the creator-supplied name, 1..MaxNameLen bytes.
	name string

	// ownerTeam is the team that created the mutex. It governs permission
	// checks and team teardown, independent of holder.
	ownerTeam Team

	// holder is the thread currently holding the mutex, or nil. holder is
	// non-nil iff recursion > 0.
	holder Thread

	// recursion counts nested acquisitions by holder.
	recursion int32

	// flags are the creation flags.
	flags Flags

	// state is the recovery state.
	state State

	// waiters is the FIFO queue of blocked acquirers.
	waiters waiterList

	// heldEntry links the entry on its holder's held list.
	heldEntry

	// ownedEntry links the entry on its owner team's membership list.
	ownedEntry

	// freeNext chains free slots, noIndex terminated. Guarded by the
	// registry lock and meaningful only while the slot is free.
	freeNext int32
}

// Registry owns the slot table and free list of the mutex subsystem. One
// registry serves a whole kernel.
type Registry struct {
	// mu guards the free list. It is taken and released on its own and is
	// never nested with an entry lock.
	mu registryMutex

	// slots is the arena. The slice itself is immutable after NewRegistry;
	// slot contents are guarded by each entry's own lock.
	slots []entry

	// freeHead and freeTail chain free slots through entry.freeNext,
	// noIndex when empty.
	freeHead int32
	freeTail int32

	// live counts allocated slots.
	live atomicbitops.Int32

	// Monotonic counters, for introspection only.
	creates    atomicbitops.Uint64
	deletes    atomicbitops.Uint64
	transfers  atomicbitops.Uint64
	recoveries atomicbitops.Uint64
	staleDrops atomicbitops.Uint64
	wakeAlls   atomicbitops.Uint64

	// exhaustLog throttles table-full warnings.
	exhaustLog log.Logger
}

// NewRegistry sizes the slot table from the boot memory hint, one slot per
// bytesPerSlot bytes rounded up to a power of two in [MinSlots, MaxSlots],
// and returns a registry with every slot free. It is called once at boot;
// failure is fatal to boot.
func NewRegistry(memoryHint int64) (*Registry, error) {
	if memoryHint <= 0 {
		return nil, fmt.Errorf("kmutex: non-positive memory hint %d", memoryHint)
	}
	want := memoryHint / bytesPerSlot
	size := int32(MinSlots)
	for int64(size) < want && size < MaxSlots {
		size <<= 1
	}

	r := &Registry{
		slots:      make([]entry, size),
		freeHead:   0,
		freeTail:   size - 1,
		exhaustLog: log.BasicRateLimitedLogger(30 * time.Second),
	}
	for i := range r.slots {
		e := &r.slots[i]
		e.index = int32(i)
		e.id = noID
		e.nextID = ID(i)
		if int32(i) == size-1 {
			e.freeNext = noIndex
		} else {
			e.freeNext = int32(i) + 1
		}
	}
	log.Debugf("Mutex table sized to %d slots from %d bytes hinted", size, memoryHint)
	return r, nil
}

// TableSize returns the number of slots.
func (r *Registry) TableSize() int {
	return len(r.slots)
}

// Live returns the number of live mutexes.
func (r *Registry) Live() int {
	return int(r.live.Load())
}

// allocEntry pops the free-list head, or nil if the table is exhausted.
func (r *Registry) allocEntry() *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freeHead == noIndex {
		return nil
	}
	e := &r.slots[r.freeHead]
	r.freeHead = e.freeNext
	if r.freeHead == noIndex {
		r.freeTail = noIndex
	}
	e.freeNext = noIndex
	r.live.Add(1)
	return e
}

// freeEntry pushes a cleared slot on the free-list tail. Reuse is FIFO
// across the whole table, which spreads recycling over time.
func (r *Registry) freeEntry(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.freeNext = noIndex
	if r.freeTail == noIndex {
		r.freeHead = e.index
	} else {
		r.slots[r.freeTail].freeNext = e.index
	}
	r.freeTail = e.index
	r.live.Add(-1)
}

// releaseSlotLocked advances the slot's generation and clears its identity.
// The caller must hand the slot to freeEntry after dropping e.mu.
//
// Preconditions: e.mu must be locked; e is unheld with an empty queue.
func (r *Registry) releaseSlotLocked(e *entry) {
	e.nextID = (e.id + ID(len(r.slots))) & math.MaxInt32
	e.id = noID
	e.name = ""
	e.ownerTeam = nil
	e.flags = 0
	e.state = Normal
}

// lockEntry locks and returns the entry named by id. It fails with BadValue
// if id is stale or unknown. On success the caller must unlock e.mu.
func (r *Registry) lockEntry(id ID) (*entry, error) {
	if id < 0 {
		return nil, kernelerr.EINVAL
	}
	e := &r.slots[int(id)&(len(r.slots)-1)]
	e.mu.Lock()
	if e.id != id {
		e.mu.Unlock()
		return nil, kernelerr.EINVAL
	}
	return e, nil
}

// Create allocates a new mutex owned by t's team and returns its id.
func (r *Registry) Create(t Thread, name string, flags Flags) (ID, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return 0, kernelerr.EINVAL
	}
	if flags&^flagsMask != 0 {
		return 0, kernelerr.EINVAL
	}
	tm := t.Team()
	if tm == nil || !tm.Alive() {
		return 0, kernelerr.ESRCH
	}

	e := r.allocEntry()
	if e == nil {
		r.exhaustLog.Warningf("Mutex table full, all %d slots in use", len(r.slots))
		return 0, kernelerr.ENOSPC
	}

	// The table lock is already dropped; initialize under the entry lock.
	e.mu.Lock()
	id := e.nextID
	e.id = id
	e.name = name
	e.ownerTeam = tm
	e.holder = nil
	e.recursion = 0
	e.flags = flags
	e.state = Normal
	e.waiters.Reset()

	ts := tm.MutexState()
	ts.mu.Lock()
	if ts.dead {
		// The team died between the liveness check and the link. Roll the
		// slot back; DeleteOwned has already drained the membership list.
		ts.mu.Unlock()
		r.releaseSlotLocked(e)
		e.mu.Unlock()
		r.freeEntry(e)
		return 0, kernelerr.ESRCH
	}
	ts.owned.PushBack(e)
	ts.mu.Unlock()
	e.mu.Unlock()

	r.creates.Add(1)
	return id, nil
}

// Delete destroys the mutex named by id. Queued waiters are woken with
// BadValue. Only threads of the owning team or of the kernel team may
// delete.
func (r *Registry) Delete(t Thread, id ID) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if tm := t.Team(); e.ownerTeam != tm && !tm.IsKernel() {
		e.mu.Unlock()
		return kernelerr.EACCES
	}
	r.deleteLocked(e)
	e.mu.Unlock()
	r.freeEntry(e)
	return nil
}

// deleteLocked tears the entry down: membership unlink, held-list unlink if
// held, wake-all with BadValue, generation advance. The caller returns the
// slot to the free list after dropping e.mu.
//
// Preconditions: e.mu must be locked; e.id is live.
func (r *Registry) deleteLocked(e *entry) {
	ts := e.ownerTeam.MutexState()
	ts.mu.Lock()
	ts.owned.Remove(e)
	ts.mu.Unlock()

	if e.holder != nil {
		ms := e.holder.MutexState()
		ms.mu.Lock()
		ms.held.Remove(e)
		ms.mu.Unlock()
		e.holder = nil
		e.recursion = 0
	}

	r.wakeAllLocked(e, kernelerr.EINVAL)
	r.releaseSlotLocked(e)
	r.deletes.Add(1)
}

// Find returns the id of the first live mutex with the given name, scanning
// slots in index order.
func (r *Registry) Find(name string) (ID, error) {
	for i := range r.slots {
		e := &r.slots[i]
		e.mu.Lock()
		if e.id != noID && e.name == name {
			id := e.id
			e.mu.Unlock()
			return id, nil
		}
		e.mu.Unlock()
	}
	return 0, kernelerr.ENOENT
}

// GetInfo returns a snapshot of the mutex named by id.
func (r *Registry) GetInfo(id ID) (Info, error) {
	e, err := r.lockEntry(id)
	if err != nil {
		return Info{}, err
	}
	info := e.infoLocked()
	e.mu.Unlock()
	return info, nil
}

// infoLocked snapshots the entry.
//
// Preconditions: e.mu must be locked; e.id is live.
func (e *entry) infoLocked() Info {
	info := Info{
		ID:        e.id,
		Name:      e.name,
		OwnerTeam: e.ownerTeam.ID(),
		Recursion: e.recursion,
		Flags:     e.flags,
		State:     e.state,
		Waiters:   e.waiters.Len(),
	}
	if e.holder != nil {
		info.Holder = e.holder.ID()
	}
	return info
}

// setHolderLocked makes t the holder and links the entry on t's held list.
//
// Preconditions: e.mu must be locked; e.holder is nil.
func (e *entry) setHolderLocked(t Thread) {
	e.holder = t
	e.recursion = 1
	ms := t.MutexState()
	ms.mu.Lock()
	ms.held.PushBack(e)
	ms.mu.Unlock()
}
