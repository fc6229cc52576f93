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
	"testing"
	"time"

	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/sync"
)

// testTeam is a minimal Team for registry tests.
type testTeam struct {
	id     TeamID
	kernel bool
	ts     TeamState

	mu    sync.Mutex
	alive bool
}

func newTestTeam(id TeamID) *testTeam {
	return &testTeam{id: id, alive: true}
}

func newKernelTeam() *testTeam {
	return &testTeam{id: 1, kernel: true, alive: true}
}

func (tm *testTeam) ID() TeamID { return tm.id }

func (tm *testTeam) MutexState() *TeamState { return &tm.ts }

func (tm *testTeam) IsKernel() bool { return tm.kernel }

func (tm *testTeam) Alive() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.alive
}

func (tm *testTeam) kill() {
	tm.mu.Lock()
	tm.alive = false
	tm.mu.Unlock()
}

// testThread is a minimal Thread whose blocking engine follows the fields
// of the real one: a single buffered wake channel and a committed flag,
// with the winner between Unblock, interrupt and deadline decided under
// mu.
type testThread struct {
	id   ThreadID
	team *testTeam
	ms   ThreadState

	mu        sync.Mutex
	committed bool
	intr      bool
	wake      chan error
}

func newTestThread(id ThreadID, team *testTeam) *testThread {
	return &testThread{id: id, team: team, wake: make(chan error, 1)}
}

func (t *testThread) ID() ThreadID { return t.id }

func (t *testThread) Team() Team { return t.team }

func (t *testThread) MutexState() *ThreadState { return &t.ms }

func (t *testThread) PrepareBlock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.wake:
	default:
	}
	t.committed = true
}

func (t *testThread) Block() error {
	return <-t.wake
}

func (t *testThread) BlockWithDeadline(deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-t.wake:
		return err
	case <-timer.C:
	}
	t.mu.Lock()
	if !t.committed {
		// An Unblock or interrupt raced with the deadline and won.
		t.mu.Unlock()
		return <-t.wake
	}
	t.committed = false
	t.mu.Unlock()
	return kernelerr.ETIMEDOUT
}

func (t *testThread) Unblock() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		return false
	}
	t.committed = false
	t.wake <- nil
	return true
}

func (t *testThread) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	intr := t.intr
	t.intr = false
	return intr
}

func (t *testThread) Reschedule() {}

// interrupt delivers an interrupt: a blocked thread wakes with Interrupted,
// an unblocked one fails its next contended acquire.
func (t *testThread) interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		t.committed = false
		t.wake <- kernelerr.EINTR
		return
	}
	t.intr = true
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(MinSlots * bytesPerSlot)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func mustCreate(t *testing.T, r *Registry, th Thread, name string, flags Flags) ID {
	t.Helper()
	id, err := r.Create(th, name, flags)
	if err != nil {
		t.Fatalf("Create(%q, %v) failed: %v", name, flags, err)
	}
	return id
}

func mustInfo(t *testing.T, r *Registry, id ID) Info {
	t.Helper()
	info, err := r.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo(%d) failed: %v", id, err)
	}
	return info
}

// waitForWaiters polls until the mutex has want queued waiters.
func waitForWaiters(t *testing.T, r *Registry, id ID, want int) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 10*time.Second; {
		if got := mustInfo(t, r, id).Waiters; got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on mutex %d", want, id)
}

// acquireAsync runs Acquire on its own goroutine and delivers the result.
func acquireAsync(r *Registry, th Thread, id ID, flags AcquireFlags, timeout time.Duration) chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- r.Acquire(th, id, flags, timeout)
	}()
	return ch
}

func recvErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for Acquire to return")
	}
	return nil
}

func TestRegistrySizing(t *testing.T) {
	tests := []struct {
		hint int64
		want int
	}{
		{hint: 1, want: MinSlots},
		{hint: MinSlots * bytesPerSlot, want: MinSlots},
		{hint: (MinSlots + 1) * bytesPerSlot, want: 2 * MinSlots},
		{hint: 4 * MinSlots * bytesPerSlot, want: 4 * MinSlots},
		{hint: 1 << 62, want: MaxSlots},
	}
	for _, test := range tests {
		r, err := NewRegistry(test.hint)
		if err != nil {
			t.Fatalf("NewRegistry(%d) failed: %v", test.hint, err)
		}
		if got := r.TableSize(); got != test.want {
			t.Errorf("NewRegistry(%d): got %d slots, want %d", test.hint, got, test.want)
		}
	}
	if _, err := NewRegistry(0); err == nil {
		t.Errorf("NewRegistry(0) succeeded, want error")
	}
	if _, err := NewRegistry(-1); err == nil {
		t.Errorf("NewRegistry(-1) succeeded, want error")
	}
}

func TestCreateBadArgs(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	if _, err := r.Create(th, "", 0); err != kernelerr.EINVAL {
		t.Errorf("Create with empty name: got %v, want EINVAL", err)
	}
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := r.Create(th, string(long), 0); err != kernelerr.EINVAL {
		t.Errorf("Create with %d byte name: got %v, want EINVAL", len(long), err)
	}
	if _, err := r.Create(th, "ok", Flags(1<<31)); err != kernelerr.EINVAL {
		t.Errorf("Create with bad flags: got %v, want EINVAL", err)
	}

	team.kill()
	if _, err := r.Create(th, "ok", 0); err != kernelerr.ESRCH {
		t.Errorf("Create on dead team: got %v, want ESRCH", err)
	}
}

func TestCreateDelete(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	id := mustCreate(t, r, th, "lock", 0)
	if got := r.Live(); got != 1 {
		t.Errorf("Live after create: got %d, want 1", got)
	}
	info := mustInfo(t, r, id)
	if info.Name != "lock" || info.OwnerTeam != 2 || info.Holder != 0 || info.State != Normal {
		t.Errorf("unexpected info after create: %+v", info)
	}

	if err := r.Delete(th, id); err != nil {
		t.Fatalf("Delete(%d) failed: %v", id, err)
	}
	if got := r.Live(); got != 0 {
		t.Errorf("Live after delete: got %d, want 0", got)
	}
	if _, err := r.GetInfo(id); err != kernelerr.EINVAL {
		t.Errorf("GetInfo on deleted id: got %v, want EINVAL", err)
	}
}

func TestStaleIDRejected(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	id := mustCreate(t, r, th, "gen", 0)
	if err := r.Delete(th, id); err != nil {
		t.Fatalf("Delete(%d) failed: %v", id, err)
	}

	// Churn through full table reuse cycles; the stale id must never come
	// back to life even when its slot does.
	for i := 0; i < 3*r.TableSize(); i++ {
		nid := mustCreate(t, r, th, "churn", 0)
		if nid == id {
			t.Fatalf("recycled slot reissued stale id %d", id)
		}
		if err := r.Acquire(th, id, 0, 0); err != kernelerr.EINVAL {
			t.Fatalf("Acquire on stale id %d: got %v, want EINVAL", id, err)
		}
		if err := r.Delete(th, nid); err != nil {
			t.Fatalf("Delete(%d) failed: %v", nid, err)
		}
	}
}

func TestIDGenerationAdvances(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	id0 := mustCreate(t, r, th, "first", 0)
	if err := r.Delete(th, id0); err != nil {
		t.Fatalf("Delete(%d) failed: %v", id0, err)
	}

	// The freed slot goes to the tail, so allocate a full table round to
	// get the same slot back.
	var last ID
	for i := 0; i < r.TableSize(); i++ {
		last = mustCreate(t, r, th, "round", 0)
	}
	if int(last)&(r.TableSize()-1) != int(id0)&(r.TableSize()-1) {
		t.Fatalf("expected slot of id %d to be reused by id %d", id0, last)
	}
	if want := (id0 + ID(r.TableSize())) & (1<<31 - 1); last != want {
		t.Errorf("reissued id: got %d, want %d", last, want)
	}
}

func TestTableFull(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	ids := make([]ID, 0, r.TableSize())
	for i := 0; i < r.TableSize(); i++ {
		ids = append(ids, mustCreate(t, r, th, fmt.Sprintf("m%d", i), 0))
	}
	if _, err := r.Create(th, "overflow", 0); err != kernelerr.ENOSPC {
		t.Errorf("Create on full table: got %v, want ENOSPC", err)
	}

	if err := r.Delete(th, ids[0]); err != nil {
		t.Fatalf("Delete(%d) failed: %v", ids[0], err)
	}
	if _, err := r.Create(th, "fits", 0); err != nil {
		t.Errorf("Create after delete failed: %v", err)
	}
}

func TestFind(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	th := newTestThread(10, team)

	idA := mustCreate(t, r, th, "alpha", 0)
	idB := mustCreate(t, r, th, "beta", 0)

	got, err := r.Find("beta")
	if err != nil {
		t.Fatalf("Find(beta) failed: %v", err)
	}
	if got != idB {
		t.Errorf("Find(beta): got %d, want %d", got, idB)
	}
	if _, err := r.Find("gamma"); err != kernelerr.ENOENT {
		t.Errorf("Find(gamma): got %v, want ENOENT", err)
	}

	// Names are not unique; Find returns the lowest slot.
	idA2 := mustCreate(t, r, th, "alpha", 0)
	got, err = r.Find("alpha")
	if err != nil {
		t.Fatalf("Find(alpha) failed: %v", err)
	}
	if got != idA {
		t.Errorf("Find(alpha) with duplicate %d: got %d, want %d", idA2, got, idA)
	}
}

func TestDeletePermission(t *testing.T) {
	r := newTestRegistry(t)
	owner := newTestThread(10, newTestTeam(2))
	stranger := newTestThread(20, newTestTeam(3))
	kernel := newTestThread(1, newKernelTeam())

	id := mustCreate(t, r, owner, "mine", 0)
	if err := r.Delete(stranger, id); err != kernelerr.EACCES {
		t.Errorf("Delete by other team: got %v, want EACCES", err)
	}
	if err := r.Delete(kernel, id); err != nil {
		t.Errorf("Delete by kernel team failed: %v", err)
	}

	id = mustCreate(t, r, owner, "mine", 0)
	if err := r.Delete(owner, id); err != nil {
		t.Errorf("Delete by owner failed: %v", err)
	}
}

func TestDeleteWakesWaiters(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	t1 := newTestThread(10, team)
	t2 := newTestThread(11, team)

	id := mustCreate(t, r, t1, "doomed", 0)
	if err := r.Acquire(t1, id, 0, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	ch := acquireAsync(r, t2, id, 0, 0)
	waitForWaiters(t, r, id, 1)

	if err := r.Delete(t1, id); err != nil {
		t.Fatalf("Delete(%d) failed: %v", id, err)
	}
	if err := recvErr(t, ch); err != kernelerr.EINVAL {
		t.Errorf("waiter on deleted mutex: got %v, want EINVAL", err)
	}
}

func TestInfoCounts(t *testing.T) {
	r := newTestRegistry(t)
	team := newTestTeam(2)
	t1 := newTestThread(10, team)
	t2 := newTestThread(11, team)

	id := mustCreate(t, r, t1, "counts", Recursive)
	if err := r.Acquire(t1, id, 0, 0); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := r.Acquire(t1, id, 0, 0); err != nil {
		t.Fatalf("recursive Acquire failed: %v", err)
	}
	ch := acquireAsync(r, t2, id, 0, 0)
	waitForWaiters(t, r, id, 1)

	info := mustInfo(t, r, id)
	if info.Holder != 10 || info.Recursion != 2 || info.Waiters != 1 {
		t.Errorf("got holder=%d recursion=%d waiters=%d, want 10/2/1", info.Holder, info.Recursion, info.Waiters)
	}

	if err := r.Release(t1, id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := r.Release(t1, id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := recvErr(t, ch); err != nil {
		t.Fatalf("blocked Acquire failed: %v", err)
	}
	info = mustInfo(t, r, id)
	if info.Holder != 11 || info.Recursion != 1 || info.Waiters != 0 {
		t.Errorf("got holder=%d recursion=%d waiters=%d, want 11/1/0", info.Holder, info.Recursion, info.Waiters)
	}
}
