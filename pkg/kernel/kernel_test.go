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
	"testing"
	"time"

	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/kernel/kmutex"
)

const testMemoryHint = 1 << 22

func bootKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := Boot(Config{MemoryHint: testMemoryHint})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return k
}

// spawn starts fn on a new thread of tm and returns a channel carrying its
// result.
func spawn(t *testing.T, tm *Team, name string, fn func(self *Thread) error) chan error {
	t.Helper()
	ch := make(chan error, 1)
	if _, err := tm.Spawn(name, func(self *Thread) {
		ch <- fn(self)
	}); err != nil {
		t.Fatalf("Spawn(%q) failed: %v", name, err)
	}
	return ch
}

func recvResult(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for thread result")
	}
	return nil
}

// waitForWaiters polls until the mutex has want queued waiters.
func waitForWaiters(t *testing.T, r *kmutex.Registry, id kmutex.ID, want int) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 10*time.Second; {
		info, err := r.GetInfo(id)
		if err != nil {
			t.Fatalf("GetInfo(%d) failed: %v", id, err)
		}
		if info.Waiters == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on mutex %d", want, id)
}

func TestBoot(t *testing.T) {
	k := bootKernel(t)
	kt := k.KernelTeam()
	if kt.ID() != KernelTeamID {
		t.Errorf("kernel team id: got %d, want %d", kt.ID(), KernelTeamID)
	}
	if !kt.IsKernel() || !kt.Alive() {
		t.Errorf("kernel team: got kernel=%t alive=%t, want both true", kt.IsKernel(), kt.Alive())
	}
	if got := k.TeamWithID(KernelTeamID); got != kt {
		t.Errorf("TeamWithID(%d): got %p, want %p", KernelTeamID, got, kt)
	}
	if k.Mutexes().TableSize() == 0 {
		t.Errorf("mutex table is empty")
	}

	if _, err := Boot(Config{}); err == nil {
		t.Errorf("Boot with zero memory hint succeeded")
	}
}

func TestSpawnAndExit(t *testing.T) {
	k := bootKernel(t)
	tm := k.NewTeam("workers")
	if tm.ID() == KernelTeamID || tm.IsKernel() {
		t.Fatalf("user team got id %d kernel=%t", tm.ID(), tm.IsKernel())
	}

	var ids []ThreadID
	for i := 0; i < 3; i++ {
		ch := spawn(t, tm, "worker", func(self *Thread) error {
			ids = append(ids, self.ID())
			return nil
		})
		if err := recvResult(t, ch); err != nil {
			t.Fatalf("thread failed: %v", err)
		}
	}
	tm.WaitExited()

	if len(ids) != 3 || ids[0] == 0 || ids[0] == ids[1] || ids[1] == ids[2] {
		t.Errorf("thread ids not unique and nonzero: %v", ids)
	}
	if got := len(tm.Threads()); got != 0 {
		t.Errorf("threads left after exit: %d", got)
	}
	k.WaitExited()
}

func TestExitForceReleases(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	tm := k.NewTeam("leaky")

	idCh := make(chan kmutex.ID, 1)
	ch := spawn(t, tm, "leaker", func(self *Thread) error {
		id, err := r.Create(self, "leak", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		idCh <- id
		// Exit while holding.
		return nil
	})
	if err := recvResult(t, ch); err != nil {
		t.Fatalf("leaker failed: %v", err)
	}
	id := <-idCh
	tm.WaitExited()

	info, err := r.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo(%d) failed: %v", id, err)
	}
	if info.Holder != 0 || info.State != kmutex.NeedsRecovery {
		t.Errorf("after holder exit: got holder=%d state=%v, want 0/NeedsRecovery", info.Holder, info.State)
	}

	// The next acquirer inherits and repairs it.
	ch = spawn(t, tm, "heir", func(self *Thread) error {
		if err := r.Acquire(self, id, 0, 0); err != kernelerr.EOWNERDEAD {
			t.Errorf("inheriting acquire: got %v, want EOWNERDEAD", err)
		}
		if err := r.MarkConsistent(self, id); err != nil {
			return err
		}
		return r.Release(self, id)
	})
	if err := recvResult(t, ch); err != nil {
		t.Fatalf("heir failed: %v", err)
	}
	tm.WaitExited()
}

func TestContendedHandoff(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	tm := k.NewTeam("pair")

	idCh := make(chan kmutex.ID, 1)
	release := make(chan struct{})
	holder := spawn(t, tm, "holder", func(self *Thread) error {
		id, err := r.Create(self, "handoff", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		idCh <- id
		<-release
		return r.Release(self, id)
	})
	id := <-idCh

	contender := spawn(t, tm, "contender", func(self *Thread) error {
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		return r.Release(self, id)
	})
	waitForWaiters(t, r, id, 1)

	close(release)
	if err := recvResult(t, holder); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := recvResult(t, contender); err != nil {
		t.Fatalf("contender failed: %v", err)
	}
	tm.WaitExited()
}

func TestBlockDeadline(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	tm := k.NewTeam("timed")

	idCh := make(chan kmutex.ID, 1)
	release := make(chan struct{})
	holder := spawn(t, tm, "holder", func(self *Thread) error {
		id, err := r.Create(self, "timed", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		idCh <- id
		<-release
		return r.Release(self, id)
	})
	id := <-idCh

	waiter := spawn(t, tm, "waiter", func(self *Thread) error {
		return r.Acquire(self, id, kmutex.TimeoutRelative, 30*time.Millisecond)
	})
	if err := recvResult(t, waiter); err != kernelerr.ETIMEDOUT {
		t.Errorf("timed acquire: got %v, want ETIMEDOUT", err)
	}

	close(release)
	if err := recvResult(t, holder); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	tm.WaitExited()
}

func TestInterruptBlockedThread(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	tm := k.NewTeam("interruptible")

	idCh := make(chan kmutex.ID, 1)
	release := make(chan struct{})
	holder := spawn(t, tm, "holder", func(self *Thread) error {
		id, err := r.Create(self, "gate", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		idCh <- id
		<-release
		return r.Release(self, id)
	})
	id := <-idCh

	waiterCh := make(chan error, 1)
	waiterThread, err := tm.Spawn("waiter", func(self *Thread) {
		waiterCh <- r.Acquire(self, id, 0, 0)
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	waitForWaiters(t, r, id, 1)

	waiterThread.Interrupt()
	if err := recvResult(t, waiterCh); err != kernelerr.EINTR {
		t.Errorf("interrupted acquire: got %v, want EINTR", err)
	}

	close(release)
	if err := recvResult(t, holder); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	tm.WaitExited()
}

func TestInterruptPending(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	tm := k.NewTeam("pending")

	idCh := make(chan kmutex.ID, 1)
	release := make(chan struct{})
	holder := spawn(t, tm, "holder", func(self *Thread) error {
		id, err := r.Create(self, "busy", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		idCh <- id
		<-release
		return r.Release(self, id)
	})
	id := <-idCh

	ch := spawn(t, tm, "impatient", func(self *Thread) error {
		// An interrupt delivered while running fails the next contended
		// acquire without queueing.
		self.Interrupt()
		if err := r.Acquire(self, id, 0, 0); err != kernelerr.EINTR {
			t.Errorf("acquire with pending interrupt: got %v, want EINTR", err)
		}
		// The interrupt was consumed: the next bounded acquire runs its
		// wait out instead of failing early.
		if err := r.Acquire(self, id, kmutex.TimeoutRelative, 10*time.Millisecond); err != kernelerr.ETIMEDOUT {
			t.Errorf("timed acquire after consumed interrupt: got %v, want ETIMEDOUT", err)
		}
		return nil
	})
	if err := recvResult(t, ch); err != nil {
		t.Fatalf("impatient thread failed: %v", err)
	}

	close(release)
	if err := recvResult(t, holder); err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	tm.WaitExited()
}

func TestTeamKill(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()
	keeper := k.NewTeam("keeper")
	victim := k.NewTeam("victim")

	// A keeper thread holds a gate the victim thread will block on.
	gateCh := make(chan kmutex.ID, 1)
	release := make(chan struct{})
	keeperCh := spawn(t, keeper, "gatekeeper", func(self *Thread) error {
		id, err := r.Create(self, "gate", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		gateCh <- id
		<-release
		return r.Release(self, id)
	})
	gate := <-gateCh

	ownedCh := make(chan kmutex.ID, 1)
	victimCh := spawn(t, victim, "loser", func(self *Thread) error {
		id, err := r.Create(self, "owned", 0)
		if err != nil {
			return err
		}
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		ownedCh <- id
		// Block on the keeper's gate until the kill interrupts us.
		return r.Acquire(self, gate, 0, 0)
	})
	owned := <-ownedCh
	waitForWaiters(t, r, gate, 1)

	victim.Kill()
	if err := recvResult(t, victimCh); err != kernelerr.EINTR {
		t.Errorf("victim's blocked acquire: got %v, want EINTR", err)
	}
	victim.WaitExited()

	if victim.Alive() {
		t.Errorf("killed team still alive")
	}
	if _, err := r.GetInfo(owned); err != kernelerr.EINVAL {
		t.Errorf("GetInfo on torn down mutex: got %v, want EINVAL", err)
	}
	if _, err := victim.Spawn("late", func(*Thread) {}); err != kernelerr.ESRCH {
		t.Errorf("Spawn on killed team: got %v, want ESRCH", err)
	}

	// Idempotent.
	victim.Kill()

	// The keeper is untouched.
	if info, err := r.GetInfo(gate); err != nil || info.Holder == 0 {
		t.Errorf("gate after kill: info=%+v err=%v", info, err)
	}
	close(release)
	if err := recvResult(t, keeperCh); err != nil {
		t.Fatalf("keeper failed: %v", err)
	}
	k.WaitExited()
}

func TestKernelTeamPermission(t *testing.T) {
	k := bootKernel(t)
	r := k.Mutexes()

	idCh := make(chan kmutex.ID, 1)
	ch := spawn(t, k.KernelTeam(), "kworker", func(self *Thread) error {
		id, err := r.Create(self, "protected", kmutex.CheckPermission)
		if err != nil {
			return err
		}
		idCh <- id
		if err := r.Acquire(self, id, 0, 0); err != nil {
			return err
		}
		return r.Release(self, id)
	})
	id := <-idCh
	if err := recvResult(t, ch); err != nil {
		t.Fatalf("kernel thread failed: %v", err)
	}

	user := k.NewTeam("user")
	ch = spawn(t, user, "uworker", func(self *Thread) error {
		return r.Acquire(self, id, 0, 0)
	})
	if err := recvResult(t, ch); err != kernelerr.EACCES {
		t.Errorf("user acquire of protected mutex: got %v, want EACCES", err)
	}
	k.WaitExited()
}

func TestTeamsSnapshot(t *testing.T) {
	k := bootKernel(t)
	a := k.NewTeam("a")
	b := k.NewTeam("b")

	teams := k.Teams()
	if len(teams) != 3 {
		t.Fatalf("Teams returned %d teams, want 3", len(teams))
	}
	if k.TeamWithID(a.ID()) != a || k.TeamWithID(b.ID()) != b {
		t.Errorf("TeamWithID mismatch")
	}
	if k.TeamWithID(999) != nil {
		t.Errorf("TeamWithID(999) returned a team")
	}

	// Killed teams stay visible.
	b.Kill()
	if got := k.TeamWithID(b.ID()); got != b {
		t.Errorf("killed team vanished from the table")
	}
	if b.Alive() {
		t.Errorf("killed team reports alive")
	}
}
