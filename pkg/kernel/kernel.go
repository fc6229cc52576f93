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

// Package kernel provides the execution model the mutex subsystem lives in:
// teams of threads backed by goroutines, with cooperative blocking,
// interruption, and teardown.
//
// Lock order:
//
//	Kernel.mu
//	Team.mu
//	Thread.schedMu
//
// None of these are ever held across a call into the mutex registry; the
// registry's entry locks treat Thread.schedMu as a leaf via Unblock.
package kernel

import (
	"fmt"

	"kmx.dev/kmx/pkg/kernel/kmutex"
	"kmx.dev/kmx/pkg/log"
	"kmx.dev/kmx/pkg/sync"
)

// ThreadID identifies a thread. 0 is never a valid id.
type ThreadID = kmutex.ThreadID

// TeamID identifies a team. 0 is never a valid id.
type TeamID = kmutex.TeamID

// KernelTeamID is the id of the kernel's own team, created at boot.
const KernelTeamID TeamID = 1

// Config carries the boot parameters.
type Config struct {
	// MemoryHint is the booted machine's memory size in bytes. It sizes
	// the mutex table.
	MemoryHint int64
}

// Kernel owns the teams, their threads, and the mutex registry.
type Kernel struct {
	// mutexes is the mutex subsystem. Immutable after Boot.
	mutexes *kmutex.Registry

	// mu protects the team table and the id counters.
	mu sync.RWMutex

	// teams maps team ids to live and dead teams. Teams are never removed;
	// a killed team remains visible with Alive() == false.
	teams map[TeamID]*Team

	// kernelTeam is the team the kernel's own threads run in. Immutable
	// after Boot.
	kernelTeam *Team

	lastTeamID   TeamID
	lastThreadID ThreadID

	// liveThreads is the number of non-exited thread goroutines.
	liveThreads sync.WaitGroup
}

// Boot creates a kernel with an empty mutex table and the kernel team.
func Boot(cfg Config) (*Kernel, error) {
	r, err := kmutex.NewRegistry(cfg.MemoryHint)
	if err != nil {
		return nil, fmt.Errorf("creating mutex registry: %w", err)
	}
	k := &Kernel{
		mutexes: r,
		teams:   make(map[TeamID]*Team),
	}
	k.kernelTeam = k.newTeam("kernel", true)
	if k.kernelTeam.ID() != KernelTeamID {
		panic(fmt.Sprintf("kernel team allocated id %d", k.kernelTeam.ID()))
	}
	log.Infof("Kernel booted: %d mutex slots, kernel team %d", r.TableSize(), k.kernelTeam.ID())
	return k, nil
}

// Mutexes returns the mutex registry.
func (k *Kernel) Mutexes() *kmutex.Registry {
	return k.mutexes
}

// KernelTeam returns the kernel's own team.
func (k *Kernel) KernelTeam() *Team {
	return k.kernelTeam
}

// NewTeam creates a new user team.
func (k *Kernel) NewTeam(name string) *Team {
	return k.newTeam(name, false)
}

func (k *Kernel) newTeam(name string, kernel bool) *Team {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lastTeamID++
	tm := &Team{
		k:      k,
		id:     k.lastTeamID,
		name:   name,
		kernel: kernel,
	}
	tm.alive.Store(true)
	k.teams[tm.id] = tm
	return tm
}

// TeamWithID returns the team with the given id, or nil. Dead teams are
// still returned.
func (k *Kernel) TeamWithID(id TeamID) *Team {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.teams[id]
}

// Teams returns a snapshot of all teams, dead ones included.
func (k *Kernel) Teams() []*Team {
	k.mu.RLock()
	defer k.mu.RUnlock()
	teams := make([]*Team, 0, len(k.teams))
	for _, tm := range k.teams {
		teams = append(teams, tm)
	}
	return teams
}

// allocThreadID returns the next unused thread id.
func (k *Kernel) allocThreadID() ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastThreadID++
	return k.lastThreadID
}

// WaitExited blocks until every thread goroutine in k has exited.
func (k *Kernel) WaitExited() {
	k.liveThreads.Wait()
}
