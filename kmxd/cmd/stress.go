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

package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
	"kmx.dev/kmx/kmxd/cmd/util"
	"kmx.dev/kmx/kmxd/config"
	"kmx.dev/kmx/kmxd/flag"
	"kmx.dev/kmx/pkg/atomicbitops"
	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/kernel"
	"kmx.dev/kmx/pkg/kernel/kmutex"
	"kmx.dev/kmx/pkg/log"
	"kmx.dev/kmx/pkg/syscalls"
)

// dirtyReleasePct is the share of inherited mutexes that workers put back
// without marking them consistent, condemning them for the janitor to
// replace.
const dirtyReleasePct = 20

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	teams      int
	threads    int
	mutexes    int
	duration   time.Duration
	opsPerSec  float64
	seed       int64
	abandonPct int
	teamChurn  bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer the mutex registry with randomized contention"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run randomized teams of threads against a shared set of mutexes,
injecting owner deaths and team kills, and verify the registry comes out clean
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.teams, "teams", 4, "number of worker teams.")
	f.IntVar(&s.threads, "threads", 8, "number of worker threads per team.")
	f.IntVar(&s.mutexes, "mutexes", 16, "number of mutexes to contend over.")
	f.DurationVar(&s.duration, "duration", 5*time.Second, "how long to run.")
	f.Float64Var(&s.opsPerSec, "ops-per-sec", 0, "limit on acquire attempts per second across all workers. 0 means no limit.")
	f.Int64Var(&s.seed, "seed", 0, "random seed. 0 picks one from the clock.")
	f.IntVar(&s.abandonPct, "abandon-pct", 1, "percent of successful acquires that exit the holding thread instead of releasing.")
	f.BoolVar(&s.teamChurn, "team-churn", true, "kill and replace whole teams while running.")
}

// stressStats counts operation outcomes across all workers.
type stressStats struct {
	acquires      atomicbitops.Uint64
	wouldblock    atomicbitops.Uint64
	timeouts      atomicbitops.Uint64
	interrupts    atomicbitops.Uint64
	inherited     atomicbitops.Uint64
	condemned     atomicbitops.Uint64
	unrecoverable atomicbitops.Uint64
	stale         atomicbitops.Uint64
	abandons      atomicbitops.Uint64
	teamKills     atomicbitops.Uint64
	replaced      atomicbitops.Uint64
}

func (st *stressStats) String() string {
	return fmt.Sprintf("acquires=%d wouldblock=%d timeouts=%d interrupts=%d inherited=%d condemned=%d unrecoverable=%d stale=%d abandons=%d team-kills=%d replaced=%d",
		st.acquires.RacyLoad(), st.wouldblock.RacyLoad(), st.timeouts.RacyLoad(),
		st.interrupts.RacyLoad(), st.inherited.RacyLoad(), st.condemned.RacyLoad(),
		st.unrecoverable.RacyLoad(), st.stale.RacyLoad(), st.abandons.RacyLoad(),
		st.teamKills.RacyLoad(), st.replaced.RacyLoad())
}

// stressMutex is one slot in the shared working set.
type stressMutex struct {
	id        kmutex.ID
	name      string
	recursive bool
}

// mutexSlots holds the current working set. The janitor replaces condemned
// mutexes, so workers take ids out under the lock and treat EINVAL from a
// stale id as a miss.
type mutexSlots struct {
	mu    sync.RWMutex
	slots []stressMutex
}

func (ms *mutexSlots) pick(rng *rand.Rand) stressMutex {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.slots[rng.Intn(len(ms.slots))]
}

func (ms *mutexSlots) get(i int) stressMutex {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.slots[i]
}

func (ms *mutexSlots) len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.slots)
}

func (ms *mutexSlots) replace(i int, id kmutex.ID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.slots[i].id = id
}

// teamSet holds the current worker teams so the churner can swap them out
// under live load.
type teamSet struct {
	mu    sync.Mutex
	teams []*kernel.Team
	gen   int
}

func (ts *teamSet) get(i int) *kernel.Team {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.teams[i]
}

func (ts *teamSet) replace(i int, tm *kernel.Team) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.teams[i] = tm
}

func (ts *teamSet) nextGen() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.gen++
	return ts.gen
}

func (ts *teamSet) all() []*kernel.Team {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*kernel.Team(nil), ts.teams...)
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.teams < 1 || s.threads < 1 || s.mutexes < 1 {
		util.Fatalf("-teams, -threads and -mutexes must all be at least 1")
	}
	if s.duration <= 0 {
		util.Fatalf("-duration must be positive")
	}
	if s.abandonPct < 0 || s.abandonPct > 100 {
		util.Fatalf("-abandon-pct must be between 0 and 100")
	}
	conf := args[0].(*config.Config)
	k := bootKernel(conf)

	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	util.Infof("Reproduce with: kmxd %s stress -teams=%d -threads=%d -mutexes=%d -duration=%s -abandon-pct=%d -team-churn=%t -seed=%d",
		strings.Join(conf.ToFlags(), " "), s.teams, s.threads, s.mutexes, s.duration, s.abandonPct, s.teamChurn, seed)

	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warningf("Caught signal %v, stopping early", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var limiter *rate.Limiter
	if s.opsPerSec > 0 {
		burst := int(s.opsPerSec / 10)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opsPerSec), burst)
	}

	stats := &stressStats{}
	slots := &mutexSlots{slots: make([]stressMutex, s.mutexes)}

	// The owner team is never killed, so the working set survives team churn
	// and the janitor always has delete permission.
	owner := k.NewTeam("owner")
	if err := call(owner, "setup", func(self *kernel.Thread) error {
		for i := range slots.slots {
			m := stressMutex{
				name:      fmt.Sprintf("stress-%03d", i),
				recursive: i%2 == 0,
			}
			var flags kmutex.Flags
			if m.recursive {
				flags = kmutex.Recursive
			}
			id, err := syscalls.MutexCreate(self, m.name, flags)
			if err != nil {
				return err
			}
			m.id = id
			slots.slots[i] = m
		}
		return nil
	}); err != nil {
		return util.Errorf("creating working set: %v", err)
	}
	if _, err := owner.Spawn("janitor", func(self *kernel.Thread) {
		s.janitor(ctx, self, slots, stats)
	}); err != nil {
		return util.Errorf("spawning janitor: %v", err)
	}

	var seq atomicbitops.Int64
	workerSeed := func() int64 {
		return seed + seq.Add(1)
	}

	teams := &teamSet{teams: make([]*kernel.Team, s.teams)}
	var setup errgroup.Group
	for i := 0; i < s.teams; i++ {
		i := i
		setup.Go(func() error {
			tm := k.NewTeam(fmt.Sprintf("workers-%d", teams.nextGen()))
			for j := 0; j < s.threads; j++ {
				if err := s.spawnWorker(ctx, tm, workerSeed(), slots, limiter, stats); err != nil {
					return err
				}
			}
			teams.replace(i, tm)
			return nil
		})
	}
	if err := setup.Wait(); err != nil {
		return util.Errorf("spawning workers: %v", err)
	}
	log.Infof("Stress running: %d teams x %d threads over %d mutexes for %s", s.teams, s.threads, s.mutexes, s.duration)

	g, ctx := errgroup.WithContext(ctx)
	if s.teamChurn {
		g.Go(func() error {
			return s.churn(ctx, k, teams, rand.New(rand.NewSource(workerSeed())), slots, limiter, stats)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				log.Infof("Stress progress: %s", stats)
			}
		}
	})
	if err := g.Wait(); err != nil {
		return util.Errorf("stress run: %v", err)
	}

	// Interrupt stragglers and wait for every thread to wind down before
	// checking the registry.
	for _, tm := range teams.all() {
		tm.Kill()
	}
	k.WaitExited()

	if err := call(owner, "verify", func(self *kernel.Thread) error {
		for i := 0; i < slots.len(); i++ {
			m := slots.get(i)
			info, err := syscalls.MutexGetInfo(self, m.id)
			if err != nil {
				return fmt.Errorf("mutex %q vanished: %v", m.name, err)
			}
			if info.Holder != 0 || info.Waiters != 0 {
				return fmt.Errorf("mutex %q not quiescent: holder=%d waiters=%d", m.name, info.Holder, info.Waiters)
			}
		}
		return nil
	}); err != nil {
		return util.Errorf("registry not clean after run: %v", err)
	}

	util.Infof("Stress complete: %s", stats)
	k.Mutexes().List(os.Stdout, kmutex.ListFilter{})
	return subcommands.ExitSuccess
}

// spawnWorker starts one worker thread on tm.
func (s *Stress) spawnWorker(ctx context.Context, tm *kernel.Team, seed int64, slots *mutexSlots, limiter *rate.Limiter, stats *stressStats) error {
	rng := rand.New(rand.NewSource(seed))
	_, err := tm.Spawn("worker", func(self *kernel.Thread) {
		s.worker(ctx, self, tm, rng, slots, limiter, stats)
	})
	return err
}

// worker runs acquire/release traffic until the context ends or its team is
// killed.
func (s *Stress) worker(ctx context.Context, self *kernel.Thread, tm *kernel.Team, rng *rand.Rand, slots *mutexSlots, limiter *rate.Limiter, stats *stressStats) {
	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		m := slots.pick(rng)
		var err error
		switch p := rng.Intn(100); {
		case p < 10:
			err = syscalls.MutexAcquire(self, m.id, kmutex.TimeoutRelative, 0)
		case p < 25:
			err = syscalls.MutexAcquire(self, m.id, kmutex.TimeoutRelative, time.Duration(rng.Intn(3000))*time.Microsecond)
		default:
			err = syscalls.MutexAcquire(self, m.id, 0, 0)
		}
		switch err {
		case nil:
			stats.acquires.Add(1)
			if s.hold(ctx, self, tm, m, rng, slots, limiter, stats) {
				return
			}
		case kernelerr.EOWNERDEAD:
			stats.inherited.Add(1)
			if rng.Intn(100) < dirtyReleasePct {
				// Putting it back without marking it consistent condemns
				// it; the janitor will replace it.
				stats.condemned.Add(1)
				if err := syscalls.MutexRelease(self, m.id); err != nil {
					util.Fatalf("releasing inherited mutex %d: %v", m.id, err)
				}
				continue
			}
			if err := syscalls.MutexMarkConsistent(self, m.id); err != nil {
				util.Fatalf("marking mutex %d consistent: %v", m.id, err)
			}
			if s.hold(ctx, self, tm, m, rng, slots, limiter, stats) {
				return
			}
		case kernelerr.EWOULDBLOCK:
			stats.wouldblock.Add(1)
		case kernelerr.ETIMEDOUT:
			stats.timeouts.Add(1)
		case kernelerr.EINTR:
			stats.interrupts.Add(1)
			if !tm.Alive() {
				return
			}
		case kernelerr.EINVAL:
			// The mutex was deleted and replaced under us.
			stats.stale.Add(1)
		case kernelerr.ENOTRECOVERABLE:
			stats.unrecoverable.Add(1)
			self.Reschedule()
		default:
			util.Fatalf("unexpected acquire error on mutex %d: %v", m.id, err)
		}
	}
}

// hold briefly exercises a held mutex. It returns true if the worker should
// exit without releasing, abandoning the mutex to the next acquirer.
func (s *Stress) hold(ctx context.Context, self *kernel.Thread, tm *kernel.Team, m stressMutex, rng *rand.Rand, slots *mutexSlots, limiter *rate.Limiter, stats *stressStats) bool {
	if m.recursive && rng.Intn(100) < 30 {
		if err := syscalls.MutexAcquire(self, m.id, 0, 0); err != nil {
			util.Fatalf("nested acquire of mutex %d: %v", m.id, err)
		}
		if err := syscalls.MutexRelease(self, m.id); err != nil {
			util.Fatalf("nested release of mutex %d: %v", m.id, err)
		}
	}
	self.Reschedule()
	if s.abandonPct > 0 && rng.Intn(100) < s.abandonPct {
		stats.abandons.Add(1)
		// Leave a successor behind; this thread exits still holding and the
		// exit path hands the mutex to the next waiter as EOWNERDEAD.
		if err := s.spawnWorker(ctx, tm, rng.Int63(), slots, limiter, stats); err != nil && err != kernelerr.ESRCH {
			util.Fatalf("respawning worker: %v", err)
		}
		return true
	}
	if err := syscalls.MutexRelease(self, m.id); err != nil {
		util.Fatalf("releasing mutex %d: %v", m.id, err)
	}
	return false
}

// janitor scans for condemned mutexes and replaces them. It runs on the owner
// team so deletes are permitted.
func (s *Stress) janitor(ctx context.Context, self *kernel.Thread, slots *mutexSlots, stats *stressStats) {
	for ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
		for i := 0; i < slots.len(); i++ {
			m := slots.get(i)
			info, err := syscalls.MutexGetInfo(self, m.id)
			if err != nil || info.State != kmutex.NotRecoverable {
				continue
			}
			if err := syscalls.MutexDelete(self, m.id); err != nil {
				continue
			}
			var flags kmutex.Flags
			if m.recursive {
				flags = kmutex.Recursive
			}
			id, err := syscalls.MutexCreate(self, m.name, flags)
			if err != nil {
				util.Fatalf("recreating condemned mutex %q: %v", m.name, err)
			}
			slots.replace(i, id)
			stats.replaced.Add(1)
		}
	}
}

// churn kills a random worker team after spinning up its replacement.
func (s *Stress) churn(ctx context.Context, k *kernel.Kernel, teams *teamSet, rng *rand.Rand, slots *mutexSlots, limiter *rate.Limiter, stats *stressStats) error {
	var seq int64
	for {
		d := 100*time.Millisecond + time.Duration(rng.Intn(int(400*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
		i := rng.Intn(s.teams)
		old := teams.get(i)
		repl := k.NewTeam(fmt.Sprintf("workers-%d", teams.nextGen()))
		for j := 0; j < s.threads; j++ {
			seq++
			if err := s.spawnWorker(ctx, repl, rng.Int63()+seq, slots, limiter, stats); err != nil {
				return fmt.Errorf("spawning replacement workers: %v", err)
			}
		}
		teams.replace(i, repl)
		old.Kill()
		stats.teamKills.Add(1)
		log.Infof("Killed team %d %q, replaced with team %d", old.ID(), old.Name(), repl.ID())
	}
}
