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

//go:build lockdep
// +build lockdep

package locking

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"kmx.dev/kmx/pkg/sync"
)

type goroutineLocks map[*MutexClass]bool

// MutexClass describes mutexes that share lock ordering rules. All mutexes
// of one class are locked under the same code paths.
type MutexClass struct {
	typ reflect.Type

	// parent and n are set on subclasses. A subclass is used when a mutex
	// is locked while another mutex of the same base class is held.
	parent *MutexClass
	n      uint32

	// ancestors maps each class that has ever been locked before this one
	// to the stack that first established that ordering.
	//
	// Protected by lockdepMu.
	ancestors map[*MutexClass]string

	// subclasses are created on first use.
	//
	// Protected by lockdepMu.
	subclasses map[uint32]*MutexClass
}

// String implements fmt.Stringer.String.
func (m *MutexClass) String() string {
	if m.parent == nil {
		return m.typ.String()
	}
	return fmt.Sprintf("%s/%d", m.typ.String(), m.n)
}

// NewMutexClass returns a new mutex class.
func NewMutexClass(t reflect.Type) *MutexClass {
	return &MutexClass{typ: t}
}

// lockdepMu protects routineLocks and the ancestors and subclasses maps of
// all mutex classes. The validator only runs on lockdep builds, so a single
// mutex is acceptable.
var lockdepMu sync.Mutex

// routineLocks maps a goroutine ID to the set of classes it currently holds.
var routineLocks = map[int64]goroutineLocks{}

// AddGLock records a lock of the specified class on the current goroutine
// and panics if it would reverse an established lock ordering. A non-zero
// subclass selects the nested class, for locks that are taken while another
// lock of the same base class is held.
func AddGLock(class *MutexClass, subclass uint32) {
	gid := goroutineID()

	lockdepMu.Lock()
	defer lockdepMu.Unlock()

	if subclass != 0 {
		class = class.subclassLocked(subclass)
	}
	gl := routineLocks[gid]
	if gl == nil {
		gl = make(goroutineLocks)
		routineLocks[gid] = gl
	}
	if gl[class] {
		panic(fmt.Sprintf("lockdep: %s has been locked twice on the same goroutine", class))
	}
	for held := range gl {
		if path := held.pathToLocked(class, nil); path != nil {
			panic(reversedMessage(held, class, path))
		}
	}
	stack := callerStack()
	for held := range gl {
		if class.ancestors == nil {
			class.ancestors = make(map[*MutexClass]string)
		}
		if _, ok := class.ancestors[held]; !ok {
			class.ancestors[held] = stack
		}
	}
	gl[class] = true
}

// DelGLock records an unlock of the specified class on the current goroutine.
func DelGLock(class *MutexClass, subclass uint32) {
	gid := goroutineID()

	lockdepMu.Lock()
	defer lockdepMu.Unlock()

	if subclass != 0 {
		class = class.subclassLocked(subclass)
	}
	gl := routineLocks[gid]
	if !gl[class] {
		panic(fmt.Sprintf("lockdep: unlock of %s that is not locked on this goroutine", class))
	}
	delete(gl, class)
	if len(gl) == 0 {
		delete(routineLocks, gid)
	}
}

// subclassLocked returns the nested class for the given subclass number,
// creating it on first use.
//
// Precondition: lockdepMu must be locked.
func (m *MutexClass) subclassLocked(n uint32) *MutexClass {
	if c := m.subclasses[n]; c != nil {
		return c
	}
	c := &MutexClass{typ: m.typ, parent: m, n: n}
	if m.subclasses == nil {
		m.subclasses = make(map[uint32]*MutexClass)
	}
	m.subclasses[n] = c
	return c
}

// pathToLocked returns the chain of classes recording that target has been
// locked before m, walking ancestors transitively. The returned path starts
// at m and ends at target, or is nil if no such chain exists. seen guards
// against ordering cycles that racing goroutines may have recorded.
//
// Precondition: lockdepMu must be locked.
func (m *MutexClass) pathToLocked(target *MutexClass, seen map[*MutexClass]bool) []*MutexClass {
	if m == target {
		return []*MutexClass{m}
	}
	if seen == nil {
		seen = make(map[*MutexClass]bool)
	}
	seen[m] = true
	for a := range m.ancestors {
		if seen[a] {
			continue
		}
		if path := a.pathToLocked(target, seen); path != nil {
			return append([]*MutexClass{m}, path...)
		}
	}
	return nil
}

// reversedMessage builds the panic message for a reversed lock ordering,
// including the stack that established each edge of the existing chain.
func reversedMessage(held, class *MutexClass, path []*MutexClass) string {
	var b strings.Builder
	fmt.Fprintf(&b, "lockdep: reversed lock ordering: %s locked while holding %s", class, held)
	for i := len(path) - 2; i >= 0; i-- {
		earlier, later := path[i+1], path[i]
		fmt.Fprintf(&b, "\n%s locked before %s, established at:\n%s", earlier, later, later.ancestors[earlier])
	}
	return b.String()
}

// goroutineID returns the runtime ID of the calling goroutine, parsed from
// the header line of its stack trace. This is slow, which is acceptable on
// lockdep builds.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 || fields[0] != "goroutine" {
		panic(fmt.Sprintf("lockdep: unexpected stack header %q", buf[:n]))
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		panic(fmt.Sprintf("lockdep: unexpected goroutine ID %q: %v", fields[1], err))
	}
	return id
}

// callerStack returns the stack of the calling goroutine.
func callerStack() string {
	buf := make([]byte, 8192)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
