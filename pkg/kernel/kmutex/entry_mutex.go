package kmutex

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type entryMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *entryMutex) Lock() {
	locking.AddGLock(entryprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *entryMutex) NestedLock() {
	locking.AddGLock(entryprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *entryMutex) Unlock() {
	locking.DelGLock(entryprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *entryMutex) NestedUnlock() {
	locking.DelGLock(entryprefixIndex, 1)
	m.mu.Unlock()
}

var entryprefixIndex *locking.MutexClass

func init() {
	entryprefixIndex = locking.NewMutexClass(reflect.TypeOf(entryMutex{}))
}
