package kmutex

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type threadStateMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *threadStateMutex) Lock() {
	locking.AddGLock(threadStateprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *threadStateMutex) NestedLock() {
	locking.AddGLock(threadStateprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *threadStateMutex) Unlock() {
	locking.DelGLock(threadStateprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *threadStateMutex) NestedUnlock() {
	locking.DelGLock(threadStateprefixIndex, 1)
	m.mu.Unlock()
}

var threadStateprefixIndex *locking.MutexClass

func init() {
	threadStateprefixIndex = locking.NewMutexClass(reflect.TypeOf(threadStateMutex{}))
}
