package kmutex

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type registryMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *registryMutex) Lock() {
	locking.AddGLock(registryprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *registryMutex) NestedLock() {
	locking.AddGLock(registryprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *registryMutex) Unlock() {
	locking.DelGLock(registryprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *registryMutex) NestedUnlock() {
	locking.DelGLock(registryprefixIndex, 1)
	m.mu.Unlock()
}

var registryprefixIndex *locking.MutexClass

func init() {
	registryprefixIndex = locking.NewMutexClass(reflect.TypeOf(registryMutex{}))
}
