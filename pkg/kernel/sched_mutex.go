package kernel

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type schedMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *schedMutex) Lock() {
	locking.AddGLock(schedprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *schedMutex) NestedLock() {
	locking.AddGLock(schedprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *schedMutex) Unlock() {
	locking.DelGLock(schedprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *schedMutex) NestedUnlock() {
	locking.DelGLock(schedprefixIndex, 1)
	m.mu.Unlock()
}

var schedprefixIndex *locking.MutexClass

func init() {
	schedprefixIndex = locking.NewMutexClass(reflect.TypeOf(schedMutex{}))
}
