package kmutex

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type teamStateMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *teamStateMutex) Lock() {
	locking.AddGLock(teamStateprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *teamStateMutex) NestedLock() {
	locking.AddGLock(teamStateprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *teamStateMutex) Unlock() {
	locking.DelGLock(teamStateprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *teamStateMutex) NestedUnlock() {
	locking.DelGLock(teamStateprefixIndex, 1)
	m.mu.Unlock()
}

var teamStateprefixIndex *locking.MutexClass

func init() {
	teamStateprefixIndex = locking.NewMutexClass(reflect.TypeOf(teamStateMutex{}))
}
