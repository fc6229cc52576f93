//go:build lockdep
// +build lockdep

package locking_test

import (
	"reflect"

	"kmx.dev/kmx/pkg/sync"
	"kmx.dev/kmx/pkg/sync/locking"
)

// Mutex is sync.Mutex with the correctness validator.
type testMutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *testMutex) Lock() {
	locking.AddGLock(testprefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *testMutex) NestedLock() {
	locking.AddGLock(testprefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *testMutex) Unlock() {
	locking.DelGLock(testprefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *testMutex) NestedUnlock() {
	locking.DelGLock(testprefixIndex, 1)
	m.mu.Unlock()
}

var testprefixIndex *locking.MutexClass

func init() {
	testprefixIndex = locking.NewMutexClass(reflect.TypeOf(testMutex{}))
}

// Mutex is sync.Mutex with the correctness validator.
type test2Mutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *test2Mutex) Lock() {
	locking.AddGLock(test2prefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *test2Mutex) NestedLock() {
	locking.AddGLock(test2prefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *test2Mutex) Unlock() {
	locking.DelGLock(test2prefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *test2Mutex) NestedUnlock() {
	locking.DelGLock(test2prefixIndex, 1)
	m.mu.Unlock()
}

var test2prefixIndex *locking.MutexClass

func init() {
	test2prefixIndex = locking.NewMutexClass(reflect.TypeOf(test2Mutex{}))
}

// Mutex is sync.Mutex with the correctness validator.
type test3Mutex struct {
	mu sync.Mutex
}

// Lock locks m.
// +checklocksignore
func (m *test3Mutex) Lock() {
	locking.AddGLock(test3prefixIndex, 0)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *test3Mutex) NestedLock() {
	locking.AddGLock(test3prefixIndex, 1)
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *test3Mutex) Unlock() {
	locking.DelGLock(test3prefixIndex, 0)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *test3Mutex) NestedUnlock() {
	locking.DelGLock(test3prefixIndex, 1)
	m.mu.Unlock()
}

var test3prefixIndex *locking.MutexClass

func init() {
	test3prefixIndex = locking.NewMutexClass(reflect.TypeOf(test3Mutex{}))
}
