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

//go:build !lockdep
// +build !lockdep

package locking

import (
	"reflect"
)

type goroutineLocks map[*MutexClass]bool

// MutexClass is a stub of the lockdep mutex class. All mutexes of one class
// share lock ordering rules; without the lockdep build tag no state is kept.
type MutexClass struct{}

// NewMutexClass returns a new mutex class.
func NewMutexClass(t reflect.Type) *MutexClass {
	return nil
}

// AddGLock records a lock of the specified class on the current goroutine.
//
//go:inline
func AddGLock(class *MutexClass, subclass uint32) {}

// DelGLock records an unlock of the specified class on the current goroutine.
//
//go:inline
func DelGLock(class *MutexClass, subclass uint32) {}
