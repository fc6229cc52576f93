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

// Package syscalls implements the mutex entry points: argument validation
// in front of the registry, in the shape the syscall table calls them.
package syscalls

import (
	"time"

	"kmx.dev/kmx/pkg/errors/kernelerr"
	"kmx.dev/kmx/pkg/kernel"
	"kmx.dev/kmx/pkg/kernel/kmutex"
)

// createFlagsMask is every flag mutex_create accepts.
const createFlagsMask = kmutex.Recursive | kmutex.CheckPermission | kmutex.NoReschedule

// acquireFlagsMask is every flag mutex_acquire accepts.
const acquireFlagsMask = kmutex.TimeoutRelative | kmutex.TimeoutAbsolute

// MutexCreate implements mutex_create.
func MutexCreate(t *kernel.Thread, name string, flags kmutex.Flags) (kmutex.ID, error) {
	if len(name) == 0 || len(name) > kmutex.MaxNameLen {
		return 0, kernelerr.EINVAL
	}
	if flags&^createFlagsMask != 0 {
		return 0, kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().Create(t, name, flags)
}

// MutexDelete implements mutex_delete.
func MutexDelete(t *kernel.Thread, id kmutex.ID) error {
	if id < 0 {
		return kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().Delete(t, id)
}

// MutexFind implements mutex_find.
func MutexFind(t *kernel.Thread, name string) (kmutex.ID, error) {
	if len(name) == 0 || len(name) > kmutex.MaxNameLen {
		return 0, kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().Find(name)
}

// MutexAcquire implements mutex_acquire.
//
// A relative timeout may be zero or negative; that is the try-acquire form.
// An absolute timeout is nanoseconds since the epoch and may not be
// negative.
func MutexAcquire(t *kernel.Thread, id kmutex.ID, flags kmutex.AcquireFlags, timeout time.Duration) error {
	if id < 0 {
		return kernelerr.EINVAL
	}
	if flags&^acquireFlagsMask != 0 {
		return kernelerr.EINVAL
	}
	if flags&kmutex.TimeoutRelative != 0 && flags&kmutex.TimeoutAbsolute != 0 {
		return kernelerr.EINVAL
	}
	if flags&kmutex.TimeoutAbsolute != 0 && timeout < 0 {
		return kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().Acquire(t, id, flags, timeout)
}

// MutexRelease implements mutex_release.
func MutexRelease(t *kernel.Thread, id kmutex.ID) error {
	if id < 0 {
		return kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().Release(t, id)
}

// MutexMarkConsistent implements mutex_mark_consistent.
func MutexMarkConsistent(t *kernel.Thread, id kmutex.ID) error {
	if id < 0 {
		return kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().MarkConsistent(t, id)
}

// MutexGetInfo implements mutex_get_info.
func MutexGetInfo(t *kernel.Thread, id kmutex.ID) (kmutex.Info, error) {
	if id < 0 {
		return kmutex.Info{}, kernelerr.EINVAL
	}
	return t.Kernel().Mutexes().GetInfo(id)
}
