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

// Package kernelerr contains the kernel status codes exported as error
// interface pointers. Statuses are singleton *errors.Error values, so
// comparison and return are as cheap as with unix.Errno constants.
package kernelerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"kmx.dev/kmx/pkg/abi/errno"
	"kmx.dev/kmx/pkg/errors"
)

const maxErrno uint32 = uint32(errno.ENOTRECOVERABLE) + 1

// The following statuses are semantically identical to errnos of type
// unix.Errno, but the types are distinct (*errors.Error) and therefore not
// directly comparable. The Errno method returns a number such that
// unix.Errno(EPERM.Errno()) == unix.EPERM holds. Converting a unix.Errno
// back to a status is done via FromUnix.
var (
	noError *errors.Error = nil

	EPERM  = errors.New(errno.EPERM, "operation not permitted")
	ENOENT = errors.New(errno.ENOENT, "no such entry")
	ESRCH  = errors.New(errno.ESRCH, "no such team or thread")
	EINTR  = errors.New(errno.EINTR, "interrupted call")
	EIO    = errors.New(errno.EIO, "I/O error")
	EAGAIN = errors.New(errno.EAGAIN, "try again")
	ENOMEM = errors.New(errno.ENOMEM, "out of memory")
	EACCES = errors.New(errno.EACCES, "permission denied")
	EFAULT = errors.New(errno.EFAULT, "bad address")
	EBUSY  = errors.New(errno.EBUSY, "resource busy")
	EEXIST = errors.New(errno.EEXIST, "already exists")
	EINVAL = errors.New(errno.EINVAL, "invalid argument")
	ENOSPC = errors.New(errno.ENOSPC, "no space left")

	EDEADLK      = errors.New(errno.EDEADLK, "resource deadlock would occur")
	ENAMETOOLONG = errors.New(errno.ENAMETOOLONG, "name too long")
	ENOSYS       = errors.New(errno.ENOSYS, "invalid system call number")

	ETIMEDOUT = errors.New(errno.ETIMEDOUT, "timed out")

	EOWNERDEAD      = errors.New(errno.EOWNERDEAD, "owner died")
	ENOTRECOVERABLE = errors.New(errno.ENOTRECOVERABLE, "state not recoverable")

	// Statuses equivalent to other statuses.
	EWOULDBLOCK = EAGAIN
	EDEADLOCK   = EDEADLK
)

// A nil *errors.Error denotes no error and sits at index 0 of errnoSlice.
// Every index not covered by a status above maps to errNotValidError, so a
// lookup of an unknown errno can never be mistaken for success or for a
// valid status.
var errNotValidError = errors.New(errno.Errno(maxErrno), "not a valid error")

// errnoSlice holds statuses by errno for fast translation between errnos
// (especially uint32(unix.Errno)) and *errors.Error.
var errnoSlice [maxErrno]*errors.Error

func init() {
	for i := range errnoSlice {
		errnoSlice[i] = errNotValidError
	}
	errnoSlice[errno.NOERRNO] = noError
	for _, e := range []*errors.Error{
		EPERM, ENOENT, ESRCH, EINTR, EIO, EAGAIN, ENOMEM, EACCES, EFAULT,
		EBUSY, EEXIST, EINVAL, ENOSPC, EDEADLK, ENAMETOOLONG, ENOSYS,
		ETIMEDOUT, EOWNERDEAD, ENOTRECOVERABLE,
	} {
		errnoSlice[e.Errno()] = e
	}
}

// FromUnix returns the status corresponding to a unix.Errno.
func FromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if uint32(err) >= maxErrno {
		panic(fmt.Sprintf("invalid error requested with errno: %d", err))
	}
	e := errnoSlice[errno.Errno(err)]
	if e == errNotValidError {
		panic(fmt.Sprintf("invalid error requested with errno: %v", e))
	}
	return e
}

// ToError converts a status to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a status to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	return unixErr
}

// Equals compares a status to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = unix.Errno(e.Errno())
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
