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

// Package errno holds the errno codes of the kernel ABI. The numbering is
// Linux-compatible so that statuses translate directly to host errnos.
package errno

// Errno is an errno number.
type Errno uint32

// NOERRNO is no error.
const NOERRNO = 0

// Base errno codes.
const (
	EPERM = Errno(iota + 1)
	ENOENT
	ESRCH
	EINTR
	EIO
	ENXIO
	E2BIG
	ENOEXEC
	EBADF
	ECHILD
	EAGAIN
	ENOMEM
	EACCES
	EFAULT
	ENOTBLK
	EBUSY
	EEXIST
	EXDEV
	ENODEV
	ENOTDIR
	EISDIR
	EINVAL
	ENFILE
	EMFILE
	ENOTTY
	ETXTBSY
	EFBIG
	ENOSPC
	ESPIPE
	EROFS
	EMLINK
	EPIPE
	EDOM
	ERANGE // 34
)

// Extended errno codes used by this kernel.
const (
	EDEADLK = Errno(iota + 35)
	ENAMETOOLONG
	ENOLCK
	ENOSYS
	ENOTEMPTY // 39
)

// Identifier and timing errno codes.
const (
	ENOMSG = Errno(42)
	EIDRM  = Errno(43)

	ETIMEDOUT = Errno(110)
)

// Robust mutex errno codes.
const (
	EOWNERDEAD      = Errno(130)
	ENOTRECOVERABLE = Errno(131)
)

// EWOULDBLOCK is the "operation would block" errno, equal to EAGAIN.
const EWOULDBLOCK = EAGAIN
