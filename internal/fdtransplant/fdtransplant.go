// Copyright 2024 The spawnsrv Authors.
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

// Package fdtransplant moves an open file descriptor from one process's
// descriptor table into another's, across an address-space boundary,
// using pidfd_open(2)/pidfd_getfd(2). This is the primitive that lets the
// spawner child pull the client's stdio descriptors into itself before
// replaying them onto the target.
package fdtransplant

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Handle is a pidfd referring to a remote process, opened for the sole
// purpose of fetching its descriptors. Close it once all needed
// descriptors have been pulled.
type Handle struct {
	pid int32
	fd  int
}

// Open returns a pidfd handle on the process identified by pid. The
// caller must hold a reference to that process for the lifetime of the
// handle (e.g. the client must still be alive); pidfd_open fails with
// ESRCH if the process has already exited.
func Open(pid int32) (*Handle, error) {
	fd, err := unix.PidfdOpen(int(pid), 0)
	if err != nil {
		return nil, fmt.Errorf("fdtransplant: pidfd_open(%d): %w", pid, err)
	}
	return &Handle{pid: pid, fd: fd}, nil
}

// Close releases the pidfd. It does not affect the remote process.
func (h *Handle) Close() error {
	return unix.Close(h.fd)
}

// Get duplicates remoteFd from the process h refers to into the calling
// process's own descriptor table, returning the new local descriptor.
//
// The returned descriptor is marked FD_CLOEXEC by the kernel regardless
// of whether the original was. Callers that need the transplanted
// descriptor to survive an execve (as the spawner does, before Step D
// replays it into the target) must explicitly clear FD_CLOEXEC with
// fcntl(F_SETFD) after the call — pidfd_getfd does not preserve the
// source descriptor's close-on-exec state.
func (h *Handle) Get(remoteFd int) (int, error) {
	fd, err := unix.PidfdGetfd(h.fd, remoteFd, 0)
	if err != nil {
		return -1, fmt.Errorf("fdtransplant: pidfd_getfd(pid=%d, fd=%d): %w", h.pid, remoteFd, err)
	}
	return fd, nil
}

// ClearCloexec removes FD_CLOEXEC from fd, per the Get caveat above.
func ClearCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fdtransplant: fcntl(F_GETFD, %d): %w", fd, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("fdtransplant: fcntl(F_SETFD, %d): %w", fd, err)
	}
	return nil
}
