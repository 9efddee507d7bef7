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

package spawnserver

import "fmt"

// SyscallError wraps a failure attributable to a specific syscall, so the
// HTTP layer and the logs can both report which platform call failed and
// with what errno, rather than a flattened error string.
type SyscallError struct {
	Syscall string
	Errno   error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Syscall, e.Errno)
}

func (e *SyscallError) Unwrap() error {
	return e.Errno
}

// wrap builds a *SyscallError, or returns nil if err is nil.
func wrap(syscall string, err error) error {
	if err == nil {
		return nil
	}
	return &SyscallError{Syscall: syscall, Errno: err}
}
