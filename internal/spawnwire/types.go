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

// Package spawnwire defines the JSON wire entities exchanged between the
// spawn client and the spawn server, and the validation applied to them
// before any syscall is attempted on the server side.
package spawnwire

import (
	"encoding/json"
	"fmt"
)

// SpawnAttrsSize is the size, in bytes, of the opaque spawn-attributes
// blob. It is carried across the wire but never interpreted; nothing in
// this implementation emulates posix_spawnattr_t beyond file actions.
const SpawnAttrsSize = 336

// FileActionOp names one operation in a FileAction list. The wire encodes
// these as a tagged-variant JSON array rather than the reference
// implementation's raw byte image of a libc posix_spawn_file_actions_t,
// since Go has no native layout to reinterpret that structure into. Order
// is significant: actions are applied in list order, exactly as the
// platform's file-actions object would apply them.
type FileActionOp string

const (
	// OpClose removes Fd from the descriptor set the target starts with.
	// A slot at or below the highest descriptor the target receives
	// (always the case for 0, 1 and 2) is not left closed: the target
	// gets /dev/null there instead (see spawnchild).
	OpClose FileActionOp = "close"
	// OpOpen opens Path as Fd with Oflag/Mode. The spawner child performs
	// the open(2) itself and hands the resulting descriptor to the target
	// as Fd (see spawnchild).
	OpOpen FileActionOp = "open"
	// OpDup2 duplicates the client's Srcfd onto Fd.
	OpDup2 FileActionOp = "dup2"
)

// FileAction is one node of the emulated file-actions list (see Fdop in
// spec.md §3). Only the fields relevant to each Op are populated.
type FileAction struct {
	Op FileActionOp `json:"op"`

	// Fd is the destination descriptor number in the target process, for
	// all three ops.
	Fd int `json:"fd"`

	// Srcfd is the client-side descriptor to duplicate. Only valid for
	// OpDup2.
	Srcfd int `json:"srcfd,omitempty"`

	// Path, Oflag and Mode describe the open(2) call. Only valid for
	// OpOpen.
	Path  string `json:"path,omitempty"`
	Oflag int    `json:"oflag,omitempty"`
	Mode  uint32 `json:"mode,omitempty"`
}

// Validate reports whether fa is a well-formed file action.
func (fa FileAction) Validate() error {
	switch fa.Op {
	case OpClose:
		if fa.Fd < 0 {
			return fmt.Errorf("close: negative fd %d", fa.Fd)
		}
	case OpOpen:
		if fa.Path == "" {
			return fmt.Errorf("open: empty path for fd %d", fa.Fd)
		}
	case OpDup2:
		if fa.Srcfd < 0 {
			return fmt.Errorf("dup2: negative srcfd %d", fa.Srcfd)
		}
	default:
		return fmt.Errorf("invalid fdop cmd %q", fa.Op)
	}
	return nil
}

// SpawnRequest is the wire entity describing one remote spawn. It mirrors
// spec.md §3's SpawnRequest, with file_actions carried as the tagged
// FileAction list (§3 [EXPANSION]) instead of an opaque byte blob, and
// use_path given its corrected POSIX meaning: true selects PATH search
// (posix_spawnp semantics), false selects the literal executable path
// (posix_spawn semantics). The reference implementation inverts this; this
// wire type does not.
type SpawnRequest struct {
	Executable  string       `json:"executable" binding:"required"`
	Argv        []string     `json:"argv"`
	Envp        []string     `json:"envp"`
	UsePath     bool         `json:"use_path"`
	FileActions []FileAction `json:"file_actions"`
	SpawnAttrs  []byte       `json:"spawn_attrs,omitempty"`
	ClientPid   int32        `json:"client_pid" binding:"required"`
}

// Validate rejects malformed requests before any syscall is attempted,
// per spec.md §7's request-format error class.
func (r *SpawnRequest) Validate() error {
	if r.Executable == "" {
		return fmt.Errorf("executable must not be empty")
	}
	if r.ClientPid <= 0 {
		return fmt.Errorf("client_pid must be positive, got %d", r.ClientPid)
	}
	if r.SpawnAttrs != nil && len(r.SpawnAttrs) != SpawnAttrsSize {
		return fmt.Errorf("spawn_attrs must be %d bytes, got %d", SpawnAttrsSize, len(r.SpawnAttrs))
	}
	for i, fa := range r.FileActions {
		if err := fa.Validate(); err != nil {
			return fmt.Errorf("file_actions[%d]: %w", i, err)
		}
	}
	return nil
}

// SpawnResponse is the pair (spawner_pid, target_pid) returned on success.
// Both must be positive; spec.md §3 treats either being <= 0 as a protocol
// error.
//
// spec.md §6 wires this as the two-element JSON array
// [spawner_pid, target_pid], matching the original implementation's
// Json((spawner_pid, target_pid)) response body exactly; it is not an
// object with named fields on the wire. MarshalJSON/UnmarshalJSON below
// implement that array encoding while keeping the named fields for use
// in Go code.
type SpawnResponse struct {
	SpawnerPid int32
	TargetPid  int32
}

// Valid reports whether both pids are positive.
func (r SpawnResponse) Valid() bool {
	return r.SpawnerPid > 0 && r.TargetPid > 0
}

// MarshalJSON encodes r as [spawner_pid, target_pid], per spec.md §6.
func (r SpawnResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int32{r.SpawnerPid, r.TargetPid})
}

// UnmarshalJSON decodes a [spawner_pid, target_pid] array into r.
func (r *SpawnResponse) UnmarshalJSON(data []byte) error {
	var pair [2]int32
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decoding spawn response array: %w", err)
	}
	r.SpawnerPid = pair[0]
	r.TargetPid = pair[1]
	return nil
}

// ErrorResponse is the diagnostic body returned alongside HTTP 4xx and
// 5xx responses (spec.md §7).
type ErrorResponse struct {
	Error   string `json:"error"`
	Syscall string `json:"syscall,omitempty"`
	Errno   string `json:"errno,omitempty"`
}

// Identity is the diagnostic document served at GET / (spec.md §6).
type Identity struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}
