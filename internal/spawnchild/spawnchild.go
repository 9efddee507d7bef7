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

// Package spawnchild implements the spawner-child procedure: the short
// lived process, launched by spawnserver as a reexec of the server
// binary, that pulls the client's descriptors across the address-space
// boundary, applies the requested file actions, and finally execs the
// target program so it inherits the prepared descriptor table.
//
// The spawner child runs with two extra descriptors beyond the usual
// three: fd 3 is the read end of a pipe carrying the JSON-encoded Job,
// written by the parent before the child execs; fd 4 is the write end of
// the one-shot result pipe the parent reads the target pid from. Both
// are set up via exec.Cmd.ExtraFiles by the caller in spawnserver.
package spawnchild

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"spawnsrv/internal/fdtransplant"
	"spawnsrv/internal/reexec"
	"spawnsrv/internal/spawnwire"
)

// EntryName is the reexec entry point name the spawner child is
// registered under.
const EntryName = "spawnsrv-spawnchild"

// Reserved descriptors the spawner child parks copies of its own stdio
// on. The target's descriptors are staged in a separate table and placed
// by ForkExec, so the spawner's own 0, 1 and 2 are not overwritten and
// the copies are put back onto them after ForkExec. Using three distinct
// numbers, rather than reusing one slot for all three,
// avoids the reserved-fd collision the reference implementation has:
// saving stdout and stderr to the same spare descriptor clobbers
// whichever was saved first.
const (
	reservedStdin  = 1000
	reservedStdout = 1001
	reservedStderr = 1002
)

const (
	jobReadFd     = 3
	resultWriteFd = 4
)

// Job is everything the spawner child needs to complete Steps A-E. It is
// the reexec analogue of the stack-captured closure the reference
// implementation's clone() callback has direct access to: since a
// reexec'd process starts with a blank Go runtime, the parent must ship
// this data across a pipe instead of sharing memory.
type Job struct {
	ClientPid   int32                  `json:"client_pid"`
	Executable  string                 `json:"executable"`
	Argv        []string               `json:"argv"`
	Envp        []string               `json:"envp"`
	UsePath     bool                   `json:"use_path"`
	FileActions []spawnwire.FileAction `json:"file_actions"`
}

func init() {
	reexec.Register(EntryName, entryPoint)
}

// Command builds the *exec.Cmd spawnserver should Start to launch a
// spawner child. The caller is responsible for attaching ExtraFiles (the
// job pipe read end at index 0, the result pipe write end at index 1)
// before calling Start, and for writing the Job with WriteJob beforehand
// or immediately after Start.
func Command() (*exec.Cmd, error) {
	return reexec.Command(EntryName)
}

// WriteJob JSON-encodes job onto w. The spawner child reads exactly one
// such document from its fd 3.
func WriteJob(w io.Writer, job Job) error {
	return json.NewEncoder(w).Encode(job)
}

// ReadResult reads the 4-byte big-endian pid the spawner child writes to
// its fd 4 on exit. A value of 0 indicates the spawner child failed
// before it could exec the target; the caller should consult the
// child's exit status and stderr for the reason.
func ReadResult(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("spawnchild: reading result: %w", err)
	}
	pid := int32(binary.BigEndian.Uint32(buf[:]))
	return pid, nil
}

// entryPoint is the reexec hook. It never returns: it always calls
// os.Exit.
func entryPoint() {
	reqFile := os.NewFile(jobReadFd, "spawnchild-job")
	var job Job
	if reqFile == nil {
		fail(fmt.Errorf("job descriptor %d not open", jobReadFd))
	}
	if err := json.NewDecoder(reqFile).Decode(&job); err != nil {
		fail(fmt.Errorf("decoding job: %w", err))
	}

	pid, err := run(job)
	if err != nil {
		fail(err)
	}
	writeResultAndExit(pid)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "spawnchild:", err)
	writeResultAndExit(0)
}

func writeResultAndExit(pid int32) {
	resFile := os.NewFile(resultWriteFd, "spawnchild-result")
	if resFile != nil {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(pid))
		resFile.Write(buf[:])
		resFile.Close()
	}
	if pid == 0 {
		os.Exit(1)
	}
	os.Exit(0)
}

// run performs Steps A-E and returns the target's pid.
func run(job Job) (int32, error) {
	// Step A: park copies of our own stdio on the reserved descriptors.
	// The steps below stage the target's descriptors in a table rather
	// than on 0, 1 and 2. Best-effort: a closed fd here just means the
	// spawner was launched without one of its standard streams.
	unix.Dup2(0, reservedStdin)
	unix.Dup2(1, reservedStdout)
	unix.Dup2(2, reservedStderr)

	handle, err := fdtransplant.Open(job.ClientPid)
	if err != nil {
		return 0, fmt.Errorf("opening client %d: %w", job.ClientPid, err)
	}
	defer handle.Close()

	// Step B: default the target's stdio to the client's own, so a
	// request with no file actions at all still gets the client's
	// terminal transplanted across, matching spec.md's baseline case.
	table := map[int]int{}
	for _, stdfd := range []int{0, 1, 2} {
		local, err := handle.Get(stdfd)
		if err != nil {
			closeTable(table)
			return 0, fmt.Errorf("transplanting client fd %d: %w", stdfd, err)
		}
		table[stdfd] = local
	}

	// Step C: walk the file-action list in order, exactly as the
	// platform's file-actions object would replay it.
	for i, fa := range job.FileActions {
		if err := fa.Validate(); err != nil {
			closeTable(table)
			return 0, fmt.Errorf("file_actions[%d]: %w", i, err)
		}
		switch fa.Op {
		case spawnwire.OpClose:
			if local, ok := table[fa.Fd]; ok {
				unix.Close(local)
				delete(table, fa.Fd)
			}
		case spawnwire.OpDup2:
			local, err := handle.Get(fa.Srcfd)
			if err != nil {
				closeTable(table)
				return 0, fmt.Errorf("file_actions[%d]: transplanting client fd %d: %w", i, fa.Srcfd, err)
			}
			if old, ok := table[fa.Fd]; ok {
				unix.Close(old)
			}
			table[fa.Fd] = local
		case spawnwire.OpOpen:
			local, err := unix.Open(fa.Path, fa.Oflag, fa.Mode)
			if err != nil {
				closeTable(table)
				return 0, fmt.Errorf("file_actions[%d]: open %s: %w", i, fa.Path, err)
			}
			if old, ok := table[fa.Fd]; ok {
				unix.Close(old)
			}
			table[fa.Fd] = local
		}
	}

	// Transplanted and locally opened descriptors arrive FD_CLOEXEC from
	// pidfd_getfd (and may be O_CLOEXEC from the open(2) above); clear it
	// so Step D's ForkExec, which execs a fresh image, keeps them.
	for _, local := range table {
		if err := fdtransplant.ClearCloexec(local); err != nil {
			closeTable(table)
			return 0, fmt.Errorf("clearing FD_CLOEXEC: %w", err)
		}
	}

	// Step D: build the contiguous descriptor vector ForkExec expects
	// and exec the target. Slots the request left unassigned below the
	// highest referenced fd are filled with /dev/null rather than left
	// absent, the same convention exec.Cmd itself uses for an unset
	// Stdin/Stdout/Stderr.
	pid, err := execTarget(job, table)
	closeTable(table)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func closeTable(table map[int]int) {
	for _, fd := range table {
		unix.Close(fd)
	}
}

func execTarget(job Job, table map[int]int) (int32, error) {
	max := 2
	for fd := range table {
		if fd > max {
			max = fd
		}
	}

	files := make([]uintptr, max+1)
	opened := make([]int, 0, len(files))
	for i := 0; i <= max; i++ {
		if local, ok := table[i]; ok {
			files[i] = uintptr(local)
			continue
		}
		devnull, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
		if err != nil {
			for _, fd := range opened {
				unix.Close(fd)
			}
			return 0, fmt.Errorf("opening %s placeholder for fd %d: %w", os.DevNull, i, err)
		}
		opened = append(opened, devnull)
		files[i] = uintptr(devnull)
	}
	defer func() {
		for _, fd := range opened {
			unix.Close(fd)
		}
	}()

	path := job.Executable
	if job.UsePath {
		resolved, err := exec.LookPath(job.Executable)
		if err != nil {
			return 0, fmt.Errorf("resolving %s on PATH: %w", job.Executable, err)
		}
		path = resolved
	}

	pid, err := syscall.ForkExec(path, job.Argv, &syscall.ProcAttr{
		Env:   job.Envp,
		Files: files,
	})
	if err != nil {
		return 0, fmt.Errorf("fork/exec %s: %w", path, err)
	}

	// Put the parked copies of our own stdio back onto 0, 1 and 2.
	unix.Dup2(reservedStdin, 0)
	unix.Dup2(reservedStdout, 1)
	unix.Dup2(reservedStderr, 2)

	return int32(pid), nil
}
