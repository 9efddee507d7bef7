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

// Package spawnserver implements the server-side half of the protocol:
// the preparatory steps of spec.md §4.1 (build the job description,
// launch the spawner child, recover the target pid), and the HTTP
// transport that exposes them.
//
// Deliberately absent here is any call to
// prctl(PR_SET_CHILD_SUBREAPER, 1): making the server a subreaper would
// make the kernel reparent orphans to the server instead of the client,
// defeating the whole point of the protocol. That step belongs to
// spawnclient.EnableSubreaper, called by the client before it ever
// issues a request.
package spawnserver

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"spawnsrv/internal/spawnchild"
	"spawnsrv/internal/spawnwire"
)

// Driver runs the server-side half of a single spawn request.
type Driver struct{}

// NewDriver returns a ready-to-use Driver. It carries no state: every
// request is independent, and nothing about the spawner child survives
// past the request that launched it.
func NewDriver() *Driver {
	return &Driver{}
}

// Result is what a successful Spawn returns: the pids spec.md §3's
// SpawnResponse carries.
type Result struct {
	SpawnerPid int32
	TargetPid  int32
}

// Spawn drives one request to completion: it launches a spawner child
// (a reexec of the current binary), hands it the job over a pipe, and
// recovers the target's pid from a second pipe once the child has
// exec'd it.
func (d *Driver) Spawn(req *spawnwire.SpawnRequest) (Result, error) {
	job := spawnchild.Job{
		ClientPid:   req.ClientPid,
		Executable:  req.Executable,
		Argv:        req.Argv,
		Envp:        req.Envp,
		UsePath:     req.UsePath,
		FileActions: req.FileActions,
	}
	if len(job.Argv) == 0 {
		job.Argv = []string{req.Executable}
	}

	jobR, jobW, err := pipe()
	if err != nil {
		return Result{}, wrap("pipe2(job)", err)
	}
	defer jobR.Close()
	defer jobW.Close()

	resR, resW, err := pipe()
	if err != nil {
		return Result{}, wrap("pipe2(result)", err)
	}
	defer resR.Close()
	defer resW.Close()

	cmd, err := spawnchild.Command()
	if err != nil {
		return Result{}, fmt.Errorf("building spawner child command: %w", err)
	}
	cmd.ExtraFiles = []*os.File{jobR, resW}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, wrap("fork/exec(spawner child)", err)
	}

	// The child now holds its own copies of jobR and resW; release ours
	// so that resR sees EOF if the child dies before writing, instead of
	// blocking forever on a write end only the parent still holds.
	jobR.Close()
	resW.Close()

	if err := spawnchild.WriteJob(jobW, job); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return Result{}, fmt.Errorf("writing job to spawner child: %w", err)
	}
	jobW.Close()

	targetPid, readErr := spawnchild.ReadResult(resR)

	waitErr := cmd.Wait()

	if readErr != nil {
		return Result{}, fmt.Errorf("reading result from spawner child: %w (stderr: %q)", readErr, stderr.String())
	}
	if targetPid <= 0 {
		return Result{}, fmt.Errorf("spawner child reported failure (stderr: %q)", stderr.String())
	}
	if waitErr != nil {
		return Result{}, fmt.Errorf("spawner child exited with error after reporting success: %w", waitErr)
	}

	spawnerPid := int32(cmd.Process.Pid)
	return Result{SpawnerPid: spawnerPid, TargetPid: targetPid}, nil
}

// pipe opens a close-on-exec pipe in packet mode: O_DIRECT makes each
// write's boundary visible to the reader, so a short read is
// unambiguously a protocol violation rather than a partial message that
// might still be completed by a later read.
func pipe() (r, w *os.File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_DIRECT); err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "pipe-r"), os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}
