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

// Package reexec provides the "launch a fresh copy of this binary as a
// different entry point" primitive the spawner child is built on.
//
// Go has no binding for clone(2) with a caller-supplied function pointer as
// the child's entry point, which is how spec.md's reference implementation
// creates the spawner child. The idiomatic Go substitute, used throughout
// container tooling, is to re-exec /proc/self/exe with a sentinel argument
// and dispatch to a registered init function before main() does anything
// else. That init function never returns to main: it runs its procedure
// and calls os.Exit.
package reexec

import (
	"fmt"
	"os"
	"os/exec"
)

var registry = map[string]func(){}

// osArgs is a seam over os.Args for tests; production code never
// reassigns it.
var osArgs = func() []string { return os.Args }

// Register associates name with an entry point. Call it from an init()
// function in the package that owns the entry point.
func Register(name string, fn func()) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("reexec: function already registered under name %q", name))
	}
	registry[name] = fn
}

// Init must be called early in main(). If the process was launched via
// Command with a registered name as argv[0], it runs the matching entry
// point and returns true; main() should return immediately afterward. If
// argv[0] names nothing registered, Init returns false and normal startup
// continues.
func Init() bool {
	args := osArgs()
	if len(args) == 0 {
		return false
	}
	fn, ok := registry[args[0]]
	if !ok {
		return false
	}
	fn()
	return true
}

// Command builds an *exec.Cmd that re-execs the current binary with argv[0]
// set to name, so that the child's Init call dispatches to the entry point
// registered under name. /proc/self/exe is used as the executable path so
// the child runs the exact binary currently executing, even if argv[0] of
// the parent was a relative path or has since been replaced on disk.
func Command(name string, args ...string) (*exec.Cmd, error) {
	cmd := &exec.Cmd{
		Path: "/proc/self/exe",
		Args: append([]string{name}, args...),
	}
	return cmd, nil
}
