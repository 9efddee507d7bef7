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

// Command spawnctl is a thin demonstration client: it asks a running
// spawn-serverd for a process and waits on it like a normal child.
//
// It is not part of the protocol's core; it exists the way runsc keeps
// small CLI wrappers around its own libraries, as a convenience entry
// point rather than something the wire contract depends on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"spawnsrv/internal/spawnclient"
	"spawnsrv/internal/spawnwire"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&runCommand{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

type runCommand struct {
	server  string
	usePath bool
}

func (*runCommand) Name() string     { return "run" }
func (*runCommand) Synopsis() string { return "ask a spawn server to run a program as our child" }
func (*runCommand) Usage() string {
	return "run -server <url> <executable> [args...]\n" +
		"  Spawn <executable> via a remote spawn-serverd and wait for it.\n"
}

func (c *runCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.server, "server", "http://127.0.0.1:8099", "base URL of the spawn server")
	f.BoolVar(&c.usePath, "use-path", true, "search PATH for the executable")
}

func (c *runCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "spawnctl: missing executable")
		return subcommands.ExitUsageError
	}
	executable := f.Arg(0)
	argv := f.Args()

	if err := spawnclient.EnableSubreaper(); err != nil {
		fmt.Fprintf(os.Stderr, "spawnctl: enabling subreaper: %v\n", err)
		return subcommands.ExitFailure
	}

	client := spawnclient.New(c.server)
	req := &spawnwire.SpawnRequest{
		Executable: executable,
		Argv:       argv,
		Envp:       os.Environ(),
		UsePath:    c.usePath,
		ClientPid:  int32(os.Getpid()),
	}

	resp, err := client.Spawn(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawnctl: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("spawner_pid=%d target_pid=%d\n", resp.SpawnerPid, resp.TargetPid)

	if err := spawnclient.WaitSpawner(resp.SpawnerPid); err != nil {
		fmt.Fprintf(os.Stderr, "spawnctl: %v\n", err)
		return subcommands.ExitFailure
	}

	var status unix.WaitStatus
	if _, err := unix.Wait4(int(resp.TargetPid), &status, 0, nil); err != nil {
		fmt.Fprintf(os.Stderr, "spawnctl: waiting for target %d: %v\n", resp.TargetPid, err)
		return subcommands.ExitFailure
	}
	if status.Exited() {
		os.Exit(status.ExitStatus())
	}
	return subcommands.ExitSuccess
}
