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

package reexec

import "testing"

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("reexec-test-dup", func() {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate Register")
		}
	}()
	Register("reexec-test-dup", func() {})
}

func TestInitUnregisteredNameReturnsFalse(t *testing.T) {
	orig := osArgs
	osArgs = func() []string { return []string{"not-a-registered-name"} }
	defer func() { osArgs = orig }()

	if Init() {
		t.Fatal("Init() = true for an unregistered name")
	}
}

func TestInitRegisteredNameRuns(t *testing.T) {
	ran := false
	Register("reexec-test-run", func() { ran = true })

	orig := osArgs
	osArgs = func() []string { return []string{"reexec-test-run"} }
	defer func() { osArgs = orig }()

	if !Init() {
		t.Fatal("Init() = false for a registered name")
	}
	if !ran {
		t.Fatal("registered function did not run")
	}
}

func TestCommandSetsArgv0(t *testing.T) {
	cmd, err := Command("reexec-test-run", "extra")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if got := cmd.Args[0]; got != "reexec-test-run" {
		t.Errorf("Args[0] = %q, want reexec-test-run", got)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "extra" {
		t.Errorf("Args = %v, want [reexec-test-run extra]", cmd.Args)
	}
}
